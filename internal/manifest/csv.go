package manifest

import (
	"bytes"
	"encoding/csv"
	"fmt"

	"github.com/spineprep/spineprep/internal/fsutil"
)

// WriteCSV writes the manifest as a CSV for QC and external collaborators.
// The column set mirrors the per-run attributes downstream steps consume.
func WriteCSV(m *Manifest, path string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"sub", "ses", "task", "acq", "run", "bold_path", "tr_s", "pe_dir", "nvols", "motion_group"}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, r := range m.Runs {
		e := r.Entities
		row := []string{
			e.Sub, e.Ses, e.Task, e.Acq, e.Run,
			r.BoldPath,
			fmt.Sprintf("%g", r.TR),
			r.PhaseEncodeDir,
			fmt.Sprintf("%d", r.NVols),
			r.MotionGroup,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, buf.Bytes())
}
