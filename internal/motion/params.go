// Package motion runs the motion engines over an already cropped series
// and owns the six-column parameter table contract: trans_x..trans_z in
// millimeters, rot_x..rot_z in radians, one row per post-crop volume.
package motion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spineprep/spineprep/internal/fsutil"
)

// Columns is the fixed parameter-table header.
var Columns = []string{"trans_x", "trans_y", "trans_z", "rot_x", "rot_y", "rot_z"}

// Status values recorded in the parameter sidecar.
const (
	StatusCompleted        = "completed"
	StatusSkippedNoTools   = "skipped_missing_tools"
	StatusFallbackCopy     = "fallback_copy"
	StatusFallbackRigid    = "fallback_rigid_only"
)

// Params is a T×6 rigid-body parameter table.
type Params [][6]float64

// ZeroParams returns a table of n zero rows.
func ZeroParams(n int) Params {
	return make(Params, n)
}

// Add sums two tables component-wise. Used by the hybrid engine, which
// approximates slice-then-volume correction by summing the two tables.
func (p Params) Add(q Params) (Params, error) {
	if len(p) != len(q) {
		return nil, fmt.Errorf("parameter tables differ in length: %d vs %d", len(p), len(q))
	}
	out := make(Params, len(p))
	for i := range p {
		for c := 0; c < 6; c++ {
			out[i][c] = p[i][c] + q[i][c]
		}
	}
	return out, nil
}

// TSV renders the table with its header.
func (p Params) TSV() []byte {
	var b bytes.Buffer
	b.WriteString(strings.Join(Columns, "\t"))
	b.WriteByte('\n')
	for _, row := range p {
		for c := 0; c < 6; c++ {
			if c > 0 {
				b.WriteByte('\t')
			}
			b.WriteString(strconv.FormatFloat(row[c], 'f', 6, 64))
		}
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// WriteTSV commits the table atomically.
func (p Params) WriteTSV(path string) error {
	return fsutil.WriteFileAtomic(path, p.TSV())
}

// ReadTSV parses a parameter table, validating the header and column
// count.
func ReadTSV(path string) (Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty motion parameter table %s", path)
	}
	if got := strings.Split(lines[0], "\t"); len(got) != 6 || got[0] != "trans_x" {
		return nil, fmt.Errorf("unexpected motion parameter header in %s: %q", path, lines[0])
	}
	params := make(Params, 0, len(lines)-1)
	for i, line := range lines[1:] {
		fields := strings.Split(line, "\t")
		if len(fields) != 6 {
			return nil, fmt.Errorf("%s row %d: expected 6 columns, got %d", path, i+1, len(fields))
		}
		var row [6]float64
		for c, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("%s row %d col %d: %w", path, i+1, c, err)
			}
			row[c] = v
		}
		params = append(params, row)
	}
	return params, nil
}

// Sidecar is the metadata record next to the parameter table.
type Sidecar struct {
	Engine       string            `json:"engine"`
	SliceAxis    string            `json:"slice_axis"`
	Status       string            `json:"status"`
	ToolVersions map[string]string `json:"tool_versions"`
	CropFrom     int               `json:"crop_from"`
	CropTo       int               `json:"crop_to"`
	CropReason   string            `json:"crop_reason"`
}

// WriteSidecar commits the metadata atomically.
func WriteSidecar(path string, s Sidecar) error {
	if s.ToolVersions == nil {
		s.ToolVersions = map[string]string{}
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, append(data, '\n'))
}
