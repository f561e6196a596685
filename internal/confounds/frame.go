package confounds

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kshedden/gonpy"

	"github.com/spineprep/spineprep/internal/fsutil"
)

// TissueResult pairs a configured tissue with its extraction outcome.
type TissueResult struct {
	Tissue string
	Result ACompCorResult
	// Note records a degraded extraction, e.g. an unreadable mask.
	Note string
}

// Frame is the assembled confounds table for one run. Column order is
// fixed: framewise_displacement, dvars, frame_censor, the aCompCor
// columns per configured tissue, then the six motion parameters.
type Frame struct {
	FD      []float64
	DVARS   []float64
	Censor  []int
	Tissues []TissueResult
	Motion  [][6]float64
}

var motionColumns = []string{"trans_x", "trans_y", "trans_z", "rot_x", "rot_y", "rot_z"}

// Columns returns the TSV header fields in canonical order.
func (f *Frame) Columns() []string {
	cols := []string{"framewise_displacement", "dvars", "frame_censor"}
	for _, tr := range f.Tissues {
		for c := 0; c < tr.Result.NComponents; c++ {
			cols = append(cols, fmt.Sprintf("acomp_%s_pc%02d", tr.Tissue, c+1))
		}
	}
	cols = append(cols, motionColumns...)
	return cols
}

// TSV renders the frame as a tab-separated table. Continuous values are
// written with six decimals; frame_censor as integer 0/1.
func (f *Frame) TSV() []byte {
	var b bytes.Buffer
	b.WriteString(strings.Join(f.Columns(), "\t"))
	b.WriteByte('\n')

	for t := range f.FD {
		fields := []string{
			strconv.FormatFloat(f.FD[t], 'f', 6, 64),
			strconv.FormatFloat(f.DVARS[t], 'f', 6, 64),
			strconv.Itoa(f.Censor[t]),
		}
		for _, tr := range f.Tissues {
			for c := 0; c < tr.Result.NComponents; c++ {
				fields = append(fields, strconv.FormatFloat(tr.Result.Components[c][t], 'f', 6, 64))
			}
		}
		for c := 0; c < 6; c++ {
			fields = append(fields, strconv.FormatFloat(f.Motion[t][c], 'f', 6, 64))
		}
		b.WriteString(strings.Join(fields, "\t"))
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// Descriptor is the machine-readable record accompanying the table.
type Descriptor struct {
	Sources     []string           `json:"sources"`
	FDMethod    string             `json:"fd_method"`
	FDSource    string             `json:"fd_source"`
	DVARSMethod string             `json:"dvars_method"`
	DVARSNote   string             `json:"dvars_note,omitempty"`
	TRSeconds   float64            `json:"tr_s"`
	CropFrom    int                `json:"CropFrom"`
	CropTo      int                `json:"CropTo"`
	Censor      CensorDescriptor   `json:"censor"`
	ACompCor    map[string]TissueDescriptor `json:"acompcor"`
}

// CensorDescriptor records the censor configuration and outcome.
type CensorDescriptor struct {
	Enable        bool    `json:"enable"`
	FDThreshMM    float64 `json:"fd_thresh_mm"`
	DVARSThresh   float64 `json:"dvars_thresh"`
	PadVols       int     `json:"pad_vols"`
	MinContigVols int     `json:"min_contig_vols"`
	NKept         int     `json:"n_kept"`
	NCensored     int     `json:"n_censored"`
}

// TissueDescriptor records one tissue's aCompCor metadata.
type TissueDescriptor struct {
	NComponents       int       `json:"n_components"`
	ExplainedVariance []float64 `json:"explained_variance"`
	Note              string    `json:"note,omitempty"`
}

// WriteTSV commits the table atomically.
func (f *Frame) WriteTSV(path string) error {
	return fsutil.WriteFileAtomic(path, f.TSV())
}

// WriteDescriptor commits the JSON descriptor atomically.
func WriteDescriptor(path string, d Descriptor) error {
	if d.ACompCor == nil {
		d.ACompCor = map[string]TissueDescriptor{}
	}
	if d.Sources == nil {
		d.Sources = []string{}
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, append(data, '\n'))
}

// WriteComponentsNPY dumps one tissue's T×K component matrix as an NPY
// file for offline QC. Nothing is written when there are no components.
func WriteComponentsNPY(path string, r ACompCorResult) error {
	if r.NComponents == 0 {
		return nil
	}
	nt := len(r.Components[0])
	data := make([]float64, 0, nt*r.NComponents)
	for t := 0; t < nt; t++ {
		for c := 0; c < r.NComponents; c++ {
			data = append(data, r.Components[c][t])
		}
	}
	if err := fsutil.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp-npy")
	w, err := gonpy.NewFileWriter(tmp)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	w.Shape = []int{nt, r.NComponents}
	if err := w.WriteFloat64(data); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing %s: %w", path, err)
	}
	return nil
}
