// Package qc assembles the machine-readable inputs the report renderer
// consumes: per-run step outcomes taken from the .ok/.skip markers and
// censor statistics read from confounds descriptors; .prov.json records
// are not read. HTML rendering is a separate collaborator.
package qc

import (
	"encoding/json"
	"os"

	"github.com/spineprep/spineprep/internal/fsutil"
)

// RunReport summarizes one run for the report renderer.
type RunReport struct {
	Run       string            `json:"run"`
	Steps     map[string]string `json:"steps"` // step name -> ok | skip | missing
	NKept     int               `json:"n_kept"`
	NCensored int               `json:"n_censored"`
	CropFrom  int               `json:"crop_from"`
	CropTo    int               `json:"crop_to"`
}

// Collection is the dataset-level QC document.
type Collection struct {
	Runs []RunReport `json:"runs"`
}

// descriptorCounts is the slice of the confounds descriptor QC needs.
type descriptorCounts struct {
	CropFrom int `json:"CropFrom"`
	CropTo   int `json:"CropTo"`
	Censor   struct {
		NKept     int `json:"n_kept"`
		NCensored int `json:"n_censored"`
	} `json:"censor"`
}

// ReadCounts extracts censor counts and crop bounds from a confounds
// descriptor file.
func ReadCounts(descriptorPath string) (RunReport, error) {
	var rep RunReport
	data, err := os.ReadFile(descriptorPath)
	if err != nil {
		return rep, err
	}
	var d descriptorCounts
	if err := json.Unmarshal(data, &d); err != nil {
		return rep, err
	}
	rep.NKept = d.Censor.NKept
	rep.NCensored = d.Censor.NCensored
	rep.CropFrom = d.CropFrom
	rep.CropTo = d.CropTo
	return rep, nil
}

// Write commits the collection atomically.
func Write(path string, c Collection) error {
	if c.Runs == nil {
		c.Runs = []RunReport{}
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, append(data, '\n'))
}
