// Package manifest discovers functional runs in a hierarchical imaging
// dataset and produces the immutable per-run manifest the orchestrator
// plans from. Rows are ordered deterministically by (sub, ses, task,
// run) and run tuples must be unique.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/spineprep/spineprep/internal/deriv"
	"github.com/spineprep/spineprep/internal/imgvol"
)

// Run describes one functional acquisition. Runs are immutable after
// manifest creation.
type Run struct {
	Entities deriv.Entities
	// BoldPath is the 4-D image path.
	BoldPath string
	// TR is the repetition time in seconds, from the BIDS JSON sidecar
	// when present.
	TR float64
	// PhaseEncodeDir is the phase-encode direction from the sidecar, if
	// recorded.
	PhaseEncodeDir string
	// NVols is the original volume count of the 4-D image.
	NVols int
	// MotionGroup keys runs that are motion-corrected together by the
	// grouped engine.
	MotionGroup string
}

// Key returns the run's entity key.
func (r Run) Key() string { return r.Entities.Key() }

// Anat describes one anatomical image for subject-level stages.
type Anat struct {
	Sub  string
	Ses  string
	Path string
}

// Manifest is the ordered collection of runs and anatomical records for
// one pipeline invocation.
type Manifest struct {
	Runs  []Run
	Anats []Anat
}

var boldNameRe = regexp.MustCompile(`^(sub-[A-Za-z0-9]+)(?:_(ses-[A-Za-z0-9]+))?(?:_task-([A-Za-z0-9]+))?(?:_acq-([A-Za-z0-9]+))?(?:_run-([A-Za-z0-9]+))?_bold\.nii(\.gz)?$`)
var anatNameRe = regexp.MustCompile(`^(sub-[A-Za-z0-9]+)(?:_(ses-[A-Za-z0-9]+))?_T2w\.nii(\.gz)?$`)

func stripPrefix(s, prefix string) string {
	return strings.TrimPrefix(s, prefix+"-")
}

// sidecarMeta is the subset of the BIDS JSON sidecar the manifest reads.
type sidecarMeta struct {
	RepetitionTime         float64 `json:"RepetitionTime"`
	PhaseEncodingDirection string  `json:"PhaseEncodingDirection"`
}

func readSidecar(boldPath string) sidecarMeta {
	jsonPath := strings.TrimSuffix(strings.TrimSuffix(boldPath, ".gz"), ".nii") + ".json"
	meta := sidecarMeta{RepetitionTime: 2.0}
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return meta
	}
	// A malformed sidecar falls back to the defaults.
	_ = json.Unmarshal(data, &meta)
	if meta.RepetitionTime <= 0 {
		meta.RepetitionTime = 2.0
	}
	return meta
}

// Discover walks bidsDir for sub-*/[ses-*/]func/*_bold.nii[.gz] and
// anat/*_T2w images, reading each functional header for its volume
// count. The result is sorted and validated.
func Discover(bidsDir string, loader imgvol.Loader) (*Manifest, error) {
	var m Manifest
	err := filepath.WalkDir(bidsDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		base := filepath.Base(p)
		if g := boldNameRe.FindStringSubmatch(base); g != nil {
			if _, err := os.Stat(p); err != nil {
				return fmt.Errorf("functional image %s is not readable: %w", p, err)
			}
			hdr, err := loader.Header(p)
			if err != nil {
				return fmt.Errorf("reading %s: %w", p, err)
			}
			meta := readSidecar(p)
			m.Runs = append(m.Runs, Run{
				Entities: deriv.Entities{
					Sub:  stripPrefix(g[1], "sub"),
					Ses:  stripPrefix(g[2], "ses"),
					Task: g[3],
					Acq:  g[4],
					Run:  g[5],
				},
				BoldPath:       p,
				TR:             meta.RepetitionTime,
				PhaseEncodeDir: meta.PhaseEncodingDirection,
				NVols:          hdr.NT,
			})
			return nil
		}
		if g := anatNameRe.FindStringSubmatch(base); g != nil {
			m.Anats = append(m.Anats, Anat{
				Sub:  stripPrefix(g[1], "sub"),
				Ses:  stripPrefix(g[2], "ses"),
				Path: p,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discovering dataset under %s: %w", bidsDir, err)
	}

	sortRuns(m.Runs)
	sort.Slice(m.Anats, func(i, j int) bool {
		if m.Anats[i].Sub != m.Anats[j].Sub {
			return m.Anats[i].Sub < m.Anats[j].Sub
		}
		return m.Anats[i].Ses < m.Anats[j].Ses
	})

	if err := validate(m.Runs); err != nil {
		return nil, err
	}
	return &m, nil
}

func sortRuns(runs []Run) {
	sort.Slice(runs, func(i, j int) bool {
		a, b := runs[i].Entities, runs[j].Entities
		if a.Sub != b.Sub {
			return a.Sub < b.Sub
		}
		if a.Ses != b.Ses {
			return a.Ses < b.Ses
		}
		if a.Task != b.Task {
			return a.Task < b.Task
		}
		return a.Run < b.Run
	})
}

func validate(runs []Run) error {
	seen := make(map[string]bool, len(runs))
	for _, r := range runs {
		k := r.Key()
		if seen[k] {
			return fmt.Errorf("duplicate run tuple %s", k)
		}
		seen[k] = true
	}
	return nil
}

// AssignMotionGroups sets each run's MotionGroup per the grouping mode.
// Runs grouped together must agree on every field named in requireSame
// (pe_dir or tr).
func AssignMotionGroups(m *Manifest, mode string, requireSame []string) error {
	if mode == "none" || mode == "" {
		for i := range m.Runs {
			m.Runs[i].MotionGroup = "per-run-" + m.Runs[i].Key()
		}
		return nil
	}

	groups := make(map[string][]int)
	for i, r := range m.Runs {
		e := r.Entities
		var key string
		switch mode {
		case "subject":
			key = "sub-" + e.Sub
		case "session":
			key = "sub-" + e.Sub
			if e.Ses != "" {
				key += "_ses-" + e.Ses
			}
		case "session+task":
			key = "sub-" + e.Sub
			if e.Ses != "" {
				key += "_ses-" + e.Ses
			}
			if e.Task != "" {
				key += "_task-" + e.Task
			}
		default:
			return fmt.Errorf("unknown motion grouping mode %q", mode)
		}
		groups[key] = append(groups[key], i)
	}

	for key, idx := range groups {
		if len(idx) < 2 {
			for _, i := range idx {
				m.Runs[i].MotionGroup = "per-run-" + m.Runs[i].Key()
			}
			continue
		}
		for _, field := range requireSame {
			values := make(map[string]bool)
			for _, i := range idx {
				switch field {
				case "pe_dir":
					values[m.Runs[i].PhaseEncodeDir] = true
				case "tr":
					values[fmt.Sprintf("%g", m.Runs[i].TR)] = true
				}
			}
			if len(values) > 1 {
				return fmt.Errorf("motion group %s: runs disagree on %s; set concat_mode to none or relax the grouping", key, field)
			}
		}
		for _, i := range idx {
			m.Runs[i].MotionGroup = key
		}
	}
	return nil
}
