// Package provenance records, for every produced artifact, which step
// made it, from what, and with which tools. Records live next to the
// artifact with a .prov.json suffix and are committed atomically.
package provenance

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spineprep/spineprep/internal/fsutil"
)

// Record is one artifact's provenance.
type Record struct {
	Step         string            `json:"step"`
	Output       string            `json:"output"`
	Inputs       []string          `json:"inputs"`
	Params       map[string]any    `json:"params"`
	ToolVersions map[string]string `json:"tool_versions"`
	Timestamp    string            `json:"timestamp"`
}

// Path returns the sidecar path for an artifact.
func Path(artifact string) string {
	return artifact + ".prov.json"
}

// Write stamps the record with the current UTC time and commits it next
// to the artifact.
func Write(artifact string, rec Record) error {
	rec.Output = artifact
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if rec.Inputs == nil {
		rec.Inputs = []string{}
	}
	if rec.Params == nil {
		rec.Params = map[string]any{}
	}
	if rec.ToolVersions == nil {
		rec.ToolVersions = map[string]string{}
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding provenance for %s: %w", artifact, err)
	}
	return fsutil.WriteFileAtomic(Path(artifact), append(data, '\n'))
}

// Read loads the provenance record stored next to an artifact.
func Read(artifact string) (Record, error) {
	var rec Record
	data, err := os.ReadFile(Path(artifact))
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decoding provenance %s: %w", Path(artifact), err)
	}
	return rec, nil
}
