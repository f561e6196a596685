package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathFinderMissingTool(t *testing.T) {
	f := PathFinder{}
	_, ok := f.Find("definitely-not-a-real-neuroimaging-tool")
	assert.False(t, ok)
	assert.Equal(t, "unknown", f.Version(context.Background(), "definitely-not-a-real-neuroimaging-tool"))
}

type fixedFinder map[string]string

func (f fixedFinder) Find(name string) (string, bool) {
	p, ok := f[name]
	return p, ok
}

func (f fixedFinder) Version(ctx context.Context, name string) string { return "test" }

func writeScript(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tool")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0o755))
	return p
}

func TestRunnerUnavailable(t *testing.T) {
	r := &Runner{Finder: fixedFinder{}}
	err := r.Run(context.Background(), SliceMotion, "-i", "in")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, r.Available(SliceMotion))
}

func TestRunnerSuccess(t *testing.T) {
	out := filepath.Join(t.TempDir(), "touched")
	script := writeScript(t, "touch \"$1\"\n")
	r := &Runner{Finder: fixedFinder{Denoise: script}}

	require.NoError(t, r.Run(context.Background(), Denoise, out))
	assert.FileExists(t, out)
	assert.True(t, r.Available(Denoise))
}

func TestRunnerFailureCapturesStderr(t *testing.T) {
	script := writeScript(t, "echo 'boom' >&2\nexit 3\n")
	r := &Runner{Finder: fixedFinder{Denoise: script}}

	err := r.Run(context.Background(), Denoise)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFailure)
	assert.Contains(t, err.Error(), "boom")
}

func TestDoctorProbesEveryTool(t *testing.T) {
	reports := Doctor(context.Background(), fixedFinder{Segmentation: "/opt/sct/bin/sct_deepseg_sc"})
	require.Len(t, reports, 9)

	byName := map[string]Report{}
	for _, rep := range reports {
		byName[rep.Name] = rep
	}
	assert.True(t, byName[Segmentation].Found)
	assert.Equal(t, "test", byName[Segmentation].Version)
	assert.False(t, byName[VolumeMotion].Found)
}
