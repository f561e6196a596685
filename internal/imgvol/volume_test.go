package imgvol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVolume4DAccess(t *testing.T) {
	vol := NewVolume4D(3, 4, 2, 5)
	vol.Set(2, 3, 1, 4, 7.5)
	assert.Equal(t, 7.5, vol.At(2, 3, 1, 4))
	assert.Zero(t, vol.At(0, 0, 0, 0))
	assert.Equal(t, 24, vol.NVoxels())
}

func TestVolumeMeanAt(t *testing.T) {
	vol := NewVolume4D(2, 2, 1, 2)
	vol.Set(0, 0, 0, 0, 4)
	vol.Set(1, 0, 0, 0, 8)
	assert.Equal(t, 3.0, vol.MeanAt(0, nil))

	mask := NewMask3D(2, 2, 1)
	mask.Set(1, 0, 0, true)
	assert.Equal(t, 8.0, vol.MeanAt(0, mask))

	empty := NewMask3D(2, 2, 1)
	assert.Equal(t, 3.0, vol.MeanAt(0, empty), "empty mask falls back to whole volume")
}

func TestMask3D(t *testing.T) {
	m := NewMask3D(2, 2, 2)
	assert.Zero(t, m.Count())
	m.Set(0, 1, 1, true)
	m.Set(1, 0, 0, true)
	assert.Equal(t, 2, m.Count())
	assert.True(t, m.At(0, 1, 1))
	assert.False(t, m.At(0, 0, 0))

	vol := NewVolume4D(2, 2, 2, 1)
	assert.True(t, m.MatchesVolume(vol))
	assert.False(t, m.MatchesVolume(NewVolume4D(2, 2, 3, 1)))
}

func TestHeaderValidate(t *testing.T) {
	require.NoError(t, Header{NX: 1, NY: 1, NZ: 1, NT: 1}.Validate())
	assert.Error(t, Header{NX: 0, NY: 1, NZ: 1, NT: 1}.Validate())
	assert.Error(t, Header{NX: 1, NY: 1, NZ: 1, NT: -1}.Validate())
}
