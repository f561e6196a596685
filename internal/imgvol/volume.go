// Package imgvol defines the in-memory 4-D volume and 3-D mask types the
// numeric code operates on, plus the Loader interface that decouples the
// confounds and crop math from NIfTI file I/O.
package imgvol

import "fmt"

// Volume4D is a dense 4-D image in (x, y, z, t) order. Values are held
// as float64 so the confounds math runs at full precision regardless of
// the on-disk datatype.
type Volume4D struct {
	NX, NY, NZ, NT int
	data           []float64
}

// NewVolume4D allocates a zero-valued volume of the given dimensions.
func NewVolume4D(nx, ny, nz, nt int) *Volume4D {
	return &Volume4D{
		NX: nx, NY: ny, NZ: nz, NT: nt,
		data: make([]float64, nx*ny*nz*nt),
	}
}

func (v *Volume4D) index(x, y, z, t int) int {
	return ((t*v.NZ+z)*v.NY+y)*v.NX + x
}

// At returns the voxel value at (x, y, z, t).
func (v *Volume4D) At(x, y, z, t int) float64 {
	return v.data[v.index(x, y, z, t)]
}

// Set stores value at (x, y, z, t).
func (v *Volume4D) Set(x, y, z, t int, value float64) {
	v.data[v.index(x, y, z, t)] = value
}

// NVoxels returns the spatial voxel count of one volume.
func (v *Volume4D) NVoxels() int {
	return v.NX * v.NY * v.NZ
}

// MeanAt returns the spatial mean of volume t, restricted to mask when
// mask is non-nil and non-empty.
func (v *Volume4D) MeanAt(t int, mask *Mask3D) float64 {
	if mask != nil && mask.Count() == 0 {
		mask = nil
	}
	var sum float64
	var n int
	for z := 0; z < v.NZ; z++ {
		for y := 0; y < v.NY; y++ {
			for x := 0; x < v.NX; x++ {
				if mask != nil && !mask.At(x, y, z) {
					continue
				}
				sum += v.At(x, y, z, t)
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Mask3D is a binary spatial mask.
type Mask3D struct {
	NX, NY, NZ int
	data       []bool
}

// NewMask3D allocates an all-false mask of the given dimensions.
func NewMask3D(nx, ny, nz int) *Mask3D {
	return &Mask3D{NX: nx, NY: ny, NZ: nz, data: make([]bool, nx*ny*nz)}
}

// At returns whether the voxel at (x, y, z) is inside the mask.
func (m *Mask3D) At(x, y, z int) bool {
	return m.data[(z*m.NY+y)*m.NX+x]
}

// Set marks the voxel at (x, y, z).
func (m *Mask3D) Set(x, y, z int, in bool) {
	m.data[(z*m.NY+y)*m.NX+x] = in
}

// Count returns the number of voxels inside the mask.
func (m *Mask3D) Count() int {
	n := 0
	for _, in := range m.data {
		if in {
			n++
		}
	}
	return n
}

// MatchesVolume reports whether the mask's spatial dimensions equal the
// volume's.
func (m *Mask3D) MatchesVolume(v *Volume4D) bool {
	return m.NX == v.NX && m.NY == v.NY && m.NZ == v.NZ
}

// Header is the subset of image metadata the manifest needs without
// loading voxel data.
type Header struct {
	NX, NY, NZ, NT int
}

// Validate rejects degenerate dimensions.
func (h Header) Validate() error {
	if h.NX <= 0 || h.NY <= 0 || h.NZ <= 0 || h.NT <= 0 {
		return fmt.Errorf("degenerate image dimensions %dx%dx%dx%d", h.NX, h.NY, h.NZ, h.NT)
	}
	return nil
}

// Loader abstracts image reading so tests can substitute synthetic
// volumes for on-disk NIfTI files.
type Loader interface {
	// Header reads dimensions without loading voxel data.
	Header(path string) (Header, error)
	// Load reads the full 4-D image.
	Load(path string) (*Volume4D, error)
	// LoadMask reads a 3-D image and binarizes it at thr.
	LoadMask(path string, thr float64) (*Mask3D, error)
}
