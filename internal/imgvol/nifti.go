package imgvol

import (
	"fmt"

	"github.com/KyungWonPark/nifti"
)

// NiftiLoader reads NIfTI-1 images from disk. It is the production
// Loader; tests use synthetic in-memory loaders instead.
type NiftiLoader struct{}

// Header reads the image dimensions. A 3-D image reports NT=1.
func (NiftiLoader) Header(path string) (Header, error) {
	var img nifti.Nifti1Image
	img.LoadImage(path, false)
	dims := img.GetDims()
	h := Header{NX: int(dims[0]), NY: int(dims[1]), NZ: int(dims[2]), NT: int(dims[3])}
	if h.NT == 0 {
		h.NT = 1
	}
	if err := h.Validate(); err != nil {
		return Header{}, fmt.Errorf("reading header of %s: %w", path, err)
	}
	return h, nil
}

// Load reads the full 4-D image into a Volume4D.
func (l NiftiLoader) Load(path string) (*Volume4D, error) {
	h, err := l.Header(path)
	if err != nil {
		return nil, err
	}
	var img nifti.Nifti1Image
	img.LoadImage(path, true)

	vol := NewVolume4D(h.NX, h.NY, h.NZ, h.NT)
	for t := 0; t < h.NT; t++ {
		for z := 0; z < h.NZ; z++ {
			for y := 0; y < h.NY; y++ {
				for x := 0; x < h.NX; x++ {
					vol.Set(x, y, z, t, float64(img.GetAt(uint32(x), uint32(y), uint32(z), uint32(t))))
				}
			}
		}
	}
	return vol, nil
}

// LoadMask reads a 3-D image (or the first volume of a 4-D one) and
// binarizes it at thr.
func (l NiftiLoader) LoadMask(path string, thr float64) (*Mask3D, error) {
	h, err := l.Header(path)
	if err != nil {
		return nil, err
	}
	var img nifti.Nifti1Image
	img.LoadImage(path, true)

	mask := NewMask3D(h.NX, h.NY, h.NZ)
	for z := 0; z < h.NZ; z++ {
		for y := 0; y < h.NY; y++ {
			for x := 0; x < h.NX; x++ {
				v := float64(img.GetAt(uint32(x), uint32(y), uint32(z), 0))
				mask.Set(x, y, z, v > thr)
			}
		}
	}
	return mask, nil
}
