package cube

import (
	"fmt"

	"github.com/janelia-flyem/slicecube/dvid"
)

// Volume is a dense single-channel block of voxels with x varying fastest.
// 16-bit samples are stored little-endian.
type Volume struct {
	Size           dvid.Point3d
	BytesPerSample int
	Data           []byte
}

// NewVolume allocates a zeroed volume.
func NewVolume(size dvid.Point3d, bytesPerSample int) *Volume {
	return &Volume{
		Size:           size,
		BytesPerSample: bytesPerSample,
		Data:           make([]byte, size.Prod()*int64(bytesPerSample)),
	}
}

// Validate checks that the data length agrees with the size and sample width.
func (v *Volume) Validate() error {
	if v.BytesPerSample != 1 && v.BytesPerSample != 2 {
		return fmt.Errorf("unsupported bytes per sample %d", v.BytesPerSample)
	}
	if want := v.Size.Prod() * int64(v.BytesPerSample); int64(len(v.Data)) != want {
		return fmt.Errorf("volume %s has %d bytes, expected %d", v.Size, len(v.Data), want)
	}
	return nil
}

// Sample returns the sample value at the given voxel.
func (v *Volume) Sample(x, y, z int32) uint16 {
	i := ((int64(z)*int64(v.Size[1])+int64(y))*int64(v.Size[0]) + int64(x)) * int64(v.BytesPerSample)
	if v.BytesPerSample == 1 {
		return uint16(v.Data[i])
	}
	return uint16(v.Data[i]) | uint16(v.Data[i+1])<<8
}

func (v *Volume) String() string {
	return fmt.Sprintf("%d-bit volume %s", v.BytesPerSample*8, v.Size)
}
