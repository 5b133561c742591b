// Package codec turns cube volumes into compressed artifacts and back.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/janelia-flyem/slicecube/cube"
	"github.com/janelia-flyem/slicecube/dvid"
)

// Artifact header, little-endian: magic "SCUB", u16 format version, u16 bytes per
// sample, u32 size in x, y and z.  The zstd-compressed voxels follow.
const (
	magic      = "SCUB"
	version    = 1
	headerSize = 20
)

// Encoder compresses volumes.  Encode may be called concurrently.
type Encoder interface {
	Encode(v *cube.Volume) ([]byte, error)
}

// ZstdEncoder is the default artifact encoder.
type ZstdEncoder struct {
	enc *zstd.Encoder
}

// NewEncoder returns an encoder using the given zstd level, 1 (fastest) to 4 (best).
func NewEncoder(level int) (*ZstdEncoder, error) {
	if level == 0 {
		level = int(zstd.SpeedDefault)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevel(level)))
	if err != nil {
		return nil, err
	}
	return &ZstdEncoder{enc: enc}, nil
}

func (e *ZstdEncoder) Encode(v *cube.Volume) ([]byte, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	out := make([]byte, headerSize, headerSize+len(v.Data)/2)
	copy(out[0:4], magic)
	binary.LittleEndian.PutUint16(out[4:6], version)
	binary.LittleEndian.PutUint16(out[6:8], uint16(v.BytesPerSample))
	for i := 0; i < 3; i++ {
		binary.LittleEndian.PutUint32(out[8+4*i:], uint32(v.Size[i]))
	}
	return e.enc.EncodeAll(v.Data, out), nil
}

var decoder, _ = zstd.NewReader(nil)

// ErrBadArtifact is returned when an artifact can't be decoded.
var ErrBadArtifact = errors.New("bad cube artifact")

// Decode returns the volume held in an artifact.
func Decode(data []byte) (*cube.Volume, error) {
	if len(data) < headerSize || string(data[0:4]) != magic {
		return nil, ErrBadArtifact
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != version {
		return nil, fmt.Errorf("%w: format version %d", ErrBadArtifact, v)
	}
	var size dvid.Point3d
	for i := 0; i < 3; i++ {
		size[i] = int32(binary.LittleEndian.Uint32(data[8+4*i:]))
	}
	vol := &cube.Volume{
		Size:           size,
		BytesPerSample: int(binary.LittleEndian.Uint16(data[6:8])),
	}
	var err error
	vol.Data, err = decoder.DecodeAll(data[headerSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArtifact, err)
	}
	if err := vol.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArtifact, err)
	}
	return vol, nil
}
