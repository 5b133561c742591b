package cube

import (
	"errors"
	"fmt"
	"strings"

	"github.com/janelia-flyem/slicecube/dvid"
)

// Kind distinguishes regular cubes from the two full-volume downsample artifacts.
type Kind uint8

const (
	Regular Kind = iota
	Mip
	Avg
)

func (k Kind) String() string {
	switch k {
	case Regular:
		return "cube"
	case Mip:
		return "mip"
	case Avg:
		return "avg"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MaxChannel is the largest channel number representable in a path.
const MaxChannel = 99

// maxCoord is the largest coordinate representable with eight decimal digits.
const maxCoord = 99999999

// ErrBadPath is returned when a string is not a canonical artifact path.
var ErrBadPath = errors.New("not a canonical cube path")

// Key identifies a cube or a downsample artifact.  For Mip and Avg keys the
// coordinates are always zero.
type Key struct {
	Channel uint8
	X, Y, Z int32
	Kind    Kind
}

// NewKey returns a regular cube key at the given voxel offset.
func NewKey(channel uint8, offset dvid.Point3d) Key {
	return Key{Channel: channel, X: offset[0], Y: offset[1], Z: offset[2]}
}

// MipKey returns the key of the full-volume MIP artifact for a channel.
func MipKey(channel uint8) Key {
	return Key{Channel: channel, Kind: Mip}
}

// AvgKey returns the key of the full-volume mean artifact for a channel.
func AvgKey(channel uint8) Key {
	return Key{Channel: channel, Kind: Avg}
}

// Offset returns the voxel offset of a regular cube.
func (k Key) Offset() dvid.Point3d {
	return dvid.Point3d{k.X, k.Y, k.Z}
}

// Representable returns an error if the key cannot be formatted as a canonical path.
func (k Key) Representable() error {
	if k.Channel > MaxChannel {
		return fmt.Errorf("channel %d exceeds %d", k.Channel, MaxChannel)
	}
	switch k.Kind {
	case Regular:
		for _, c := range [3]int32{k.X, k.Y, k.Z} {
			if c < 0 || c > maxCoord {
				return fmt.Errorf("coordinate %d of cube %s out of range", c, k.Offset())
			}
		}
	case Mip, Avg:
		if k.X != 0 || k.Y != 0 || k.Z != 0 {
			return fmt.Errorf("%s artifact cannot carry coordinates", k.Kind)
		}
	default:
		return fmt.Errorf("unknown kind %d", k.Kind)
	}
	return nil
}

// String returns the canonical artifact path, same as Format.
func (k Key) String() string {
	return Format(k)
}

// Format returns the canonical path of the key, which is also the server-side object path.
func Format(k Key) string {
	switch k.Kind {
	case Mip:
		return fmt.Sprintf("ch%02d-mip.webm", k.Channel)
	case Avg:
		return fmt.Sprintf("ch%02d-avg.webm", k.Channel)
	default:
		return fmt.Sprintf("ch%02dwebm/z%08d/y%08d.x%08d.webm", k.Channel, k.Z, k.Y, k.X)
	}
}

// Parse is the exact inverse of Format.  Any string that Format would not produce
// returns ErrBadPath.
func Parse(s string) (Key, error) {
	var k Key
	if len(s) < 4 || !strings.HasPrefix(s, "ch") {
		return k, fmt.Errorf("%w: %q", ErrBadPath, s)
	}
	ch, ok := digits(s[2:4])
	if !ok {
		return k, fmt.Errorf("%w: %q", ErrBadPath, s)
	}
	k.Channel = uint8(ch)
	rest := s[4:]
	switch rest {
	case "-mip.webm":
		k.Kind = Mip
		return k, nil
	case "-avg.webm":
		k.Kind = Avg
		return k, nil
	}
	// "webm/z" + 8 + "/y" + 8 + ".x" + 8 + ".webm"
	const regularLen = 6 + 8 + 2 + 8 + 2 + 8 + 5
	if len(rest) != regularLen ||
		rest[:6] != "webm/z" || rest[14:16] != "/y" || rest[24:26] != ".x" || rest[34:] != ".webm" {
		return Key{}, fmt.Errorf("%w: %q", ErrBadPath, s)
	}
	z, okz := digits(rest[6:14])
	y, oky := digits(rest[16:24])
	x, okx := digits(rest[26:34])
	if !okz || !oky || !okx {
		return Key{}, fmt.Errorf("%w: %q", ErrBadPath, s)
	}
	k.X, k.Y, k.Z = int32(x), int32(y), int32(z)
	return k, nil
}

// digits parses a fixed-width run of decimal digits.
func digits(s string) (int64, bool) {
	if len(s) == 0 {
		return 0, false
	}
	var n int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}
