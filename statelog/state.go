package statelog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/janelia-flyem/slicecube/cube"
	"github.com/janelia-flyem/slicecube/dvid"
)

// Params are the static conversion parameters written once by "prepare".
type Params struct {
	Sizes           dvid.Point3d // full volume width, height, depth (number of slices)
	SamplesPerPixel int
	BitsPerSample   int
	CubeSizes       dvid.Point3d
	Downsample      dvid.Point3d
	Resolution      [3]float64
	Files           []string // ordered source slice files, one per z
}

// BytesPerSample returns 1 for 8-bit and 2 for 16-bit data.
func (p *Params) BytesPerSample() int {
	return (p.BitsPerSample + 7) / 8
}

// Validate checks that the parameters describe a convertible volume.
func (p *Params) Validate() error {
	for i, s := range p.Sizes {
		if s <= 0 {
			return fmt.Errorf("volume size %s must be positive in dimension %d", p.Sizes, i)
		}
	}
	if p.SamplesPerPixel < 1 || p.SamplesPerPixel > 4 {
		return fmt.Errorf("samples per pixel must be 1-4, got %d", p.SamplesPerPixel)
	}
	if p.BitsPerSample != 8 && p.BitsPerSample != 16 {
		return fmt.Errorf("bits per sample must be 8 or 16, got %d", p.BitsPerSample)
	}
	for i := range p.CubeSizes {
		if p.CubeSizes[i] <= 0 || p.Downsample[i] <= 0 {
			return fmt.Errorf("cube sizes %s and downsample %s must be positive", p.CubeSizes, p.Downsample)
		}
	}
	if int32(len(p.Files)) != p.Sizes[2] {
		return fmt.Errorf("volume depth %d does not match %d source files", p.Sizes[2], len(p.Files))
	}
	for i, f := range p.Files {
		if f == "" {
			return fmt.Errorf("missing source file for slice %d", i)
		}
	}
	return nil
}

// ValidCube returns an error unless the key addresses a cube inside the volume on a
// cube-size boundary, or one of the downsample artifacts of an existing channel.
func (p *Params) ValidCube(k cube.Key) error {
	if err := k.Representable(); err != nil {
		return err
	}
	if int(k.Channel) >= p.SamplesPerPixel {
		return fmt.Errorf("channel %d not in volume with %d channels", k.Channel, p.SamplesPerPixel)
	}
	if k.Kind != cube.Regular {
		return nil
	}
	off := k.Offset()
	if !off.Inside(p.Sizes) {
		return fmt.Errorf("cube %s outside volume %s", off, p.Sizes)
	}
	for i := range off {
		if off[i]%p.CubeSizes[i] != 0 {
			return fmt.Errorf("cube %s not aligned to cube size %s", off, p.CubeSizes)
		}
	}
	return nil
}

// State is everything recovered by replaying a state log.
type State struct {
	Params
	Token      string
	MipVersion uint64 // last downsample version uploaded as MIP
	AvgVersion uint64 // last downsample version uploaded as mean

	// Needed lists cubes requested by the server that are not yet ready, in the
	// order they were first requested.
	Needed []cube.Key
	Ready  map[cube.Key]struct{}
}

// IsReady returns true if the cube was durably uploaded.
func (s *State) IsReady(k cube.Key) bool {
	_, found := s.Ready[k]
	return found
}

// Replay reconstructs the state from the facts of a log.  It is a pure function and
// every fact is idempotent, so replaying a log with any of its own facts appended
// again yields the same state.
func Replay(facts []Fact) (*State, error) {
	s := &State{Ready: make(map[cube.Key]struct{})}
	static := make(map[string]string)
	files := make(map[int]string)
	needed := make(map[cube.Key]bool)
	var neededOrder []cube.Key

	setOnce := func(f Fact) error {
		// static parameters may be repeated but never changed.
		if prev, found := static[f.Keyword]; found && prev != f.Value {
			return fmt.Errorf("conflicting %s: %q then %q", f.Keyword, prev, f.Value)
		}
		static[f.Keyword] = f.Value
		return nil
	}

	for i, f := range facts {
		var err error
		switch f.Keyword {
		case KeySizes, KeyCubeSizes, KeyDownsample:
			if err = setOnce(f); err != nil {
				break
			}
			var p dvid.Point3d
			if p, err = parsePoint(f); err != nil {
				break
			}
			switch f.Keyword {
			case KeySizes:
				s.Sizes = p
			case KeyCubeSizes:
				s.CubeSizes = p
			default:
				s.Downsample = p
			}
		case KeySPP, KeyBPS:
			if err = setOnce(f); err != nil {
				break
			}
			var n int
			if n, err = strconv.Atoi(f.Value); err != nil {
				err = fmt.Errorf("bad %s %q", f.Keyword, f.Value)
				break
			}
			if f.Keyword == KeySPP {
				s.SamplesPerPixel = n
			} else {
				s.BitsPerSample = n
			}
		case KeyResolution:
			if err = setOnce(f); err != nil {
				break
			}
			var res []float64
			if res, err = dvid.StringToNdFloat64(f.Value, ":"); err != nil {
				break
			}
			if len(res) != 3 {
				err = fmt.Errorf("resolution %q must have 3 values", f.Value)
				break
			}
			copy(s.Resolution[:], res)
		case KeyFile:
			idxStr, path, found := strings.Cut(f.Value, ":")
			var idx int
			if idx, err = strconv.Atoi(idxStr); err != nil || !found || idx < 0 || path == "" {
				err = fmt.Errorf("bad file entry %q", f.Value)
				break
			}
			if prev, ok := files[idx]; ok && prev != path {
				err = fmt.Errorf("conflicting paths for slice %d: %q then %q", idx, prev, path)
				break
			}
			files[idx] = path
		case KeyToken:
			s.Token = f.Value
		case KeyDownsampleReady:
			err = replayDownsampleReady(s, f.Value)
		case KeyCubeNeeded, KeyCubeReady:
			var k cube.Key
			if k, err = cube.Parse(f.Value); err != nil {
				break
			}
			if f.Keyword == KeyCubeReady {
				s.Ready[k] = struct{}{}
			} else if !needed[k] {
				needed[k] = true
				neededOrder = append(neededOrder, k)
			}
		default:
			err = fmt.Errorf("%w %q", ErrUnknownKeyword, f.Keyword)
		}
		if err != nil {
			return nil, fmt.Errorf("fact %d (%s): %w", i+1, f, err)
		}
	}

	s.Files = make([]string, len(files))
	for idx, path := range files {
		if idx >= len(files) {
			return nil, fmt.Errorf("file index %d out of sequence among %d files", idx, len(files))
		}
		s.Files[idx] = path
	}
	for _, k := range neededOrder {
		if !s.IsReady(k) {
			s.Needed = append(s.Needed, k)
		}
	}
	if err := s.Params.Validate(); err != nil {
		return nil, fmt.Errorf("state log parameters: %v", err)
	}
	for _, k := range s.Needed {
		if err := s.ValidCube(k); err != nil {
			return nil, fmt.Errorf("needed cube %s: %v", k, err)
		}
	}
	return s, nil
}

func replayDownsampleReady(s *State, value string) error {
	verStr, kind, hasKind := strings.Cut(value, ":")
	ver, err := strconv.ParseUint(verStr, 10, 64)
	if err != nil {
		return fmt.Errorf("bad downsample version %q", value)
	}
	mip, avg := true, true
	if hasKind {
		switch kind {
		case "mip":
			avg = false
		case "avg":
			mip = false
		default:
			return fmt.Errorf("bad downsample kind %q", kind)
		}
	}
	if mip && ver > s.MipVersion {
		s.MipVersion = ver
	}
	if avg && ver > s.AvgVersion {
		s.AvgVersion = ver
	}
	return nil
}
