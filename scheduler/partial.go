package scheduler

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/janelia-flyem/slicecube/cube"
	"github.com/janelia-flyem/slicecube/dvid"
)

// Partial checkpoints hold the slices already read by a cube job that was loading
// when the scheduler stopped.  Layout before compression:
//
//	"PART" u32 count, count x u32 slice, u32 buffer length, buffer
var partialMagic = []byte("PART")

var (
	partialEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	partialDec, _ = zstd.NewReader(nil)
)

func (s *Scheduler) partialPath(k cube.Key) string {
	name := strings.ReplaceAll(cube.Format(k), "/", "_") + ".part"
	return filepath.Join(s.cfg.StateDir, PartialDir, name)
}

// writePartial checkpoints the finished slices of a loading job.
func (s *Scheduler) writePartial(k cube.Key, st *jobLoading) {
	cs := s.params.CubeSizes
	z1 := min(k.Z+cs[2], s.params.Sizes[2])
	planeSize := int64(cs[0]) * int64(cs[1]) * int64(s.params.BytesPerSample())
	var done []int32
	for z := k.Z; z < z1; z++ {
		if _, found := st.todo[z]; !found {
			done = append(done, z)
		}
	}
	if len(done) == 0 {
		return
	}
	// Only finished planes are copied; readers may still be writing the others.
	buf := make([]byte, len(st.buf))
	for _, z := range done {
		off := int64(z-k.Z) * planeSize
		copy(buf[off:off+planeSize], st.buf[off:off+planeSize])
	}
	var b bytes.Buffer
	b.Write(partialMagic)
	binary.Write(&b, binary.LittleEndian, uint32(len(done)))
	for _, z := range done {
		binary.Write(&b, binary.LittleEndian, uint32(z))
	}
	binary.Write(&b, binary.LittleEndian, uint32(len(buf)))
	b.Write(buf)

	path := s.partialPath(k)
	if err := dvid.WriteFileAtomic(path, partialEnc.EncodeAll(b.Bytes(), nil), 0644); err != nil {
		dvid.Errorf("Unable to checkpoint cube %s: %v\n", k, err)
		return
	}
	dvid.Infof("Checkpointed %d of %d slices of cube %s\n", len(done), z1-k.Z, k)
}

// readPartial returns the buffer and finished slices of a checkpointed job, or nil
// if there is no usable checkpoint.
func (s *Scheduler) readPartial(k cube.Key, bufSize int64) ([]byte, []int32) {
	path := s.partialPath(k)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err == nil {
		var buf []byte
		var done []int32
		if buf, done, err = s.decodePartial(k, data, bufSize); err == nil {
			return buf, done
		}
	}
	dvid.Warningf("Discarding checkpoint of cube %s: %v\n", k, err)
	s.removePartial(k)
	return nil, nil
}

func (s *Scheduler) decodePartial(k cube.Key, data []byte, bufSize int64) ([]byte, []int32, error) {
	raw, err := partialDec.DecodeAll(data, nil)
	if err != nil {
		return nil, nil, err
	}
	if len(raw) < 8 || !bytes.Equal(raw[:4], partialMagic) {
		return nil, nil, fmt.Errorf("bad header")
	}
	n := int(binary.LittleEndian.Uint32(raw[4:8]))
	z1 := min(k.Z+s.params.CubeSizes[2], s.params.Sizes[2])
	if n > int(z1-k.Z) || len(raw) < 12+4*n {
		return nil, nil, fmt.Errorf("bad slice count %d", n)
	}
	pos := 8
	done := make([]int32, n)
	for i := range done {
		z := int32(binary.LittleEndian.Uint32(raw[pos:]))
		if z < k.Z || z >= z1 {
			return nil, nil, fmt.Errorf("slice %d outside cube", z)
		}
		done[i] = z
		pos += 4
	}
	size := int64(binary.LittleEndian.Uint32(raw[pos:]))
	pos += 4
	if size != bufSize || int64(len(raw)-pos) != size {
		return nil, nil, fmt.Errorf("buffer of %d bytes, expected %d", len(raw)-pos, bufSize)
	}
	return raw[pos:], done, nil
}

func (s *Scheduler) removePartial(k cube.Key) {
	if err := os.Remove(s.partialPath(k)); err != nil && !errors.Is(err, os.ErrNotExist) {
		dvid.Errorf("Unable to remove checkpoint of cube %s: %v\n", k, err)
	}
}
