package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/janelia-flyem/slicecube/cube"
	"github.com/janelia-flyem/slicecube/dvid"
)

func TestEncodeDecode(t *testing.T) {
	enc, err := NewEncoder(0)
	if err != nil {
		t.Fatal(err)
	}
	vol := cube.NewVolume(dvid.Point3d{16, 8, 4}, 2)
	for i := range vol.Data {
		vol.Data[i] = byte(i * 7)
	}
	data, err := enc.Encode(vol)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Size != vol.Size || got.BytesPerSample != 2 || !bytes.Equal(got.Data, vol.Data) {
		t.Errorf("decoded %s differs from %s", got, vol)
	}
}

func TestEncodeRejectsBadVolume(t *testing.T) {
	enc, _ := NewEncoder(1)
	if _, err := enc.Encode(&cube.Volume{Size: dvid.Point3d{2, 2, 2}, BytesPerSample: 1, Data: make([]byte, 3)}); err == nil {
		t.Errorf("expected error for short volume")
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode([]byte("nope")); !errors.Is(err, ErrBadArtifact) {
		t.Errorf("expected bad artifact, got %v", err)
	}
	enc, _ := NewEncoder(1)
	data, _ := enc.Encode(cube.NewVolume(dvid.Point3d{4, 4, 4}, 1))
	if _, err := Decode(data[:len(data)-2]); !errors.Is(err, ErrBadArtifact) {
		t.Errorf("expected bad artifact for truncated data, got %v", err)
	}
}
