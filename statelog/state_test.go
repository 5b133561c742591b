package statelog

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/janelia-flyem/slicecube/cube"
	"github.com/janelia-flyem/slicecube/dvid"
)

func testParams(depth int) Params {
	p := Params{
		Sizes:           dvid.Point3d{256, 256, int32(depth)},
		SamplesPerPixel: 1,
		BitsPerSample:   8,
		CubeSizes:       dvid.Point3d{64, 64, 64},
		Downsample:      dvid.Point3d{4, 4, 4},
		Resolution:      [3]float64{8, 8, 8.5},
	}
	for z := 0; z < depth; z++ {
		p.Files = append(p.Files, fmt.Sprintf("/data/slices/z%05d.tif", z))
	}
	return p
}

func testFacts() []Fact {
	facts := ParamFacts(testParams(256))
	facts = append(facts,
		TokenFact("abc123"),
		NeededFact(cube.Key{}),
		NeededFact(cube.Key{X: 64}),
		ReadyFact(cube.Key{}),
		DownsampleReadyFact(17, cube.Mip),
		NeededFact(cube.Key{Z: 128}),
		DownsampleReadyFact(12, cube.Avg),
		ReadyFact(cube.Key{Z: 128}),
		NeededFact(cube.Key{}),
	)
	return facts
}

func TestReplay(t *testing.T) {
	s, err := Replay(testFacts())
	if err != nil {
		t.Fatalf("replay failed: %v\n", err)
	}
	if !reflect.DeepEqual(s.Params, testParams(256)) {
		t.Errorf("replayed params %+v differ from written\n", s.Params)
	}
	if s.Token != "abc123" {
		t.Errorf("bad token %q\n", s.Token)
	}
	if s.MipVersion != 17 || s.AvgVersion != 12 {
		t.Errorf("bad downsample versions mip %d avg %d\n", s.MipVersion, s.AvgVersion)
	}
	if len(s.Needed) != 1 || s.Needed[0] != (cube.Key{X: 64}) {
		t.Errorf("expected only x=64 cube needed, got %v\n", s.Needed)
	}
	if !s.IsReady(cube.Key{}) || !s.IsReady(cube.Key{Z: 128}) || len(s.Ready) != 2 {
		t.Errorf("bad ready set: %v\n", s.Ready)
	}
}

func TestReplaySuffixIdempotent(t *testing.T) {
	facts := testFacts()
	want, err := Replay(facts)
	if err != nil {
		t.Fatalf("replay failed: %v\n", err)
	}
	for start := 0; start <= len(facts); start++ {
		doubled := append(append([]Fact{}, facts...), facts[start:]...)
		got, err := Replay(doubled)
		if err != nil {
			t.Fatalf("replay of log with suffix from %d failed: %v\n", start, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("replay with suffix from %d gave different state:\n%+v\nvs\n%+v\n", start, got, want)
		}
	}
}

func TestReplayOrderOfReadyAndNeeded(t *testing.T) {
	// A cube requested again after it was uploaded stays ready.
	r := rand.New(rand.NewSource(3))
	facts := ParamFacts(testParams(256))
	k := cube.Key{Y: 64}
	events := []Fact{NeededFact(k), ReadyFact(k), NeededFact(k), NeededFact(k)}
	r.Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })
	s, err := Replay(append(facts, events...))
	if err != nil {
		t.Fatalf("replay failed: %v\n", err)
	}
	if len(s.Needed) != 0 || !s.IsReady(k) {
		t.Errorf("expected cube to stay ready and not needed, got needed %v\n", s.Needed)
	}
}

func TestReplayErrors(t *testing.T) {
	base := ParamFacts(testParams(4))
	tests := map[string][]Fact{
		"conflicting sizes": append(append([]Fact{}, base...), Fact{KeySizes, "512:256:4"}),
		"missing file":      base[:len(base)-1],
		"bad cube path":     append(append([]Fact{}, base...), Fact{KeyCubeNeeded, "ch00/foo"}),
		"unaligned cube":    append(append([]Fact{}, base...), NeededFact(cube.Key{X: 3})),
		"out of volume":     append(append([]Fact{}, base...), NeededFact(cube.Key{Z: 64})),
		"bad version":       append(append([]Fact{}, base...), Fact{KeyDownsampleReady, "x:mip"}),
		"bad kind":          append(append([]Fact{}, base...), Fact{KeyDownsampleReady, "3:max"}),
	}
	for name, facts := range tests {
		if _, err := Replay(facts); err == nil {
			t.Errorf("%s: expected replay error\n", name)
		}
	}
}

func TestParse(t *testing.T) {
	in := "sizes 10:20:2\nfile 0:/a b/c:d.tif\ncube-ready ch00-mip.webm\n"
	facts, err := Parse(strings.NewReader(in))
	if err != nil {
		t.Fatalf("parse failed: %v\n", err)
	}
	if len(facts) != 3 || facts[1].Value != "0:/a b/c:d.tif" {
		t.Errorf("bad parse: %v\n", facts)
	}

	_, err = Parse(strings.NewReader("sizes 10:20:2\ncube-done ch00-mip.webm\n"))
	if !errors.Is(err, ErrUnknownKeyword) {
		t.Errorf("expected unknown keyword error, got %v\n", err)
	}
	if _, err = Parse(strings.NewReader("sizes 10:20:2\ncube-re")); err == nil {
		t.Errorf("expected error on torn last line\n")
	}
}

func TestWriter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.log")
	p := testParams(256)
	if err := Create(path, p); err != nil {
		t.Fatalf("create failed: %v\n", err)
	}
	if err := Create(path, p); err == nil {
		t.Fatalf("expected create to refuse overwriting a log\n")
	}
	w, err := OpenWriter(path)
	if err != nil {
		t.Fatalf("open writer failed: %v\n", err)
	}
	k := cube.Key{Z: 64}
	if err := w.Append(NeededFact(k), TokenFact("tok")); err != nil {
		t.Fatalf("append failed: %v\n", err)
	}
	if err := w.Append(Fact{"bogus", "x"}); err == nil {
		t.Errorf("expected append of unknown keyword to fail\n")
	}
	if err := w.Append(ReadyFact(k)); err != nil {
		t.Fatalf("append failed: %v\n", err)
	}
	if n := w.NumAppended(); n != 3 {
		t.Errorf("expected 3 appended facts, got %d\n", n)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close failed: %v\n", err)
	}

	s, facts, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v\n", err)
	}
	if len(facts) != len(ParamFacts(p))+3 {
		t.Errorf("expected %d facts, got %d\n", len(ParamFacts(p))+3, len(facts))
	}
	if s.Token != "tok" || !s.IsReady(k) || len(s.Needed) != 0 {
		t.Errorf("bad replayed state: %+v\n", s)
	}

	// simulate a torn append
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("%v\n", err)
	}
	f.WriteString("cube-rea")
	f.Close()
	if _, err := OpenWriter(path); err == nil {
		t.Errorf("expected writer to refuse a log with an unterminated line\n")
	}
}

func TestMultilineValuesRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.log")
	p := testParams(4)
	p.Files[2] = "/data/slices/z0002\n.tif"
	if err := Create(path, p); err == nil {
		t.Fatalf("expected create to refuse a file name with a newline\n")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("refused create left a log behind: %v\n", err)
	}

	if err := Create(path, testParams(4)); err != nil {
		t.Fatalf("create failed: %v\n", err)
	}
	w, err := OpenWriter(path)
	if err != nil {
		t.Fatalf("open writer failed: %v\n", err)
	}
	for _, token := range []string{"abc\ndef", "abc\rdef", "abc\n"} {
		if err := w.Append(TokenFact(token)); err == nil {
			t.Errorf("expected append of token %q to fail\n", token)
		}
	}
	if err := w.Append(TokenFact("abc def")); err != nil {
		t.Errorf("token with a space should be accepted: %v\n", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close failed: %v\n", err)
	}
	s, _, err := ReadFile(path)
	if err != nil {
		t.Fatalf("log unreadable after refused appends: %v\n", err)
	}
	if s.Token != "abc def" {
		t.Errorf("bad token %q\n", s.Token)
	}

	if _, err := ParseLine("token abc\rdef"); err == nil {
		t.Errorf("expected parse of value with carriage return to fail\n")
	}
}
