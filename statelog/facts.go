package statelog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/janelia-flyem/slicecube/cube"
	"github.com/janelia-flyem/slicecube/dvid"
)

// Keywords recognized in the state log.
const (
	KeySizes           = "sizes"
	KeySPP             = "spp"
	KeyBPS             = "bps"
	KeyCubeSizes       = "cubesizes"
	KeyDownsample      = "downsample"
	KeyResolution      = "resolution"
	KeyFile            = "file"
	KeyToken           = "token"
	KeyDownsampleReady = "downsample-ready"
	KeyCubeNeeded      = "cube-needed"
	KeyCubeReady       = "cube-ready"
)

var keywords = map[string]struct{}{
	KeySizes:           {},
	KeySPP:             {},
	KeyBPS:             {},
	KeyCubeSizes:       {},
	KeyDownsample:      {},
	KeyResolution:      {},
	KeyFile:            {},
	KeyToken:           {},
	KeyDownsampleReady: {},
	KeyCubeNeeded:      {},
	KeyCubeReady:       {},
}

// ErrUnknownKeyword is returned for a log line whose keyword is not part of the grammar.
var ErrUnknownKeyword = errors.New("unknown state log keyword")

// Fact is one line of the state log: "<keyword> <value>".
type Fact struct {
	Keyword string
	Value   string
}

func (f Fact) String() string {
	return f.Keyword + " " + f.Value
}

// ParseLine parses a single log line without its trailing newline.
func ParseLine(line string) (Fact, error) {
	kw, value, found := strings.Cut(line, " ")
	if !found {
		return Fact{}, fmt.Errorf("malformed state log line %q", line)
	}
	if _, ok := keywords[kw]; !ok {
		return Fact{}, fmt.Errorf("%w %q", ErrUnknownKeyword, kw)
	}
	if value == "" {
		return Fact{}, fmt.Errorf("state log line %q has no value", line)
	}
	if strings.ContainsAny(value, "\r\n") {
		return Fact{}, fmt.Errorf("state log value %q spans lines", value)
	}
	return Fact{Keyword: kw, Value: value}, nil
}

// Parse reads every fact from a state log.  A final line without a newline means the
// log was torn by a crash in the middle of an append and is reported as an error.
func Parse(r io.Reader) ([]Fact, error) {
	var facts []Fact
	br := bufio.NewReader(r)
	lineNum := 0
	for {
		line, err := br.ReadString('\n')
		if err == io.EOF {
			if line != "" {
				return nil, fmt.Errorf("state log ends with unterminated line %d: %q", lineNum+1, line)
			}
			return facts, nil
		}
		if err != nil {
			return nil, err
		}
		lineNum++
		fact, err := ParseLine(strings.TrimSuffix(line, "\n"))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		facts = append(facts, fact)
	}
}

// --- fact constructors ---

// ParamFacts returns the static conversion parameters as facts in canonical order.
func ParamFacts(p Params) []Fact {
	facts := []Fact{
		{KeySizes, p.Sizes.Colon()},
		{KeySPP, strconv.Itoa(p.SamplesPerPixel)},
		{KeyBPS, strconv.Itoa(p.BitsPerSample)},
		{KeyCubeSizes, p.CubeSizes.Colon()},
		{KeyDownsample, p.Downsample.Colon()},
		{KeyResolution, fmt.Sprintf("%s:%s:%s", formatFloat(p.Resolution[0]),
			formatFloat(p.Resolution[1]), formatFloat(p.Resolution[2]))},
	}
	for i, fname := range p.Files {
		facts = append(facts, Fact{KeyFile, fmt.Sprintf("%d:%s", i, fname)})
	}
	return facts
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// NeededFact records that the server asked for a cube.
func NeededFact(k cube.Key) Fact {
	return Fact{KeyCubeNeeded, cube.Format(k)}
}

// ReadyFact records that a cube was uploaded.
func ReadyFact(k cube.Key) Fact {
	return Fact{KeyCubeReady, cube.Format(k)}
}

// TokenFact records the access token returned by the catalog upload.
func TokenFact(token string) Fact {
	return Fact{KeyToken, token}
}

// DownsampleReadyFact records that the downsample artifact of the given kind was
// uploaded at the given accumulator version.
func DownsampleReadyFact(version uint64, kind cube.Kind) Fact {
	return Fact{KeyDownsampleReady, fmt.Sprintf("%d:%s", version, kind)}
}

func parsePoint(f Fact) (dvid.Point3d, error) {
	p, err := dvid.StringToPoint3d(f.Value, ":")
	if err != nil {
		return p, fmt.Errorf("bad %s: %v", f.Keyword, err)
	}
	for _, c := range p {
		if c <= 0 {
			return p, fmt.Errorf("bad %s %q: values must be positive", f.Keyword, f.Value)
		}
	}
	return p, nil
}
