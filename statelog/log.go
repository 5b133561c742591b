package statelog

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/janelia-flyem/slicecube/dvid"
)

// ReadFile parses and replays the state log at path.
func ReadFile(path string) (*State, []Fact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to open state log: %v", err)
	}
	defer f.Close()
	facts, err := Parse(f)
	if err != nil {
		return nil, nil, fmt.Errorf("state log %s: %w", path, err)
	}
	state, err := Replay(facts)
	if err != nil {
		return nil, nil, fmt.Errorf("state log %s: %w", path, err)
	}
	return state, facts, nil
}

// Create writes a new state log holding the conversion parameters.  It refuses to
// overwrite an existing log.
func Create(path string, p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, fact := range ParamFacts(p) {
		if _, err := ParseLine(fact.String()); err != nil {
			return fmt.Errorf("bad %s parameter: %v", fact.Keyword, err)
		}
		buf.WriteString(fact.String())
		buf.WriteByte('\n')
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("unable to create state log: %v", err)
	}
	if _, err = f.Write(buf.Bytes()); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("unable to write state log %s: %v", path, err)
	}
	return dvid.SyncDir(filepath.Dir(path))
}

// Writer appends facts to a state log.  Every append is fsynced before returning.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	path string
	n    uint64 // facts appended since open
}

// OpenWriter opens an existing state log for appending.
func OpenWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("unable to open state log for append: %v", err)
	}
	if err := checkTerminated(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("state log %s: %v", path, err)
	}
	return &Writer{f: f, path: path}, nil
}

// checkTerminated makes sure we never append to a partially written line.
func checkTerminated(f *os.File) error {
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, fi.Size()-1); err != nil && err != io.EOF {
		return err
	}
	if last[0] != '\n' {
		return fmt.Errorf("last line is unterminated at offset %d", fi.Size())
	}
	return nil
}

// Append writes the facts as lines and fsyncs the log.
func (w *Writer) Append(facts ...Fact) error {
	if len(facts) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, fact := range facts {
		if _, err := ParseLine(fact.String()); err != nil {
			return fmt.Errorf("refusing to append bad fact: %v", err)
		}
		buf.WriteString(fact.String())
		buf.WriteByte('\n')
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return fmt.Errorf("state log %s already closed", w.path)
	}
	if _, err := w.f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("unable to append to state log %s: %v", w.path, err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("unable to sync state log %s: %v", w.path, err)
	}
	w.n += uint64(len(facts))
	return nil
}

// NumAppended returns the number of facts appended through this writer.
func (w *Writer) NumAppended() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// Close closes the log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
