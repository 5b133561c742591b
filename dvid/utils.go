package dvid

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"
)

const (
	Kilo = 1 << 10
	Mega = 1 << 20
	Giga = 1 << 30
	Tera = 1 << 40
)

// NumCPU is the number of cores available to this process.
var NumCPU = runtime.NumCPU()

// Filename has a few image-specific helper functions.
type Filename string

// HasExtensionPrefix returns true if the given string forms a prefix for
// the filename's extension.
func (fname Filename) HasExtensionPrefix(exts ...string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(string(fname)), "."))
	for _, e := range exts {
		if strings.HasPrefix(ext, strings.ToLower(e)) {
			return true
		}
	}
	return false
}

// ConvertToAbsolute returns an absolute path for a path given relative to a base directory.
func ConvertToAbsolute(path, baseDir string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}
	if baseDir == "" {
		return filepath.Abs(path)
	}
	return filepath.Abs(filepath.Join(baseDir, path))
}

// Bytes returns a human-readable form of a byte count, e.g., "82 MB".
func Bytes(n int64) string {
	if n < 0 {
		return "-" + humanize.Bytes(uint64(-n))
	}
	return humanize.Bytes(uint64(n))
}

// Comma returns a number with thousands separators.
func Comma(n int64) string {
	return humanize.Comma(n)
}

// SyncDir fsyncs a directory so that renames and file creations within it are durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("unable to sync directory %s: %v", dir, err)
	}
	return nil
}

// WriteFileAtomic writes data to a temporary file in the destination directory,
// fsyncs it, renames it into place and fsyncs the directory.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err = f.Write(data); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp, perm)
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return SyncDir(dir)
}
