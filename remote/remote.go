/*
Package remote talks to the server hosting the cube store: artifact uploads, the dataset
catalog, and polling for cubes the server needs.
*/
package remote

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/twinj/uuid"
)

// ErrRejected is returned when the server refuses a request.
var ErrRejected = errors.New("rejected by server")

// Pending is one cube requested by the server.
type Pending struct {
	Seq  uint64
	Path string // cube path, see cube.Format
}

// Client is the network boundary of the converter.  Methods may be called concurrently.
type Client interface {
	// Upload stores an artifact under data/<artifact>.
	Upload(ctx context.Context, artifact string, data []byte) error

	// Catalog uploads the dataset catalog and returns the access token issued for it.
	Catalog(ctx context.Context, body []byte) (token string, err error)

	// Pending returns the cubes requested after the given sequence cursor.
	Pending(ctx context.Context, cursor uint64) ([]Pending, error)

	// SetToken sets the access token used for uploads.
	SetToken(token string)
}

// NewSecret returns a random catalog secret.
func NewSecret() string {
	return strings.ReplaceAll(uuid.NewV4().String(), "-", "")
}

// ParsePending parses newline-delimited "<seq>\t<path>" records.  Blank lines are skipped.
func ParsePending(data []byte) ([]Pending, error) {
	var pending []Pending
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		seqStr, path, found := strings.Cut(line, "\t")
		if !found {
			return nil, fmt.Errorf("pending record %d has no tab: %q", n, line)
		}
		seq, err := strconv.ParseUint(seqStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("pending record %d has bad sequence %q", n, seqStr)
		}
		pending = append(pending, Pending{Seq: seq, Path: path})
	}
	return pending, scanner.Err()
}
