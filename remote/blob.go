package remote

import (
	"context"
	"fmt"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	"gocloud.dev/gcerrors"

	"github.com/janelia-flyem/slicecube/dvid"
)

// BlobClient stores artifacts in a bucket instead of talking to a live server.  Pending
// requests are read from the bucket's "pending" object, written by whoever serves the
// bucket, in the same record format the server returns.
type BlobClient struct {
	bucket *blob.Bucket
	group  string
}

// NewBlob opens a bucket url such as file:///data/cubes or gs://bucket/prefix.
func NewBlob(ctx context.Context, rawurl, group string) (*BlobClient, error) {
	var prefix string
	if strings.HasPrefix(rawurl, "gs://") {
		// gcsblob takes no path, so keep anything after the bucket as a key prefix.
		rest := strings.TrimPrefix(rawurl, "gs://")
		if i := strings.Index(rest, "/"); i >= 0 {
			rawurl, prefix = "gs://"+rest[:i], strings.Trim(rest[i:], "/")
		}
	}
	bucket, err := blob.OpenBucket(ctx, rawurl)
	if err != nil {
		dvid.Errorf("Can't open bucket reference @ %q: %v\n", rawurl, err)
		return nil, err
	}
	if prefix != "" {
		bucket = blob.PrefixedBucket(bucket, prefix+"/")
	}
	if group == "" {
		group = "default"
	}
	return &BlobClient{bucket: bucket, group: group}, nil
}

// SetToken is a no-op; bucket access is authorized by the bucket driver.
func (c *BlobClient) SetToken(token string) {}

func (c *BlobClient) Upload(ctx context.Context, artifact string, data []byte) error {
	if err := c.bucket.WriteAll(ctx, "data/"+artifact, data, nil); err != nil {
		return fmt.Errorf("writing %s to bucket: %v", artifact, err)
	}
	return nil
}

// Catalog writes the catalog object and returns a locally generated token.
func (c *BlobClient) Catalog(ctx context.Context, body []byte) (string, error) {
	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := c.bucket.WriteAll(ctx, "catalog/"+c.group+".json", body, opts); err != nil {
		return "", fmt.Errorf("writing catalog to bucket: %v", err)
	}
	return NewSecret(), nil
}

func (c *BlobClient) Pending(ctx context.Context, cursor uint64) ([]Pending, error) {
	data, err := c.bucket.ReadAll(ctx, "pending/"+c.group)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	all, err := ParsePending(data)
	if err != nil {
		return nil, err
	}
	var pending []Pending
	for _, p := range all {
		if p.Seq > cursor {
			pending = append(pending, p)
		}
	}
	return pending, nil
}

// Close closes the bucket.
func (c *BlobClient) Close() error {
	return c.bucket.Close()
}
