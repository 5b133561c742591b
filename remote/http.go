package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// HTTPClient implements Client over the server's HTTP protocol.
type HTTPClient struct {
	base   *url.URL
	group  string
	secret string
	client *http.Client

	mu    sync.RWMutex
	token string
}

// NewHTTP returns a client for the server at rawurl.  The group names the dataset and
// the secret authorizes catalog uploads.
func NewHTTP(rawurl, group, secret string) (*HTTPClient, error) {
	base, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("bad server url %q: %v", rawurl, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server url %q must be http or https", rawurl)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if group == "" {
		return nil, fmt.Errorf("no dataset group given for server %s", rawurl)
	}
	return &HTTPClient{
		base:   base,
		group:  group,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Minute},
	}, nil
}

func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *HTTPClient) endpoint(parts ...string) string {
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	u := *c.base
	u.Path += strings.Join(parts, "/")
	u.RawPath = ""
	return u.String()
}

func (c *HTTPClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, fmt.Errorf("%w: %s %s returned %d: %s", ErrRejected, req.Method, req.URL.Path, resp.StatusCode, msg)
	}
	return body, nil
}

func (c *HTTPClient) Upload(ctx context.Context, artifact string, data []byte) error {
	u := *c.base
	u.Path += "data/" + artifact
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()
	_, err = c.do(req)
	return err
}

func (c *HTTPClient) Catalog(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint("catalog", c.group, c.secret), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(resp))
	if token == "" {
		return "", fmt.Errorf("%w: empty token for catalog", ErrRejected)
	}
	return token, nil
}

func (c *HTTPClient) Pending(ctx context.Context, cursor uint64) ([]Pending, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("pending", c.group, strconv.FormatUint(cursor, 10)), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return ParsePending(resp)
}
