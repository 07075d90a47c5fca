package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// HTTP serves names below a base URL.
//
// Open issues GET base/name. 404 and 410 responses are reported as not
// found; any other non-200 status is an error.
type HTTP struct {
	base    *url.URL
	client  *http.Client
	headers http.Header
}

// HTTPOption configures HTTP and HTTPFile.
type HTTPOption func(*httpConfig)

type httpConfig struct {
	client  *http.Client
	headers http.Header
}

// WithClient sets the HTTP client used for requests.
func WithClient(client *http.Client) HTTPOption {
	return func(c *httpConfig) {
		c.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers http.Header) HTTPOption {
	return func(c *httpConfig) {
		if headers == nil {
			return
		}
		c.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) HTTPOption {
	return func(c *httpConfig) {
		if c.headers == nil {
			c.headers = make(http.Header)
		}
		c.headers.Set(key, value)
	}
}

func newHTTPConfig(opts []HTTPOption) httpConfig {
	var c httpConfig
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&c)
	}
	if c.client == nil {
		c.client = http.DefaultClient
	}
	return c
}

// NewHTTP returns a source serving names below baseURL.
func NewHTTP(baseURL string, opts ...HTTPOption) (*HTTP, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("source: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("source: unsupported url scheme %q", base.Scheme)
	}
	c := newHTTPConfig(opts)
	return &HTTP{base: base, client: c.client, headers: c.headers}, nil
}

// Open implements asset.Source.
func (h *HTTP) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if !fs.ValidPath(name) {
		return nil, invalid(name)
	}
	req, err := newRequest(ctx, http.MethodGet, h.base.JoinPath(name).String(), h.headers)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusNotFound, http.StatusGone:
		drain(resp.Body)
		return nil, notExist(name)
	default:
		drain(resp.Body)
		return nil, fmt.Errorf("source: get %s: %s", name, resp.Status)
	}
}

// HTTPFile provides random access to a single remote file through HTTP
// range requests. It implements io.ReaderAt and is used to open remote
// asset packs without downloading them.
type HTTPFile struct {
	url     string
	client  *http.Client
	headers http.Header
	size    int64
}

// OpenHTTPFile probes rawURL for its size and range support.
func OpenHTTPFile(ctx context.Context, rawURL string, opts ...HTTPOption) (*HTTPFile, error) {
	c := newHTTPConfig(opts)
	f := &HTTPFile{url: rawURL, client: c.client, headers: c.headers}

	size, err := f.rangeProbe(ctx)
	if err != nil {
		return nil, err
	}
	f.size = size
	return f, nil
}

// Size returns the total size of the remote content.
func (f *HTTPFile) Size() int64 {
	return f.size
}

// ReadAt reads len(p) bytes at off. If fewer bytes are available than
// requested, it returns the number of bytes read along with io.EOF.
func (f *HTTPFile) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if off >= f.size {
		return 0, io.EOF
	}

	end := off + int64(len(p)) - 1
	expected := len(p)
	if end >= f.size {
		end = f.size - 1
		expected = int(end - off + 1)
	}

	req, err := newRequest(context.Background(), http.MethodGet, f.url, f.headers)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer drain(resp.Body)

	switch resp.StatusCode {
	case http.StatusPartialContent:
		// ok
	case http.StatusRequestedRangeNotSatisfiable:
		return 0, io.EOF
	case http.StatusOK:
		return 0, errors.New("range requests not supported")
	default:
		return 0, fmt.Errorf("range request failed: %s", resp.Status)
	}

	n, err := io.ReadFull(resp.Body, p[:expected])
	if err != nil {
		return n, err
	}
	if expected < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// rangeProbe verifies range request support and extracts the content size
// from Content-Range.
func (f *HTTPFile) rangeProbe(ctx context.Context) (int64, error) {
	req, err := newRequest(ctx, http.MethodGet, f.url, f.headers)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer drain(resp.Body)

	switch resp.StatusCode {
	case http.StatusPartialContent:
		// ok
	case http.StatusNotFound, http.StatusGone:
		return 0, notExist(f.url)
	case http.StatusOK:
		return 0, errors.New("range requests not supported")
	default:
		return 0, fmt.Errorf("range probe failed: %s", resp.Status)
	}

	crange := resp.Header.Get("Content-Range")
	if crange == "" {
		return 0, errors.New("range probe missing Content-Range")
	}
	return parseContentRange(crange)
}

func newRequest(ctx context.Context, method, target string, headers http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, http.NoBody)
	if err != nil {
		return nil, err
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	return req, nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body) //nolint:errcheck // best-effort drain for connection reuse
	_ = body.Close()
}

// parseContentRange extracts the total size from a Content-Range header
// value of the form "bytes start-end/size".
func parseContentRange(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	parts := strings.SplitN(strings.TrimPrefix(value, "bytes "), "/", 2)
	if len(parts) != 2 || parts[1] == "*" {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	return size, nil
}
