package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/HatiCode/fivedreg/pkg/errdefs"
)

// HTTPSource fetches a dataset container from an HTTP(S) endpoint, such as an
// object-store URL or a gateway in front of one.
//
// Header values may use template variables from TemplateVars, which keeps
// credentials out of the configured header strings:
//
//	src := &HTTPSource{
//	    URL: "https://datasets.example.com/train.json",
//	    Headers: map[string]string{"Authorization": "Bearer {{.Token}}"},
//	    TemplateVars: map[string]string{"Token": os.Getenv("DATASET_TOKEN")},
//	}
type HTTPSource struct {
	// URL is the object to fetch (required).
	URL string

	// Headers are custom HTTP headers to include in every request.
	Headers map[string]string

	// TemplateVars are variables available to Headers templates.
	TemplateVars map[string]string

	// MaxBytes caps the downloaded body size. Defaults to 256 MiB when <= 0.
	MaxBytes int64

	// HTTPClient is optional; if nil a default client with timeout is used.
	HTTPClient *http.Client
}

const defaultMaxBytes = 256 << 20

func (h *HTTPSource) Name() string { return "http" }

func (h *HTTPSource) Location() string { return h.URL }

// Exists issues a HEAD request. 404 and 410 mean the object does not exist; servers
// that refuse HEAD are treated as existing and left for Open to decide.
func (h *HTTPSource) Exists(ctx context.Context) (bool, error) {
	resp, err := h.do(ctx, http.MethodHead)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return false, nil
	case resp.StatusCode == http.StatusMethodNotAllowed:
		return true, nil
	default:
		return false, fmt.Errorf("http source: HEAD %s: status %d", h.URL, resp.StatusCode)
	}
}

// Open issues a GET request and returns the response body.
func (h *HTTPSource) Open(ctx context.Context) (io.ReadCloser, error) {
	resp, err := h.do(ctx, http.MethodGet)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		resp.Body.Close()
		return nil, fmt.Errorf("dataset not found at %s: %w", h.URL, errdefs.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("http source: status %d: %s", resp.StatusCode, string(body))
	}

	limit := h.MaxBytes
	if limit <= 0 {
		limit = defaultMaxBytes
	}

	return &cappedBody{
		r:     io.LimitReader(resp.Body, limit+1),
		limit: limit,
		url:   h.URL,
		c:     resp.Body,
	}, nil
}

func (h *HTTPSource) do(ctx context.Context, method string) (*http.Response, error) {
	if h.URL == "" {
		return nil, errors.New("http source: URL is required")
	}

	cli := h.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: 60 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, method, h.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for key, value := range h.Headers {
		rendered, err := renderTemplate(value, h.TemplateVars)
		if err != nil {
			return nil, fmt.Errorf("render header %s: %w", key, err)
		}
		req.Header.Set(key, rendered)
	}

	resp, err := cli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	return resp, nil
}

// cappedBody passes through at most limit bytes. Reading past the limit fails
// with errdefs.ErrTooLarge instead of ending early, so an oversized container
// is never mistaken for a smaller complete one.
type cappedBody struct {
	r     io.Reader
	limit int64
	read  int64
	url   string
	err   error
	c     io.Closer
}

func (b *cappedBody) Read(p []byte) (int, error) {
	if b.err != nil {
		return 0, b.err
	}
	n, err := b.r.Read(p)
	b.read += int64(n)
	if over := b.read - b.limit; over > 0 {
		b.err = fmt.Errorf("dataset at %s exceeds %d bytes: %w", b.url, b.limit, errdefs.ErrTooLarge)
		return n - int(over), b.err
	}
	return n, err
}

func (b *cappedBody) Close() error {
	return b.c.Close()
}

// renderTemplate renders a text template with the given data
func renderTemplate(tmplStr string, data map[string]string) (string, error) {
	if !strings.Contains(tmplStr, "{{") {
		return tmplStr, nil
	}

	tmpl, err := template.New("").Option("missingkey=error").Parse(tmplStr)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}
