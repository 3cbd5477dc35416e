// Package cloud implements detector.Provider against an HTTP detection
// service. The frame is POSTed as multipart/form-data in a field named "file"
// and a 200 response carries {"objects": [...], "text": "..."}.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/MrWong99/kanan/pkg/provider/detector"
)

// Compile-time interface assertion.
var _ detector.Provider = (*Provider)(nil)

const (
	defaultTimeout  = 5 * time.Second
	formField       = "file"
	formFilename    = "frame.jpg"
	maxResponseSize = 1 << 20
)

// StatusError is returned when the service answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("cloud: detector returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("cloud: detector returned status %d: %s", e.StatusCode, e.Body)
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout. Defaults to 5 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.httpClient.Timeout = d
		}
	}
}

// WithAPIKey sends key as a Bearer token.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithHTTPClient replaces the HTTP client. The client's Timeout is kept as is.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider calls the detection endpoint at a fixed URL.
type Provider struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// New creates a Provider that POSTs to endpoint (e.g., "http://host:8000/analyze").
func New(endpoint string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		return nil, errors.New("cloud: endpoint must not be empty")
	}
	p := &Provider{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Detect uploads the JPEG and decodes the response.
func (p *Provider) Detect(ctx context.Context, jpeg []byte) (detector.Result, error) {
	body, contentType, err := multipartBody(jpeg)
	if err != nil {
		return detector.Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, body)
	if err != nil {
		return detector.Result{}, fmt.Errorf("cloud: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return detector.Result{}, fmt.Errorf("cloud: POST %s: %w", p.endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return detector.Result{}, fmt.Errorf("cloud: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return detector.Result{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var res detector.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return detector.Result{}, fmt.Errorf("cloud: decode response: %w", err)
	}
	return res, nil
}

func multipartBody(jpeg []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, formField, formFilename))
	h.Set("Content-Type", "image/jpeg")
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("cloud: create form part: %w", err)
	}
	if _, err := part.Write(jpeg); err != nil {
		return nil, "", fmt.Errorf("cloud: write form part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("cloud: close form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
