package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/net/publicsuffix"

	"github.com/DavidRueter/Theas/codec"
)

// ProgressFunc reports upload progress. total is -1 when unknown.
type ProgressFunc func(sent, total int64)

// Transport posts an encoded request body and returns the raw response text.
type Transport interface {
	Post(ctx context.Context, target string, body *codec.Body, progress ProgressFunc) (string, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, target string, body *codec.Body, progress ProgressFunc) (string, error)

func (f TransportFunc) Post(ctx context.Context, target string, body *codec.Body, progress ProgressFunc) (string, error) {
	return f(ctx, target, body, progress)
}

const maxResponseBytes = 32 << 20

// HTTPTransport posts to a Theas server over HTTP. The default client keeps cookies,
// so the session token set by the server is sent back on later requests.
type HTTPTransport struct {
	BaseURL    *url.URL
	HTTPClient *http.Client
	Header     http.Header
}

// TransportOption configures an HTTPTransport.
type TransportOption func(*HTTPTransport)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *HTTPTransport) { t.HTTPClient = c }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) TransportOption {
	return func(t *HTTPTransport) { t.HTTPClient.Timeout = d }
}

// WithHeader adds a header sent on every request.
func WithHeader(key, value string) TransportOption {
	return func(t *HTTPTransport) { t.Header.Add(key, value) }
}

// NewHTTPTransport returns a transport resolving targets against baseURL.
func NewHTTPTransport(baseURL string, opts ...TransportOption) (*HTTPTransport, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	t := &HTTPTransport{
		BaseURL: base,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
			Jar:     jar,
		},
		Header: make(http.Header),
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Resolve returns target resolved against the base URL.
func (t *HTTPTransport) Resolve(target string) (string, error) {
	ref, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	if t.BaseURL == nil {
		return ref.String(), nil
	}
	return t.BaseURL.ResolveReference(ref).String(), nil
}

func (t *HTTPTransport) Post(ctx context.Context, target string, body *codec.Body, progress ProgressFunc) (string, error) {
	u, err := t.Resolve(target)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", target, err)
	}

	var reader io.Reader = body.Reader()
	if progress != nil {
		reader = &progressReader{r: reader, total: body.Len(), fn: progress}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, reader)
	if err != nil {
		return "", err
	}
	req.ContentLength = body.Len()
	for k, vs := range t.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", body.ContentType)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(data)}
	}
	return string(data), nil
}

type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.fn(p.sent, p.total)
	}
	return n, err
}
