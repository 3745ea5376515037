// Package httpfetch provides the "http_fetch" tool, an HTTP GET against an
// allow-listed set of hosts. Upstream statuses of 400 and above are mapped to
// the error taxonomy with [toolerr.FromHTTPStatus], so a 429 becomes a
// RATE_LIMIT carrying the upstream Retry-After and a 5xx becomes a retryable
// API_ERROR.
package httpfetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/toolrun/pkg/tool"
	"github.com/MrWong99/toolrun/pkg/toolerr"
)

const (
	// Name is the registered tool name.
	Name = "http_fetch"

	// Category is the tool category.
	Category = "web"

	// DefaultTimeout bounds a single fetch when [Config.Timeout] is zero.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxBodyBytes caps the returned body when [Config.MaxBodyBytes]
	// is zero.
	DefaultMaxBodyBytes = 1 << 20
)

// Config controls what the tool may fetch.
type Config struct {
	// AllowedHosts lists the permitted hostnames, compared case-insensitively
	// and without port. A leading "*." matches any subdomain. Empty allows
	// every host.
	AllowedHosts []string

	// Timeout bounds one request.
	Timeout time.Duration

	// MaxBodyBytes truncates longer bodies.
	MaxBodyBytes int64

	// Client performs the requests. Nil means a client with Timeout. The
	// client is copied and every redirect it follows must also pass the
	// allow list.
	Client *http.Client
}

// Result is the result of a fetch.
type Result struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        string `json:"body"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// Fetcher builds "http_fetch" tools sharing one client and policy.
type Fetcher struct {
	cfg    Config
	client *http.Client
}

// New returns a [Fetcher] for cfg.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.Client != nil {
		c := *cfg.Client
		client = &c
	}
	f := &Fetcher{cfg: cfg, client: client}
	client.CheckRedirect = f.checkRedirect(client.CheckRedirect)
	return f
}

// maxRedirects matches the net/http default policy.
const maxRedirects = 10

// checkRedirect re-applies the allow list to every redirect hop before
// deferring to next, or to the default hop limit when next is nil.
func (f *Fetcher) checkRedirect(next func(*http.Request, []*http.Request) error) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if host := req.URL.Hostname(); !f.allowed(host) {
			e := toolerr.NewSecurity(Name, "host_not_allowed",
				fmt.Sprintf("redirect to host %q is not in the allow list", host))
			e.Details["redirect"] = req.URL.String()
			return e
		}
		if next != nil {
			return next(req, via)
		}
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	}
}

// allowed reports whether host passes the allow list.
func (f *Fetcher) allowed(host string) bool {
	if len(f.cfg.AllowedHosts) == 0 {
		return true
	}
	host = strings.ToLower(host)
	return slices.ContainsFunc(f.cfg.AllowedHosts, func(pattern string) bool {
		pattern = strings.ToLower(pattern)
		if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
			return strings.HasSuffix(host, "."+suffix)
		}
		return host == pattern
	})
}

// Fetch is one configured GET request.
type Fetch struct {
	tool.Base `json:"-"`

	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`

	f *Fetcher
}

// ValidateParameters implements [tool.Tool].
func (t *Fetch) ValidateParameters() error {
	_, err := t.target()
	return err
}

func (t *Fetch) target() (*url.URL, error) {
	if t.URL == "" {
		return nil, toolerr.NewValidation(Name, "url", "url must not be empty")
	}
	u, err := url.Parse(t.URL)
	if err != nil {
		return nil, toolerr.NewValidation(Name, "url", fmt.Sprintf("invalid url: %v", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, toolerr.NewValidation(Name, "url", fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	if u.Hostname() == "" {
		return nil, toolerr.NewValidation(Name, "url", "url must include a host")
	}
	if !t.f.allowed(u.Hostname()) {
		return nil, toolerr.NewSecurity(Name, "host_not_allowed", fmt.Sprintf("host %q is not in the allow list", u.Hostname()))
	}
	for k := range t.Headers {
		if strings.EqualFold(k, "Host") {
			return nil, toolerr.NewValidation(Name, "headers", "the Host header cannot be overridden")
		}
	}
	return u, nil
}

// GenerateMockResults implements [tool.Tool].
func (t *Fetch) GenerateMockResults() (any, error) {
	return Result{
		URL:         t.URL,
		Status:      http.StatusOK,
		ContentType: "text/plain",
		Body:        "mock response for " + t.URL,
	}, nil
}

// Process implements [tool.Tool].
func (t *Fetch) Process(ctx context.Context) (any, error) {
	u, err := t.target()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, toolerr.NewValidation(Name, "url", err.Error())
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.f.client.Do(req)
	if err != nil {
		return nil, requestError(u.Host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.f.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, requestError(u.Host, err)
	}
	truncated := int64(len(body)) > t.f.cfg.MaxBodyBytes
	if truncated {
		body = body[:t.f.cfg.MaxBodyBytes]
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, toolerr.FromHTTPStatus(Name, u.Host, resp.StatusCode, resp.Header, string(body))
	}
	return Result{
		URL:         t.URL,
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        string(body),
		Truncated:   truncated,
	}, nil
}

// requestError classifies a transport failure. A redirect refused by the
// allow list keeps its SECURITY_ERROR. Timeouts and cancellations are left to
// [toolerr.Classify]; anything else is an upstream API failure, which the
// runtime retries.
func requestError(host string, err error) error {
	var te *toolerr.Error
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return toolerr.Wrap(toolerr.KindTimeout, Name, fmt.Sprintf("request to %s timed out", host), err)
	}
	return toolerr.Wrap(toolerr.KindAPI, Name, fmt.Sprintf("request to %s failed", host), err)
}

// Spec returns the registration record for "http_fetch".
func (f *Fetcher) Spec() tool.Spec {
	return tool.Spec{
		Name:        Name,
		Category:    Category,
		Description: "Fetch a URL with HTTP GET and return the status, content type and body. Only allow-listed hosts may be fetched.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "Absolute http or https URL.",
				},
				"headers": map[string]any{
					"type":                 "object",
					"description":          "Optional request headers.",
					"additionalProperties": map[string]any{"type": "string"},
				},
			},
			"required": []string{"url"},
		},
		New: func(params json.RawMessage) (tool.Tool, error) {
			t := &Fetch{Base: tool.Base{ToolInfo: tool.Info{Name: Name, Category: Category}}, f: f}
			if err := tool.DecodeParams(Name, params, t); err != nil {
				return nil, err
			}
			return t, nil
		},
	}
}
