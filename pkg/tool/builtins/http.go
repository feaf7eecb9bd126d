package builtins

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/restflow/restflow/pkg/rferrors"
	"github.com/restflow/restflow/pkg/tool"
)

// HTTPConfig tunes the HTTP tool.
type HTTPConfig struct {
	// AllowLoopback opts in to requests against 127.0.0.0/8 and ::1,
	// refused by default per the SSRF policy.
	AllowLoopback bool
	// Timeout bounds each request; zero means 30s.
	Timeout time.Duration
	// MaxResponseBytes caps the body read; zero means 1MiB.
	MaxResponseBytes int64
}

// HTTPArgs is the http tool's parameter surface.
type HTTPArgs struct {
	Method  string            `json:"method" jsonschema:"enum=GET,enum=POST,enum=PUT,enum=DELETE,description=HTTP method"`
	URL     string            `json:"url" jsonschema:"description=Request URL"`
	Headers map[string]string `json:"headers,omitempty" jsonschema:"description=Request headers"`
	Body    string            `json:"body,omitempty" jsonschema:"description=Request body for POST/PUT"`
}

// HTTPTool performs bounded HTTP requests with SSRF validation: it
// refuses link-local, loopback (unless opted in), private CIDRs, and
// unresolved hosts.
type HTTPTool struct {
	cfg    HTTPConfig
	client *http.Client
	// lookupIP is swappable in tests.
	lookupIP func(host string) ([]net.IP, error)
}

// NewHTTPTool builds the http tool. The client skips the system proxy
// when RESTFLOW_DISABLE_SYSTEM_PROXY is set.
func NewHTTPTool(cfg HTTPConfig) *HTTPTool {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 1 << 20
	}
	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if os.Getenv("RESTFLOW_DISABLE_SYSTEM_PROXY") != "" {
		transport.Proxy = nil
	}
	return &HTTPTool{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout, Transport: transport},
		lookupIP: net.LookupIP,
	}
}

func (t *HTTPTool) Name() string { return "http" }

func (t *HTTPTool) Description() string {
	return "Perform an HTTP GET, POST, PUT, or DELETE request and return status, headers, and body."
}

func (t *HTTPTool) ParametersSchema() map[string]any { return schemaFor(&HTTPArgs{}) }

func (t *HTTPTool) SupportsParallel(json.RawMessage) bool { return true }

func (t *HTTPTool) Action(args json.RawMessage) (string, string, string) {
	a, _ := decodeArgs[HTTPArgs](args)
	return strings.ToLower(a.Method), a.URL, a.Method + " " + a.URL
}

func (t *HTTPTool) Execute(ctx context.Context, args json.RawMessage) (tool.Output, error) {
	a, err := decodeArgs[HTTPArgs](args)
	if err != nil {
		return tool.Output{}, rferrors.Wrap(rferrors.Protocol, "decode http arguments", err)
	}

	if err := t.validateURL(a.URL); err != nil {
		return tool.Output{}, err
	}

	var body io.Reader
	if a.Body != "" {
		body = strings.NewReader(a.Body)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(a.Method), a.URL, body)
	if err != nil {
		return errorOutput(err.Error()), nil
	}
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return tool.Output{}, rferrors.Wrap(rferrors.Transport, "http request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, t.cfg.MaxResponseBytes))
	if err != nil {
		return tool.Output{}, rferrors.Wrap(rferrors.Transport, "read response body", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return okOutput(map[string]any{
		"status":  resp.StatusCode,
		"headers": headers,
		"body":    string(raw),
	}), nil
}

// validateURL enforces the SSRF policy before any connection is made.
func (t *HTTPTool) validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return rferrors.Wrap(rferrors.Protocol, "invalid url", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return rferrors.New(rferrors.Policy, "unsupported url scheme: "+u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return rferrors.New(rferrors.Protocol, "url has no host")
	}

	ips, err := t.lookupIP(host)
	if err != nil || len(ips) == 0 {
		return rferrors.New(rferrors.Policy, "host did not resolve: "+host)
	}
	for _, ip := range ips {
		if ip.IsLoopback() {
			if t.cfg.AllowLoopback {
				continue
			}
			return rferrors.New(rferrors.Policy, "loopback address refused: "+ip.String())
		}
		if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			return rferrors.New(rferrors.Policy, "link-local address refused: "+ip.String())
		}
		if ip.IsPrivate() {
			return rferrors.New(rferrors.Policy, "private address refused: "+ip.String())
		}
	}
	return nil
}
