package hostfunc

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultMaxURLLength   = 8192
	DefaultMaxBodySize    = 1 << 20 // 1MB
	DefaultRequestTimeout = 30 * time.Second
)

// HTTPConfig limits the outbound requests a child runtime may make
// through the host.
type HTTPConfig struct {
	AllowedHosts   []string
	MaxBodySize    int64
	MaxURLLength   int
	RequestTimeout time.Duration
}

type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.MaxURLLength == 0 {
		cfg.MaxURLLength = DefaultMaxURLLength
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	return &HTTP{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Request performs an allow-listed HTTP request on behalf of the child.
func (h *HTTP) Request(ctx context.Context, req HTTPRequest) (any, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	switch method {
	case "GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS":
	default:
		return nil, fmt.Errorf("%w: unsupported method %s", ErrInvalidArgs, method)
	}

	if req.URL == "" {
		return nil, fmt.Errorf("%w: url required", ErrInvalidArgs)
	}
	if len(req.URL) > h.cfg.MaxURLLength {
		return nil, fmt.Errorf("%w: url exceeds max length", ErrInvalidArgs)
	}

	parsed, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid url", ErrInvalidArgs)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrInvalidArgs)
	}
	if len(h.cfg.AllowedHosts) == 0 {
		return nil, fmt.Errorf("http not enabled")
	}
	if host := parsed.Hostname(); !h.isHostAllowed(host) {
		return nil, fmt.Errorf("host not allowed: %s", host)
	}

	var body io.Reader
	if req.Body != "" {
		if int64(len(req.Body)) > h.cfg.MaxBodySize {
			return nil, fmt.Errorf("%w: request body exceeds max size", ErrInvalidArgs)
		}
		body = strings.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	return HTTPResponse{
		Status:  resp.StatusCode,
		Body:    string(respBody),
		Headers: headers,
	}, nil
}

func (h *HTTP) isHostAllowed(host string) bool {
	hostIP := net.ParseIP(host)
	for _, allowed := range h.cfg.AllowedHosts {
		if hostIP != nil {
			if allowedIP := net.ParseIP(allowed); allowedIP != nil && allowedIP.Equal(hostIP) {
				return true
			}
			continue
		}
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}
