// Package grafana is the HTTP client for the Grafana APIs the query engine
// collaborates with: alert states, unified alert rules, correlations, the
// backend query endpoint, annotations, data sources and dashboards.
package grafana

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/marcus-qen/dashquery/internal/inflight"
)

// HTTPRequester represents the minimum HTTP client contract used for Grafana calls.
type HTTPRequester interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientConfig configures the Grafana HTTP client.
type ClientConfig struct {
	BaseURL       string
	APIToken      string
	Timeout       time.Duration
	TLSSkipVerify bool
	OrgID         int
	// PageSize bounds paged list endpoints such as correlations.
	PageSize   int
	HTTPClient HTTPRequester
	// Tracker registers requests that carry a request id so they can be
	// aborted by id.
	Tracker *inflight.Tracker
}

// HTTPClient implements the Grafana collaborator APIs over HTTP.
type HTTPClient struct {
	baseURL    string
	apiToken   string
	timeout    time.Duration
	orgID      int
	pageSize   int
	httpClient HTTPRequester
	tracker    *inflight.Tracker
}

// NewHTTPClient builds a Grafana client.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.TLSSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in for self-hosted labs
		}
		httpClient = &http.Client{Transport: transport}
	}

	return &HTTPClient{
		baseURL:    baseURL,
		apiToken:   strings.TrimSpace(cfg.APIToken),
		timeout:    timeout,
		orgID:      cfg.OrgID,
		pageSize:   pageSize,
		httpClient: httpClient,
		tracker:    cfg.Tracker,
	}
}

// BaseURL returns the configured Grafana root URL.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

type requestIDKey struct{}

// WithRequestID tags ctx so the next call made with it is tracked under id.
// A second call tagged with the same id aborts the first one.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request id attached with WithRequestID.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (c *HTTPClient) getJSON(ctx context.Context, endpoint string, query url.Values, dst any) error {
	return c.do(ctx, http.MethodGet, endpoint, query, nil, dst)
}

func (c *HTTPClient) postJSON(ctx context.Context, endpoint string, body any, dst any) error {
	return c.do(ctx, http.MethodPost, endpoint, nil, body, dst)
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, query url.Values, body any, dst any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.baseURL == "" {
		return &ClientError{Code: "config_invalid", Message: "grafana base URL is not configured"}
	}

	requestCtx := ctx
	requestID := RequestIDFrom(ctx)
	if c.tracker != nil && requestID != "" {
		var release func()
		requestCtx, release = c.tracker.Track(requestCtx, requestID, endpoint)
		defer release()
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		requestCtx, cancel = context.WithTimeout(requestCtx, c.timeout)
		defer cancel()
	}

	reqURL, err := url.Parse(c.baseURL)
	if err != nil {
		return &ClientError{Code: "config_invalid", Message: "invalid grafana base URL", Detail: err.Error()}
	}
	reqURL.Path = path.Join(reqURL.Path, endpoint)
	params := reqURL.Query()
	for key, values := range query {
		if strings.TrimSpace(key) == "" {
			continue
		}
		for _, value := range values {
			if strings.TrimSpace(value) == "" {
				continue
			}
			params.Add(key, value)
		}
	}
	reqURL.RawQuery = params.Encode()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &ClientError{Code: "request_failed", Message: "failed to encode grafana request", Detail: err.Error()}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(requestCtx, method, reqURL.String(), reader)
	if err != nil {
		return &ClientError{Code: "request_failed", Message: "failed to build grafana request", Detail: err.Error()}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}
	if c.orgID > 0 {
		req.Header.Set("X-Grafana-Org-Id", strconv.Itoa(c.orgID))
	}
	if requestID != "" {
		req.Header.Set("X-Request-Id", requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(requestCtx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &ClientError{Code: "auth_failed", Message: "grafana authentication failed", Detail: resp.Status, Status: resp.StatusCode}
	}
	if resp.StatusCode == http.StatusNotFound {
		return &ClientError{Code: "not_found", Message: "grafana resource not found", Detail: endpoint, Status: resp.StatusCode}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &ClientError{
			Code:    "request_failed",
			Message: errorMessage(raw, "grafana request failed"),
			Detail:  strings.TrimSpace(fmt.Sprintf("%s %s", resp.Status, string(raw))),
			Status:  resp.StatusCode,
		}
	}

	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		if requestCtx.Err() != nil {
			return transportError(requestCtx, err)
		}
		return &ClientError{Code: "parse_error", Message: "failed to parse grafana response", Detail: err.Error()}
	}
	return nil
}

// errorMessage extracts Grafana's {"message": "..."} error body.
func errorMessage(raw []byte, fallback string) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if m := strings.TrimSpace(body.Message); m != "" {
			return m
		}
		if m := strings.TrimSpace(body.Error); m != "" {
			return m
		}
	}
	return fallback
}

// transportError classifies a failed exchange. Once ctx is done the
// transport reports the context cause rather than context.Canceled, so the
// context decides between a cancellation and a timeout.
func transportError(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return classifyRequestError(err)
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, context.DeadlineExceeded) {
		return &ClientError{Code: "timeout", Message: "grafana request timed out", Detail: err.Error(), cause: cause}
	}
	return &ClientError{Code: "cancelled", Message: "grafana request cancelled", Detail: cause.Error(), cause: cause}
}

func classifyRequestError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return &ClientError{Code: "cancelled", Message: "grafana request cancelled", Detail: err.Error(), cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ClientError{Code: "timeout", Message: "grafana request timed out", Detail: err.Error(), cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ClientError{Code: "timeout", Message: "grafana request timed out", Detail: err.Error(), cause: err}
	}

	return &ClientError{Code: "unreachable", Message: "grafana unreachable", Detail: err.Error(), cause: err}
}
