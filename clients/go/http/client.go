// Package http provides an HTTP client for the splitz variant flag service.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	splitz "github.com/matt-riley/splitz/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the splitz server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements splitz.FlagManager and splitz.Evaluator over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var (
	_ splitz.FlagManager = (*Client)(nil)
	_ splitz.Evaluator   = (*Client)(nil)
)

// NewHTTPClient returns a new HTTP client for the splitz service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// -- wire types --------------------------------------------------------------

type wireEvaluateReq struct {
	FlagKey  string                   `json:"flag_key,omitempty"`
	User     splitz.User              `json:"user,omitempty"`
	Requests []splitz.EvaluateRequest `json:"requests,omitempty"`
}

type wireResult struct {
	FlagKey string  `json:"flag_key"`
	Variant *string `json:"variant"`
	Reason  string  `json:"reason"`
	RuleID  *string `json:"rule_id"`
	Details struct {
		Bucket float64 `json:"bucket"`
	} `json:"details"`
}

type wireBatchResp struct {
	Results []struct {
		FlagKey string      `json:"flag_key"`
		Result  *wireResult `json:"result"`
		Error   string      `json:"error"`
	} `json:"results"`
}

func (w wireResult) toResult(flagKey string) splitz.Result {
	result := splitz.Result{
		FlagKey: flagKey,
		Variant: w.Variant,
		Reason:  w.Reason,
		Bucket:  w.Details.Bucket,
	}
	if w.RuleID != nil {
		result.RuleID = *w.RuleID
	}
	return result
}

// -- helpers -----------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("splitz: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("splitz: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("splitz: http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return newAPIError(resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("splitz: decode response: %w", err)
	}
	return nil
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("splitz: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// newAPIError prefers the server's {"error": "..."} message over the raw body.
func newAPIError(status int, body []byte) *APIError {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return &APIError{StatusCode: status, Message: payload.Error}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
}

func flagPath(key string) string {
	return "/v1/flags/" + url.PathEscape(key)
}

// -- FlagManager -------------------------------------------------------------

// CreateFlag creates flag. Creating a key that already exists returns the
// stored flag unchanged.
func (c *Client) CreateFlag(ctx context.Context, flag splitz.Flag) (splitz.Flag, error) {
	var out splitz.Flag
	if err := c.do(ctx, http.MethodPost, "/v1/flags", flag, &out); err != nil {
		return splitz.Flag{}, err
	}
	return out, nil
}

func (c *Client) GetFlag(ctx context.Context, key string) (splitz.Flag, error) {
	var out splitz.Flag
	if err := c.do(ctx, http.MethodGet, flagPath(key), nil, &out); err != nil {
		return splitz.Flag{}, err
	}
	return out, nil
}

func (c *Client) ListFlags(ctx context.Context) ([]splitz.Flag, error) {
	var out []splitz.Flag
	if err := c.do(ctx, http.MethodGet, "/v1/flags", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateFlag(ctx context.Context, flag splitz.Flag) (splitz.Flag, error) {
	if strings.TrimSpace(flag.Key) == "" {
		return splitz.Flag{}, errors.New("splitz: flag key is required")
	}
	var out splitz.Flag
	if err := c.do(ctx, http.MethodPut, flagPath(flag.Key), flag, &out); err != nil {
		return splitz.Flag{}, err
	}
	return out, nil
}

func (c *Client) DeleteFlag(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, flagPath(key), nil, nil)
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) Evaluate(ctx context.Context, flagKey string, user splitz.User) (splitz.Result, error) {
	var out wireResult
	if err := c.do(ctx, http.MethodPost, "/v1/evaluate", wireEvaluateReq{FlagKey: flagKey, User: user}, &out); err != nil {
		return splitz.Result{}, err
	}
	return out.toResult(flagKey), nil
}

// EvaluateBatch evaluates every request in one round trip. A failed item is
// reported in its Result's Error field, not as an error.
func (c *Client) EvaluateBatch(ctx context.Context, reqs []splitz.EvaluateRequest) ([]splitz.Result, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	var out wireBatchResp
	if err := c.do(ctx, http.MethodPost, "/v1/evaluate", wireEvaluateReq{Requests: reqs}, &out); err != nil {
		return nil, err
	}
	results := make([]splitz.Result, len(out.Results))
	for i, item := range out.Results {
		if item.Result == nil {
			results[i] = splitz.Result{FlagKey: item.FlagKey, Error: item.Error}
			continue
		}
		results[i] = item.Result.toResult(item.FlagKey)
	}
	return results, nil
}
