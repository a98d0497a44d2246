package rpc

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
	"sync/atomic"
	"time"
)

// ErrConnection wraps failures to reach the gateway at all.
var ErrConnection = errors.New("gateway unreachable")

// Client calls the admin RPC endpoint.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	nextID   atomic.Uint64
}

// NewClient creates a client for gatewayURL. ws:// and wss:// URLs are
// mapped to their HTTP equivalents.
func NewClient(gatewayURL, token string, timeout time.Duration) (*Client, error) {
	endpoint, err := Endpoint(gatewayURL)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		token:    token,
		http:     &http.Client{Timeout: timeout},
	}, nil
}

// Endpoint derives the POST /rpc URL from a gateway URL.
func Endpoint(gatewayURL string) (string, error) {
	u, err := url.Parse(gatewayURL)
	if err != nil {
		return "", fmt.Errorf("invalid gateway url %q: %w", gatewayURL, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("invalid gateway url %q: unsupported scheme", gatewayURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid gateway url %q: missing host", gatewayURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/rpc"
	u.RawQuery = ""
	return u.String(), nil
}

// Call invokes method and decodes the result into result (which may be nil).
// Remote failures are returned as *Error; transport failures wrap
// ErrConnection.
func (c *Client) Call(ctx context.Context, method string, params, result interface{}) error {
	req := Request{ID: c.nextID.Add(1), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode params: %w", err)
		}
		req.Params = raw
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		if httpResp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: unexpected status %d", ErrConnection, httpResp.StatusCode)
		}
		return fmt.Errorf("invalid response: %w", err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrConnection, httpResp.StatusCode)
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("invalid result: %w", err)
	}
	return nil
}
