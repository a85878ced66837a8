// Package httpclient is the device side of the sync API.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"example.com/heatsync/internal/remote"
	"example.com/heatsync/internal/wire"
)

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// Client pushes and pulls wire records over HTTP with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New constructs a Client for the API rooted at baseURL.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Push sends one record. Any 2xx means the cloud holds a version at least as new.
func (c *Client) Push(ctx context.Context, rec wire.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s: %w", rec.WorkoutKey, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Pull fetches one page of changes after token.
func (c *Client) Pull(ctx context.Context, token string, limit int) (remote.Page, error) {
	q := url.Values{}
	if token != "" {
		q.Set("since", token)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	target := c.baseURL + "/v1/sessions/changes"
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return remote.Page{}, err
	}

	resp, err := c.do(req)
	if err != nil {
		return remote.Page{}, err
	}
	defer resp.Body.Close()

	var page remote.Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return remote.Page{}, fmt.Errorf("%w: decode page: %v", wire.ErrTransportUnavailable, err)
	}
	return page, nil
}

// do sends req and classifies failures: network errors, 401/403 and 5xx are
// transport failures worth retrying later, 400 means the record was rejected.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrTransportUnavailable, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	detail := readDetail(resp.Body)
	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %s", wire.ErrMalformedRecord, detail)
	default:
		return nil, fmt.Errorf("%w: %s %s: status %d: %s", wire.ErrTransportUnavailable, req.Method, req.URL.Path, resp.StatusCode, detail)
	}
}

func readDetail(body io.Reader) string {
	var payload struct {
		Detail string `json:"detail"`
	}
	raw, _ := io.ReadAll(io.LimitReader(body, 4096))
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Detail != "" {
		return payload.Detail
	}
	return strings.TrimSpace(string(raw))
}
