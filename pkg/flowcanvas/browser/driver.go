// Package browser talks to a remote browser-automation service over JSON
// HTTP. RemoteDriver implements capture.Browser.
package browser

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
	"time"

	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/capture"
	flowerrors "github.com/randalmurphal/flowcanvas/pkg/flowcanvas/errors"
)

// RemoteDriver is a client for the driver service.
//
//	POST   /sessions                  open a session
//	DELETE /sessions/{id}             release it
//	POST   /pages                     connect a page to a session
//	POST   /pages/{id}/{action}       navigate, scroll, evaluate, screenshot, close
type RemoteDriver struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// Option configures a RemoteDriver.
type Option func(*RemoteDriver)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *RemoteDriver) { d.http = c }
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(d *RemoteDriver) { d.apiKey = key }
}

// NewRemoteDriver creates a driver for the service at endpoint.
func NewRemoteDriver(endpoint string, opts ...Option) *RemoteDriver {
	d := &RemoteDriver{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		http:     &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ capture.Browser = (*RemoteDriver)(nil)

// CreateSession implements capture.Browser.
func (d *RemoteDriver) CreateSession(ctx context.Context) (capture.Session, error) {
	var s capture.Session
	if err := d.do(ctx, http.MethodPost, "/sessions", struct{}{}, &s); err != nil {
		return capture.Session{}, fmt.Errorf("create session: %w", err)
	}
	if s.ID == "" {
		return capture.Session{}, fmt.Errorf("create session: driver returned no session id")
	}
	return s, nil
}

// ReleaseSession implements capture.Browser. Releasing a session the
// driver no longer knows is not an error.
func (d *RemoteDriver) ReleaseSession(ctx context.Context, sessionID string) error {
	err := d.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(sessionID), nil, nil)
	var httpErr *flowerrors.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release session %s: %w", sessionID, err)
	}
	return nil
}

// Connect implements capture.Browser.
func (d *RemoteDriver) Connect(ctx context.Context, s capture.Session) (capture.Page, error) {
	req := struct {
		SessionID  string `json:"sessionId"`
		ConnectURL string `json:"connectUrl"`
	}{s.ID, s.ConnectURL}
	var resp struct {
		ID string `json:"id"`
	}
	if err := d.do(ctx, http.MethodPost, "/pages", req, &resp); err != nil {
		return nil, fmt.Errorf("connect page: %w", err)
	}
	return &remotePage{d: d, id: resp.ID}, nil
}

type remotePage struct {
	d  *RemoteDriver
	id string
}

func (p *remotePage) path(action string) string {
	return "/pages/" + url.PathEscape(p.id) + "/" + action
}

func (p *remotePage) Navigate(ctx context.Context, target string) error {
	return p.d.do(ctx, http.MethodPost, p.path("navigate"), map[string]string{"url": target}, nil)
}

func (p *remotePage) ScrollTo(ctx context.Context, selector string) error {
	return p.d.do(ctx, http.MethodPost, p.path("scroll"), map[string]string{"selector": selector}, nil)
}

func (p *remotePage) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := p.d.do(ctx, http.MethodPost, p.path("evaluate"), map[string]string{"expression": expression}, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (p *remotePage) Screenshot(ctx context.Context) ([]byte, error) {
	var resp struct {
		Data []byte `json:"data"`
	}
	if err := p.d.do(ctx, http.MethodPost, p.path("screenshot"), struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (p *remotePage) Close(ctx context.Context) error {
	return p.d.do(ctx, http.MethodPost, p.path("close"), struct{}{}, nil)
}

// do sends a JSON request and decodes a JSON response into out. Non-2xx
// responses become *errors.HTTPError (or *errors.RateLimitError for 429)
// so step retry can classify them.
func (d *RemoteDriver) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return flowerrors.Transient(err, method+" "+path)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return flowerrors.RateLimitFromHeaders(resp.Header.Get, errorMessage(resp))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &flowerrors.HTTPError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(resp),
			Endpoint:   path,
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func errorMessage(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	if msg := strings.TrimSpace(string(data)); msg != "" {
		return msg
	}
	return http.StatusText(resp.StatusCode)
}
