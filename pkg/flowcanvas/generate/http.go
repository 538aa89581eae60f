package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	flowerrors "github.com/randalmurphal/flowcanvas/pkg/flowcanvas/errors"
)

// HTTPGenerator posts requests as JSON to a generation endpoint.
//
// The endpoint answers with
//
//	{"success": true, "text": "...", "outputImage": "...", "structuredOutput": {"files": [...]}}
//
// A non-2xx status or "success": false is an error. A 429 becomes a
// *errors.RateLimitError carrying the endpoint's limit, remaining and
// reset values, read from the body ({"limit", "remaining", "reset"}) or
// else from rate-limit headers.
type HTTPGenerator struct {
	endpoint string
	http     *http.Client
	headers  map[string]string
}

// HTTPOption configures an HTTPGenerator.
type HTTPOption func(*HTTPGenerator)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(g *HTTPGenerator) { g.http = c }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) HTTPOption {
	return func(g *HTTPGenerator) { g.headers[key] = value }
}

// NewHTTPGenerator creates a generator for endpoint. Callers bound each
// call with the context's deadline.
func NewHTTPGenerator(endpoint string, opts ...HTTPOption) *HTTPGenerator {
	g := &HTTPGenerator{
		endpoint: endpoint,
		http:     &http.Client{},
		headers:  map[string]string{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type httpResponse struct {
	Success          bool   `json:"success"`
	Error            string `json:"error"`
	Text             string `json:"text"`
	OutputImage      string `json:"outputImage"`
	StructuredOutput *struct {
		Files []File `json:"files"`
	} `json:"structuredOutput"`

	// Set on 429 responses by endpoints that report quota in the body.
	Limit     *int   `json:"limit"`
	Remaining *int   `json:"remaining"`
	Reset     *int64 `json:"reset"`
}

// rateLimit builds the 429 error. Body fields win over headers; a field
// missing from the body falls back to the header families.
func (r httpResponse) rateLimit(h http.Header) *flowerrors.RateLimitError {
	rl := RateLimitFromResponse(h, r.Error)
	if r.Limit != nil {
		rl.Limit = *r.Limit
	}
	if r.Remaining != nil {
		rl.Remaining = *r.Remaining
	}
	if r.Reset != nil {
		rl.Reset = *r.Reset
	}
	return rl
}

// Generate implements Generator.
func (g *HTTPGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range g.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := g.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, flowerrors.Transient(err, "generation request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var out httpResponse
	decodeErr := json.Unmarshal(data, &out)

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, out.rateLimit(resp.Header)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := out.Error
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &flowerrors.HTTPError{StatusCode: resp.StatusCode, Message: msg, Endpoint: g.endpoint}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode response: %w", decodeErr)
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "generation failed"
		}
		return nil, errors.New(msg)
	}

	res := &Response{Text: out.Text, ImageURL: out.OutputImage}
	if out.StructuredOutput != nil {
		res.Files = out.StructuredOutput.Files
		if res.Text == "" && len(res.Files) > 0 {
			res.Text = res.Files[0].Content
		}
	}
	return res, nil
}
