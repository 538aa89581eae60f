// Package anthropic adapts Claude models to generate.Generator. It is
// used for code output; <file path="..."> blocks in the reply become
// structured files.
package anthropic

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	flowerrors "github.com/randalmurphal/flowcanvas/pkg/flowcanvas/errors"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/generate"
)

// DefaultMaxTokens bounds a single reply.
const DefaultMaxTokens = 8192

// Generator calls the Anthropic Messages API.
type Generator struct {
	client    *sdk.Client
	images    generate.ImageLoader
	maxTokens int64
	reqOpts   []option.RequestOption
}

// Option configures a Generator.
type Option func(*Generator)

// WithImageLoader sets how input images are resolved to bytes.
func WithImageLoader(l generate.ImageLoader) Option {
	return func(g *Generator) { g.images = l }
}

// WithMaxTokens sets the reply token limit.
func WithMaxTokens(n int64) Option {
	return func(g *Generator) { g.maxTokens = n }
}

// WithRequestOptions passes options to the SDK client, e.g. a base URL.
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(g *Generator) { g.reqOpts = append(g.reqOpts, opts...) }
}

// New creates a generator.
func New(apiKey string, opts ...Option) *Generator {
	g := &Generator{maxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(g)
	}
	client := sdk.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, g.reqOpts...)...)
	g.client = &client
	return g
}

// Generate implements generate.Generator.
func (g *Generator) Generate(ctx context.Context, req generate.Request) (*generate.Response, error) {
	var blocks []sdk.ContentBlockParamUnion
	for _, img := range req.Images {
		mt, data, err := g.images.Load(ctx, img.URL)
		if err != nil {
			return nil, fmt.Errorf("load image: %w", err)
		}
		blocks = append(blocks, sdk.NewImageBlockBase64(mt, base64.StdEncoding.EncodeToString(data)))
	}
	blocks = append(blocks, sdk.NewTextBlock(generate.BuildPrompt(req)))

	message, err := g.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: g.maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(blocks...),
		},
	})
	if err != nil {
		return nil, mapError(ctx, err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("claude returned no text")
	}

	if req.Output == generate.OutputCode {
		return generate.CodeResponse(text.String()), nil
	}
	return &generate.Response{Text: strings.TrimSpace(text.String())}, nil
}

func mapError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var apiErr *sdk.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("claude: %w", err)
	}
	if apiErr.StatusCode == http.StatusTooManyRequests && apiErr.Response != nil {
		return generate.RateLimitFromResponse(apiErr.Response.Header, "Claude rate limit exceeded")
	}
	return &flowerrors.HTTPError{StatusCode: apiErr.StatusCode, Message: err.Error(), Endpoint: "anthropic messages"}
}
