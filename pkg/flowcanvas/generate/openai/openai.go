// Package openai adapts OpenAI chat models to generate.Generator for text
// and code output.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	flowerrors "github.com/randalmurphal/flowcanvas/pkg/flowcanvas/errors"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/generate"
)

// Generator calls the Chat Completions API.
type Generator struct {
	client *sdk.Client
}

// New creates a generator. Request options are passed to the SDK client.
func New(apiKey string, reqOpts ...option.RequestOption) *Generator {
	client := sdk.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, reqOpts...)...)
	return &Generator{client: &client}
}

// Generate implements generate.Generator. Images are passed by URL.
func (g *Generator) Generate(ctx context.Context, req generate.Request) (*generate.Response, error) {
	prompt := generate.BuildPrompt(req)

	content := sdk.ChatCompletionUserMessageParamContentUnion{OfString: sdk.String(prompt)}
	if len(req.Images) > 0 {
		parts := []sdk.ChatCompletionContentPartUnionParam{sdk.TextContentPart(prompt)}
		for _, img := range req.Images {
			parts = append(parts, sdk.ImageContentPart(sdk.ChatCompletionContentPartImageImageURLParam{URL: img.URL}))
		}
		content = sdk.ChatCompletionUserMessageParamContentUnion{OfArrayOfContentParts: parts}
	}

	completion, err := g.client.Chat.Completions.New(ctx, sdk.ChatCompletionNewParams{
		Model: shared.ChatModel(req.Model),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			{
				OfUser: &sdk.ChatCompletionUserMessageParam{Content: content},
			},
		},
	})
	if err != nil {
		return nil, mapError(ctx, err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	text := completion.Choices[0].Message.Content
	if req.Output == generate.OutputCode {
		return generate.CodeResponse(text), nil
	}
	return &generate.Response{Text: strings.TrimSpace(text)}, nil
}

func mapError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var apiErr *sdk.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("openai: %w", err)
	}
	if apiErr.StatusCode == http.StatusTooManyRequests && apiErr.Response != nil {
		return generate.RateLimitFromResponse(apiErr.Response.Header, "OpenAI rate limit exceeded")
	}
	return &flowerrors.HTTPError{StatusCode: apiErr.StatusCode, Message: err.Error(), Endpoint: "openai chat completions"}
}
