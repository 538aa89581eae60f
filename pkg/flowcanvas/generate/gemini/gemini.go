// Package gemini adapts Gemini models to generate.Generator. Gemini
// accepts input images inline and can return images as well as text.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	flowerrors "github.com/randalmurphal/flowcanvas/pkg/flowcanvas/errors"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/generate"
)

// Generator calls the Gemini API.
type Generator struct {
	client *genai.Client
	images generate.ImageLoader
}

// New creates a generator. Close releases the client.
func New(ctx context.Context, apiKey string, images generate.ImageLoader, opts ...option.ClientOption) (*Generator, error) {
	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Generator{client: client, images: images}, nil
}

// Close releases the client.
func (g *Generator) Close() error {
	return g.client.Close()
}

// Generate implements generate.Generator.
func (g *Generator) Generate(ctx context.Context, req generate.Request) (*generate.Response, error) {
	parts := make([]genai.Part, 0, len(req.Images)+1)
	for _, img := range req.Images {
		mt, data, err := g.images.Load(ctx, img.URL)
		if err != nil {
			return nil, fmt.Errorf("load image: %w", err)
		}
		parts = append(parts, genai.Blob{MIMEType: mt, Data: data})
	}
	parts = append(parts, genai.Text(generate.BuildPrompt(req)))

	model := g.client.GenerativeModel(req.Model)
	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, mapError(ctx, err)
	}
	return parseResponse(resp, req.Output)
}

func parseResponse(resp *genai.GenerateContentResponse, kind generate.OutputKind) (*generate.Response, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini returned no candidates")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return nil, fmt.Errorf("gemini returned empty content")
	}

	var text strings.Builder
	var image string
	for _, part := range candidate.Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			text.WriteString(string(p))
		case genai.Blob:
			if image == "" && strings.HasPrefix(p.MIMEType, "image/") {
				image = generate.DataURL(p.MIMEType, p.Data)
			}
		}
	}

	switch kind {
	case generate.OutputImage:
		if image == "" {
			return nil, fmt.Errorf("gemini returned no image")
		}
		return &generate.Response{ImageURL: image, Text: strings.TrimSpace(text.String())}, nil
	case generate.OutputCode:
		return generate.CodeResponse(text.String()), nil
	default:
		return &generate.Response{Text: strings.TrimSpace(text.String())}, nil
	}
}

// mapError classifies Gemini errors. The client reports quota exhaustion
// only in the message text.
func mapError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED") {
		return &flowerrors.RateLimitError{Message: "Gemini rate limit exceeded"}
	}
	if strings.Contains(msg, "503") || strings.Contains(msg, "UNAVAILABLE") {
		return flowerrors.Transient(err, "gemini")
	}
	return fmt.Errorf("gemini: %w", err)
}
