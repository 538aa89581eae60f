// Package generate defines the generation collaborator the node executor
// calls, and routes requests to provider adapters by model name.
package generate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// OutputKind is the kind of result a request asks for.
type OutputKind string

// Output kinds.
const (
	OutputImage OutputKind = "image"
	OutputCode  OutputKind = "code"
	OutputText  OutputKind = "text"
)

// Image is an input image. Sequence is 1-based and is zero when the
// request carries a single image.
type Image struct {
	URL      string `json:"url"`
	Sequence int    `json:"sequence,omitempty"`
}

// TextInput is a labeled text value feeding the prompt.
type TextInput struct {
	Label string `json:"label"`
	Text  string `json:"text"`
}

// Request is one generation call.
type Request struct {
	NodeID         string      `json:"nodeId,omitempty"`
	Prompt         string      `json:"prompt"`
	Model          string      `json:"model"`
	Images         []Image     `json:"images,omitempty"`
	TextInputs     []TextInput `json:"textInputs,omitempty"`
	Output         OutputKind  `json:"output"`
	TargetLanguage string      `json:"targetLanguage,omitempty"`
}

// File is one file of a structured code result.
type File struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
}

// Response is the result of a generation call. ImageURL is set for image
// output, Text for text and single-file code, Files for multi-file code.
type Response struct {
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"outputImage,omitempty"`
	Files    []File `json:"files,omitempty"`
}

// Generator produces outputs from prompts.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (*Response, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// ErrNoGenerator is returned by Router when no route matches a model.
var ErrNoGenerator = errors.New("no generator for model")

// Router dispatches requests by model-name prefix. The longest matching
// prefix wins; unmatched models go to the fallback, if set.
type Router struct {
	routes   []route
	fallback Generator
}

type route struct {
	prefix string
	gen    Generator
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{}
}

// Handle routes models starting with prefix (case-insensitive) to g.
func (r *Router) Handle(prefix string, g Generator) *Router {
	r.routes = append(r.routes, route{prefix: strings.ToLower(prefix), gen: g})
	sort.SliceStable(r.routes, func(i, j int) bool {
		return len(r.routes[i].prefix) > len(r.routes[j].prefix)
	})
	return r
}

// Fallback sets the generator for models no prefix matches.
func (r *Router) Fallback(g Generator) *Router {
	r.fallback = g
	return r
}

// Generate implements Generator.
func (r *Router) Generate(ctx context.Context, req Request) (*Response, error) {
	model := strings.ToLower(strings.TrimSpace(req.Model))
	for _, rt := range r.routes {
		if strings.HasPrefix(model, rt.prefix) {
			return rt.gen.Generate(ctx, req)
		}
	}
	if r.fallback != nil {
		return r.fallback.Generate(ctx, req)
	}
	return nil, fmt.Errorf("%w %q", ErrNoGenerator, req.Model)
}
