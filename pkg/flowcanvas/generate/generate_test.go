package generate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flowerrors "github.com/randalmurphal/flowcanvas/pkg/flowcanvas/errors"
)

func named(name string) Generator {
	return GeneratorFunc(func(context.Context, Request) (*Response, error) {
		return &Response{Text: name}, nil
	})
}

// TestRouter verifies prefix dispatch and the fallback.
func TestRouter(t *testing.T) {
	r := NewRouter().
		Handle("gemini", named("gemini")).
		Handle("gemini-2.5-flash-image", named("gemini-image")).
		Handle("claude", named("claude")).
		Handle("gpt", named("openai"))

	tests := map[string]string{
		"gemini-2.0-flash":               "gemini",
		"gemini-2.5-flash-image-preview": "gemini-image",
		"Claude-Sonnet-4":                "claude",
		"gpt-4o":                         "openai",
	}
	for model, want := range tests {
		res, err := r.Generate(context.Background(), Request{Model: model})
		require.NoError(t, err, model)
		assert.Equal(t, want, res.Text, model)
	}

	_, err := r.Generate(context.Background(), Request{Model: "llama"})
	assert.ErrorIs(t, err, ErrNoGenerator)

	r.Fallback(named("http"))
	res, err := r.Generate(context.Background(), Request{Model: "llama"})
	require.NoError(t, err)
	assert.Equal(t, "http", res.Text)
}

// TestBuildPrompt verifies inputs, image order and the code instruction.
func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt(Request{
		Prompt:         "Make a banner",
		TextInputs:     []TextInput{{Label: "tone", Text: " playful "}},
		Images:         []Image{{URL: "a", Sequence: 1}, {URL: "b", Sequence: 2}},
		Output:         OutputCode,
		TargetLanguage: "html",
	})
	assert.Contains(t, p, "Make a banner")
	assert.Contains(t, p, "- tone: playful")
	assert.Contains(t, p, "image 1, image 2")
	assert.Contains(t, p, "code in html")

	single := BuildPrompt(Request{Prompt: "x", Images: []Image{{URL: "a"}}})
	assert.NotContains(t, single, "numbered")
}

// TestParseFiles verifies multi-file extraction.
func TestParseFiles(t *testing.T) {
	text := "Here you go.\n<file path=\"index.html\">\n<div></div>\n</file>\n" +
		"<file path=\"style.css\">\n```css\nbody {}\n```\n</file>"

	files := ParseFiles(text)
	require.Len(t, files, 2)
	assert.Equal(t, File{Path: "index.html", Content: "<div></div>", Language: "html"}, files[0])
	assert.Equal(t, File{Path: "style.css", Content: "body {}", Language: "css"}, files[1])

	assert.Nil(t, ParseFiles("just text"))
}

// TestCodeResponse verifies fence stripping for single-file output.
func TestCodeResponse(t *testing.T) {
	res := CodeResponse("```js\nconsole.log(1)\n```")
	assert.Equal(t, "console.log(1)", res.Text)
	assert.Empty(t, res.Files)

	res = CodeResponse(`<file path="a.js">1</file><file path="b.js">2</file>`)
	assert.Equal(t, "1", res.Text)
	assert.Len(t, res.Files, 2)
}

// TestDecodeDataURL verifies data URL decoding.
func TestDecodeDataURL(t *testing.T) {
	mt, data, err := DecodeDataURL(DataURL("image/png", []byte("png")))
	require.NoError(t, err)
	assert.Equal(t, "image/png", mt)
	assert.Equal(t, []byte("png"), data)

	_, _, err = DecodeDataURL("data:image/png;base64")
	assert.Error(t, err)
}

// TestImageLoader verifies local paths resolve against the base URL.
func TestImageLoader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/uploads/cat.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("cat"))
	}))
	defer srv.Close()

	l := ImageLoader{BaseURL: srv.URL}
	mt, data, err := l.Load(context.Background(), "/uploads/cat.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", mt)
	assert.Equal(t, []byte("cat"), data)

	_, _, err = l.Load(context.Background(), srv.URL+"/missing.png")
	assert.Error(t, err)

	_, _, err = ImageLoader{}.Load(context.Background(), "/uploads/cat.png")
	assert.Error(t, err)

	_, _, err = l.Load(context.Background(), "gs://bucket/cat.png")
	assert.Error(t, err)
}

// TestHTTPGenerator verifies the endpoint contract.
func TestHTTPGenerator(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		headers map[string]string
		body    string
		check   func(t *testing.T, res *Response, err error)
	}{
		{
			name:   "success with image",
			status: http.StatusOK,
			body:   `{"success":true,"outputImage":"data:image/png;base64,AA=="}`,
			check: func(t *testing.T, res *Response, err error) {
				require.NoError(t, err)
				assert.Equal(t, "data:image/png;base64,AA==", res.ImageURL)
			},
		},
		{
			name:   "structured files",
			status: http.StatusOK,
			body:   `{"success":true,"structuredOutput":{"files":[{"path":"a.js","content":"1"},{"path":"b.js","content":"2"}]}}`,
			check: func(t *testing.T, res *Response, err error) {
				require.NoError(t, err)
				assert.Len(t, res.Files, 2)
				assert.Equal(t, "1", res.Text)
			},
		},
		{
			name:   "success false",
			status: http.StatusOK,
			body:   `{"success":false,"error":"safety filter"}`,
			check: func(t *testing.T, res *Response, err error) {
				require.Error(t, err)
				assert.Equal(t, "safety filter", err.Error())
			},
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			body:   `{"error":"upstream down"}`,
			check: func(t *testing.T, res *Response, err error) {
				var httpErr *flowerrors.HTTPError
				require.ErrorAs(t, err, &httpErr)
				assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
				assert.Equal(t, "upstream down", httpErr.Message)
			},
		},
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			headers: map[string]string{
				"X-RateLimit-Limit":     "10",
				"X-RateLimit-Remaining": "0",
				"X-RateLimit-Reset":     "1700000000",
			},
			body: `{"success":false,"error":"slow down"}`,
			check: func(t *testing.T, res *Response, err error) {
				rl, ok := flowerrors.AsRateLimit(err)
				require.True(t, ok)
				assert.Equal(t, 10, rl.Limit)
				assert.Equal(t, 0, rl.Remaining)
				assert.Equal(t, int64(1700000000), rl.Reset)
				assert.Equal(t, "slow down", rl.Message)
			},
		},
		{
			name:   "rate limited with quota in body",
			status: http.StatusTooManyRequests,
			body:   `{"success":false,"error":"quota","limit":10,"remaining":0,"reset":1700000000}`,
			check: func(t *testing.T, res *Response, err error) {
				rl, ok := flowerrors.AsRateLimit(err)
				require.True(t, ok)
				assert.Equal(t, 10, rl.Limit)
				assert.Equal(t, 0, rl.Remaining)
				assert.Equal(t, int64(1700000000), rl.Reset)
				assert.Equal(t, "quota", rl.Message)
			},
		},
		{
			name:   "rate limited body overrides headers",
			status: http.StatusTooManyRequests,
			headers: map[string]string{
				"X-RateLimit-Limit":     "99",
				"X-RateLimit-Remaining": "5",
				"X-RateLimit-Reset":     "1600000000",
			},
			body: `{"success":false,"limit":10,"remaining":0}`,
			check: func(t *testing.T, res *Response, err error) {
				rl, ok := flowerrors.AsRateLimit(err)
				require.True(t, ok)
				assert.Equal(t, 10, rl.Limit)
				assert.Equal(t, 0, rl.Remaining)
				assert.Equal(t, int64(1600000000), rl.Reset)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Request
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
				require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			g := NewHTTPGenerator(srv.URL, WithHeader("Authorization", "Bearer k"))
			res, err := g.Generate(context.Background(), Request{Prompt: "p", Model: "m", Output: OutputImage})
			tt.check(t, res, err)
			assert.Equal(t, "p", got.Prompt)
			assert.Equal(t, OutputImage, got.Output)
		})
	}
}

// TestHTTPGenerator_Cancelled verifies a cancelled context surfaces as such.
func TestHTTPGenerator_Cancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHTTPGenerator(srv.URL).Generate(ctx, Request{})
	assert.True(t, errors.Is(err, context.Canceled))
}

// TestRateLimitFromResponse verifies provider header families.
func TestRateLimitFromResponse(t *testing.T) {
	h := http.Header{}
	h.Set("anthropic-ratelimit-requests-limit", "50")
	h.Set("anthropic-ratelimit-requests-remaining", "0")
	h.Set("Retry-After", "30")

	rl := RateLimitFromResponse(h, "")
	assert.Equal(t, 50, rl.Limit)
	assert.Equal(t, 0, rl.Remaining)
	assert.NotZero(t, rl.Reset)
}
