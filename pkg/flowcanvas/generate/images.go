package generate

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
)

// MaxImageBytes caps images fetched for providers that need raw bytes.
const MaxImageBytes = 20 << 20

// ImageLoader resolves image references to bytes. Data URLs are decoded in
// place; local paths are resolved against BaseURL; http(s) URLs are fetched.
type ImageLoader struct {
	BaseURL string
	Client  *http.Client
}

// Load returns the MIME type and content of ref.
func (l ImageLoader) Load(ctx context.Context, ref string) (string, []byte, error) {
	if strings.HasPrefix(ref, "data:") {
		return DecodeDataURL(ref)
	}

	target := ref
	if strings.HasPrefix(ref, "/") {
		if l.BaseURL == "" {
			return "", nil, fmt.Errorf("cannot resolve local image %s without a base URL", ref)
		}
		target = strings.TrimSuffix(l.BaseURL, "/") + ref
	}
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return "", nil, fmt.Errorf("unsupported image reference %q", ref)
	}

	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create image request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("fetch image %s: status %d", ref, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageBytes+1))
	if err != nil {
		return "", nil, fmt.Errorf("read image: %w", err)
	}
	if len(data) > MaxImageBytes {
		return "", nil, fmt.Errorf("image %s exceeds %d bytes", ref, MaxImageBytes)
	}

	mt := resp.Header.Get("Content-Type")
	if mt == "" || mt == "application/octet-stream" {
		mt = mime.TypeByExtension(path.Ext(req.URL.Path))
	}
	if mt == "" {
		mt = http.DetectContentType(data)
	}
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt, data, nil
}

// DecodeDataURL decodes a data URL. Payloads not marked base64 are
// returned as is.
func DecodeDataURL(ref string) (string, []byte, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return "", nil, fmt.Errorf("malformed data URL")
	}
	mt := header
	isBase64 := false
	if strings.HasSuffix(header, ";base64") {
		mt = strings.TrimSuffix(header, ";base64")
		isBase64 = true
	}
	if mt == "" {
		mt = "text/plain"
	}
	if !isBase64 {
		return mt, []byte(payload), nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode data URL: %w", err)
	}
	return mt, data, nil
}

// DataURL encodes data as a base64 data URL.
func DataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
