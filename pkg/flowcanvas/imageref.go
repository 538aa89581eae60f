package flowcanvas

import (
	"net/url"
	"path"
	"strings"
)

// Local path prefixes served by the application itself.
var localImagePrefixes = []string{"/uploads/", "/generated/", "/assets/", "/captures/"}

// Storage hosts and path markers recognized as object-storage URLs.
var (
	storageSchemes     = []string{"gs://", "s3://"}
	storageHostSuffix  = []string{".storage.googleapis.com", "storage.googleapis.com", ".amazonaws.com", ".r2.cloudflarestorage.com"}
	storagePathMarkers = []string{"/storage/v1/object/"}
)

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".svg": true, ".avif": true, ".bmp": true,
}

// ValidImageRef reports whether ref can be handed to a generation call
// as an image. Accepted forms are image data URLs, known local paths,
// object-storage URLs, and http(s) URLs whose path has an image extension.
func ValidImageRef(ref string) bool {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return false
	}

	if strings.HasPrefix(ref, "data:") {
		return strings.HasPrefix(ref, "data:image/") && strings.Contains(ref, ",")
	}

	for _, p := range localImagePrefixes {
		if strings.HasPrefix(ref, p) {
			return true
		}
	}

	for _, s := range storageSchemes {
		if strings.HasPrefix(ref, s) && len(ref) > len(s) {
			return true
		}
	}

	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}

	host := strings.ToLower(u.Hostname())
	for _, suffix := range storageHostSuffix {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	for _, marker := range storagePathMarkers {
		if strings.Contains(u.Path, marker) {
			return true
		}
	}

	return imageExtensions[strings.ToLower(path.Ext(u.Path))]
}
