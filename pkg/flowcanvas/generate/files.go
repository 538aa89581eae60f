package generate

import (
	"path"
	"regexp"
	"strings"
)

var (
	fileBlockRe = regexp.MustCompile(`(?s)<file\s+path="([^"]+)"\s*>(.*?)</file>`)
	fenceRe     = regexp.MustCompile("(?s)^\\s*```[\\w+#.-]*\\s*\\n(.*?)\\n?```\\s*$")
)

var extLanguages = map[string]string{
	".html": "html", ".htm": "html", ".css": "css", ".js": "javascript",
	".jsx": "javascript", ".ts": "typescript", ".tsx": "typescript",
	".py": "python", ".go": "go", ".json": "json", ".md": "markdown",
	".svg": "svg", ".sh": "bash", ".rs": "rust", ".java": "java",
}

// ParseFiles extracts <file path="..."> blocks from model output. It
// returns nil when the text has no such blocks.
func ParseFiles(text string) []File {
	matches := fileBlockRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	files := make([]File, 0, len(matches))
	for _, m := range matches {
		p := strings.TrimSpace(m[1])
		files = append(files, File{
			Path:     p,
			Content:  StripFences(strings.Trim(m[2], "\n")),
			Language: LanguageFor(p),
		})
	}
	return files
}

// StripFences removes a single Markdown code fence wrapping text.
func StripFences(text string) string {
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return text
}

// LanguageFor guesses a language from a file name's extension.
func LanguageFor(name string) string {
	return extLanguages[strings.ToLower(path.Ext(name))]
}

// CodeResponse turns raw model text into a code response: structured files
// when present, otherwise the unfenced text.
func CodeResponse(text string) *Response {
	if files := ParseFiles(text); len(files) > 0 {
		return &Response{Text: files[0].Content, Files: files}
	}
	return &Response{Text: StripFences(strings.TrimSpace(text))}
}
