package capture

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Status is the state of a capture record. Transitions only move forward:
// pending -> processing -> completed | failed. A pending record may also
// fail directly. Terminal states are absorbing.
type Status string

// Record statuses.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a record may move from one status to another.
// Re-entering the same status is never allowed.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// priorsFor lists every status that may transition to to.
func priorsFor(to Status) []Status {
	var out []Status
	for _, s := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed} {
		if CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}

// Errors returned by stores and the orchestrator.
var (
	ErrNotFound      = errors.New("capture not found")
	ErrStoreClosed   = errors.New("capture store is closed")
	ErrInvalidParams = errors.New("invalid capture parameters")

	// ErrStateConflict means the record was not in the status a step expected.
	ErrStateConflict = errors.New("capture record state conflict")
)

// Params are the inputs of a capture request.
type Params struct {
	URL      string        `json:"url"`
	Selector string        `json:"selector,omitempty"`
	Duration time.Duration `json:"-"`
}

// normalize validates p and clamps its duration to [0, maxDuration].
func (p Params) normalize(maxDuration time.Duration) (Params, error) {
	p.URL = strings.TrimSpace(p.URL)
	p.Selector = strings.TrimSpace(p.Selector)

	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return p, fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidParams)
	}

	if p.Duration < 0 {
		p.Duration = 0
	}
	if maxDuration > 0 && p.Duration > maxDuration {
		p.Duration = maxDuration
	}
	return p, nil
}

// BoundingBox is the target element's box in CSS pixels.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Keyframes is one CSS @keyframes rule found on the page.
type Keyframes struct {
	Name string `json:"name"`
	CSS  string `json:"css"`
}

// Frame is a sample of the target's computed style at a point in time.
// At is milliseconds since sampling started.
type Frame struct {
	At     float64           `json:"t"`
	Styles map[string]string `json:"styles"`
}

// AnimationContext is the snapshot collected from the page. It is not
// modified after capture.
type AnimationContext struct {
	Libraries   map[string]bool   `json:"libraries"`
	Keyframes   []Keyframes       `json:"keyframes"`
	Frames      []Frame           `json:"frames"`
	FinalStyles map[string]string `json:"finalStyles"`
	HTMLSnippet string            `json:"htmlSnippet"`
	BoundingBox *BoundingBox      `json:"boundingBox,omitempty"`
}

// MaxHTMLSnippet caps AnimationContext.HTMLSnippet, in bytes.
const MaxHTMLSnippet = 4000

// Result is written onto the record when a capture completes.
type Result struct {
	PageTitle        string            `json:"pageTitle"`
	ReplayURL        string            `json:"replayUrl,omitempty"`
	SessionID        string            `json:"sessionId"`
	AssetURL         string            `json:"assetUrl"`
	AnimationContext *AnimationContext `json:"animationContext"`
}

// Record is the durable state of one capture. It, not the event stream,
// is the source of truth for a capture's outcome.
type Record struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	URL       string    `json:"url"`
	Selector  string    `json:"selector,omitempty"`
	Duration  float64   `json:"duration"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Result    *Result   `json:"result,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Params returns the request parameters stored on r.
func (r *Record) Params() Params {
	return Params{
		URL:      r.URL,
		Selector: r.Selector,
		Duration: time.Duration(r.Duration * float64(time.Second)),
	}
}

// MaxMessageLen caps failure messages stored on records and sent to clients.
const MaxMessageLen = 500

// sanitizeMessage replaces control characters with spaces, collapses
// runs of whitespace, and caps the result at MaxMessageLen characters.
func sanitizeMessage(msg string) string {
	msg = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, msg)
	msg = strings.Join(strings.Fields(msg), " ")

	runes := []rune(msg)
	if len(runes) > MaxMessageLen {
		msg = string(runes[:MaxMessageLen-3]) + "..."
	}
	return msg
}
