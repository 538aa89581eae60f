package capture

import (
	"context"
	"encoding/json"
)

// Session is a remote browser session.
type Session struct {
	ID string `json:"id"`
	// ConnectURL is handed to Browser.Connect.
	ConnectURL string `json:"connectUrl"`
	// LiveViewURL lets a user watch the session while it runs.
	LiveViewURL string `json:"liveViewUrl,omitempty"`
	// ReplayURL points at the recording once the session ends.
	ReplayURL string `json:"replayUrl,omitempty"`
}

// Browser provisions remote browser sessions.
type Browser interface {
	CreateSession(ctx context.Context) (Session, error)
	Connect(ctx context.Context, s Session) (Page, error)
	ReleaseSession(ctx context.Context, sessionID string) error
}

// Page drives a single page inside a session.
type Page interface {
	Navigate(ctx context.Context, url string) error
	// ScrollTo scrolls the first element matching selector into view.
	ScrollTo(ctx context.Context, selector string) error
	// Evaluate runs a JavaScript expression and returns its JSON result.
	Evaluate(ctx context.Context, expression string) (json.RawMessage, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}
