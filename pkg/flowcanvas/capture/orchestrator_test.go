package capture_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/capture"
	flowerrors "github.com/randalmurphal/flowcanvas/pkg/flowcanvas/errors"
	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas/event"
)

type fakeBrowser struct {
	sessionErr    error
	sessionFails  int32
	navigateErr   error
	scrollErr     error
	screenshotErr error
	releaseErr    error
	extracted     string

	sessions   atomic.Int32
	releases   atomic.Int32
	pageCloses atomic.Int32

	mu          sync.Mutex
	expressions []string
}

func (b *fakeBrowser) CreateSession(context.Context) (capture.Session, error) {
	n := b.sessions.Add(1)
	if b.sessionErr != nil && n <= b.sessionFails {
		return capture.Session{}, b.sessionErr
	}
	return capture.Session{
		ID:          "sess-1",
		ConnectURL:  "ws://browser/sess-1",
		LiveViewURL: "https://live/sess-1",
		ReplayURL:   "https://replay/sess-1",
	}, nil
}

func (b *fakeBrowser) Connect(context.Context, capture.Session) (capture.Page, error) {
	return &fakePage{b: b}, nil
}

func (b *fakeBrowser) ReleaseSession(context.Context, string) error {
	b.releases.Add(1)
	return b.releaseErr
}

type fakePage struct{ b *fakeBrowser }

func (p *fakePage) Navigate(context.Context, string) error { return p.b.navigateErr }

func (p *fakePage) ScrollTo(context.Context, string) error { return p.b.scrollErr }

func (p *fakePage) Evaluate(_ context.Context, expr string) (json.RawMessage, error) {
	p.b.mu.Lock()
	p.b.expressions = append(p.b.expressions, expr)
	p.b.mu.Unlock()
	if strings.Contains(expr, "__flowcanvasFrames = []") {
		return json.RawMessage("true"), nil
	}
	if p.b.extracted != "" {
		return json.RawMessage(p.b.extracted), nil
	}
	return json.RawMessage(`{
		"title": "Demo page",
		"context": {
			"libraries": {"gsap": true, "lottie": false},
			"keyframes": [{"name": "spin", "css": "@keyframes spin {}"}],
			"frames": [{"t": 0, "styles": {"opacity": "0"}}, {"t": 100, "styles": {"opacity": "1"}}],
			"finalStyles": {"opacity": "1"},
			"htmlSnippet": "<div class=\"hero\"></div>",
			"boundingBox": {"x": 0, "y": 10, "width": 200, "height": 100}
		}
	}`), nil
}

func (p *fakePage) Screenshot(context.Context) ([]byte, error) {
	if p.b.screenshotErr != nil {
		return nil, p.b.screenshotErr
	}
	return []byte("png-bytes"), nil
}

func (p *fakePage) Close(context.Context) error {
	p.b.pageCloses.Add(1)
	return nil
}

type fakeAssets struct {
	err  error
	puts atomic.Int32
}

func (a *fakeAssets) Put(_ context.Context, key, _ string, _ io.Reader) (string, error) {
	a.puts.Add(1)
	if a.err != nil {
		return "", a.err
	}
	return "/captures/" + key, nil
}

// recordingStore wraps a MemoryStore and counts completed writes.
type recordingStore struct {
	*capture.MemoryStore
	completes atomic.Int32
}

func (s *recordingStore) UpdateWithResult(ctx context.Context, id string, r capture.Result) (bool, error) {
	s.completes.Add(1)
	return s.MemoryStore.UpdateWithResult(ctx, id, r)
}

type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func (l *eventLog) Emit(evt event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) types() []event.Type {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]event.Type, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

func (l *eventLog) last() event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

func newTestOrchestrator(store capture.Store, b capture.Browser, a capture.AssetStore, opts ...capture.Option) *capture.Orchestrator {
	base := []capture.Option{
		capture.WithStepRetry(flowerrors.NoRetry),
		capture.WithProgressInterval(5 * time.Millisecond),
	}
	return capture.NewOrchestrator(store, b, a, append(base, opts...)...)
}

// TestOrchestrator_Success verifies a full capture writes the result,
// releases the session once and ends the stream with complete.
func TestOrchestrator_Success(t *testing.T) {
	store := &recordingStore{MemoryStore: capture.NewMemoryStore()}
	browser := &fakeBrowser{}
	assets := capture.NewLocalAssetStore(t.TempDir(), "/captures")
	log := &eventLog{}

	o := newTestOrchestrator(store, browser, assets)
	id, res, err := o.Capture(context.Background(), "user-1", capture.Params{
		URL:      "https://example.com",
		Selector: ".hero",
		Duration: 20 * time.Millisecond,
	}, log)
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.Equal(t, "Demo page", res.PageTitle)
	assert.Equal(t, "sess-1", res.SessionID)
	assert.Equal(t, "https://replay/sess-1", res.ReplayURL)
	assert.Equal(t, "/captures/"+id+".png", res.AssetURL)
	require.NotNil(t, res.AnimationContext)
	assert.True(t, res.AnimationContext.Libraries["gsap"])
	assert.Len(t, res.AnimationContext.Frames, 2)

	rec, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, capture.StatusCompleted, rec.Status)
	assert.Equal(t, int32(1), browser.releases.Load())
	assert.Equal(t, int32(1), browser.pageCloses.Load())

	types := log.types()
	require.NotEmpty(t, types)
	assert.Equal(t, event.TypeStatus, types[0])
	assert.Contains(t, types, event.TypeProgress)
	assert.Equal(t, event.TypeComplete, types[len(types)-1])

	done, ok := log.last().Data.(capture.CompleteData)
	require.True(t, ok)
	assert.Equal(t, id, done.CaptureID)
	assert.Equal(t, "https://replay/sess-1", done.VideoURL)
}

// TestOrchestrator_PageFailureRollsBack verifies a failure while capturing
// the page marks the record failed, releases the session exactly once and
// never writes a completed result.
func TestOrchestrator_PageFailureRollsBack(t *testing.T) {
	store := &recordingStore{MemoryStore: capture.NewMemoryStore()}
	browser := &fakeBrowser{navigateErr: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	assets := &fakeAssets{}
	log := &eventLog{}

	o := newTestOrchestrator(store, browser, assets)
	id, res, err := o.Capture(context.Background(), "u", capture.Params{URL: "https://nowhere.invalid"}, log)
	require.Error(t, err)
	assert.Nil(t, res)

	var stepErr *capture.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, capture.StepCapturePage, stepErr.Step)

	rec, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, capture.StatusFailed, rec.Status)
	assert.Contains(t, rec.Message, "ERR_NAME_NOT_RESOLVED")

	assert.Equal(t, int32(1), browser.releases.Load())
	assert.Equal(t, int32(1), browser.pageCloses.Load())
	assert.Equal(t, int32(0), store.completes.Load())
	assert.Equal(t, int32(0), assets.puts.Load())

	last := log.last()
	assert.Equal(t, event.TypeError, last.Type)
	data, ok := last.Data.(capture.ErrorData)
	require.True(t, ok)
	assert.Equal(t, capture.StepCapturePage, data.Step)
}

// TestOrchestrator_SessionFailure verifies nothing is released when no
// session was opened.
func TestOrchestrator_SessionFailure(t *testing.T) {
	store := capture.NewMemoryStore()
	browser := &fakeBrowser{sessionErr: errors.New("quota exhausted"), sessionFails: 100}

	o := newTestOrchestrator(store, browser, &fakeAssets{})
	id, _, err := o.Capture(context.Background(), "u", capture.Params{URL: "https://example.com"}, nil)
	require.Error(t, err)

	rec, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, capture.StatusFailed, rec.Status)
	assert.Equal(t, int32(0), browser.releases.Load())
}

// TestOrchestrator_TransientSessionRetried verifies transient step errors
// are retried under the step policy.
func TestOrchestrator_TransientSessionRetried(t *testing.T) {
	store := capture.NewMemoryStore()
	browser := &fakeBrowser{
		sessionErr:   flowerrors.Transient(errors.New("503"), "create session"),
		sessionFails: 2,
	}
	retry := flowerrors.NewRetryConfig(
		flowerrors.WithMaxAttempts(3),
		flowerrors.WithInitialBackoff(time.Millisecond),
		flowerrors.WithMaxBackoff(2*time.Millisecond),
	)

	o := newTestOrchestrator(store, browser, &fakeAssets{}, capture.WithStepRetry(retry))
	_, res, err := o.Capture(context.Background(), "u", capture.Params{URL: "https://example.com"}, nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, int32(3), browser.sessions.Load())
}

// TestOrchestrator_UploadFailure verifies a failed upload releases the
// session and marks the record failed.
func TestOrchestrator_UploadFailure(t *testing.T) {
	store := &recordingStore{MemoryStore: capture.NewMemoryStore()}
	browser := &fakeBrowser{}

	o := newTestOrchestrator(store, browser, &fakeAssets{err: errors.New("disk full")})
	id, _, err := o.Capture(context.Background(), "u", capture.Params{URL: "https://example.com"}, nil)
	require.Error(t, err)

	rec, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, capture.StatusFailed, rec.Status)
	assert.Equal(t, int32(1), browser.releases.Load())
	assert.Equal(t, int32(0), store.completes.Load())
}

// TestOrchestrator_ReleaseFailureAfterSuccess verifies a failing release
// after the result is written leaves the record completed.
func TestOrchestrator_ReleaseFailureAfterSuccess(t *testing.T) {
	store := capture.NewMemoryStore()
	browser := &fakeBrowser{releaseErr: errors.New("already gone")}

	o := newTestOrchestrator(store, browser, &fakeAssets{})
	id, _, err := o.Capture(context.Background(), "u", capture.Params{URL: "https://example.com"}, nil)
	require.NoError(t, err)

	rec, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, capture.StatusCompleted, rec.Status)
	assert.Equal(t, int32(1), browser.releases.Load())
}

// TestOrchestrator_SelectorMissIsSoft verifies an unmatched selector falls
// back to the full page.
func TestOrchestrator_SelectorMissIsSoft(t *testing.T) {
	store := capture.NewMemoryStore()
	browser := &fakeBrowser{scrollErr: errors.New("no element")}
	log := &eventLog{}

	o := newTestOrchestrator(store, browser, &fakeAssets{})
	_, res, err := o.Capture(context.Background(), "u", capture.Params{URL: "https://example.com", Selector: "#gone"}, log)
	require.NoError(t, err)
	require.NotNil(t, res)

	browser.mu.Lock()
	defer browser.mu.Unlock()
	for _, expr := range browser.expressions {
		assert.NotContains(t, expr, "#gone")
	}
}

// TestOrchestrator_NotPending verifies a second run of the same record
// loses the status guard and leaves the first run's outcome intact.
func TestOrchestrator_NotPending(t *testing.T) {
	store := capture.NewMemoryStore()
	browser := &fakeBrowser{}
	o := newTestOrchestrator(store, browser, &fakeAssets{})

	id, p, err := o.Create(context.Background(), "u", capture.Params{URL: "https://example.com"})
	require.NoError(t, err)
	_, err = o.Run(context.Background(), id, p, nil)
	require.NoError(t, err)

	_, err = o.Run(context.Background(), id, p, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, capture.ErrStateConflict)

	rec, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, capture.StatusCompleted, rec.Status)
	assert.Equal(t, int32(1), browser.sessions.Load())
}

// TestOrchestrator_Cancelled verifies cancellation mid-recording rolls back.
func TestOrchestrator_Cancelled(t *testing.T) {
	store := capture.NewMemoryStore()
	browser := &fakeBrowser{}
	o := newTestOrchestrator(store, browser, &fakeAssets{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	id, _, err := o.Capture(ctx, "u", capture.Params{URL: "https://example.com", Duration: 10 * time.Second}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	rec, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, capture.StatusFailed, rec.Status)
	assert.Contains(t, rec.Message, "cancelled")
	assert.Equal(t, int32(1), browser.releases.Load())
}

// TestOrchestrator_StartDetached verifies a background run survives the
// cancellation of the context that started it.
func TestOrchestrator_StartDetached(t *testing.T) {
	store := capture.NewMemoryStore()
	o := newTestOrchestrator(store, &fakeBrowser{}, &fakeAssets{})

	ctx, cancel := context.WithCancel(context.Background())
	id, err := o.Start(ctx, "u", capture.Params{URL: "https://example.com", Duration: 20 * time.Millisecond}, nil)
	require.NoError(t, err)
	cancel()
	o.Wait()

	rec, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, capture.StatusCompleted, rec.Status)
}

// TestOrchestrator_InvalidParams verifies bad URLs never create a record.
func TestOrchestrator_InvalidParams(t *testing.T) {
	store := capture.NewMemoryStore()
	o := newTestOrchestrator(store, &fakeBrowser{}, &fakeAssets{})

	for _, u := range []string{"", "example.com", "ftp://example.com", "javascript:alert(1)"} {
		_, _, err := o.Create(context.Background(), "u", capture.Params{URL: u})
		assert.ErrorIs(t, err, capture.ErrInvalidParams, u)
	}
	recs, err := store.ListByUser(context.Background(), "u", 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

// TestOrchestrator_DurationClamped verifies the requested duration is
// capped at the configured maximum.
func TestOrchestrator_DurationClamped(t *testing.T) {
	store := capture.NewMemoryStore()
	o := newTestOrchestrator(store, &fakeBrowser{}, &fakeAssets{}, capture.WithMaxDuration(2*time.Second))

	id, p, err := o.Create(context.Background(), "u", capture.Params{URL: "https://example.com", Duration: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, p.Duration)

	rec, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, rec.Duration, 0.001)

	_, p, err = o.Create(context.Background(), "u", capture.Params{URL: "https://example.com", Duration: -time.Second})
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), p.Duration)
}

// TestOrchestrator_Recover verifies unfinished records from before the
// cutoff are failed while newer and finished records are left alone.
func TestOrchestrator_Recover(t *testing.T) {
	ctx := context.Background()
	store := capture.NewMemoryStore()
	o := newTestOrchestrator(store, &fakeBrowser{}, &fakeAssets{})

	stale, err := store.CreatePending(ctx, "u", capture.Params{URL: "https://example.com"})
	require.NoError(t, err)
	running, err := store.CreatePending(ctx, "u", capture.Params{URL: "https://example.com"})
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, running, capture.StatusProcessing, "", capture.StatusPending)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(2 * time.Millisecond)
	fresh, err := store.CreatePending(ctx, "u", capture.Params{URL: "https://example.com"})
	require.NoError(t, err)

	n, err := o.Recover(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{stale, running} {
		rec, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, capture.StatusFailed, rec.Status)
		assert.Equal(t, capture.InterruptedMessage, rec.Message)
	}
	rec, err := store.Get(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, capture.StatusPending, rec.Status)

	n, err = o.Recover(ctx, cutoff)
	require.NoError(t, err)
	assert.Zero(t, n)
}
