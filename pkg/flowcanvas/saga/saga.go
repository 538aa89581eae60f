// Package saga provides a rollback stack for multi-step work that acquires
// external resources.
//
// Each step that acquires something pushes a compensation before the next
// step runs. If a later step fails, Compensate runs every pushed
// compensation in reverse order. A failing or panicking compensation is
// logged and does not stop the others.
//
//	s := saga.New(saga.WithLogger(logger))
//	if err := s.Step(ctx, "open", open); err != nil {
//	    return err
//	}
//	s.Push("close", closeFn)
//	if err := s.Step(ctx, "use", use, saga.WithRetry(flowerrors.DefaultRetry)); err != nil {
//	    s.Compensate(ctx)
//	    return err
//	}
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	flowerrors "github.com/randalmurphal/flowcanvas/pkg/flowcanvas/errors"
)

// Status represents the state of a saga or of one of its steps.
type Status string

// Status constants.
const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusCompensated Status = "compensated"
	StatusFailed      Status = "failed"
)

// CompensationFunc undoes or mitigates an earlier step.
type CompensationFunc func(ctx context.Context) error

// Compensation is a named entry on the rollback stack.
type Compensation struct {
	Name string
	Fn   CompensationFunc
}

// StepRecord is the history entry for one step.
type StepRecord struct {
	Name       string        `json:"name"`
	Status     Status        `json:"status"`
	Error      string        `json:"error,omitempty"`
	Attempts   int           `json:"attempts"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// StepError reports which step failed.
type StepError struct {
	Step     string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

// Unwrap returns the step's error.
func (e *StepError) Unwrap() error {
	return e.Err
}

// Saga runs steps and holds the rollback stack. It is safe for concurrent
// use, though steps of one saga normally run sequentially.
type Saga struct {
	id       string
	logger   *slog.Logger
	observer func(StepRecord)

	mu     sync.Mutex
	stack  []Compensation
	steps  []StepRecord
	status Status
}

// Option configures a Saga.
type Option func(*Saga)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Saga) { s.logger = logger }
}

// WithID sets the saga id used in log lines. The default is generated.
func WithID(id string) Option {
	return func(s *Saga) { s.id = id }
}

// WithObserver registers fn to receive every finished step record.
func WithObserver(fn func(StepRecord)) Option {
	return func(s *Saga) { s.observer = fn }
}

// New creates a saga.
func New(opts ...Option) *Saga {
	s := &Saga{
		id:     fmt.Sprintf("saga-%s", uuid.New().String()[:8]),
		logger: slog.Default(),
		status: StatusRunning,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the saga id.
func (s *Saga) ID() string { return s.id }

type stepConfig struct {
	retry   flowerrors.RetryConfig
	timeout time.Duration
}

// StepOption configures a single step.
type StepOption func(*stepConfig)

// WithRetry retries the step per cfg when it fails with a retryable error.
func WithRetry(cfg flowerrors.RetryConfig) StepOption {
	return func(c *stepConfig) { c.retry = cfg }
}

// WithTimeout bounds each attempt of the step.
func WithTimeout(d time.Duration) StepOption {
	return func(c *stepConfig) { c.timeout = d }
}

// Step runs fn as the named step. By default the step runs once with no
// timeout beyond ctx. A failure is returned as a *StepError; compensation
// is left to the caller.
func (s *Saga) Step(ctx context.Context, name string, fn func(ctx context.Context) error, opts ...StepOption) error {
	cfg := stepConfig{retry: flowerrors.NoRetry}
	for _, opt := range opts {
		opt(&cfg)
	}

	rec := StepRecord{Name: name, Status: StatusRunning, StartedAt: time.Now()}
	attempts, err := flowerrors.Retry(ctx, cfg.retry, func(ctx context.Context) error {
		if cfg.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
			defer cancel()
		}
		return fn(ctx)
	})

	rec.Attempts = attempts
	rec.FinishedAt = time.Now()
	rec.Duration = rec.FinishedAt.Sub(rec.StartedAt)
	if err != nil {
		rec.Status = StatusFailed
		rec.Error = err.Error()
	} else {
		rec.Status = StatusCompleted
	}

	s.mu.Lock()
	s.steps = append(s.steps, rec)
	s.mu.Unlock()
	if s.observer != nil {
		s.observer(rec)
	}

	if err != nil {
		s.logger.Error("saga step failed",
			"saga_id", s.id,
			"step", name,
			"attempts", attempts,
			"error", err,
		)
		return &StepError{Step: name, Attempts: attempts, Err: err}
	}
	s.logger.Debug("saga step completed",
		"saga_id", s.id,
		"step", name,
		"attempts", attempts,
	)
	return nil
}

// Push adds a compensation to the top of the rollback stack.
func (s *Saga) Push(name string, fn CompensationFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stack = append(s.stack, Compensation{Name: name, Fn: fn})
}

// Pop removes and returns the top compensation without running it.
func (s *Saga) Pop() (Compensation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stack) == 0 {
		return Compensation{}, false
	}
	c := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return c, true
}

// Pending returns the number of compensations on the stack.
func (s *Saga) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stack)
}

// Run executes a single compensation in isolation. Errors and panics are
// logged and returned, never propagated as panics. Cancellation of ctx
// does not stop the compensation.
func (s *Saga) Run(ctx context.Context, c Compensation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation %s panicked: %v", c.Name, r)
		}
		if err != nil {
			s.logger.Warn("saga compensation failed",
				"saga_id", s.id,
				"step", c.Name,
				"error", err,
			)
		}
	}()
	return c.Fn(context.WithoutCancel(ctx))
}

// Compensate pops and runs every compensation, newest first. Every
// compensation runs even if earlier ones fail; their errors are joined.
func (s *Saga) Compensate(ctx context.Context) error {
	s.logger.Info("starting saga compensation",
		"saga_id", s.id,
		"pending", s.Pending(),
	)

	var errs []error
	for {
		c, ok := s.Pop()
		if !ok {
			break
		}
		if err := s.Run(ctx, c); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	if len(errs) > 0 {
		s.status = StatusFailed
	} else {
		s.status = StatusCompensated
	}
	status := s.status
	s.mu.Unlock()

	s.logger.Info("saga compensation completed",
		"saga_id", s.id,
		"status", status,
	)
	return errors.Join(errs...)
}

// Complete marks the saga completed and discards remaining compensations
// without running them.
func (s *Saga) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stack = nil
	s.status = StatusCompleted
}

// Status returns the saga status.
func (s *Saga) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Steps returns a copy of the step history.
func (s *Saga) Steps() []StepRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StepRecord, len(s.steps))
	copy(out, s.steps)
	return out
}
