// Package stream bridges a model's fragment sequence onto a blocking,
// client-facing transport. Each session runs on exactly one producer goroutine
// created when the session opens and joined when it reaches a terminal state.
package stream

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/nadmax/convoq/internal/llm"
	"github.com/nadmax/convoq/internal/metrics"
	"github.com/nadmax/convoq/internal/retry"
)

var (
	ErrFragmentTimeout = errors.New("timed out waiting for the next fragment")
	ErrIdleTimeout     = errors.New("stream idle for too long")
	ErrCancelled       = errors.New("stream cancelled")
	ErrSessionUsed     = errors.New("session already started")
)

// Config bounds a session. Both timers restart on every fragment, so the
// idle timeout only fires when it is shorter than the fragment timeout or the
// fragment timeout is zero. With the defaults a stalled stream ends Failed.
type Config struct {
	FragmentTimeout time.Duration
	IdleTimeout     time.Duration
	CancelGrace     time.Duration
}

func DefaultConfig() Config {
	return Config{
		FragmentTimeout: 15 * time.Second,
		IdleTimeout:     30 * time.Second,
		CancelGrace:     time.Second,
	}
}

type Bridge struct {
	backend llm.Backend
	cfg     Config
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewBridge(backend llm.Backend, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultConfig().CancelGrace
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Bridge{
		backend:  backend,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// NewSession registers an idle session. Its id can be handed to the client
// before Run starts streaming.
func (b *Bridge) NewSession() *Session {
	sess := newSession()

	b.mu.Lock()
	b.sessions[sess.ID] = sess
	b.mu.Unlock()

	metrics.StreamSessionsActive.Inc()
	return sess
}

// Cancel raises the cancellation flag of an active session. Once it returns,
// no further fragment is forwarded to the session's sink. It waits up to the
// cancel grace for a fragment already being sent, so a Sink must call
// Session.Cancel rather than this method.
func (b *Bridge) Cancel(id string) bool {
	b.mu.Lock()
	sess, ok := b.sessions[id]
	b.mu.Unlock()

	if !ok {
		return false
	}

	sess.Cancel()
	if !sess.awaitForwarding(b.cfg.CancelGrace) {
		b.logger.Warn("fragment still being sent after cancellation", "session_id", id, "grace", b.cfg.CancelGrace)
	}
	return true
}

func (b *Bridge) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Serve runs a fresh session to completion.
func (b *Bridge) Serve(ctx context.Context, req llm.Request, sink Sink) (*Session, error) {
	sess := b.NewSession()
	return sess, b.Run(ctx, sess, req, sink)
}

type frame struct {
	fragment string
	err      error
}

// Run streams req to sink and returns the error that ended the session, or
// nil when it completed. Cancellation of ctx is treated as a client disconnect.
// The terminal state is published only after the model call has been released.
func (b *Bridge) Run(ctx context.Context, sess *Session, req llm.Request, sink Sink) error {
	if !sess.state.CompareAndSwap(int32(Idle), int32(Opening)) {
		return ErrSessionUsed
	}
	defer b.release(sess)

	logger := b.logger.With("session_id", sess.ID, "model", req.Model)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := llm.NewStream(b.backend, req)
	seq, err := s.Open(ctx)
	if err != nil {
		b.notifyFailure(ctx, logger, sink, err)
		return b.finish(ctx, logger, sess, Failed, err)
	}

	produced := make(chan struct{})
	frames := make(chan frame)
	go produce(ctx, seq, frames, produced)

	sess.setState(Streaming)
	logger.DebugContext(ctx, "stream opened")

	state, err := b.pump(ctx, logger, sess, frames, sink)

	cancel()
	s.Close()
	b.awaitRelease(logger, s.Done(), produced)

	return b.finish(ctx, logger, sess, state, err)
}

// pump forwards frames until the session reaches a terminal state. Receiving
// the next frame is its only suspension point.
func (b *Bridge) pump(ctx context.Context, logger *slog.Logger, sess *Session, frames <-chan frame, sink Sink) (State, error) {
	fragmentTimer := newTimer(b.cfg.FragmentTimeout)
	defer stopTimer(fragmentTimer)
	idleTimer := newTimer(b.cfg.IdleTimeout)
	defer stopTimer(idleTimer)

	for {
		if sess.IsCancelled() {
			b.notifyCancel(ctx, logger, sink, ErrCancelled)
			return Cancelled, ErrCancelled
		}

		select {
		case f, ok := <-frames:
			if !ok {
				if ctx.Err() != nil {
					return Cancelled, ctx.Err()
				}
				if err := sink.Send(DoneEvent()); err != nil {
					return Cancelled, err
				}
				return Completed, nil
			}
			if f.err != nil {
				b.notifyFailure(ctx, logger, sink, f.err)
				return Failed, f.err
			}

			if ctx.Err() != nil {
				return Cancelled, ctx.Err()
			}
			sent, err := sess.forward(func() error { return sink.Send(ContentEvent(f.fragment)) })
			if err != nil {
				return Cancelled, err
			}
			if !sent {
				b.notifyCancel(ctx, logger, sink, ErrCancelled)
				return Cancelled, ErrCancelled
			}
			sess.countFragment()
			metrics.StreamFragments.Inc()
			resetTimer(fragmentTimer, b.cfg.FragmentTimeout)
			resetTimer(idleTimer, b.cfg.IdleTimeout)

		case <-ctx.Done():
			return Cancelled, ctx.Err()

		case <-sess.cancelled:
			b.notifyCancel(ctx, logger, sink, ErrCancelled)
			return Cancelled, ErrCancelled

		case <-timerC(fragmentTimer):
			b.notifyFailure(ctx, logger, sink, ErrFragmentTimeout)
			return Failed, ErrFragmentTimeout

		case <-timerC(idleTimer):
			b.notifyCancel(ctx, logger, sink, ErrIdleTimeout)
			return Cancelled, ErrIdleTimeout
		}
	}
}

func produce(ctx context.Context, seq iter.Seq2[string, error], out chan<- frame, done chan<- struct{}) {
	defer close(done)
	defer close(out)

	for fragment, err := range seq {
		select {
		case out <- frame{fragment: fragment, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (b *Bridge) notifyFailure(ctx context.Context, logger *slog.Logger, sink Sink, err error) {
	kind := retry.Classify(err)
	if kind == retry.RateLimited {
		logger.WarnContext(ctx, "stream rate limited by provider", "error", err)
	} else {
		logger.ErrorContext(ctx, "stream failed", "error", err, "error_kind", kind.String())
	}

	if sendErr := sink.Send(ErrorEvent(clientMessage(err))); sendErr != nil {
		logger.DebugContext(ctx, "failed to deliver error event", "error", sendErr)
	}
}

// notifyCancel tells a still-connected client why its stream ended.
func (b *Bridge) notifyCancel(ctx context.Context, logger *slog.Logger, sink Sink, reason error) {
	if err := sink.Send(ErrorEvent(clientMessage(reason))); err != nil {
		logger.DebugContext(ctx, "failed to deliver cancellation event", "error", err)
	}
}

func (b *Bridge) finish(ctx context.Context, logger *slog.Logger, sess *Session, state State, err error) error {
	if state == Cancelled {
		sess.Cancel()
	}
	sess.finish(state, err)
	metrics.RecordStreamOutcome(state.String())

	switch state {
	case Completed:
		logger.InfoContext(ctx, "stream completed", "fragments", sess.Fragments())
	case Cancelled:
		logger.InfoContext(ctx, "stream cancelled", "reason", err, "fragments", sess.Fragments())
	}

	return err
}

func (b *Bridge) awaitRelease(logger *slog.Logger, released <-chan struct{}, produced <-chan struct{}) {
	deadline := time.NewTimer(b.cfg.CancelGrace)
	defer deadline.Stop()

	for _, ch := range []<-chan struct{}{released, produced} {
		select {
		case <-ch:
		case <-deadline.C:
			logger.Warn("stream resources not released within grace period", "grace", b.cfg.CancelGrace)
			return
		}
	}
}

func (b *Bridge) release(sess *Session) {
	b.mu.Lock()
	delete(b.sessions, sess.ID)
	b.mu.Unlock()

	metrics.StreamSessionsActive.Dec()
}

func clientMessage(err error) string {
	switch {
	case errors.Is(err, ErrFragmentTimeout):
		return "generation timed out"
	case errors.Is(err, ErrIdleTimeout):
		return "generation stalled and was cancelled"
	case errors.Is(err, ErrCancelled):
		return "generation cancelled"
	}

	var validation *retry.ValidationError
	if errors.As(err, &validation) {
		return validation.Error()
	}

	switch retry.Classify(err) {
	case retry.RateLimited:
		return "model provider is busy, please retry shortly"
	case retry.Permanent:
		return "model provider rejected the request"
	default:
		return "generation failed, please retry"
	}
}

func newTimer(d time.Duration) *time.Timer {
	if d <= 0 {
		return nil
	}
	return time.NewTimer(d)
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func resetTimer(t *time.Timer, d time.Duration) {
	if t != nil {
		t.Reset(d)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
