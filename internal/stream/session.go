package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type State int32

const (
	Idle State = iota
	Opening
	Streaming
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Opening:
		return "opening"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) IsTerminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Session is the lifetime of one streamed response.
type Session struct {
	ID        string
	CreatedAt time.Time

	state     atomic.Int32
	cancelled chan struct{}
	once      sync.Once
	// forwarding is held while a fragment is checked against the
	// cancellation flag and handed to the sink.
	forwarding chan struct{}

	mu        sync.Mutex
	err       error
	fragments int
}

func newSession() *Session {
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		cancelled:  make(chan struct{}),
		forwarding: make(chan struct{}, 1),
	}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Cancel raises the session's cancellation flag.
func (s *Session) Cancel() {
	s.once.Do(func() { close(s.cancelled) })
}

// forward runs send unless the session has been cancelled. It reports
// whether send ran.
func (s *Session) forward(send func() error) (bool, error) {
	s.forwarding <- struct{}{}
	defer func() { <-s.forwarding }()

	if s.IsCancelled() {
		return false, nil
	}
	return true, send()
}

// awaitForwarding waits until no fragment is being forwarded, or until
// grace elapses. It reports whether the wait finished in time.
func (s *Session) awaitForwarding(grace time.Duration) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case s.forwarding <- struct{}{}:
		<-s.forwarding
		return true
	case <-timer.C:
		return false
	}
}

func (s *Session) IsCancelled() bool {
	select {
	case <-s.cancelled:
		return true
	default:
		return false
	}
}

// Err is the failure that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Fragments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fragments
}

func (s *Session) finish(st State, err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.setState(st)
}

func (s *Session) countFragment() {
	s.mu.Lock()
	s.fragments++
	s.mu.Unlock()
}
