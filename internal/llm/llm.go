// Package llm wraps calls to a generative model backend as single-use, lazily
// evaluated fragment streams.
package llm

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"

	"github.com/nadmax/convoq/internal/retry"
)

type Model string

const (
	ModelQuality Model = "quality"
	ModelFast    Model = "fast"
)

var ErrStreamReused = errors.New("llm stream already opened")

type Request struct {
	Prompt string `json:"prompt"`
	Model  Model  `json:"model"`
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return retry.Invalid("prompt", "cannot be empty")
	}

	switch r.Model {
	case ModelQuality, ModelFast:
		return nil
	default:
		return retry.Invalid("model", "unknown model selector "+string(r.Model))
	}
}

// Backend is the streaming-call capability of a model provider. The returned
// sequence performs the network call when ranged and must stop once ctx is done.
type Backend interface {
	Generate(ctx context.Context, req Request) iter.Seq2[string, error]
}

// Stream is one invocation of a Backend. It can be opened and ranged once.
type Stream struct {
	backend Backend
	req     Request

	mu       sync.Mutex
	opened   bool
	started  bool
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
}

func NewStream(backend Backend, req Request) *Stream {
	return &Stream{
		backend: backend,
		req:     req,
		done:    make(chan struct{}),
	}
}

// Open validates the request and returns the fragment sequence. Empty
// fragments from the backend are dropped.
func (s *Stream) Open(ctx context.Context) (iter.Seq2[string, error], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return nil, ErrStreamReused
	}
	s.opened = true

	if err := s.req.Validate(); err != nil {
		s.started = true
		s.closeDone()
		return nil, err
	}

	callCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	return func(yield func(string, error) bool) {
		if !s.begin() {
			yield("", ErrStreamReused)
			return
		}
		defer s.closeDone()
		defer cancel()

		for fragment, err := range s.backend.Generate(callCtx, s.req) {
			if err != nil {
				yield("", err)
				return
			}
			if fragment == "" {
				continue
			}
			if !yield(fragment, nil) {
				return
			}
		}
	}, nil
}

func (s *Stream) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return false
	}
	s.started = true
	return true
}

func (s *Stream) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Close cancels the in-flight call. It is safe to call more than once and
// before Open. A stream closed before being ranged can no longer be ranged.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.opened = true
	if s.cancel != nil {
		s.cancel()
	}
	if !s.started {
		s.started = true
		s.closeDone()
	}
}

// Done is closed once the backend iteration has returned and its resources
// are released, or when the stream was closed without being ranged.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Collect runs req to completion and concatenates its fragments.
func Collect(ctx context.Context, backend Backend, req Request) (string, error) {
	s := NewStream(backend, req)
	defer s.Close()

	seq, err := s.Open(ctx)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for fragment, err := range seq {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(fragment)
	}

	return b.String(), nil
}
