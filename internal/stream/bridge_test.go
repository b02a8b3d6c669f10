package stream

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nadmax/convoq/internal/llm"
	"github.com/nadmax/convoq/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedBackend struct {
	fragments []string
	err       error
	calls     atomic.Int32
}

func (b *scriptedBackend) Generate(ctx context.Context, _ llm.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		b.calls.Add(1)
		for _, f := range b.fragments {
			if !yield(f, nil) {
				return
			}
		}
		if b.err != nil {
			yield("", b.err)
		}
	}
}

type tickingBackend struct {
	interval time.Duration
	calls    atomic.Int32
	released chan struct{}
}

func newTickingBackend(interval time.Duration) *tickingBackend {
	return &tickingBackend{interval: interval, released: make(chan struct{})}
}

func (b *tickingBackend) Generate(ctx context.Context, _ llm.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		b.calls.Add(1)
		defer close(b.released)
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.interval):
				if !yield("tick", nil) {
					return
				}
			}
		}
	}
}

// floodingBackend yields fragments back to back until its context ends.
type floodingBackend struct{}

func (floodingBackend) Generate(ctx context.Context, _ llm.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for ctx.Err() == nil {
			if !yield("x", nil) {
				return
			}
		}
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	onSend func(Event) error
}

func (s *recordingSink) Send(e Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	hook := s.onSend
	s.mu.Unlock()

	if hook != nil {
		return hook(e)
	}
	return nil
}

func (s *recordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func request() llm.Request {
	return llm.Request{Prompt: "Rephrase this message for my manager", Model: llm.ModelQuality}
}

func TestServe_CompletesInOrder(t *testing.T) {
	backend := &scriptedBackend{fragments: []string{"Hello", " world"}}
	b := NewBridge(backend, DefaultConfig(), nil)
	sink := &recordingSink{}

	sess, err := b.Serve(context.Background(), request(), sink)

	require.NoError(t, err)
	assert.Equal(t, []Event{ContentEvent("Hello"), ContentEvent(" world"), DoneEvent()}, sink.Events())
	assert.Equal(t, Completed, sess.State())
	assert.Equal(t, 2, sess.Fragments())
	assert.Equal(t, int32(1), backend.calls.Load())
	assert.Equal(t, 0, b.Active())
}

func TestServe_OneBackendCallForManyFragments(t *testing.T) {
	fragments := make([]string, 500)
	for i := range fragments {
		fragments[i] = "x"
	}
	backend := &scriptedBackend{fragments: fragments}
	b := NewBridge(backend, DefaultConfig(), nil)
	sink := &recordingSink{}

	_, err := b.Serve(context.Background(), request(), sink)

	require.NoError(t, err)
	assert.Len(t, sink.Events(), 501)
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestServe_RateLimitedAfterOneFragment(t *testing.T) {
	backend := &scriptedBackend{
		fragments: []string{"Hello"},
		err:       &retry.ProviderError{Provider: "gemini", StatusCode: 429, Message: "quota"},
	}
	b := NewBridge(backend, DefaultConfig(), nil)
	sink := &recordingSink{}

	sess, err := b.Serve(context.Background(), request(), sink)

	require.Error(t, err)
	assert.Equal(t, retry.RateLimited, retry.Classify(err))

	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, ContentEvent("Hello"), events[0])
	assert.NotEmpty(t, events[1].Error)
	assert.True(t, events[1].IsTerminal())

	assert.Equal(t, Failed, sess.State())
	assert.Equal(t, err, sess.Err())
	assert.Equal(t, 0, b.Active())
}

func TestServe_InvalidRequestFails(t *testing.T) {
	backend := &scriptedBackend{}
	b := NewBridge(backend, DefaultConfig(), nil)
	sink := &recordingSink{}

	sess, err := b.Serve(context.Background(), llm.Request{Model: llm.ModelFast}, sink)

	require.Error(t, err)
	assert.Equal(t, Failed, sess.State())
	require.Len(t, sink.Events(), 1)
	assert.Contains(t, sink.Events()[0].Error, "prompt")
	assert.Equal(t, int32(0), backend.calls.Load())
}

func TestCancel_ReleasesBackendAndStopsForwarding(t *testing.T) {
	backend := newTickingBackend(5 * time.Millisecond)
	b := NewBridge(backend, DefaultConfig(), nil)
	sess := b.NewSession()

	var cancelledAt time.Time
	sink := &recordingSink{}
	sink.onSend = func(e Event) error {
		if e.Content != "" && cancelledAt.IsZero() {
			cancelledAt = time.Now()
			sess.Cancel()
		}
		return nil
	}

	err := b.Run(context.Background(), sess, request(), sink)

	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, Cancelled, sess.State())

	select {
	case <-backend.released:
		assert.Less(t, time.Since(cancelledAt), time.Second)
	case <-time.After(time.Second):
		t.Fatal("backend was not released within the grace period")
	}

	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, ContentEvent("tick"), events[0])
	assert.NotEmpty(t, events[1].Error)
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestCancel_FromAnotherGoroutineStopsForwarding(t *testing.T) {
	b := NewBridge(floodingBackend{}, DefaultConfig(), nil)

	for range 100 {
		sess := b.NewSession()

		var cancelReturned atomic.Bool
		var late atomic.Int32
		started := make(chan struct{})
		var startOnce sync.Once

		sink := SinkFunc(func(e Event) error {
			if e.Content == "" {
				return nil
			}
			if cancelReturned.Load() {
				late.Add(1)
			}
			startOnce.Do(func() { close(started) })
			return nil
		})

		result := make(chan error, 1)
		go func() { result <- b.Run(context.Background(), sess, request(), sink) }()

		<-started
		require.True(t, b.Cancel(sess.ID))
		cancelReturned.Store(true)

		select {
		case err := <-result:
			assert.ErrorIs(t, err, ErrCancelled)
		case <-time.After(time.Second):
			t.Fatal("session did not end after cancellation")
		}
		assert.Equal(t, Cancelled, sess.State())
		assert.Zero(t, late.Load(), "fragment forwarded after Cancel returned")
	}
}

func TestDefaultTimeouts_StalledStreamFails(t *testing.T) {
	backend := newTickingBackend(time.Hour)
	cfg := Config{FragmentTimeout: 20 * time.Millisecond, IdleTimeout: 40 * time.Millisecond, CancelGrace: time.Second}
	b := NewBridge(backend, cfg, nil)
	sink := &recordingSink{}

	sess, err := b.Serve(context.Background(), request(), sink)

	assert.ErrorIs(t, err, ErrFragmentTimeout)
	assert.Equal(t, Failed, sess.State())
	<-backend.released
}

func TestClientDisconnect_Cancels(t *testing.T) {
	backend := newTickingBackend(5 * time.Millisecond)
	b := NewBridge(backend, DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	sink := &recordingSink{}
	sink.onSend = func(Event) error {
		cancel()
		return nil
	}

	sess, err := b.Serve(ctx, request(), sink)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Cancelled, sess.State())
	assert.True(t, sess.IsCancelled())

	select {
	case <-backend.released:
	case <-time.After(time.Second):
		t.Fatal("backend was not released")
	}

	for _, e := range sink.Events() {
		assert.False(t, e.IsTerminal(), "no terminal event is written to a departed client")
	}
}

func TestSinkError_Cancels(t *testing.T) {
	backend := newTickingBackend(time.Millisecond)
	b := NewBridge(backend, DefaultConfig(), nil)
	broken := errors.New("broken pipe")

	sess, err := b.Serve(context.Background(), request(), SinkFunc(func(Event) error { return broken }))

	assert.ErrorIs(t, err, broken)
	assert.Equal(t, Cancelled, sess.State())
	<-backend.released
}

func TestFragmentTimeout_Fails(t *testing.T) {
	backend := newTickingBackend(time.Hour)
	cfg := Config{FragmentTimeout: 30 * time.Millisecond, IdleTimeout: time.Minute, CancelGrace: time.Second}
	b := NewBridge(backend, cfg, nil)
	sink := &recordingSink{}

	sess, err := b.Serve(context.Background(), request(), sink)

	assert.ErrorIs(t, err, ErrFragmentTimeout)
	assert.Equal(t, Failed, sess.State())
	require.Len(t, sink.Events(), 1)
	assert.Equal(t, "generation timed out", sink.Events()[0].Error)
	<-backend.released
}

func TestIdleTimeout_Cancels(t *testing.T) {
	backend := newTickingBackend(time.Hour)
	cfg := Config{IdleTimeout: 30 * time.Millisecond, CancelGrace: time.Second}
	b := NewBridge(backend, cfg, nil)
	sink := &recordingSink{}

	sess, err := b.Serve(context.Background(), request(), sink)

	assert.ErrorIs(t, err, ErrIdleTimeout)
	assert.Equal(t, Cancelled, sess.State())
	require.Len(t, sink.Events(), 1)
	assert.NotEmpty(t, sink.Events()[0].Error)
	<-backend.released
}

func TestRun_SessionSingleUse(t *testing.T) {
	backend := &scriptedBackend{fragments: []string{"a"}}
	b := NewBridge(backend, DefaultConfig(), nil)
	sess := b.NewSession()

	require.NoError(t, b.Run(context.Background(), sess, request(), &recordingSink{}))

	err := b.Run(context.Background(), sess, request(), &recordingSink{})
	assert.ErrorIs(t, err, ErrSessionUsed)
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestCancel_UnknownSession(t *testing.T) {
	b := NewBridge(&scriptedBackend{}, DefaultConfig(), nil)

	assert.False(t, b.Cancel("missing"))
}

func TestConcurrentSessions(t *testing.T) {
	backend := &scriptedBackend{fragments: []string{"a", "b", "c"}}
	b := NewBridge(backend, DefaultConfig(), nil)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink := &recordingSink{}
			_, err := b.Serve(context.Background(), request(), sink)
			assert.NoError(t, err)
			assert.Equal(t, []Event{ContentEvent("a"), ContentEvent("b"), ContentEvent("c"), DoneEvent()}, sink.Events())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(20), backend.calls.Load())
	assert.Equal(t, 0, b.Active())
}

func TestEventJSON(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{ContentEvent("Hello"), `{"content":"Hello"}`},
		{DoneEvent(), `{"done":true}`},
		{ErrorEvent("boom"), `{"error":"boom"}`},
	}

	for _, tt := range tests {
		data, err := tt.event.JSON()
		require.NoError(t, err)
		assert.JSONEq(t, tt.want, string(data))
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "streaming", Streaming.String())
	assert.True(t, Cancelled.IsTerminal())
	assert.False(t, Opening.IsTerminal())
}
