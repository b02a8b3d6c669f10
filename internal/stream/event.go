package stream

import "encoding/json"

// Event is one message on the client's event stream. Exactly one of its
// fields is set.
type Event struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ContentEvent(fragment string) Event { return Event{Content: fragment} }

func DoneEvent() Event { return Event{Done: true} }

func ErrorEvent(msg string) Event { return Event{Error: msg} }

func (e Event) IsTerminal() bool {
	return e.Done || e.Error != ""
}

func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Sink receives the events of one session in order. Implementations write to a
// synchronous transport and may block.
type Sink interface {
	Send(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

func (f SinkFunc) Send(e Event) error { return f(e) }
