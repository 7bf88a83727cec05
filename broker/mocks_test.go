package broker

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
)

var errSendFailed = errors.New("send failed")

// mockTransport records every event the broker pushes. onEvent, when set,
// runs outside the transport lock so it may call back into the broker.
type mockTransport struct {
	mu       sync.Mutex
	events   []*Event
	failSend bool
	closed   bool

	onEvent func(e *Event)
}

func newMockTransport() *mockTransport {
	return &mockTransport{}
}

func (t *mockTransport) Send(e *Event) error {
	t.mu.Lock()
	if t.failSend {
		t.mu.Unlock()
		return errSendFailed
	}
	t.events = append(t.events, e)
	hook := t.onEvent
	t.mu.Unlock()
	if hook != nil {
		hook(e)
	}
	return nil
}

func (t *mockTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *mockTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *mockTransport) eventsOfType(eventType string) []*Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Event
	for _, e := range t.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (t *mockTransport) allEvents() []*Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Event, len(t.events))
	copy(out, t.events)
	return out
}

func newTestBroker(t *testing.T, opts ...Option) *Broker {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := New(append([]Option{WithLogger(logger)}, opts...)...)
	t.Cleanup(b.Close)
	return b
}
