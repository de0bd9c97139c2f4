package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

type blockingSink struct {
	release chan struct{}
	once    sync.Once
	seen    int
	mu      sync.Mutex
}

func (s *blockingSink) Emit(ctx context.Context, event Event) {
	<-s.release
	s.mu.Lock()
	s.seen++
	s.mu.Unlock()
}

func (s *blockingSink) unblock() { s.once.Do(func() { close(s.release) }) }

func TestDisabledDispatcherIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, NoOpSink{})
	if d != nil {
		t.Fatal("disabled config must return a nil dispatcher")
	}

	// Nil receivers are no-ops, not panics.
	d.Emit(context.Background(), Event{Type: "x"})
	d.Close()
	if got := d.Dropped(); got != 0 {
		t.Fatalf("Dropped() = %d, want 0", got)
	}
}

func TestDropIfFullCountsDrops(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	// First event is consumed by the worker and blocks in the sink; the
	// second fills the buffer; everything after that must be dropped.
	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{Type: "e"})
	}

	if got := d.Dropped(); got == 0 {
		t.Fatal("expected dropped events with a full buffer")
	}

	sink.unblock()
	d.Close()
}

func TestCloseDrainsBufferedEvents(t *testing.T) {
	sink := NewChannelSink(16)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 16}, sink)

	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), Event{Type: "drained", Success: true})
	}
	d.Close()

	received := 0
	for {
		select {
		case <-sink.Events():
			received++
			if received == 5 {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of 5 events before timeout", received)
		}
	}
}

func TestEmitAfterCloseIsIgnored(t *testing.T) {
	sink := NewChannelSink(4)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4}, sink)
	d.Close()

	d.Emit(context.Background(), Event{Type: "late"})

	select {
	case event := <-sink.Events():
		t.Fatalf("unexpected event after close: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestJSONWriterSinkWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	sink.Emit(context.Background(), Event{Type: "signin_success", UserID: "u1", Success: true})
	sink.Emit(context.Background(), Event{Type: "signin_failure", Error: "bad password"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	var first Event
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("first line is not valid JSON: %v", err)
	}
	if first.Type != "signin_success" || first.UserID != "u1" || !first.Success {
		t.Fatalf("unexpected first event: %+v", first)
	}
}
