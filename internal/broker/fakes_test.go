package broker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"chatme/internal/database"
	"chatme/pkg/interfaces"
	"chatme/pkg/protocol"
)

const testKey = "test-key"

var errFakeClosed = errors.New("fake connection closed")

// fakeConn records every frame the broker sends.
type fakeConn struct {
	id string

	mu         sync.Mutex
	sent       []protocol.ServerMessage
	closed     bool
	closeCode  int
	failWrites bool
	panicNext  bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (f *fakeConn) SessionID() string { return f.id }

func (f *fakeConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicNext {
		f.panicNext = false
		panic("boom")
	}
	if f.closed || f.failWrites {
		return errFakeClosed
	}
	f.sent = append(f.sent, v.(protocol.ServerMessage))
	return nil
}

func (f *fakeConn) CloseWithStatus(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errFakeClosed
	}
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeConn) Close() error {
	return f.CloseWithStatus(0, "")
}

func (f *fakeConn) frames() []protocol.ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.ServerMessage(nil), f.sent...)
}

func (f *fakeConn) types() []string {
	var types []string
	for _, m := range f.frames() {
		types = append(types, m.Type)
	}
	return types
}

func (f *fakeConn) last() protocol.ServerMessage {
	frames := f.frames()
	if len(frames) == 0 {
		return protocol.ServerMessage{}
	}
	return frames[len(frames)-1]
}

func (f *fakeConn) closedWith() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

// fakeHandles is a fixed set of live transport handles.
type fakeHandles struct {
	conns []interfaces.Connection
}

func (h *fakeHandles) LiveConnections() []interfaces.Connection {
	return h.conns
}

func newTestBroker(t *testing.T, store interfaces.KeyValueStore, handles HandleSource) *Broker {
	t.Helper()
	if store == nil {
		store = database.NewMemoryStore()
	}
	return New(Options{APIKeys: []string{testKey}}, store, handles, nil)
}

func frame(t *testing.T, b *Broker, conn *fakeConn, raw string) {
	t.Helper()
	b.HandleFrame(context.Background(), conn, []byte(raw))
}

// connectAuthed registers and authenticates a new fake session.
func connectAuthed(t *testing.T, b *Broker, id string) *fakeConn {
	t.Helper()
	conn := newFakeConn(id)
	if err := b.Connect(context.Background(), conn); err != nil {
		t.Fatalf("Connect(%s) failed: %v", id, err)
	}
	frame(t, b, conn, `{"type":"auth","apiKey":"`+testKey+`"}`)
	if got := conn.last().Type; got != protocol.TypeAuthSuccess {
		t.Fatalf("Expected auth_success for %s, got %s", id, got)
	}
	return conn
}

// pair connects two sessions and matches them through the search flow.
func pair(t *testing.T, b *Broker, a, c string) (*fakeConn, *fakeConn) {
	t.Helper()
	ca := connectAuthed(t, b, a)
	cc := connectAuthed(t, b, c)
	frame(t, b, ca, `{"type":"search"}`)
	frame(t, b, cc, `{"type":"search"}`)
	if ca.last().Type != protocol.TypeMatched || cc.last().Type != protocol.TypeMatched {
		t.Fatalf("Expected both matched, got %v and %v", ca.types(), cc.types())
	}
	return ca, cc
}

func (b *Broker) session(id string) (*Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.st.registry.Get(id)
	if !ok {
		return nil, false
	}
	copied := *s
	return &copied, true
}

func (b *Broker) queued() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st.queue.Snapshot()
}
