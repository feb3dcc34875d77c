package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chatme/pkg/interfaces"
)

// recordingBroker echoes every frame back and records lifecycle calls.
type recordingBroker struct {
	mu           sync.Mutex
	connected    []string
	frames       []string
	disconnected []string
	connectErr   error
	closeOnFrame int

	// registry, when set, records whether the handle was still listed at
	// Disconnect time.
	registry           *Registry
	listedOnDisconnect []bool
}

func (b *recordingBroker) Connect(_ context.Context, conn interfaces.Connection) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectErr != nil {
		return b.connectErr
	}
	b.connected = append(b.connected, conn.SessionID())
	return nil
}

func (b *recordingBroker) HandleFrame(_ context.Context, conn interfaces.Connection, data []byte) {
	b.mu.Lock()
	b.frames = append(b.frames, string(data))
	closeCode := b.closeOnFrame
	b.mu.Unlock()

	_ = conn.WriteJSON(map[string]string{"type": "echo", "body": string(data)})
	if closeCode != 0 {
		_ = conn.CloseWithStatus(closeCode, "bye")
	}
}

func (b *recordingBroker) Disconnect(_ context.Context, conn interfaces.Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnected = append(b.disconnected, conn.SessionID())
	if b.registry != nil {
		_, listed := b.registry.Get(conn.SessionID())
		b.listedOnDisconnect = append(b.listedOnDisconnect, listed)
	}
}

func (b *recordingBroker) snapshot() (connected, frames, disconnected []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.connected...),
		append([]string(nil), b.frames...),
		append([]string(nil), b.disconnected...)
}

func newTestServer(t *testing.T, broker SessionBroker, limiter *RateLimiter, origins ...string) (*httptest.Server, *Registry) {
	t.Helper()
	return newTestServerWithOptions(t, broker, NewRegistry(), limiter, HandlerOptions{
		PingInterval:   time.Second,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   time.Second,
		BufferSize:     16,
		AllowedOrigins: origins,
	})
}

func newTestServerWithOptions(t *testing.T, broker SessionBroker, registry *Registry, limiter *RateLimiter, opts HandlerOptions) (*httptest.Server, *Registry) {
	t.Helper()
	server := httptest.NewServer(NewHandler(broker, registry, limiter, opts))
	t.Cleanup(server.Close)
	return server, registry
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, server *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), header)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Condition not met before timeout")
}

func TestHandler_RejectsNonGet(t *testing.T) {
	server, _ := newTestServer(t, &recordingBroker{}, nil)

	resp, err := http.Post(server.URL, "text/plain", strings.NewReader("hi"))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Allow") != "GET" {
		t.Errorf("Expected Allow: GET, got %q", resp.Header.Get("Allow"))
	}
}

func TestHandler_RejectsMissingUpgrade(t *testing.T) {
	server, _ := newTestServer(t, &recordingBroker{}, nil)

	resp, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("Expected 426, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Upgrade") != "websocket" {
		t.Errorf("Expected Upgrade: websocket, got %q", resp.Header.Get("Upgrade"))
	}
}

func TestHandler_OriginAllowList(t *testing.T) {
	broker := &recordingBroker{}
	server, _ := newTestServer(t, broker, nil, "https://chat.example")

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server), http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatal("Expected dial to fail for a disallowed origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %v", resp)
	}

	dial(t, server, http.Header{"Origin": {"https://chat.example"}})
	waitFor(t, func() bool {
		connected, _, _ := broker.snapshot()
		return len(connected) == 1
	})
}

func TestHandler_FrameRoundTripAndDisconnect(t *testing.T) {
	broker := &recordingBroker{}
	server, registry := newTestServer(t, broker, nil)

	conn := dial(t, server, nil)
	waitFor(t, func() bool { return registry.Count() == 1 })

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	var reply map[string]string
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if reply["body"] != `{"type":"ping"}` {
		t.Errorf("Unexpected echo: %v", reply)
	}

	connected, _, _ := broker.snapshot()
	if len(connected) != 1 || connected[0] == "" {
		t.Fatalf("Expected one session id, got %v", connected)
	}

	_ = conn.Close()
	waitFor(t, func() bool {
		_, _, disconnected := broker.snapshot()
		return len(disconnected) == 1 && disconnected[0] == connected[0]
	})
	waitFor(t, func() bool { return registry.Count() == 0 })
}

func TestHandler_CloseStatusDeliveredAfterPendingWrites(t *testing.T) {
	broker := &recordingBroker{closeOnFrame: 4001}
	server, _ := newTestServer(t, broker, nil)

	conn := dial(t, server, nil)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"search"}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply map[string]string
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("Expected the queued frame before the close: %v", err)
	}

	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != 4001 {
		t.Errorf("Expected close 4001, got %v", err)
	}
}

func TestHandler_RateLimitDropsExcessFrames(t *testing.T) {
	broker := &recordingBroker{}
	server, _ := newTestServer(t, broker, NewRateLimiter(2))

	conn := dial(t, server, nil)
	for i := 0; i < 5; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < 2; i++ {
		var reply map[string]string
		if err := conn.ReadJSON(&reply); err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
	}

	time.Sleep(100 * time.Millisecond)
	if _, frames, _ := broker.snapshot(); len(frames) != 2 {
		t.Errorf("Expected 2 frames delivered, got %d", len(frames))
	}
}

func TestHandler_BrokerRejectsConnection(t *testing.T) {
	broker := &recordingBroker{connectErr: errors.New("nope")}
	server, registry := newTestServer(t, broker, nil)

	conn := dial(t, server, nil)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected the server to close the connection")
	}
	if registry.Count() != 0 {
		t.Error("Rejected connection must not stay registered")
	}
}

func TestOriginAllowed(t *testing.T) {
	open := NewHandler(&recordingBroker{}, NewRegistry(), nil, HandlerOptions{})
	if !open.OriginAllowed("https://anything.example") {
		t.Error("Empty allow-list should accept any origin")
	}

	restricted := NewHandler(&recordingBroker{}, NewRegistry(), nil, HandlerOptions{AllowedOrigins: []string{" https://a.example "}})
	if !restricted.OriginAllowed("https://a.example") {
		t.Error("Listed origin should be allowed")
	}
	if restricted.OriginAllowed("https://b.example") {
		t.Error("Unlisted origin should be rejected")
	}
	if !restricted.OriginAllowed("") {
		t.Error("Requests without Origin should be allowed")
	}
}

func TestHandler_OversizedFrameClosesConnection(t *testing.T) {
	broker := &recordingBroker{}
	server, registry := newTestServerWithOptions(t, broker, NewRegistry(), nil, HandlerOptions{
		PingInterval:  time.Second,
		ReadTimeout:   5 * time.Second,
		MaxFrameBytes: 1024,
	})
	client := dial(t, server, nil)

	small := `{"type":"message","text":"` + strings.Repeat("a", 100) + `"}`
	if err := client.WriteMessage(websocket.TextMessage, []byte(small)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	var echo map[string]string
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := client.ReadJSON(&echo); err != nil {
		t.Fatalf("Frame under the cap was not handled: %v", err)
	}

	big := `{"type":"message","imageUrl":"` + strings.Repeat("b", 4096) + `"}`
	if err := client.WriteMessage(websocket.TextMessage, []byte(big)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	_, _, err := client.ReadMessage()
	if err == nil {
		t.Fatal("Expected the connection to close after an oversized frame")
	}
	if ce, ok := err.(*websocket.CloseError); ok && ce.Code != websocket.CloseMessageTooBig {
		t.Errorf("Expected close code %d, got %d", websocket.CloseMessageTooBig, ce.Code)
	}

	waitFor(t, func() bool {
		_, _, disconnected := broker.snapshot()
		return len(disconnected) == 1 && registry.Count() == 0
	})
	if _, frames, _ := broker.snapshot(); len(frames) != 1 {
		t.Errorf("Oversized frame reached the broker: %d frames", len(frames))
	}
}

func TestHandler_UnregistersBeforeDisconnect(t *testing.T) {
	registry := NewRegistry()
	broker := &recordingBroker{registry: registry}
	server, _ := newTestServerWithOptions(t, broker, registry, nil, HandlerOptions{
		PingInterval: time.Second,
		ReadTimeout:  5 * time.Second,
	})

	client := dial(t, server, nil)
	waitFor(t, func() bool { return registry.Count() == 1 })
	_ = client.Close()

	waitFor(t, func() bool {
		_, _, disconnected := broker.snapshot()
		return len(disconnected) == 1
	})
	broker.mu.Lock()
	defer broker.mu.Unlock()
	if len(broker.listedOnDisconnect) != 1 || broker.listedOnDisconnect[0] {
		t.Errorf("Handle still listed as live when the broker saw the disconnect: %v", broker.listedOnDisconnect)
	}
}
