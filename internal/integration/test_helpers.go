// Package integration drives the full HTTP and websocket stack in-process.
package integration

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chatme/internal/app"
	"chatme/internal/config"
	"chatme/pkg/protocol"
)

// TestAPIKey is accepted by every stack built with NewTestStack.
const TestAPIKey = "integration-key"

// Stack is a running application behind an httptest server.
type Stack struct {
	App    *app.Application
	Server *httptest.Server
	DBPath string
}

// NewTestStack starts the application on a fresh SQLite file.
func NewTestStack(t *testing.T) *Stack {
	t.Helper()
	return NewTestStackWith(t, nil)
}

// NewTestStackWith is NewTestStack with a hook to adjust the configuration
// before the application is built.
func NewTestStackWith(t *testing.T, configure func(*config.Config)) *Stack {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Auth.APIKeys = []string{TestAPIKey}
	cfg.Broker.MatchDelay = 0
	cfg.Log.Format = "console"
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(t.TempDir(), "chatme.db")
	if configure != nil {
		configure(cfg)
	}

	application, err := app.NewApplication(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to create application: %v", err)
	}
	server := httptest.NewServer(application.Handler())

	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := application.Stop(ctx); err != nil {
			t.Logf("Failed to stop application: %v", err)
		}
	})

	return &Stack{App: application, Server: server, DBPath: cfg.Database.Path}
}

// Client is a test websocket peer.
type Client struct {
	t    *testing.T
	conn *websocket.Conn
}

// Dial opens a websocket to the stack.
func (s *Stack) Dial(t *testing.T) *Client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.Server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &Client{t: t, conn: conn}
}

// DialAuthed opens a websocket and completes the auth handshake.
func (s *Stack) DialAuthed(t *testing.T) *Client {
	t.Helper()
	c := s.Dial(t)
	c.Send(protocol.ClientMessage{Type: protocol.TypeAuth, APIKey: TestAPIKey})
	c.Expect(protocol.TypeAuthSuccess)
	return c
}

// Send writes one frame.
func (c *Client) Send(msg protocol.ClientMessage) {
	c.t.Helper()
	if err := c.conn.WriteJSON(msg); err != nil {
		c.t.Fatalf("Failed to send %s: %v", msg.Type, err)
	}
}

// Next reads one frame within two seconds.
func (c *Client) Next() protocol.ServerMessage {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.ServerMessage
	if err := c.conn.ReadJSON(&msg); err != nil {
		c.t.Fatalf("Failed to read frame: %v", err)
	}
	return msg
}

// Expect reads one frame and fails unless it has the given type.
func (c *Client) Expect(msgType string) protocol.ServerMessage {
	c.t.Helper()
	msg := c.Next()
	if msg.Type != msgType {
		c.t.Fatalf("Expected %q frame, got %+v", msgType, msg)
	}
	return msg
}

// ExpectClose reads until the server closes and returns the close code.
func (c *Client) ExpectClose() int {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue
		}
		if ce, ok := err.(*websocket.CloseError); ok {
			return ce.Code
		}
		c.t.Fatalf("Expected close frame, got %v", err)
	}
}

// ExpectSilence fails if a frame arrives within d.
func (c *Client) ExpectSilence(d time.Duration) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(d))
	var msg protocol.ServerMessage
	if err := c.conn.ReadJSON(&msg); err == nil {
		c.t.Fatalf("Expected no frame, got %+v", msg)
	}
}

// Close drops the connection without a close handshake.
func (c *Client) Close() {
	c.conn.Close()
}

// Pair authenticates two clients and matches them. It returns each
// client's partner id as announced by the broker.
func (s *Stack) Pair(t *testing.T) (a, b *Client, aPartner, bPartner string) {
	t.Helper()
	a = s.DialAuthed(t)
	b = s.DialAuthed(t)

	a.Send(protocol.ClientMessage{Type: protocol.TypeSearch})
	a.Expect(protocol.TypeSearching)
	b.Send(protocol.ClientMessage{Type: protocol.TypeSearch})

	bPartner = b.Expect(protocol.TypeMatched).PartnerID
	aPartner = a.Expect(protocol.TypeMatched).PartnerID
	return a, b, aPartner, bPartner
}

// WaitFor polls cond until it holds or a second passes.
func WaitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
