package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"chatme/pkg/interfaces"
)

// SessionBroker receives the lifecycle of every accepted connection.
type SessionBroker interface {
	Connect(ctx context.Context, conn interfaces.Connection) error
	HandleFrame(ctx context.Context, conn interfaces.Connection, data []byte)
	Disconnect(ctx context.Context, conn interfaces.Connection)
}

// HandlerOptions configures the upgrade handler and read pump.
type HandlerOptions struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	BufferSize     int
	AllowedOrigins []string
	// MaxFrameBytes caps a single inbound frame. Images travel inline, so
	// the default is generous.
	MaxFrameBytes int64
}

// DefaultMaxFrameBytes is used when HandlerOptions.MaxFrameBytes is unset.
const DefaultMaxFrameBytes = 4 << 20

// Handler upgrades HTTP requests to websocket sessions and pumps inbound
// frames into the broker.
type Handler struct {
	broker   SessionBroker
	registry *Registry
	limiter  *RateLimiter
	opts     HandlerOptions
	origins  map[string]struct{}
	upgrader websocket.Upgrader
}

// NewHandler wires a handler. limiter may be nil.
func NewHandler(broker SessionBroker, registry *Registry, limiter *RateLimiter, opts HandlerOptions) *Handler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReadTimeout <= opts.PingInterval {
		opts.ReadTimeout = 2 * opts.PingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = DefaultMaxFrameBytes
	}

	h := &Handler{
		broker:   broker,
		registry: registry,
		limiter:  limiter,
		opts:     opts,
		origins:  make(map[string]struct{}),
	}
	for _, o := range opts.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			h.origins[o] = struct{}{}
		}
	}

	h.upgrader = websocket.Upgrader{
		// Origin is checked before upgrading so the rejection is a plain 403.
		CheckOrigin:      func(*http.Request) bool { return true },
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

// OriginAllowed reports whether origin may connect. An empty allow-list or
// a request without an Origin header is always allowed.
func (h *Handler) OriginAllowed(origin string) bool {
	if len(h.origins) == 0 || origin == "" {
		return true
	}
	_, ok := h.origins[origin]
	return ok
}

// ServeHTTP rejects anything that is not a websocket upgrade with a
// structured response, then hands the connection to the broker.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method "+r.Method+" not allowed. Use GET for WebSocket upgrade.", http.StatusMethodNotAllowed)
		return
	}

	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		w.Header().Set("Upgrade", "websocket")
		http.Error(w, `Expected WebSocket upgrade request. Missing "Upgrade: websocket" header.`, http.StatusUpgradeRequired)
		return
	}

	if origin := r.Header.Get("Origin"); !h.OriginAllowed(origin) {
		log.Warn().Str("origin", origin).Msg("WebSocket origin rejected")
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	conn := NewConnection(ws, uuid.NewString(), ConnectionOptions{
		BufferSize:   h.opts.BufferSize,
		WriteTimeout: h.opts.WriteTimeout,
	})

	if err := h.registry.Register(conn); err != nil {
		log.Error().Err(err).Msg("Failed to register connection")
		_ = conn.Close()
		return
	}

	if err := h.broker.Connect(conn.Context(), conn); err != nil {
		log.Error().Err(err).Str("session_id", conn.SessionID()).Msg("Broker rejected connection")
		h.registry.Unregister(conn)
		_ = conn.Close()
		return
	}

	log.Info().Str("session_id", conn.SessionID()).Str("remote", r.RemoteAddr).Msg("WebSocket connection established")

	go h.readPump(conn)
}

// readPump owns the read side of conn. Keep-alive pings run alongside it;
// any read error ends the session through the broker's disconnect path.
func (h *Handler) readPump(conn *Connection) {
	id := conn.SessionID()
	defer func() {
		// Unregister first so a cold start racing this teardown cannot
		// pick the dead handle up again from LiveConnections.
		h.registry.Unregister(conn)
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.ReadTimeout)
		h.broker.Disconnect(ctx, conn)
		cancel()
		h.limiter.Forget(id)
		_ = conn.Close()
		log.Info().Str("session_id", id).Msg("WebSocket connection closed")
	}()

	ws := conn.conn
	ws.SetReadLimit(h.opts.MaxFrameBytes)
	if err := ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				log.Warn().Str("session_id", id).Int64("limit", h.opts.MaxFrameBytes).Msg("Inbound frame too large, closing")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Warn().Err(err).Str("session_id", id).Msg("WebSocket read error")
			}
			return
		}

		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		if !h.limiter.Allow(id) {
			log.Warn().Str("session_id", id).Msg("Rate limit exceeded, frame dropped")
			continue
		}

		h.broker.HandleFrame(conn.Context(), conn, data)
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.opts.WriteTimeout)
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-conn.ctx.Done():
			return
		}
	}
}
