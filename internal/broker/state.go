package broker

import (
	"github.com/rs/zerolog/log"

	"chatme/internal/events"
	"chatme/pkg/interfaces"
	"chatme/pkg/protocol"
)

// state is shared by every broker service. Callers hold Broker.mu.
type state struct {
	registry    *Registry
	queue       *WaitingQueue
	projections *Projections
	publisher   events.Publisher
}

func (st *state) publish(e events.Event) {
	if err := st.publisher.Publish(e); err != nil {
		log.Warn().Err(err).Str("event", e.Type).Str("session_id", e.SessionID).Msg("Failed to publish lifecycle event")
	}
}

// send writes msg to conn. A failed write is logged and otherwise ignored;
// the transport's read loop reports the disconnect.
func send(conn interfaces.Connection, msg protocol.ServerMessage) bool {
	if err := conn.WriteJSON(msg); err != nil {
		log.Debug().Err(err).Str("session_id", conn.SessionID()).Str("type", msg.Type).Msg("Send failed")
		return false
	}
	return true
}

func closeWith(conn interfaces.Connection, code int, reason string) {
	if err := conn.CloseWithStatus(code, reason); err != nil {
		log.Debug().Err(err).Str("session_id", conn.SessionID()).Int("code", code).Msg("Close failed")
	}
}

func sendAndClose(conn interfaces.Connection, msg protocol.ServerMessage, code int, reason string) {
	send(conn, msg)
	closeWith(conn, code, reason)
}
