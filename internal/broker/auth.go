package broker

import (
	"context"
	"crypto/subtle"

	"github.com/rs/zerolog/log"

	"chatme/pkg/interfaces"
	"chatme/pkg/protocol"
)

// AuthGate checks the shared secret a client presents once per connection.
type AuthGate struct {
	st   *state
	keys [][]byte
}

func newAuthGate(st *state, keys []string) *AuthGate {
	g := &AuthGate{st: st}
	for _, k := range keys {
		if k != "" {
			g.keys = append(g.keys, []byte(k))
		}
	}
	return g
}

// Validate reports whether credential is one of the configured keys.
func (g *AuthGate) Validate(credential string) bool {
	if credential == "" {
		return false
	}
	presented := []byte(credential)
	match := 0
	for _, k := range g.keys {
		match |= subtle.ConstantTimeCompare(presented, k)
	}
	return match == 1
}

// HandleAuth authenticates the session id on conn, or rejects it and
// closes the transport.
func (g *AuthGate) HandleAuth(ctx context.Context, id string, conn interfaces.Connection, credential string) {
	session, ok := g.st.registry.Get(id)
	if !ok {
		log.Warn().Str("session_id", id).Msg("Auth on unknown connection")
		closeWith(conn, protocol.CloseConnectionNotFound, "Connection not found")
		return
	}

	if !g.Validate(credential) {
		log.Info().Str("session_id", id).Msg("Authentication failed")
		sendAndClose(conn, protocol.AuthError("Invalid API key"), protocol.CloseAuthFailed, "Authentication failed")
		return
	}

	session.Authenticated = true
	g.st.projections.SaveAuth(ctx, g.st.registry.AuthenticatedIDs())
	send(conn, protocol.AuthSuccess())
	log.Info().Str("session_id", id).Msg("Authentication successful")
}

// restore marks persisted authenticated ids that are registered again.
func (g *AuthGate) restore(ctx context.Context) int {
	restored := 0
	for _, id := range g.st.projections.LoadAuth(ctx) {
		if s, ok := g.st.registry.Get(id); ok {
			s.Authenticated = true
			restored++
		}
	}
	return restored
}
