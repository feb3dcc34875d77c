package broker

import (
	"context"

	"github.com/rs/zerolog/log"

	"chatme/pkg/interfaces"
)

// HandleSource enumerates transport handles that are still open. After a
// restart or hibernation these are the only sessions that can be restored.
type HandleSource interface {
	LiveConnections() []interfaces.Connection
}

// ensureInitialized rebuilds in-memory state the first time it is needed.
// Order matters: handles, then auth, then partners, then the queue, since
// each step reads what the previous one restored. Caller holds b.mu.
func (b *Broker) ensureInitialized(ctx context.Context) {
	if b.initialized {
		return
	}

	handles := 0
	if b.handles != nil {
		for _, conn := range b.handles.LiveConnections() {
			id := conn.SessionID()
			if id == "" {
				continue
			}
			if _, ok := b.st.registry.Get(id); ok {
				_ = b.st.registry.UpdateHandle(id, conn)
				continue
			}
			if _, err := b.st.registry.Register(id, conn); err == nil {
				handles++
			}
		}
	}

	authed := b.auth.restore(ctx)
	paired := b.matcher.RestorePartnerRelationships(ctx)

	queued := 0
	for _, id := range b.st.projections.LoadQueue(ctx) {
		if s, ok := b.st.registry.Get(id); ok && s.PartnerID == "" && b.st.queue.Enqueue(id) {
			queued++
		}
	}

	b.initialized = true
	log.Info().
		Int("handles", handles).
		Int("authenticated", authed).
		Int("pairs", paired).
		Int("queued", queued).
		Msg("Broker state initialized")
}
