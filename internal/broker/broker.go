package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"chatme/internal/events"
	"chatme/pkg/interfaces"
	"chatme/pkg/protocol"
)

var tracer = otel.Tracer("chatme/internal/broker")

// Options configures a Broker.
type Options struct {
	// APIKeys are the accepted shared secrets.
	APIKeys []string
	// MatchDelay is the pause between a search request and the match
	// attempt. No lock is held while waiting and the caller's read loop is
	// not blocked.
	MatchDelay time.Duration
}

// Stats is a point-in-time view of broker state.
type Stats struct {
	Sessions      int  `json:"sessions"`
	Authenticated int  `json:"authenticated"`
	Paired        int  `json:"paired"`
	Queued        int  `json:"queued"`
	Initialized   bool `json:"initialized"`
}

// Broker is the single serialization point for matchmaking and relay.
type Broker struct {
	opts    Options
	handles HandleSource

	mu          sync.Mutex
	st          *state
	initialized bool
	auth        *AuthGate
	matcher     *Matcher
	router      *Router

	lastActivity atomic.Int64
	searches     sync.WaitGroup
}

// New creates a broker over store. handles may be nil when no transport
// survives a restart; publisher may be nil to disable lifecycle events.
func New(opts Options, store interfaces.KeyValueStore, handles HandleSource, publisher events.Publisher) *Broker {
	if publisher == nil {
		publisher = events.Noop{}
	}

	st := &state{
		registry:    NewRegistry(),
		queue:       NewWaitingQueue(),
		projections: NewProjections(store),
		publisher:   publisher,
	}

	b := &Broker{
		opts:    opts,
		handles: handles,
		st:      st,
		auth:    newAuthGate(st, opts.APIKeys),
		matcher: &Matcher{st: st},
		router:  &Router{st: st},
	}
	b.touch()
	return b
}

// Connect registers a freshly accepted transport as an unauthenticated
// session.
func (b *Broker) Connect(ctx context.Context, conn interfaces.Connection) error {
	b.touch()
	id := conn.SessionID()
	if id == "" {
		return ErrMissingSessionID
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureInitialized(ctx)

	// Recovery may already have picked the handle up from the transport.
	if _, ok := b.st.registry.Get(id); ok {
		return b.st.registry.UpdateHandle(id, conn)
	}
	if _, err := b.st.registry.Register(id, conn); err != nil {
		return err
	}

	log.Info().Str("session_id", id).Msg("Session registered")
	return nil
}

// HandleFrame processes one inbound frame from conn. Client mistakes are
// answered on the wire; nothing is returned to the transport.
func (b *Broker) HandleFrame(ctx context.Context, conn interfaces.Connection, data []byte) {
	b.touch()
	id := conn.SessionID()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("session_id", id).Msg("Recovered while handling frame")
			send(conn, protocol.ChatEnded())
		}
	}()

	msg, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("Malformed frame")
		send(conn, protocol.ProtocolError(err.Error()))
		return
	}

	ctx, span := tracer.Start(ctx, "broker."+msg.Type,
		trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	if b.dispatch(ctx, id, conn, msg) {
		b.search(ctx, id)
	}
}

// Wait blocks until every delayed match attempt has finished.
func (b *Broker) Wait() {
	b.searches.Wait()
}

// dispatch runs everything except the search flow under the lock. It
// reports whether the caller should run a search.
func (b *Broker) dispatch(ctx context.Context, id string, conn interfaces.Connection, msg *protocol.ClientMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureInitialized(ctx)

	session := b.attach(id, conn)

	if msg.Type == protocol.TypeAuth {
		b.auth.HandleAuth(ctx, id, conn, msg.APIKey)
		return false
	}

	if session == nil {
		closeWith(conn, protocol.CloseConnectionNotFound, "Connection not found")
		return false
	}
	if !session.Authenticated {
		log.Info().Str("session_id", id).Str("type", msg.Type).Msg("Unauthenticated request rejected")
		sendAndClose(conn, protocol.AuthError("Not authenticated"), protocol.CloseAuthFailed, "Not authenticated")
		return false
	}

	if err := msg.Validate(); err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			log.Warn().Str("session_id", id).Str("type", msg.Type).Msg("Unknown message type ignored")
			return false
		}
		log.Warn().Err(err).Str("session_id", id).Str("type", msg.Type).Msg("Invalid frame rejected")
		send(conn, protocol.ProtocolError(err.Error()))
		return false
	}

	switch msg.Type {
	case protocol.TypeSearch:
		return true
	case protocol.TypeMessage:
		b.router.HandleMessage(ctx, session, msg)
	case protocol.TypeEndChat:
		b.endChat(ctx, session)
	case protocol.TypePing:
		send(conn, protocol.Pong())
	case protocol.TypeTypingStart, protocol.TypeTypingStop:
		b.router.ForwardTypingEvent(ctx, session, msg.Type)
	}
	return false
}

// attach returns the session for id, registering it or replacing its
// handle as needed. It returns nil for an uncorrelated handle.
func (b *Broker) attach(id string, conn interfaces.Connection) *Session {
	if id == "" {
		return nil
	}
	if s, ok := b.st.registry.Get(id); ok {
		if s.Transport != conn {
			s.Transport = conn
			log.Debug().Str("session_id", id).Msg("Session handle replaced")
		}
		return s
	}

	s, err := b.st.registry.Register(id, conn)
	if err != nil {
		return nil
	}
	log.Info().Str("session_id", id).Msg("Session re-registered from live handle")
	return s
}

// search releases any current partner, then pairs id with the oldest
// eligible waiter or queues it. With a MatchDelay the attempt runs on its
// own goroutine so later frames from the same client are not held behind
// the delay; it is abandoned when ctx ends.
func (b *Broker) search(ctx context.Context, id string) {
	b.releaseForSearch(ctx, id)

	if b.opts.MatchDelay <= 0 {
		b.attemptMatch(ctx, id)
		return
	}

	b.searches.Add(1)
	go func() {
		defer b.searches.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("session_id", id).Msg("Recovered during delayed match")
			}
		}()

		timer := time.NewTimer(b.opts.MatchDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}

		ctx, span := tracer.Start(ctx, "broker.match",
			trace.WithAttributes(attribute.String("session.id", id)))
		defer span.End()
		b.attemptMatch(ctx, id)
	}()
}

func (b *Broker) attemptMatch(ctx context.Context, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureInitialized(ctx)

	// The session may have left or been matched by another searcher
	// during the delay.
	self, ok := b.st.registry.Get(id)
	if !ok || self.PartnerID != "" {
		return
	}

	partnerID, found := b.st.queue.Dequeue(id, b.eligible)
	b.st.projections.SaveQueue(ctx, b.st.queue.Snapshot())

	if !found {
		if b.st.queue.Enqueue(id) {
			b.st.projections.SaveQueue(ctx, b.st.queue.Snapshot())
			log.Info().Str("session_id", id).Int("queue_len", b.st.queue.Len()).Msg("Session queued")
		}
		send(self.Transport, protocol.Searching())
		return
	}

	b.matcher.MatchUsers(ctx, id, partnerID)
}

func (b *Broker) releaseForSearch(ctx context.Context, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureInitialized(ctx)

	if s, ok := b.st.registry.Get(id); ok && s.PartnerID != "" {
		b.matcher.ReleasePartner(ctx, id, s.PartnerID)
	}
}

// eligible reports whether a queued id can still be matched.
func (b *Broker) eligible(id string) bool {
	s, ok := b.st.registry.Get(id)
	return ok && s.PartnerID == ""
}

func (b *Broker) endChat(ctx context.Context, session *Session) {
	b.terminate(ctx, session.ID)
	sendAndClose(session.Transport, protocol.ChatEnded(), protocol.CloseNormal, "Chat ended")
}

// Disconnect tears down the session owned by conn after a close or
// transport error. It is idempotent.
func (b *Broker) Disconnect(ctx context.Context, conn interfaces.Connection) {
	b.touch()
	id := conn.SessionID()
	if id == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureInitialized(ctx)

	s, ok := b.st.registry.Get(id)
	if !ok {
		return
	}
	if s.Transport != conn {
		log.Debug().Str("session_id", id).Msg("Ignoring disconnect of replaced handle")
		return
	}
	b.terminate(ctx, id)
}

// terminate releases the partner, leaves the queue, deletes the session
// and persists every projection, in that order. Caller holds b.mu.
func (b *Broker) terminate(ctx context.Context, id string) {
	s, ok := b.st.registry.Get(id)
	if !ok {
		return
	}

	if s.PartnerID != "" {
		b.matcher.ReleasePartner(ctx, id, s.PartnerID)
	}
	b.st.queue.Remove(id)
	b.st.registry.Remove(id)

	b.st.projections.SaveAuth(ctx, b.st.registry.AuthenticatedIDs())
	b.st.projections.SavePartners(ctx, b.st.registry.Partners())
	b.st.projections.SaveQueue(ctx, b.st.queue.Snapshot())

	b.st.publish(events.New(events.SessionEnded, id, ""))
	log.Info().Str("session_id", id).Msg("Session terminated")
}

// Hibernate drops all in-memory state. The next event rebuilds it from the
// store and the live handles. It refuses, returning false, while a
// projection write is outstanding, since that state would be lost.
func (b *Broker) Hibernate() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return true
	}
	if b.st.projections.Stale() {
		log.Warn().Msg("Hibernation skipped, projections not persisted")
		return false
	}

	sessions := b.st.registry.Len()
	b.st.registry = NewRegistry()
	b.st.queue = NewWaitingQueue()
	b.initialized = false

	log.Info().Int("sessions", sessions).Msg("Broker hibernated")
	return true
}

// IdleSince returns the time of the last inbound event.
func (b *Broker) IdleSince() time.Time {
	return time.Unix(0, b.lastActivity.Load())
}

func (b *Broker) touch() {
	b.lastActivity.Store(time.Now().UnixNano())
}

// Stats reports current counts without triggering recovery.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := Stats{
		Sessions:    b.st.registry.Len(),
		Queued:      b.st.queue.Len(),
		Initialized: b.initialized,
	}
	for _, s := range b.st.registry.sessions {
		if s.Authenticated {
			stats.Authenticated++
		}
		if s.PartnerID != "" {
			stats.Paired++
		}
	}
	return stats
}
