package broker

import (
	"context"

	"github.com/rs/zerolog/log"

	"chatme/pkg/protocol"
)

// Router forwards chat payloads and typing signals to a session's partner.
// Nothing is buffered: with no partner a message is dropped.
type Router struct {
	st *state
}

// HandleMessage relays text and/or an image from sender to its partner.
func (r *Router) HandleMessage(ctx context.Context, sender *Session, msg *protocol.ClientMessage) {
	if !msg.HasContent() {
		log.Warn().Str("session_id", sender.ID).Msg("Rejected message without text or image")
		send(sender.Transport, protocol.ProtocolError(protocol.ErrEmptyMessage.Error()))
		return
	}

	partner, ok := r.partnerOf(ctx, sender)
	if !ok {
		send(sender.Transport, protocol.PartnerDisconnected())
		return
	}

	if err := partner.Transport.WriteJSON(protocol.Relayed(sender.ID, msg.Text, msg.ImageURL)); err != nil {
		// The partner's own disconnect will finish the cleanup.
		log.Warn().Err(err).Str("session_id", sender.ID).Str("partner_id", partner.ID).Msg("Relay failed, dropping partner link")
		sender.PartnerID = ""
		r.st.projections.SavePartners(ctx, r.st.registry.Partners())
	}
}

// ForwardTypingEvent relays a typing_start or typing_stop signal. It is a
// silent no-op without a partner.
func (r *Router) ForwardTypingEvent(ctx context.Context, sender *Session, kind string) {
	if !protocol.IsTypingKind(kind) {
		return
	}
	partner, ok := r.partnerOf(ctx, sender)
	if !ok {
		return
	}
	if err := partner.Transport.WriteJSON(protocol.Typing(kind)); err != nil {
		log.Debug().Err(err).Str("session_id", sender.ID).Msg("Typing signal not delivered")
	}
}

// partnerOf resolves the partner only if the link is still symmetric. A
// one-sided link left behind by a failed relay is cleared here.
func (r *Router) partnerOf(ctx context.Context, s *Session) (*Session, bool) {
	if s.PartnerID == "" {
		return nil, false
	}
	partner, ok := r.st.registry.Get(s.PartnerID)
	if ok && partner.PartnerID == s.ID {
		return partner, true
	}

	s.PartnerID = ""
	r.st.projections.SavePartners(ctx, r.st.registry.Partners())
	return nil, false
}
