package broker

import (
	"context"

	"github.com/rs/zerolog/log"

	"chatme/internal/events"
	"chatme/pkg/protocol"
)

// Matcher owns pairing and release of partners.
type Matcher struct {
	st *state
}

// MatchUsers links a and b, removes both from the queue and notifies them.
// It does nothing if either session has gone.
func (m *Matcher) MatchUsers(ctx context.Context, a, b string) bool {
	if a == b {
		log.Warn().Str("session_id", a).Msg("Refusing to match session with itself")
		return false
	}
	sa, okA := m.st.registry.Get(a)
	sb, okB := m.st.registry.Get(b)
	if !okA || !okB {
		log.Warn().Str("session_id", a).Str("partner_id", b).Msg("Match skipped, session gone")
		return false
	}

	sa.PartnerID = b
	sb.PartnerID = a
	m.st.projections.SavePartners(ctx, m.st.registry.Partners())

	removedA := m.st.queue.Remove(a)
	removedB := m.st.queue.Remove(b)
	if removedA || removedB {
		m.st.projections.SaveQueue(ctx, m.st.queue.Snapshot())
	}

	send(sa.Transport, protocol.Matched(b))
	send(sb.Transport, protocol.Matched(a))

	m.st.publish(events.New(events.SessionMatched, a, b))
	log.Info().Str("session_id", a).Str("partner_id", b).Msg("Sessions matched")
	return true
}

// ReleasePartner breaks the link between requester and partner. A live
// partner is notified and put back in the queue. The partner projection is
// rewritten even if the partner was already gone.
func (m *Matcher) ReleasePartner(ctx context.Context, requesterID, partnerID string) {
	if partner, ok := m.st.registry.Get(partnerID); ok && partner.PartnerID == requesterID {
		partner.PartnerID = ""
		send(partner.Transport, protocol.PartnerDisconnected())

		if !m.st.queue.Contains(partnerID) {
			m.st.queue.Enqueue(partnerID)
			m.st.projections.SaveQueue(ctx, m.st.queue.Snapshot())
		}

		m.st.publish(events.New(events.SessionReleased, partnerID, requesterID))
		log.Info().Str("session_id", partnerID).Str("partner_id", requesterID).Msg("Partner released to queue")
	}

	if requester, ok := m.st.registry.Get(requesterID); ok {
		requester.PartnerID = ""
	}

	m.st.projections.SavePartners(ctx, m.st.registry.Partners())
}

// RestorePartnerRelationships relinks persisted pairs whose sessions are
// both registered. Links to a missing session are dropped on both sides.
func (m *Matcher) RestorePartnerRelationships(ctx context.Context) int {
	restored := 0
	for id, partnerID := range m.st.projections.LoadPartners(ctx) {
		s, ok := m.st.registry.Get(id)
		p, okP := m.st.registry.Get(partnerID)
		if !ok || !okP || id == partnerID {
			continue
		}
		if (s.PartnerID != "" && s.PartnerID != partnerID) || (p.PartnerID != "" && p.PartnerID != id) {
			log.Warn().Str("session_id", id).Str("partner_id", partnerID).Msg("Conflicting persisted partner link dropped")
			continue
		}
		if s.PartnerID == "" {
			restored++
		}
		s.PartnerID = partnerID
		p.PartnerID = id
	}
	return restored
}
