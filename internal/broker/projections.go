package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"chatme/pkg/interfaces"
)

// Durable projection keys.
const (
	KeyAuthenticatedSessions = "authenticatedSessions"
	KeyPartnerRelationships  = "partnerRelationships"
	KeyAvailableQueue        = "availableQueue"
)

// Projections reads and writes the broker's durable snapshots. Storage
// failures are logged and never surface to callers; in-memory state stays
// authoritative until the next successful write.
type Projections struct {
	store interfaces.KeyValueStore

	mu     sync.Mutex
	failed map[string]bool
}

func NewProjections(store interfaces.KeyValueStore) *Projections {
	return &Projections{store: store, failed: make(map[string]bool)}
}

func (p *Projections) SaveAuth(ctx context.Context, ids []string) {
	p.put(ctx, KeyAuthenticatedSessions, ids)
}

func (p *Projections) SavePartners(ctx context.Context, links map[string]string) {
	p.put(ctx, KeyPartnerRelationships, links)
}

func (p *Projections) SaveQueue(ctx context.Context, ids []string) {
	p.put(ctx, KeyAvailableQueue, ids)
}

func (p *Projections) LoadAuth(ctx context.Context) []string {
	var ids []string
	p.get(ctx, KeyAuthenticatedSessions, &ids)
	return ids
}

func (p *Projections) LoadPartners(ctx context.Context) map[string]string {
	links := make(map[string]string)
	p.get(ctx, KeyPartnerRelationships, &links)
	return links
}

func (p *Projections) LoadQueue(ctx context.Context) []string {
	var ids []string
	p.get(ctx, KeyAvailableQueue, &ids)
	return ids
}

// Stale reports whether any projection's most recent write failed.
func (p *Projections) Stale() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.failed) > 0
}

// put and get detach from cancellation: a client hanging up mid-operation
// must not abort the snapshot write.
func (p *Projections) put(ctx context.Context, key string, v interface{}) {
	ctx = context.WithoutCancel(ctx)
	data, err := json.Marshal(v)
	if err == nil {
		err = p.store.Put(ctx, key, data)
	}

	p.mu.Lock()
	if err != nil {
		p.failed[key] = true
	} else {
		delete(p.failed, key)
	}
	p.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to persist projection")
	}
}

func (p *Projections) get(ctx context.Context, key string, v interface{}) {
	data, err := p.store.Get(context.WithoutCancel(ctx), key)
	if err != nil {
		if !errors.Is(err, interfaces.ErrKeyNotFound) {
			log.Error().Err(err).Str("key", key).Msg("Failed to load projection")
		}
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Discarding unreadable projection")
	}
}
