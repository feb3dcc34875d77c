package broker

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"chatme/internal/database"
	"chatme/pkg/interfaces"
	"chatme/pkg/protocol"
)

func seed(t *testing.T, store interfaces.KeyValueStore, key, value string) {
	t.Helper()
	if err := store.Put(context.Background(), key, []byte(value)); err != nil {
		t.Fatalf("Failed to seed %s: %v", key, err)
	}
}

func TestColdStart_RestoresFullState(t *testing.T) {
	store := database.NewMemoryStore()
	seed(t, store, KeyAuthenticatedSessions, `["a","c","q1","q2","gone"]`)
	seed(t, store, KeyPartnerRelationships, `{"a":"c","c":"a"}`)
	seed(t, store, KeyAvailableQueue, `["q1","gone","a","q2"]`)

	a, c, q1, q2 := newFakeConn("a"), newFakeConn("c"), newFakeConn("q1"), newFakeConn("q2")
	handles := &fakeHandles{conns: []interfaces.Connection{a, c, q1, q2, newFakeConn("")}}
	b := newTestBroker(t, store, handles)

	// Recovery runs lazily on the first event.
	if b.Stats().Initialized {
		t.Fatal("Broker should not initialize eagerly")
	}
	frame(t, b, a, `{"type":"message","text":"back"}`)

	if m := c.last(); m.Type != protocol.TypeMessage || m.From != "a" {
		t.Errorf("Restored pair should relay, got %+v", m)
	}
	if got := b.queued(); !reflect.DeepEqual(got, []string{"q1", "q2"}) {
		t.Errorf("Expected live unpartnered ids in order, got %v", got)
	}

	st := b.Stats()
	if st.Sessions != 4 || st.Authenticated != 4 || st.Paired != 2 || !st.Initialized {
		t.Errorf("Unexpected stats: %+v", st)
	}
}

func TestColdStart_StalePartnerMapRestoresNeitherSide(t *testing.T) {
	store := database.NewMemoryStore()
	seed(t, store, KeyAuthenticatedSessions, `["a"]`)
	seed(t, store, KeyPartnerRelationships, `{"a":"missing","missing":"a"}`)

	a := newFakeConn("a")
	b := newTestBroker(t, store, &fakeHandles{conns: []interfaces.Connection{a}})

	frame(t, b, a, `{"type":"message","text":"hello?"}`)

	if s, _ := b.session("a"); s.PartnerID != "" {
		t.Errorf("Half-restored link: %q", s.PartnerID)
	}
	if a.last().Type != protocol.TypePartnerDisconnected {
		t.Errorf("Expected partner_disconnected, got %v", a.types())
	}
}

func TestColdStart_UnauthenticatedHandleStaysGated(t *testing.T) {
	store := database.NewMemoryStore()
	a := newFakeConn("a")
	b := newTestBroker(t, store, &fakeHandles{conns: []interfaces.Connection{a}})

	frame(t, b, a, `{"type":"search"}`)

	if closed, code := a.closedWith(); !closed || code != protocol.CloseAuthFailed {
		t.Errorf("Expected close 4001, got %v %d", closed, code)
	}
}

func TestQueueProjectionRoundTrip(t *testing.T) {
	store := database.NewMemoryStore()
	b := newTestBroker(t, store, nil)

	ids := []string{"q1", "q2", "q3"}
	var conns []interfaces.Connection
	for _, id := range ids {
		conn := connectAuthed(t, b, id)
		frame(t, b, conn, `{"type":"search"}`)
		conns = append(conns, conn)
	}
	// Each later searcher matches the earlier waiter, so queue them directly.
	b.mu.Lock()
	for _, id := range ids {
		if s := b.st.registry.sessions[id]; s.PartnerID != "" {
			s.PartnerID = ""
		}
		b.st.queue.Remove(id)
		b.st.queue.Enqueue(id)
	}
	b.st.projections.SavePartners(context.Background(), b.st.registry.Partners())
	b.st.projections.SaveQueue(context.Background(), b.st.queue.Snapshot())
	b.mu.Unlock()

	restarted := newTestBroker(t, store, &fakeHandles{conns: conns})
	if err := restarted.Connect(context.Background(), newFakeConn("newcomer")); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if got := restarted.queued(); !reflect.DeepEqual(got, ids) {
		t.Errorf("Expected %v after restore, got %v", ids, got)
	}
}

func TestColdStart_QueuedAndPartneredResolvedToPartner(t *testing.T) {
	store := database.NewMemoryStore()
	seed(t, store, KeyAuthenticatedSessions, `["a","c"]`)
	seed(t, store, KeyPartnerRelationships, `{"a":"c","c":"a"}`)
	seed(t, store, KeyAvailableQueue, `["a"]`)

	a, c := newFakeConn("a"), newFakeConn("c")
	b := newTestBroker(t, store, &fakeHandles{conns: []interfaces.Connection{a, c}})
	frame(t, b, a, `{"type":"ping"}`)

	if got := b.queued(); len(got) != 0 {
		t.Errorf("Partnered id must not be restored to the queue, got %v", got)
	}
	if s, _ := b.session("a"); s.PartnerID != "c" {
		t.Errorf("Partner link should win, got %q", s.PartnerID)
	}
}

func TestColdStart_UnreadableProjectionIgnored(t *testing.T) {
	store := database.NewMemoryStore()
	seed(t, store, KeyAvailableQueue, `{not json`)

	a := newFakeConn("a")
	b := newTestBroker(t, store, &fakeHandles{conns: []interfaces.Connection{a}})
	frame(t, b, a, `{"type":"auth","apiKey":"`+testKey+`"}`)

	if a.last().Type != protocol.TypeAuthSuccess {
		t.Errorf("Broker should still serve, got %v", a.types())
	}
}

func TestHibernate_RecoversFromStoreAndHandles(t *testing.T) {
	store := database.NewMemoryStore()
	handles := &fakeHandles{}
	b := newTestBroker(t, store, handles)

	a, c := pair(t, b, "a", "c")
	w := connectAuthed(t, b, "w")
	frame(t, b, w, `{"type":"search"}`)
	handles.conns = []interfaces.Connection{a, c, w}

	if !b.Hibernate() {
		t.Fatal("Hibernate refused with clean projections")
	}
	if st := b.Stats(); st.Sessions != 0 || st.Initialized {
		t.Fatalf("Hibernate should drop state, got %+v", st)
	}

	frame(t, b, c, `{"type":"message","text":"still here"}`)

	if m := a.last(); m.Type != protocol.TypeMessage || m.Text != "still here" {
		t.Errorf("Pair should survive hibernation, got %+v", m)
	}
	if got := b.queued(); !reflect.DeepEqual(got, []string{"w"}) {
		t.Errorf("Queue should survive hibernation, got %v", got)
	}
	if st := b.Stats(); st.Authenticated != 3 {
		t.Errorf("Auth should survive hibernation, got %+v", st)
	}
}

// failingStore rejects every write.
type failingStore struct {
	*database.MemoryStore
}

func (f failingStore) Put(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestHibernate_RefusedWhileProjectionStale(t *testing.T) {
	b := newTestBroker(t, failingStore{database.NewMemoryStore()}, nil)
	a := connectAuthed(t, b, "a")

	if b.Hibernate() {
		t.Error("Hibernate must refuse while a write is outstanding")
	}

	// Storage errors never reach the client.
	frame(t, b, a, `{"type":"ping"}`)
	if a.last().Type != protocol.TypePong {
		t.Errorf("Expected pong, got %v", a.types())
	}
}
