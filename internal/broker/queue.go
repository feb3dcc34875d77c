package broker

import (
	"github.com/eapache/queue"
)

// WaitingQueue is a deduplicated FIFO of session ids waiting for a
// partner. It is not safe for concurrent use.
type WaitingQueue struct {
	items   *queue.Queue
	members map[string]struct{}
}

func NewWaitingQueue() *WaitingQueue {
	return &WaitingQueue{
		items:   queue.New(),
		members: make(map[string]struct{}),
	}
}

// Enqueue appends id. It returns false if id is already queued.
func (q *WaitingQueue) Enqueue(id string) bool {
	if _, ok := q.members[id]; ok {
		return false
	}
	q.items.Add(id)
	q.members[id] = struct{}{}
	return true
}

// Dequeue removes and returns the oldest id accepted by eligible. Ids that
// eligible rejects are discarded. exclude is never returned and keeps its
// place in line.
func (q *WaitingQueue) Dequeue(exclude string, eligible func(id string) bool) (string, bool) {
	excludedAtHead := false
	defer func() {
		if excludedAtHead {
			q.pushFront(exclude)
		}
	}()

	for q.items.Length() > 0 {
		id := q.items.Remove().(string)
		delete(q.members, id)

		if id == exclude {
			excludedAtHead = true
			continue
		}
		if eligible != nil && !eligible(id) {
			continue
		}
		return id, true
	}
	return "", false
}

// Remove deletes id wherever it sits. It returns false if id was not queued.
func (q *WaitingQueue) Remove(id string) bool {
	if _, ok := q.members[id]; !ok {
		return false
	}

	rebuilt := queue.New()
	for q.items.Length() > 0 {
		if next := q.items.Remove().(string); next != id {
			rebuilt.Add(next)
		}
	}
	q.items = rebuilt
	delete(q.members, id)
	return true
}

func (q *WaitingQueue) pushFront(id string) {
	rebuilt := queue.New()
	rebuilt.Add(id)
	for q.items.Length() > 0 {
		rebuilt.Add(q.items.Remove())
	}
	q.items = rebuilt
	q.members[id] = struct{}{}
}

func (q *WaitingQueue) Contains(id string) bool {
	_, ok := q.members[id]
	return ok
}

func (q *WaitingQueue) IsEmpty() bool {
	return q.items.Length() == 0
}

func (q *WaitingQueue) Len() int {
	return q.items.Length()
}

// Snapshot returns the queued ids in dequeue order.
func (q *WaitingQueue) Snapshot() []string {
	ids := make([]string, q.items.Length())
	for i := range ids {
		ids[i] = q.items.Get(i).(string)
	}
	return ids
}
