package netio

import "sync"

// queuedEvent bundles a NetEvent with its optional Recv payload so that
// pushing both under one lock acquisition automatically keeps them in the
// same FIFO position — the invariant spec.md's separate event/payload
// queues exist to guarantee is free in Go, since a slice field is just a
// handle, not a fixed-size record.
type queuedEvent struct {
	ev      NetEvent
	payload []byte
}

// EventQueue is a thread-safe FIFO of NetEvents. Recv events additionally
// carry their payload, retrieved by PopOne.
type EventQueue struct {
	mu    sync.Mutex
	items []queuedEvent
	head  int
}

// NewEventQueue returns an empty EventQueue.
func NewEventQueue() *EventQueue {
	return &EventQueue{}
}

func (q *EventQueue) push(item queuedEvent) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
}

// PushAccept enqueues an Accept event.
func (q *EventQueue) PushAccept(key NetKey, ip string, port uint16) {
	q.push(queuedEvent{ev: NetEvent{Key: key, Kind: EventAccept, IP: ip, Port: port}})
}

// PushConnect enqueues a Connect event.
func (q *EventQueue) PushConnect(key NetKey, ip string, port uint16) {
	q.push(queuedEvent{ev: NetEvent{Key: key, Kind: EventConnect, IP: ip, Port: port}})
}

// PushDisconnect enqueues a Disconnect event.
func (q *EventQueue) PushDisconnect(key NetKey, ip string, port uint16) {
	q.push(queuedEvent{ev: NetEvent{Key: key, Kind: EventDisconnect, IP: ip, Port: port}})
}

// PushRecv enqueues a Recv event with its payload. A zero-length payload is
// malformed and is dropped silently — neither event nor payload is queued.
func (q *EventQueue) PushRecv(key NetKey, data []byte) {
	if len(data) == 0 {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	q.push(queuedEvent{ev: NetEvent{Key: key, Kind: EventRecv}, payload: cp})
}

// PushError enqueues an Error event.
func (q *EventQueue) PushError(key NetKey, kind ErrorKind) {
	q.push(queuedEvent{ev: NetEvent{Key: key, Kind: EventError, Err: kind}})
}

// PopOne dequeues the oldest event, if any, along with its Recv payload
// (nil for every other kind).
func (q *EventQueue) PopOne() (NetEvent, []byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head >= len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return NetEvent{}, nil, false
	}
	item := q.items[q.head]
	q.items[q.head] = queuedEvent{}
	q.head++
	if q.head > 64 && q.head*2 > len(q.items) {
		remaining := copy(q.items, q.items[q.head:])
		q.items = q.items[:remaining]
		q.head = 0
	}
	return item.ev, item.payload, true
}

// Len reports the number of events currently queued. Intended for tests and
// diagnostics, not for flow control.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}
