package session

import (
	"sort"
	"sync"
	"time"
)

// PendingRequest describes one request awaiting its reply.
type PendingRequest struct {
	RequestID  uint64
	Target     string
	QueuedAt   time.Time
	DeadlineAt time.Time
}

type pendingEntry[T any] struct {
	info PendingRequest
	ch   chan T
}

// PendingTable correlates replies with outstanding requests by request id.
// Each id resolves at most once; replies for unknown ids are reported back
// to the caller so it can drop them.
type PendingTable[T any] struct {
	mu    sync.Mutex
	next  uint64
	items map[uint64]pendingEntry[T]
	now   func() time.Time
}

func NewPendingTable[T any]() *PendingTable[T] {
	return &PendingTable[T]{
		items: make(map[uint64]pendingEntry[T]),
		now:   time.Now,
	}
}

// Open registers a new request and returns its id and the channel that
// receives the reply. A zero timeout records no deadline.
func (p *PendingTable[T]) Open(target string, timeout time.Duration) (uint64, <-chan T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	id := p.next
	now := p.now()
	info := PendingRequest{RequestID: id, Target: target, QueuedAt: now}
	if timeout > 0 {
		info.DeadlineAt = now.Add(timeout)
	}
	ch := make(chan T, 1)
	p.items[id] = pendingEntry[T]{info: info, ch: ch}
	return id, ch
}

// Resolve delivers v to the request with id. It returns false when the id
// is unknown, already resolved, or cancelled.
func (p *PendingTable[T]) Resolve(id uint64, v T) bool {
	p.mu.Lock()
	entry, ok := p.items[id]
	if ok {
		delete(p.items, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	entry.ch <- v
	return true
}

// Cancel forgets id so a later reply is dropped.
func (p *PendingTable[T]) Cancel(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.items[id]; !ok {
		return false
	}
	delete(p.items, id)
	return true
}

func (p *PendingTable[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func (p *PendingTable[T]) List() []PendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingRequest, 0, len(p.items))
	for _, entry := range p.items {
		out = append(out, entry.info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestID < out[j].RequestID
	})
	return out
}
