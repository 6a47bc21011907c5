// Package interest implements the wait/handoff object a blocking recv
// binds to another thread's completion of an RPC (spec.md §4.E): a
// private interest is pinned to one RPC, a shared interest wakes for any
// RPC on the socket's ready queue. Wakeup is a buffered channel rather
// than the kernel's task-struct wakeup, following the ctx/ticker/select
// wait style used for connection-manager loops in this codebase.
package interest

import (
	"context"
	"sync"
)

// Interest is a single waiting thread's handoff slot. It is filled at
// most once: either by a direct handoff (the thread it's bound to, or the
// socket's shared queue, delivers an RPC id into it) or by the waiter
// giving up (Cancel).
type Interest struct {
	Private bool // true: bound to one rpcID at registration; false: shared

	ready chan uint64 // buffered 1; delivers the ready RPC's id
	mu    sync.Mutex
	done  bool
}

// New creates an interest. private mirrors spec.md §4.E's PRIVATE flag:
// a private interest is only ever woken by a handoff naming the specific
// RPC it was registered for.
func New(private bool) *Interest {
	return &Interest{
		Private: private,
		ready:   make(chan uint64, 1),
	}
}

// Deliver hands rpcID to this interest, waking its waiter. Returns false
// if the interest was already fulfilled or cancelled (the caller should
// try the next waiter instead).
func (in *Interest) Deliver(rpcID uint64) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.done {
		return false
	}
	select {
	case in.ready <- rpcID:
		in.done = true
		return true
	default:
		return false
	}
}

// Cancel marks the interest as no longer waiting, e.g. because the
// caller's context was cancelled or the socket is shutting down. Safe to
// call after a successful Deliver; it is then a no-op.
func (in *Interest) Cancel() {
	in.mu.Lock()
	in.done = true
	in.mu.Unlock()
}

// Wait blocks until an RPC is delivered, ctx is done, or shutdown fires,
// implementing spec.md §4.E's "busy-poll + sleep" waiter semantics at the
// blocking-recv layer (the busy-poll spin itself belongs to the caller,
// which should try a non-blocking Poll a few times before calling Wait).
func (in *Interest) Wait(ctx context.Context, shutdown <-chan struct{}) (uint64, error) {
	select {
	case id := <-in.ready:
		return id, nil
	case <-ctx.Done():
		in.Cancel()
		return 0, ctx.Err()
	case <-shutdown:
		in.Cancel()
		return 0, ErrShutdown
	}
}

// Poll performs a single non-blocking check, for the busy-poll phase
// before a thread parks in Wait.
func (in *Interest) Poll() (uint64, bool) {
	select {
	case id := <-in.ready:
		return id, true
	default:
		return 0, false
	}
}

// ErrShutdown is returned by Wait when the socket is shutting down while
// a thread is parked waiting for an RPC.
var ErrShutdown = errShutdown{}

type errShutdown struct{}

func (errShutdown) Error() string { return "socket shut down while waiting" }

// Queue is a socket's set of outstanding interests plus its shared
// ready-RPC backlog (spec.md §4.E: handoff prefers a matching private
// interest, then a shared interest, then queues the RPC on ready_rpcs for
// the next recv call to pick up directly).
type Queue struct {
	mu        sync.Mutex
	private   map[uint64][]*Interest // keyed by the rpc id they're pinned to
	shared    []*Interest
	readyRPCs []uint64
}

func NewQueue() *Queue {
	return &Queue{private: make(map[uint64][]*Interest)}
}

// RegisterPrivate adds in as a waiter pinned to rpcID.
func (q *Queue) RegisterPrivate(rpcID uint64, in *Interest) {
	q.mu.Lock()
	q.private[rpcID] = append(q.private[rpcID], in)
	q.mu.Unlock()
}

// RegisterShared adds in as a waiter for any ready RPC.
func (q *Queue) RegisterShared(in *Interest) {
	q.mu.Lock()
	q.shared = append(q.shared, in)
	q.mu.Unlock()
}

// Handoff delivers rpcID to a waiter: first a private interest registered
// for rpcID, then the oldest live shared interest, then falls back to
// queuing rpcID on the ready list for a future non-blocking recv to find.
func (q *Queue) Handoff(rpcID uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if waiters := q.private[rpcID]; len(waiters) > 0 {
		for len(waiters) > 0 {
			w := waiters[0]
			waiters = waiters[1:]
			if w.Deliver(rpcID) {
				if len(waiters) == 0 {
					delete(q.private, rpcID)
				} else {
					q.private[rpcID] = waiters
				}
				return
			}
		}
		delete(q.private, rpcID)
	}

	for len(q.shared) > 0 {
		w := q.shared[0]
		q.shared = q.shared[1:]
		if w.Deliver(rpcID) {
			return
		}
	}

	q.readyRPCs = append(q.readyRPCs, rpcID)
}

// TakeReady pops the oldest queued-but-undelivered RPC id, for a
// non-blocking recv or the busy-poll phase before Wait.
func (q *Queue) TakeReady() (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.readyRPCs) == 0 {
		return 0, false
	}
	id := q.readyRPCs[0]
	q.readyRPCs = q.readyRPCs[1:]
	return id, true
}

// HasReady reports whether any RPC is queued on the ready list, without
// consuming it, for a non-destructive poll() check.
func (q *Queue) HasReady() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.readyRPCs) > 0
}

// DropPrivate removes in from rpcID's private waiter list, for cleanup
// when a context is cancelled before delivery.
func (q *Queue) DropPrivate(rpcID uint64, in *Interest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	waiters := q.private[rpcID]
	for i, w := range waiters {
		if w == in {
			q.private[rpcID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(q.private[rpcID]) == 0 {
		delete(q.private, rpcID)
	}
}
