package rpc

import "sync"

// DeadList is a socket's dead-RPC list (spec.md §4.C: end(rpc) "splices it
// onto the socket's dead list"). The timer drains it up to reap_limit
// bpages per invocation (spec.md §4.J); an RPC is only actually freed once
// both the application has consumed its terminal message and (for client
// RPCs) the peer has acked it (spec.md §3 "RPC: ... destroyed when both
// (a) ... and (b) ...").
type DeadList struct {
	mu    sync.Mutex
	items []*RPC
}

func NewDeadList() *DeadList {
	return &DeadList{}
}

func (d *DeadList) Push(r *RPC) {
	d.mu.Lock()
	d.items = append(d.items, r)
	d.mu.Unlock()
}

func (d *DeadList) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// Reapable returns true if r is eligible for the reaper: consumed by the
// application and, for client RPCs, acked by the peer. Server RPCs have no
// client-side ack to wait for — once consumed, they're reapable.
func (r *RPC) Reapable() bool {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	if r.State != Dead || !r.Consumed {
		return false
	}
	if r.IsServer {
		return true
	}
	return r.Acked
}

// Reap removes up to limit reapable RPCs from the dead list and returns
// them for final release (peer unref, bpage release by the caller).
func (d *DeadList) Reap(limit int) []*RPC {
	d.mu.Lock()
	defer d.mu.Unlock()
	if limit <= 0 || len(d.items) == 0 {
		return nil
	}
	kept := d.items[:0:0]
	var reaped []*RPC
	for _, r := range d.items {
		if len(reaped) < limit && r.Reapable() {
			reaped = append(reaped, r)
			continue
		}
		kept = append(kept, r)
	}
	d.items = kept
	return reaped
}

// End transitions r to DEAD and splices it onto dl (idempotent: calling
// End twice on the same RPC, or on one already in dl, is a no-op beyond
// the state transition itself).
func End(r *RPC, dl *DeadList) {
	r.Mu.Lock()
	already := r.State == Dead
	r.end()
	r.Mu.Unlock()
	if !already {
		dl.Push(r)
	}
}

// Abort records err on r and ends it, splicing it onto dl (spec.md
// §4.C): client-side aborted RPCs keep their error reachable via recv
// until consumed; server-side aborted RPCs are silently ended. Callers
// (the socket's Abort/AbortAll and internal/timer) handle grant
// unregistration and waiter handoff themselves; this function only
// handles the state transition.
func Abort(r *RPC, err error, dl *DeadList) {
	r.Mu.Lock()
	already := r.State == Dead
	r.setErr(err)
	r.end()
	r.Mu.Unlock()
	if !already {
		dl.Push(r)
	}
}
