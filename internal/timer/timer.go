// Package timer implements the 1ms periodic tick (spec.md §4.J): resend
// probes, timeout-driven aborts, peer ack requests, and dead-RPC reaping.
package timer

import (
	"time"

	"homa/internal/config"
	"homa/internal/homaerr"
	"homa/internal/outgoing"
	"homa/internal/peer"
	"homa/internal/rpc"
)

// ErrTimedOut is the abort reason used when an RPC's outstanding RESENDs
// go unanswered for timeout_resends attempts.
var ErrTimedOut = homaerr.ErrTimedOut

// trackedRPC is the bookkeeping timer needs per RPC beyond what RPC
// itself stores: ticks since last progress and outstanding resend count.
// Keyed by the RPC pointer since RPC identity is stable for its lifetime.
type trackedRPC struct {
	lastReceived   int
	ticksIdle      int
	resendsSent    int
}

// Action is one thing the timer wants the caller to do as a result of a
// tick: send a control packet, or report an RPC newly aborted.
type Action struct {
	RPC         *rpc.RPC
	SendResend  bool
	ResendFrom  int
	ResendTo    int
	Priority    int
	SendNeedAck bool
	Aborted     bool
}

// Timer drives the per-tick sweep over a socket's live RPCs. It holds no
// RPC list itself — Tick is handed the current set of RPCs to examine by
// the caller (the root homa package), which owns the client/server
// tables and can snapshot them under their own locks.
type Timer struct {
	cfg config.Config
	out *outgoing.Engine

	tracked map[*rpc.RPC]*trackedRPC
}

func New(cfg config.Config, out *outgoing.Engine) *Timer {
	return &Timer{cfg: cfg, out: out, tracked: make(map[*rpc.RPC]*trackedRPC)}
}

// Forget drops a completed or dead RPC's tracking state.
func (t *Timer) Forget(r *rpc.RPC) {
	delete(t.tracked, r)
}

// Tick examines every RPC in rpcs for resend/timeout handling (spec.md
// §4.J: "if expected data has not progressed in resend_ticks ticks, send
// RESEND at resend_interval spacing; after timeout_resends unanswered
// RESENDs ... abort the RPC with a timeout error").
func (t *Timer) Tick(rpcs []*rpc.RPC, dl *rpc.DeadList) []Action {
	var actions []Action
	for _, r := range rpcs {
		r.Mu.Lock()
		state := r.State
		received := r.Received
		r.Mu.Unlock()
		if state == rpc.Dead {
			t.Forget(r)
			continue
		}

		tr := t.tracked[r]
		if tr == nil {
			tr = &trackedRPC{lastReceived: received}
			t.tracked[r] = tr
		}

		if received > tr.lastReceived {
			tr.lastReceived = received
			tr.ticksIdle = 0
			tr.resendsSent = 0
			continue
		}
		tr.ticksIdle++
		if tr.ticksIdle < t.cfg.ResendTicks {
			continue
		}
		if tr.ticksIdle%t.cfg.ResendInterval != 0 {
			continue
		}

		if tr.resendsSent >= t.cfg.TimeoutResends {
			rpc.Abort(r, ErrTimedOut, dl)
			t.Forget(r)
			actions = append(actions, Action{RPC: r, Aborted: true})
			continue
		}
		tr.resendsSent++

		r.Mu.Lock()
		from := r.Received
		to := r.MessageLength
		r.Mu.Unlock()
		actions = append(actions, Action{RPC: r, SendResend: true, ResendFrom: from, ResendTo: to, Priority: t.cfg.MaxSchedPrio})
	}
	return actions
}

// PeerTick scans peers for outstanding server state past
// request_ack_ticks and returns the ones that need a NEED_ACK sent
// (spec.md §4.J "Per-peer: if any RPC is past request_ack_ticks with
// outstanding server state, send NEED_ACK"). hasOutstandingServerState
// reports, for a given peer, whether this socket still holds a completed
// but unacked server-role RPC from it.
func PeerTick(peers []*peer.Peer, now time.Time, requestAckTicks int, tickInterval time.Duration, hasOutstandingServerState func(*peer.Peer) bool) []*peer.Peer {
	threshold := time.Duration(requestAckTicks) * tickInterval
	var due []*peer.Peer
	for _, p := range peers {
		if p.IdleFor(now) >= threshold && hasOutstandingServerState(p) {
			due = append(due, p)
		}
	}
	return due
}

// CutoffsDue returns peers whose cutoff table was marked stale since the
// last check, for sending a fresh CUTOFFS packet (spec.md §4.A
// mark_cutoffs_stale).
func CutoffsDue(peers []*peer.Peer) []*peer.Peer {
	var due []*peer.Peer
	for _, p := range peers {
		if p.TakeCutoffsStale() {
			due = append(due, p)
		}
	}
	return due
}

// Reap drains up to reap_limit dead RPCs from dl, per spec.md §4.J
// ("Per-socket: opportunistically reap dead RPCs up to reap_limit bpages
// per invocation").
func (t *Timer) Reap(dl *rpc.DeadList) []*rpc.RPC {
	return dl.Reap(t.cfg.ReapLimit)
}

// Escalated reports whether dl's backlog has crossed dead_buffs_limit,
// signaling the caller should reap more aggressively than the steady
// per-tick limit.
func (t *Timer) Escalated(dl *rpc.DeadList) bool {
	return dl.Len() > t.cfg.DeadBuffsLimit
}
