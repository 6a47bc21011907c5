// Package peer implements the Homa peer table (spec.md §4.A): long-lived
// per-destination state — address, ack backlog, unscheduled-cutoff
// version — reference-counted and LRU-evicted. The map-plus-container/list
// LRU shape and its single mutex are adapted from the teacher's
// internal/peer/store.go (originally an identity/pubkey cache); the
// content is Homa's own (address, ack backlog, cutoffs) rather than the
// teacher's node-identity fields.
package peer

import (
	"container/list"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"homa/internal/wire"
)

// Key identifies a peer within a network namespace by its canonical
// address. IPv4 addresses are transported as IPv4-mapped IPv6 per spec.md
// §4.A / §6.
type Key struct {
	Namespace string
	Addr      netip.Addr
}

// Canonicalize maps an address to its canonical namespace-lookup form:
// IPv4 addresses become v4-mapped IPv6.
func Canonicalize(addr netip.Addr) netip.Addr {
	if addr.Is4() {
		return netip.AddrFrom16(addr.As16())
	}
	return addr
}

const maxAckBacklog = 64

// CutoffTable is the peer's current outbound unscheduled-priority
// thresholds, versioned so a stale copy can be detected and refreshed
// (SPEC_FULL.md's supplemented CUTOFFS-versioning section, grounded on
// original_source/homa_peer.h).
type CutoffTable struct {
	Thresholds [wire.MaxPriorities]int32
	Version    uint32
}

// Peer is the per-destination state named in spec.md §3 "Lifecycles" and
// §4.A. It is reference-counted so eviction never races a concurrent user;
// find_or_create bumps the count, and callers holding a *Peer across a
// suspension point must call Release when done.
type Peer struct {
	Key Key

	refCount atomic.Int32

	mu           sync.Mutex
	lastActive   time.Time
	acks         []uint64
	cutoffs      CutoffTable
	cutoffsStale bool
}

func newPeer(k Key) *Peer {
	p := &Peer{Key: k, lastActive: time.Now()}
	p.refCount.Store(1)
	return p
}

func (p *Peer) touch() {
	p.mu.Lock()
	p.lastActive = time.Now()
	p.mu.Unlock()
}

// AddAck appends id to the peer's pending ack queue so it can be
// piggybacked onto the next outgoing packet (spec.md §4.A). The queue is
// bounded: once full, the oldest pending ack is dropped in favor of the
// new one rather than growing unboundedly under a stalled peer.
func (p *Peer) AddAck(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.acks) >= maxAckBacklog {
		copy(p.acks, p.acks[1:])
		p.acks[len(p.acks)-1] = id
		return
	}
	p.acks = append(p.acks, id)
}

// DrainAcks removes and returns every pending ack, for attaching to the
// next outgoing packet to this peer.
func (p *Peer) DrainAcks() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.acks) == 0 {
		return nil
	}
	out := p.acks
	p.acks = nil
	return out
}

// MarkCutoffsStale forces a CUTOFFS packet to be sent to this peer on the
// next opportunity (spec.md §4.A).
func (p *Peer) MarkCutoffsStale() {
	p.mu.Lock()
	p.cutoffsStale = true
	p.mu.Unlock()
}

// TakeCutoffsStale reports and clears the stale flag; internal/timer's
// CutoffsDue calls this for each peer once per tick.
func (p *Peer) TakeCutoffsStale() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	stale := p.cutoffsStale
	p.cutoffsStale = false
	return stale
}

// UpdateCutoffs installs a newly received CUTOFFS table if its version is
// newer than what's cached (spec.md §4.F CUTOFFS handling).
func (p *Peer) UpdateCutoffs(c CutoffTable) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.Version > p.cutoffs.Version {
		p.cutoffs = c
	}
}

// Cutoffs returns the peer's current cutoff table.
func (p *Peer) Cutoffs() CutoffTable {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cutoffs
}

func (p *Peer) idleFor(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Sub(p.lastActive)
}

// IdleFor reports how long it has been since this peer last sent or
// received traffic, for the timer's request_ack_ticks check (spec.md
// §4.J).
func (p *Peer) IdleFor(now time.Time) time.Duration {
	return p.idleFor(now)
}

// Release drops a reference acquired from FindOrCreate. It never frees the
// peer directly; the table's GC pass reclaims peers whose ref count has
// dropped to zero and which are idle past the policy threshold.
func (p *Peer) Release() {
	p.refCount.Add(-1)
}

// Table is the process-wide peer table, keyed by (namespace, canonical
// address). Entries are evicted only by GC (spec.md §3 Lifecycles), never
// synchronously on Release, so a peer mid-RESEND-timer doesn't vanish
// under a caller that happened to drop the last visible reference.
type Table struct {
	mu    sync.Mutex
	hot   map[Key]*list.Element
	order *list.List

	idleSecsMax int
	gcThreshold int
}

type tableEntry struct {
	key  Key
	peer *Peer
}

func NewTable(idleSecsMax, gcThreshold int) *Table {
	return &Table{
		hot:         make(map[Key]*list.Element),
		order:       list.New(),
		idleSecsMax: idleSecsMax,
		gcThreshold: gcThreshold,
	}
}

// FindOrCreate returns the peer for (ns, addr), creating it on first use
// (spec.md §3 "Peer: created on first send or receive to/from an
// address"). The returned peer holds one reference the caller must
// Release.
func (t *Table) FindOrCreate(ns string, addr netip.Addr) *Peer {
	k := Key{Namespace: ns, Addr: Canonicalize(addr)}
	t.mu.Lock()
	if el, ok := t.hot[k]; ok {
		t.order.MoveToFront(el)
		p := el.Value.(*tableEntry).peer
		p.refCount.Add(1)
		t.mu.Unlock()
		p.touch()
		return p
	}
	p := newPeer(k)
	el := t.order.PushFront(&tableEntry{key: k, peer: p})
	t.hot[k] = el
	t.mu.Unlock()
	return p
}

// Len reports the number of peers currently tracked.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.hot)
}

// GC evicts peers idle longer than idleSecsMax, but only once the table
// holds more than gcThreshold entries (spec.md §3: "destroyed by LRU gc
// when idle > peer_idle_secs_max AND total peers > peer_gc_threshold").
// Peers with an outstanding reference are skipped and revisited on the
// next GC pass.
func (t *Table) GC(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.hot) <= t.gcThreshold {
		return 0
	}
	evicted := 0
	maxIdle := time.Duration(t.idleSecsMax) * time.Second
	for el := t.order.Back(); el != nil && len(t.hot) > t.gcThreshold; {
		prev := el.Prev()
		ent := el.Value.(*tableEntry)
		if ent.peer.refCount.Load() <= 0 && ent.peer.idleFor(now) > maxIdle {
			t.order.Remove(el)
			delete(t.hot, ent.key)
			evicted++
		}
		el = prev
	}
	return evicted
}
