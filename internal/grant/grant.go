// Package grant implements the receiver-side grant scheduler (spec.md
// §4.G): an approximation of Shortest-Remaining-Processing-Time ordering
// over incoming messages, subject to overcommit and per-peer caps, with a
// small FIFO reserve to prevent starvation.
//
// Scheduler.mu is "the global grant lock" of the lock hierarchy (spec.md
// §5, position 2): it may be acquired before an RPC's bucket lock, never
// after.
package grant

import (
	"sort"
	"sync"
	"time"

	"homa/internal/config"
	"homa/internal/peer"
	"homa/internal/rpc"
)

// Decision is one GRANT this scheduler wants sent on the wire.
type Decision struct {
	RPC      *rpc.RPC
	Offset   int
	Priority int
}

type entry struct {
	r        *rpc.RPC
	peerKey  peer.Key
	arrival  uint64
	priority int // last-assigned scheduled priority, for observability/tests
}

// Scheduler holds the process-wide (per design note §9, "model as owned
// by a single control module guarded by a dedicated lock") grant state:
// the registry of currently-incoming messages and the running total of
// granted-but-not-received bytes.
type Scheduler struct {
	cfg config.Config

	mu            sync.Mutex
	entries       map[*rpc.RPC]*entry
	nextArrival   uint64
	totalIncoming int

	lastRecalc time.Time
	ranked     []*entry // cached order from the last recalc
	fifoBudget int      // thousandths counter toward the next forced FIFO grant
}

func New(cfg config.Config) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		entries: make(map[*rpc.RPC]*entry),
	}
}

// Register adds r to the scheduler's candidate pool. Call once when an
// incoming message is created (first DATA segment for unscheduled
// messages too, so it contributes to the ranking once it becomes
// grantable). Safe to call more than once for the same r; subsequent
// calls are no-ops.
func (s *Scheduler) Register(r *rpc.RPC, peerKey peer.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[r]; ok {
		return
	}
	s.entries[r] = &entry{r: r, peerKey: peerKey, arrival: s.nextArrival}
	s.nextArrival++
}

// Unregister removes r from the candidate pool (message complete, RPC
// aborted, or ended), releasing its contribution to total_incoming.
func (s *Scheduler) Unregister(r *rpc.RPC) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[r]
	if !ok {
		return
	}
	r.Mu.Lock()
	promised := r.Granted - r.Received
	r.Mu.Unlock()
	if promised > 0 {
		s.totalIncoming -= promised
	}
	delete(s.entries, r)
	s.removeFromRanked(e)
}

func (s *Scheduler) removeFromRanked(e *entry) {
	for i, re := range s.ranked {
		if re == e {
			s.ranked = append(s.ranked[:i], s.ranked[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) grantable(e *entry) bool {
	e.r.Mu.Lock()
	defer e.r.Mu.Unlock()
	return e.r.MessageLength > e.r.UnschedBytes && e.r.Received < e.r.MessageLength
}

// recalcLocked rebuilds the ranking: ascending remaining bytes, ties
// broken by arrival order (spec.md §4.G "Priority assignment"). Caller
// holds s.mu.
func (s *Scheduler) recalcLocked(now time.Time) {
	if !s.lastRecalc.IsZero() && now.Sub(s.lastRecalc) < s.cfg.GrantRecalcUsecs {
		return
	}
	s.lastRecalc = now

	live := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		if s.grantable(e) {
			live = append(live, e)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		ri := s.remainingOf(live[i])
		rj := s.remainingOf(live[j])
		if ri != rj {
			return ri < rj
		}
		return live[i].arrival < live[j].arrival
	})
	s.ranked = live
}

func (s *Scheduler) remainingOf(e *entry) int {
	e.r.Mu.Lock()
	defer e.r.Mu.Unlock()
	return e.r.Remaining()
}

// window returns window_i for the i'th-ranked (0-based) message out of M
// grantable messages, per spec.md §4.G: the static configured window, or
// the dynamic max_incoming/(M+1) rule when window==0.
func (s *Scheduler) window(m int) int {
	if s.cfg.Window > 0 {
		return s.cfg.Window
	}
	if m <= 0 {
		m = 1
	}
	return s.cfg.MaxIncoming / (m + 1)
}

// Recalc recomputes the SRPT ranking (subject to the recalc cadence) and
// issues GRANT decisions for every message whose granted bytes should
// advance, respecting max_overcommit, max_rpcs_per_peer, and
// max_incoming. Each call adds GrantFifoFraction to a budget counted in
// thousandths; whenever the budget reaches 1000, the oldest grantable
// message gets a FIFO increment on top of its SRPT share (spec.md open
// question (b): "FIFO always wins" is the policy chosen here even when the
// oldest message's peer is already at its per-peer cap — the FIFO grant is
// issued before per-peer accounting for the SRPT pass).
func (s *Scheduler) Recalc(now time.Time) []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recalcLocked(now)
	if len(s.ranked) == 0 {
		return nil
	}

	var decisions []Decision
	perPeerCount := make(map[peer.Key]int)

	top := s.ranked
	if len(top) > s.cfg.MaxOvercommit {
		top = top[:s.cfg.MaxOvercommit]
	}

	// FIFO reserve: the oldest grantable message across the whole
	// candidate pool (not just the SRPT top) gets a small increment
	// regardless of its SRPT rank, but only on the cadence set by
	// grant_fifo_fraction of Recalc calls (spec.md §4.G), the same
	// thousandths-budget pattern internal/pacer uses for its own reserve.
	s.fifoBudget += s.cfg.GrantFifoFraction
	if s.fifoBudget >= 1000 {
		s.fifoBudget -= 1000
		if oldest := s.oldestLocked(); oldest != nil {
			if d, ok := s.fifoGrant(oldest); ok {
				decisions = append(decisions, d)
			}
		}
	}

	prio := s.cfg.MaxSchedPrio
	for i, e := range top {
		p := prio - i
		if p < 0 {
			p = 0
		}
		e.priority = p

		if perPeerCount[e.peerKey] >= s.cfg.MaxRPCsPerPeer {
			continue
		}

		d, ok := s.srptGrant(e, i, len(top), p)
		if !ok {
			continue
		}
		perPeerCount[e.peerKey]++
		decisions = append(decisions, d)
	}
	return decisions
}

func (s *Scheduler) oldestLocked() *entry {
	var oldest *entry
	for _, e := range s.entries {
		if !s.grantable(e) {
			continue
		}
		if oldest == nil || e.arrival < oldest.arrival {
			oldest = e
		}
	}
	return oldest
}

func (s *Scheduler) fifoGrant(e *entry) (Decision, bool) {
	e.r.Mu.Lock()
	defer e.r.Mu.Unlock()
	want := s.cfg.FifoGrantIncrement
	if want <= 0 {
		return Decision{}, false
	}
	newGranted := e.r.Granted + want
	if newGranted > e.r.MessageLength {
		newGranted = e.r.MessageLength
	}
	if newGranted <= e.r.Granted {
		return Decision{}, false
	}
	delta := newGranted - e.r.Granted
	if s.totalIncoming+delta > s.cfg.MaxIncoming {
		return Decision{}, false
	}
	e.r.Granted = newGranted
	s.totalIncoming += delta
	return Decision{RPC: e.r, Offset: newGranted, Priority: s.cfg.MaxSchedPrio}, true
}

func (s *Scheduler) srptGrant(e *entry, rank, m int, priority int) (Decision, bool) {
	e.r.Mu.Lock()
	defer e.r.Mu.Unlock()

	windowI := s.window(m)
	target := e.r.Received + windowI
	if target > e.r.MessageLength {
		target = e.r.MessageLength
	}
	want := target - e.r.Granted
	if want <= 0 {
		return Decision{}, false
	}
	if s.totalIncoming+want > s.cfg.MaxIncoming {
		return Decision{}, false
	}
	e.r.Granted = target
	e.r.Priority = priority
	s.totalIncoming += want
	return Decision{RPC: e.r, Offset: target, Priority: priority}, true
}

// TotalIncoming reports the current global granted-but-not-received byte
// count, for tests and metrics (invariant: ≤ max_incoming).
func (s *Scheduler) TotalIncoming() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalIncoming
}

// NoteDataReceived adjusts total_incoming downward as bytes arrive,
// independent of the recalc cadence, so the invariant holds between
// recalcs too. Call after updating r.Received.
func (s *Scheduler) NoteDataReceived(r *rpc.RPC, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[r]; !ok {
		return
	}
	s.totalIncoming -= n
	if s.totalIncoming < 0 {
		s.totalIncoming = 0
	}
}
