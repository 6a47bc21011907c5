// Package pacer implements the output-side SRPT throttle (spec.md §4.I):
// an estimated NIC transmit-queue occupancy in nanoseconds, used to decide
// whether a packet goes out immediately or joins a throttled queue
// ordered by the sending RPC's remaining bytes.
package pacer

import (
	"container/heap"
	"sync"
	"time"

	"homa/internal/config"
	"homa/internal/rpc"
)

// DontThrottle bypasses the queue entirely regardless of estimated
// occupancy; the socket uses it for the unscheduled DATA prefix of a new
// message. Control packets do not pass through the pacer at all.
const DontThrottle = true
const Throttle = false

// Packet is one unit the pacer schedules: an outgoing segment for an RPC,
// with the byte length that determines both queueing cost and SRPT rank.
type Packet struct {
	RPC       *rpc.RPC
	Bytes     int
	Remaining int // sending RPC's remaining bytes at enqueue time, for SRPT order
	Send      func()
	arrival   uint64
}

type throttledQueue []*Packet

func (q throttledQueue) Len() int { return len(q) }
func (q throttledQueue) Less(i, j int) bool {
	if q[i].Remaining != q[j].Remaining {
		return q[i].Remaining < q[j].Remaining
	}
	return q[i].arrival < q[j].arrival
}
func (q throttledQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *throttledQueue) Push(x any)   { *q = append(*q, x.(*Packet)) }
func (q *throttledQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Pacer tracks the estimated NIC queue occupancy and either fires packets
// immediately or holds them on a throttled SRPT queue with a small FIFO
// reserve (spec.md §4.I).
type Pacer struct {
	cfg config.Config

	mu           sync.Mutex
	queueNs      int64
	lastUpdate   time.Time
	queue        throttledQueue
	nextArrival  uint64
	fifoBudget   int // thousandths counter toward the next forced-FIFO send
}

func New(cfg config.Config) *Pacer {
	return &Pacer{cfg: cfg, lastUpdate: time.Time{}}
}

// decayLocked subtracts real elapsed time from the estimated queue,
// never going below zero. Caller holds p.mu.
func (p *Pacer) decayLocked(now time.Time) {
	if p.lastUpdate.IsZero() {
		p.lastUpdate = now
		return
	}
	elapsed := now.Sub(p.lastUpdate).Nanoseconds()
	p.lastUpdate = now
	p.queueNs -= elapsed
	if p.queueNs < 0 {
		p.queueNs = 0
	}
}

func (p *Pacer) txCostNs(bytes int) int64 {
	if p.cfg.LinkMbps <= 0 {
		return 0
	}
	return int64(bytes) * 8 * 1000 / int64(p.cfg.LinkMbps)
}

// Submit offers pkt to the pacer (spec.md §4.I): sent immediately if the
// estimated queue is shallow enough, the packet is small enough to skip
// throttling, or dontThrottle is set; otherwise it joins the SRPT queue.
func (p *Pacer) Submit(now time.Time, pkt *Packet, dontThrottle bool) {
	p.mu.Lock()
	p.decayLocked(now)

	immediate := dontThrottle ||
		p.queueNs <= p.cfg.MaxNicQueueNs ||
		pkt.Bytes < p.cfg.ThrottleMinBytes

	if immediate {
		p.queueNs += p.txCostNs(pkt.Bytes)
		p.mu.Unlock()
		pkt.Send()
		return
	}

	pkt.arrival = p.nextArrival
	p.nextArrival++
	heap.Push(&p.queue, pkt)
	p.mu.Unlock()
}

// Drain pulls ready packets off the throttled queue while the estimated
// queue has headroom, applying the FIFO reserve (pacer_fifo_fraction) by
// occasionally forcing out the oldest-arrived packet instead of the
// shortest-remaining one.
func (p *Pacer) Drain(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decayLocked(now)

	for len(p.queue) > 0 && p.queueNs <= p.cfg.MaxNicQueueNs {
		idx := 0
		p.fifoBudget += p.cfg.PacerFifoFraction
		if p.fifoBudget >= 1000 {
			p.fifoBudget -= 1000
			idx = p.oldestIndex()
		}
		pkt := p.queue[idx]
		heap.Remove(&p.queue, idx)
		p.queueNs += p.txCostNs(pkt.Bytes)
		send := pkt.Send
		p.mu.Unlock()
		send()
		p.mu.Lock()
	}
}

func (p *Pacer) oldestIndex() int {
	best := 0
	for i, pkt := range p.queue {
		if pkt.arrival < p.queue[best].arrival {
			best = i
		}
	}
	return best
}

// QueueDepth reports the current estimated NIC queue occupancy in
// nanoseconds, for tests and metrics.
func (p *Pacer) QueueDepth() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queueNs
}

// QueueLen reports how many packets are currently throttled.
func (p *Pacer) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
