package pacer

import (
	"testing"
	"time"

	"homa/internal/config"
)

func baseTime() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func TestSubmitSendsImmediatelyWhenQueueShallow(t *testing.T) {
	cfg := config.Default()
	p := New(cfg)
	sent := false
	p.Submit(baseTime(), &Packet{Bytes: 100, Send: func() { sent = true }}, Throttle)
	if !sent {
		t.Fatalf("expected immediate send when queue is empty")
	}
}

func TestSubmitThrottlesLargePacketsWhenQueueDeep(t *testing.T) {
	cfg := config.Default()
	cfg.MaxNicQueueNs = 1
	cfg.ThrottleMinBytes = 10
	p := New(cfg)
	now := baseTime()

	// Fill the queue first with a large immediate send to push queueNs up.
	p.Submit(now, &Packet{Bytes: 1000000, Send: func() {}}, DontThrottle)

	sent := false
	p.Submit(now, &Packet{Bytes: 100000, Send: func() { sent = true }}, Throttle)
	if sent {
		t.Fatalf("expected packet to be throttled once queue is deep")
	}
	if p.QueueLen() != 1 {
		t.Fatalf("expected one packet queued, got %d", p.QueueLen())
	}
}

func TestSmallPacketsBypassThrottle(t *testing.T) {
	cfg := config.Default()
	cfg.MaxNicQueueNs = 1
	cfg.ThrottleMinBytes = 10000
	p := New(cfg)
	now := baseTime()
	p.Submit(now, &Packet{Bytes: 1000000, Send: func() {}}, DontThrottle)

	sent := false
	p.Submit(now, &Packet{Bytes: 100, Send: func() { sent = true }}, Throttle)
	if !sent {
		t.Fatalf("expected small packet below throttle_min_bytes to bypass the queue")
	}
}

func TestDrainReleasesShortestRemainingFirst(t *testing.T) {
	cfg := config.Default()
	cfg.MaxNicQueueNs = 1
	cfg.ThrottleMinBytes = 10
	cfg.LinkMbps = 1 // make tx cost large enough to keep queue occupied between releases
	p := New(cfg)
	now := baseTime()
	p.Submit(now, &Packet{Bytes: 1000000, Send: func() {}}, DontThrottle)

	var order []int
	p.Submit(now, &Packet{Bytes: 100, Remaining: 500, Send: func() { order = append(order, 500) }}, Throttle)
	p.Submit(now, &Packet{Bytes: 100, Remaining: 100, Send: func() { order = append(order, 100) }}, Throttle)

	// Advance time enough for the queue to drain below threshold.
	p.Drain(now.Add(10 * time.Second))
	if len(order) < 1 {
		t.Fatalf("expected at least one packet released")
	}
	if order[0] != 100 {
		t.Fatalf("expected shortest-remaining packet released first, got order %v", order)
	}
}

func TestQueueDepthDecaysOverTime(t *testing.T) {
	cfg := config.Default()
	p := New(cfg)
	now := baseTime()
	p.Submit(now, &Packet{Bytes: 1000000, Send: func() {}}, DontThrottle)
	depth1 := p.QueueDepth()
	if depth1 <= 0 {
		t.Fatalf("expected nonzero queue depth after a large send")
	}
	p.Drain(now.Add(time.Second))
	depth2 := p.QueueDepth()
	if depth2 >= depth1 {
		t.Fatalf("expected queue depth to decay after time elapses, got %d then %d", depth1, depth2)
	}
}
