package outgoing

import (
	"sync"
	"testing"

	"homa/internal/config"
	"homa/internal/homaerr"
	"homa/internal/rpc"
)

func newOut(length int) *rpc.RPC {
	r := rpc.NewOutgoing(rpc.ID(2), nil, length, 0, false)
	r.Mu = &sync.Mutex{}
	return r
}

func TestUnscheduledBurstCapsAtUnschedBytes(t *testing.T) {
	cfg := config.Default()
	cfg.UnschedBytes = 10000
	cfg.MaxGSOSize = 65000
	e := New(cfg)
	r := newOut(50000)

	segs := e.UnscheduledBurst(r)
	total := 0
	for _, s := range segs {
		total += s.Length
	}
	if total != 10000 {
		t.Fatalf("expected unscheduled burst to total unsched_bytes (10000), got %d", total)
	}
	if r.OutSent != 10000 {
		t.Fatalf("expected OutSent to advance to 10000, got %d", r.OutSent)
	}
}

func TestUnscheduledBurstShorterThanMessage(t *testing.T) {
	cfg := config.Default()
	cfg.UnschedBytes = 10000
	e := New(cfg)
	r := newOut(3000)
	segs := e.UnscheduledBurst(r)
	total := 0
	for _, s := range segs {
		total += s.Length
	}
	if total != 3000 {
		t.Fatalf("expected burst capped at message length (3000) when shorter than unsched_bytes, got %d", total)
	}
}

func TestReleaseRespectsGrantedOffset(t *testing.T) {
	cfg := config.Default()
	cfg.UnschedBytes = 1000
	cfg.MaxGSOSize = 5000
	e := New(cfg)
	r := newOut(20000)
	e.UnscheduledBurst(r)

	segs := e.Release(r, 6000)
	total := 0
	for _, s := range segs {
		total += s.Length
	}
	if total != 5000 {
		t.Fatalf("expected release to advance OutSent from 1000 to granted 6000 (5000 bytes), got %d", total)
	}
	if r.OutSent != 6000 {
		t.Fatalf("expected OutSent == 6000 after release, got %d", r.OutSent)
	}
}

func TestReleaseNoOpWhenGrantNotAdvanced(t *testing.T) {
	cfg := config.Default()
	e := New(cfg)
	r := newOut(20000)
	e.UnscheduledBurst(r)
	segs := e.Release(r, r.OutSent)
	if segs != nil {
		t.Fatalf("expected no segments when granted offset hasn't advanced past OutSent")
	}
}

func TestRetransmitPrioritizedOverScheduledRelease(t *testing.T) {
	cfg := config.Default()
	cfg.MaxGSOSize = 5000
	e := New(cfg)
	r := newOut(20000)
	r.OutSent = 10000
	e.MarkRetransmit(r, 2000, 4000)

	segs := e.Release(r, 15000)
	if len(segs) != 1 || segs[0].Offset != 2000 || segs[0].Length != 2000 || !segs[0].Retransmit {
		t.Fatalf("expected retransmit range served first, got %+v", segs)
	}
	if r.RetransmitFrom != -1 {
		t.Fatalf("expected retransmit range to be cleared after being served")
	}
}

func TestValidateSendRequiresInService(t *testing.T) {
	r := newOut(10)
	if err := ValidateSend(r, false); err != homaerr.ErrInval {
		t.Fatalf("expected ErrInval for non-IN_SERVICE rpc, got %v", err)
	}
	r.State = rpc.InService
	if err := ValidateSend(r, false); err != nil {
		t.Fatalf("expected no error for IN_SERVICE rpc, got %v", err)
	}
	if err := ValidateSend(r, true); err != homaerr.ErrInval {
		t.Fatalf("expected ErrInval on id mismatch even when IN_SERVICE, got %v", err)
	}
}
