package grant

import (
	"net/netip"
	"testing"
	"time"

	"homa/internal/config"
	"homa/internal/peer"
	"homa/internal/rpc"
)

func newIncoming(messageLength, unsched int, key peer.Key) *rpc.RPC {
	tbl := peer.NewTable(300, 1000)
	p := tbl.FindOrCreate(key.Namespace, key.Addr)
	st := rpc.NewServerTable()
	r, _, _ := st.FindOrCreate(p, rpc.ID(43), messageLength, unsched, true)
	return r
}

func testKey(suffix string) peer.Key {
	return peer.Key{Namespace: "default", Addr: netip.MustParseAddr("fd00::" + suffix)}
}

func TestRecalcGrantsShortestRemainingFirst(t *testing.T) {
	cfg := config.Default()
	cfg.Window = 50000
	cfg.MaxOvercommit = 8
	cfg.MaxRPCsPerPeer = 8
	cfg.GrantRecalcUsecs = 0
	s := New(cfg)

	short := newIncoming(100000, 10000, testKey("1"))
	long := newIncoming(1000000, 10000, testKey("2"))
	s.Register(short, testKey("1"))
	s.Register(long, testKey("2"))

	decisions := s.Recalc(time.Time{}.Add(time.Second))
	if len(decisions) == 0 {
		t.Fatalf("expected at least one grant decision")
	}
	// The shorter message should receive the higher scheduled priority.
	var shortPrio, longPrio int = -1, -1
	for _, d := range decisions {
		if d.RPC == short {
			shortPrio = d.Priority
		}
		if d.RPC == long {
			longPrio = d.Priority
		}
	}
	if shortPrio == -1 {
		t.Fatalf("expected the shorter message to be granted")
	}
	if longPrio != -1 && shortPrio < longPrio {
		t.Fatalf("expected shorter-remaining message to get a higher or equal priority, got short=%d long=%d", shortPrio, longPrio)
	}
}

func TestGrantedMonotonicNonDecreasing(t *testing.T) {
	cfg := config.Default()
	cfg.Window = 20000
	cfg.GrantRecalcUsecs = 0
	s := New(cfg)
	r := newIncoming(1000000, 10000, testKey("1"))
	s.Register(r, testKey("1"))

	s.Recalc(time.Time{}.Add(time.Second))
	r.Mu.Lock()
	first := r.Granted
	r.Mu.Unlock()
	if first <= 0 {
		t.Fatalf("expected a nonzero grant after first recalc")
	}

	s.Recalc(time.Time{}.Add(2 * time.Second))
	r.Mu.Lock()
	second := r.Granted
	r.Mu.Unlock()
	if second < first {
		t.Fatalf("expected granted to be monotonically non-decreasing, got %d then %d", first, second)
	}
}

func TestMaxIncomingCapRespected(t *testing.T) {
	cfg := config.Default()
	cfg.Window = 1000000
	cfg.MaxIncoming = 5000
	cfg.GrantRecalcUsecs = 0
	s := New(cfg)
	r := newIncoming(1000000, 10000, testKey("1"))
	s.Register(r, testKey("1"))

	s.Recalc(time.Time{}.Add(time.Second))
	if got := s.TotalIncoming(); got > cfg.MaxIncoming {
		t.Fatalf("expected total_incoming <= max_incoming (%d), got %d", cfg.MaxIncoming, got)
	}
}

func TestMaxRPCsPerPeerLimitsConcurrentGrants(t *testing.T) {
	cfg := config.Default()
	cfg.Window = 50000
	cfg.MaxOvercommit = 8
	cfg.MaxRPCsPerPeer = 1
	cfg.GrantRecalcUsecs = 0
	s := New(cfg)

	key := testKey("1")
	a := newIncoming(1000000, 10000, key)
	b := newIncoming(1000000, 10000, key)
	s.Register(a, key)
	s.Register(b, key)

	decisions := s.Recalc(time.Time{}.Add(time.Second))
	grantedFromPeer := 0
	for _, d := range decisions {
		if d.RPC == a || d.RPC == b {
			grantedFromPeer++
		}
	}
	if grantedFromPeer > cfg.MaxRPCsPerPeer {
		t.Fatalf("expected at most %d grants for the saturated peer, got %d", cfg.MaxRPCsPerPeer, grantedFromPeer)
	}
}

func TestUnregisterReleasesTotalIncoming(t *testing.T) {
	cfg := config.Default()
	cfg.Window = 50000
	cfg.GrantRecalcUsecs = 0
	s := New(cfg)
	r := newIncoming(1000000, 10000, testKey("1"))
	s.Register(r, testKey("1"))
	s.Recalc(time.Time{}.Add(time.Second))
	if s.TotalIncoming() == 0 {
		t.Fatalf("expected nonzero total_incoming before unregister")
	}
	s.Unregister(r)
	if got := s.TotalIncoming(); got != 0 {
		t.Fatalf("expected total_incoming to drop to 0 after unregister, got %d", got)
	}
}
