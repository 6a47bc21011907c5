package timer

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"homa/internal/config"
	"homa/internal/outgoing"
	"homa/internal/peer"
	"homa/internal/rpc"
)

func newIncoming(messageLength int) *rpc.RPC {
	r := rpc.NewIncomingServer(rpc.ID(43), nil, messageLength, 0)
	r.Mu = &sync.Mutex{}
	return r
}

func TestTickSendsResendAfterIdleTicks(t *testing.T) {
	cfg := config.Default()
	cfg.ResendTicks = 2
	cfg.ResendInterval = 1
	cfg.TimeoutResends = 5
	out := outgoing.New(cfg)
	tm := New(cfg, out)
	dl := rpc.NewDeadList()

	r := newIncoming(1000)
	r.Received = 0

	// First ticks just accumulate idleness below threshold.
	actions := tm.Tick([]*rpc.RPC{r}, dl)
	if len(actions) != 0 {
		t.Fatalf("expected no action before resend_ticks elapses, got %v", actions)
	}
	actions = tm.Tick([]*rpc.RPC{r}, dl)
	if len(actions) != 1 || !actions[0].SendResend {
		t.Fatalf("expected a RESEND action once idle ticks reach resend_ticks, got %v", actions)
	}
}

func TestTickResetsOnProgress(t *testing.T) {
	cfg := config.Default()
	cfg.ResendTicks = 2
	out := outgoing.New(cfg)
	tm := New(cfg, out)
	dl := rpc.NewDeadList()

	r := newIncoming(1000)
	tm.Tick([]*rpc.RPC{r}, dl)
	r.Mu.Lock()
	r.Received = 500
	r.Mu.Unlock()
	actions := tm.Tick([]*rpc.RPC{r}, dl)
	if len(actions) != 0 {
		t.Fatalf("expected progress to reset idle ticks and suppress resend, got %v", actions)
	}
}

func TestTickAbortsAfterTimeoutResends(t *testing.T) {
	cfg := config.Default()
	cfg.ResendTicks = 1
	cfg.ResendInterval = 1
	cfg.TimeoutResends = 2
	out := outgoing.New(cfg)
	tm := New(cfg, out)
	dl := rpc.NewDeadList()

	r := newIncoming(1000)
	var aborted bool
	for i := 0; i < 10 && !aborted; i++ {
		actions := tm.Tick([]*rpc.RPC{r}, dl)
		for _, a := range actions {
			if a.Aborted {
				aborted = true
			}
		}
	}
	if !aborted {
		t.Fatalf("expected the rpc to be aborted after timeout_resends unanswered resends")
	}
	r.Mu.Lock()
	state, err := r.State, r.Err
	r.Mu.Unlock()
	if state != rpc.Dead || err != ErrTimedOut {
		t.Fatalf("expected rpc to be DEAD with ErrTimedOut, got state=%s err=%v", state, err)
	}
}

func TestReapHonorsLimit(t *testing.T) {
	cfg := config.Default()
	cfg.ReapLimit = 1
	out := outgoing.New(cfg)
	tm := New(cfg, out)
	dl := rpc.NewDeadList()

	for i := 0; i < 3; i++ {
		r := newIncoming(10)
		rpc.End(r, dl)
		r.Mu.Lock()
		r.Consumed = true
		r.Mu.Unlock()
	}
	reaped := tm.Reap(dl)
	if len(reaped) != 1 {
		t.Fatalf("expected reap to honor reap_limit of 1, got %d", len(reaped))
	}
}

func TestCutoffsDueReturnsStalePeersOnly(t *testing.T) {
	tbl := peer.NewTable(300, 1000)
	a := tbl.FindOrCreate("default", netip.MustParseAddr("fd00::1"))
	b := tbl.FindOrCreate("default", netip.MustParseAddr("fd00::2"))
	a.MarkCutoffsStale()

	due := CutoffsDue([]*peer.Peer{a, b})
	if len(due) != 1 || due[0] != a {
		t.Fatalf("expected only the stale peer to be due for CUTOFFS, got %v", due)
	}
	// Calling again should not repeat the same peer (flag consumed).
	due = CutoffsDue([]*peer.Peer{a, b})
	if len(due) != 0 {
		t.Fatalf("expected stale flag to be consumed after first CutoffsDue call")
	}
}

func TestPeerTickRequiresBothIdleAndOutstandingState(t *testing.T) {
	tbl := peer.NewTable(300, 1000)
	p := tbl.FindOrCreate("default", netip.MustParseAddr("fd00::3"))
	now := time.Now().Add(time.Hour)

	due := PeerTick([]*peer.Peer{p}, now, 1, time.Millisecond, func(*peer.Peer) bool { return false })
	if len(due) != 0 {
		t.Fatalf("expected no peers due when outstanding-state check is false")
	}
	due = PeerTick([]*peer.Peer{p}, now, 1, time.Millisecond, func(*peer.Peer) bool { return true })
	if len(due) != 1 {
		t.Fatalf("expected the peer to be due once idle past threshold and with outstanding state")
	}
}
