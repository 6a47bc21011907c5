package incoming

import (
	"net/netip"
	"testing"

	"homa/internal/config"
	"homa/internal/grant"
	"homa/internal/interest"
	"homa/internal/outgoing"
	"homa/internal/peer"
	"homa/internal/rpc"
	"homa/internal/wire"
)

func newSink(isServer bool) *Sink {
	cfg := config.Default()
	return &Sink{
		Clients:   rpc.NewClientTable(),
		Servers:   rpc.NewServerTable(),
		Peers:     peer.NewTable(300, 1000),
		Grants:    grant.New(cfg),
		Interest:  interest.NewQueue(),
		DeadList:  rpc.NewDeadList(),
		Out:       outgoing.New(cfg),
		IsServer:  isServer,
		Namespace: "default",
	}
}

var testAddr = netip.MustParseAddr("fd00::5")

func TestDataCreatesServerRPCAndReassembles(t *testing.T) {
	sink := newSink(true)
	id := uint64(43) // odd: server-role mirror
	out := Dispatch(sink, wire.Packet{
		Common: wire.Common{Type: wire.DataType, SenderID: id},
		Data: &wire.Data{
			Common:        wire.Common{SenderID: id},
			MessageLength: 10,
			Offset:        0,
			SegLength:     10,
			Payload:       make([]byte, 10),
		},
	}, testAddr)
	if out.Dropped {
		t.Fatalf("expected data to be accepted")
	}
	if !out.MessageComplete {
		t.Fatalf("expected a 10-byte message fully covered by one 10-byte segment to complete")
	}
	r, ok := sink.Servers.Find(sink.Peers.FindOrCreate("default", testAddr), rpc.ID(id))
	if !ok {
		t.Fatalf("expected server rpc to be findable after dispatch")
	}
	if r.State != rpc.InService {
		t.Fatalf("expected completed request to move the rpc to IN_SERVICE, got %s", r.State)
	}
}

func TestDuplicateDataDropped(t *testing.T) {
	sink := newSink(true)
	id := uint64(45)
	pkt := wire.Packet{
		Common: wire.Common{Type: wire.DataType, SenderID: id},
		Data: &wire.Data{
			Common:        wire.Common{SenderID: id},
			MessageLength: 20,
			Offset:        0,
			SegLength:     10,
			Payload:       make([]byte, 10),
		},
	}
	Dispatch(sink, pkt, testAddr)
	out := Dispatch(sink, pkt, testAddr)
	if !out.Dropped {
		t.Fatalf("expected duplicate segment at the same offset to be dropped")
	}
}

func TestUnknownClientRPCDataRepliesRPCUnknown(t *testing.T) {
	sink := newSink(false)
	out := Dispatch(sink, wire.Packet{
		Common: wire.Common{Type: wire.DataType, SenderID: 2},
		Data: &wire.Data{
			Common:        wire.Common{SenderID: 2},
			MessageLength: 10,
			Offset:        0,
			SegLength:     10,
			Payload:       make([]byte, 10),
		},
	}, testAddr)
	if out.Reply == nil {
		t.Fatalf("expected RPC_UNKNOWN reply for an unknown client-role id")
	}
	if _, ok := out.Reply.(wire.RPCUnknown); !ok {
		t.Fatalf("expected reply to be an RPCUnknown, got %T", out.Reply)
	}
}

func TestGrantRegressionIsNoOp(t *testing.T) {
	sink := newSink(false)
	r := sink.Clients.AllocClient(sink.Peers.FindOrCreate("default", testAddr), 100000, 0, false)
	r.Mu.Lock()
	r.Granted = 50000
	r.Mu.Unlock()

	out := Dispatch(sink, wire.Packet{
		Common: wire.Common{Type: wire.GrantType, SenderID: uint64(r.ID)},
		Grant:  &wire.Grant{Common: wire.Common{SenderID: uint64(r.ID)}, Offset: 20000, Priority: 3},
	}, testAddr)
	if !out.Dropped {
		t.Fatalf("expected a smaller grant offset to be a no-op")
	}
	r.Mu.Lock()
	got := r.Granted
	r.Mu.Unlock()
	if got != 50000 {
		t.Fatalf("expected granted to remain 50000 after a regressive grant, got %d", got)
	}
}

func TestGrantAdvancesMonotonically(t *testing.T) {
	sink := newSink(false)
	r := sink.Clients.AllocClient(sink.Peers.FindOrCreate("default", testAddr), 100000, 0, false)

	Dispatch(sink, wire.Packet{
		Common: wire.Common{Type: wire.GrantType, SenderID: uint64(r.ID)},
		Grant:  &wire.Grant{Common: wire.Common{SenderID: uint64(r.ID)}, Offset: 60000, Priority: 5},
	}, testAddr)

	r.Mu.Lock()
	granted, prio := r.Granted, r.Priority
	r.Mu.Unlock()
	if granted != 60000 || prio != 5 {
		t.Fatalf("expected grant to advance granted/priority, got granted=%d prio=%d", granted, prio)
	}
}

func TestAckEndsClientRPC(t *testing.T) {
	sink := newSink(false)
	r := sink.Clients.AllocClient(sink.Peers.FindOrCreate("default", testAddr), 10, 0, false)

	Dispatch(sink, wire.Packet{
		Common: wire.Common{Type: wire.AckType, SenderID: uint64(r.ID)},
		Ack:    &wire.Ack{Common: wire.Common{SenderID: uint64(r.ID)}, IDs: []uint64{uint64(r.ID)}},
	}, testAddr)

	r.Mu.Lock()
	state := r.State
	acked := r.Acked
	r.Mu.Unlock()
	if state != rpc.Dead || !acked {
		t.Fatalf("expected ACK to end and mark the client rpc acked, got state=%s acked=%v", state, acked)
	}
}

func TestNeedAckRepliesOnlyWhenComplete(t *testing.T) {
	sink := newSink(false)
	r := sink.Clients.AllocClient(sink.Peers.FindOrCreate("default", testAddr), 10, 0, false)
	r.Mu.Lock()
	r.MessageLength = 10
	r.Received = 5
	r.Mu.Unlock()

	out := Dispatch(sink, wire.Packet{
		Common:  wire.Common{Type: wire.NeedAckType, SenderID: uint64(r.ID)},
		NeedAck: &wire.NeedAck{Common: wire.Common{SenderID: uint64(r.ID)}},
	}, testAddr)
	if !out.Dropped {
		t.Fatalf("expected NEED_ACK to be dropped for an incomplete message")
	}

	r.Mu.Lock()
	r.Received = 10
	r.Mu.Unlock()
	out = Dispatch(sink, wire.Packet{
		Common:  wire.Common{Type: wire.NeedAckType, SenderID: uint64(r.ID)},
		NeedAck: &wire.NeedAck{Common: wire.Common{SenderID: uint64(r.ID)}},
	}, testAddr)
	ack, ok := out.Reply.(wire.Ack)
	if !ok || len(ack.IDs) != 1 || ack.IDs[0] != uint64(r.ID) {
		t.Fatalf("expected an ACK reply naming the completed rpc, got %#v", out.Reply)
	}
}
