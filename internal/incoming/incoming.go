// Package incoming implements the packet dispatch and reassembly engine
// (spec.md §4.F): given a decoded packet and the tables it needs to look
// things up in, applies the per-type handling named in spec.md and
// reports what changed so the caller (the root homa package) can hand
// off completed messages and nudge the grant scheduler/pacer.
package incoming

import (
	"net/netip"
	"sort"

	"homa/internal/bufpool"
	"homa/internal/grant"
	"homa/internal/interest"
	"homa/internal/outgoing"
	"homa/internal/peer"
	"homa/internal/rpc"
	"homa/internal/wire"
)

// Outcome reports what Dispatch did with a packet, for the caller to act
// on without Engine needing to know about sockets or transports.
type Outcome struct {
	// RPC is the RPC the packet applies to, if any was found or created.
	RPC *rpc.RPC
	// MessageComplete is true when this packet completed an incoming
	// message (request on the server, response on the client).
	MessageComplete bool
	// Reply, if non-nil, is a wire packet value the engine wants sent
	// back to the sender (RPC_UNKNOWN, ACK, ...).
	Reply any
	// Dropped is true when the packet was a duplicate or otherwise
	// intentionally discarded.
	Dropped bool
}

// Sink is the subset of socket state the incoming engine needs per
// lookup; the root homa package's Socket satisfies this by wrapping its
// client/server RPC tables and peer table.
type Sink struct {
	Clients   *rpc.ClientTable
	Servers   *rpc.ServerTable
	Peers     *peer.Table
	Grants    *grant.Scheduler
	Interest  *interest.Queue
	DeadList  *rpc.DeadList
	Out       *outgoing.Engine
	Pool      *bufpool.Pool // nil when the socket has no SO_HOMA_RCVBUF pool
	IsServer  bool
	Namespace string
}

// Dispatch applies one decoded packet against sink, per spec.md §4.F.
// fromAddr is the sender's address, used for peer lookup/creation.
func Dispatch(sink *Sink, pkt wire.Packet, fromAddr netip.Addr) Outcome {
	switch pkt.Common.Type {
	case wire.DataType:
		return dispatchData(sink, pkt.Data, fromAddr)
	case wire.GrantType:
		return dispatchGrant(sink, pkt.Grant, fromAddr)
	case wire.ResendType:
		return dispatchResend(sink, pkt.Resend, fromAddr)
	case wire.RPCUnknownType:
		return dispatchRPCUnknown(sink, pkt.RPCUnknown, fromAddr)
	case wire.BusyType:
		return dispatchBusy(sink, fromAddr)
	case wire.CutoffsType:
		return dispatchCutoffs(sink, pkt.Cutoffs, fromAddr)
	case wire.NeedAckType:
		return dispatchNeedAck(sink, pkt.NeedAck, fromAddr)
	case wire.AckType:
		return dispatchAck(sink, pkt.Ack, fromAddr)
	case wire.FreezeType:
		return Outcome{} // observability only, per spec.md §4.F
	default:
		return Outcome{Dropped: true}
	}
}

// findByID resolves a control packet's target RPC. A socket may hold it
// either as a client-initiated RPC (found directly by id, independent of
// peer) or as a server-side RPC for the peer at fromAddr; the id space is
// shared, so the client table is always tried first.
func findByID(sink *Sink, id uint64, fromAddr netip.Addr) (*rpc.RPC, bool) {
	rid := rpc.ID(id)
	if r, ok := sink.Clients.Find(rid); ok {
		return r, true
	}
	p := sink.Peers.FindOrCreate(sink.Namespace, fromAddr)
	defer p.Release()
	return sink.Servers.Find(p, rid)
}

func replyCommon(c wire.Common) wire.Common {
	return wire.Common{SenderID: c.SenderID, SPort: c.DPort, DPort: c.SPort}
}

func dispatchData(sink *Sink, d *wire.Data, fromAddr netip.Addr) Outcome {
	rid := rpc.ID(d.Common.SenderID)
	var r *rpc.RPC
	if found, ok := sink.Clients.Find(rid); ok {
		// Completes (or continues) a message this host sent as a client;
		// route straight to the matching client-initiated RPC.
		r = found
	} else {
		p := sink.Peers.FindOrCreate(sink.Namespace, fromAddr)
		created, wasNew, ok := sink.Servers.FindOrCreate(p, rid, int(d.MessageLength), int(d.UnscheduledBytes), sink.IsServer)
		if !ok {
			return Outcome{Dropped: true, Reply: wire.RPCUnknown{Common: replyCommon(d.Common)}}
		}
		r = created
		if wasNew {
			r.Port = d.Common.SPort
			sink.Grants.Register(r, p.Key)
		}
	}

	r.Mu.Lock()
	if r.Payload == nil && r.Bpages == nil {
		length := int(d.MessageLength)
		if !acquireBuffer(sink, r, length) {
			// spec.md §4.B: no bpage available, park on waiting_for_bufs
			// and drop this segment; the sender's own resend/retransmit
			// machinery will redeliver it once buffers free up.
			r.Mu.Unlock()
			return Outcome{RPC: r}
		}
		r.MessageLength = length
	}
	if hasSegment(r, int(d.Offset)) {
		r.Mu.Unlock()
		return Outcome{RPC: r, Dropped: true}
	}
	if r.Bpages != nil {
		sink.Pool.WriteAt(r.Bpages, int(d.Offset), d.Payload)
	} else {
		copy(r.Payload[d.Offset:], d.Payload)
	}
	insertSegment(r, int(d.Offset), len(d.Payload))
	r.Received += len(d.Payload)
	complete := r.Complete()
	r.Mu.Unlock()

	sink.Grants.NoteDataReceived(r, len(d.Payload))
	if complete {
		handoff(sink, r)
		return Outcome{RPC: r, MessageComplete: true}
	}
	return Outcome{RPC: r}
}

// acquireBuffer gets r its reassembly storage for a message of the given
// length: pool-backed bpages when sink has a receive-buffer pool (spec.md
// §4.B), a flat buffer otherwise. Reports false (and leaves r without
// storage) when the pool is out of bpages, parking r on waiting_for_bufs
// exactly once until a later attempt succeeds. Caller holds r.Mu.
func acquireBuffer(sink *Sink, r *rpc.RPC, length int) bool {
	if sink.Pool == nil {
		r.Payload = make([]byte, length)
		return true
	}
	need := sink.Pool.BpagesNeeded(length)
	bpages, ok := sink.Pool.Allocate(0, need)
	if !ok {
		if !r.WaitedForBufs {
			sink.Pool.MarkWaiting()
			r.WaitedForBufs = true
		}
		return false
	}
	if r.WaitedForBufs {
		sink.Pool.UnmarkWaiting()
		r.WaitedForBufs = false
	}
	r.Bpages = bpages
	return true
}

// hasSegment and insertSegment implement duplicate detection and
// out-of-order reassembly bookkeeping (spec.md invariant: "Repeated DATA
// at the same offset is de-duplicated"). Caller holds r.Mu.
func hasSegment(r *rpc.RPC, offset int) bool {
	for _, s := range r.Segments {
		if s.Offset == offset {
			return true
		}
	}
	return false
}

func insertSegment(r *rpc.RPC, offset, length int) {
	r.Segments = append(r.Segments, rpc.Segment{Offset: offset, Length: length})
	sort.Slice(r.Segments, func(i, j int) bool { return r.Segments[i].Offset < r.Segments[j].Offset })
}

// handoff runs the state transition and interest handoff for a message
// that just became complete (spec.md §4.F, §4.E): a completed request on
// the server moves to IN_SERVICE for the application to read and later
// respond to; a completed response on the client ends the RPC outright.
func handoff(sink *Sink, r *rpc.RPC) {
	r.Mu.Lock()
	isServer := r.IsServer
	if isServer {
		r.State = rpc.InService
	}
	id := uint64(r.ID.Unmirror())
	r.Mu.Unlock()
	if !isServer {
		rpc.End(r, sink.DeadList)
	}
	sink.Grants.Unregister(r)
	sink.Interest.Handoff(id)
}

func dispatchGrant(sink *Sink, g *wire.Grant, fromAddr netip.Addr) Outcome {
	r, ok := findByID(sink, g.Common.SenderID, fromAddr)
	if !ok {
		return Outcome{Dropped: true}
	}
	r.Mu.Lock()
	defer r.Mu.Unlock()
	offset := int(g.Offset)
	if offset <= r.Granted {
		// Regression or duplicate: a no-op per spec.md's idempotence law
		// ("Repeated GRANT with smaller offset is a no-op").
		return Outcome{RPC: r, Dropped: true}
	}
	r.Granted = offset
	r.Priority = int(g.Priority)
	return Outcome{RPC: r}
}

func dispatchResend(sink *Sink, rs *wire.Resend, fromAddr netip.Addr) Outcome {
	r, ok := findByID(sink, rs.Common.SenderID, fromAddr)
	if !ok {
		return Outcome{Dropped: true, Reply: wire.RPCUnknown{Common: replyCommon(rs.Common)}}
	}
	r.Mu.Lock()
	sink.Out.MarkRetransmit(r, int(rs.Offset), int(rs.Offset+rs.Length))
	r.Mu.Unlock()
	return Outcome{RPC: r}
}

// dispatchRPCUnknown implements spec.md §4.F: on the client side, restart
// the RPC from offset 0; on the server side, end it (the server has
// nothing left to retry — the client will simply reissue).
func dispatchRPCUnknown(sink *Sink, u *wire.RPCUnknown, fromAddr netip.Addr) Outcome {
	rid := rpc.ID(u.Common.SenderID)
	if r, ok := sink.Clients.Find(rid); ok {
		RestartFromZero(r)
		return Outcome{RPC: r}
	}
	p := sink.Peers.FindOrCreate(sink.Namespace, fromAddr)
	defer p.Release()
	r, ok := sink.Servers.Find(p, rid)
	if !ok {
		return Outcome{Dropped: true}
	}
	rpc.End(r, sink.DeadList)
	return Outcome{RPC: r}
}

func dispatchBusy(sink *Sink, fromAddr netip.Addr) Outcome {
	p := sink.Peers.FindOrCreate(sink.Namespace, fromAddr)
	p.Release()
	return Outcome{}
}

func dispatchCutoffs(sink *Sink, c *wire.Cutoffs, fromAddr netip.Addr) Outcome {
	p := sink.Peers.FindOrCreate(sink.Namespace, fromAddr)
	p.UpdateCutoffs(peer.CutoffTable{Thresholds: c.Thresholds, Version: c.Version})
	return Outcome{}
}

func dispatchNeedAck(sink *Sink, n *wire.NeedAck, fromAddr netip.Addr) Outcome {
	r, ok := findByID(sink, n.Common.SenderID, fromAddr)
	if !ok || !r.Complete() {
		return Outcome{Dropped: true}
	}
	return Outcome{RPC: r, Reply: wire.Ack{Common: replyCommon(n.Common), IDs: []uint64{uint64(r.ID.Unmirror())}}}
}

// dispatchAck marks the named RPCs acknowledged. An id may name either a
// client-initiated RPC (this host sent a request and is being told its
// response arrived) or a server-side RPC (this host served a request and
// is being told the client received its response, freeing the state).
func dispatchAck(sink *Sink, a *wire.Ack, fromAddr netip.Addr) Outcome {
	p := sink.Peers.FindOrCreate(sink.Namespace, fromAddr)
	defer p.Release()
	for _, id := range a.IDs {
		rid := rpc.ID(id)
		if r, ok := sink.Clients.Find(rid); ok {
			r.Mu.Lock()
			r.Acked = true
			r.Mu.Unlock()
			rpc.End(r, sink.DeadList)
			continue
		}
		if r, ok := sink.Servers.Find(p, rid); ok {
			r.Mu.Lock()
			r.Acked = true
			r.Mu.Unlock()
			rpc.End(r, sink.DeadList)
		}
	}
	return Outcome{}
}

// RestartFromZero rewinds r's outgoing cursor so the unscheduled burst
// and subsequent releases replay from the beginning, in response to a
// peer reporting RPC_UNKNOWN. Caller does not hold r.Mu.
func RestartFromZero(r *rpc.RPC) {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	r.OutSent = 0
	r.RetransmitFrom = -1
	r.RetransmitTo = 0
}
