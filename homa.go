// Package homa is the thin plumbing layer (spec.md §4.K): it wires
// together the peer table, socket table, RPC tables, buffer pool, grant
// scheduler, pacer, timer, and interest queue into the socket-level
// operations an application actually calls (open/bind/send/recv/
// setsockopt/ioctl-abort/shutdown/poll), and maps outcomes to the
// sentinel errors of spec.md §7.
package homa

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"homa/internal/bufpool"
	"homa/internal/config"
	"homa/internal/debuglog"
	"homa/internal/grant"
	"homa/internal/homaerr"
	"homa/internal/incoming"
	"homa/internal/interest"
	"homa/internal/metrics"
	"homa/internal/outgoing"
	"homa/internal/pacer"
	"homa/internal/peer"
	"homa/internal/rpc"
	"homa/internal/socktab"
	"homa/internal/timer"
	"homa/internal/wire"
)

// Sender is the outbound half of the transport substrate (spec.md §1's
// ip_send primitive); internal/transport.Endpoint satisfies this, and
// tests supply an in-process fake.
type Sender interface {
	Send(ctx context.Context, addr string, data []byte, priority int) error
}

// Message is what Recv returns on success: the payload, its origin, and
// the bookkeeping fields the application supplied on send (spec.md §6
// recvmsg semantics).
type Message struct {
	Payload []byte
	From    netip.Addr
	FromPort uint16
	ID      uint64
	Cookie  uint64
	// Bpages names the receive-buffer-pool pages backing Payload, when the
	// socket has a pool installed (spec.md §6/§4.K: "bpage_offsets convey
	// the new buffers"). Empty when the socket has no pool. The caller
	// must eventually pass these to Socket.ReleaseBuffers exactly once
	// (spec.md testable property: "every bpage offset returned by recv is
	// returned to Homa exactly once").
	Bpages []int
}

// Socket is one Homa endpoint (spec.md §3 "Socket" lifecycle): a bound
// port, its own client/server RPC tables, a receive-buffer pool, and
// references to the process-wide grant scheduler shared across sockets
// in the same namespace (design note §9: "model as owned by a single
// control module").
type Socket struct {
	cfg config.Config
	ns  string
	port uint16

	sock    *socktab.Table
	peers   *peer.Table
	sender  Sender

	clients  *rpc.ClientTable
	servers  *rpc.ServerTable
	deadList *rpc.DeadList
	pool     *bufpool.Pool
	grants   *grant.Scheduler
	pacer    *pacer.Pacer
	out      *outgoing.Engine
	tm       *timer.Timer
	interest *interest.Queue
	metrics  *metrics.Metrics

	isServer atomic.Bool
	shutdown atomic.Bool
	shutdownCh chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// Open creates a socket in namespace ns, bound to an auto-allocated
// default port, using sender for outbound transmission and shared for
// the process-wide grant scheduler and socket table of its namespace
// (spec.md §6 "socket(...) → Homa socket with auto-allocated default
// port").
func Open(ns string, cfg config.Config, sock *socktab.Table, peers *peer.Table, grants *grant.Scheduler, sender Sender) (*Socket, error) {
	s := &Socket{
		cfg:        cfg,
		ns:         ns,
		sock:       sock,
		peers:      peers,
		sender:     sender,
		clients:    rpc.NewClientTable(),
		servers:    rpc.NewServerTable(),
		deadList:   rpc.NewDeadList(),
		grants:     grants,
		pacer:      pacer.New(cfg),
		out:        outgoing.New(cfg),
		interest:   interest.NewQueue(),
		metrics:    metrics.New(),
		shutdownCh: make(chan struct{}),
	}
	s.tm = timer.New(cfg, s.out)

	port, err := sock.AllocDefault(ns, s)
	if err != nil {
		return nil, err
	}
	s.port = port
	debuglog.Debugf("homa: opened socket %s:%d", ns, port)

	s.wg.Add(2)
	go s.timerLoop()
	go s.pacerLoop()
	return s, nil
}

func (s *Socket) Namespace() string { return s.ns }
func (s *Socket) Port() uint16      { return s.port }

// Bind reassigns the socket's port (spec.md §6 "bind"): a port ≥
// MIN_DEFAULT_PORT is invalid for an explicit bind, 0 is a no-op, and any
// other value must not already be taken.
func (s *Socket) Bind(port uint16) error {
	if port >= uint16(s.cfg.MinDefaultPort) {
		return homaerr.ErrInval
	}
	if port == 0 {
		return nil
	}
	if err := s.sock.Bind(s.ns, port, s); err != nil {
		return err
	}
	s.sock.Unbind(s.ns, s.port, s)
	s.port = port
	return nil
}

// SetServer toggles server-role receiving (spec.md §6 SO_HOMA_SERVER).
func (s *Socket) SetServer(on bool) { s.isServer.Store(on) }

// SetRcvBuf installs the socket's receive-buffer pool (spec.md §6
// SO_HOMA_RCVBUF), backed by region divided into bpageSize chunks.
func (s *Socket) SetRcvBuf(region []byte, bpageSize int) error {
	p, err := bufpool.New(region, bpageSize, s.cfg.BpageLeaseUsecs)
	if err != nil {
		return err
	}
	s.pool = p
	return nil
}

// Send implements sendmsg (spec.md §6): id==0 creates a new client RPC
// and returns its id; a nonzero id sends a server response, which
// requires the RPC to be IN_SERVICE.
func (s *Socket) Send(ctx context.Context, dest netip.Addr, destPort uint16, id uint64, payload []byte, cookie uint64, private bool) (uint64, error) {
	if s.shutdown.Load() {
		return 0, homaerr.ErrShutdown
	}
	if len(payload) > config.HomaMaxMessageLength {
		return 0, homaerr.ErrMessageTooBig
	}

	p := s.peers.FindOrCreate(s.ns, dest)
	defer p.Release()

	var r *rpc.RPC
	if id == 0 {
		r = s.clients.AllocClient(p, len(payload), cookie, private)
		r.Port = destPort
		s.grants.Register(r, p.Key)
		id = uint64(r.ID)
	} else {
		found, ok := s.servers.Find(p, rpc.ID(id))
		if !ok {
			return 0, nil // client may have abandoned it; success-with-no-op per spec.md §4.H
		}
		found.Mu.Lock()
		mismatch := found.Peer != p
		err := outgoing.ValidateSend(found, mismatch)
		found.Mu.Unlock()
		if err != nil {
			return 0, err
		}
		found.Mu.Lock()
		found.OutLength = len(payload)
		found.State = rpc.Outgoing
		found.Mu.Unlock()
		r = found
	}

	r.Mu.Lock()
	r.OutPayload = payload
	segs := s.out.UnscheduledBurst(r)
	r.Mu.Unlock()

	s.emitSegments(ctx, r, dest, destPort, segs, pacer.DontThrottle)
	return id, nil
}

// emitSegments hands each of segs to the pacer for eventual transmission as
// a DATA packet, ordered by the sending RPC's remaining bytes when
// throttled (spec.md §4.I). dontThrottle bypasses the queue, for the
// unscheduled prefix (spec.md §4.H: "handed to the pacer immediately").
func (s *Socket) emitSegments(ctx context.Context, r *rpc.RPC, dest netip.Addr, destPort uint16, segs []outgoing.Segment, dontThrottle bool) {
	addr := netip.AddrPortFrom(dest, destPort).String()
	r.Mu.Lock()
	remaining := r.OutLength - r.OutSent
	payload := r.OutPayload
	r.Mu.Unlock()

	for _, seg := range segs {
		hdr := s.out.HeaderFor(r, seg, uint64(r.ID.Unmirror()), s.port, destPort)
		hdr.Payload = slice(payload, seg.Offset, seg.Length)
		encoded := wire.EncodeData(hdr)
		priority := seg.Priority
		pkt := &pacer.Packet{
			RPC:       r,
			Bytes:     seg.Length,
			Remaining: remaining,
			Send: func() {
				if err := s.sender.Send(ctx, addr, encoded, priority); err == nil {
					s.metrics.IncSegmentsSent()
				}
			},
		}
		s.pacer.Submit(time.Now(), pkt, dontThrottle)
	}
}

// releaseGranted emits whatever new segments a just-applied GRANT makes
// sendable for r (spec.md §4.H/§4.G interaction: grants advance the window
// the outgoing engine is allowed to release).
func (s *Socket) releaseGranted(ctx context.Context, r *rpc.RPC) {
	r.Mu.Lock()
	granted := r.Granted
	segs := s.out.Release(r, granted)
	r.Mu.Unlock()
	if len(segs) == 0 {
		return
	}
	s.emitSegments(ctx, r, r.Peer.Key.Addr, r.Port, segs, pacer.Throttle)
}

func slice(b []byte, offset, length int) []byte {
	if offset+length > len(b) {
		length = len(b) - offset
	}
	if length < 0 {
		return nil
	}
	return b[offset : offset+length]
}

// Recv implements recvmsg (spec.md §6): blocks until id (if private) or
// any RPC (if shared) completes, or ctx is done, or the socket shuts
// down.
func (s *Socket) Recv(ctx context.Context, id uint64, private bool, nonBlocking bool) (Message, error) {
	if s.shutdown.Load() {
		return Message{}, homaerr.ErrShutdown
	}

	var rid uint64
	if private {
		if r, ok := s.lookup(id); ok {
			r.Mu.Lock()
			ready := r.State == rpc.Dead || r.State == rpc.InService
			r.Mu.Unlock()
			if ready {
				rid = id
			}
		}
	} else if got, ok := s.interest.TakeReady(); ok {
		rid = got
	}

	if rid == 0 {
		if nonBlocking {
			return Message{}, homaerr.ErrAgain
		}
		in := interest.New(private)
		if private {
			s.interest.RegisterPrivate(id, in)
		} else {
			s.interest.RegisterShared(in)
		}
		got, err := in.Wait(ctx, s.shutdownCh)
		if err != nil {
			if private {
				s.interest.DropPrivate(id, in)
			}
			if err == interest.ErrShutdown {
				return Message{}, homaerr.ErrShutdown
			}
			return Message{}, homaerr.ErrIntr
		}
		rid = got
	}

	r, ok := s.lookup(rid)
	if !ok {
		return Message{}, homaerr.ErrRPCUnknown
	}
	r.Mu.Lock()
	msg := Message{
		ID:       uint64(r.ID.Unmirror()),
		Cookie:   r.CompletionCookie,
		Payload:  r.Payload,
		From:     r.Peer.Key.Addr,
		FromPort: r.Port,
	}
	if r.Bpages != nil {
		msg.Payload = s.pool.Bytes(r.Bpages, r.MessageLength)
		msg.Bpages = r.Bpages
		r.Bpages = nil // handed out exactly once; caller now owns release
	}
	rpcErr := r.Err
	r.Consumed = true
	r.Mu.Unlock()
	if rpcErr != nil {
		return msg, rpcErr
	}
	return msg, nil
}

// ReleaseBuffers returns bpages a prior Recv handed out back to the
// socket's receive-buffer pool (spec.md §4.B/§4.K), leasing them briefly
// to this call's caller to discourage immediate cross-core reuse. A no-op
// if the socket has no pool installed.
func (s *Socket) ReleaseBuffers(bpages []int) {
	if s.pool == nil || len(bpages) == 0 {
		return
	}
	s.pool.Release(bpages, 0)
}

// lookup resolves an application-level RPC id. The client table is tried
// first with the id as given; server-side RPCs are stored under the
// mirrored (odd) form of the client's id, so they are matched by
// un-mirroring each stored id and comparing it with the requested one.
func (s *Socket) lookup(id uint64) (*rpc.RPC, bool) {
	rid := rpc.ID(id)
	if r, ok := s.clients.Find(rid); ok {
		return r, true
	}
	var found *rpc.RPC
	s.servers.Each(func(r *rpc.RPC) {
		if r.ID.Unmirror() == rid {
			found = r
		}
	})
	return found, found != nil
}

// Deliver decodes and dispatches one datagram received from the
// transport (spec.md §4.F entry point). It is the callback wired to
// internal/transport.Endpoint's Handler.
func (s *Socket) Deliver(data []byte, from netip.Addr) {
	pkt, err := wire.Decode(data)
	if err != nil {
		s.metrics.IncPacketsDropped()
		debuglog.RateLimitedf("decode-error:"+s.ns, time.Second, "homa: dropping malformed datagram from %s: %v", from, err)
		return
	}
	sink := &incoming.Sink{
		Clients:   s.clients,
		Servers:   s.servers,
		Peers:     s.peers,
		Grants:    s.grants,
		Interest:  s.interest,
		DeadList:  s.deadList,
		Out:       s.out,
		Pool:      s.pool,
		IsServer:  s.isServer.Load(),
		Namespace: s.ns,
	}
	out := incoming.Dispatch(sink, pkt, from)
	if out.Reply != nil {
		s.sendControl(from, pkt.Common.SPort, out.Reply)
	}
	switch pkt.Common.Type {
	case wire.GrantType, wire.ResendType:
		if out.RPC != nil && !out.Dropped {
			s.releaseGranted(context.Background(), out.RPC)
		}
	case wire.DataType:
		if out.RPC != nil && !out.Dropped {
			s.sendGrants()
		}
	}
}

func (s *Socket) sendControl(to netip.Addr, port uint16, reply any) {
	var payload []byte
	switch v := reply.(type) {
	case wire.RPCUnknown:
		payload = wire.EncodeRPCUnknown(v)
	case wire.Ack:
		encoded, err := wire.EncodeAck(v)
		if err != nil {
			return
		}
		payload = encoded
	case wire.Grant:
		payload = wire.EncodeGrant(v)
	case wire.Resend:
		payload = wire.EncodeResend(v)
	case wire.Cutoffs:
		payload = wire.EncodeCutoffs(v)
	case wire.NeedAck:
		payload = wire.EncodeNeedAck(v)
	}
	if payload == nil {
		return
	}
	addr := netip.AddrPortFrom(to, port).String()
	_ = s.sender.Send(context.Background(), addr, payload, 0)
}

// Abort implements ioctl(HOMAIOCABORT) (spec.md §5 "Cancellation"): ends
// or completes-with-error the named RPC.
func (s *Socket) Abort(id uint64, err error) error {
	r, ok := s.lookup(id)
	if !ok {
		return homaerr.ErrRPCUnknown
	}
	rpc.Abort(r, err, s.deadList)
	s.grants.Unregister(r)
	s.interest.Handoff(id)
	return nil
}

// AbortAll ends every client RPC on this socket (spec.md §5 "socket-wide"
// abort).
func (s *Socket) AbortAll(err error) {
	s.clients.Each(func(r *rpc.RPC) {
		rpc.Abort(r, err, s.deadList)
		s.grants.Unregister(r)
		s.interest.Handoff(uint64(r.ID))
	})
}

// Poll implements poll() (spec.md §6): readable when a message is ready
// or the socket is shut down; writable is always true in this port since
// send-memory accounting is delegated to the caller's payload sizing.
func (s *Socket) Poll() (readable, writable bool) {
	if s.shutdown.Load() {
		return true, false
	}
	return s.interest.HasReady(), true
}

// Shutdown implements shutdown() (spec.md §4.K, §5 "Shutdown wakes all
// waiters with ESHUTDOWN"): idempotent, disables the socket and unbinds
// it from the socket table.
func (s *Socket) Shutdown() {
	s.closeOnce.Do(func() {
		s.shutdown.Store(true)
		close(s.shutdownCh)
		s.sock.Unbind(s.ns, s.port, s)
	})
}

func (s *Socket) timerLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ticker.C:
			s.tickOnce()
		}
	}
}

func (s *Socket) tickOnce() {
	var live []*rpc.RPC
	s.clients.Each(func(r *rpc.RPC) { live = append(live, r) })
	s.servers.Each(func(r *rpc.RPC) { live = append(live, r) })

	for _, action := range s.tm.Tick(live, s.deadList) {
		if action.Aborted {
			s.grants.Unregister(action.RPC)
			s.interest.Handoff(uint64(action.RPC.ID.Unmirror()))
			continue
		}
		if action.SendResend {
			rs := wire.Resend{
				Common:   wire.Common{SenderID: uint64(action.RPC.ID.Unmirror()), SPort: s.port, DPort: action.RPC.Port},
				Offset:   uint32(action.ResendFrom),
				Length:   uint32(action.ResendTo - action.ResendFrom),
				Priority: uint8(action.Priority),
			}
			s.sendControl(action.RPC.Peer.Key.Addr, action.RPC.Port, rs)
			s.metrics.IncResends()
			debuglog.Debugf("homa: resending rpc %d offset [%d,%d)", action.RPC.ID, action.ResendFrom, action.ResendTo)
		}
	}

	reaped := s.tm.Reap(s.deadList)
	for _, r := range reaped {
		r.Peer.Release()
		s.clients.Remove(r.ID)
		s.servers.Remove(r.Peer, r.ID)
	}

	s.sendGrants()
	s.peerTick(live)
	s.peers.GC(time.Now())
}

// sendGrants recomputes the grant scheduler's ranking and sends every
// resulting GRANT (spec.md §4.G: recomputed "on each event" — DATA
// arrival, timer tick, new grantable message, message completion — not
// just on the timer's own cadence). Called from the timer tick and from
// Deliver on DATA arrival.
func (s *Socket) sendGrants() {
	decisions := s.grants.Recalc(time.Now())
	for _, d := range decisions {
		g := wire.Grant{
			Common:   wire.Common{SenderID: uint64(d.RPC.ID.Unmirror()), SPort: s.port, DPort: d.RPC.Port},
			Offset:   uint32(d.Offset),
			Priority: uint8(d.Priority),
		}
		s.sendControl(d.RPC.Peer.Key.Addr, d.RPC.Port, g)
	}
}

// peerTick handles the per-peer side of the 1ms tick (spec.md §4.J):
// NEED_ACK for peers holding unacked completed server state past
// request_ack_ticks, and CUTOFFS for peers whose table was marked stale.
// Peer identity here is derived from the RPCs currently live on this
// socket, since the peer table itself is shared process-wide.
func (s *Socket) peerTick(live []*rpc.RPC) {
	peerPort := make(map[*peer.Peer]uint16)
	for _, r := range live {
		if _, ok := peerPort[r.Peer]; !ok {
			peerPort[r.Peer] = r.Port
		}
	}
	peers := make([]*peer.Peer, 0, len(peerPort))
	for p := range peerPort {
		peers = append(peers, p)
	}

	// outstanding maps each peer with unacked completed server state to
	// one such RPC's id; NEED_ACK names a specific RPC (dispatchNeedAck
	// resolves it that way), so one outstanding id per due peer is enough
	// to prompt the peer to ack everything it owes this socket.
	outstanding := make(map[*peer.Peer]uint64)
	s.servers.Each(func(r *rpc.RPC) {
		r.Mu.Lock()
		due := r.State == rpc.Dead && !r.Acked
		id := uint64(r.ID.Unmirror())
		r.Mu.Unlock()
		if due {
			if _, ok := outstanding[r.Peer]; !ok {
				outstanding[r.Peer] = id
			}
		}
	})
	hasOutstanding := func(p *peer.Peer) bool {
		_, ok := outstanding[p]
		return ok
	}

	for _, p := range timer.PeerTick(peers, time.Now(), s.cfg.RequestAckTicks, s.cfg.TickInterval, hasOutstanding) {
		port := peerPort[p]
		n := wire.NeedAck{Common: wire.Common{SenderID: outstanding[p], SPort: s.port, DPort: port}}
		s.sendControl(p.Key.Addr, port, n)
	}

	for _, p := range timer.CutoffsDue(peers) {
		port := peerPort[p]
		c := p.Cutoffs()
		pkt := wire.Cutoffs{Common: wire.Common{SPort: s.port, DPort: port}, Thresholds: c.Thresholds, Version: c.Version}
		s.sendControl(p.Key.Addr, port, pkt)
	}
}

func (s *Socket) pacerLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ticker.C:
			s.pacer.Drain(time.Now())
		}
	}
}
