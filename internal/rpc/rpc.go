package rpc

import (
	"sync"

	"homa/internal/peer"
)

// State is one of the four RPC lifecycle states named in spec.md §3.
type State int

const (
	Outgoing State = iota
	Incoming
	InService
	Dead
)

func (s State) String() string {
	switch s {
	case Outgoing:
		return "OUTGOING"
	case Incoming:
		return "INCOMING"
	case InService:
		return "IN_SERVICE"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Segment is one received byte range of an incoming message, used by the
// reassembly buffer (internal/incoming) to track out-of-order arrivals.
type Segment struct {
	Offset int
	Length int
}

// RPC is the core entity named in spec.md §4.C: identity, direction,
// state, incoming/outgoing message bookkeeping and error.
//
// Per invariant 6 ("No RPC may be modified without holding its bucket
// lock"), RPC does not carry its own mutex: Mu points at the owning
// bucket's lock, set once at insertion and never changed afterwards,
// following the design note in spec.md §9 ("the list's lock is the
// node's lock for the fields that list covers").
type RPC struct {
	ID       ID
	IsServer bool // this host's role for this RPC: false=client, true=server
	Peer     *peer.Peer
	Port     uint16 // peer's port for this exchange, for addressing control packets back

	Mu *sync.Mutex

	State State
	Err   error

	// Incoming message (request on the server side, response on the
	// client side).
	MessageLength int
	Received      int
	Granted       int
	UnschedBytes  int
	Segments      []Segment // received byte ranges, for duplicate detection
	Payload       []byte    // flat reassembly buffer, used when the socket has no bufpool
	Bpages        []int     // pool-backed reassembly buffer, used when the socket has one
	WaitedForBufs bool      // parked on the pool's waiting_for_bufs count (spec.md §4.B)
	Priority      int       // current scheduled priority, set by the grant scheduler

	// Outgoing message.
	OutLength       int
	OutPayload      []byte // full outgoing message bytes, for segmenting on each grant
	OutSent         int    // bytes handed to the pacer so far
	RetransmitFrom  int    // -1 when no retransmit is pending
	RetransmitTo    int

	PrivateWaiter  bool // flagged PRIVATE at creation (spec.md §4.E)
	PendingHandoff bool // queued on ready_rpcs, not yet delivered

	Consumed bool // application has read the terminal message
	Acked    bool // peer has confirmed receipt (set on server RPCs by an ACK)

	CompletionCookie uint64
}

// NewOutgoing creates a client-initiated RPC in state OUTGOING (spec.md
// §3 "client create → OUTGOING").
func NewOutgoing(id ID, p *peer.Peer, outLength int, cookie uint64, private bool) *RPC {
	return &RPC{
		ID:               id,
		IsServer:         false,
		Peer:             p,
		State:            Outgoing,
		OutLength:        outLength,
		RetransmitFrom:   -1,
		PrivateWaiter:    private,
		CompletionCookie: cookie,
	}
}

// NewIncomingServer creates a server-side RPC on arrival of the first DATA
// segment for an unknown id (spec.md §3 "server create on first DATA →
// INCOMING"). The reassembly buffer itself (flat or pool-backed) is
// acquired by internal/incoming on the first actual DATA payload, once it
// knows whether the socket has a bufpool.
func NewIncomingServer(id ID, p *peer.Peer, messageLength, unschedBytes int) *RPC {
	return &RPC{
		ID:             id,
		IsServer:       true,
		Peer:           p,
		State:          Incoming,
		MessageLength:  messageLength,
		UnschedBytes:   unschedBytes,
		RetransmitFrom: -1,
	}
}

// Remaining returns the bytes still needed to complete the incoming
// message (spec.md §4.G "remaining = message_length - received").
func (r *RPC) Remaining() int {
	return r.MessageLength - r.Received
}

// Complete reports whether every byte of the incoming message has
// arrived.
func (r *RPC) Complete() bool {
	return r.MessageLength > 0 && r.Received >= r.MessageLength
}

// end transitions r to DEAD. Idempotent per spec.md §4.C
// ("end(rpc) ... is idempotent"). Caller must hold r.Mu. Use the
// package-level End function to also splice r onto the socket's dead
// list in the same step.
func (r *RPC) end() {
	r.State = Dead
}

// setErr records err on r without touching its state, so a client-side
// abort can surface the error to recv while the RPC is still separately
// ended and spliced onto the dead list. Caller must hold r.Mu.
func (r *RPC) setErr(err error) {
	if r.Err == nil {
		r.Err = err
	}
}
