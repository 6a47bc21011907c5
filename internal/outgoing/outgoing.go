// Package outgoing implements the send-side message segmentation engine
// (spec.md §4.H): splits an RPC's outgoing bytes into segments bounded by
// max_gso_size, releases the unscheduled prefix immediately, and releases
// the rest only as the receiver's grants advance. Retransmission ranges
// requested by RESEND take priority over the next scheduled release.
package outgoing

import (
	"homa/internal/config"
	"homa/internal/homaerr"
	"homa/internal/rpc"
	"homa/internal/wire"
)

// Segment is one slice of an RPC's outgoing message ready to hand to the
// pacer.
type Segment struct {
	Offset     int
	Length     int
	Retransmit bool
	Priority   int
}

// Engine fills outgoing segments for RPCs against the message bytes held
// by the caller (the application's send buffer); it does not itself own
// message storage.
type Engine struct {
	cfg config.Config
}

func New(cfg config.Config) *Engine {
	return &Engine{cfg: cfg}
}

// segmentRange splits [from, to) into ≤max_gso_size chunks.
func (e *Engine) segmentRange(from, to int) []Segment {
	var segs []Segment
	for off := from; off < to; {
		length := to - off
		if length > e.cfg.MaxGSOSize {
			length = e.cfg.MaxGSOSize
		}
		segs = append(segs, Segment{Offset: off, Length: length})
		off += length
	}
	return segs
}

// UnscheduledBurst returns the segments for the initial unscheduled
// prefix of r's outgoing message — up to unsched_bytes or the whole
// message if shorter — to be hit to the pacer immediately on creation
// (spec.md §4.H "Unscheduled prefix ... is handed to the pacer
// immediately"). Caller holds r.Mu.
func (e *Engine) UnscheduledBurst(r *rpc.RPC) []Segment {
	end := e.cfg.UnschedBytes
	if end > r.OutLength {
		end = r.OutLength
	}
	segs := e.segmentRange(0, end)
	r.OutSent = end
	return segs
}

// Release returns the next segments of r's outgoing message now
// releasable given grantedOffset (the highest byte offset the peer has
// granted so far), without exceeding what's already been sent. A pending
// retransmit range, if any, is served first and entirely, ahead of new
// scheduled bytes (spec.md §4.H "Retransmission ranges marked by RESEND
// are prioritized over the next scheduled release"). Caller holds r.Mu.
func (e *Engine) Release(r *rpc.RPC, grantedOffset int) []Segment {
	if r.RetransmitFrom >= 0 {
		from, to := r.RetransmitFrom, r.RetransmitTo
		r.RetransmitFrom, r.RetransmitTo = -1, 0
		segs := e.segmentRange(from, to)
		for i := range segs {
			segs[i].Retransmit = true
		}
		return segs
	}

	if grantedOffset <= r.OutSent {
		return nil
	}
	to := grantedOffset
	if to > r.OutLength {
		to = r.OutLength
	}
	segs := e.segmentRange(r.OutSent, to)
	r.OutSent = to
	return segs
}

// MarkRetransmit records a RESEND range for the next Release call to
// serve ahead of scheduled bytes. Caller holds r.Mu.
func (e *Engine) MarkRetransmit(r *rpc.RPC, from, to int) {
	if to > r.OutLength {
		to = r.OutLength
	}
	if from < 0 || from >= to {
		return
	}
	r.RetransmitFrom = from
	r.RetransmitTo = to
}

// ValidateSend checks the response-path constraint (spec.md §4.H
// "Response-path constraint"): a send naming a nonzero id requires the
// RPC to be IN_SERVICE. idMismatch reports whether the RPC found at id
// belongs to a different request than the caller expects (the caller
// determines this by comparing cookies/peers before calling). Caller
// holds r.Mu.
func ValidateSend(r *rpc.RPC, idMismatch bool) error {
	if idMismatch {
		return homaerr.ErrInval
	}
	if r.State != rpc.InService {
		return homaerr.ErrInval
	}
	return nil
}

// HeaderFor builds the wire DATA header for seg, given the RPC's message
// length and the unscheduled-byte threshold (needed on every segment so a
// receiver which missed earlier packets can still classify it).
func (e *Engine) HeaderFor(r *rpc.RPC, seg Segment, senderID uint64, sport, dport uint16) wire.Data {
	return wire.Data{
		Common: wire.Common{
			SenderID: senderID,
			SPort:    sport,
			DPort:    dport,
		},
		MessageLength:    uint32(r.OutLength),
		Offset:           uint32(seg.Offset),
		SegLength:        uint32(seg.Length),
		UnscheduledBytes: uint32(e.cfg.UnschedBytes),
		Retransmit:       seg.Retransmit,
	}
}
