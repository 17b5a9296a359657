package rdt

import (
	"context"
	"sync"

	"github.com/datawire/dlib/dlog"
)

// conduit is the narrow surface through which the per-connection receiver and
// sender reach the socket and the application. The connection implements it;
// injecting it instead of the connection itself keeps the ownership one-way.
type conduit interface {
	// newDatagram serializes a packet for this connection, stamping the
	// connection id and the current advertised window.
	newDatagram(flags uint16, seq, ack uint32, payload []byte) []byte

	// transmit writes a serialized datagram to the peer. Wire errors are
	// absorbed and logged.
	transmit(ctx context.Context, b []byte)

	// deliver hands a contiguous chunk to the application callback.
	deliver(ctx context.Context, data []byte)

	// teardown closes the connection and removes it from the engine.
	// reason is nil for a normal close and ErrDead when the peer stopped
	// acknowledging.
	teardown(ctx context.Context, reason error)
}

// receiver reassembles the inbound byte stream for one connection. Segments
// arriving out of order are buffered by sequence number; the contiguous
// prefix is delivered to the application and acknowledged cumulatively.
type receiver struct {
	mu  sync.Mutex
	out conduit

	maxBuffer int

	// nextExpected is the sequence number of the next in-order byte.
	// Everything below it has been delivered.
	nextExpected uint32

	// segments holds out-of-order payloads keyed by their sequence number.
	// Entries never overlap each other or the delivered prefix.
	segments map[uint32][]byte

	// buffered is the total payload size held in segments.
	buffered int
}

func newReceiver(out conduit, maxBuffer int) *receiver {
	return &receiver{
		out:       out,
		maxBuffer: maxBuffer,
		segments:  make(map[uint32][]byte),
	}
}

// onData processes one data segment and always answers with a cumulative ACK
// carrying the current advertised window. Delivery callbacks run with the
// receiver lock released.
func (r *receiver) onData(ctx context.Context, h Header, payload []byte) {
	r.mu.Lock()
	var ready [][]byte
	switch {
	case h.Seq < r.nextExpected:
		// Old or duplicate segment. The ACK below refreshes the peer.
		dlog.Tracef(ctx, "   RCV sq %d below expected %d, duplicate", h.Seq, r.nextExpected)
	case h.Seq-r.nextExpected+uint32(len(payload)) > uint32(r.maxBuffer):
		// Accepting this segment would overflow the reordering buffer.
		// Drop it; the peer retransmits once its timeout fires.
		dlog.Debugf(ctx, "   RCV sq %d, len %d would overflow buffer, dropped", h.Seq, len(payload))
	default:
		if _, dup := r.segments[h.Seq]; !dup {
			r.segments[h.Seq] = payload
			r.buffered += len(payload)
		}
		ready = r.drainLocked()
	}
	ack := r.nextExpected
	r.mu.Unlock()

	for _, chunk := range ready {
		r.out.deliver(ctx, chunk)
	}
	r.out.transmit(ctx, r.out.newDatagram(flagACK, 0, ack, nil))
}

// drainLocked pops the contiguous prefix from the reordering buffer.
func (r *receiver) drainLocked() [][]byte {
	var ready [][]byte
	for {
		payload, ok := r.segments[r.nextExpected]
		if !ok {
			break
		}
		delete(r.segments, r.nextExpected)
		r.buffered -= len(payload)
		r.nextExpected += uint32(len(payload))
		ready = append(ready, payload)
	}
	return ready
}

// window is the advertised window: the free reordering buffer, clamped to
// what the 16-bit header field can carry.
func (r *receiver) window() uint16 {
	r.mu.Lock()
	free := r.maxBuffer - r.buffered
	r.mu.Unlock()
	if free < 0 {
		free = 0
	}
	if free > 0xffff {
		free = 0xffff
	}
	return uint16(free)
}

// expected reports the next in-order sequence number.
func (r *receiver) expected() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextExpected
}
