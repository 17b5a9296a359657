package rdt

import (
	"context"
	"sync"
	"time"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
)

// segment is one in-flight chunk. The originally serialized datagram is kept
// so a retransmission puts the identical bytes back on the wire.
type segment struct {
	seq      uint32
	payload  []byte
	datagram []byte
	sentAt   time.Time
	retries  int
}

// sender drives the reliable outbound half of one connection: chunking,
// window-gated transmission, cumulative-ACK processing, and timeout-driven
// retransmission.
type sender struct {
	mu    sync.Mutex
	out   conduit
	cfg   Config
	stats *stats

	// baseSeq is the oldest unacknowledged byte, nextSeq the next byte to
	// assign. Every in-flight segment lies in [baseSeq, nextSeq).
	baseSeq uint32
	nextSeq uint32

	// queue holds chunks that the peer's window does not yet admit.
	queue [][]byte

	inFlight map[uint32]*segment

	// peerWindow is the advertised window from the most recent ACK.
	peerWindow uint32

	rttSamples []time.Duration
}

func newSender(out conduit, cfg Config, st *stats) *sender {
	return &sender{
		out:        out,
		cfg:        cfg,
		stats:      st,
		inFlight:   make(map[uint32]*segment),
		peerWindow: 0xffff,
	}
}

// send chunks data into MSS-sized payloads, queues them in order, and
// transmits as much as the peer's window admits. It never blocks on the wire.
func (s *sender) send(ctx context.Context, data []byte) {
	s.mu.Lock()
	for len(data) > 0 {
		n := s.cfg.MSS
		if n > len(data) {
			n = len(data)
		}
		s.queue = append(s.queue, data[:n])
		data = data[n:]
	}
	out := s.drainLocked(ctx)
	s.mu.Unlock()
	s.transmitAll(ctx, out)
}

// onAck retires everything below the cumulative acknowledgment, adopts the
// peer's window, and drains whatever the wider window now admits.
func (s *sender) onAck(ctx context.Context, h Header) {
	s.mu.Lock()
	now := time.Now()
	for seq, seg := range s.inFlight {
		if seq >= h.Ack {
			continue
		}
		delete(s.inFlight, seq)
		if seg.retries == 0 {
			// Only unambiguous transmissions contribute RTT samples.
			s.rttSamples = append(s.rttSamples, now.Sub(seg.sentAt))
		}
	}
	// Cumulative ACKs are monotonic; an old one still refreshes the window
	// but never moves the base backwards.
	if h.Ack > s.baseSeq {
		s.baseSeq = h.Ack
	}
	s.peerWindow = uint32(h.Window)
	out := s.drainLocked(ctx)
	s.mu.Unlock()
	s.transmitAll(ctx, out)
}

// drainLocked pops queued chunks while they fit in the peer's window,
// registering each as in-flight. The serialized datagrams are returned for
// transmission outside the lock.
func (s *sender) drainLocked(ctx context.Context) [][]byte {
	var out [][]byte
	for len(s.queue) > 0 {
		head := s.queue[0]
		if s.nextSeq-s.baseSeq+uint32(len(head)) > s.peerWindow {
			dlog.Tracef(ctx, "   SND window full: %d in flight, peer window %d", s.nextSeq-s.baseSeq, s.peerWindow)
			break
		}
		s.queue = s.queue[1:]
		seg := &segment{
			seq:      s.nextSeq,
			payload:  head,
			datagram: s.out.newDatagram(flagPSH, s.nextSeq, 0, head),
			sentAt:   time.Now(),
		}
		s.inFlight[seg.seq] = seg
		s.nextSeq += uint32(len(head))
		out = append(out, seg.datagram)
		dlog.Tracef(ctx, "   SND sq %d, len %d", seg.seq, len(head))
	}
	return out
}

func (s *sender) transmitAll(ctx context.Context, out [][]byte) {
	for _, b := range out {
		s.out.transmit(ctx, b)
	}
}

// resendLoop scans the in-flight segments on a fixed tick and retransmits
// those whose backed-off timeout has expired. A segment that exhausts the
// retransmission budget kills the connection.
func (s *sender) resendLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			dlog.Errorf(ctx, "%+v", derror.PanicToError(r))
		}
	}()
	ticker := time.NewTicker(s.cfg.ResendTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			out, dead := s.expiredLocked(ctx, now)
			if dead {
				s.out.teardown(ctx, ErrDead)
				return
			}
			s.transmitAll(ctx, out)
		}
	}
}

func (s *sender) expiredLocked(ctx context.Context, now time.Time) (out [][]byte, dead bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range s.inFlight {
		if now.Before(seg.sentAt.Add(s.cfg.rtoAfter(seg.retries))) {
			continue
		}
		if seg.retries >= s.cfg.MaxRetransmits {
			dlog.Errorf(ctx, "   SND sq %d resent %d times without progress, giving up", seg.seq, seg.retries)
			return nil, true
		}
		seg.retries++
		seg.sentAt = now
		s.stats.retransmissions.inc()
		dlog.Debugf(ctx, "   SND sq %d, len %d, retransmit %d", seg.seq, len(seg.payload), seg.retries)
		out = append(out, seg.datagram)
	}
	return out, false
}

// seq reports the next sequence number to be assigned.
func (s *sender) seq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}

// inFlightCount reports how many segments await acknowledgment.
func (s *sender) inFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// reset drops all sender state. Called on teardown so no timer fires for a
// retired segment.
func (s *sender) reset() {
	s.mu.Lock()
	s.queue = nil
	s.inFlight = make(map[uint32]*segment)
	s.mu.Unlock()
}
