package rdt

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
)

// State is the connection's position in its lifecycle.
type State int32

const (
	StateListening = State(iota)
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait
	StateClosed
)

func (s State) String() (txt string) {
	switch s {
	case StateListening:
		txt = "LISTENING"
	case StateSynSent:
		txt = "SYN-SENT"
	case StateSynReceived:
		txt = "SYN-RECEIVED"
	case StateEstablished:
		txt = "ESTABLISHED"
	case StateFinWait:
		txt = "FIN-WAIT"
	case StateClosed:
		txt = "CLOSED"
	default:
		txt = "UNKNOWN"
	}
	return txt
}

// Conn is one reliable connection to a peer. It owns a receiver and a sender
// and routes inbound packets between the handshake machine and the two.
type Conn struct {
	mu     sync.Mutex
	engine *Engine

	// cancel stops the goroutines tied to this connection.
	cancel context.CancelFunc

	// id is assigned by the accepting side; an active connection learns it
	// from the SYN-ACK.
	id   uint32
	peer *net.UDPAddr

	state        State
	lastActivity time.Time

	// established is closed once the handshake completes; Connect blocks
	// on it.
	established chan struct{}
	estOnce     sync.Once

	// linger reaps a FIN-WAIT connection whose final ACK never arrives.
	linger *time.Timer

	// finSeq is the sequence carried by our FIN; its acknowledgment is
	// finSeq+1.
	finSeq uint32

	onMessage    func([]byte)
	onDisconnect func(*Conn)

	recv *receiver
	snd  *sender
}

func newConn(ctx context.Context, e *Engine, peer *net.UDPAddr, initial State, id uint32) *Conn {
	c := &Conn{
		engine:       e,
		id:           id,
		peer:         peer,
		state:        initial,
		lastActivity: time.Now(),
		established:  make(chan struct{}),
	}
	c.recv = newReceiver(c, e.cfg.ReceiveBuffer)
	c.snd = newSender(c, e.cfg, &e.stats)
	ctx, c.cancel = context.WithCancel(c.logContext(ctx))
	go c.snd.resendLoop(ctx)
	dlog.Debugf(ctx, "   CON %d to %s created in state %s", id, peer, initial)
	return c
}

// ID is the connection identifier assigned during the handshake.
func (c *Conn) ID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Peer is the remote address this connection talks to.
func (c *Conn) Peer() *net.UDPAddr {
	return c.peer
}

// State reports the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// logContext attaches this connection's peer as a log field, so every line
// emitted on its behalf can be filtered by connection. The peer address is
// used rather than the id, which a client only learns mid-handshake.
func (c *Conn) logContext(ctx context.Context) context.Context {
	return dlog.WithField(ctx, "conn", c.peer.String())
}

// LastActivity is the time the most recent packet arrived from the peer.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// OnMessage registers the application callback for delivered chunks. Chunks
// arrive in the order the peer sent them, each at most once, and the callback
// runs with no transport lock held.
func (c *Conn) OnMessage(cb func(data []byte)) {
	c.mu.Lock()
	c.onMessage = cb
	c.mu.Unlock()
}

// OnDisconnect registers the callback invoked when the connection dies, be it
// a peer FIN, the completion of our own close, or a retransmission give-up.
func (c *Conn) OnDisconnect(cb func(conn *Conn)) {
	c.mu.Lock()
	c.onDisconnect = cb
	c.mu.Unlock()
}

// Send queues data for reliable, ordered delivery and returns without
// blocking on the wire.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st != StateEstablished {
		return ErrNotEstablished
	}
	c.snd.send(ctx, data)
	return nil
}

// Close initiates a graceful teardown: a FIN goes out and the connection
// lingers in FIN-WAIT until the peer acknowledges it. Closing an already
// closing or closed connection is a no-op.
func (c *Conn) Close(ctx context.Context) error {
	ctx = c.logContext(ctx)
	// Read the FIN sequence before taking the connection lock; the sender
	// acquires its own lock first when draining.
	finSeq := c.snd.seq()
	c.mu.Lock()
	switch c.state {
	case StateFinWait, StateClosed:
		c.mu.Unlock()
		return nil
	case StateEstablished:
	default:
		c.mu.Unlock()
		return ErrNotEstablished
	}
	c.setStateLocked(ctx, StateFinWait)
	c.finSeq = finSeq
	c.linger = time.AfterFunc(c.engine.cfg.LingerTimeout, func() {
		dlog.Debugf(ctx, "   CON %d FIN unacknowledged after linger timeout", c.id)
		c.teardown(ctx, nil)
	})
	c.mu.Unlock()

	c.transmit(ctx, c.newDatagram(flagFIN, finSeq, 0, nil))
	return nil
}

// handlePacket routes one verified, decoded packet. It runs on the engine's
// receive loop.
func (c *Conn) handlePacket(ctx context.Context, h Header, payload []byte) {
	ctx = c.logContext(ctx)
	c.mu.Lock()
	c.lastActivity = time.Now()
	st := c.state
	c.mu.Unlock()

	switch st {
	case StateSynSent:
		if h.Flags&(flagSYN|flagACK) == flagSYN|flagACK {
			c.completeActiveHandshake(ctx, h)
		}
	case StateSynReceived:
		// A data segment here means our peer considers the handshake
		// done and its final ACK was lost; treat it as that ACK.
		if h.Flags&flagACK != 0 && h.Flags&flagSYN == 0 || len(payload) > 0 {
			c.completePassiveHandshake(ctx)
			if len(payload) > 0 {
				c.recv.onData(ctx, h, payload)
			}
		}
	case StateEstablished:
		if h.Flags&flagACK != 0 && h.Flags&flagFIN == 0 {
			c.snd.onAck(ctx, h)
		}
		if len(payload) > 0 {
			c.recv.onData(ctx, h, payload)
		}
		if h.Flags&flagFIN != 0 {
			c.handleFin(ctx, h)
		}
	case StateFinWait:
		c.mu.Lock()
		finAck := c.finSeq + 1
		c.mu.Unlock()
		switch {
		case h.Flags&flagFIN != 0:
			// Simultaneous close: acknowledge the peer's FIN and go
			// down without waiting for ours to be acknowledged.
			c.transmit(ctx, c.newDatagram(flagACK, 0, h.Seq+1, nil))
			c.teardown(ctx, nil)
		case h.Flags&flagACK != 0 && h.Ack == finAck:
			dlog.Debugf(ctx, "   CON %d FIN acknowledged", c.ID())
			c.teardown(ctx, nil)
		case h.Flags&flagACK != 0:
			// A cumulative ACK for data that was in flight when the
			// close started; it still retires segments.
			c.snd.onAck(ctx, h)
		}
	case StateClosed:
		// Stray packet; ignore.
	}
}

// completeActiveHandshake finishes the client side of the three-way
// handshake: adopt the server-assigned connection id, answer with the final
// ACK, and unblock Connect.
func (c *Conn) completeActiveHandshake(ctx context.Context, h Header) {
	c.mu.Lock()
	if c.state != StateSynSent {
		c.mu.Unlock()
		return
	}
	c.id = h.ConnID
	c.setStateLocked(ctx, StateEstablished)
	c.mu.Unlock()

	c.transmit(ctx, c.newDatagram(flagACK, 0, h.Seq+1, nil))
	c.estOnce.Do(func() { close(c.established) })
}

// completePassiveHandshake finishes the server side: the final ACK arrived,
// so the connection is announced to the application.
func (c *Conn) completePassiveHandshake(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateSynReceived {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(ctx, StateEstablished)
	c.mu.Unlock()

	c.estOnce.Do(func() { close(c.established) })
	c.engine.announce(ctx, c)
}

// handleFin answers a peer-initiated teardown with a plain ACK and closes.
func (c *Conn) handleFin(ctx context.Context, h Header) {
	dlog.Debugf(ctx, "   CON %d received FIN", c.ID())
	c.transmit(ctx, c.newDatagram(flagACK, 0, h.Seq+1, nil))
	c.teardown(ctx, nil)
}

// teardown moves the connection to CLOSED exactly once, stops its timers,
// invokes the disconnect callback without locks held, and removes it from
// the engine.
func (c *Conn) teardown(ctx context.Context, reason error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(ctx, StateClosed)
	if c.linger != nil {
		c.linger.Stop()
		c.linger = nil
	}
	cb := c.onDisconnect
	c.mu.Unlock()

	c.cancel()
	c.snd.reset()
	if reason != nil {
		dlog.Errorf(ctx, "   CON %d closed: %v", c.ID(), reason)
	}
	if cb != nil {
		cb(c)
	}
	c.engine.removeConn(c.peer)
}

// abort is teardown for an engine-wide stop: no FIN, no disconnect callback,
// just mark the connection dead and stop its timers.
func (c *Conn) abort(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.setStateLocked(ctx, StateClosed)
	}
	if c.linger != nil {
		c.linger.Stop()
		c.linger = nil
	}
	c.mu.Unlock()
	c.cancel()
	c.snd.reset()
}

// setStateLocked validates and applies a state transition.
func (c *Conn) setStateLocked(ctx context.Context, s State) {
	valid := false
	switch c.state {
	case StateListening:
		valid = s == StateSynReceived || s == StateClosed
	case StateSynSent:
		valid = s == StateEstablished || s == StateClosed
	case StateSynReceived:
		valid = s == StateEstablished || s == StateClosed
	case StateEstablished:
		valid = s == StateFinWait || s == StateClosed
	case StateFinWait:
		valid = s == StateClosed
	}
	if !valid {
		dlog.Errorf(ctx, "   CON %d, illegal state transition %s -> %s", c.id, c.state, s)
		return
	}
	dlog.Debugf(ctx, "   CON %d, state %s -> %s", c.id, c.state, s)
	c.state = s
}

// conduit implementation

func (c *Conn) newDatagram(flags uint16, seq, ack uint32, payload []byte) []byte {
	h := Header{
		Version: ProtocolVersion,
		Flags:   flags,
		ConnID:  c.ID(),
		Seq:     seq,
		Ack:     ack,
		Window:  c.recv.window(),
		Length:  uint16(len(payload)),
	}
	return Serialize(h, payload)
}

func (c *Conn) transmit(ctx context.Context, b []byte) {
	if err := c.engine.sendRaw(ctx, b, c.peer); err != nil {
		dlog.Errorf(ctx, "   CON %d write to %s: %v", c.ID(), c.peer, err)
	}
}

func (c *Conn) deliver(ctx context.Context, data []byte) {
	c.mu.Lock()
	cb := c.onMessage
	c.mu.Unlock()
	if cb == nil {
		dlog.Debugf(ctx, "   CON %d no message callback registered, %d bytes dropped", c.ID(), len(data))
		return
	}
	c.engine.stats.messagesDelivered.inc()
	c.engine.stats.bytesReceived.add(int64(len(data)))
	cb(data)
}
