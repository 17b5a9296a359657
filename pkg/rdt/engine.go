package rdt

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Engine owns one UDP socket and demultiplexes its datagrams to the
// connections keyed by peer address. Several engines may coexist in a
// process, each on its own port.
type Engine struct {
	cfg    Config
	sock   *net.UDPConn
	cancel context.CancelFunc

	mu    sync.RWMutex
	conns map[string]*Conn

	onNewConnection func(*Conn)

	// rnd produces connection ids for accepted peers.
	rndMu sync.Mutex
	rnd   *rand.Rand

	stats stats

	stopped  chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
}

// Bind opens a UDP socket on localPort and starts the receive loop. A zero
// localPort picks an ephemeral port; zero fields in cfg take their defaults.
func Bind(ctx context.Context, localPort int, cfg Config) (*Engine, error) {
	sock, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort})
	if err != nil {
		return nil, errors.Wrapf(err, "bind udp port %d", localPort)
	}
	e := &Engine{
		cfg:      cfg.withDefaults(),
		sock:     sock,
		conns:    make(map[string]*Conn),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		stopped:  make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	ctx, e.cancel = context.WithCancel(ctx)
	dlog.Infof(ctx, "engine listening on %s", sock.LocalAddr())
	go e.listen(ctx)
	return e, nil
}

// LocalAddr is the address the engine's socket is bound to.
func (e *Engine) LocalAddr() *net.UDPAddr {
	return e.sock.LocalAddr().(*net.UDPAddr)
}

// OnNewConnection registers the callback invoked when an inbound handshake
// completes. An engine without it refuses inbound SYNs.
func (e *Engine) OnNewConnection(cb func(conn *Conn)) {
	e.mu.Lock()
	e.onNewConnection = cb
	e.mu.Unlock()
}

// Connect performs the three-way handshake with peer and blocks until the
// connection is established or timeout expires. The SYN is retransmitted
// every RTO while waiting. A timeout of zero uses the configured default.
func (e *Engine) Connect(ctx context.Context, peer *net.UDPAddr, timeout time.Duration) (*Conn, error) {
	select {
	case <-e.stopped:
		return nil, ErrEngineClosed
	default:
	}
	if timeout <= 0 {
		timeout = e.cfg.ConnectTimeout
	}
	ctx = dlog.WithField(ctx, "conn", peer.String())

	c := newConn(ctx, e, peer, StateSynSent, 0)
	key := peer.String()
	e.mu.Lock()
	if _, exists := e.conns[key]; exists {
		e.mu.Unlock()
		c.abort(ctx)
		return nil, errors.Errorf("a connection to %s already exists", key)
	}
	e.conns[key] = c
	e.mu.Unlock()

	syn := c.newDatagram(flagSYN, 0, 0, nil)
	c.transmit(ctx, syn)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	retry := time.NewTicker(e.cfg.RTO)
	defer retry.Stop()
	for {
		select {
		case <-c.established:
			dlog.Debugf(ctx, "   CON %d to %s established", c.ID(), peer)
			return c, nil
		case <-retry.C:
			dlog.Debugf(ctx, "   CON retransmitting SYN to %s", peer)
			c.transmit(ctx, syn)
		case <-ctx.Done():
			e.removeConn(peer)
			c.abort(ctx)
			return nil, errors.Wrapf(ctx.Err(), "connect to %s", peer)
		case <-deadline.C:
			e.removeConn(peer)
			c.abort(ctx)
			return nil, errors.Wrapf(ErrTimeout, "no answer from %s within %s", peer, timeout)
		}
	}
}

// Close gracefully tears down conn. Provided for symmetry with Connect;
// identical to conn.Close.
func (e *Engine) Close(ctx context.Context, conn *Conn) error {
	return conn.Close(ctx)
}

// Stop shuts the engine down abruptly: the socket closes, the receive loop
// exits, all timers are cancelled, and every connection is marked CLOSED
// without a FIN on the wire.
func (e *Engine) Stop(ctx context.Context) error {
	var result error
	e.stopOnce.Do(func() {
		close(e.stopped)
		e.cancel()
		if err := e.sock.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close socket"))
		}
		<-e.loopDone

		e.mu.Lock()
		conns := make([]*Conn, 0, len(e.conns))
		for _, c := range e.conns {
			conns = append(conns, c)
		}
		e.conns = make(map[string]*Conn)
		e.mu.Unlock()
		for _, c := range conns {
			c.abort(ctx)
		}
		dlog.Infof(ctx, "engine on %s stopped, %d connections dropped", e.sock.LocalAddr(), len(conns))
	})
	return result
}

// listen is the receive loop: one goroutine reading, verifying, decoding and
// routing every inbound datagram.
func (e *Engine) listen(ctx context.Context) {
	defer close(e.loopDone)
	defer func() {
		if r := recover(); r != nil {
			dlog.Errorf(ctx, "%+v", derror.PanicToError(r))
		}
	}()
	buf := make([]byte, maxDatagram)
	for {
		n, peer, err := e.sock.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.stopped:
			case <-ctx.Done():
			default:
				dlog.Errorf(ctx, "read: %v", err)
			}
			return
		}
		e.stats.packetsReceived.inc()

		// The loop's buffer is reused, so the packet is copied before
		// anything may retain it.
		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		if !Verify(pkt) {
			e.stats.checksumFailures.inc()
			dlog.Debugf(ctx, "<- %s dropped: %v", peer, ErrChecksum)
			continue
		}
		h, payload, err := Deserialize(pkt)
		if err != nil {
			e.stats.malformedPackets.inc()
			dlog.Debugf(ctx, "<- %s dropped: %v", peer, err)
			continue
		}
		dlog.Tracef(ctx, "<- %s cid %d, sq %d, an %d, wz %d, len %d, flags %s",
			peer, h.ConnID, h.Seq, h.Ack, h.Window, h.Length, flagNames(h.Flags))

		e.mu.RLock()
		c := e.conns[peer.String()]
		e.mu.RUnlock()
		switch {
		case c != nil:
			c.handlePacket(ctx, h, payload)
		case h.Flags&flagSYN != 0 && h.Flags&flagACK == 0:
			e.acceptSyn(ctx, h, peer)
		default:
			e.stats.unknownPeerDrops.inc()
			dlog.Debugf(ctx, "<- %s dropped, no connection and not a SYN", peer)
		}
	}
}

// acceptSyn creates a half-open connection for a new peer and answers the
// SYN with a SYN-ACK carrying a freshly assigned connection id.
func (e *Engine) acceptSyn(ctx context.Context, h Header, peer *net.UDPAddr) {
	e.mu.Lock()
	if e.onNewConnection == nil {
		e.mu.Unlock()
		dlog.Debugf(ctx, "<- %s SYN dropped, engine does not accept connections", peer)
		return
	}
	if _, exists := e.conns[peer.String()]; exists {
		e.mu.Unlock()
		return
	}
	id := e.newConnID()
	c := newConn(ctx, e, peer, StateSynReceived, id)
	e.conns[peer.String()] = c
	e.mu.Unlock()

	dlog.Debugf(ctx, "   CON %d accepting SYN from %s", id, peer)
	c.transmit(ctx, c.newDatagram(flagSYN|flagACK, 0, h.Seq+1, nil))
}

// announce runs the new-connection callback once an accepted handshake
// completes. No engine lock is held during the call.
func (e *Engine) announce(ctx context.Context, c *Conn) {
	e.mu.RLock()
	cb := e.onNewConnection
	e.mu.RUnlock()
	if cb != nil {
		cb(c)
	}
}

// sendRaw is the single path every component uses to put a datagram on the
// wire.
func (e *Engine) sendRaw(ctx context.Context, b []byte, dst *net.UDPAddr) error {
	n, err := e.sock.WriteToUDP(b, dst)
	if err != nil {
		return err
	}
	e.stats.packetsSent.inc()
	e.stats.bytesSent.add(int64(n))
	return nil
}

func (e *Engine) removeConn(peer *net.UDPAddr) {
	key := peer.String()
	e.mu.Lock()
	if _, ok := e.conns[key]; ok {
		delete(e.conns, key)
	}
	e.mu.Unlock()
}

func (e *Engine) connCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.conns)
}

func (e *Engine) newConnID() uint32 {
	e.rndMu.Lock()
	defer e.rndMu.Unlock()
	for {
		if id := e.rnd.Uint32(); id != 0 {
			return id
		}
	}
}
