package chat

import (
	"context"
	"net"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/wirebound/rdt/pkg/rdt"
)

// Client is one user's session with a chat server, carried over a single
// transport connection.
type Client struct {
	conn    *rdt.Conn
	name    string
	session string

	incoming chan Envelope
	closed   chan struct{}
}

// Dial connects engine to the server at addr, logs in as name, and starts
// decoding inbound envelopes onto Incoming.
func Dial(ctx context.Context, engine *rdt.Engine, addr *net.UDPAddr, name string, timeout time.Duration) (*Client, error) {
	conn, err := engine.Connect(ctx, addr, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial chat server %s", addr)
	}
	c := &Client{
		conn:     conn,
		name:     name,
		session:  uuid.NewString(),
		incoming: make(chan Envelope, 64),
		closed:   make(chan struct{}),
	}
	conn.OnMessage(func(data []byte) {
		env, err := DecodeEnvelope(data)
		if err != nil {
			dlog.Debugf(ctx, "server sent garbage: %v", err)
			return
		}
		select {
		case c.incoming <- env:
		default:
			dlog.Debugf(ctx, "incoming queue full, envelope %s dropped", env.ID)
		}
	})
	conn.OnDisconnect(func(*rdt.Conn) {
		close(c.closed)
	})
	if err := c.send(ctx, Envelope{Type: TypeLogin, Name: name, Session: c.session}); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}
	return c, nil
}

// Incoming delivers decoded envelopes from the server.
func (c *Client) Incoming() <-chan Envelope {
	return c.incoming
}

// Done is closed when the transport connection goes down: the server ends
// the session, the client's own Close completes, or the server stops
// responding.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Name is the login name used for this session.
func (c *Client) Name() string {
	return c.name
}

// Join moves the session into room, creating it on the server if needed.
func (c *Client) Join(ctx context.Context, room string) error {
	return c.send(ctx, Envelope{Type: TypeJoin, Room: room})
}

// Leave exits room without joining another.
func (c *Client) Leave(ctx context.Context, room string) error {
	return c.send(ctx, Envelope{Type: TypeLeave, Room: room})
}

// Say broadcasts text to room.
func (c *Client) Say(ctx context.Context, room, text string) error {
	return c.send(ctx, Envelope{Type: TypeMsg, Room: room, Text: text})
}

// DM sends text to a single user.
func (c *Client) DM(ctx context.Context, to, text string) error {
	return c.send(ctx, Envelope{Type: TypeDM, To: to, Text: text})
}

// Close gracefully tears the transport connection down.
func (c *Client) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

func (c *Client) send(ctx context.Context, env Envelope) error {
	b, err := env.Encode()
	if err != nil {
		return err
	}
	return errors.Wrap(c.conn.Send(ctx, b), "send envelope")
}
