package chat

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirebound/rdt/pkg/rdt"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	in := Envelope{Type: TypeMsg, Room: "general", Text: "hi there"}
	b, err := in.Encode()
	require.NoError(t, err)
	out, err := DecodeEnvelope(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := DecodeEnvelope([]byte("not json"))
	assert.Error(t, err)
	_, err = DecodeEnvelope([]byte(`{"room":"typeless"}`))
	assert.Error(t, err)
}

func testEngine(ctx context.Context, t *testing.T) *rdt.Engine {
	t.Helper()
	e, err := rdt.Bind(ctx, 0, rdt.Config{RTO: 100 * time.Millisecond, ResendTick: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop(ctx) })
	return e
}

func dialTestClient(ctx context.Context, t *testing.T, server *rdt.Engine, name string) *Client {
	t.Helper()
	e := testEngine(ctx, t)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: server.LocalAddr().Port}
	c, err := Dial(ctx, e, addr, name, 5*time.Second)
	require.NoError(t, err)
	return c
}

// await reads envelopes from c until pred matches one or the timeout expires.
func await(t *testing.T, c *Client, what string, pred func(Envelope) bool) Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-c.Incoming():
			if pred(env) {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func TestLoginAndRoomChat(t *testing.T) {
	ctx := context.Background()
	serverEngine := testEngine(ctx, t)
	srv := NewServer(ctx, serverEngine, []string{"ops"})
	require.Contains(t, srv.Rooms(), "ops")

	alice := dialTestClient(ctx, t, serverEngine, "alice")
	await(t, alice, "welcome", func(e Envelope) bool {
		return e.Type == TypeInfo && e.Msg == "Welcome alice!"
	})

	bob := dialTestClient(ctx, t, serverEngine, "bob")
	// Alice, already in general, sees bob join.
	await(t, alice, "join notice", func(e Envelope) bool {
		return e.Type == TypeInfo && e.Msg == "bob joined general."
	})

	require.NoError(t, bob.Say(ctx, DefaultRoom, "hello room"))
	env := await(t, alice, "chat message", func(e Envelope) bool { return e.Type == TypeChat })
	assert.Equal(t, "bob", env.Sender)
	assert.Equal(t, "hello room", env.Text)
	assert.Equal(t, DefaultRoom, env.Room)
	assert.NotEmpty(t, env.ID)
}

func TestDirectMessage(t *testing.T) {
	ctx := context.Background()
	serverEngine := testEngine(ctx, t)
	NewServer(ctx, serverEngine, nil)

	alice := dialTestClient(ctx, t, serverEngine, "alice")
	bob := dialTestClient(ctx, t, serverEngine, "bob")
	await(t, bob, "welcome", func(e Envelope) bool {
		return e.Type == TypeInfo && e.Msg == "Welcome bob!"
	})

	require.NoError(t, alice.DM(ctx, "bob", "psst"))
	env := await(t, bob, "direct message", func(e Envelope) bool {
		return e.Type == TypeChat && e.To == "bob"
	})
	assert.Equal(t, "alice", env.Sender)
	assert.Equal(t, "psst", env.Text)

	require.NoError(t, alice.DM(ctx, "nobody", "void"))
	await(t, alice, "unknown user notice", func(e Envelope) bool {
		return e.Type == TypeInfo && e.Msg == "no such user: nobody"
	})
}

func TestJoinDeliversHistory(t *testing.T) {
	ctx := context.Background()
	serverEngine := testEngine(ctx, t)
	NewServer(ctx, serverEngine, nil)

	alice := dialTestClient(ctx, t, serverEngine, "alice")
	require.NoError(t, alice.Say(ctx, DefaultRoom, "for the record"))
	await(t, alice, "own message", func(e Envelope) bool { return e.Type == TypeChat })

	// A latecomer receives the room history after joining.
	bob := dialTestClient(ctx, t, serverEngine, "bob")
	env := await(t, bob, "replayed history", func(e Envelope) bool { return e.Type == TypeChat })
	assert.Equal(t, "for the record", env.Text)
	assert.Equal(t, "alice", env.Sender)
}

func TestDisconnectCleansUp(t *testing.T) {
	ctx := context.Background()
	serverEngine := testEngine(ctx, t)
	NewServer(ctx, serverEngine, nil)

	alice := dialTestClient(ctx, t, serverEngine, "alice")
	bob := dialTestClient(ctx, t, serverEngine, "bob")
	await(t, alice, "bob's arrival", func(e Envelope) bool {
		return e.Type == TypeInfo && e.Msg == "bob joined general."
	})

	require.NoError(t, bob.Close(ctx))
	await(t, alice, "disconnect notice", func(e Envelope) bool {
		return e.Type == TypeInfo && e.Msg == "bob disconnected."
	})
}
