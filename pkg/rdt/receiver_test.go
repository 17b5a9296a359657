package rdt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dataHeader(seq uint32, payload []byte) Header {
	return Header{
		Version: ProtocolVersion,
		Flags:   flagPSH,
		ConnID:  1,
		Seq:     seq,
		Length:  uint16(len(payload)),
	}
}

func TestReceiverInOrderDelivery(t *testing.T) {
	ctx := context.Background()
	out := newFakeConduit()
	r := newReceiver(out, 64*1024)
	out.recv = r

	payload := []byte("hello")
	r.onData(ctx, dataHeader(0, payload), payload)

	require.Equal(t, [][]byte{payload}, out.deliveredChunks())
	assert.Equal(t, uint32(5), r.expected())

	acks := out.sentHeaders()
	require.Len(t, acks, 1)
	assert.Equal(t, flagACK, acks[0].Flags)
	assert.Equal(t, uint32(0), acks[0].Seq)
	assert.Equal(t, uint32(5), acks[0].Ack)
	assert.Equal(t, uint16(0xffff), acks[0].Window)
	assert.Equal(t, uint16(0), acks[0].Length)
}

func TestReceiverOutOfOrder(t *testing.T) {
	ctx := context.Background()
	out := newFakeConduit()
	r := newReceiver(out, 64*1024)
	out.recv = r

	first := make([]byte, 1400)
	for i := range first {
		first[i] = 'a'
	}
	second := []byte("tail")

	// The second segment arrives first: nothing is delivered, the ACK
	// still asks for byte 0, and the advertised window shrinks by the
	// buffered amount.
	r.onData(ctx, dataHeader(1400, second), second)
	require.Empty(t, out.deliveredChunks())
	acks := out.sentHeaders()
	require.Len(t, acks, 1)
	assert.Equal(t, uint32(0), acks[0].Ack)
	assert.Equal(t, uint16(64*1024-len(second)), acks[0].Window)

	// The gap fills: both chunks come out, in order, in one drain.
	r.onData(ctx, dataHeader(0, first), first)
	require.Equal(t, [][]byte{first, second}, out.deliveredChunks())
	assert.Equal(t, uint32(1404), r.expected())
	acks = out.sentHeaders()
	require.Len(t, acks, 2)
	assert.Equal(t, uint32(1404), acks[1].Ack)
	assert.Equal(t, uint16(0xffff), acks[1].Window)
}

func TestReceiverDuplicates(t *testing.T) {
	ctx := context.Background()
	out := newFakeConduit()
	r := newReceiver(out, 64*1024)
	out.recv = r

	payload := []byte("once")
	r.onData(ctx, dataHeader(0, payload), payload)
	r.onData(ctx, dataHeader(0, payload), payload)

	// Delivered exactly once, but both packets were acknowledged.
	assert.Equal(t, [][]byte{payload}, out.deliveredChunks())
	acks := out.sentHeaders()
	require.Len(t, acks, 2)
	assert.Equal(t, uint32(4), acks[1].Ack)

	// A buffered out-of-order duplicate is kept once as well.
	tail := []byte("tail")
	r.onData(ctx, dataHeader(100, tail), tail)
	r.onData(ctx, dataHeader(100, tail), tail)
	assert.Equal(t, 64*1024-len(tail), r.maxBuffer-r.buffered)
}

func TestReceiverOverflow(t *testing.T) {
	ctx := context.Background()
	out := newFakeConduit()
	r := newReceiver(out, 16)
	out.recv = r

	// A segment spanning past the buffer is dropped but still answered.
	big := make([]byte, 32)
	r.onData(ctx, dataHeader(0, big), big)
	require.Empty(t, out.deliveredChunks())
	acks := out.sentHeaders()
	require.Len(t, acks, 1)
	assert.Equal(t, uint32(0), acks[0].Ack)
	assert.Equal(t, uint32(0), r.expected())

	// A far-future segment overflows by position, not by size.
	small := []byte("x")
	r.onData(ctx, dataHeader(1000, small), small)
	assert.Equal(t, 0, r.buffered)

	// A fitting segment is still accepted afterwards.
	ok := []byte("0123456789")
	r.onData(ctx, dataHeader(0, ok), ok)
	assert.Equal(t, [][]byte{ok}, out.deliveredChunks())
	assert.Equal(t, uint32(10), r.expected())
}

func TestReceiverWindowClamp(t *testing.T) {
	out := newFakeConduit()
	r := newReceiver(out, 64*1024)
	// The buffer is larger than the 16-bit window field can express.
	assert.Equal(t, uint16(0xffff), r.window())
}
