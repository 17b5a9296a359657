package rdt

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeRoundTrip(t *testing.T) {
	headers := []Header{
		{Version: ProtocolVersion, Flags: flagSYN},
		{Version: ProtocolVersion, Flags: flagSYN | flagACK, ConnID: 0xdeadbeef, Ack: 1},
		{Version: ProtocolVersion, Flags: flagPSH, ConnID: 77, Seq: 4200, Window: 0xffff},
		{Version: ProtocolVersion, Flags: flagACK, ConnID: 77, Ack: 5600, Window: 1234},
		{Version: ProtocolVersion, Flags: flagFIN, ConnID: 1, Seq: 9},
	}
	payloads := [][]byte{nil, []byte("h"), []byte("hello"), make([]byte, 1400)}
	for i := range payloads[3] {
		payloads[3][i] = byte(i)
	}

	for _, h := range headers {
		for _, p := range payloads {
			b := Serialize(h, p)
			require.Len(t, b, HeaderLen+len(p))
			require.True(t, Verify(b), "serialized packet must verify")

			got, payload, err := Deserialize(b)
			require.NoError(t, err)
			h.Length = uint16(len(p))
			if diff := cmp.Diff(h, got, cmpopts.IgnoreFields(Header{}, "Checksum")); diff != "" {
				t.Fatalf("header mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, p, append([]byte(nil), payload...))
		}
	}
}

func TestVerifyRejectsBitFlips(t *testing.T) {
	h := Header{Version: ProtocolVersion, Flags: flagPSH, ConnID: 42, Seq: 1400, Window: 512}
	b := Serialize(h, []byte("the quick brown fox"))
	require.True(t, Verify(b))

	for i := 0; i < len(b); i++ {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), b...)
			flipped[i] ^= 1 << bit
			assert.Falsef(t, Verify(flipped), "flip of byte %d bit %d went undetected", i, bit)
		}
	}
}

func TestVerifyOddLengthPayload(t *testing.T) {
	b := Serialize(Header{Version: ProtocolVersion, Flags: flagPSH, ConnID: 9}, []byte("odd"))
	assert.True(t, Verify(b))
}

func TestDeserializeMalformed(t *testing.T) {
	t.Run("short", func(t *testing.T) {
		_, _, err := Deserialize(make([]byte, HeaderLen-1))
		assert.True(t, errors.Is(err, ErrMalformed))
	})
	t.Run("bad version", func(t *testing.T) {
		b := Serialize(Header{Version: ProtocolVersion, Flags: flagSYN}, nil)
		b[offVersion] = 9
		_, _, err := Deserialize(b)
		assert.True(t, errors.Is(err, ErrMalformed))
	})
	t.Run("length disagrees with datagram", func(t *testing.T) {
		b := Serialize(Header{Version: ProtocolVersion, Flags: flagPSH}, []byte("hello"))
		_, _, err := Deserialize(b[:HeaderLen+3])
		assert.True(t, errors.Is(err, ErrMalformed))
	})
	t.Run("empty", func(t *testing.T) {
		assert.False(t, Verify(nil))
		_, _, err := Deserialize(nil)
		assert.True(t, errors.Is(err, ErrMalformed))
	})
}
