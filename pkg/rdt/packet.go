package rdt

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ProtocolVersion is the only version this engine speaks.
const ProtocolVersion = 1

// HeaderLen is the fixed size of the wire header in bytes.
const HeaderLen = 20

// maxDatagram is the largest datagram the engine will accept from the socket.
const maxDatagram = 2048

// Header flag bits.
const (
	flagSYN uint16 = 0x01
	flagACK uint16 = 0x02
	flagFIN uint16 = 0x04
	flagPSH uint16 = 0x08
)

func flagNames(f uint16) string {
	txt := ""
	add := func(s string) {
		if txt != "" {
			txt += "|"
		}
		txt += s
	}
	if f&flagSYN != 0 {
		add("SYN")
	}
	if f&flagACK != 0 {
		add("ACK")
	}
	if f&flagFIN != 0 {
		add("FIN")
	}
	if f&flagPSH != 0 {
		add("PSH")
	}
	if txt == "" {
		txt = "none"
	}
	return txt
}

// Header is the fixed 20-byte packet header. All fields are carried in
// network byte order. Window is the sender's current free receive buffer;
// Length is the payload size that follows the header in the same datagram.
type Header struct {
	Version  uint8
	Flags    uint16
	ConnID   uint32
	Seq      uint32
	Ack      uint32
	Window   uint16
	Length   uint16
	Checksum uint16
}

// Wire layout, offsets in bytes:
//
//	 0    1     2       6    10    14      16      18       20
//	+----+-----+-------+-----+-----+-------+-------+--------+
//	|ver |flags|conn_id| seq | ack |window |length |checksum|
//	+----+-----+-------+-----+-----+-------+-------+--------+
//
// The version/flags pair is carried in single bytes so the header stays at
// exactly 20 bytes; the flag bitmask fits comfortably in eight bits.
const (
	offVersion  = 0
	offFlags    = 1
	offConnID   = 2
	offSeq      = 6
	offAck      = 10
	offWindow   = 14
	offLength   = 16
	offChecksum = 18
)

// checksum computes the one's-complement Internet checksum over b. A datagram
// that carries a correctly computed checksum sums to zero.
func checksum(b []byte) uint16 {
	var sum uint32
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 != 0 {
		// Odd length: pad with a zero byte.
		sum += uint32(b[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

// Serialize packs h and payload into a single datagram. The checksum field is
// zero while the sum is computed and is then written back, so that Verify of
// the produced bytes succeeds.
func Serialize(h Header, payload []byte) []byte {
	b := make([]byte, HeaderLen+len(payload))
	b[offVersion] = h.Version
	b[offFlags] = byte(h.Flags)
	binary.BigEndian.PutUint32(b[offConnID:], h.ConnID)
	binary.BigEndian.PutUint32(b[offSeq:], h.Seq)
	binary.BigEndian.PutUint32(b[offAck:], h.Ack)
	binary.BigEndian.PutUint16(b[offWindow:], h.Window)
	binary.BigEndian.PutUint16(b[offLength:], uint16(len(payload)))
	copy(b[HeaderLen:], payload)
	binary.BigEndian.PutUint16(b[offChecksum:], checksum(b))
	return b
}

// Deserialize splits a datagram into its header and payload.
func Deserialize(b []byte) (Header, []byte, error) {
	if len(b) < HeaderLen {
		return Header{}, nil, errors.Wrapf(ErrMalformed, "datagram of %d bytes is shorter than the header", len(b))
	}
	h := Header{
		Version:  b[offVersion],
		Flags:    uint16(b[offFlags]),
		ConnID:   binary.BigEndian.Uint32(b[offConnID:]),
		Seq:      binary.BigEndian.Uint32(b[offSeq:]),
		Ack:      binary.BigEndian.Uint32(b[offAck:]),
		Window:   binary.BigEndian.Uint16(b[offWindow:]),
		Length:   binary.BigEndian.Uint16(b[offLength:]),
		Checksum: binary.BigEndian.Uint16(b[offChecksum:]),
	}
	if h.Version != ProtocolVersion {
		return Header{}, nil, errors.Wrapf(ErrMalformed, "unsupported version %d", h.Version)
	}
	if int(h.Length) != len(b)-HeaderLen {
		return Header{}, nil, errors.Wrapf(ErrMalformed, "length field %d disagrees with %d payload bytes", h.Length, len(b)-HeaderLen)
	}
	return h, b[HeaderLen:], nil
}

// Verify recomputes the checksum over the datagram with the transmitted
// checksum in place. A valid datagram sums to zero.
func Verify(b []byte) bool {
	if len(b) < HeaderLen {
		return false
	}
	return checksum(b) == 0
}
