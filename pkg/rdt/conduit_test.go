package rdt

import (
	"context"
	"sync"
)

// fakeConduit records everything the receiver and sender push through the
// connection surface so tests can assert on the wire traffic without a
// socket.
type fakeConduit struct {
	mu        sync.Mutex
	recv      *receiver // when set, outgoing packets carry its live window
	connID    uint32
	sent      []Header
	sentData  [][]byte
	delivered [][]byte
	tornDown  chan error
}

func newFakeConduit() *fakeConduit {
	return &fakeConduit{connID: 1, tornDown: make(chan error, 1)}
}

func (f *fakeConduit) newDatagram(flags uint16, seq, ack uint32, payload []byte) []byte {
	var window uint16 = 0xffff
	if f.recv != nil {
		window = f.recv.window()
	}
	return Serialize(Header{
		Version: ProtocolVersion,
		Flags:   flags,
		ConnID:  f.connID,
		Seq:     seq,
		Ack:     ack,
		Window:  window,
		Length:  uint16(len(payload)),
	}, payload)
}

func (f *fakeConduit) transmit(_ context.Context, b []byte) {
	h, payload, err := Deserialize(b)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	f.sent = append(f.sent, h)
	f.sentData = append(f.sentData, payload)
	f.mu.Unlock()
}

func (f *fakeConduit) deliver(_ context.Context, data []byte) {
	f.mu.Lock()
	f.delivered = append(f.delivered, data)
	f.mu.Unlock()
}

func (f *fakeConduit) teardown(_ context.Context, reason error) {
	select {
	case f.tornDown <- reason:
	default:
	}
}

func (f *fakeConduit) sentHeaders() []Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Header(nil), f.sent...)
}

func (f *fakeConduit) deliveredChunks() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.delivered...)
}

// countSeq counts transmissions of data segments with the given sequence.
func (f *fakeConduit) countSeq(seq uint32) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, h := range f.sent {
		if h.Flags&flagPSH != 0 && h.Seq == seq {
			n++
		}
	}
	return n
}
