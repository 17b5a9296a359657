package rdt

import (
	"github.com/pkg/errors"
)

// API-level errors. Wire-level failures (bad checksum, malformed headers,
// datagrams from unknown peers) are absorbed by the engine and never surface
// beyond a debug log.
var (
	// ErrMalformed is returned by Deserialize when a datagram is too short,
	// its length field disagrees with the datagram size, or its version is
	// unsupported.
	ErrMalformed = errors.New("malformed packet")

	// ErrChecksum marks a datagram whose checksum did not verify. It never
	// reaches the application; the receive loop drops the datagram and
	// logs this error.
	ErrChecksum = errors.New("checksum mismatch")

	// ErrNotEstablished is returned by Send and Close when the connection
	// has not completed its handshake.
	ErrNotEstablished = errors.New("connection not established")

	// ErrTimeout is returned by Connect when the handshake does not complete
	// within the caller's timeout.
	ErrTimeout = errors.New("connect timed out")

	// ErrDead is the teardown reason, logged by the connection, when a
	// segment has been retransmitted too many times without an
	// acknowledgment. The disconnect callback fires as for any other
	// teardown; it receives the connection, not this error.
	ErrDead = errors.New("peer unresponsive, retransmission limit exceeded")

	// ErrEngineClosed is returned by API calls made after Stop.
	ErrEngineClosed = errors.New("engine closed")
)
