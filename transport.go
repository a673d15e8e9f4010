// Copyright 2014 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package peerpool

import (
	"context"
	"net"
	"sync"
)

// handshakeResult is what a Transport hands back once the encrypted,
// authenticated channel is up: the remote's verified identity, the
// negotiated version, its declared listening port, and the raw
// challenge/nonce pair the remote presented as its proof-of-work
// solution. The pool re-verifies that solution itself (spec §4.5 step 4)
// rather than trusting the Transport's word for it, so Challenge/Nonce
// must be the exact bytes fed to Identity.Nonce on the remote side.
type handshakeResult struct {
	RemoteID          PeerID
	NegotiatedVersion uint
	ListeningPort     uint16
	Challenge         []byte
	Nonce             []byte
}

// Transport is the frame-level encrypted channel: chunking, the
// authenticated handshake given a socket and a PoW target, and framed
// read/write once the handshake is done. It is an external collaborator
// (spec §1) — this package only depends on this interface, never on a
// concrete crypto implementation, mirroring the teacher's unexported
// `transport` interface abstracting doEncHandshake/doProtoHandshake.
type Transport interface {
	// Authenticate runs the encrypted-channel setup and the identity/PoW/
	// version exchange described in spec §4.5 step 4. dialDest is the
	// expected remote identity, or nil when none is given; the pool passes
	// nil for both inbound and outbound connections. It must respect ctx's
	// deadline.
	Authenticate(ctx context.Context, local Identity, powTarget uint8, versions []uint, dialDest *PeerID) (handshakeResult, error)

	// ReadFrame blocks for the next frame, applying BinaryChunksSize-sized
	// chunking internally. Returns ErrConnectionClosed once Close has run.
	ReadFrame(ctx context.Context) (Frame, error)

	// WriteFrame sends a single frame, chunked to BinaryChunksSize.
	WriteFrame(ctx context.Context, f Frame) error

	// Close tears down the underlying socket. Idempotent.
	Close(reason DisconnectReason) error

	// RemoteAddr/LocalAddr expose the raw socket endpoints for Connection.info().
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
}

// TransportDialer opens the raw socket side of a Transport for outbound
// connections; TCP dialing itself stays in this package (spec §4.5 step 3
// names it as part of the core pipeline) but the resulting Transport is
// supplied by the caller via NewTransport.
type TransportDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type defaultDialer struct {
	d net.Dialer
}

func (d defaultDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return d.d.DialContext(ctx, network, addr)
}

// NewTransportFunc constructs a Transport around a raw, already-connected
// socket. Supplied by the caller; the production implementation lives in
// the external TRANSPORT module (RLPx-style frame encryption). Tests use a
// trivial in-memory implementation (see testutil_test.go).
type NewTransportFunc func(conn net.Conn) Transport

// Scheduler is the shared, fair, bandwidth-accounted I/O scheduler that
// actually owns file-descriptor reads/writes (spec §1 — "SCHEDULER").
// Connection delegates bandwidth bookkeeping to it; the pool never reads
// sockets directly.
type Scheduler interface {
	// Stat returns ingress/egress byte and message counters. Safe to call
	// from any goroutine without further synchronization (spec §5).
	Stat() SchedulerStat
	// Account records bytes moved for a connection, for fair scheduling
	// and for the counters returned by Stat.
	Account(connID PointID, read, written int)
}

// SchedulerStat is a best-effort snapshot of scheduler counters.
type SchedulerStat struct {
	BytesRead    uint64
	BytesWritten uint64
	MessagesRead uint64
	MessagesSent uint64
}

// noopScheduler is used when the caller doesn't need cross-connection
// bandwidth fairness, only the counters. Account is called concurrently
// from every connection's writer and control-worker goroutines, so the
// counters need their own lock.
type noopScheduler struct {
	mu   sync.Mutex
	stat SchedulerStat
}

func (s *noopScheduler) Stat() SchedulerStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stat
}

func (s *noopScheduler) Account(_ PointID, read, written int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stat.BytesRead += uint64(read)
	s.stat.BytesWritten += uint64(written)
	// Each Account call covers exactly one frame read or written.
	if read > 0 {
		s.stat.MessagesRead++
	}
	if written > 0 {
		s.stat.MessagesSent++
	}
}

// NewNoopScheduler returns a Scheduler with no fairness policy, useful for
// single-peer tests and for callers that don't need bandwidth accounting
// across connections.
func NewNoopScheduler() Scheduler { return &noopScheduler{} }
