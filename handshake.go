package peerpool

import (
	"context"
	"net"
	"sync/atomic"
	"time"
)

// Connect drives the outbound half of the handshake pipeline (spec
// §4.5): acquire slot, transition the Point to Requested, dial the
// socket, authenticate, register the Connection, spawn its worker. The
// whole pipeline is bounded by timeout (or cfg.ConnectionTimeout if
// zero); any failure in phases 3-5 reverts the Point to Disconnected.
func (p *Pool) Connect(ctx context.Context, addr PointAddr, timeout time.Duration) (*Connection, error) {
	if timeout <= 0 {
		timeout = p.cfg.ConnectionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Phase 1: acquire slot.
	if err := p.slots.acquire(ctx); err != nil {
		return nil, err
	}
	slotHeld := true
	defer func() {
		if slotHeld {
			p.slots.release()
		}
	}()

	if p.cfg.MaxConnections > 0 && p.connectionCount() >= p.cfg.MaxConnections {
		return nil, ErrTooManyConnections
	}

	// Phase 2: point transition.
	if _, err := p.points.requestDial(addr); err != nil {
		return nil, err
	}
	revert := func(reason DisconnectReason) { p.points.markDisconnected(addr.ID(), reason) }

	// Phase 3: socket setup.
	rawConn, err := p.dialer.dial(ctx, dialTask{dest: addr}, timeout)
	if err != nil {
		revert(ReasonTransportError)
		return nil, err
	}

	transport := p.newTransport(rawConn)

	// Phase 4: authenticate.
	authCtx := ctx
	if p.cfg.AuthenticationTimeout > 0 {
		var cancelAuth context.CancelFunc
		authCtx, cancelAuth = context.WithTimeout(ctx, p.cfg.AuthenticationTimeout)
		defer cancelAuth()
	}
	res, err := transport.Authenticate(authCtx, p.cfg.Identity, p.cfg.ProofOfWorkTarget, p.supportedVersions(), nil)
	if err != nil {
		transport.Close(ReasonAuthenticationFailed)
		revert(ReasonAuthenticationFailed)
		return nil, err
	}
	if res.RemoteID == p.cfg.Identity.PeerID() {
		transport.Close(ReasonProtocolError)
		revert(ReasonProtocolError)
		return nil, ErrMyself
	}
	if !verifyProofOfWork(res.RemoteID, res.Challenge, res.Nonce, p.cfg.ProofOfWorkTarget) {
		transport.Close(ReasonAuthenticationFailed)
		revert(ReasonAuthenticationFailed)
		return nil, ErrAuthenticationFailed
	}

	// Phases 5-6: build Connection, register, spawn worker.
	conn, err := p.finishHandshake(ctx, addr, res, transport, false)
	if err != nil {
		revert(reasonFromError(err))
		return nil, err
	}
	slotHeld = false
	p.slots.release()
	p.events.publish(PoolEvent{Type: EventDialed, Point: addr.ID(), Peer: res.RemoteID})
	return conn, nil
}

// Accept drives the inbound half of the handshake pipeline: the socket
// already exists (handed in by the caller's listener), so phases 2 and
// 3 invert relative to Connect — authenticate first, then transition the
// Point to Accepted once the remote identity is known.
func (p *Pool) Accept(ctx context.Context, rawConn net.Conn, addr PointAddr) (*Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
	defer cancel()

	// Phase 1: acquire slot.
	if err := p.slots.acquire(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	slotHeld := true
	defer func() {
		if slotHeld {
			p.slots.release()
		}
	}()

	if p.cfg.MaxIncomingConnections > 0 && atomic.LoadInt32(&p.incomingHalfOpen) >= int32(p.cfg.MaxIncomingConnections) {
		rawConn.Close()
		return nil, ErrTooManyConnections
	}
	if p.cfg.MaxConnections > 0 && p.connectionCount() >= p.cfg.MaxConnections {
		rawConn.Close()
		return nil, ErrTooManyConnections
	}

	// The socket is accepted but not yet authenticated: it counts against
	// max_incoming_connections (the half-open cap) from here until
	// authentication finishes one way or the other.
	atomic.AddInt32(&p.incomingHalfOpen, 1)
	halfOpenDone := false
	defer func() {
		if !halfOpenDone {
			atomic.AddInt32(&p.incomingHalfOpen, -1)
		}
	}()

	transport := p.newTransport(rawConn)

	// Phase 4 (authenticate precedes the point transition for inbound).
	authCtx := ctx
	if p.cfg.AuthenticationTimeout > 0 {
		var cancelAuth context.CancelFunc
		authCtx, cancelAuth = context.WithTimeout(ctx, p.cfg.AuthenticationTimeout)
		defer cancelAuth()
	}
	res, err := transport.Authenticate(authCtx, p.cfg.Identity, p.cfg.ProofOfWorkTarget, p.supportedVersions(), nil)
	atomic.AddInt32(&p.incomingHalfOpen, -1)
	halfOpenDone = true
	if err != nil {
		transport.Close(ReasonAuthenticationFailed)
		return nil, err
	}
	if res.RemoteID == p.cfg.Identity.PeerID() {
		transport.Close(ReasonProtocolError)
		return nil, ErrMyself
	}
	if !verifyProofOfWork(res.RemoteID, res.Challenge, res.Nonce, p.cfg.ProofOfWorkTarget) {
		transport.Close(ReasonAuthenticationFailed)
		return nil, ErrAuthenticationFailed
	}

	// Phase 2 (delayed): point transition to Accepted.
	if _, err := p.points.acceptInbound(addr, res.RemoteID); err != nil {
		transport.Close(ReasonProtocolError)
		return nil, err
	}
	revert := func(reason DisconnectReason) { p.points.markDisconnected(addr.ID(), reason) }

	conn, err := p.finishHandshake(ctx, addr, res, transport, true)
	if err != nil {
		revert(reasonFromError(err))
		return nil, err
	}
	slotHeld = false
	p.slots.release()
	p.events.publish(PoolEvent{Type: EventAccepted, Point: addr.ID(), Peer: res.RemoteID})
	return conn, nil
}

// finishHandshake implements phases 5-6 shared by Connect and Accept:
// reject the simultaneous-connect/already-connected case, register the
// Connection in both registries, then spawn its control worker.
func (p *Pool) finishHandshake(ctx context.Context, addr PointAddr, res handshakeResult, transport Transport, incoming bool) (*Connection, error) {
	info := ConnInfo{
		Point:         addr,
		PeerID:        res.RemoteID,
		Incoming:      incoming,
		Version:       res.NegotiatedVersion,
		ListeningPort: res.ListeningPort,
		LocalAddr:     transport.LocalAddr(),
		RemoteAddr:    transport.RemoteAddr(),
	}
	conn := newConnection(info, transport, p.scheduler, p.variants, p.cfg.IncomingAppMessageQueueSize, p.cfg.OutgoingMessageQueueSize, p.log)
	conn.onClose = p.handleConnectionClosed

	isNewPeer := false
	if _, ok := p.peers.get(res.RemoteID); !ok {
		isNewPeer = true
	}
	if err := p.peers.markRunning(res.RemoteID, addr.ID(), conn); err != nil {
		conn.onClose = nil
		conn.Disconnect(false, ReasonAlreadyConnected)
		return nil, err
	}
	if err := p.points.markRunning(addr.ID(), res.RemoteID, conn); err != nil {
		p.peers.markDisconnected(res.RemoteID, ReasonProtocolError)
		conn.onClose = nil
		conn.Disconnect(false, ReasonProtocolError)
		return nil, err
	}

	go runControlWorker(context.Background(), conn, p, p.log)
	p.notifyNewConnection(conn)

	p.events.publish(PoolEvent{Type: EventNewConnection, Point: addr.ID(), Peer: res.RemoteID})
	if isNewPeer {
		p.events.publish(PoolEvent{Type: EventNewPeer, Peer: res.RemoteID})
	}
	p.events.evaluateCapacity(p.connectionCount(), p.cfg.MinConnections, p.cfg.MaxConnections)
	p.triggerGC()
	return conn, nil
}

func reasonFromError(err error) DisconnectReason {
	switch err {
	case ErrAlreadyConnected:
		return ReasonAlreadyConnected
	case ErrAuthenticationFailed, ErrAuthenticationTimeout:
		return ReasonAuthenticationFailed
	default:
		return ReasonProtocolError
	}
}
