package peerpool

import (
	"context"
	"sync"
	"time"
)

// swapState is the swap engine's per-pool bookkeeping (component H): the
// swap_linger rate limit per connection. There is no teacher analogue for
// topology-refresh swaps; this is modeled after the same single-owner-map
// discipline the teacher uses for its peerRegistry (network/p2p/server.go:
// peerMu guarding the peer map), scoped down to just the linger clock.
type swapState struct {
	mu     sync.Mutex
	linger time.Duration
	lastAt map[PointID]time.Time
}

func newSwapState(linger time.Duration) *swapState {
	return &swapState{
		linger: linger,
		lastAt: make(map[PointID]time.Time),
	}
}

func (s *swapState) allowed(id PointID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastAt[id]
	if !ok {
		return true
	}
	return time.Since(last) >= s.linger
}

func (s *swapState) recordAttempt(id PointID) {
	s.mu.Lock()
	s.lastAt[id] = time.Now()
	s.mu.Unlock()
}

// encodeSwapCandidate / decodeSwapCandidate carry a (point, peer) pair —
// Swap_request and Swap_ack both name a candidate this way (spec §4.8) —
// reusing the Bootstrap/Advertise point encoding for the address and
// appending the raw PeerID.
func encodeSwapCandidate(point PointAddr, peer PeerID) []byte {
	base := encodePointList([]PointAddr{point})
	out := make([]byte, 0, len(base)+len(peer))
	out = append(out, base...)
	out = append(out, peer[:]...)
	return out
}

func decodeSwapCandidate(data []byte) (PointAddr, PeerID, error) {
	if len(data) < 4+6+len(PeerID{}) {
		return PointAddr{}, PeerID{}, ErrDecodingError
	}
	addrs, err := decodePointList(data[:4+6])
	if err != nil {
		return PointAddr{}, PeerID{}, err
	}
	var peer PeerID
	copy(peer[:], data[4+6:])
	return addrs[0], peer, nil
}

// SendSwapRequest offers a point from our known set whose peer is NOT
// currently connected as a swap candidate to c, subject to the
// swap_linger rate limit (spec §4.8, §9: "Swap requests are rate-limited
// per connection by swap_linger").
func (p *Pool) SendSwapRequest(ctx context.Context, c *Connection) error {
	if !p.swap.allowed(c.info.Point.ID()) {
		return ErrRejected
	}
	candidate, candidatePeer, ok := p.pickSwapCandidate(c.info.Point.ID())
	if !ok {
		return ErrRejected
	}
	p.swap.recordAttempt(c.info.Point.ID())
	return c.RawWriteSync(ctx, TagSwapRequest, encodeSwapCandidate(candidate, candidatePeer))
}

// pickSwapCandidate selects a known point that is NOT currently Running,
// and whose remembered peer is not Running at any other point either, to
// offer in a swap request (spec §4.8: the advertised candidate's peer must
// not currently be connected). Points with no remembered peer identity are
// skipped, since the remote side needs a concrete (point, peer) pair.
func (p *Pool) pickSwapCandidate(exclude PointID) (PointAddr, PeerID, bool) {
	var found *pointInfo
	p.points.iter(func(id PointID, pi *pointInfo) {
		if found != nil || id == exclude {
			return
		}
		if pi.state.Kind == PointRunning || pi.lastPeerID.IsZero() {
			return
		}
		if p.peers != nil && p.peers.isRunning(pi.lastPeerID) {
			return
		}
		found = pi
	})
	if found == nil {
		return PointAddr{}, PeerID{}, false
	}
	return found.addr, found.lastPeerID, true
}

// pickSwapVictim selects the least-recently-active non-trusted, Running
// point other than any of exclude (spec §9 open question (a), resolved in
// favor of "least-recently active non-trusted"; see DESIGN.md).
func (p *Pool) pickSwapVictim(exclude ...PointID) (PointAddr, PeerID, *Connection, bool) {
	skip := make(map[PointID]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	var best *pointInfo
	var bestSince time.Time
	p.points.iter(func(id PointID, pi *pointInfo) {
		if _, excluded := skip[id]; excluded {
			return
		}
		if pi.trusted || pi.state.Kind != PointRunning {
			return
		}
		since := time.Time{}
		if len(pi.history) > 0 {
			since = pi.history[len(pi.history)-1].At
		}
		if best == nil || since.Before(bestSince) {
			best = pi
			bestSince = since
		}
	})
	if best == nil {
		return PointAddr{}, PeerID{}, nil, false
	}
	return best.addr, best.state.PeerID, best.state.Conn, true
}

// handleSwapRequest implements the responder half of scenario 6 (spec
// §4.8): ignore a request that arrives inside our own swap_linger window,
// otherwise attempt to connect to the advertised candidate; only once
// that dial succeeds and doing so leaves us with min_connections to
// spare do we pick a victim of our own, disconnect it, and ack with its
// (point, peer). The dial can take as long as the connection timeout, so
// it runs off the control worker's read loop rather than blocking it.
func (p *Pool) handleSwapRequest(c *Connection, payload []byte) {
	if !p.swap.allowed(c.info.Point.ID()) {
		return
	}
	candidate, _, err := decodeSwapCandidate(payload)
	if err != nil {
		p.log.WithError(err).Debug("malformed swap request")
		return
	}
	p.swap.recordAttempt(c.info.Point.ID())
	go p.performSwap(c, candidate)
}

func (p *Pool) performSwap(c *Connection, candidate PointAddr) {
	newConn, err := p.Connect(context.Background(), candidate, 0)
	if err != nil {
		p.log.WithError(err).WithField("point", candidate).Debug("swap candidate dial failed")
		return
	}

	if p.connectionCount()-p.cfg.MinConnections < 1 {
		return
	}
	victimPoint, victimPeer, victimConn, ok := p.pickSwapVictim(c.info.Point.ID(), newConn.info.Point.ID())
	if !ok {
		return
	}
	victimConn.Disconnect(false, ReasonCapacityEviction)

	if err := c.RawWriteSync(context.Background(), TagSwapAck, encodeSwapCandidate(victimPoint, victimPeer)); err != nil {
		p.log.WithError(err).Debug("failed to send swap ack")
	}
}

// handleSwapAck applies the initiator half of scenario 6: the remote's
// chosen victim point is added to the known point set, and the
// swap_linger clock is updated for this connection the same as on the
// request path (spec §4.8: "update the swap-linger clock and log"). The
// victim's peer id from the ack is not recorded, so a newly added victim
// point is not offered by pickSwapCandidate until a handshake with it
// reveals its peer.
func (p *Pool) handleSwapAck(c *Connection, payload []byte) {
	victim, _, err := decodeSwapCandidate(payload)
	if err != nil {
		p.log.WithError(err).Debug("malformed swap ack")
		return
	}
	p.swap.recordAttempt(c.info.Point.ID())
	p.points.getOrCreate(victim)
	p.triggerGC()
}
