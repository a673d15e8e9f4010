package peerpool

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// PointStateKind enumerates the states in the Point state machine (spec
// §4.2). The zero value is never stored — an absent entry in the
// registry is the implicit "unknown" state.
type PointStateKind int

const (
	PointRequested PointStateKind = iota + 1
	PointAccepted
	PointRunning
	PointDisconnected
)

func (k PointStateKind) String() string {
	switch k {
	case PointRequested:
		return "requested"
	case PointAccepted:
		return "accepted"
	case PointRunning:
		return "running"
	case PointDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// PointState is the current lifecycle state of a Point, carrying the
// fields each state needs (spec §4.2).
type PointState struct {
	Kind PointStateKind

	PeerID PeerID // valid for Accepted and Running
	Conn   *Connection // valid for Running

	DisconnectedSince time.Time // valid for Disconnected
}

// pointEvent is one entry in a Point's bounded rolling history.
type pointEvent struct {
	At     time.Time
	Kind   PointStateKind
	Reason DisconnectReason
}

// pointInfo is the registry bundle for one Point (spec §3, §4.1).
type pointInfo struct {
	addr    PointAddr
	trusted bool
	state   PointState
	history []pointEvent
	histCap int

	// lastPeerID is the most recent PeerID this Point was ever seen
	// authenticating as, retained across a disconnect (unlike
	// state.PeerID, which is only valid while Accepted/Running). The
	// swap engine uses it to offer a disconnected point as a candidate
	// without needing a live connection to it.
	lastPeerID PeerID
}

func (pi *pointInfo) logEvent(kind PointStateKind, reason DisconnectReason) {
	pi.history = append(pi.history, pointEvent{At: time.Now(), Kind: kind, Reason: reason})
	if over := len(pi.history) - pi.histCap; over > 0 {
		pi.history = pi.history[over:]
	}
}

// pointRegistry is the known-set table of Points (component A, the Point
// half). All mutation happens under r.mu. The Requested and Accepted states
// double as the per-point in-flight marker: requestDial and acceptInbound
// refuse a point that is already in flight or Running (invariant 8).
type pointRegistry struct {
	mu      sync.Mutex
	byID    map[PointID]*pointInfo
	histCap int
}

func newPointRegistry(histCap int) *pointRegistry {
	if histCap <= 0 {
		histCap = 50
	}
	return &pointRegistry{byID: make(map[PointID]*pointInfo), histCap: histCap}
}

func (r *pointRegistry) getOrCreate(addr PointAddr) *pointInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := addr.ID()
	pi, ok := r.byID[id]
	if !ok {
		pi = &pointInfo{addr: addr, histCap: r.histCap}
		r.byID[id] = pi
	}
	return pi
}

func (r *pointRegistry) get(id PointID) (*pointInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pi, ok := r.byID[id]
	return pi, ok
}

func (r *pointRegistry) setTrusted(id PointID, trusted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pi, ok := r.byID[id]; ok {
		pi.trusted = trusted
	}
}

func (r *pointRegistry) iter(fn func(PointID, *pointInfo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, pi := range r.byID {
		fn(id, pi)
	}
}

func (r *pointRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// --- state transitions (spec §4.2) ---

// requestDial transitions a Point to Requested for an outbound dial.
// Fails if the point is already non-Disconnected (invariant 8: at most one
// in-flight dial or accept per point).
func (r *pointRegistry) requestDial(addr PointAddr) (*pointInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := addr.ID()
	pi, ok := r.byID[id]
	if !ok {
		pi = &pointInfo{addr: addr, histCap: r.histCap}
		r.byID[id] = pi
	}
	if pi.state.Kind != 0 && pi.state.Kind != PointDisconnected {
		return nil, ErrPendingConnection
	}
	pi.state = PointState{Kind: PointRequested}
	pi.logEvent(PointRequested, ReasonUnknown)
	return pi, nil
}

// acceptInbound transitions a Point to Accepted{peerID} on an inbound
// authenticate success, tentatively before full registration.
func (r *pointRegistry) acceptInbound(addr PointAddr, peerID PeerID) (*pointInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := addr.ID()
	pi, ok := r.byID[id]
	if !ok {
		pi = &pointInfo{addr: addr, histCap: r.histCap}
		r.byID[id] = pi
	}
	if pi.state.Kind != 0 && pi.state.Kind != PointDisconnected {
		return nil, ErrPendingConnection
	}
	pi.state = PointState{Kind: PointAccepted, PeerID: peerID}
	pi.lastPeerID = peerID
	pi.logEvent(PointAccepted, ReasonUnknown)
	return pi, nil
}

// markRunning finalizes a Requested or Accepted point into Running once
// the handshake and registration complete (spec §4.2, §4.5 step 5).
func (r *pointRegistry) markRunning(id PointID, peerID PeerID, conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pi, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("peerpool: markRunning on unknown point %s", id)
	}
	if pi.state.Kind != PointRequested && pi.state.Kind != PointAccepted {
		return fmt.Errorf("peerpool: markRunning on point %s in state %s", id, pi.state.Kind)
	}
	pi.state = PointState{Kind: PointRunning, PeerID: peerID, Conn: conn}
	pi.lastPeerID = peerID
	pi.logEvent(PointRunning, ReasonUnknown)
	return nil
}

// markDisconnected transitions a point to Disconnected from any non-absent
// state, on failure or close.
func (r *pointRegistry) markDisconnected(id PointID, reason DisconnectReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pi, ok := r.byID[id]
	if !ok {
		return
	}
	pi.state = PointState{Kind: PointDisconnected, DisconnectedSince: time.Now()}
	pi.logEvent(PointDisconnected, reason)
}

// gc evicts disconnected, non-trusted points oldest-first once the
// registry exceeds t.Upper, down to t.Lower (spec §4.1, invariant 5).
// Returns the evicted point ids for logging/event purposes.
func (r *pointRegistry) gc(t *KnownSetThreshold) []PointID {
	if t == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.byID) <= t.Upper {
		return nil
	}
	type candidate struct {
		id    PointID
		since time.Time
	}
	var candidates []candidate
	for id, pi := range r.byID {
		if pi.trusted || pi.state.Kind != PointDisconnected {
			continue
		}
		candidates = append(candidates, candidate{id, pi.state.DisconnectedSince})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].since.Before(candidates[j].since)
	})
	var evicted []PointID
	for _, c := range candidates {
		if len(r.byID) <= t.Lower {
			break
		}
		delete(r.byID, c.id)
		evicted = append(evicted, c.id)
	}
	return evicted
}
