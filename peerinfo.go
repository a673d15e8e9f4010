package peerpool

import (
	"sort"
	"sync"
	"time"
)

// PeerStateKind enumerates the states in the Peer state machine (spec
// §4.3). As with Points, an absent entry is the implicit "unknown" state.
type PeerStateKind int

const (
	PeerRunning PeerStateKind = iota + 1
	PeerDisconnected
)

func (k PeerStateKind) String() string {
	switch k {
	case PeerRunning:
		return "running"
	case PeerDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// PeerState is the current lifecycle state of a Peer identity.
type PeerState struct {
	Kind PeerStateKind

	Conn  *Connection // valid for Running
	Point PointID     // valid for Running and Disconnected (last-known point)

	DisconnectedSince time.Time
}

type peerEvent struct {
	At     time.Time
	Kind   PeerStateKind
	Reason DisconnectReason
}

// peerInfo is the registry bundle for one Peer identity (spec §3, §4.1).
type peerInfo struct {
	id       PeerID
	trusted  bool
	score    int
	metadata []byte // opaque, caller-supplied and versioned
	state    PeerState
	history  []peerEvent
	histCap  int
}

func (pi *peerInfo) logEvent(kind PeerStateKind, reason DisconnectReason) {
	pi.history = append(pi.history, peerEvent{At: time.Now(), Kind: kind, Reason: reason})
	if over := len(pi.history) - pi.histCap; over > 0 {
		pi.history = pi.history[over:]
	}
}

// peerRegistry is the known-set table of Peers (component A, the Peer
// half) together with the Peer state machine (component C).
type peerRegistry struct {
	mu      sync.Mutex
	byID    map[PeerID]*peerInfo
	histCap int
}

func newPeerRegistry(histCap int) *peerRegistry {
	if histCap <= 0 {
		histCap = 50
	}
	return &peerRegistry{byID: make(map[PeerID]*peerInfo), histCap: histCap}
}

func (r *peerRegistry) getOrCreate(id PeerID) *peerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	pi, ok := r.byID[id]
	if !ok {
		pi = &peerInfo{id: id, histCap: r.histCap}
		r.byID[id] = pi
	}
	return pi
}

func (r *peerRegistry) get(id PeerID) (*peerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pi, ok := r.byID[id]
	return pi, ok
}

func (r *peerRegistry) setTrusted(id PeerID, trusted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pi, ok := r.byID[id]; ok {
		pi.trusted = trusted
	}
}

func (r *peerRegistry) iter(fn func(PeerID, *peerInfo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, pi := range r.byID {
		fn(id, pi)
	}
}

func (r *peerRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// isRunning reports whether id currently owns a Running connection
// (invariant 4: a Peer is Running in at most one Connection).
func (r *peerRegistry) isRunning(id PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	pi, ok := r.byID[id]
	return ok && pi.state.Kind == PeerRunning
}

// markRunning transitions a Peer to Running. Fails with ErrAlreadyConnected
// if the peer already owns a Running connection elsewhere (spec §4.3).
func (r *peerRegistry) markRunning(id PeerID, point PointID, conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pi, ok := r.byID[id]
	if !ok {
		pi = &peerInfo{id: id, histCap: r.histCap}
		r.byID[id] = pi
	}
	if pi.state.Kind == PeerRunning {
		return ErrAlreadyConnected
	}
	pi.state = PeerState{Kind: PeerRunning, Conn: conn, Point: point}
	pi.logEvent(PeerRunning, ReasonUnknown)
	return nil
}

func (r *peerRegistry) markDisconnected(id PeerID, reason DisconnectReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pi, ok := r.byID[id]
	if !ok {
		return
	}
	lastPoint := pi.state.Point
	pi.state = PeerState{Kind: PeerDisconnected, Point: lastPoint, DisconnectedSince: time.Now()}
	pi.logEvent(PeerDisconnected, reason)
}

// gc evicts disconnected, non-trusted peers oldest-first once the
// registry exceeds t.Upper, down to t.Lower (invariant 6, same policy as
// pointRegistry.gc).
func (r *peerRegistry) gc(t *KnownSetThreshold) []PeerID {
	if t == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.byID) <= t.Upper {
		return nil
	}
	type candidate struct {
		id    PeerID
		since time.Time
	}
	var candidates []candidate
	for id, pi := range r.byID {
		if pi.trusted || pi.state.Kind != PeerDisconnected {
			continue
		}
		candidates = append(candidates, candidate{id, pi.state.DisconnectedSince})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].since.Before(candidates[j].since)
	})
	var evicted []PeerID
	for _, c := range candidates {
		if len(r.byID) <= t.Lower {
			break
		}
		delete(r.byID, c.id)
		evicted = append(evicted, c.id)
	}
	return evicted
}
