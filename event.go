package peerpool

import "sync"

// PoolEventType enumerates the richer watcher stream (spec §4.7 watch(),
// §4.10): dialed/accepted/disconnected notices for operator tooling, plus
// edges for the condition-variable-style signals.
type PoolEventType int

const (
	EventDialed PoolEventType = iota
	EventAccepted
	EventDisconnected
	EventNewPeer
	EventNewConnection
	EventTooFew
	EventTooMany
)

func (t PoolEventType) String() string {
	switch t {
	case EventDialed:
		return "dialed"
	case EventAccepted:
		return "accepted"
	case EventDisconnected:
		return "disconnected"
	case EventNewPeer:
		return "new_peer"
	case EventNewConnection:
		return "new_connection"
	case EventTooFew:
		return "too_few"
	case EventTooMany:
		return "too_many"
	default:
		return "unknown"
	}
}

// PoolEvent is one item on a watcher's stream.
type PoolEvent struct {
	Type   PoolEventType
	Point  PointID
	Peer   PeerID
	Reason DisconnectReason
	Lagged bool // true if this event follows a gap caused by subscriber slowness
}

// eventBus is the condition-variable-style signal plus the lossy
// per-subscriber broadcast described in spec §4.10 and §9 ("Lossy event
// broadcast"). Modeled on the Feed/Subscription pattern the teacher uses
// for its peerFeed (network/p2p/server.go: `peerFeed event.Feed`,
// `SubscribeEvents`), generalized into a small broadcast hub rather than a
// single-shot feed so every watcher gets every event it can keep up with.
type eventBus struct {
	mu   sync.Mutex
	subs map[*watcher]struct{}

	tooFew  bool
	tooMany bool
}

const watcherBufferSize = 256

// watcher is the live stream handed back by Pool.watch(): a buffered,
// per-subscriber channel that drops the oldest event (marking the next
// delivery as Lagged) rather than blocking the publisher.
type watcher struct {
	ch     chan PoolEvent
	bus    *eventBus
	mu     sync.Mutex
	lagged bool
	closed bool
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[*watcher]struct{})}
}

func (b *eventBus) subscribe() *watcher {
	w := &watcher{ch: make(chan PoolEvent, watcherBufferSize), bus: b}
	b.mu.Lock()
	b.subs[w] = struct{}{}
	b.mu.Unlock()
	return w
}

// Events returns the channel to range/select over.
func (w *watcher) Events() <-chan PoolEvent { return w.ch }

// Stop unsubscribes w; safe to call more than once.
func (w *watcher) Stop() {
	w.bus.mu.Lock()
	delete(w.bus.subs, w)
	w.bus.mu.Unlock()
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	w.mu.Unlock()
}

func (w *watcher) deliver(ev PoolEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.lagged {
		ev.Lagged = true
		w.lagged = false
	}
	select {
	case w.ch <- ev:
		return
	default:
	}
	// Buffer full: drop the oldest entry to make room for ev, and mark
	// that a gap occurred so the next delivered event (not this one,
	// which the subscriber never sees as contiguous with what came
	// before it) carries the Lagged flag.
	select {
	case <-w.ch:
	default:
	}
	select {
	case w.ch <- ev:
	default:
	}
	w.lagged = true
}

// publish delivers ev to every current subscriber. Edge-triggered events
// (new_peer, new_connection, dialed/accepted/disconnected) are always
// sent; level-triggered capacity edges are only sent once on each
// transition (see markTooFew/markTooMany).
func (b *eventBus) publish(ev PoolEvent) {
	b.mu.Lock()
	subs := make([]*watcher, 0, len(b.subs))
	for w := range b.subs {
		subs = append(subs, w)
	}
	b.mu.Unlock()
	for _, w := range subs {
		w.deliver(ev)
	}
}

// evaluateCapacity recomputes the too_few/too_many level-triggered
// conditions given the current connection count, publishing an edge only
// the first time each condition becomes true after being false (spec
// §4.7, §8 "dropping from exactly min_connections to min_connections-1
// signals too_few exactly once per transition").
func (b *eventBus) evaluateCapacity(count, min, max int) {
	b.mu.Lock()
	wasTooFew, wasTooMany := b.tooFew, b.tooMany
	nowTooFew := count < min
	nowTooMany := max > 0 && count >= max
	b.tooFew = nowTooFew
	b.tooMany = nowTooMany
	b.mu.Unlock()

	if nowTooFew && !wasTooFew {
		b.publish(PoolEvent{Type: EventTooFew})
	}
	if nowTooMany && !wasTooMany {
		b.publish(PoolEvent{Type: EventTooMany})
	}
}
