package peerpool

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// PoolStat is a point-in-time snapshot of the pool's size and bandwidth
// (spec §4.7: PoolStat()).
type PoolStat struct {
	Connections int
	Points      int
	Peers       int
	Bandwidth   SchedulerStat
}

// Pool is the orchestrator (component G): it owns the registries, the
// event bus, the handshake slot semaphore and the swap engine, and
// serializes every state-changing operation the way the teacher's
// Server.run() select loop serializes addpeer/delpeer/posthandshake
// (network/p2p/server.go). Here the serialization point is per-registry
// locking (pointRegistry/peerRegistry already hold their own mutex)
// rather than one giant loop, since this spec's operations don't need a
// single global ordering — only the per-point/per-peer invariants do.
type Pool struct {
	cfg     Config
	metaCfg MetaConfig
	msgCfg  MessageConfig

	variants     *variantTable
	scheduler    Scheduler
	newTransport NewTransportFunc
	dialer       *outboundDialer
	slots        *handshakeSlots

	points *pointRegistry
	peers  *peerRegistry
	events *eventBus

	persist *persistStore

	swap *swapState

	log *logrus.Entry

	mu        sync.Mutex
	onNewConn []func(*Connection)

	closing int32

	// incomingHalfOpen counts inbound handshakes in flight: accepted
	// sockets that have not yet completed authentication and become a
	// Running Point. This is what max_incoming_connections actually caps
	// (spec §6 invariant 2), distinct from the fully-Running incoming
	// connection count.
	incomingHalfOpen int32
}

// Create assembles a Pool from configuration and its external
// collaborators (spec §1: a Scheduler and a Transport constructor are
// supplied, never constructed here). dialer may be nil to use the
// standard net.Dialer.
func Create(cfg Config, metaCfg MetaConfig, msgCfg MessageConfig, sched Scheduler, newTransport NewTransportFunc, dialer TransportDialer) (*Pool, error) {
	if newTransport == nil {
		return nil, fmt.Errorf("peerpool: newTransport is required")
	}
	if sched == nil {
		sched = NewNoopScheduler()
	}
	variants, err := newVariantTable(msgCfg.Messages)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		cfg:          cfg,
		metaCfg:      metaCfg,
		msgCfg:       msgCfg,
		variants:     variants,
		scheduler:    sched,
		newTransport: newTransport,
		dialer:       newOutboundDialer(dialer),
		slots:        newHandshakeSlots(cfg.MaxConnections + cfg.MaxIncomingConnections),
		points:       newPointRegistry(cfg.KnownPointsHistorySize),
		peers:        newPeerRegistry(cfg.KnownPeerIDsHistorySize),
		events:       newEventBus(),
		log:          cfg.logger(),
	}
	p.swap = newSwapState(cfg.SwapLinger)

	for _, addr := range cfg.TrustedPoints {
		p.points.getOrCreate(addr)
		p.points.setTrusted(addr.ID(), true)
	}

	if cfg.PeersFile != "" {
		p.persist = newPersistStore(cfg.PeersFile)
		if err := p.persist.load(p.points, p.peers); err != nil {
			p.log.WithError(err).Warn("failed to load persisted known sets")
		}
	}

	return p, nil
}

// Destroy disconnects every live connection, persists the known sets
// and tears the pool down. It does not return until every control
// worker has exited.
func (p *Pool) Destroy() error {
	atomic.StoreInt32(&p.closing, 1)
	for _, c := range p.ActiveConnections() {
		c.Disconnect(true, ReasonPoolShutdown)
	}
	if p.persist != nil {
		if err := p.persist.save(p.points, p.peers); err != nil {
			return err
		}
	}
	return nil
}

// ActiveConnections returns every Connection currently in the Running
// state, in no particular order.
func (p *Pool) ActiveConnections() []*Connection {
	var out []*Connection
	p.points.iter(func(_ PointID, pi *pointInfo) {
		if pi.state.Kind == PointRunning && pi.state.Conn != nil {
			out = append(out, pi.state.Conn)
		}
	})
	return out
}

// Stat aggregates registry sizes and bandwidth counters.
func (p *Pool) Stat() PoolStat {
	return PoolStat{
		Connections: p.connectionCount(),
		Points:      p.points.size(),
		Peers:       p.peers.size(),
		Bandwidth:   p.scheduler.Stat(),
	}
}

// Info is the node-level introspection snapshot, mirrored from the
// teacher's Server.NodeInfo() (network/p2p/server.go).
type Info struct {
	PeerID        PeerID
	ListeningPort uint16
	Points        int
	Peers         int
	Connections   int
}

// Info returns a point-in-time introspection snapshot for RPC/debug
// endpoints layered on top of the pool; the RPC layer itself is out of
// scope here.
func (p *Pool) Info() Info {
	return Info{
		PeerID:        p.cfg.Identity.PeerID(),
		ListeningPort: p.cfg.ListeningPort,
		Points:        p.points.size(),
		Peers:         p.peers.size(),
		Connections:   p.connectionCount(),
	}
}

// ConnectionsInfo is the per-connection analogue of the teacher's
// Server.PeersInfo(): a snapshot of every live Connection's ConnInfo,
// safe to call from any goroutine. Bandwidth counters are not included.
func (p *Pool) ConnectionsInfo() []ConnInfo {
	var out []ConnInfo
	for _, c := range p.ActiveConnections() {
		out = append(out, c.Info())
	}
	return out
}

// OnNewConnection registers cb to be invoked synchronously, in addition
// to the EventNewConnection watcher event, whenever a Connection reaches
// Running. Intended for simple operator hooks that don't want to manage
// a watcher's lifetime.
func (p *Pool) OnNewConnection(cb func(*Connection)) {
	p.mu.Lock()
	p.onNewConn = append(p.onNewConn, cb)
	p.mu.Unlock()
}

// Watch returns a live stream of PoolEvents (spec §4.7, §4.10). Callers
// must call watcher.Stop() when done to release the subscription.
func (p *Pool) Watch() *watcher {
	return p.events.subscribe()
}

// AddTrustedPoint promotes addr to trusted, pinning it against GC
// eviction, mirroring the teacher's AddTrustedPeer/RemoveTrustedPeer
// runtime operations (network/p2p/server.go).
func (p *Pool) AddTrustedPoint(addr PointAddr) {
	p.points.getOrCreate(addr)
	p.points.setTrusted(addr.ID(), true)
}

// RemoveTrustedPoint demotes addr back to ordinary GC eligibility.
func (p *Pool) RemoveTrustedPoint(id PointID) {
	p.points.setTrusted(id, false)
}

func (p *Pool) connectionCount() int {
	n := 0
	p.points.iter(func(_ PointID, pi *pointInfo) {
		if pi.state.Kind == PointRunning {
			n++
		}
	})
	return n
}

func (p *Pool) supportedVersions() []uint { return p.msgCfg.Versions }

func (p *Pool) notifyNewConnection(c *Connection) {
	p.mu.Lock()
	cbs := append([]func(*Connection){}, p.onNewConn...)
	p.mu.Unlock()
	for _, cb := range cbs {
		cb(c)
	}
}

// handleConnectionClosed is registered as every Connection's onClose and
// is the single place a Running connection falls back to Disconnected
// in both registries (spec §4.2, §4.3).
func (p *Pool) handleConnectionClosed(c *Connection, reason DisconnectReason) {
	p.points.markDisconnected(c.info.Point.ID(), reason)
	p.peers.markDisconnected(c.info.PeerID, reason)
	p.events.publish(PoolEvent{Type: EventDisconnected, Point: c.info.Point.ID(), Peer: c.info.PeerID, Reason: reason})
	p.events.evaluateCapacity(p.connectionCount(), p.cfg.MinConnections, p.cfg.MaxConnections)
	p.triggerGC()
}

// triggerGC runs both registries' GC policies (invariants 5 and 6).
// Called after every registration and disconnection, matching the
// teacher's pattern of recomputing derived state inline on every
// membership change rather than on a timer.
func (p *Pool) triggerGC() {
	if evicted := p.points.gc(p.cfg.MaxKnownPoints); len(evicted) > 0 {
		p.log.WithField("count", len(evicted)).Debug("evicted known points")
	}
	if evicted := p.peers.gc(p.cfg.MaxKnownPeerIDs); len(evicted) > 0 {
		p.log.WithField("count", len(evicted)).Debug("evicted known peer ids")
	}
}

// --- controlHandler implementation (spec §7 control plane) ---

func (p *Pool) handleDisconnect(c *Connection, payload []byte) {
	// The worker closes the connection right after this call; nothing
	// further to do beyond logging the peer's stated reason, if any.
	p.log.WithField("peer", c.info.PeerID).Debug("received disconnect from peer")
}

func (p *Pool) handleBootstrap(c *Connection, payload []byte) {
	addrs, err := decodePointList(payload)
	if err != nil {
		p.log.WithError(err).Debug("malformed bootstrap payload")
		return
	}
	for _, a := range addrs {
		p.points.getOrCreate(a)
	}
	p.triggerGC()
}

func (p *Pool) handleAdvertise(c *Connection, payload []byte) {
	addrs, err := decodePointList(payload)
	if err != nil {
		p.log.WithError(err).Debug("malformed advertise payload")
		return
	}
	for _, a := range addrs {
		p.points.getOrCreate(a)
	}
	p.triggerGC()
}

// SendBootstrap transmits the full known-point set to c (spec §7).
func (p *Pool) SendBootstrap(ctx context.Context, c *Connection) error {
	return c.RawWriteSync(ctx, TagBootstrap, encodePointList(p.knownPoints()))
}

// SendAdvertise transmits an incremental set of points to c.
func (p *Pool) SendAdvertise(ctx context.Context, c *Connection, addrs []PointAddr) error {
	return c.RawWriteSync(ctx, TagAdvertise, encodePointList(addrs))
}

func (p *Pool) knownPoints() []PointAddr {
	var out []PointAddr
	p.points.iter(func(_ PointID, pi *pointInfo) {
		out = append(out, pi.addr)
	})
	return out
}

// --- wire encoding for Bootstrap/Advertise payloads ---

func encodePointList(addrs []PointAddr) []byte {
	buf := make([]byte, 4, 4+len(addrs)*6)
	putUint32(buf[0:4], uint32(len(addrs)))
	for _, a := range addrs {
		ip4 := a.IP.To4()
		if ip4 == nil {
			ip4 = net.IPv4zero.To4()
		}
		buf = append(buf, ip4...)
		buf = append(buf, byte(a.Port>>8), byte(a.Port))
	}
	return buf
}

func decodePointList(data []byte) ([]PointAddr, error) {
	if len(data) < 4 {
		return nil, ErrDecodingError
	}
	n := getUint32(data[0:4])
	rest := data[4:]
	addrs := make([]PointAddr, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(rest) < 6 {
			return nil, ErrDecodingError
		}
		ip := net.IPv4(rest[0], rest[1], rest[2], rest[3])
		port := uint16(rest[4])<<8 | uint16(rest[5])
		addrs = append(addrs, PointAddr{IP: ip, Port: port})
		rest = rest[6:]
	}
	return addrs, nil
}
