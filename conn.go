package peerpool

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnInfo is the immutable info record of a Connection (spec §3).
type ConnInfo struct {
	Point         PointAddr
	PeerID        PeerID
	Incoming      bool
	Version       uint
	ListeningPort uint16
	LocalAddr     net.Addr
	RemoteAddr    net.Addr
}

type queuedFrame struct {
	frame Frame
	ack   chan error // nil for fire-and-forget writes
}

// Connection wraps a Transport handle with an app-queue, metadata and a
// control worker (spec §4.4). It is the one type shared between the
// pool's registries (via PointState.Conn / PeerState.Conn, by reference
// only — ownership stays in the registries per spec §9) and the caller,
// who reads application messages off it.
type Connection struct {
	info      ConnInfo
	transport Transport
	scheduler Scheduler
	variants  *variantTable
	log       *logrus.Entry

	appQueue    chan interface{}
	appQueueCap int // 0 when no size was configured; appQueue then holds 4096 messages

	writeQueue chan queuedFrame
	writeMu    sync.Mutex

	established time.Time

	disconnecting int32 // atomic latch, set exactly once by disconnect()
	closeReason   DisconnectReason
	closeOnce     sync.Once
	quit          chan struct{} // closed by Disconnect; never writeQueue itself (see runWriter)
	workerDone    chan struct{} // closed when the control worker has exited
	writerDone    chan struct{}

	onClose func(*Connection, DisconnectReason) // registered by the pool to finalize state machines
}

func newConnection(info ConnInfo, t Transport, sched Scheduler, variants *variantTable, appQueueCap *int, outQueueCap int, log *logrus.Entry) *Connection {
	c := &Connection{
		info:        info,
		transport:   t,
		scheduler:   sched,
		variants:    variants,
		log:         log,
		established: time.Now(),
		quit:        make(chan struct{}),
		workerDone:  make(chan struct{}),
		writerDone:  make(chan struct{}),
	}
	if appQueueCap == nil {
		c.appQueueCap = 0
		c.appQueue = make(chan interface{}, 4096) // generously large stand-in for "unbounded"
	} else {
		c.appQueueCap = *appQueueCap
		c.appQueue = make(chan interface{}, *appQueueCap)
	}
	if outQueueCap <= 0 {
		outQueueCap = 256
	}
	c.writeQueue = make(chan queuedFrame, outQueueCap)
	go c.runWriter()
	return c
}

// Info returns the connection's immutable info record.
func (c *Connection) Info() ConnInfo { return c.info }

// Stat returns the shared scheduler's bandwidth counters. These are the
// scheduler's totals across every connection it accounts, not counters for
// this connection alone. Best-effort, safe without synchronization (spec §5).
func (c *Connection) Stat() SchedulerStat { return c.scheduler.Stat() }

// IsReadable reports whether a Read call is likely to return immediately,
// i.e. there is at least one buffered application message.
func (c *Connection) IsReadable() bool {
	return len(c.appQueue) > 0
}

// Read blocks for the next application message, or returns
// ErrConnectionClosed once the connection has been torn down and drained.
func (c *Connection) Read(ctx context.Context) (interface{}, error) {
	select {
	case msg, ok := <-c.appQueue:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Connection) encode(msg interface{}) (Frame, error) {
	for _, v := range c.variants.byTag {
		data, ok, err := v.Encode(msg)
		if err != nil {
			return Frame{}, err
		}
		if ok {
			if uint32(len(data)) > v.MaxLength() {
				return Frame{}, ErrDecodingError
			}
			return Frame{Tag: v.Tag(), Payload: data}, nil
		}
	}
	return Frame{}, ErrDecodingError
}

// Write enqueues msg for asynchronous delivery, blocking while the
// outgoing queue is full (spec §4.4: write(msg) -> ok|err).
func (c *Connection) Write(msg interface{}) error {
	f, err := c.encode(msg)
	if err != nil {
		return err
	}
	if c.isDisconnecting() {
		return ErrConnectionClosed
	}
	select {
	case c.writeQueue <- queuedFrame{frame: f}:
		return nil
	case <-c.writerDone:
		return ErrConnectionClosed
	}
}

// WriteNow fails fast instead of blocking if the outgoing queue is full
// (spec §4.4: write_now(msg) -> bool).
func (c *Connection) WriteNow(msg interface{}) bool {
	f, err := c.encode(msg)
	if err != nil {
		return false
	}
	if c.isDisconnecting() {
		return false
	}
	select {
	case c.writeQueue <- queuedFrame{frame: f}:
		return true
	default:
		return false
	}
}

// WriteSync enqueues msg and waits until it has actually been handed to
// the transport (spec §4.4: write_sync(msg) awaits drain of transport).
func (c *Connection) WriteSync(ctx context.Context, msg interface{}) error {
	f, err := c.encode(msg)
	if err != nil {
		return err
	}
	ack := make(chan error, 1)
	select {
	case c.writeQueue <- queuedFrame{frame: f, ack: ack}:
	case <-c.writerDone:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ack:
		return err
	case <-c.writerDone:
		select {
		case err := <-ack:
			return err
		default:
			return ErrConnectionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RawWriteSync synchronously sends a frame whose payload is already
// encoded, skipping variant lookup — used by the pool for the control-plane
// frames whose payloads it encodes itself (Bootstrap, Advertise, swap
// request and ack) (spec §4.4: raw_write_sync(bytes)).
func (c *Connection) RawWriteSync(ctx context.Context, tag Tag, payload []byte) error {
	ack := make(chan error, 1)
	select {
	case c.writeQueue <- queuedFrame{frame: Frame{Tag: tag, Payload: payload}, ack: ack}:
	case <-c.writerDone:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ack:
		return err
	case <-c.writerDone:
		select {
		case err := <-ack:
			return err
		default:
			return ErrConnectionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) runWriter() {
	defer close(c.writerDone)
	ctx := context.Background()
	for {
		select {
		case qf := <-c.writeQueue:
			c.writeMu.Lock()
			err := c.transport.WriteFrame(ctx, qf.frame)
			c.writeMu.Unlock()
			if err == nil {
				c.scheduler.Account(c.info.Point.ID(), 0, len(qf.frame.Payload)+1)
			}
			if qf.ack != nil {
				qf.ack <- err
			}
			if err != nil {
				c.log.WithField("peer", c.info.PeerID).WithError(err).Debug("write failed, disconnecting")
				go c.Disconnect(false, ReasonTransportError)
				return
			}
		case <-c.quit:
			c.drainWriteQueue()
			return
		}
	}
}

// drainWriteQueue answers every frame still buffered in writeQueue once the
// connection is quitting, so a caller blocked in WriteSync/RawWriteSync's ack
// wait never hangs. writeQueue itself is never closed: Write/WriteNow/
// WriteSync race Disconnect freely and only ever send on it, never close it.
func (c *Connection) drainWriteQueue() {
	for {
		select {
		case qf := <-c.writeQueue:
			if qf.ack != nil {
				qf.ack <- ErrConnectionClosed
			}
		default:
			return
		}
	}
}

func (c *Connection) isDisconnecting() bool {
	return atomic.LoadInt32(&c.disconnecting) == 1
}

// Disconnect tears the connection down. It is idempotent: a second call
// observes the first's outcome (spec §8 law: disconnect;disconnect ≡
// disconnect). disconnect(wait=true) blocks until the control worker has
// exited and the transport is closed.
func (c *Connection) Disconnect(wait bool, reason DisconnectReason) {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.disconnecting, 1)
		c.closeReason = reason
		c.transport.Close(reason)
		close(c.quit)
		if c.onClose != nil {
			c.onClose(c, reason)
		}
	})
	if wait {
		<-c.workerDone
	}
}

func (c *Connection) closeAppQueue() {
	defer func() { recover() }() // tolerate a close racing a send from the worker
	close(c.appQueue)
}
