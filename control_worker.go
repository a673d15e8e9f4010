package peerpool

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// controlHandler is implemented by the pool to react to the five
// reserved control-plane tags (spec §7). The worker decodes nothing
// beyond the tag/payload split for these — interpretation is the pool's
// job, since Bootstrap/Advertise/Swap touch registries the worker does
// not own.
type controlHandler interface {
	handleDisconnect(c *Connection, payload []byte)
	handleBootstrap(c *Connection, payload []byte)
	handleAdvertise(c *Connection, payload []byte)
	handleSwapRequest(c *Connection, payload []byte)
	handleSwapAck(c *Connection, payload []byte)
}

// runControlWorker is the single reader goroutine per connection (spec
// §4.4, component F): it owns ReadFrame, routes the five reserved tags
// to handler, and decodes+forwards everything else to the connection's
// app-queue. It applies backpressure by blocking on that send rather
// than dropping, and terminates the connection on any decode failure or
// unknown tag (spec §4.4 "Decoding_error").
//
// Modeled on the teacher's runPeer goroutine-per-peer loop
// (network/p2p/server.go), generalized from a single Peer.run() call
// into an explicit tag dispatch since this spec's wire protocol carries
// its own control plane rather than delegating entirely to protocol
// handlers.
func runControlWorker(ctx context.Context, c *Connection, handler controlHandler, log *logrus.Entry) {
	defer close(c.workerDone)
	defer c.closeAppQueue()

	for {
		frame, err := c.transport.ReadFrame(ctx)
		if err != nil {
			reason := ReasonTransportError
			if errors.Is(err, ErrConnectionClosed) {
				reason = c.closeReason
			}
			c.Disconnect(false, reason)
			return
		}
		c.scheduler.Account(c.info.Point.ID(), len(frame.Payload)+1, 0)

		if frame.Tag.isControl() {
			switch frame.Tag {
			case TagDisconnect:
				handler.handleDisconnect(c, frame.Payload)
				c.Disconnect(false, ReasonRemoteDisconnect)
				return
			case TagBootstrap:
				handler.handleBootstrap(c, frame.Payload)
			case TagAdvertise:
				handler.handleAdvertise(c, frame.Payload)
			case TagSwapRequest:
				handler.handleSwapRequest(c, frame.Payload)
			case TagSwapAck:
				handler.handleSwapAck(c, frame.Payload)
			default:
				log.WithField("tag", frame.Tag).Warn("unhandled reserved control tag")
				c.Disconnect(false, ReasonProtocolError)
				return
			}
			continue
		}

		variant, ok := c.variants.lookup(frame.Tag)
		if !ok {
			log.WithField("tag", frame.Tag).Debug("unknown user message tag")
			c.Disconnect(false, ReasonProtocolError)
			return
		}
		if uint32(len(frame.Payload)) > variant.MaxLength() {
			log.WithField("tag", frame.Tag).Debug("oversized frame")
			c.Disconnect(false, ReasonProtocolError)
			return
		}
		msg, err := variant.Decode(frame.Payload)
		if err != nil {
			log.WithField("tag", frame.Tag).WithError(err).Debug("decode failure")
			c.Disconnect(false, ReasonProtocolError)
			return
		}

		select {
		case c.appQueue <- msg:
		case <-ctx.Done():
			c.Disconnect(false, ReasonPoolShutdown)
			return
		case <-c.writerDone:
			// Connection is tearing down from the write side; stop reading.
			return
		}
	}
}
