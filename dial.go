package peerpool

import (
	"context"
	"fmt"
	"net"
	"time"
)

// handshakeSlots bounds the number of concurrent pending handshakes
// (dial or accept) so a burst of inbound connections or dial targets
// cannot spawn unbounded goroutines doing crypto work before a single
// one reaches Running. Modeled directly on the teacher's listenLoop
// token-channel semaphore (network/p2p/server.go: `tokens chan struct{}`
// bounding maxAcceptConns), generalized to cover outbound dials too
// since this spec's handshake pipeline (§4.5 step 1: "acquire slot") is
// symmetric between dial and accept.
type handshakeSlots struct {
	tokens chan struct{}
}

func newHandshakeSlots(n int) *handshakeSlots {
	if n <= 0 {
		n = 50
	}
	return &handshakeSlots{tokens: make(chan struct{}, n)}
}

// acquire blocks until a slot is free or ctx is done.
func (s *handshakeSlots) acquire(ctx context.Context) error {
	select {
	case s.tokens <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *handshakeSlots) release() {
	select {
	case <-s.tokens:
	default:
	}
}

// dialTask represents one outbound connection attempt, generalizing the
// teacher's dialTask (network/p2p/dial.go) down to what this spec's
// connect() actually needs: resolve, dial, hand the raw socket to a
// caller-supplied Transport constructor.
type dialTask struct {
	dest PointAddr
}

// outboundDialer performs the raw socket half of spec §4.5 step 3
// ("socket setup") for outbound connections. Inbound sockets arrive
// already-connected via Pool.Accept and skip this type entirely.
type outboundDialer struct {
	transportDialer TransportDialer
}

func newOutboundDialer(d TransportDialer) *outboundDialer {
	if d == nil {
		d = defaultDialer{}
	}
	return &outboundDialer{transportDialer: d}
}

func (o *outboundDialer) dial(ctx context.Context, t dialTask, timeout time.Duration) (net.Conn, error) {
	dialCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	addr := fmt.Sprintf("%s:%d", t.dest.IP.String(), t.dest.Port)
	conn, err := o.transportDialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectionClosed, addr, err)
	}
	return conn, nil
}
