package peerpool

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// fakeIdentity is the simplest possible Identity: a fixed PeerID and a
// nonce that always satisfies proof-of-work target 0, which is all the
// pool-level tests need from the external identity module.
type fakeIdentity struct {
	id PeerID
}

func newFakeIdentity(b byte) fakeIdentity {
	var id PeerID
	id[0] = b
	return fakeIdentity{id: id}
}

func (f fakeIdentity) PeerID() PeerID            { return f.id }
func (f fakeIdentity) Nonce(challenge []byte) []byte { return []byte{0} }

// fakeTransport is a minimal in-process stand-in for the external
// TRANSPORT module: no encryption, a trivial version-exchange handshake
// over a net.Pipe, and the same length-prefixed framing codec.go defines
// for the real wire format. It exists purely so pool_test.go can drive
// the handshake pipeline and control worker without a real crypto
// transport.
type fakeTransport struct {
	conn          net.Conn
	listeningPort uint16
	mu            sync.Mutex
}

func newFakeTransportFactory(listeningPort uint16) NewTransportFunc {
	return func(conn net.Conn) Transport {
		return &fakeTransport{conn: conn, listeningPort: listeningPort}
	}
}

// fakeChallenge is the fixed challenge every fakeTransport issues. A real
// Transport would pick a fresh random challenge per handshake; this
// stand-in only needs both sides to agree on the bytes fed into
// Identity.Nonce, not unpredictability.
var fakeChallenge = []byte("fake-challenge")

func (t *fakeTransport) Authenticate(ctx context.Context, local Identity, powTarget uint8, versions []uint, dialDest *PeerID) (handshakeResult, error) {
	done := make(chan error, 1)
	var res handshakeResult
	go func() {
		// Write and read run concurrently: net.Pipe is synchronous, so two
		// sides that both write-then-read in lockstep would deadlock.
		writeErrCh := make(chan error, 1)
		go func() {
			nonce := local.Nonce(fakeChallenge)
			var out [32 + 2 + 1 + 1]byte
			id := local.PeerID()
			copy(out[0:32], id[:])
			binary.BigEndian.PutUint16(out[32:34], t.listeningPort)
			out[34] = byte(len(versions))
			out[35] = byte(len(nonce))
			if _, err := t.conn.Write(out[:]); err != nil {
				writeErrCh <- err
				return
			}
			for _, v := range versions {
				var vb [4]byte
				binary.BigEndian.PutUint32(vb[:], uint32(v))
				if _, err := t.conn.Write(vb[:]); err != nil {
					writeErrCh <- err
					return
				}
			}
			if _, err := t.conn.Write(nonce); err != nil {
				writeErrCh <- err
				return
			}
			writeErrCh <- nil
		}()

		var in [32 + 2 + 1 + 1]byte
		if _, err := io.ReadFull(t.conn, in[:]); err != nil {
			done <- err
			return
		}
		copy(res.RemoteID[:], in[0:32])
		res.ListeningPort = binary.BigEndian.Uint16(in[32:34])
		remoteCount := int(in[34])
		nonceLen := int(in[35])
		remoteVersions := make([]uint, remoteCount)
		for i := 0; i < remoteCount; i++ {
			var vb [4]byte
			if _, err := io.ReadFull(t.conn, vb[:]); err != nil {
				done <- err
				return
			}
			remoteVersions[i] = uint(binary.BigEndian.Uint32(vb[:]))
		}
		nonce := make([]byte, nonceLen)
		if _, err := io.ReadFull(t.conn, nonce); err != nil {
			done <- err
			return
		}
		res.Challenge = fakeChallenge
		res.Nonce = nonce

		best := uint(0)
		found := false
		for _, v := range versions {
			for _, rv := range remoteVersions {
				if v == rv && v > best {
					best = v
					found = true
				}
			}
		}
		if !found {
			done <- ErrNoCommonProtocol
			return
		}
		res.NegotiatedVersion = best
		if err := <-writeErrCh; err != nil {
			done <- err
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			return handshakeResult{}, err
		}
		return res, nil
	case <-ctx.Done():
		return handshakeResult{}, ctx.Err()
	}
}

func (t *fakeTransport) ReadFrame(ctx context.Context) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(t.conn, lenBuf[:]); err != nil {
		return Frame{}, ErrConnectionClosed
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return Frame{}, ErrDecodingError
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(t.conn, body); err != nil {
		return Frame{}, ErrConnectionClosed
	}
	return Frame{Tag: Tag(body[0]), Payload: body[1:]}, nil
}

func (t *fakeTransport) WriteFrame(ctx context.Context, f Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := encodeFrame(f)
	_, err := t.conn.Write(buf)
	if err != nil {
		return ErrConnectionClosed
	}
	return nil
}

func (t *fakeTransport) Close(reason DisconnectReason) error {
	return t.conn.Close()
}

func (t *fakeTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }
func (t *fakeTransport) LocalAddr() net.Addr  { return t.conn.LocalAddr() }

// fakePipeDialer hands out the two ends of a net.Pipe so Pool.Connect and
// Pool.Accept in a test can talk to each other without a real listener.
type fakePipeDialer struct {
	mu    sync.Mutex
	peers map[string]net.Conn // addr -> the accept-side conn waiting to be claimed
}

func newFakePipeDialer() *fakePipeDialer {
	return &fakePipeDialer{peers: make(map[string]net.Conn)}
}

func (d *fakePipeDialer) register(addr string, acceptSide net.Conn) {
	d.mu.Lock()
	d.peers[addr] = acceptSide
	d.mu.Unlock()
}

func (d *fakePipeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.mu.Lock()
	conn, ok := d.peers[addr]
	delete(d.peers, addr)
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no peer registered for %s", addr)
	}
	return conn, nil
}
