package peerpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSwapLingerRateLimitsRequests(t *testing.T) {
	s := newSwapState(50 * time.Millisecond)
	id := PointID("a:1")

	require.True(t, s.allowed(id))
	s.recordAttempt(id)
	require.False(t, s.allowed(id))

	time.Sleep(60 * time.Millisecond)
	require.True(t, s.allowed(id))
}

func TestPickSwapVictimExcludesSelfTrustedAndNonRunning(t *testing.T) {
	points := newPointRegistry(10)

	trusted := testAddr(1)
	_, err := points.requestDial(trusted)
	require.NoError(t, err)
	points.setTrusted(trusted.ID(), true)
	require.NoError(t, points.markRunning(trusted.ID(), PeerID{}, nil))

	notRunning := testAddr(2)
	points.getOrCreate(notRunning)

	candidate := testAddr(3)
	_, err = points.requestDial(candidate)
	require.NoError(t, err)
	require.NoError(t, points.markRunning(candidate.ID(), PeerID{}, nil))

	exclude := testAddr(4)
	_, err = points.requestDial(exclude)
	require.NoError(t, err)
	require.NoError(t, points.markRunning(exclude.ID(), PeerID{}, nil))

	p := &Pool{points: points}
	victim, _, _, ok := p.pickSwapVictim(exclude.ID())
	require.True(t, ok)
	require.Equal(t, candidate.ID(), victim.ID())
}

func TestPickSwapCandidateExcludesRunningAndUnknownPeer(t *testing.T) {
	points := newPointRegistry(10)

	running := testAddr(10)
	_, err := points.requestDial(running)
	require.NoError(t, err)
	require.NoError(t, points.markRunning(running.ID(), newFakeIdentity(1).PeerID(), nil))

	noPeer := testAddr(11)
	points.getOrCreate(noPeer) // known, but never authenticated: no lastPeerID

	wantCandidate := testAddr(12)
	_, err = points.requestDial(wantCandidate)
	require.NoError(t, err)
	peer := newFakeIdentity(2).PeerID()
	require.NoError(t, points.markRunning(wantCandidate.ID(), peer, nil))
	points.markDisconnected(wantCandidate.ID(), ReasonRequested)

	p := &Pool{points: points}
	addr, gotPeer, ok := p.pickSwapCandidate(running.ID())
	require.True(t, ok)
	require.Equal(t, wantCandidate.ID(), addr.ID())
	require.Equal(t, peer, gotPeer)
}

func TestEncodeDecodeSwapCandidateRoundTrips(t *testing.T) {
	addr := testAddr(42)
	peer := newFakeIdentity(3).PeerID()
	payload := encodeSwapCandidate(addr, peer)
	gotAddr, gotPeer, err := decodeSwapCandidate(payload)
	require.NoError(t, err)
	require.Equal(t, addr.Port, gotAddr.Port)
	require.True(t, addr.IP.Equal(gotAddr.IP))
	require.Equal(t, peer, gotPeer)
}

func TestHandleSwapAckUpdatesLingerClock(t *testing.T) {
	p := &Pool{points: newPointRegistry(10), swap: newSwapState(time.Hour)}
	c := &Connection{info: ConnInfo{Point: testAddr(50)}}

	require.True(t, p.swap.allowed(c.info.Point.ID()))
	p.handleSwapAck(c, encodeSwapCandidate(testAddr(51), newFakeIdentity(4).PeerID()))
	require.False(t, p.swap.allowed(c.info.Point.ID()))
}
