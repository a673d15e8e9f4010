package peerpool

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testAddr(port uint16) PointAddr {
	return PointAddr{IP: net.ParseIP("10.0.0.1"), Port: port}
}

func TestPointRequestDialRejectsPending(t *testing.T) {
	r := newPointRegistry(10)
	addr := testAddr(1)

	_, err := r.requestDial(addr)
	require.NoError(t, err)

	_, err = r.requestDial(addr)
	require.ErrorIs(t, err, ErrPendingConnection)
}

func TestPointLifecycle(t *testing.T) {
	r := newPointRegistry(10)
	addr := testAddr(2)
	peer := newFakeIdentity(1).PeerID()

	pi, err := r.requestDial(addr)
	require.NoError(t, err)
	require.Equal(t, PointRequested, pi.state.Kind)

	require.NoError(t, r.markRunning(addr.ID(), peer, nil))
	got, ok := r.get(addr.ID())
	require.True(t, ok)
	require.Equal(t, PointRunning, got.state.Kind)
	require.Equal(t, peer, got.state.PeerID)

	r.markDisconnected(addr.ID(), ReasonRequested)
	got, _ = r.get(addr.ID())
	require.Equal(t, PointDisconnected, got.state.Kind)
	require.False(t, got.state.DisconnectedSince.IsZero())

	// Once disconnected, a fresh dial is allowed again.
	_, err = r.requestDial(addr)
	require.NoError(t, err)
}

func TestPointHistoryBounded(t *testing.T) {
	r := newPointRegistry(3)
	addr := testAddr(3)
	for i := 0; i < 10; i++ {
		r.markDisconnected(addr.ID(), ReasonRequested) // no-op before the point exists, but exercises logEvent once created
	}
	r.getOrCreate(addr)
	for i := 0; i < 10; i++ {
		r.markDisconnected(addr.ID(), ReasonRequested)
	}
	pi, ok := r.get(addr.ID())
	require.True(t, ok)
	require.LessOrEqual(t, len(pi.history), 3)
}

func TestPointGCEvictsOldestDisconnectedFirst(t *testing.T) {
	r := newPointRegistry(10)
	var addrs []PointAddr
	for i := uint16(0); i < 5; i++ {
		a := testAddr(100 + i)
		addrs = append(addrs, a)
		r.getOrCreate(a)
		r.markDisconnected(a.ID(), ReasonRequested)
		// Stagger DisconnectedSince so eviction order is deterministic.
		pi, _ := r.get(a.ID())
		pi.state.DisconnectedSince = time.Now().Add(-time.Duration(5-i) * time.Minute)
	}

	evicted := r.gc(&KnownSetThreshold{Upper: 4, Lower: 2})
	require.Len(t, evicted, 3)
	// The three oldest (i=0,1,2, i.e. the most-negative offsets) go first.
	require.ElementsMatch(t, []PointID{addrs[0].ID(), addrs[1].ID(), addrs[2].ID()}, evicted)
	require.Equal(t, 2, r.size())
}

func TestPointGCSkipsTrusted(t *testing.T) {
	r := newPointRegistry(10)
	a := testAddr(200)
	r.getOrCreate(a)
	r.setTrusted(a.ID(), true)
	r.markDisconnected(a.ID(), ReasonRequested)

	for i := uint16(0); i < 5; i++ {
		b := testAddr(201 + i)
		r.getOrCreate(b)
		r.markDisconnected(b.ID(), ReasonRequested)
	}

	evicted := r.gc(&KnownSetThreshold{Upper: 5, Lower: 1})
	for _, id := range evicted {
		require.NotEqual(t, a.ID(), id)
	}
	got, ok := r.get(a.ID())
	require.True(t, ok)
	_ = got
}

func TestPointGCNilThresholdDisablesGC(t *testing.T) {
	r := newPointRegistry(10)
	for i := uint16(0); i < 20; i++ {
		a := testAddr(300 + i)
		r.getOrCreate(a)
		r.markDisconnected(a.ID(), ReasonRequested)
	}
	require.Nil(t, r.gc(nil))
	require.Equal(t, 20, r.size())
}
