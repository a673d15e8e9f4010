package peerpool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPersistSaveAndLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peers.json")
	store := newPersistStore(path)

	points := newPointRegistry(10)
	a := testAddr(1)
	points.getOrCreate(a)
	points.setTrusted(a.ID(), true)

	peers := newPeerRegistry(10)
	id := newFakeIdentity(9).PeerID()
	peers.getOrCreate(id)
	peers.setTrusted(id, true)

	require.NoError(t, store.save(points, peers))

	loadedPoints := newPointRegistry(10)
	loadedPeers := newPeerRegistry(10)
	require.NoError(t, store.load(loadedPoints, loadedPeers))

	pi, ok := loadedPoints.get(a.ID())
	require.True(t, ok)
	require.True(t, pi.trusted)

	peerInfo, ok := loadedPeers.get(id)
	require.True(t, ok)
	require.True(t, peerInfo.trusted)
}

func TestPersistLoadMissingFileIsNotAnError(t *testing.T) {
	store := newPersistStore(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, store.load(newPointRegistry(10), newPeerRegistry(10)))
}

func TestPersistLoadSkipsMalformedEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peers.json")
	data := `{
		"points": [
			{"ip": "not-an-ip", "port": 1, "trusted": false},
			{"ip": "10.0.0.5", "port": 2, "trusted": true}
		],
		"peer_ids": [
			{"id": "not-hex", "trusted": false, "score": 0},
			{"id": "zz", "trusted": false, "score": 0}
		]
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	store := newPersistStore(path)
	points := newPointRegistry(10)
	peers := newPeerRegistry(10)
	require.NoError(t, store.load(points, peers))

	require.Equal(t, 1, points.size())
	require.Equal(t, 0, peers.size())
}

func TestPersistSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peers.json")
	store := newPersistStore(path)
	require.NoError(t, store.save(newPointRegistry(10), newPeerRegistry(10)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp")
	}
}
