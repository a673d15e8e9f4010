package peerpool

import (
	"encoding/hex"
	"encoding/json"
	"net"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// persistedFile is the on-disk shape of the known-point/known-peer sets
// (component I). The spec names this format as JSON explicitly (and
// scopes its exact codec as an external concern); encoding/json is the
// stdlib tool for that exact, named format, so no third-party codec
// applies here (see DESIGN.md).
type persistedFile struct {
	Points  []persistedPoint `json:"points"`
	PeerIDs []persistedPeer  `json:"peer_ids"`
}

type persistedPoint struct {
	IP      string `json:"ip"`
	Port    uint16 `json:"port"`
	Trusted bool   `json:"trusted"`
}

type persistedPeer struct {
	ID      string `json:"id"`
	Trusted bool   `json:"trusted"`
	Score   int    `json:"score"`
}

type persistStore struct {
	path string
}

func newPersistStore(path string) *persistStore {
	return &persistStore{path: path}
}

// load reads the persisted known sets into the registries, skipping and
// warning on malformed entries rather than failing the whole load (spec
// §9: "a malformed persisted entry should be skipped with a warning,
// not fail the whole load").
func (s *persistStore) load(points *pointRegistry, peers *peerRegistry) error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var pf persistedFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return err
	}
	for _, pp := range pf.Points {
		ip := net.ParseIP(pp.IP)
		if ip == nil {
			logrus.WithField("module", "peerpool").WithField("ip", pp.IP).Warn("skipping malformed persisted point")
			continue
		}
		pi := points.getOrCreate(PointAddr{IP: ip, Port: pp.Port})
		if pp.Trusted {
			points.setTrusted(pi.addr.ID(), true)
		}
	}
	for _, pp := range pf.PeerIDs {
		raw, err := hex.DecodeString(pp.ID)
		if err != nil || len(raw) != len(PeerID{}) {
			logrus.WithField("module", "peerpool").WithField("id", pp.ID).Warn("skipping malformed persisted peer id")
			continue
		}
		var id PeerID
		copy(id[:], raw)
		pi := peers.getOrCreate(id)
		pi.trusted = pp.Trusted
		pi.score = pp.Score
	}
	return nil
}

// save writes the current known sets out, via a temp file plus rename so
// a crash mid-write never leaves a truncated peers file behind.
func (s *persistStore) save(points *pointRegistry, peers *peerRegistry) error {
	var pf persistedFile
	points.iter(func(_ PointID, pi *pointInfo) {
		pf.Points = append(pf.Points, persistedPoint{IP: pi.addr.IP.String(), Port: pi.addr.Port, Trusted: pi.trusted})
	})
	peers.iter(func(id PeerID, pi *peerInfo) {
		pf.PeerIDs = append(pf.PeerIDs, persistedPeer{ID: hex.EncodeToString(id[:]), Trusted: pi.trusted, Score: pi.score})
	})

	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".peers-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}
