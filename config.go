package peerpool

import (
	"time"

	"github.com/sirupsen/logrus"
)

// KnownSetThreshold is a GC (upper, lower) pair for a known-set registry.
// A nil pointer to KnownSetThreshold (the typical Go rendering of the
// spec's "None ⇒ no GC") disables GC for that registry.
type KnownSetThreshold struct {
	Upper int
	Lower int
}

// MetaConfig describes how the caller's opaque peer-metadata blob is
// versioned and encoded for persistence. The concrete encode/decode
// functions live with the caller; the pool only carries the version tag.
type MetaConfig struct {
	Encoding string // e.g. "json/v1" — opaque to the pool, round-tripped verbatim
	Version  int
}

// MessageConfig carries the negotiable protocol surface: the set of
// versions this node speaks, and the registry of user message variants.
type MessageConfig struct {
	Versions []uint   // offered in order of preference, most-preferred first
	Messages []Variant
}

// Config holds every option in the pool's external configuration surface.
// Fields may not be modified while the pool is running, mirroring the
// teacher's Server.Config contract.
type Config struct {
	Identity Identity

	ProofOfWorkTarget uint8 // minimum leading-zero-bit count accepted from peers

	TrustedPoints []PointAddr

	PeersFile string // JSON persistence path; "" disables persistence

	ClosedNetwork bool

	ListeningPort uint16

	MinConnections        int
	MaxConnections        int
	MaxIncomingConnections int

	ConnectionTimeout     time.Duration
	AuthenticationTimeout time.Duration

	IncomingAppMessageQueueSize *int // nil ⇒ no configured bound; the app-queue then holds 4096 messages
	IncomingMessageQueueSize    int
	OutgoingMessageQueueSize    int

	KnownPeerIDsHistorySize int
	KnownPointsHistorySize  int

	MaxKnownPoints  *KnownSetThreshold
	MaxKnownPeerIDs *KnownSetThreshold

	SwapLinger time.Duration

	BinaryChunksSize int

	Logger *logrus.Entry
}

// Default returns a Config with every documented default applied, including
// capacity thresholds of 1 minimum and 25 maximum connections. Callers still
// must set Identity, and TrustedPoints/PeersFile as appropriate.
func Default() Config {
	return Config{
		ConnectionTimeout:       15 * time.Second,
		AuthenticationTimeout:   5 * time.Second,
		IncomingMessageQueueSize: 1024,
		OutgoingMessageQueueSize: 1024,
		KnownPeerIDsHistorySize: 50,
		KnownPointsHistorySize:  50,
		SwapLinger:              30 * time.Second,
		BinaryChunksSize:        65536,
		MinConnections:          1,
		MaxConnections:          25,
		MaxIncomingConnections:  25,
	}
}

func (c *Config) logger() *logrus.Entry {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.NewEntry(logrus.StandardLogger()).WithField("module", "peerpool")
}
