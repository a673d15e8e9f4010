package peerpool

import (
	"encoding/hex"
	"fmt"
	"math/bits"
	"net"

	"golang.org/x/crypto/sha3"
)

// PeerID is a cryptographic identity, opaque to the pool beyond equality
// and hashing. The identity/keypair module that produces and verifies
// these is an external collaborator (spec §1).
type PeerID [32]byte

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

// PointAddr is a reachable network address, independent of identity.
type PointAddr struct {
	IP   net.IP
	Port uint16
}

func (p PointAddr) String() string {
	return fmt.Sprintf("%s:%d", p.IP.String(), p.Port)
}

// PointID is the key under which a Point is stored in the known-set.
type PointID string

func (p PointAddr) ID() PointID {
	return PointID(p.String())
}

// Identity is the local node's keypair and proof-of-work stamp. The actual
// key material and signing live in the external identity module; the pool
// only needs the public identifiers and the ability to prove work and
// verify a remote peer's proof.
type Identity interface {
	PeerID() PeerID
	// Nonce returns a fresh proof-of-work solution valid for this
	// authentication attempt, given the challenge issued by the remote side.
	Nonce(challenge []byte) []byte
}

// proofOfWorkDifficulty returns the number of leading zero bits in
// sha3-256(peerID || challenge || nonce), the PoW measure compared against
// Config.ProofOfWorkTarget during authentication (spec §4.5 step 4).
func proofOfWorkDifficulty(id PeerID, challenge, nonce []byte) uint8 {
	h := sha3.New256()
	h.Write(id[:])
	h.Write(challenge)
	h.Write(nonce)
	sum := h.Sum(nil)
	var zero int
	for _, b := range sum {
		if b == 0 {
			zero += 8
			continue
		}
		zero += bits.LeadingZeros8(b)
		break
	}
	return uint8(zero)
}

func verifyProofOfWork(id PeerID, challenge, nonce []byte, target uint8) bool {
	return proofOfWorkDifficulty(id, challenge, nonce) >= target
}
