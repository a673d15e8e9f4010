package peerpool

import "fmt"

// Tag identifies a frame's variant on the wire. Tags 0x01-0x05 are
// reserved for the control plane (spec §4.6); 0x06 and above are free for
// caller-registered user message variants.
type Tag byte

const (
	TagDisconnect    Tag = 0x01
	TagBootstrap     Tag = 0x02
	TagAdvertise     Tag = 0x03
	TagSwapRequest   Tag = 0x04
	TagSwapAck       Tag = 0x05
	firstUserTag     Tag = 0x06
)

func (t Tag) isControl() bool {
	return t >= TagDisconnect && t <= TagSwapAck
}

// Variant is one entry in the existentially-quantified encoding registry
// described in spec §9: a heterogeneous table of {tag, codec, max_length}
// triples, implemented here as an interface rather than a generic so the
// registry can hold many concrete message types side by side.
type Variant interface {
	Tag() Tag
	MaxLength() uint32
	// Decode turns a raw payload into the caller's message type. The
	// returned value is what flows through Connection.read()/app-queue.
	Decode(payload []byte) (interface{}, error)
	// Encode turns a caller-constructed message back into wire bytes. It
	// returns (nil, false, nil) if msg is not an instance this variant handles.
	Encode(msg interface{}) ([]byte, bool, error)
}

// variantTable resolves tags to the caller's registered user Variants. The
// reserved control-plane tags are never stored here: registering one is an
// error, and the control worker dispatches them before any table lookup.
type variantTable struct {
	byTag map[Tag]Variant
}

func newVariantTable(variants []Variant) (*variantTable, error) {
	t := &variantTable{byTag: make(map[Tag]Variant, len(variants))}
	for _, v := range variants {
		if v.Tag().isControl() {
			return nil, fmt.Errorf("peerpool: variant tag %#x collides with a reserved control tag", v.Tag())
		}
		if _, dup := t.byTag[v.Tag()]; dup {
			return nil, fmt.Errorf("peerpool: duplicate variant tag %#x", v.Tag())
		}
		t.byTag[v.Tag()] = v
	}
	return t, nil
}

func (t *variantTable) lookup(tag Tag) (Variant, bool) {
	v, ok := t.byTag[tag]
	return v, ok
}

// Frame is a single decoded unit read off the transport: a tag plus its
// raw payload, before any user-variant decoding is applied.
type Frame struct {
	Tag     Tag
	Payload []byte
}

// encodeFrame length-prefixes tag+payload the way
// other_examples' BigBossBooling p2p server frames its HELLO/PEER_LIST
// messages: a 4-byte big-endian length, followed by tag byte, followed by
// payload. It is the one piece of the wire format this package owns
// outright; everything inside the payload is caller-codec territory.
func encodeFrame(f Frame) []byte {
	buf := make([]byte, 5+len(f.Payload))
	putUint32(buf[0:4], uint32(1+len(f.Payload)))
	buf[4] = byte(f.Tag)
	copy(buf[5:], f.Payload)
	return buf
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
