package peerpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewVariantTableRejectsControlTagCollision(t *testing.T) {
	_, err := newVariantTable([]Variant{echoVariantWithTag{tag: TagBootstrap}})
	require.Error(t, err)
}

func TestNewVariantTableRejectsDuplicateTag(t *testing.T) {
	_, err := newVariantTable([]Variant{
		echoVariantWithTag{tag: firstUserTag},
		echoVariantWithTag{tag: firstUserTag},
	})
	require.Error(t, err)
}

func TestVariantTableLookup(t *testing.T) {
	vt, err := newVariantTable([]Variant{echoVariantWithTag{tag: firstUserTag}})
	require.NoError(t, err)

	v, ok := vt.lookup(firstUserTag)
	require.True(t, ok)
	require.Equal(t, firstUserTag, v.Tag())

	_, ok = vt.lookup(Tag(0x07))
	require.False(t, ok)
}

func TestEncodeFrameRoundTrips(t *testing.T) {
	f := Frame{Tag: TagAdvertise, Payload: []byte("abc")}
	buf := encodeFrame(f)
	require.Len(t, buf, 4+1+3)
	require.Equal(t, uint32(4), getUint32(buf[0:4]))
	require.Equal(t, byte(TagAdvertise), buf[4])
	require.Equal(t, []byte("abc"), buf[5:])
}

func TestTagIsControl(t *testing.T) {
	require.True(t, TagDisconnect.isControl())
	require.True(t, TagSwapAck.isControl())
	require.False(t, firstUserTag.isControl())
}

// echoVariantWithTag is a parameterized Variant for exercising
// variantTable construction rules.
type echoVariantWithTag struct{ tag Tag }

func (e echoVariantWithTag) Tag() Tag          { return e.tag }
func (e echoVariantWithTag) MaxLength() uint32 { return 1024 }
func (e echoVariantWithTag) Decode(payload []byte) (interface{}, error) {
	return string(payload), nil
}
func (e echoVariantWithTag) Encode(msg interface{}) ([]byte, bool, error) {
	s, ok := msg.(string)
	if !ok {
		return nil, false, nil
	}
	return []byte(s), true, nil
}
