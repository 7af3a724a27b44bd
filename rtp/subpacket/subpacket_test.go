package subpacket

import (
	"testing"

	"github.com/galaxy-iot/extender/av"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fragment builds the smallest header that carries a fragmentation code.
func fragment(code FragmentCode, data string) []byte {
	return append([]byte{flagMoreFlags, byte(code) << shiftFragment}, data...)
}

type collector struct {
	units []av.Unit
}

func (c *collector) emit(u av.Unit) {
	c.units = append(c.units, u)
}

func (c *collector) data() []string {
	out := make([]string, 0, len(c.units))
	for _, u := range c.units {
		out = append(out, string(u.Data))
	}
	return out
}

func TestParseFlagsOnly(t *testing.T) {
	h, err := Parse([]byte{0x00, 'x', 'y'})
	require.NoError(t, err)

	assert.False(t, h.HasFlags2())
	assert.Equal(t, FragmentComplete, h.Fragment())
	assert.Equal(t, []byte("xy"), h.Data([]byte{0x00, 'x', 'y'}))
}

func TestParseSecondByteFlags(t *testing.T) {
	payload := []byte{flagMoreFlags, 0x40 | flagSync | flagDiscontinuity | flagDroppable | flagEncrypted, 'a'}

	h, err := Parse(payload)
	require.NoError(t, err)

	assert.Equal(t, FragmentFirst, h.Fragment())
	assert.True(t, h.Sync())
	assert.True(t, h.Discontinuity())
	assert.True(t, h.Droppable())
	assert.True(t, h.Encrypted())
	assert.False(t, h.HasFlags3())
	assert.Equal(t, 2, h.DataStart)
}

func TestParseAllOptionalFields(t *testing.T) {
	payload := []byte{
		flagAbsoluteTime | flagCorrespondence | flagReserved1 | flagReserved2 | flagReserved3 | flagMoreFlags,
		byte(FragmentLast)<<shiftFragment | flagThirdByte,
		flagDecodeTime | flagPresentationTime | flagPlayTime | flagReserved4 | flagReserved5 | flagExtension,
	}
	// absolute time
	payload = append(payload, 0, 0, 0, 0, 0, 0, 0, 7)
	// correspondence
	payload = append(payload, 0, 0, 0, 0, 0, 0, 0, 8, 0, 0, 0, 9)
	// reserved 1-3
	payload = append(payload, make([]byte, 12)...)
	// decode, presentation, play time
	payload = append(payload, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0, 3)
	// reserved 4-5
	payload = append(payload, make([]byte, 8)...)
	// extension chain: type 5 with two bytes, then last record of type 6, empty
	payload = append(payload, 0x05, 0, 2, 0xAA, 0xBB, extensionLast|0x06, 0, 0)
	payload = append(payload, "data"...)

	h, err := Parse(payload)
	require.NoError(t, err)

	assert.Equal(t, FragmentLast, h.Fragment())
	assert.Equal(t, uint64(7), h.AbsoluteTime)
	assert.Equal(t, Correspondence{NTPTime: 8, RTPTimestamp: 9}, h.Correspondence)
	assert.Equal(t, uint32(1), h.DecodeTime)
	assert.Equal(t, uint32(2), h.PresentationTime)
	assert.Equal(t, uint64(3), h.PlayTime)
	require.Len(t, h.Extensions, 2)
	assert.Equal(t, Extension{Type: 5, Data: []byte{0xAA, 0xBB}}, h.Extensions[0])
	assert.Equal(t, byte(6), h.Extensions[1].Type)
	assert.Equal(t, []byte("data"), h.Data(payload))
}

func TestParseExplicitOffset(t *testing.T) {
	// offset 3 counts from after the offset field and covers "abc" only
	payload := []byte{flagMoreFlags, byte(FragmentComplete)<<shiftFragment | flagOffset, 0, 3, 'a', 'b', 'c', 'd', 'e'}

	h, err := Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), h.Data(payload))

	// the window includes optional fields that follow the offset field
	payload = []byte{flagAbsoluteTime | flagMoreFlags, flagOffset, 0, 10}
	payload = append(payload, 0, 0, 0, 0, 0, 0, 0, 1)
	payload = append(payload, "xyz"...)

	h, err = Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("xy"), h.Data(payload))
}

func TestParseMalformed(t *testing.T) {
	testCases := map[string][]byte{
		"empty":              {},
		"missing flags 2":    {flagMoreFlags},
		"missing flags 3":    {flagMoreFlags, flagThirdByte},
		"short offset":       {flagMoreFlags, flagOffset, 0},
		"offset past end":    {flagMoreFlags, flagOffset, 0, 5, 'a'},
		"short abs time":     {flagAbsoluteTime, 0, 0, 0},
		"short corr":         {flagCorrespondence, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		"short reserved":     {flagReserved2, 0},
		"short decode time":  {flagMoreFlags, flagThirdByte, flagDecodeTime, 0},
		"chain overrun":      {flagMoreFlags, flagThirdByte, flagExtension, 0x01, 0, 9, 'a'},
		"chain without last": {flagMoreFlags, flagThirdByte, flagExtension, 0x01, 0, 0},
	}

	for name, payload := range testCases {
		_, err := Parse(payload)
		assert.Error(t, err, name)
	}

	// offset pointing before the end of the optional fields
	payload := []byte{flagAbsoluteTime | flagMoreFlags, flagOffset, 0, 2, 0, 0, 0, 0, 0, 0, 0, 1}
	_, err := Parse(payload)
	assert.ErrorIs(t, err, ErrBadOffset)
}

func TestFragmentReassembly(t *testing.T) {
	c := &collector{}
	d := New(av.Video, c.emit)

	assert.False(t, d.Process(fragment(FragmentFirst, "AB"), 1, 10, 900))
	assert.False(t, d.Process(fragment(FragmentMiddle, "CD"), 1, 11, 900))
	assert.False(t, d.Process(fragment(FragmentMiddle, "EF"), 1, 12, 900))
	assert.True(t, d.Process(fragment(FragmentLast, "GH"), 1, 13, 900))

	require.Len(t, c.units, 1)
	assert.Equal(t, "ABCDEFGH", string(c.units[0].Data))
	assert.Equal(t, av.Video, c.units[0].Kind)
	assert.Equal(t, uint32(1), c.units[0].SSRC)
	assert.Equal(t, uint32(900), c.units[0].Timestamp)
	assert.False(t, d.Pending(1))
}

func TestCompleteFragment(t *testing.T) {
	c := &collector{}
	d := New(av.Audio, c.emit)

	assert.True(t, d.Process(fragment(FragmentComplete, "XY"), 7, 1, 0))
	assert.Equal(t, []string{"XY"}, c.data())
	assert.False(t, d.Pending(7))

	// a complete unit discards a pending buffer of the same stream
	d.Process(fragment(FragmentFirst, "old"), 7, 2, 0)
	require.True(t, d.Pending(7))
	assert.True(t, d.Process(fragment(FragmentComplete, "new"), 7, 3, 0))
	assert.False(t, d.Pending(7))
	assert.Equal(t, []string{"XY", "new"}, c.data())
	assert.Equal(t, uint64(1), d.Stats().Replaced)
}

func TestOrphanFragments(t *testing.T) {
	c := &collector{}
	d := New(av.Video, c.emit)

	assert.NotPanics(t, func() {
		assert.False(t, d.Process(fragment(FragmentLast, "Z"), 1, 1, 0))
		assert.False(t, d.Process(fragment(FragmentMiddle, "M"), 1, 2, 0))
	})

	assert.Empty(t, c.units)
	assert.False(t, d.Pending(1))
	assert.Equal(t, uint64(2), d.Stats().Orphans)
}

func TestFirstReplacesPendingBuffer(t *testing.T) {
	c := &collector{}
	d := New(av.Video, c.emit)

	d.Process(fragment(FragmentFirst, "lost"), 1, 1, 100)
	d.Process(fragment(FragmentFirst, "A"), 1, 2, 200)
	d.Process(fragment(FragmentLast, "B"), 1, 3, 200)

	assert.Equal(t, []string{"AB"}, c.data())
	assert.Equal(t, uint32(200), c.units[0].Timestamp)
}

func TestCrossStreamIsolation(t *testing.T) {
	c := &collector{}
	d := New(av.Video, c.emit)

	const a, b = 0xA, 0xB
	d.Process(fragment(FragmentFirst, "a1"), a, 1, 0)
	d.Process(fragment(FragmentFirst, "b1"), b, 1, 0)
	d.Process(fragment(FragmentLast, "a2"), a, 2, 0)
	d.Process(fragment(FragmentLast, "b2"), b, 2, 0)

	require.Len(t, c.units, 2)
	assert.Equal(t, uint32(a), c.units[0].SSRC)
	assert.Equal(t, "a1a2", string(c.units[0].Data))
	assert.Equal(t, uint32(b), c.units[1].SSRC)
	assert.Equal(t, "b1b2", string(c.units[1].Data))
}

func TestSequenceGapsAreNotValidated(t *testing.T) {
	c := &collector{}
	d := New(av.Video, c.emit)

	d.Process(fragment(FragmentFirst, "A"), 1, 100, 0)
	d.Process(fragment(FragmentLast, "B"), 1, 5, 0)

	assert.Equal(t, []string{"AB"}, c.data())
}

func TestMalformedPacketKeepsState(t *testing.T) {
	c := &collector{}
	d := New(av.Video, c.emit)

	d.Process(fragment(FragmentFirst, "A"), 1, 1, 0)
	assert.False(t, d.Process([]byte{flagMoreFlags}, 1, 2, 0))
	d.Process(fragment(FragmentLast, "B"), 1, 3, 0)

	assert.Equal(t, []string{"AB"}, c.data())
	assert.Equal(t, uint64(1), d.Stats().Malformed)
}

func TestBuffersDoNotAliasInput(t *testing.T) {
	c := &collector{}
	d := New(av.Video, c.emit)

	buf := fragment(FragmentFirst, "AB")
	d.Process(buf, 1, 1, 0)
	buf[2], buf[3] = 'x', 'x'
	d.Process(fragment(FragmentLast, "C"), 1, 2, 0)

	assert.Equal(t, []string{"ABC"}, c.data())
}

func TestReset(t *testing.T) {
	c := &collector{}
	d := New(av.Video, c.emit)

	d.Process(fragment(FragmentFirst, "A"), 1, 1, 0)
	d.Process(fragment(FragmentFirst, "B"), 2, 1, 0)
	d.Reset()

	assert.False(t, d.Pending(1))
	assert.False(t, d.Pending(2))

	d.Process(fragment(FragmentLast, "C"), 1, 2, 0)
	assert.Empty(t, c.units)
}
