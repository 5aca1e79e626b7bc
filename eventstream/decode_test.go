package eventstream

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode120WithWrap(t *testing.T) {
	// event, wrap marker (counter 3), event: occupancy 3, 12 bytes
	raw := []byte{
		239 - 10, 20, 0x05<<1 | 0x01, 0x10, // x=276, y=10, t=5, polarity
		0x03, 0x00, 0x00, 0x80,
		239 - 0, 7, 0x02 << 1, 0x21, // x=7, y=0, t=0x80|2, threshold crossing
	}
	var offset TimestampOffset
	events := Revision120.Decode(raw, &offset, nil)
	require.Len(t, events, 2)
	assert.Equal(t, PixelEvent{X: 276, Y: 10, Timestamp: 5, Polarity: true}, events[0])
	assert.Equal(t, PixelEvent{X: 7, Y: 0, Timestamp: 3*0x800 + 0x82, IsThresholdCrossing: true}, events[1])
	assert.Equal(t, TimestampOffset(3*0x800), offset)
}

func TestDecode111WithWrap(t *testing.T) {
	raw := []byte{
		0x34, 0x12 | 0x80, 100, 239 - 5, // t=0x1234, x=100, y=5, polarity
	}
	raw = append(raw, WrapMarker111()...)
	raw = append(raw, 0x01, 0x20|0x40, 0x2f, 0) // t=1, x=0x12f=303, y=239, threshold crossing
	var offset TimestampOffset
	events := Revision111.Decode(raw, &offset, nil)
	require.Len(t, events, 2)
	assert.Equal(t, PixelEvent{X: 100, Y: 5, Timestamp: 0x1234, Polarity: true}, events[0])
	assert.Equal(t, PixelEvent{X: 303, Y: 239, Timestamp: 0x2001, IsThresholdCrossing: true}, events[1])

	// A control record that is not the wrap marker changes nothing.
	offset = 0
	events = Revision111.Decode([]byte{0, 0, 0, 0xf3}, &offset, events[:0])
	assert.Empty(t, events)
	assert.Equal(t, TimestampOffset(0), offset)
}

func TestDropOutOfRange(t *testing.T) {
	var offset TimestampOffset
	// x = 0x130 = 304 in both layouts, then y byte 240 in the 1.2.0 layout
	assert.Empty(t, Revision120.Decode([]byte{0, 0x30, 0x01, 0, 240, 0, 0, 0}, &offset, nil))
	assert.Empty(t, Revision111.Decode([]byte{0, 0x20, 0x30, 0}, &offset, nil))
	// trailing partial record ignored
	assert.Len(t, Revision120.Decode([]byte{0, 0, 0, 0, 1, 2}, &offset, nil), 1)
}

func randomEvents(rng *rand.Rand, n int) []PixelEvent {
	events := make([]PixelEvent, n)
	var ts uint64
	for i := range events {
		// mostly small steps, sometimes a gap longer than either counter
		if rng.Intn(20) == 0 {
			ts += uint64(rng.Intn(50000))
		} else {
			ts += uint64(rng.Intn(40))
		}
		events[i] = PixelEvent{
			X:                   uint16(rng.Intn(Width)),
			Y:                   uint16(rng.Intn(Height)),
			Timestamp:           ts,
			Polarity:            rng.Intn(2) == 1,
			IsThresholdCrossing: rng.Intn(2) == 1,
		}
	}
	return events
}

func encodeAll(t *testing.T, rev Revision, events []PixelEvent) []byte {
	enc := NewEncoder(rev)
	var raw []byte
	var err error
	for _, e := range events {
		raw, err = enc.Append(raw, e)
		require.NoError(t, err)
	}
	return raw
}

func TestEncoderReproducesStream(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	for _, rev := range []Revision{Revision111, Revision120} {
		events := randomEvents(rng, 2000)
		raw := encodeAll(t, rev, events)
		var offset TimestampOffset
		got := rev.Decode(raw, &offset, nil)
		assert.Equal(t, events, got, "%v", rev)

		for i := 1; i < len(got); i++ {
			if got[i].Timestamp < got[i-1].Timestamp {
				t.Fatalf("%v: timestamp decreased at event %d", rev, i)
			}
		}
	}
}

func TestSplitTransfers(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	for _, rev := range []Revision{Revision111, Revision120} {
		raw := encodeAll(t, rev, randomEvents(rng, 500))
		var whole TimestampOffset
		want := rev.Decode(raw, &whole, nil)

		for _, split := range []int{0, 4, 40, len(raw) / 2 &^ 3, len(raw)} {
			var offset TimestampOffset
			got := rev.Decode(raw[:split], &offset, nil)
			got = rev.Decode(raw[split:], &offset, got)
			assert.Equal(t, want, got, "%v split at %d", rev, split)
			assert.Equal(t, whole, offset)
		}
	}
}

func TestRevisionNames(t *testing.T) {
	assert.Equal(t, Revision111, RevisionForFirmware("/usr/local/share/opalKellyAtisSepia/atis.1.1.1.bit"))
	assert.Equal(t, Revision120, RevisionForFirmware("/usr/local/share/opalKellyAtisSepia/atis.1.2.0.bit"))
	assert.Equal(t, DefaultRevision, RevisionForFirmware("custom.bit"))

	for _, s := range []string{"atis.1.1.1", "1.1.1", " ATIS.1.1.1 "} {
		r, err := ParseRevision(s)
		assert.NoError(t, err)
		assert.Equal(t, Revision111, r)
	}
	r, err := ParseRevision("atis.1.2.0")
	assert.NoError(t, err)
	assert.Equal(t, "atis.1.2.0", r.String())
	_, err = ParseRevision("2.0")
	assert.Error(t, err)
}

func TestPacked(t *testing.T) {
	e := PixelEvent{X: 303, Y: 17, Timestamp: 1 << 40, IsThresholdCrossing: true}
	b := e.AppendPacked(nil)
	require.Len(t, b, PackedSize)
	assert.Equal(t, e, UnpackEvent(b))
	assert.Equal(t, uint8(FlagThresholdCrossing), e.Flags())
}
