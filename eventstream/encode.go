package eventstream

import "fmt"

// Encoder produces the raw records a device running the given firmware would
// emit for a sequence of events, inserting wrap markers as the timestamps
// cross counter periods. The simulated front panel uses it.
type Encoder struct {
	rev    Revision
	offset uint64
}

// NewEncoder returns an Encoder whose offset starts at zero, like a freshly
// reset FIFO.
func NewEncoder(rev Revision) *Encoder {
	return &Encoder{rev: rev}
}

// Append appends the records for e to buf. Events must come in non-decreasing
// timestamp order.
func (enc *Encoder) Append(buf []byte, e PixelEvent) ([]byte, error) {
	if e.X >= Width || e.Y >= Height {
		return buf, fmt.Errorf("event %v outside the %dx%d sensor", e, Width, Height)
	}
	if e.Timestamp < enc.offset {
		return buf, fmt.Errorf("event %v is older than the current offset %d", e, enc.offset)
	}
	y := byte(Height - 1 - e.Y)
	switch enc.rev {
	case Revision111:
		for e.Timestamp-enc.offset >= wrap111Step {
			buf = append(buf, WrapMarker111()...)
			enc.offset += wrap111Step
		}
		t := e.Timestamp - enc.offset
		b1 := byte(t>>8)&0x1f | byte(e.X>>8)<<5
		if e.IsThresholdCrossing {
			b1 |= 0x40
		}
		if e.Polarity {
			b1 |= 0x80
		}
		return append(buf, byte(t), b1, byte(e.X), y), nil

	case Revision120:
		if e.Timestamp-enc.offset >= wrap120Unit {
			counter := e.Timestamp / wrap120Unit
			if counter >= 1<<24 {
				return buf, fmt.Errorf("timestamp %d beyond the 24-bit wrap counter", e.Timestamp)
			}
			buf = append(buf, WrapMarker120(uint32(counter))...)
			enc.offset = counter * wrap120Unit
		}
		t := e.Timestamp - enc.offset
		b3 := byte(t>>7) & 0x0f
		if e.Polarity {
			b3 |= 0x10
		}
		if e.IsThresholdCrossing {
			b3 |= 0x20
		}
		return append(buf, y, byte(e.X), byte(t&0x7f)<<1|byte(e.X>>8)&0x01, b3), nil
	}
	return buf, fmt.Errorf("cannot encode for %v", enc.rev)
}

// WrapMarker111 is the atis.1.1.1 record that advances the offset by 0x2000 ticks.
func WrapMarker111() []byte {
	return []byte{0x55, 0x35, 0x31, 0xf0}
}

// WrapMarker120 is the atis.1.2.0 record that sets the offset to counter*0x800.
func WrapMarker120(counter uint32) []byte {
	return []byte{byte(counter), byte(counter >> 8), byte(counter >> 16), wrap120Tag}
}
