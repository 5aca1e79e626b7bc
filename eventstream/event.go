// Package eventstream decodes the 4-byte event records read from the Opal Kelly
// ATIS pipe-out into PixelEvents, reconstructing absolute timestamps across the
// hardware counter wraps.
//
// Two firmware revisions exist with different record layouts. They are
// alternative protocols, not versions of one another: a session decodes with
// exactly one of them, picked from the firmware file it loaded.
package eventstream

import (
	"encoding/binary"
	"fmt"
)

// Sensor geometry.
const (
	Width  = 304
	Height = 240
)

// RecordSize is the number of bytes per FIFO entry.
const RecordSize = 4

// PixelEvent is one change-detection or exposure-measurement event.
// X < Width and Y < Height always hold.
type PixelEvent struct {
	X                   uint16
	Y                   uint16
	Timestamp           uint64 // microseconds since the FIFO was reset
	Polarity            bool
	IsThresholdCrossing bool
}

func (e PixelEvent) String() string {
	return fmt.Sprintf("{t=%d x=%d y=%d pol=%v tc=%v}", e.Timestamp, e.X, e.Y, e.Polarity, e.IsThresholdCrossing)
}

// PackedSize is the length of an event as written by AppendPacked.
const PackedSize = 16

// Flag bits of the packed representation.
const (
	FlagPolarity          = 1 << 0
	FlagThresholdCrossing = 1 << 1
)

// Flags returns the polarity and threshold-crossing bits as FlagPolarity|FlagThresholdCrossing.
func (e PixelEvent) Flags() uint8 {
	var f uint8
	if e.Polarity {
		f |= FlagPolarity
	}
	if e.IsThresholdCrossing {
		f |= FlagThresholdCrossing
	}
	return f
}

// AppendPacked appends the little-endian packed form of e to b:
// timestamp (8 bytes), x (2), y (2), flags (1), then 3 bytes of padding.
func (e PixelEvent) AppendPacked(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, e.Timestamp)
	b = binary.LittleEndian.AppendUint16(b, e.X)
	b = binary.LittleEndian.AppendUint16(b, e.Y)
	return append(b, e.Flags(), 0, 0, 0)
}

// UnpackEvent is the inverse of AppendPacked. b must hold at least PackedSize bytes.
func UnpackEvent(b []byte) PixelEvent {
	flags := b[12]
	return PixelEvent{
		Timestamp:           binary.LittleEndian.Uint64(b),
		X:                   binary.LittleEndian.Uint16(b[8:]),
		Y:                   binary.LittleEndian.Uint16(b[10:]),
		Polarity:            flags&FlagPolarity != 0,
		IsThresholdCrossing: flags&FlagThresholdCrossing != 0,
	}
}

// TimestampOffset is the high part of the timestamp, advanced by wrap markers.
// It belongs to the goroutine that decodes the stream.
type TimestampOffset uint64
