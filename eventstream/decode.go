package eventstream

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Revision identifies the event record layout of a firmware build.
type Revision int

// Known layouts.
const (
	RevisionUnknown Revision = iota
	Revision111              // firmware atis.1.1.1: 13-bit counter, wrap markers add 0x2000
	Revision120              // firmware atis.1.2.0: 11-bit counter, wrap markers carry the base
)

// DefaultRevision matches the default firmware file.
const DefaultRevision = Revision120

var revisionNames = map[Revision]string{
	Revision111: "atis.1.1.1",
	Revision120: "atis.1.2.0",
}

func (r Revision) String() string {
	if name, ok := revisionNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Revision(%d)", int(r))
}

// ParseRevision accepts "atis.1.1.1", "1.1.1", "atis.1.2.0" or "1.2.0".
func ParseRevision(s string) (Revision, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "atis.")
	switch s {
	case "1.1.1":
		return Revision111, nil
	case "1.2.0":
		return Revision120, nil
	}
	return RevisionUnknown, fmt.Errorf("unknown event protocol revision %q", s)
}

// RevisionForFirmware guesses the layout from a bitfile name such as
// /usr/local/share/opalKellyAtisSepia/atis.1.1.1.bit. Names that mention
// neither revision get DefaultRevision.
func RevisionForFirmware(path string) Revision {
	base := filepath.Base(path)
	switch {
	case strings.Contains(base, "1.1.1"):
		return Revision111
	case strings.Contains(base, "1.2.0"):
		return Revision120
	}
	return DefaultRevision
}

// Decode appends the events found in raw to dst and returns the extended slice.
// Records are read in order, four bytes at a time; a trailing partial record is
// ignored. Wrap markers update offset and emit nothing. Records that decode to
// coordinates outside the sensor are dropped.
func (r Revision) Decode(raw []byte, offset *TimestampOffset, dst []PixelEvent) []PixelEvent {
	switch r {
	case Revision111:
		return decode111(raw, offset, dst)
	case Revision120:
		return decode120(raw, offset, dst)
	}
	panic(fmt.Sprintf("eventstream: Decode with %v", r))
}

// atis.1.1.1 layout
//
//	b0: t[7:0]
//	b1: pol | tc | x[8] | t[12:8]
//	b2: x[7:0]
//	b3: 239-y, or >= 240 for control records
const (
	wrap111Step = 0x2000
	wrap111X    = 305
	wrap111T    = 0x1555
)

func decode111(raw []byte, offset *TimestampOffset, dst []PixelEvent) []PixelEvent {
	for i := 0; i+RecordSize <= len(raw); i += RecordSize {
		b := raw[i : i+RecordSize]
		x := uint16(b[1]&0x20)<<3 | uint16(b[2])
		t := uint64(b[1]&0x1f)<<8 | uint64(b[0])
		if b[3] < Height {
			if x >= Width {
				continue
			}
			dst = append(dst, PixelEvent{
				X:                   x,
				Y:                   Height - 1 - uint16(b[3]),
				Timestamp:           uint64(*offset) + t,
				Polarity:            b[1]&0x80 != 0,
				IsThresholdCrossing: b[1]&0x40 != 0,
			})
		} else if b[3] == Height && x == wrap111X && t == wrap111T {
			*offset += wrap111Step
		}
	}
	return dst
}

// atis.1.2.0 layout
//
//	b0: 239-y
//	b1: x[7:0]
//	b2: t[6:0] | x[8]
//	b3: 0 | 0 | tc | pol | t[10:7], or 0x80 for a wrap marker whose
//	    b0..b2 hold a 24-bit counter of 0x800-tick periods
const (
	wrap120Tag  = 0x80
	wrap120Unit = 0x800
)

func decode120(raw []byte, offset *TimestampOffset, dst []PixelEvent) []PixelEvent {
	for i := 0; i+RecordSize <= len(raw); i += RecordSize {
		b := raw[i : i+RecordSize]
		if b[3] == wrap120Tag {
			*offset = TimestampOffset(uint64(b[0])|uint64(b[1])<<8|uint64(b[2])<<16) * wrap120Unit
			continue
		}
		x := uint16(b[2]&0x01)<<8 | uint16(b[1])
		if x >= Width || b[0] >= Height {
			continue
		}
		dst = append(dst, PixelEvent{
			X:                   x,
			Y:                   Height - 1 - uint16(b[0]),
			Timestamp:           uint64(*offset) + (uint64(b[3]&0x0f)<<7 | uint64(b[2]>>1)),
			Polarity:            b[3]&0x10 != 0,
			IsThresholdCrossing: b[3]&0x20 != 0,
		})
	}
	return dst
}
