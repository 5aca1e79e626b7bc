package sessiondb

import "time"

// The composite types used for messages to the ClickHouse database.

// SessionMessage is the information for the atissessions table. A row is
// inserted when the session starts and again, with End set, when it stops.
type SessionMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	Serial    string
	Firmware  string
	Revision  string
	Events    uint64
	Fault     string
	Start     time.Time
	End       time.Time
}

// PollMessage is one row of the atispolls table, a periodic sample of the
// acquisition statistics.
type PollMessage struct {
	SessionID     string
	Time          time.Time
	Polls         uint64
	IdlePolls     uint64
	Events        uint64
	PeakOccupancy uint64
	MeanOccupancy float64
	EventRate     float64
}
