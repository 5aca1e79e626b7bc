package okatis

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

const defaultStatsWindow = 1024

// PollStats keeps the FIFO occupancy of the most recent polls, so that a
// consumer can see how close acquisition runs to the board capacity.
type PollStats struct {
	sync.Mutex
	occupancy []float64 // ring buffer of the last len(occupancy) polls
	next      int
	filled    bool
	polls     uint64
	idlePolls uint64
	events    uint64
	peak      uint64
	started   time.Time
}

// PollSummary is a snapshot of PollStats.
type PollSummary struct {
	Polls         uint64
	IdlePolls     uint64
	Events        uint64
	PeakOccupancy uint64
	MeanOccupancy float64 // over the recent window
	StdOccupancy  float64
	FillFraction  float64 // mean occupancy / board FIFO capacity
	EventRate     float64 // events per second since the first poll
}

// NewPollStats keeps a window of the last n polls.
func NewPollStats(n int) *PollStats {
	if n < 1 {
		n = 1
	}
	return &PollStats{occupancy: make([]float64, n)}
}

// Record notes one poll that found occupancy events and decoded nevents of them.
func (ps *PollStats) Record(occupancy uint64, nevents int) {
	ps.Lock()
	defer ps.Unlock()
	if ps.polls == 0 {
		ps.started = time.Now()
	}
	ps.polls++
	if occupancy == 0 {
		ps.idlePolls++
	}
	if occupancy > ps.peak {
		ps.peak = occupancy
	}
	ps.events += uint64(nevents)
	ps.occupancy[ps.next] = float64(occupancy)
	ps.next++
	if ps.next == len(ps.occupancy) {
		ps.next = 0
		ps.filled = true
	}
}

// Summary computes the current snapshot.
func (ps *PollStats) Summary() PollSummary {
	ps.Lock()
	defer ps.Unlock()
	s := PollSummary{
		Polls:         ps.polls,
		IdlePolls:     ps.idlePolls,
		Events:        ps.events,
		PeakOccupancy: ps.peak,
	}
	window := ps.occupancy[:ps.next]
	if ps.filled {
		window = ps.occupancy
	}
	switch len(window) {
	case 0:
	case 1:
		s.MeanOccupancy = window[0]
	default:
		s.MeanOccupancy, s.StdOccupancy = stat.MeanStdDev(window, nil)
	}
	s.FillFraction = s.MeanOccupancy / fifoCapacity
	if elapsed := time.Since(ps.started).Seconds(); ps.polls > 0 && elapsed > 0 {
		s.EventRate = float64(ps.events) / elapsed
	}
	return s
}
