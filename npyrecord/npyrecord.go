// Package npyrecord writes camera events to disk as numpy .npy column files.
//
// Events are buffered and written in chunks. Chunk k of a recording consists of
// five files in the recording directory, one per column:
//
//	chunk-<k>-t.npy   uint64 timestamps
//	chunk-<k>-x.npy   uint16 columns
//	chunk-<k>-y.npy   uint16 rows
//	chunk-<k>-p.npy   uint8 polarity (0 or 1)
//	chunk-<k>-tc.npy  uint8 threshold crossing (0 or 1)
package npyrecord

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sbinet/npyio"
	"github.com/usnistgov/okatis/eventstream"
)

// DefaultChunkEvents is the number of events per chunk unless set otherwise.
const DefaultChunkEvents = 1 << 20

// ErrClosed is returned for writes after Close.
var ErrClosed = errors.New("npyrecord: recorder is closed")

// Recorder accumulates events and writes them as .npy chunks.
type Recorder struct {
	sync.Mutex
	dir         string
	chunkEvents int
	chunk       int
	written     int
	closed      bool
	err         error // first write error; later events are discarded

	t  []uint64
	x  []uint16
	y  []uint16
	p  []uint8
	tc []uint8
}

// Create makes dir (if needed) and returns a Recorder writing into it.
// chunkEvents <= 0 means DefaultChunkEvents.
func Create(dir string, chunkEvents int) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, err
	}
	if chunkEvents <= 0 {
		chunkEvents = DefaultChunkEvents
	}
	r := &Recorder{dir: dir, chunkEvents: chunkEvents}
	r.reset()
	return r, nil
}

func (r *Recorder) reset() {
	r.t = make([]uint64, 0, r.chunkEvents)
	r.x = make([]uint16, 0, r.chunkEvents)
	r.y = make([]uint16, 0, r.chunkEvents)
	r.p = make([]uint8, 0, r.chunkEvents)
	r.tc = make([]uint8, 0, r.chunkEvents)
}

// HandleEvent buffers e, writing a chunk when the buffer is full. It has the
// EventHandler signature; write errors are kept for Close.
func (r *Recorder) HandleEvent(e eventstream.PixelEvent) {
	r.Lock()
	defer r.Unlock()
	if r.closed || r.err != nil {
		return
	}
	r.t = append(r.t, e.Timestamp)
	r.x = append(r.x, e.X)
	r.y = append(r.y, e.Y)
	r.p = append(r.p, boolByte(e.Polarity))
	r.tc = append(r.tc, boolByte(e.IsThresholdCrossing))
	if len(r.t) >= r.chunkEvents {
		r.err = r.flush()
	}
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// flush writes the buffered events as the next chunk. Caller holds r's lock.
func (r *Recorder) flush() error {
	if len(r.t) == 0 {
		return nil
	}
	columns := []struct {
		name string
		data interface{}
	}{
		{"t", r.t}, {"x", r.x}, {"y", r.y}, {"p", r.p}, {"tc", r.tc},
	}
	for _, col := range columns {
		if err := writeNpy(r.chunkPath(r.chunk, col.name), col.data); err != nil {
			return err
		}
	}
	r.written += len(r.t)
	r.chunk++
	r.reset()
	return nil
}

func (r *Recorder) chunkPath(chunk int, column string) string {
	return filepath.Join(r.dir, fmt.Sprintf("chunk-%05d-%s.npy", chunk, column))
}

func writeNpy(name string, data interface{}) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := npyio.Write(f, data); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return f.Close()
}

// Written returns the number of events already on disk.
func (r *Recorder) Written() int {
	r.Lock()
	defer r.Unlock()
	return r.written
}

// Chunks returns the number of complete chunks on disk.
func (r *Recorder) Chunks() int {
	r.Lock()
	defer r.Unlock()
	return r.chunk
}

// Close writes any buffered events and returns the first error met.
func (r *Recorder) Close() error {
	r.Lock()
	defer r.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.closed = true
	if r.err == nil {
		r.err = r.flush()
	}
	return r.err
}

// ReadChunk loads chunk k of the recording in dir.
func ReadChunk(dir string, chunk int) ([]eventstream.PixelEvent, error) {
	r := &Recorder{dir: dir}
	var t []uint64
	var x, y []uint16
	var p, tc []uint8
	targets := []struct {
		name string
		ptr  interface{}
	}{
		{"t", &t}, {"x", &x}, {"y", &y}, {"p", &p}, {"tc", &tc},
	}
	for _, target := range targets {
		f, err := os.Open(r.chunkPath(chunk, target.name))
		if err != nil {
			return nil, err
		}
		err = npyio.Read(f, target.ptr)
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	n := len(t)
	if len(x) != n || len(y) != n || len(p) != n || len(tc) != n {
		return nil, fmt.Errorf("npyrecord: chunk %d columns have different lengths", chunk)
	}
	events := make([]eventstream.PixelEvent, n)
	for i := range events {
		events[i] = eventstream.PixelEvent{
			X:                   x[i],
			Y:                   y[i],
			Timestamp:           t[i],
			Polarity:            p[i] != 0,
			IsThresholdCrossing: tc[i] != 0,
		}
	}
	return events, nil
}
