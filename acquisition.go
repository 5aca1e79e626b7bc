package okatis

import (
	"fmt"
	"time"

	"github.com/usnistgov/okatis/eventstream"
)

// LoopState is used to indicate what the acquisition goroutine is doing.
type LoopState int32

// Names for the possible values of LoopState
const (
	LoopIdle     LoopState = iota // not started
	LoopPolling                   // reading the FIFO occupancy, or sleeping on an empty FIFO
	LoopDraining                  // transferring and decoding a FIFO block
	LoopStopped                   // exited after Close
	LoopFaulted                   // exited on an error
)

var loopStateNames = [...]string{"Idle", "Polling", "Draining", "Stopped", "Faulted"}

func (s LoopState) String() string {
	if s < 0 || int(s) >= len(loopStateNames) {
		return fmt.Sprintf("LoopState(%d)", int(s))
	}
	return loopStateNames[s]
}

// LoopState returns the current acquisition state.
func (c *Camera) LoopState() LoopState {
	return LoopState(c.loopState.Load())
}

func (c *Camera) setLoopState(s LoopState) {
	c.loopState.Store(int32(s))
}

// acquire runs the polling loop, records how it ended, and closes the queue
// so that dispatch finishes.
func (c *Camera) acquire() {
	defer c.runDone.Done()
	err := c.poll()
	if err != nil {
		c.setLoopState(LoopFaulted)
		c.setState(Faulted)
		ProblemLogger.Printf("ATIS session %s: acquisition stopped: %v", c.id, err)
	} else {
		c.setLoopState(LoopStopped)
	}
	c.fault = err
	close(c.queue)
}

// poll drains the board FIFO until the stop flag is set or something fails.
// Events still in the board FIFO when the flag is seen are abandoned.
func (c *Camera) poll() error {
	var offset eventstream.TimestampOffset
	var raw []byte
	events := make([]eventstream.PixelEvent, 0, 4096)

	for !c.stop.Load() {
		c.setLoopState(LoopPolling)
		occupancy, err := c.readOccupancy()
		if err != nil {
			return fmt.Errorf("%w: reading FIFO occupancy: %v", ErrTransferFailed, err)
		}

		switch {
		case occupancy > fifoCapacity:
			c.stats.Record(occupancy, 0)
			c.hardwareLock.Lock()
			connected := isConnected(c.panel, c.serial)
			c.hardwareLock.Unlock()
			if !connected {
				return fmt.Errorf("%w: serial %s no longer enumerates", ErrDeviceDisconnected, c.serial)
			}
			return fmt.Errorf("%w: occupancy %d exceeds capacity %d", ErrFifoOverflow, occupancy, fifoCapacity)

		case occupancy > 0:
			c.setLoopState(LoopDraining)
			n := int(occupancy) * eventstream.RecordSize
			if cap(raw) < n {
				raw = make([]byte, n)
			}
			raw = raw[:n]
			c.hardwareLock.Lock()
			_, err := c.panel.ReadFromPipeOut(pipeEvents, raw)
			c.hardwareLock.Unlock()
			if err != nil {
				return fmt.Errorf("%w: reading %d bytes: %v", ErrTransferFailed, n, err)
			}
			events = c.revision.Decode(raw, &offset, events[:0])
			for _, e := range events {
				select {
				case c.queue <- e:
				default:
					return fmt.Errorf("%w (queue holds %d events)", ErrConsumerQueueFull, cap(c.queue))
				}
			}
			c.stats.Record(occupancy, len(events))

		default:
			c.hardwareLock.Lock()
			current := c.panel.CurrentSerial()
			c.hardwareLock.Unlock()
			if current != c.serial {
				return fmt.Errorf("%w: serial %s reads back as %q", ErrDeviceDisconnected, c.serial, current)
			}
			c.stats.Record(0, 0)
			time.Sleep(c.config.sleep)
		}
	}
	return nil
}

// readOccupancy returns the number of events in the board FIFO. The board
// reports it in blocks of 32 on two wire-outs.
func (c *Camera) readOccupancy() (uint64, error) {
	c.hardwareLock.Lock()
	defer c.hardwareLock.Unlock()
	high, err := c.panel.ReadStatusWord(statusOccupancyHigh)
	if err != nil {
		return 0, err
	}
	low, err := c.panel.ReadStatusWord(statusOccupancyLow)
	if err != nil {
		return 0, err
	}
	return uint64(high)<<21 + uint64(low)<<5, nil
}
