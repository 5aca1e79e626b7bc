// Package okatis drives an ATIS event camera attached to an Opal Kelly FPGA
// board. A Camera programs the sensor biases and region of interest, then
// polls the board FIFO on its own goroutine and hands every decoded
// eventstream.PixelEvent to the caller.
package okatis

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/usnistgov/okatis/eventstream"
	"github.com/usnistgov/okatis/okfp"
)

// EventHandler receives events in FIFO order. It runs on the camera's
// dispatch goroutine and must not call Close.
type EventHandler func(eventstream.PixelEvent)

// FaultHandler is called exactly once per opened Camera, after the last event
// has been handed to the EventHandler: with nil when Close stopped the
// acquisition, or with the error that stopped it. It must not call Close.
type FaultHandler func(error)

// CameraState is used to indicate where a Camera is in its single-use lifecycle
type CameraState int

// Names for the possible values of CameraState
const (
	Idle    CameraState = iota // Camera was never opened
	Opening                    // Bring-up in progress
	Running                    // Acquisition goroutine is polling the board
	Faulted                    // Acquisition stopped on an error; Close still releases the board
	Closed                     // Board released; the Camera cannot be opened again
)

var cameraStateNames = [...]string{"Idle", "Opening", "Running", "Faulted", "Closed"}

func (s CameraState) String() string {
	if s < 0 || int(s) >= len(cameraStateNames) {
		return fmt.Sprintf("CameraState(%d)", int(s))
	}
	return cameraStateNames[s]
}

// Defaults for the Camera options.
const (
	DefaultQueueSize     = 1 << 20
	DefaultSleepDuration = 10 * time.Millisecond
)

type cameraConfig struct {
	serial    string
	queueSize int
	sleep     time.Duration
	revision  eventstream.Revision
}

func defaultCameraConfig() cameraConfig {
	return cameraConfig{
		queueSize: DefaultQueueSize,
		sleep:     DefaultSleepDuration,
	}
}

// Option configures a Camera.
type Option func(*cameraConfig)

// WithSerial selects the board to open. The default "" opens the first board.
func WithSerial(serial string) Option {
	return func(c *cameraConfig) { c.serial = serial }
}

// WithQueueSize sets the capacity of the event queue between the acquisition
// and dispatch goroutines. A full queue is a fault.
func WithQueueSize(n int) Option {
	return func(c *cameraConfig) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithSleepDuration sets how long the acquisition goroutine sleeps after
// finding the board FIFO empty.
func WithSleepDuration(d time.Duration) Option {
	return func(c *cameraConfig) {
		if d > 0 {
			c.sleep = d
		}
	}
}

// WithRevision forces the event layout, overriding the one implied by the
// parameters.
func WithRevision(r eventstream.Revision) Option {
	return func(c *cameraConfig) { c.revision = r }
}

// Camera is one session with one ATIS board. It can be opened once.
type Camera struct {
	panel  okfp.FrontPanel
	config cameraConfig
	id     ulid.ULID

	lifecycle       sync.Mutex // serializes Open and Close
	state           CameraState
	sourceStateLock sync.Mutex // guards state, serial and revision
	hardwareLock    sync.Mutex // serializes calls into panel

	serial    string
	params    *Parameters
	revision  eventstream.Revision
	stop      atomic.Bool
	loopState atomic.Int32
	queue     chan eventstream.PixelEvent
	fault     error // written by the acquisition goroutine before it closes queue
	faultOnce sync.Once
	runDone   sync.WaitGroup
	delivered atomic.Uint64
	stats     *PollStats
	openedAt  time.Time
}

// NewCamera returns an idle Camera that will drive the board behind panel.
func NewCamera(panel okfp.FrontPanel, opts ...Option) *Camera {
	config := defaultCameraConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return &Camera{
		panel:  panel,
		config: config,
		id:     ulid.Make(),
		stats:  NewPollStats(defaultStatsWindow),
	}
}

// Open runs the bring-up sequence with params (DefaultParameters when nil),
// then starts acquisition. Bring-up errors are returned here and leave the
// Camera closed. After a successful Open, events flow to handleEvent and the
// end of acquisition is reported once to handleFault.
func (c *Camera) Open(params *Parameters, handleEvent EventHandler, handleFault FaultHandler) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if state := c.State(); state != Idle {
		return fmt.Errorf("%w (state %v)", ErrCameraReused, state)
	}
	if params == nil {
		params = DefaultParameters()
	}
	if err := params.Validate(); err != nil {
		return err
	}
	revision := params.Revision()
	if c.config.revision != eventstream.RevisionUnknown {
		revision = c.config.revision
	}
	c.params = params
	c.sourceStateLock.Lock()
	c.state = Opening
	c.revision = revision
	c.sourceStateLock.Unlock()

	c.hardwareLock.Lock()
	serial, err := bringUp(c.panel, params, c.config.serial)
	c.hardwareLock.Unlock()
	c.sourceStateLock.Lock()
	c.serial = serial
	c.sourceStateLock.Unlock()
	if err != nil {
		ProblemLogger.Printf("ATIS session %s: bring-up failed: %v", c.id, err)
		c.release()
		c.setState(Closed)
		return err
	}

	c.queue = make(chan eventstream.PixelEvent, c.config.queueSize)
	c.openedAt = time.Now()
	c.setState(Running)
	c.runDone.Add(2)
	go c.acquire()
	go c.dispatch(handleEvent, handleFault)
	UpdateLogger.Printf("ATIS session %s: board %s acquiring, %v events", c.id, serial, revision)
	return nil
}

// Trigger forces a change detection on every enabled pixel. It does not wait
// for the resulting events. It works from a successful Open until Close,
// including after acquisition has faulted.
func (c *Camera) Trigger() error {
	switch state := c.State(); state {
	case Running, Faulted:
	default:
		return fmt.Errorf("%w (state %v)", ErrNotOpen, state)
	}
	c.hardwareLock.Lock()
	defer c.hardwareLock.Unlock()
	if !c.panel.IsOpen() {
		return fmt.Errorf("%w: board already released", ErrNotOpen)
	}
	if err := c.panel.SetRegister(wireControl, 1<<ctrlSoftwareTrigger, 1<<ctrlSoftwareTrigger); err != nil {
		return fmt.Errorf("%w: %v", ErrRegisterWriteFailed, err)
	}
	if err := c.panel.SetRegister(wireControl, 0, 1<<ctrlSoftwareTrigger); err != nil {
		return fmt.Errorf("%w: %v", ErrRegisterWriteFailed, err)
	}
	return nil
}

// Close stops acquisition, waits for the acquisition and dispatch goroutines,
// and releases the board. Closing a Camera that was never opened, or closing
// twice, does nothing.
func (c *Camera) Close() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	switch c.State() {
	case Idle, Closed:
		return nil
	}
	c.stop.Store(true)
	c.runDone.Wait()
	err := c.release()
	c.setState(Closed)
	UpdateLogger.Printf("ATIS session %s: closed after %v, %d events delivered",
		c.id, time.Since(c.openedAt).Round(time.Millisecond), c.delivered.Load())
	return err
}

// release closes the panel if it is open.
func (c *Camera) release() error {
	c.hardwareLock.Lock()
	defer c.hardwareLock.Unlock()
	if c.panel.IsOpen() {
		return c.panel.Close()
	}
	return nil
}

// State returns the lifecycle state.
func (c *Camera) State() CameraState {
	c.sourceStateLock.Lock()
	defer c.sourceStateLock.Unlock()
	return c.state
}

func (c *Camera) setState(s CameraState) {
	c.sourceStateLock.Lock()
	defer c.sourceStateLock.Unlock()
	c.state = s
}

// SessionID identifies this Camera in logs and the session database.
func (c *Camera) SessionID() string {
	return c.id.String()
}

// Serial is the serial of the opened board, or "" before Open.
func (c *Camera) Serial() string {
	c.sourceStateLock.Lock()
	defer c.sourceStateLock.Unlock()
	return c.serial
}

// Revision is the event layout used to decode the stream.
func (c *Camera) Revision() eventstream.Revision {
	c.sourceStateLock.Lock()
	defer c.sourceStateLock.Unlock()
	return c.revision
}

// Delivered counts the events handed to the EventHandler so far.
func (c *Camera) Delivered() uint64 {
	return c.delivered.Load()
}

// Stats summarizes the recent FIFO polls.
func (c *Camera) Stats() PollSummary {
	return c.stats.Summary()
}

// dispatch hands queued events to handleEvent until acquisition closes the
// queue, then reports how acquisition ended.
func (c *Camera) dispatch(handleEvent EventHandler, handleFault FaultHandler) {
	defer c.runDone.Done()
	for e := range c.queue {
		if handleEvent != nil {
			handleEvent(e)
		}
		c.delivered.Add(1)
	}
	c.faultOnce.Do(func() {
		if handleFault != nil {
			handleFault(c.fault)
		}
	})
}
