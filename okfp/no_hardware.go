package okfp

import (
	"bytes"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/usnistgov/okatis/eventstream"
)

// Board-side view of the ATIS firmware endpoints the simulator reacts to.
const (
	nhControlWire   = 0x00
	nhStreamingBit  = 10
	nhTriggerBank   = 0x40
	nhResetFIFOBit  = 7
	nhOccupancyLow  = 0x20
	nhOccupancyHigh = 0x21
	nhEventPipe     = 0xa0
	nhBlockEvents   = 32 // the FIFO fills in bursts of this many records
)

// fillerRecord decodes to nothing under either event layout (x = 511).
var fillerRecord = []byte{0xff, 0xff, 0xff, 0x7f}

// Op is one host command seen by NoHardware.
type Op struct {
	Name  string
	Addr  uint32
	Value uint32
	Mask  uint32
	Bit   uint
	Arg   string
}

func (op Op) String() string {
	switch op.Name {
	case "SetRegister":
		return fmt.Sprintf("SetRegister(%#02x, %#x, %#x)", op.Addr, op.Value, op.Mask)
	case "PulseTrigger":
		return fmt.Sprintf("PulseTrigger(%#02x, %d)", op.Addr, op.Bit)
	}
	return fmt.Sprintf("%s(%s)", op.Name, op.Arg)
}

// NoHardware is a drop-in FrontPanel that requires no hardware. It keeps the
// wire-in state, records every command, serves injected or generated event
// records through the pipe-out, and can be told to fail or to vanish.
type NoHardware struct {
	mu           sync.Mutex
	serials      []string
	serial       string
	isOpen       bool
	disconnected bool
	bitfile      string
	wires        map[uint32]uint32
	ops          []Op
	failures     map[string]error

	fifo         bytes.Buffer
	occupancy    uint32 // forced occupancy when overrideSet
	overrideSet  bool
	statusReads  int
	pipeReads    int
	bytesRead    int
	revision     eventstream.Revision
	encoder      *eventstream.Encoder
	rate         float64 // synthetic events per second, 0 for none
	lastGenerate time.Time
	clock        uint64 // synthetic microseconds since FIFO reset
	rng          *rand.Rand
}

// NewNoHardware returns a simulator that enumerates the given serials.
func NewNoHardware(serials ...string) *NoHardware {
	return &NoHardware{
		serials:  append([]string(nil), serials...),
		wires:    make(map[uint32]uint32),
		failures: make(map[string]error),
		revision: eventstream.DefaultRevision,
		encoder:  eventstream.NewEncoder(eventstream.DefaultRevision),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func init() {
	Register("nohardware", func() (FrontPanel, error) {
		nh := NewNoHardware("NOHARDWARE0")
		nh.Generate(20000)
		return nh, nil
	})
}

// FailOn makes every later call of the named method return err. A nil err
// clears the failure.
func (nh *NoHardware) FailOn(method string, err error) {
	nh.mu.Lock()
	defer nh.mu.Unlock()
	if err == nil {
		delete(nh.failures, method)
		return
	}
	nh.failures[method] = err
}

// Generate makes the board produce random events at rate per second while
// streaming is enabled.
func (nh *NoHardware) Generate(rate float64) {
	nh.mu.Lock()
	defer nh.mu.Unlock()
	nh.rate = rate
	nh.lastGenerate = time.Now()
}

// SetOccupancy forces the occupancy reported by the status words, as a broken
// or overflowing board would.
func (nh *NoHardware) SetOccupancy(events uint32) {
	nh.mu.Lock()
	defer nh.mu.Unlock()
	nh.occupancy = events
	nh.overrideSet = true
}

// Disconnect unplugs the board: it leaves the enumeration, its serial reads
// back empty, and its FIFO reads as empty.
func (nh *NoHardware) Disconnect() {
	nh.mu.Lock()
	defer nh.mu.Unlock()
	nh.disconnected = true
	kept := nh.serials[:0]
	for _, s := range nh.serials {
		if s != nh.serial {
			kept = append(kept, s)
		}
	}
	nh.serials = kept
}

// InjectRaw appends raw records to the FIFO.
func (nh *NoHardware) InjectRaw(raw []byte) {
	nh.mu.Lock()
	defer nh.mu.Unlock()
	nh.fifo.Write(raw)
}

// InjectEvents encodes events for the loaded firmware and appends them to the
// FIFO. Timestamps must not go backwards since the last FIFO reset.
func (nh *NoHardware) InjectEvents(events ...eventstream.PixelEvent) error {
	nh.mu.Lock()
	defer nh.mu.Unlock()
	var raw []byte
	var err error
	for _, e := range events {
		if raw, err = nh.encoder.Append(raw, e); err != nil {
			return err
		}
		if e.Timestamp > nh.clock {
			nh.clock = e.Timestamp
		}
	}
	nh.fifo.Write(raw)
	return nil
}

// Ops returns a copy of the command log.
func (nh *NoHardware) Ops() []Op {
	nh.mu.Lock()
	defer nh.mu.Unlock()
	return append([]Op(nil), nh.ops...)
}

// Wire returns the current value of a wire-in.
func (nh *NoHardware) Wire(addr uint32) uint32 {
	nh.mu.Lock()
	defer nh.mu.Unlock()
	return nh.wires[addr]
}

// Bitfile returns the path given to ConfigureFPGA.
func (nh *NoHardware) Bitfile() string {
	nh.mu.Lock()
	defer nh.mu.Unlock()
	return nh.bitfile
}

// BytesRead returns the number of bytes served through the pipe-out.
func (nh *NoHardware) BytesRead() int {
	nh.mu.Lock()
	defer nh.mu.Unlock()
	return nh.bytesRead
}

// Inspect prints the simulator state.
func (nh *NoHardware) Inspect() string {
	nh.mu.Lock()
	defer nh.mu.Unlock()
	return spew.Sdump(nh.serials, nh.serial, nh.isOpen, nh.bitfile, nh.wires,
		nh.fifo.Len(), nh.statusReads, nh.pipeReads, nh.bytesRead)
}

// record logs op and returns the injected failure for its method, if any.
// Caller holds nh.mu.
func (nh *NoHardware) record(op Op) error {
	nh.ops = append(nh.ops, op)
	return nh.failures[op.Name]
}

// Enumerate lists the connected serials.
func (nh *NoHardware) Enumerate() ([]string, error) {
	nh.mu.Lock()
	defer nh.mu.Unlock()
	if err := nh.failures["Enumerate"]; err != nil {
		return nil, err
	}
	return append([]string(nil), nh.serials...), nil
}

// OpenBySerial errors if already open or if serial is not connected.
func (nh *NoHardware) OpenBySerial(serial string) error {
	nh.mu.Lock()
	defer nh.mu.Unlock()
	if err := nh.record(Op{Name: "OpenBySerial", Arg: serial}); err != nil {
		return err
	}
	if nh.isOpen {
		return fmt.Errorf("NoHardware.OpenBySerial: already open")
	}
	found := false
	for _, s := range nh.serials {
		found = found || s == serial
	}
	if !found {
		return fmt.Errorf("NoHardware.OpenBySerial: no board %q", serial)
	}
	nh.serial = serial
	nh.isOpen = true
	return nil
}

// LoadDefaultPLLConfiguration errors if not open.
func (nh *NoHardware) LoadDefaultPLLConfiguration() error {
	nh.mu.Lock()
	defer nh.mu.Unlock()
	if err := nh.record(Op{Name: "LoadDefaultPLLConfiguration"}); err != nil {
		return err
	}
	if !nh.isOpen {
		return fmt.Errorf("NoHardware.LoadDefaultPLLConfiguration: not open")
	}
	return nil
}

// ConfigureFPGA remembers the bitfile and picks the event layout from its name.
func (nh *NoHardware) ConfigureFPGA(bitfile string) error {
	nh.mu.Lock()
	defer nh.mu.Unlock()
	if err := nh.record(Op{Name: "ConfigureFPGA", Arg: bitfile}); err != nil {
		return err
	}
	if !nh.isOpen {
		return fmt.Errorf("NoHardware.ConfigureFPGA: not open")
	}
	if !strings.HasSuffix(bitfile, ".bit") {
		return fmt.Errorf("NoHardware.ConfigureFPGA: %q is not a bitfile", bitfile)
	}
	nh.bitfile = bitfile
	nh.revision = eventstream.RevisionForFirmware(bitfile)
	nh.resetFIFO()
	return nil
}

// SetRegister updates the masked bits of a wire-in.
func (nh *NoHardware) SetRegister(addr, value, mask uint32) error {
	nh.mu.Lock()
	defer nh.mu.Unlock()
	if err := nh.record(Op{Name: "SetRegister", Addr: addr, Value: value, Mask: mask}); err != nil {
		return err
	}
	if !nh.isOpen {
		return fmt.Errorf("NoHardware.SetRegister: not open")
	}
	old := nh.wires[addr]
	nh.wires[addr] = old&^mask | value&mask
	if addr == nhControlWire && old&(1<<nhStreamingBit) == 0 && nh.wires[addr]&(1<<nhStreamingBit) != 0 {
		nh.lastGenerate = time.Now()
	}
	return nil
}

// PulseTrigger records the trigger; the FIFO reset trigger empties the FIFO.
func (nh *NoHardware) PulseTrigger(bank uint32, bit uint) error {
	nh.mu.Lock()
	defer nh.mu.Unlock()
	if err := nh.record(Op{Name: "PulseTrigger", Addr: bank, Bit: bit}); err != nil {
		return err
	}
	if !nh.isOpen {
		return fmt.Errorf("NoHardware.PulseTrigger: not open")
	}
	if bank == nhTriggerBank && bit == nhResetFIFOBit {
		nh.resetFIFO()
	}
	return nil
}

// resetFIFO empties the FIFO and restarts the timestamp counter. Caller holds nh.mu.
func (nh *NoHardware) resetFIFO() {
	nh.fifo.Reset()
	nh.clock = 0
	nh.encoder = eventstream.NewEncoder(nh.revision)
}

// ReadStatusWord reports the FIFO occupancy on wire-outs 0x20 and 0x21, in
// blocks of 32 records: occupancy = high<<21 + low<<5.
func (nh *NoHardware) ReadStatusWord(addr uint32) (uint32, error) {
	nh.mu.Lock()
	defer nh.mu.Unlock()
	if err := nh.failures["ReadStatusWord"]; err != nil {
		return 0, err
	}
	if !nh.isOpen {
		return 0, fmt.Errorf("NoHardware.ReadStatusWord: not open")
	}
	nh.statusReads++
	var occupancy uint32
	switch {
	case nh.overrideSet:
		occupancy = nh.occupancy
	case nh.disconnected:
		occupancy = 0
	default:
		nh.generate()
		if partial := nh.fifo.Len() % (nhBlockEvents * eventstream.RecordSize); partial != 0 {
			for i := partial; i < nhBlockEvents*eventstream.RecordSize; i += eventstream.RecordSize {
				nh.fifo.Write(fillerRecord)
			}
		}
		occupancy = uint32(nh.fifo.Len() / eventstream.RecordSize)
	}
	switch addr {
	case nhOccupancyLow:
		return (occupancy >> 5) & 0xffff, nil
	case nhOccupancyHigh:
		return occupancy >> 21, nil
	}
	return 0, nil
}

// generate appends synthetic events for the time since the last call. Caller holds nh.mu.
func (nh *NoHardware) generate() {
	if nh.rate <= 0 || nh.wires[nhControlWire]&(1<<nhStreamingBit) == 0 {
		return
	}
	now := time.Now()
	elapsed := now.Sub(nh.lastGenerate)
	n := int(elapsed.Seconds() * nh.rate)
	if n == 0 {
		return
	}
	nh.lastGenerate = now
	step := uint64(elapsed.Microseconds()) / uint64(n)
	var raw []byte
	for i := 0; i < n; i++ {
		nh.clock += step
		e := eventstream.PixelEvent{
			X:                   uint16(nh.rng.Intn(eventstream.Width)),
			Y:                   uint16(nh.rng.Intn(eventstream.Height)),
			Timestamp:           nh.clock,
			Polarity:            nh.rng.Intn(2) == 1,
			IsThresholdCrossing: nh.rng.Intn(8) == 0,
		}
		raw, _ = nh.encoder.Append(raw, e)
	}
	nh.fifo.Write(raw)
}

// ReadFromPipeOut serves FIFO bytes. Reading more than the FIFO holds is an error.
func (nh *NoHardware) ReadFromPipeOut(addr uint32, buf []byte) (int, error) {
	nh.mu.Lock()
	defer nh.mu.Unlock()
	if err := nh.failures["ReadFromPipeOut"]; err != nil {
		return 0, err
	}
	if !nh.isOpen {
		return 0, fmt.Errorf("NoHardware.ReadFromPipeOut: not open")
	}
	if addr != nhEventPipe {
		return 0, fmt.Errorf("NoHardware.ReadFromPipeOut: no pipe %#02x", addr)
	}
	if len(buf) > nh.fifo.Len() {
		return 0, fmt.Errorf("NoHardware.ReadFromPipeOut: asked for %d bytes, FIFO holds %d", len(buf), nh.fifo.Len())
	}
	n, _ := nh.fifo.Read(buf)
	nh.pipeReads++
	nh.bytesRead += n
	return n, nil
}

// IsOpen reports whether OpenBySerial succeeded and Close has not been called.
func (nh *NoHardware) IsOpen() bool {
	nh.mu.Lock()
	defer nh.mu.Unlock()
	return nh.isOpen
}

// Close errors if already closed.
func (nh *NoHardware) Close() error {
	nh.mu.Lock()
	defer nh.mu.Unlock()
	if err := nh.record(Op{Name: "Close"}); err != nil {
		return err
	}
	if !nh.isOpen {
		return fmt.Errorf("NoHardware.Close: already closed")
	}
	nh.isOpen = false
	return nil
}

// CurrentSerial is the open board's serial, or "" after Disconnect.
func (nh *NoHardware) CurrentSerial() string {
	nh.mu.Lock()
	defer nh.mu.Unlock()
	if nh.disconnected || !nh.isOpen {
		return ""
	}
	return nh.serial
}
