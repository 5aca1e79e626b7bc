// Package okfp defines the Opal Kelly FrontPanel operations the ATIS driver
// needs, a registry of FrontPanel implementations, and NoHardware, a simulated
// board for tests and demos.
//
// A FrontPanel talks to one USB board. Wire-ins are 32-bit registers written by
// the host, trigger-ins are single-shot pulses, wire-outs are 32-bit status
// registers, and pipe-outs are bulk byte streams.
package okfp

import (
	"fmt"
	"sort"
	"sync"
)

// FrontPanel is the host side of an Opal Kelly board. Implementations need not
// be safe for concurrent use; callers serialize access.
type FrontPanel interface {
	// Enumerate lists the serial numbers of connected boards.
	Enumerate() ([]string, error)
	OpenBySerial(serial string) error
	LoadDefaultPLLConfiguration() error
	// ConfigureFPGA loads a bitfile into the FPGA.
	ConfigureFPGA(bitfile string) error

	// SetRegister writes the bits of value selected by mask into wire-in addr
	// and sends the update to the board.
	SetRegister(addr, value, mask uint32) error
	PulseTrigger(bank uint32, bit uint) error
	// ReadStatusWord refreshes and returns wire-out addr.
	ReadStatusWord(addr uint32) (uint32, error)
	// ReadFromPipeOut fills buf from pipe-out addr.
	ReadFromPipeOut(addr uint32, buf []byte) (int, error)

	IsOpen() bool
	Close() error
	// CurrentSerial is the serial of the open board as the driver sees it now,
	// or "" once the board is gone.
	CurrentSerial() string
}

// OpenFunc creates a FrontPanel for a named driver.
type OpenFunc func() (FrontPanel, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]OpenFunc)
)

// Register makes a FrontPanel driver available by name. It panics if the name
// is registered twice or open is nil.
func Register(name string, open OpenFunc) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if open == nil {
		panic("okfp: Register driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("okfp: Register called twice for driver " + name)
	}
	drivers[name] = open
}

// Open creates a FrontPanel from the named driver.
func Open(name string) (FrontPanel, error) {
	driversMu.RLock()
	open, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("okfp: unknown driver %q (have %v)", name, Drivers())
	}
	return open()
}

// Drivers returns the sorted names of the registered drivers.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
