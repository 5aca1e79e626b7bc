package okatis

import "fmt"

// Category groups the bias registers of the ATIS.
type Category string

// The register categories, in the order they are programmed.
const (
	ChangeDetection     Category = "changeDetection"
	ExposureMeasurement Category = "exposureMeasurement"
	Pullup              Category = "pullup"
	Control             Category = "control"
	Static              Category = "static" // fixed commands, not configurable
)

// Categories lists every category in programming order.
var Categories = []Category{ChangeDetection, ExposureMeasurement, Pullup, Control, Static}

// Wire-in endpoints.
const (
	wireControl   uint32 = 0x00 // control bits, see below
	wireValue     uint32 = 0x01 // DAC value, or mask word
	wireReference uint32 = 0x02 // DAC reference code, or mask word index
	wireAddress   uint32 = 0x03 // DAC address
)

// Bits of wireControl.
const (
	ctrlChangeDetectionTrigger uint = 0  // exposure measurement follows change detection
	ctrlSequentialTrigger      uint = 1  // sequential exposure measurement
	ctrlMaskExposure           uint = 3  // mask applies to exposure measurement
	ctrlMaskChangeDetection    uint = 4  // mask applies to change detection
	ctrlBiasConfigOpen         uint = 5  // biases and mask may be written
	ctrlSoftwareTrigger        uint = 6  // pulse to force a change detection on all pixels
	ctrlRegionOfInterest       uint = 9  // mask selects (1) or excludes (0) pixels
	ctrlStreaming              uint = 10 // FPGA reads events into its FIFO
	ctrlFakeEvents             uint = 12 // periodic fake events
)

// Trigger-in bank and its bits.
const (
	triggerBank        uint32 = 0x40
	trigApplyBias      uint   = 1
	trigResetHandlers  uint   = 2
	trigLoadMaskWord   uint   = 3
	trigFinalizeMask   uint   = 4
	trigFinalizeBiases uint   = 6
	trigResetFIFO      uint   = 7
)

// Wire-out and pipe-out endpoints of the event FIFO.
const (
	statusOccupancyLow  uint32 = 0x20 // occupancy / 32, low bits
	statusOccupancyHigh uint32 = 0x21 // occupancy >> 21
	pipeEvents          uint32 = 0xa0
	fifoCapacity               = 1 << 24 // events
)

// RegisterEntry describes one DAC register. Static entries carry their value;
// the others read it from Parameters.
type RegisterEntry struct {
	Category      Category
	Setting       string
	Address       uint32
	ReferenceCode uint32
	staticValue   uint32
	field         func(*Parameters) uint8
}

// Value is the register content for the given parameters.
func (e RegisterEntry) Value(p *Parameters) uint32 {
	if e.field == nil {
		return e.staticValue
	}
	return uint32(e.field(p))
}

// RegisterWrite is one bias command sent during bring-up.
type RegisterWrite struct {
	Category      Category
	Setting       string
	Value         uint32
	Address       uint32
	ReferenceCode uint32
}

func (w RegisterWrite) String() string {
	return fmt.Sprintf("%s.%s=%d @%#02x ref %#04x", w.Category, w.Setting, w.Value, w.Address, w.ReferenceCode)
}

const (
	refLow  uint32 = 0x5900
	refHigh uint32 = 0x7900
)

var registerMap = []RegisterEntry{
	{ChangeDetection, "resetSwitchBulkPotential", 0x02, refLow, 0, func(p *Parameters) uint8 { return p.ChangeDetection.ResetSwitchBulkPotential }},
	{ChangeDetection, "photoreceptorFeedback", 0x03, refLow, 0, func(p *Parameters) uint8 { return p.ChangeDetection.PhotoreceptorFeedback }},
	{ChangeDetection, "refractoryPeriod", 0x04, refLow, 0, func(p *Parameters) uint8 { return p.ChangeDetection.RefractoryPeriod }},
	{ChangeDetection, "follower", 0x05, refLow, 0, func(p *Parameters) uint8 { return p.ChangeDetection.Follower }},
	{ChangeDetection, "eventSourceAmplifier", 0x06, refHigh, 0, func(p *Parameters) uint8 { return p.ChangeDetection.EventSourceAmplifier }},
	{ChangeDetection, "onEventThreshold", 0x07, refHigh, 0, func(p *Parameters) uint8 { return p.ChangeDetection.OnEventThreshold }},
	{ChangeDetection, "offEventThreshold", 0x08, refHigh, 0, func(p *Parameters) uint8 { return p.ChangeDetection.OffEventThreshold }},
	{ChangeDetection, "offEventInverter", 0x09, refHigh, 0, func(p *Parameters) uint8 { return p.ChangeDetection.OffEventInverter }},
	{ChangeDetection, "cascodePhotoreceptorFeedback", 0x0a, refHigh, 0, func(p *Parameters) uint8 { return p.ChangeDetection.CascodePhotoreceptorFeedback }},

	{ExposureMeasurement, "comparatorTail", 0x0b, refHigh, 0, func(p *Parameters) uint8 { return p.ExposureMeasurement.ComparatorTail }},
	{ExposureMeasurement, "comparatorHysteresis", 0x0c, refHigh, 0, func(p *Parameters) uint8 { return p.ExposureMeasurement.ComparatorHysteresis }},
	{ExposureMeasurement, "comparatorOutputStage", 0x0d, refHigh, 0, func(p *Parameters) uint8 { return p.ExposureMeasurement.ComparatorOutputStage }},
	{ExposureMeasurement, "upperThreshold", 0x0e, refLow, 0, func(p *Parameters) uint8 { return p.ExposureMeasurement.UpperThreshold }},
	{ExposureMeasurement, "lowerThreshold", 0x0f, refLow, 0, func(p *Parameters) uint8 { return p.ExposureMeasurement.LowerThreshold }},

	{Pullup, "exposureMeasurementAbscissaRequest", 0x10, refLow, 0, func(p *Parameters) uint8 { return p.Pullup.ExposureMeasurementAbscissaRequest }},
	{Pullup, "exposureMeasurementOrdinateRequest", 0x11, refLow, 0, func(p *Parameters) uint8 { return p.Pullup.ExposureMeasurementOrdinateRequest }},
	{Pullup, "changeDetectionAbscissaRequest", 0x12, refLow, 0, func(p *Parameters) uint8 { return p.Pullup.ChangeDetectionAbscissaRequest }},
	{Pullup, "changeDetectionOrdinateRequest", 0x13, refLow, 0, func(p *Parameters) uint8 { return p.Pullup.ChangeDetectionOrdinateRequest }},
	{Pullup, "abscissaAcknoledge", 0x14, refLow, 0, func(p *Parameters) uint8 { return p.Pullup.AbscissaAcknoledge }},
	{Pullup, "abscissaEncoder", 0x15, refHigh, 0, func(p *Parameters) uint8 { return p.Pullup.AbscissaEncoder }},
	{Pullup, "ordinateEncoder", 0x16, refHigh, 0, func(p *Parameters) uint8 { return p.Pullup.OrdinateEncoder }},

	{Control, "exposureMeasurementTimeout", 0x17, refHigh, 0, func(p *Parameters) uint8 { return p.Control.ExposureMeasurementTimeout }},
	{Control, "sequentialExposureMeasurementTimeout", 0x18, refHigh, 0, func(p *Parameters) uint8 { return p.Control.SequentialExposureMeasurementTimeout }},
	{Control, "abscissaAcknoledgeTimeout", 0x19, refHigh, 0, func(p *Parameters) uint8 { return p.Control.AbscissaAcknoledgeTimeout }},
	{Control, "latchCellScanPulldown", 0x1a, refHigh, 0, func(p *Parameters) uint8 { return p.Control.LatchCellScanPulldown }},
	{Control, "abscissaRequestPulldown", 0x1b, refHigh, 0, func(p *Parameters) uint8 { return p.Control.AbscissaRequestPulldown }},

	{Static, "resetTimestamp", 0x00, refLow, 0, nil},
	{Static, "testEvent", 0x01, refHigh, 0, nil},
	{Static, "resetPhotodiodes", 0x1c, 0x00, 3, nil},
}

// RegisterMap returns a copy of the register table in programming order.
func RegisterMap() []RegisterEntry {
	return append([]RegisterEntry(nil), registerMap...)
}

// LookupRegister finds the register for a category and setting.
func LookupRegister(category Category, setting string) (RegisterEntry, bool) {
	for _, e := range registerMap {
		if e.Category == category && e.Setting == setting {
			return e, true
		}
	}
	return RegisterEntry{}, false
}

// MustLookupRegister is LookupRegister for names known at compile time. It
// panics when the register does not exist.
func MustLookupRegister(category Category, setting string) RegisterEntry {
	e, ok := LookupRegister(category, setting)
	if !ok {
		panic(fmt.Sprintf("okatis: no register %s.%s", category, setting))
	}
	return e
}

// BiasWrites lists the register commands for p, in the order bring-up sends them.
func BiasWrites(p *Parameters) []RegisterWrite {
	writes := make([]RegisterWrite, 0, len(registerMap))
	for _, e := range registerMap {
		writes = append(writes, RegisterWrite{
			Category:      e.Category,
			Setting:       e.Setting,
			Value:         e.Value(p),
			Address:       e.Address,
			ReferenceCode: e.ReferenceCode,
		})
	}
	return writes
}
