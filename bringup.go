package okatis

import (
	"fmt"
	"os"
	"sort"

	"github.com/usnistgov/okatis/okfp"
	"github.com/usnistgov/okatis/roi"
)

// AvailableSerials lists the serials of the boards the panel can see, sorted.
func AvailableSerials(panel okfp.FrontPanel) ([]string, error) {
	serials, err := panel.Enumerate()
	if err != nil {
		return nil, err
	}
	sort.Strings(serials)
	return serials, nil
}

// isConnected reports whether serial still enumerates. Enumeration errors
// count as absent.
func isConnected(panel okfp.FrontPanel, serial string) bool {
	serials, err := panel.Enumerate()
	if err != nil {
		return false
	}
	for _, s := range serials {
		if s == serial {
			return true
		}
	}
	return false
}

// bringUp opens the board and programs it until it streams events. It returns
// the serial of the board it opened. Nothing is undone on failure; the caller
// closes the panel.
func bringUp(panel okfp.FrontPanel, p *Parameters, requested string) (string, error) {
	serials, err := AvailableSerials(panel)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoDeviceConnected, err)
	}
	if len(serials) == 0 {
		return "", ErrNoDeviceConnected
	}
	serial := requested
	if serial == "" {
		serial = serials[0]
	} else if !contains(serials, serial) {
		return "", fmt.Errorf("%w: %q (connected: %v)", ErrDeviceNotFound, serial, serials)
	}

	if err := panel.OpenBySerial(serial); err != nil {
		return serial, fmt.Errorf("%w: serial %q: %v", ErrConnectionFailed, serial, err)
	}
	if err := panel.LoadDefaultPLLConfiguration(); err != nil {
		return serial, fmt.Errorf("%w: %v", ErrClockConfigurationFailed, err)
	}

	f, err := os.Open(p.Firmware)
	if err != nil {
		return serial, fmt.Errorf("%w: %v", ErrFirmwareFileMissing, err)
	}
	f.Close()
	if err := panel.ConfigureFPGA(p.Firmware); err != nil {
		return serial, fmt.Errorf("%w: %q: %v", ErrFirmwareLoadFailed, p.Firmware, err)
	}
	UpdateLogger.Printf("ATIS %s: loaded firmware %s", serial, p.Firmware)

	s := sequencer{panel: panel}
	s.control(ctrlBiasConfigOpen, true)
	for _, w := range BiasWrites(p) {
		s.write(wireValue, w.Value)
		s.write(wireReference, w.ReferenceCode)
		s.write(wireAddress, w.Address)
		s.trigger(trigApplyBias)
		if s.err != nil {
			return serial, fmt.Errorf("bias %v: %w", w, s.err)
		}
	}
	s.trigger(trigFinalizeBiases)

	if p.HasSelection() {
		mask, err := roi.BuildFillMask(p.ColumnsSelection, p.RowsSelection, p.SelectFirstColumn, p.SelectFirstRow)
		if err != nil {
			return serial, err
		}
		for i, word := range mask.Pack() {
			s.write(wireValue, uint32(word))
			s.write(wireReference, uint32(i))
			s.trigger(trigLoadMaskWord)
		}
		s.trigger(trigFinalizeMask)
		s.control(ctrlRegionOfInterest, p.SelectionIsRegionOfInterest)
		if p.ApplySelectionTo.ChangeDetection() {
			s.control(ctrlMaskChangeDetection, true)
		}
		if p.ApplySelectionTo.ExposureMeasurement() {
			s.control(ctrlMaskExposure, true)
		}
		ncol, nrow := mask.Selected()
		UpdateLogger.Printf("ATIS %s: selection of %d columns and %d rows applied to %s", serial, ncol, nrow, p.ApplySelectionTo)
	}
	s.control(ctrlBiasConfigOpen, false)

	switch p.ExposureMeasurementTrigger {
	case TriggerOnChangeDetection:
		s.control(ctrlChangeDetectionTrigger, true)
	case TriggerSequential:
		s.control(ctrlSequentialTrigger, true)
		if p.ApplySelectionTo.ChangeDetection() {
			s.control(ctrlChangeDetectionTrigger, true)
		}
	}

	s.trigger(trigResetFIFO)
	s.trigger(trigResetHandlers)
	if p.SendFakeEventPeriodically {
		s.control(ctrlFakeEvents, true)
	}
	s.control(ctrlStreaming, true)
	if s.err != nil {
		return serial, s.err
	}
	UpdateLogger.Printf("ATIS %s: streaming", serial)
	return serial, nil
}

// sequencer issues register writes until the first failure, after which every
// call is a no-op and err holds the failure.
type sequencer struct {
	panel okfp.FrontPanel
	err   error
}

func (s *sequencer) write(addr, value uint32) {
	if s.err != nil {
		return
	}
	if err := s.panel.SetRegister(addr, value, 0xffffffff); err != nil {
		s.err = fmt.Errorf("%w: wire %#02x: %v", ErrRegisterWriteFailed, addr, err)
	}
}

func (s *sequencer) control(bit uint, on bool) {
	if s.err != nil {
		return
	}
	var value uint32
	if on {
		value = 1 << bit
	}
	if err := s.panel.SetRegister(wireControl, value, 1<<bit); err != nil {
		s.err = fmt.Errorf("%w: control bit %d: %v", ErrRegisterWriteFailed, bit, err)
	}
}

func (s *sequencer) trigger(bit uint) {
	if s.err != nil {
		return
	}
	if err := s.panel.PulseTrigger(triggerBank, bit); err != nil {
		s.err = fmt.Errorf("%w: trigger %#02x bit %d: %v", ErrRegisterWriteFailed, triggerBank, bit, err)
	}
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
