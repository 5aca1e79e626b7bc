package okatis

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usnistgov/okatis/eventstream"
)

func TestDefaultParameters(t *testing.T) {
	p := DefaultParameters()
	require.NoError(t, p.Validate())
	assert.Equal(t, TriggerOnChangeDetection, p.ExposureMeasurementTrigger)
	assert.Equal(t, ApplyToChangeDetection, p.ApplySelectionTo)
	assert.False(t, p.HasSelection())
	assert.Equal(t, eventstream.Revision120, p.Revision())
	assert.Equal(t, uint8(34), p.ChangeDetection.OnEventThreshold)
	assert.Equal(t, uint8(48), p.ChangeDetection.OffEventThreshold)
	assert.Contains(t, p.String(), "OnEventThreshold: (uint8) 34")
}

func TestParseParameters(t *testing.T) {
	yaml := `
firmware: /opt/atis/atis.1.1.1.bit
exposureMeasurementTrigger: sequential
columnsSelection: [10, 20]
selectFirstColumn: false
rowsSelection: [5]
selectionIsRegionOfInterest: true
applySelectionTo: both
changeDetection:
  onEventThreshold: 40
control:
  latchCellScanPulldown: 1
`
	p, err := ParseParameters(strings.NewReader(yaml), "yaml")
	require.NoError(t, err)
	assert.Equal(t, "/opt/atis/atis.1.1.1.bit", p.Firmware)
	assert.Equal(t, eventstream.Revision111, p.Revision())
	assert.Equal(t, TriggerSequential, p.ExposureMeasurementTrigger)
	assert.Equal(t, []uint16{10, 20}, p.ColumnsSelection)
	assert.Equal(t, []uint16{5}, p.RowsSelection)
	assert.False(t, p.SelectFirstColumn)
	assert.True(t, p.SelectFirstRow, "unset keys keep their default")
	assert.True(t, p.SelectionIsRegionOfInterest)
	assert.Equal(t, ApplyToBoth, p.ApplySelectionTo)
	assert.Equal(t, uint8(40), p.ChangeDetection.OnEventThreshold)
	assert.Equal(t, uint8(48), p.ChangeDetection.OffEventThreshold)
	assert.Equal(t, uint8(1), p.Control.LatchCellScanPulldown)
	assert.Equal(t, uint8(87), p.Control.AbscissaRequestPulldown)
	assert.True(t, p.HasSelection())

	p, err = ParseParameters(strings.NewReader(`{"protocolRevision": "atis.1.1.1"}`), "json")
	require.NoError(t, err)
	assert.Equal(t, eventstream.Revision111, p.Revision(), "protocolRevision overrides the firmware name")
}

func TestLoadParameters(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "atis.json")
	require.NoError(t, os.WriteFile(name, []byte(`{"pullup": {"ordinateEncoder": 99}}`), 0644))
	t.Setenv("OKATIS_PULLUP_ABSCISSAENCODER", "77")
	p, err := LoadParameters(name)
	require.NoError(t, err)
	assert.Equal(t, uint8(99), p.Pullup.OrdinateEncoder)
	assert.Equal(t, uint8(77), p.Pullup.AbscissaEncoder)

	_, err = LoadParameters(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := map[string]func(*Parameters){
		"trigger":     func(p *Parameters) { p.ExposureMeasurementTrigger = "never" },
		"target":      func(p *Parameters) { p.ApplySelectionTo = "nothing" },
		"zero column": func(p *Parameters) { p.ColumnsSelection = []uint16{10, 0} },
		"wide column": func(p *Parameters) { p.ColumnsSelection = []uint16{305} },
		"tall row":    func(p *Parameters) { p.RowsSelection = []uint16{241} },
		"revision":    func(p *Parameters) { p.ProtocolRevision = "atis.9" },
		"no firmware": func(p *Parameters) { p.Firmware = "" },
	}
	for name, modify := range tests {
		p := DefaultParameters()
		modify(p)
		err := p.Validate()
		if !errors.Is(err, ErrInvalidParameters) {
			t.Errorf("%s: Validate returned %v, want ErrInvalidParameters", name, err)
		}
	}

	_, err := ParseParameters(strings.NewReader("exposureMeasurementTrigger: often\n"), "yaml")
	assert.True(t, errors.Is(err, ErrInvalidParameters), "parse returned %v", err)

	p := DefaultParameters()
	p.ApplySelectionTo = "both"
	require.NoError(t, p.Validate())
	assert.Equal(t, ApplyToBoth, p.ApplySelectionTo)
	assert.True(t, p.ApplySelectionTo.ChangeDetection())
	assert.True(t, p.ApplySelectionTo.ExposureMeasurement())
	assert.False(t, ApplyToChangeDetection.ExposureMeasurement())
	assert.False(t, ApplyToExposureMeasurement.ChangeDetection())
}

func TestOutOfRangeValues(t *testing.T) {
	inputs := map[string]string{
		"threshold 300":    "changeDetection:\n  onEventThreshold: 300\n",
		"negative pullup":  "pullup:\n  ordinateEncoder: -1\n",
		"huge column run":  "columnsSelection: [65546]\n",
		"negative row run": "rowsSelection: [10, -2]\n",
	}
	for name, yaml := range inputs {
		p, err := ParseParameters(strings.NewReader(yaml), "yaml")
		if !errors.Is(err, ErrInvalidParameters) {
			t.Errorf("%s: ParseParameters returned %v, %v; want ErrInvalidParameters", name, p, err)
		}
	}

	t.Setenv("OKATIS_CONTROL_LATCHCELLSCANPULLDOWN", "256")
	_, err := ParseParameters(strings.NewReader("{}"), "json")
	assert.True(t, errors.Is(err, ErrInvalidParameters), "env override returned %v", err)

	// The largest legal values still load.
	t.Setenv("OKATIS_CONTROL_LATCHCELLSCANPULLDOWN", "255")
	p, err := ParseParameters(strings.NewReader("changeDetection:\n  onEventThreshold: 0\ncolumnsSelection: [304]\n"), "yaml")
	require.NoError(t, err)
	assert.Equal(t, uint8(255), p.Control.LatchCellScanPulldown)
	assert.Equal(t, uint8(0), p.ChangeDetection.OnEventThreshold)
	assert.Equal(t, []uint16{304}, p.ColumnsSelection)
}
