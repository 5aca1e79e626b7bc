package okatis

import (
	"fmt"
	"io"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/usnistgov/okatis/eventstream"
	"github.com/usnistgov/okatis/roi"
)

// DefaultFirmware is the bitfile loaded when the parameters name none.
const DefaultFirmware = "/usr/local/share/opalKellyAtisSepia/atis.1.2.0.bit"

// TriggerMode selects what starts an exposure measurement.
type TriggerMode string

// Names for the possible values of TriggerMode
const (
	TriggerOnChangeDetection TriggerMode = "changeDetection" // each change detection triggers a measurement
	TriggerSequential        TriggerMode = "sequential"      // pixels are measured in sequence
	TriggerManual            TriggerMode = "manual"          // only Camera.Trigger starts a measurement
)

// SelectionTarget selects which pixel circuits the region-of-interest mask applies to.
type SelectionTarget string

// Names for the possible values of SelectionTarget
const (
	ApplyToChangeDetection     SelectionTarget = "changeDetection"
	ApplyToExposureMeasurement SelectionTarget = "exposureMeasurement"
	ApplyToBoth                SelectionTarget = "changeDetectionAndExposureMeasurement"
)

// ChangeDetection reports whether the mask applies to change-detection circuits.
func (s SelectionTarget) ChangeDetection() bool {
	return s == ApplyToChangeDetection || s == ApplyToBoth
}

// ExposureMeasurement reports whether the mask applies to exposure-measurement circuits.
func (s SelectionTarget) ExposureMeasurement() bool {
	return s == ApplyToExposureMeasurement || s == ApplyToBoth
}

// ChangeDetectionBiases are the change-detection circuit DAC values.
type ChangeDetectionBiases struct {
	ResetSwitchBulkPotential     uint8 `mapstructure:"resetSwitchBulkPotential"`
	PhotoreceptorFeedback        uint8 `mapstructure:"photoreceptorFeedback"`
	RefractoryPeriod             uint8 `mapstructure:"refractoryPeriod"`
	Follower                     uint8 `mapstructure:"follower"`
	EventSourceAmplifier         uint8 `mapstructure:"eventSourceAmplifier"`
	OnEventThreshold             uint8 `mapstructure:"onEventThreshold"`
	OffEventThreshold            uint8 `mapstructure:"offEventThreshold"`
	OffEventInverter             uint8 `mapstructure:"offEventInverter"`
	CascodePhotoreceptorFeedback uint8 `mapstructure:"cascodePhotoreceptorFeedback"`
}

// ExposureMeasurementBiases are the exposure-measurement circuit DAC values.
type ExposureMeasurementBiases struct {
	ComparatorTail        uint8 `mapstructure:"comparatorTail"`
	ComparatorHysteresis  uint8 `mapstructure:"comparatorHysteresis"`
	ComparatorOutputStage uint8 `mapstructure:"comparatorOutputStage"`
	UpperThreshold        uint8 `mapstructure:"upperThreshold"`
	LowerThreshold        uint8 `mapstructure:"lowerThreshold"`
}

// PullupBiases are the arbiter pull-up DAC values.
type PullupBiases struct {
	ExposureMeasurementAbscissaRequest uint8 `mapstructure:"exposureMeasurementAbscissaRequest"`
	ExposureMeasurementOrdinateRequest uint8 `mapstructure:"exposureMeasurementOrdinateRequest"`
	ChangeDetectionAbscissaRequest     uint8 `mapstructure:"changeDetectionAbscissaRequest"`
	ChangeDetectionOrdinateRequest     uint8 `mapstructure:"changeDetectionOrdinateRequest"`
	AbscissaAcknoledge                 uint8 `mapstructure:"abscissaAcknoledge"`
	AbscissaEncoder                    uint8 `mapstructure:"abscissaEncoder"`
	OrdinateEncoder                    uint8 `mapstructure:"ordinateEncoder"`
}

// ControlBiases are the timing and pull-down DAC values.
type ControlBiases struct {
	ExposureMeasurementTimeout           uint8 `mapstructure:"exposureMeasurementTimeout"`
	SequentialExposureMeasurementTimeout uint8 `mapstructure:"sequentialExposureMeasurementTimeout"`
	AbscissaAcknoledgeTimeout            uint8 `mapstructure:"abscissaAcknoledgeTimeout"`
	LatchCellScanPulldown                uint8 `mapstructure:"latchCellScanPulldown"`
	AbscissaRequestPulldown              uint8 `mapstructure:"abscissaRequestPulldown"`
}

// Parameters configure one Camera session. Obtain them from DefaultParameters,
// LoadParameters or ParseParameters; all three return validated values.
type Parameters struct {
	Firmware                    string          `mapstructure:"firmware"`
	ProtocolRevision            string          `mapstructure:"protocolRevision"` // empty: guess from Firmware
	ExposureMeasurementTrigger  TriggerMode     `mapstructure:"exposureMeasurementTrigger"`
	ColumnsSelection            []uint16        `mapstructure:"columnsSelection"`
	SelectFirstColumn           bool            `mapstructure:"selectFirstColumn"`
	RowsSelection               []uint16        `mapstructure:"rowsSelection"`
	SelectFirstRow              bool            `mapstructure:"selectFirstRow"`
	SelectionIsRegionOfInterest bool            `mapstructure:"selectionIsRegionOfInterest"`
	SendFakeEventPeriodically   bool            `mapstructure:"sendFakeEventPeriodically"`
	ApplySelectionTo            SelectionTarget `mapstructure:"applySelectionTo"`

	ChangeDetection     ChangeDetectionBiases     `mapstructure:"changeDetection"`
	ExposureMeasurement ExposureMeasurementBiases `mapstructure:"exposureMeasurement"`
	Pullup              PullupBiases              `mapstructure:"pullup"`
	Control             ControlBiases             `mapstructure:"control"`
}

// DefaultParameters returns the factory settings for the ATIS board.
func DefaultParameters() *Parameters {
	return &Parameters{
		Firmware:                   DefaultFirmware,
		ExposureMeasurementTrigger: TriggerOnChangeDetection,
		SelectFirstColumn:          true,
		SelectFirstRow:             true,
		ApplySelectionTo:           ApplyToChangeDetection,
		ChangeDetection: ChangeDetectionBiases{
			ResetSwitchBulkPotential:     207,
			PhotoreceptorFeedback:        216,
			RefractoryPeriod:             220,
			Follower:                     235,
			EventSourceAmplifier:         38,
			OnEventThreshold:             34,
			OffEventThreshold:            48,
			OffEventInverter:             61,
			CascodePhotoreceptorFeedback: 154,
		},
		ExposureMeasurement: ExposureMeasurementBiases{
			ComparatorTail:        40,
			ComparatorHysteresis:  35,
			ComparatorOutputStage: 51,
			UpperThreshold:        247,
			LowerThreshold:        231,
		},
		Pullup: PullupBiases{
			ExposureMeasurementAbscissaRequest: 127,
			ExposureMeasurementOrdinateRequest: 155,
			ChangeDetectionAbscissaRequest:     151,
			ChangeDetectionOrdinateRequest:     120,
			AbscissaAcknoledge:                 162,
			AbscissaEncoder:                    162,
			OrdinateEncoder:                    120,
		},
		Control: ControlBiases{
			ExposureMeasurementTimeout:           42,
			SequentialExposureMeasurementTimeout: 45,
			AbscissaAcknoledgeTimeout:            56,
			LatchCellScanPulldown:                134,
			AbscissaRequestPulldown:              87,
		},
	}
}

// LoadParameters reads a parameter file (any format viper knows from the file
// suffix) over the defaults. Keys absent from the file keep their default,
// and OKATIS_<CATEGORY>_<SETTING> environment variables override both.
func LoadParameters(filename string) (*Parameters, error) {
	v := newParameterViper()
	v.SetConfigFile(filename)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading parameters %q: %w", filename, err)
	}
	return unmarshalParameters(v)
}

// ParseParameters is like LoadParameters but reads from r in the given format
// ("yaml", "json", "toml", ...).
func ParseParameters(r io.Reader, format string) (*Parameters, error) {
	v := newParameterViper()
	v.SetConfigType(format)
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("reading %s parameters: %w", format, err)
	}
	return unmarshalParameters(v)
}

func newParameterViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("okatis")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := DefaultParameters()
	v.SetDefault("firmware", def.Firmware)
	v.SetDefault("protocolRevision", def.ProtocolRevision)
	v.SetDefault("exposureMeasurementTrigger", string(def.ExposureMeasurementTrigger))
	v.SetDefault("columnsSelection", []uint16{})
	v.SetDefault("selectFirstColumn", def.SelectFirstColumn)
	v.SetDefault("rowsSelection", []uint16{})
	v.SetDefault("selectFirstRow", def.SelectFirstRow)
	v.SetDefault("selectionIsRegionOfInterest", def.SelectionIsRegionOfInterest)
	v.SetDefault("sendFakeEventPeriodically", def.SendFakeEventPeriodically)
	v.SetDefault("applySelectionTo", string(def.ApplySelectionTo))
	for _, entry := range registerMap {
		if entry.Category == Static {
			continue
		}
		v.SetDefault(string(entry.Category)+"."+entry.Setting, entry.Value(def))
	}
	return v
}

func unmarshalParameters(v *viper.Viper) (*Parameters, error) {
	p := new(Parameters)
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		unsignedRangeHook,
	))
	if err := v.Unmarshal(p, hook); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// unsignedRangeHook rejects numbers that do not fit the uint8 bias fields or
// the uint16 selection entries. Without it they would wrap silently.
func unsignedRangeHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	var limit uint64
	switch to.Kind() {
	case reflect.Uint8:
		limit = math.MaxUint8
	case reflect.Uint16:
		limit = math.MaxUint16
	default:
		return data, nil
	}
	v := reflect.ValueOf(data)
	var negative, tooLarge bool
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		negative = v.Int() < 0
		tooLarge = v.Int() > 0 && uint64(v.Int()) > limit
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		tooLarge = v.Uint() > limit
	case reflect.Float32, reflect.Float64:
		negative = v.Float() < 0
		tooLarge = v.Float() > float64(limit)
	case reflect.String:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 0, 64)
		if err != nil {
			return data, nil
		}
		negative = n < 0
		tooLarge = n > 0 && uint64(n) > limit
	default:
		return data, nil
	}
	if negative || tooLarge {
		return nil, fmt.Errorf("value %v not in [0, %d]", data, limit)
	}
	return data, nil
}

// Validate checks the enumerations and selection list entries.
func (p *Parameters) Validate() error {
	switch p.ExposureMeasurementTrigger {
	case TriggerOnChangeDetection, TriggerSequential, TriggerManual:
	default:
		return fmt.Errorf("%w: exposureMeasurementTrigger %q", ErrInvalidParameters, p.ExposureMeasurementTrigger)
	}
	if p.ApplySelectionTo == "both" {
		p.ApplySelectionTo = ApplyToBoth
	}
	switch p.ApplySelectionTo {
	case ApplyToChangeDetection, ApplyToExposureMeasurement, ApplyToBoth:
	default:
		return fmt.Errorf("%w: applySelectionTo %q", ErrInvalidParameters, p.ApplySelectionTo)
	}
	for _, n := range p.ColumnsSelection {
		if n < 1 || n > roi.Columns {
			return fmt.Errorf("%w: columnsSelection entry %d not in [1, %d]", ErrInvalidParameters, n, roi.Columns)
		}
	}
	for _, n := range p.RowsSelection {
		if n < 1 || n > roi.Rows {
			return fmt.Errorf("%w: rowsSelection entry %d not in [1, %d]", ErrInvalidParameters, n, roi.Rows)
		}
	}
	if p.ProtocolRevision != "" {
		if _, err := eventstream.ParseRevision(p.ProtocolRevision); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
		}
	}
	if p.Firmware == "" {
		return fmt.Errorf("%w: no firmware file", ErrInvalidParameters)
	}
	return nil
}

// Revision is the event layout to decode with: ProtocolRevision when set,
// otherwise the one matching the firmware file name.
func (p *Parameters) Revision() eventstream.Revision {
	if r, err := eventstream.ParseRevision(p.ProtocolRevision); err == nil {
		return r
	}
	return eventstream.RevisionForFirmware(p.Firmware)
}

// HasSelection reports whether a region-of-interest mask must be loaded.
func (p *Parameters) HasSelection() bool {
	return len(p.ColumnsSelection) > 0 || len(p.RowsSelection) > 0
}

var dumpConfig = spew.ConfigState{Indent: "  ", DisableMethods: true, DisablePointerAddresses: true}

func (p *Parameters) String() string {
	return dumpConfig.Sdump(p)
}
