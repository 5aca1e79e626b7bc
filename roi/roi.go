// Package roi converts run-length pixel selections into the region-of-interest
// mask loaded into the ATIS column and row shift registers.
//
// The mask covers the column address space (304 bits) followed by the row
// address space (240 bits). Each axis is filled from its own run-length list,
// then reversed so the first pixel lands in the last bit shifted in. Packed
// words carry inverted polarity: a set bit means "not selected".
package roi

import (
	"errors"
	"fmt"
)

// Sensor geometry and packing sizes.
const (
	Columns   = 304
	Rows      = 240
	MaskBits  = Columns + Rows
	WordBits  = 16
	MaskWords = MaskBits / WordBits
)

// ErrSelectionOverflow means a run-length list sums to more than its axis span
// on the first pass through the list.
var ErrSelectionOverflow = errors.New("selection sum exceeds sensor dimension")

// ErrEmptySelection means a non-empty run-length list contains only zero lengths,
// so tiling it could never fill the axis.
var ErrEmptySelection = errors.New("selection runs cover no pixels")

// SelectionRun is one run in a run-length encoded column or row selection.
type SelectionRun struct {
	Length uint16
	State  bool
}

// Runs expands a list of run lengths into runs whose state alternates,
// starting at selectFirst.
func Runs(lengths []uint16, selectFirst bool) []SelectionRun {
	runs := make([]SelectionRun, len(lengths))
	state := selectFirst
	for i, n := range lengths {
		runs[i] = SelectionRun{Length: n, State: state}
		state = !state
	}
	return runs
}

// FillMask holds one "selected" flag per column address then per row address.
type FillMask [MaskBits]bool

// ColumnSelected reports whether column x (in sensor order) is in the selection.
func (m *FillMask) ColumnSelected(x int) bool {
	return m[Columns-1-x]
}

// RowSelected reports whether row y (in sensor order) is in the selection.
func (m *FillMask) RowSelected(y int) bool {
	return m[MaskBits-1-y]
}

// BuildFillMask computes the mask for the given column and row run lengths.
// An empty list leaves its whole axis unselected. A list shorter than its axis
// is tiled, with the selection state flipping after every run (across
// repetitions too); bits past the end of the axis on a repetition are dropped.
func BuildFillMask(columns, rows []uint16, selectFirstColumn, selectFirstRow bool) (FillMask, error) {
	var mask FillMask
	if err := fillAxis(mask[:Columns], columns, selectFirstColumn); err != nil {
		return mask, fmt.Errorf("columns: %w", err)
	}
	if err := fillAxis(mask[Columns:], rows, selectFirstRow); err != nil {
		return mask, fmt.Errorf("rows: %w", err)
	}
	reverse(mask[:Columns])
	reverse(mask[Columns:])
	return mask, nil
}

// fillAxis tiles lengths into axis. len(axis) is the span.
func fillAxis(axis []bool, lengths []uint16, selectFirst bool) error {
	if len(lengths) == 0 {
		return nil
	}
	var total int
	for _, n := range lengths {
		total += int(n)
	}
	if total == 0 {
		return ErrEmptySelection
	}
	if total > len(axis) {
		return fmt.Errorf("%w: sum %d > %d", ErrSelectionOverflow, total, len(axis))
	}
	state := selectFirst
	filled := 0
	for filled < len(axis) {
		for _, n := range lengths {
			for i := 0; i < int(n) && filled < len(axis); i++ {
				axis[filled] = state
				filled++
			}
			state = !state
		}
	}
	return nil
}

func reverse(bits []bool) {
	for i, j := 0, len(bits)-1; i < j; i, j = i+1, j-1 {
		bits[i], bits[j] = bits[j], bits[i]
	}
}

// Pack returns the mask as 16-bit words, least significant bit first. A set bit
// marks an unselected address.
func (m *FillMask) Pack() []uint16 {
	words := make([]uint16, MaskWords)
	for i, selected := range m {
		if !selected {
			words[i/WordBits] |= 1 << (i % WordBits)
		}
	}
	return words
}

// Selected counts the selected column and row addresses.
func (m *FillMask) Selected() (columns, rows int) {
	for i, selected := range m {
		if !selected {
			continue
		}
		if i < Columns {
			columns++
		} else {
			rows++
		}
	}
	return
}
