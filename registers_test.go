package okatis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegisterMap(t *testing.T) {
	entries := RegisterMap()
	assert.Len(t, entries, 29)

	seen := make(map[string]bool)
	category := 0
	for _, e := range entries {
		key := string(e.Category) + "." + e.Setting
		assert.False(t, seen[key], "duplicate register %s", key)
		seen[key] = true
		// Entries are grouped by category, in programming order.
		for Categories[category] != e.Category {
			category++
		}
	}

	e, ok := LookupRegister(ChangeDetection, "onEventThreshold")
	assert.True(t, ok)
	assert.Equal(t, uint32(0x07), e.Address)
	assert.Equal(t, uint32(0x7900), e.ReferenceCode)
	assert.Equal(t, uint32(34), e.Value(DefaultParameters()))

	_, ok = LookupRegister(Pullup, "onEventThreshold")
	assert.False(t, ok)

	e = MustLookupRegister(Static, "resetPhotodiodes")
	assert.Equal(t, uint32(0x1c), e.Address)
	assert.Equal(t, uint32(0), e.ReferenceCode)
	assert.Equal(t, uint32(3), e.Value(DefaultParameters()))
	assert.Panics(t, func() { MustLookupRegister(Control, "noSuchSetting") })
}

func TestBiasWrites(t *testing.T) {
	p := DefaultParameters()
	p.Control.AbscissaRequestPulldown = 200
	writes := BiasWrites(p)
	assert.Len(t, writes, 29)

	first := writes[0]
	assert.Equal(t, RegisterWrite{ChangeDetection, "resetSwitchBulkPotential", 207, 0x02, 0x5900}, first)

	var pulldown RegisterWrite
	for _, w := range writes {
		if w.Setting == "abscissaRequestPulldown" {
			pulldown = w
		}
	}
	assert.Equal(t, uint32(200), pulldown.Value)
	assert.Equal(t, uint32(0x1b), pulldown.Address)

	last := writes[len(writes)-1]
	assert.Equal(t, Static, last.Category)
	assert.Equal(t, "resetPhotodiodes", last.Setting)
	assert.Equal(t, "static.resetPhotodiodes=3 @0x1c ref 0x0000", last.String())

	// Changing a parameter changes only its own write.
	q := DefaultParameters()
	for i, w := range BiasWrites(q) {
		if w.Setting != "abscissaRequestPulldown" {
			assert.Equal(t, w, writes[i])
		}
	}
}
