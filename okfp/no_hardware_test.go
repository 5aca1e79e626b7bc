package okfp

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usnistgov/okatis/eventstream"
)

func occupancy(t *testing.T, nh *NoHardware) uint32 {
	high, err := nh.ReadStatusWord(nhOccupancyHigh)
	require.NoError(t, err)
	low, err := nh.ReadStatusWord(nhOccupancyLow)
	require.NoError(t, err)
	return high<<21 + low<<5
}

func TestNoHardware(t *testing.T) {
	nh := NewNoHardware("A", "B")
	serials, err := nh.Enumerate()
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, serials)

	if err := nh.LoadDefaultPLLConfiguration(); err == nil {
		t.Error("LoadDefaultPLLConfiguration should fail before OpenBySerial")
	}
	if err := nh.OpenBySerial("C"); err == nil {
		t.Error("OpenBySerial(C) should fail")
	}
	require.NoError(t, nh.OpenBySerial("B"))
	assert.True(t, nh.IsOpen())
	assert.Equal(t, "B", nh.CurrentSerial())
	require.NoError(t, nh.LoadDefaultPLLConfiguration())
	assert.Error(t, nh.ConfigureFPGA("atis.1.1.1.txt"))
	require.NoError(t, nh.ConfigureFPGA("/tmp/atis.1.1.1.bit"))

	require.NoError(t, nh.SetRegister(0x00, 1<<5, 1<<5))
	require.NoError(t, nh.SetRegister(0x00, 0xffff, 1<<10))
	assert.Equal(t, uint32(1<<5|1<<10), nh.Wire(0x00))
	require.NoError(t, nh.SetRegister(0x00, 0, 1<<5))
	assert.Equal(t, uint32(1<<10), nh.Wire(0x00))

	ops := nh.Ops()
	assert.Equal(t, "LoadDefaultPLLConfiguration()", ops[0].String())
	assert.Equal(t, "OpenBySerial(C)", ops[1].String())
	assert.Equal(t, Op{Name: "SetRegister", Addr: 0x00, Value: 1 << 5, Mask: 1 << 5}, ops[6])

	require.NoError(t, nh.Close())
	assert.Error(t, nh.Close())
	assert.Equal(t, "", nh.CurrentSerial())
}

func TestNoHardwareFIFO(t *testing.T) {
	nh := NewNoHardware("A")
	require.NoError(t, nh.OpenBySerial("A"))
	require.NoError(t, nh.ConfigureFPGA("atis.1.2.0.bit"))
	assert.Equal(t, uint32(0), occupancy(t, nh))

	events := []eventstream.PixelEvent{
		{X: 1, Y: 2, Timestamp: 10},
		{X: 3, Y: 4, Timestamp: 5000, Polarity: true},
	}
	require.NoError(t, nh.InjectEvents(events...))
	// two events plus one wrap marker, padded to a block of 32
	n := occupancy(t, nh)
	assert.Equal(t, uint32(32), n)

	buf := make([]byte, n*eventstream.RecordSize)
	got, err := nh.ReadFromPipeOut(nhEventPipe, buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), got)
	var offset eventstream.TimestampOffset
	assert.Equal(t, events, eventstream.Revision120.Decode(buf, &offset, nil))

	_, err = nh.ReadFromPipeOut(nhEventPipe, buf)
	assert.Error(t, err, "FIFO is empty")

	nh.InjectRaw(make([]byte, 64))
	require.NoError(t, nh.PulseTrigger(nhTriggerBank, nhResetFIFOBit))
	assert.Equal(t, uint32(0), occupancy(t, nh))
}

func TestNoHardwareFaults(t *testing.T) {
	nh := NewNoHardware("A")
	require.NoError(t, nh.OpenBySerial("A"))
	boom := errors.New("boom")
	nh.FailOn("SetRegister", boom)
	assert.True(t, errors.Is(nh.SetRegister(0, 1, 1), boom))
	nh.FailOn("SetRegister", nil)
	assert.NoError(t, nh.SetRegister(0, 1, 1))

	nh.SetOccupancy(1 << 25)
	assert.Equal(t, uint32(1<<25), occupancy(t, nh))

	nh.Disconnect()
	serials, err := nh.Enumerate()
	require.NoError(t, err)
	assert.Empty(t, serials)
	assert.Equal(t, "", nh.CurrentSerial())
}

func TestNoHardwareGenerate(t *testing.T) {
	nh := NewNoHardware("A")
	require.NoError(t, nh.OpenBySerial("A"))
	require.NoError(t, nh.ConfigureFPGA("atis.1.2.0.bit"))
	nh.Generate(1e5)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, uint32(0), occupancy(t, nh), "no events before streaming starts")

	require.NoError(t, nh.SetRegister(nhControlWire, 1<<nhStreamingBit, 1<<nhStreamingBit))
	time.Sleep(20 * time.Millisecond)
	n := occupancy(t, nh)
	require.NotZero(t, n)
	buf := make([]byte, n*eventstream.RecordSize)
	_, err := nh.ReadFromPipeOut(nhEventPipe, buf)
	require.NoError(t, err)
	var offset eventstream.TimestampOffset
	decoded := eventstream.Revision120.Decode(buf, &offset, nil)
	assert.NotEmpty(t, decoded)
	for i := 1; i < len(decoded); i++ {
		if decoded[i].Timestamp < decoded[i-1].Timestamp {
			t.Fatalf("timestamp went backwards at %d", i)
		}
	}
}

func TestRegistry(t *testing.T) {
	assert.Contains(t, Drivers(), "nohardware")
	fp, err := Open("nohardware")
	require.NoError(t, err)
	serials, err := fp.Enumerate()
	require.NoError(t, err)
	assert.Len(t, serials, 1)
	_, err = Open("no-such-driver")
	assert.Error(t, err)
	assert.Panics(t, func() { Register("nohardware", func() (FrontPanel, error) { return nil, nil }) })
}
