package okatis

import (
	"errors"

	"github.com/usnistgov/okatis/roi"
)

// Errors returned by Camera.Open (bring-up) and reported to the FaultHandler
// (acquisition). Callers compare with errors.Is; the returned values wrap these
// with the device serial or the underlying driver error.
var (
	ErrNoDeviceConnected        = errors.New("no Opal Kelly device is connected")
	ErrDeviceNotFound           = errors.New("requested serial is not connected")
	ErrConnectionFailed         = errors.New("opening the device failed")
	ErrClockConfigurationFailed = errors.New("loading the default PLL configuration failed")
	ErrFirmwareFileMissing      = errors.New("firmware file is not readable")
	ErrFirmwareLoadFailed       = errors.New("configuring the FPGA failed")
	ErrRegisterWriteFailed      = errors.New("register write or trigger failed")
	ErrSelectionOverflow        = roi.ErrSelectionOverflow
	ErrInvalidParameters        = errors.New("invalid camera parameters")

	ErrFifoOverflow       = errors.New("device FIFO overflow")
	ErrDeviceDisconnected = errors.New("device disconnected")
	ErrConsumerQueueFull  = errors.New("computer's FIFO overflow: event consumer is too slow")
	ErrTransferFailed     = errors.New("reading from the device failed")

	ErrCameraReused = errors.New("camera was already opened once")
	ErrNotOpen      = errors.New("camera is not open")
)
