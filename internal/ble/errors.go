package ble

import (
	"errors"

	"github.com/chaz8081/flysight-link/internal/ble/protocol"
)

// Failure taxonomy shared by the multiplexer and the session engine. Every
// failure surfaces as one of these values (possibly wrapped); nothing panics.
var (
	// ErrBusy reports a conflicting operation already in flight.
	ErrBusy = errors.New("ble: busy")
	// ErrTimeout reports no matching response within the request budget.
	ErrTimeout = errors.New("ble: timeout")
	// ErrDisconnected reports the link dropped mid-operation.
	ErrDisconnected = errors.New("ble: disconnected")
	// ErrDeviceRejected reports an explicit NAK from the peripheral.
	ErrDeviceRejected = errors.New("ble: device rejected")
	// ErrTransferAborted reports a transfer ended by cancel or disconnect.
	ErrTransferAborted = errors.New("ble: transfer aborted")
	// ErrNotConnected reports an operation attempted without a connection.
	ErrNotConnected = errors.New("ble: not connected")
	// ErrMalformedPacket reports a framing, length, or checksum mismatch.
	ErrMalformedPacket = protocol.ErrMalformed
)
