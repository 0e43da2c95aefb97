// Package ble provides the BLE client layer for communicating with a
// FlySight GNSS logger. It defines the transport adapter boundary, the
// request/response multiplexer over the command/response characteristic
// pair, and the error taxonomy shared by the session engine.
package ble

import "context"

// FlySight BLE UUIDs
const (
	ServiceUUID        = "0000aa10-cc7a-482a-984a-7f2ed5b3e58f"
	PairingServiceUUID = "0000aa20-cc7a-482a-984a-7f2ed5b3e58f"
	CommandCharUUID    = "0000aa11-8e22-4541-9d4c-21edae82ed19"
	ResponseCharUUID   = "0000aa12-8e22-4541-9d4c-21edae82ed19"
	TelemetryCharUUID  = "0000aa13-8e22-4541-9d4c-21edae82ed19"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral. ID is the platform's opaque
// device identifier (a MAC address on Linux, a CoreBluetooth UUID on macOS).
type Device struct {
	Name string
	ID   string
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverService confirms the service is present on the peripheral.
	DiscoverService(serviceUUID string) error
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// ReadRSSI samples the current signal strength of the live link.
	ReadRSSI() (int, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan streams peripherals advertising the given service UUID. Every
	// sighting is forwarded (no dedup) so callers can track RSSI. The
	// channel closes once ctx is cancelled and the scan has stopped.
	Scan(ctx context.Context, serviceUUID string) (<-chan Device, error)
	// Connect establishes a connection to the device with the given ID.
	Connect(ctx context.Context, id string) (Connection, error)
}
