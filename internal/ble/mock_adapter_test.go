package ble

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// mockCharacteristic records writes and allows subscribing.
type mockCharacteristic struct {
	mu       sync.Mutex
	writes   [][]byte
	callback func([]byte)
	writeErr error
}

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

// SimulateNotification sends a notification to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *mockCharacteristic) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *mockCharacteristic) write(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[i]
}

// mockConnection simulates a BLE connection.
type mockConnection struct {
	mu           sync.Mutex
	cmdChar      *mockCharacteristic
	respChar     *mockCharacteristic
	telemChar    *mockCharacteristic
	disconnectCb func()
	disconnected bool
	rssi         int
}

func newMockConnection() *mockConnection {
	return &mockConnection{
		cmdChar:   &mockCharacteristic{},
		respChar:  &mockCharacteristic{},
		telemChar: &mockCharacteristic{},
		rssi:      -60,
	}
}

func (c *mockConnection) DiscoverService(serviceUUID string) error {
	if serviceUUID != ServiceUUID {
		return fmt.Errorf("mock: unknown service UUID %q", serviceUUID)
	}
	return nil
}

func (c *mockConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	switch charUUID {
	case CommandCharUUID:
		return c.cmdChar, nil
	case ResponseCharUUID:
		return c.respChar, nil
	case TelemetryCharUUID:
		return c.telemChar, nil
	default:
		return nil, fmt.Errorf("mock: unknown characteristic UUID %q", charUUID)
	}
}

func (c *mockConnection) ReadRSSI() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rssi, nil
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	cb := c.disconnectCb
	already := c.disconnected
	c.disconnected = true
	c.mu.Unlock()
	// BlueZ and CoreBluetooth both fire the disconnect callback for a
	// locally initiated teardown; the mock does the same.
	if cb != nil && !already {
		cb()
	}
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// SimulateDisconnect triggers the disconnect callback, as if the link
// dropped out from under us.
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.disconnected = true
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// mockAdapter simulates the BLE adapter.
type mockAdapter struct {
	mu         sync.Mutex
	devices    []Device
	connection *mockConnection // most recent connection for test assertions
	connectErr error
}

func newMockAdapter(devices []Device) *mockAdapter {
	return &mockAdapter{devices: devices}
}

func (a *mockAdapter) Enable() error { return nil }

func (a *mockAdapter) Scan(ctx context.Context, _ string) (<-chan Device, error) {
	a.mu.Lock()
	devices := a.devices
	a.mu.Unlock()

	ch := make(chan Device, len(devices)+1)
	for _, d := range devices {
		ch <- d
	}
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (a *mockAdapter) Connect(_ context.Context, _ string) (Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	conn := newMockConnection()
	a.connection = conn
	return conn, nil
}

// latestConnection returns the most recently created connection (thread-safe).
func (a *mockAdapter) latestConnection() *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connection
}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
}

func TestMockConnectionImplementsInterface(t *testing.T) {
	var _ Connection = (*mockConnection)(nil)
}

func TestMockCharacteristicImplementsInterface(t *testing.T) {
	var _ Characteristic = (*mockCharacteristic)(nil)
}
