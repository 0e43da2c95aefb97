package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/chaz8081/flysight-link/internal/ble"
	"github.com/chaz8081/flysight-link/internal/ble/protocol"
)

// fakeDevice scripts a FlySight: an in-memory filesystem, a telemetry mask,
// and start-pistol behavior, answering command frames over a fake link.
// Responses are delivered from a pump goroutine so notifications arrive
// asynchronously, like on a real stack.
type fakeDevice struct {
	mu            sync.Mutex
	dirs          map[string][]protocol.DirEntry // path -> entries, no end marker
	files         map[string][]byte
	openFile      string
	mask          byte
	maskSupported byte
	createStatus  byte
	writeStatus   byte
	startStatus   byte
	cancelStatus  byte
	silent        map[byte]int // opcode -> requests to swallow (no response)
	reqCount      map[byte]int
	onFileRead    func(n int) // called with the request ordinal, device lock held

	conn *fakeConn
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		dirs:          make(map[string][]protocol.DirEntry),
		files:         make(map[string][]byte),
		mask:          protocol.MaskTime | protocol.MaskPosition,
		maskSupported: protocol.MaskAll,
		silent:        make(map[byte]int),
		reqCount:      make(map[byte]int),
	}
}

func (d *fakeDevice) requests(op byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reqCount[op]
}

func (d *fakeDevice) swallow(op byte, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent[op] = n
}

// handleCommand decodes one command frame and queues the response.
func (d *fakeDevice) handleCommand(frame []byte) {
	op, payload, err := protocol.DecodeFrame(frame)
	if err != nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqCount[op]++
	if d.silent[op] > 0 {
		d.silent[op]--
		return
	}
	conn := d.conn
	respond := func(p []byte) { conn.notify(op|protocol.ResponseBit, p) }

	switch op {
	case protocol.OpDirRead:
		index := binary.LittleEndian.Uint16(payload)
		entries := d.dirs[string(payload[2:])]
		if int(index) < len(entries) {
			respond(protocol.EncodeDirEntry(entries[index]))
		} else {
			respond(protocol.EncodeDirEntry(protocol.DirEntry{End: true}))
		}

	case protocol.OpFileRead:
		if d.onFileRead != nil {
			d.onFileRead(d.reqCount[op])
		}
		off := int(binary.LittleEndian.Uint32(payload))
		data := d.files[string(payload[4:])]
		if off >= len(data) {
			respond(nil)
			return
		}
		end := off + protocol.FileChunkSize
		if end > len(data) {
			end = len(data)
		}
		respond(data[off:end])

	case protocol.OpFileCreate:
		if d.createStatus != protocol.StatusOK {
			respond([]byte{d.createStatus})
			return
		}
		d.openFile = string(payload)
		d.files[d.openFile] = nil
		respond([]byte{protocol.StatusOK})

	case protocol.OpFileWrite:
		if d.writeStatus != protocol.StatusOK {
			respond([]byte{d.writeStatus})
			return
		}
		off := int(binary.LittleEndian.Uint32(payload))
		chunk := payload[4:]
		data := d.files[d.openFile]
		if need := off + len(chunk); need > len(data) {
			data = append(data, make([]byte, need-len(data))...)
		}
		copy(data[off:], chunk)
		d.files[d.openFile] = data
		respond([]byte{protocol.StatusOK})

	case protocol.OpMaskRead:
		respond([]byte{d.mask})

	case protocol.OpMaskWrite:
		d.mask = payload[0] & d.maskSupported // device clamps unsupported bits
		respond([]byte{d.mask})

	case protocol.OpStart:
		respond([]byte{d.startStatus})

	case protocol.OpCancel:
		respond([]byte{d.cancelStatus})
	}
}

// fireStartResult pushes the unsolicited firing-timestamp notification.
func (d *fakeDevice) fireStartResult(ts time.Time) {
	var payload [8]byte
	binary.LittleEndian.PutUint64(payload[:], uint64(ts.UnixMilli()))
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	conn.notify(protocol.OpStartResult, payload[:])
}

// pushTelemetry delivers one live GNSS packet on the telemetry characteristic.
func (d *fakeDevice) pushTelemetry(raw []byte) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	conn.telem.deliver(raw)
}

// fakeChar is one GATT characteristic of the fake link.
type fakeChar struct {
	mu      sync.Mutex
	cb      func([]byte)
	onWrite func([]byte)
}

func (c *fakeChar) Write(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	c.mu.Lock()
	onWrite := c.onWrite
	c.mu.Unlock()
	if onWrite != nil {
		onWrite(cp)
	}
	return nil
}

func (c *fakeChar) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
	return nil
}

func (c *fakeChar) deliver(data []byte) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

// fakeConn is one live link to the fake device.
type fakeConn struct {
	cmd   *fakeChar
	resp  *fakeChar
	telem *fakeChar

	pump chan []byte

	mu           sync.Mutex
	disconnectCb func()
	dropped      bool
}

func newFakeConn(d *fakeDevice) *fakeConn {
	c := &fakeConn{
		cmd:   &fakeChar{},
		resp:  &fakeChar{},
		telem: &fakeChar{},
		pump:  make(chan []byte, 64),
	}
	c.cmd.onWrite = d.handleCommand
	// Deliver response frames in order, off the writer's goroutine.
	go func() {
		for frame := range c.pump {
			c.resp.deliver(frame)
		}
	}()
	return c
}

// notify frames and queues one response-characteristic notification.
func (c *fakeConn) notify(op byte, payload []byte) {
	frame, err := protocol.EncodeFrame(op, payload)
	if err != nil {
		panic(fmt.Sprintf("fake device frame: %v", err))
	}
	c.pump <- frame
}

func (c *fakeConn) DiscoverService(serviceUUID string) error {
	if serviceUUID != ble.ServiceUUID {
		return fmt.Errorf("fake: unknown service %q", serviceUUID)
	}
	return nil
}

func (c *fakeConn) DiscoverCharacteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	switch charUUID {
	case ble.CommandCharUUID:
		return c.cmd, nil
	case ble.ResponseCharUUID:
		return c.resp, nil
	case ble.TelemetryCharUUID:
		return c.telem, nil
	default:
		return nil, fmt.Errorf("fake: unknown characteristic %q", charUUID)
	}
}

func (c *fakeConn) ReadRSSI() (int, error) { return -55, nil }

func (c *fakeConn) Disconnect() error {
	c.drop()
	return nil
}

// OnDisconnect matches the production transport: a drop that happened
// before registration replays the callback immediately.
func (c *fakeConn) OnDisconnect(cb func()) {
	c.mu.Lock()
	c.disconnectCb = cb
	already := c.dropped
	c.mu.Unlock()
	if already {
		cb()
	}
}

// drop simulates the link going away, firing the disconnect callback once.
func (c *fakeConn) drop() {
	c.mu.Lock()
	cb := c.disconnectCb
	already := c.dropped
	c.dropped = true
	c.mu.Unlock()
	if cb != nil && !already {
		cb()
	}
}

// fakeAdapter hands out connections to one fake device.
type fakeAdapter struct {
	device *fakeDevice

	mu         sync.Mutex
	sightings  []ble.Device
	conn       *fakeConn
	connectErr error

	// dropDuringSetup kills the link right after Connect hands it out,
	// before the session has discovered anything or registered callbacks.
	dropDuringSetup bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{device: newFakeDevice()}
}

func (a *fakeAdapter) Enable() error { return nil }

func (a *fakeAdapter) Scan(ctx context.Context, _ string) (<-chan ble.Device, error) {
	a.mu.Lock()
	sightings := append([]ble.Device(nil), a.sightings...)
	a.mu.Unlock()

	ch := make(chan ble.Device, len(sightings)+1)
	for _, d := range sightings {
		ch <- d
	}
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (a *fakeAdapter) Connect(_ context.Context, id string) (ble.Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	conn := newFakeConn(a.device)
	a.conn = conn
	a.device.mu.Lock()
	a.device.conn = conn
	a.device.mu.Unlock()
	if a.dropDuringSetup {
		conn.drop()
	}
	return conn, nil
}

func (a *fakeAdapter) latestConn() *fakeConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

// memStore is an in-memory session.Store for engine tests.
type memStore struct {
	mu      sync.Mutex
	devices []Peripheral
	history []time.Time
	deletes []string
}

func newMemStore() *memStore { return &memStore{} }

func (s *memStore) LoadKnownPeripherals() ([]Peripheral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Peripheral(nil), s.devices...), nil
}

func (s *memStore) SavePeripheral(p Peripheral) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.devices {
		if s.devices[i].ID == p.ID {
			s.devices[i] = p
			return nil
		}
	}
	s.devices = append(s.devices, p)
	return nil
}

func (s *memStore) DeletePeripheral(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, id)
	for i := range s.devices {
		if s.devices[i].ID == id {
			s.devices = append(s.devices[:i], s.devices[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memStore) AppendStartResult(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append([]time.Time{t}, s.history...)
	if len(s.history) > 50 {
		s.history = s.history[:50]
	}
	return nil
}

func (s *memStore) StartHistory(limit int) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	return append([]time.Time(nil), s.history[:limit]...), nil
}
