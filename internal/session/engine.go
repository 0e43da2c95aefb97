package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/flysight-link/internal/ble"
	"github.com/chaz8081/flysight-link/internal/ble/protocol"
)

// Options configures engine timing and retry behavior.
type Options struct {
	ConnectTimeout  time.Duration // whole connect+discovery budget
	CommandTimeout  time.Duration // mask/start/cancel round-trips
	TransferTimeout time.Duration // directory and file-chunk round-trips
	ChunkRetries    int           // extra attempts for listing/chunk timeouts
	HistoryLimit    int           // start results retained in the store
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:  15 * time.Second,
		CommandTimeout:  ble.DefaultTimeout,
		TransferTimeout: ble.TransferTimeout,
		ChunkRetries:    2,
		HistoryLimit:    50,
	}
}

// Engine owns the BLE session with one FlySight at a time. All mutable
// state lives behind one mutex; blocking transport waits happen outside it.
// Observers subscribe through Bus and request changes via Engine methods.
type Engine struct {
	adapter ble.Adapter
	store   Store
	bus     *Bus
	opts    Options

	mu         sync.Mutex
	state      ConnectionState
	known      []*Peripheral
	pairing    []*Peripheral
	conn       ble.Connection
	mux        *ble.Mux
	scanCancel context.CancelFunc

	// directory browser
	path       []string
	entries    []protocol.DirEntry
	listing    bool
	listingGen uint64

	// transfers, at most one per direction
	download *transferSession
	upload   *transferSession

	// live telemetry
	gnss       protocol.GNSSData
	haveGNSS   bool
	mask       byte
	maskStatus MaskStatus

	// start pistol
	pistol      PistolState
	pistolBusy  bool
	startResult *time.Time
}

// NewEngine builds the engine, powers the adapter, and hydrates the known
// device list from the store.
func NewEngine(adapter ble.Adapter, store Store, opts Options) (*Engine, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = ble.DefaultTimeout
	}
	if opts.TransferTimeout <= 0 {
		opts.TransferTimeout = ble.TransferTimeout
	}
	if opts.ChunkRetries < 0 {
		opts.ChunkRetries = 0
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}

	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("session: enable adapter: %w", err)
	}

	e := &Engine{
		adapter: adapter,
		store:   store,
		bus:     NewBus(),
		opts:    opts,
	}
	loaded, err := store.LoadKnownPeripherals()
	if err != nil {
		return nil, fmt.Errorf("session: load known peripherals: %w", err)
	}
	for i := range loaded {
		p := loaded[i]
		p.Connected = false
		e.known = append(e.known, &p)
	}
	return e, nil
}

// Bus returns the engine's event bus for observers.
func (e *Engine) Bus() *Bus { return e.bus }

// ── published state accessors ─────────────────────────────────────────────

// ConnectionState returns the current lifecycle snapshot.
func (e *Engine) ConnectionState() ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// KnownPeripherals returns a snapshot of bonded/stored devices.
func (e *Engine) KnownPeripherals() []Peripheral {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyPeripherals(e.known)
}

// DiscoveredPairingPeripherals returns a snapshot of devices seen in
// pairing mode during the current or most recent pairing scan.
func (e *Engine) DiscoveredPairingPeripherals() []Peripheral {
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyPeripherals(e.pairing)
}

func copyPeripherals(in []*Peripheral) []Peripheral {
	out := make([]Peripheral, len(in))
	for i, p := range in {
		out[i] = *p
	}
	return out
}

// ── scanning ──────────────────────────────────────────────────────────────

// StartScanningForKnownDevices scans for bonded devices advertising the
// main service and refreshes their names and signal strength.
func (e *Engine) StartScanningForKnownDevices() error {
	return e.startScan(PhaseScanningKnown, ble.ServiceUUID)
}

// StartScanningForPairingModeDevices scans for devices advertising the
// pairing service, rebuilding the discovered list from scratch.
func (e *Engine) StartScanningForPairingModeDevices() error {
	return e.startScan(PhaseScanningPairing, ble.PairingServiceUUID)
}

func (e *Engine) startScan(phase Phase, serviceUUID string) error {
	e.mu.Lock()
	switch e.state.Phase {
	case PhaseIdle:
	case PhaseScanningKnown, PhaseScanningPairing:
		if e.state.Phase == phase {
			e.mu.Unlock()
			return nil
		}
		// The two scan modes are mutually exclusive.
		e.stopScanLocked()
	default:
		defer e.mu.Unlock()
		return fmt.Errorf("session: cannot scan while %s: %w", e.state.Phase, ble.ErrBusy)
	}

	if phase == PhaseScanningPairing {
		e.pairing = nil
		e.publishPairingLocked()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.scanCancel = cancel
	e.setStateLocked(phase, "")
	e.mu.Unlock()

	sightings, err := e.adapter.Scan(ctx, serviceUUID)
	if err != nil {
		e.mu.Lock()
		e.stopScanLocked()
		e.setStateLocked(PhaseIdle, "")
		e.mu.Unlock()
		return fmt.Errorf("session: start scan: %w", err)
	}
	go e.consumeScan(phase, sightings)
	return nil
}

// StopScanning stops whichever scan mode is active; no-op otherwise.
func (e *Engine) StopScanning() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Phase != PhaseScanningKnown && e.state.Phase != PhaseScanningPairing {
		return
	}
	e.stopScanLocked()
	e.setStateLocked(PhaseIdle, "")
}

// stopScanLocked cancels the scan stream. Caller holds mu.
func (e *Engine) stopScanLocked() {
	if e.scanCancel != nil {
		e.scanCancel()
		e.scanCancel = nil
	}
}

func (e *Engine) consumeScan(phase Phase, sightings <-chan ble.Device) {
	for d := range sightings {
		e.onSighting(phase, d)
	}
}

func (e *Engine) onSighting(phase Phase, d ble.Device) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Phase != phase {
		return // scan mode changed under the stream
	}
	now := time.Now().UTC()
	switch phase {
	case PhaseScanningKnown:
		// Only refresh devices we have bonded before; strangers advertising
		// the main service are not ours to connect to.
		for _, p := range e.known {
			if p.ID == d.ID {
				if d.Name != "" {
					p.Name = d.Name
				}
				p.RSSI = d.RSSI
				p.LastSeen = now
				e.publishKnownLocked()
				return
			}
		}
	case PhaseScanningPairing:
		for _, p := range e.pairing {
			if p.ID == d.ID {
				if d.Name != "" {
					p.Name = d.Name
				}
				p.RSSI = d.RSSI
				p.LastSeen = now
				e.publishPairingLocked()
				return
			}
		}
		e.pairing = append(e.pairing, &Peripheral{
			ID: d.ID, Name: d.Name, RSSI: d.RSSI, LastSeen: now,
		})
		e.publishPairingLocked()
	}
}

// ── connect / disconnect ──────────────────────────────────────────────────

// Connect walks the full sequence: connecting, service discovery,
// characteristic discovery, notify subscription, connected. Connecting to
// the already-connected peripheral is a no-op success; any other attempt
// while one is in flight fails with ErrBusy.
func (e *Engine) Connect(ctx context.Context, id string) error {
	e.mu.Lock()
	switch e.state.Phase {
	case PhaseConnected:
		if e.state.Target == id {
			e.mu.Unlock()
			return nil
		}
		defer e.mu.Unlock()
		return fmt.Errorf("session: connected to %s: %w", e.state.Target, ble.ErrBusy)
	case PhaseConnecting, PhaseDiscoveringServices, PhaseDiscoveringCharacteristics, PhaseDisconnecting:
		defer e.mu.Unlock()
		return fmt.Errorf("session: connection attempt in flight: %w", ble.ErrBusy)
	case PhaseScanningKnown, PhaseScanningPairing:
		e.stopScanLocked()
	}
	e.setStateLocked(PhaseConnecting, id)
	e.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, e.opts.ConnectTimeout)
	defer cancel()

	conn, err := e.adapter.Connect(cctx, id)
	if err != nil {
		return e.failConnect(nil, id, "connect", err)
	}

	e.setState(PhaseDiscoveringServices, id)
	if err := conn.DiscoverService(ble.ServiceUUID); err != nil {
		return e.failConnect(conn, id, "discover service", err)
	}

	e.setState(PhaseDiscoveringCharacteristics, id)
	cmd, err := conn.DiscoverCharacteristic(ble.ServiceUUID, ble.CommandCharUUID)
	if err != nil {
		return e.failConnect(conn, id, "discover command characteristic", err)
	}
	resp, err := conn.DiscoverCharacteristic(ble.ServiceUUID, ble.ResponseCharUUID)
	if err != nil {
		return e.failConnect(conn, id, "discover response characteristic", err)
	}
	telem, err := conn.DiscoverCharacteristic(ble.ServiceUUID, ble.TelemetryCharUUID)
	if err != nil {
		return e.failConnect(conn, id, "discover telemetry characteristic", err)
	}

	// NewMux confirms the response notify subscription; without it the
	// link is useless and the attempt fails.
	mux, err := ble.NewMux(cmd, resp)
	if err != nil {
		return e.failConnect(conn, id, "subscribe responses", err)
	}
	mux.Handle(protocol.OpStartResult, e.handleStartResult)
	if err := telem.Subscribe(e.handleTelemetry); err != nil {
		return e.failConnect(conn, id, "subscribe telemetry", err)
	}
	// Install the connection before registering the drop callback so a
	// drop delivered during registration finds it and tears down for real
	// instead of hitting teardown's stale-connection check.
	e.mu.Lock()
	e.conn = conn
	e.mux = mux
	e.mu.Unlock()

	// The transport replays a drop that happened earlier in setup by
	// firing this callback synchronously at registration.
	conn.OnDisconnect(func() {
		slog.Warn("[session] link dropped", "id", id)
		e.teardown(conn)
	})

	e.mu.Lock()
	if e.conn != conn {
		// Link died during setup; teardown already put us back to idle.
		e.mu.Unlock()
		return fmt.Errorf("session: connect %s: %w", id, ble.ErrDisconnected)
	}
	e.markBondedLocked(id)
	e.setStateLocked(PhaseConnected, id)
	e.mu.Unlock()

	slog.Info("[session] connected", "id", id)
	return nil
}

// failConnect unwinds a failed attempt back to idle.
func (e *Engine) failConnect(conn ble.Connection, id, step string, err error) error {
	if conn != nil {
		_ = conn.Disconnect()
	}
	e.setState(PhaseIdle, "")
	slog.Warn("[session] connect failed", "id", id, "step", step, "error", err)
	return fmt.Errorf("session: %s for %s: %w", step, id, err)
}

// Disconnect tears the link down deliberately. Everything in flight fails
// with ErrDisconnected and dependent component state resets.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	if e.state.Phase != PhaseConnected {
		e.mu.Unlock()
		return ble.ErrNotConnected
	}
	conn := e.conn
	e.setStateLocked(PhaseDisconnecting, e.state.Target)
	e.mu.Unlock()

	err := conn.Disconnect()
	e.teardown(conn)
	return err
}

// ForgetDevice removes a bonded identity from the store, disconnecting
// first if it is the live peripheral.
func (e *Engine) ForgetDevice(id string) error {
	e.mu.Lock()
	connected := e.state.Phase == PhaseConnected && e.state.Target == id
	e.mu.Unlock()
	if connected {
		if err := e.Disconnect(); err != nil && !errors.Is(err, ble.ErrNotConnected) {
			return err
		}
	}

	e.mu.Lock()
	for i, p := range e.known {
		if p.ID == id {
			e.known = append(e.known[:i], e.known[i+1:]...)
			break
		}
	}
	e.publishKnownLocked()
	e.mu.Unlock()

	if err := e.store.DeletePeripheral(id); err != nil {
		return fmt.Errorf("session: forget %s: %w", id, err)
	}
	return nil
}

// teardown is the single cleanup path for both deliberate disconnects and
// link drops. Idempotent per connection.
func (e *Engine) teardown(conn ble.Connection) {
	e.mu.Lock()
	if e.conn != conn {
		e.mu.Unlock()
		return // stale callback from a previous connection
	}
	mux := e.mux
	e.conn = nil
	e.mux = nil

	if e.download != nil {
		e.download.abort()
	}
	if e.upload != nil {
		e.upload.abort()
	}
	e.listing = false
	e.listingGen++ // a listing goroutine from this connection must not touch later state
	e.pistol = PistolIdle
	e.pistolBusy = false
	e.startResult = nil
	e.maskStatus = MaskStatus{State: MaskIdle}
	for _, p := range e.known {
		p.Connected = false
	}
	e.bus.Publish(Event{Type: EventStartPistol, Data: PistolIdle})
	e.bus.Publish(Event{Type: EventMaskStatus, Data: e.maskStatus})
	e.publishKnownLocked()
	e.setStateLocked(PhaseIdle, "")
	e.mu.Unlock()

	// Outside the lock: waiters woken here re-enter the engine.
	if mux != nil {
		mux.FailAll(ble.ErrDisconnected)
	}
}

// RefreshRSSI samples signal strength on the live link and folds it into
// the known-device snapshot.
func (e *Engine) RefreshRSSI() (int, error) {
	e.mu.Lock()
	if e.state.Phase != PhaseConnected {
		e.mu.Unlock()
		return 0, ble.ErrNotConnected
	}
	conn := e.conn
	id := e.state.Target
	e.mu.Unlock()

	rssi, err := conn.ReadRSSI()
	if err != nil {
		return 0, fmt.Errorf("session: read RSSI: %w", err)
	}

	e.mu.Lock()
	for _, p := range e.known {
		if p.ID == id {
			p.RSSI = rssi
			p.LastSeen = time.Now().UTC()
		}
	}
	e.publishKnownLocked()
	e.mu.Unlock()
	return rssi, nil
}

// StartHistory returns recorded start-pistol timestamps, most recent first.
func (e *Engine) StartHistory() ([]time.Time, error) {
	return e.store.StartHistory(e.opts.HistoryLimit)
}

// ── internals ─────────────────────────────────────────────────────────────

func (e *Engine) setState(phase Phase, target string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setStateLocked(phase, target)
}

func (e *Engine) setStateLocked(phase Phase, target string) {
	e.state = ConnectionState{Phase: phase, Target: target}
	e.bus.Publish(Event{Type: EventConnectionState, Data: e.state})
}

// markBondedLocked upserts the peripheral we just connected to and
// persists it. Caller holds mu.
func (e *Engine) markBondedLocked(id string) {
	now := time.Now().UTC()
	var entry *Peripheral
	for _, p := range e.known {
		if p.ID == id {
			entry = p
			break
		}
	}
	if entry == nil {
		entry = &Peripheral{ID: id}
		// Carry the advertised name over from the pairing scan, if any.
		for _, p := range e.pairing {
			if p.ID == id {
				entry.Name = p.Name
				entry.RSSI = p.RSSI
			}
		}
		e.known = append(e.known, entry)
	}
	entry.Bonded = true
	entry.Connected = true
	entry.LastSeen = now
	if err := e.store.SavePeripheral(*entry); err != nil {
		slog.Error("[session] persist peripheral", "id", id, "error", err)
	}
	e.publishKnownLocked()
}

func (e *Engine) publishKnownLocked() {
	e.bus.Publish(Event{Type: EventKnownDevices, Data: copyPeripherals(e.known)})
}

func (e *Engine) publishPairingLocked() {
	e.bus.Publish(Event{Type: EventPairingDevices, Data: copyPeripherals(e.pairing)})
}

// muxIfConnected returns the live mux or ErrNotConnected.
func (e *Engine) muxIfConnected() (*ble.Mux, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Phase != PhaseConnected || e.mux == nil {
		return nil, ble.ErrNotConnected
	}
	return e.mux, nil
}

// doWithRetry re-issues a request on timeout, up to the configured bound.
// Anything other than a timeout fails immediately.
func (e *Engine) doWithRetry(ctx context.Context, mux *ble.Mux, op byte, payload []byte, timeout time.Duration) ([]byte, error) {
	var last error
	for attempt := 0; attempt <= e.opts.ChunkRetries; attempt++ {
		p, err := mux.Do(ctx, op, payload, timeout)
		if err == nil {
			return p, nil
		}
		last = err
		if !errors.Is(err, ble.ErrTimeout) {
			return nil, err
		}
		slog.Warn("[session] request timed out, retrying", "opcode", fmt.Sprintf("0x%02x", op), "attempt", attempt+1)
	}
	return nil, last
}
