// Package session implements the FlySight link engine: the connection state
// machine, directory browsing, chunked file transfer, live GNSS telemetry,
// and the start-pistol protocol, all multiplexed over one BLE link. State is
// owned by the Engine and published to observers as immutable snapshots.
package session

import "time"

// Phase is the connection lifecycle stage.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseScanningKnown
	PhaseScanningPairing
	PhaseConnecting
	PhaseDiscoveringServices
	PhaseDiscoveringCharacteristics
	PhaseConnected
	PhaseDisconnecting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseScanningKnown:
		return "scanning-known"
	case PhaseScanningPairing:
		return "scanning-pairing"
	case PhaseConnecting:
		return "connecting"
	case PhaseDiscoveringServices:
		return "discovering-services"
	case PhaseDiscoveringCharacteristics:
		return "discovering-characteristics"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnecting:
		return "disconnecting"
	}
	return "unknown"
}

// ConnectionState is the published lifecycle snapshot. Target is the
// peripheral ID the non-scan phases refer to; it is stable across
// connecting through connected for a single attempt.
type ConnectionState struct {
	Phase  Phase
	Target string
}

// Peripheral is the engine's view of one FlySight unit, discovered by scan
// or loaded from the known-device store.
type Peripheral struct {
	ID        string
	Name      string
	RSSI      int
	Bonded    bool
	Connected bool
	LastSeen  time.Time
}

// Direction tags a transfer session.
type Direction int

const (
	DirectionDownload Direction = iota
	DirectionUpload
)

func (d Direction) String() string {
	if d == DirectionUpload {
		return "upload"
	}
	return "download"
}

// MaskUpdateState gates mask-update requests: a new update may only be
// issued from idle.
type MaskUpdateState int

const (
	MaskIdle MaskUpdateState = iota
	MaskPending
	MaskFailed
)

func (s MaskUpdateState) String() string {
	switch s {
	case MaskPending:
		return "pending"
	case MaskFailed:
		return "failure"
	}
	return "idle"
}

// MaskStatus is the published mask-update status. Reason is set only in
// MaskFailed and sticks until a later update succeeds or a fetch clears it.
type MaskStatus struct {
	State  MaskUpdateState
	Reason string
}

// PistolState is the start-pistol controller state.
type PistolState int

const (
	PistolIdle PistolState = iota
	PistolCounting
)

func (s PistolState) String() string {
	if s == PistolCounting {
		return "counting"
	}
	return "idle"
}

// Store is the persistence boundary: known-device identities and the
// start-command history, kept outside the engine.
type Store interface {
	// LoadKnownPeripherals returns previously bonded devices in the order
	// they were first seen.
	LoadKnownPeripherals() ([]Peripheral, error)
	// SavePeripheral inserts or refreshes one known device.
	SavePeripheral(p Peripheral) error
	// DeletePeripheral removes a device identity.
	DeletePeripheral(id string) error
	// AppendStartResult records a start-pistol timestamp, keeping only the
	// most recent entries.
	AppendStartResult(t time.Time) error
	// StartHistory returns up to limit timestamps, most recent first.
	StartHistory(limit int) ([]time.Time, error)
}
