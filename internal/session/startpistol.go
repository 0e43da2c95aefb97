package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/flysight-link/internal/ble"
	"github.com/chaz8081/flysight-link/internal/ble/protocol"
)

// StartPistolState returns the controller state.
func (e *Engine) StartPistolState() PistolState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pistol
}

// SendStartCommand arms the timing gun. Valid only from idle; the state
// becomes counting once the device acknowledges. Never retried: a
// duplicated start on the device side cannot be undone.
func (e *Engine) SendStartCommand(ctx context.Context) error {
	mux, err := e.muxIfConnected()
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.pistol != PistolIdle || e.pistolBusy {
		e.mu.Unlock()
		return fmt.Errorf("session: start pistol %s: %w", e.pistol, ble.ErrBusy)
	}
	e.pistolBusy = true
	e.mu.Unlock()

	ack, err := mux.Do(ctx, protocol.OpStart, nil, e.opts.CommandTimeout)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pistolBusy = false
	if err != nil {
		return fmt.Errorf("session: start command: %w", err)
	}
	if len(ack) < 1 || ack[0] != protocol.StatusOK {
		return fmt.Errorf("session: start command: %w", ble.ErrDeviceRejected)
	}
	if e.mux == nil {
		// Link died between the ack and here; teardown already reset us.
		return ble.ErrDisconnected
	}
	e.pistol = PistolCounting
	e.bus.Publish(Event{Type: EventStartPistol, Data: e.pistol})
	return nil
}

// SendCancelCommand disarms a counting timing gun without producing a
// result. Valid only while counting.
func (e *Engine) SendCancelCommand(ctx context.Context) error {
	mux, err := e.muxIfConnected()
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.pistol != PistolCounting || e.pistolBusy {
		e.mu.Unlock()
		return fmt.Errorf("session: start pistol %s: %w", e.pistol, ble.ErrBusy)
	}
	e.pistolBusy = true
	e.mu.Unlock()

	ack, err := mux.Do(ctx, protocol.OpCancel, nil, e.opts.CommandTimeout)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pistolBusy = false
	if err != nil {
		return fmt.Errorf("session: cancel command: %w", err)
	}
	if len(ack) < 1 || ack[0] != protocol.StatusOK {
		return fmt.Errorf("session: cancel command: %w", ble.ErrDeviceRejected)
	}
	if e.pistol == PistolCounting {
		e.pistol = PistolIdle
		e.startResult = nil
		e.bus.Publish(Event{Type: EventStartPistol, Data: e.pistol})
	}
	return nil
}

// handleStartResult runs on the device's unsolicited result notification:
// the UTC firing timestamp with millisecond precision. A result while idle
// (late or duplicate) is ignored.
func (e *Engine) handleStartResult(payload []byte) {
	if len(payload) != 8 {
		slog.Warn("[session] dropping start result", "bytes", len(payload))
		return
	}
	ts := time.UnixMilli(int64(binary.LittleEndian.Uint64(payload))).UTC()

	e.mu.Lock()
	if e.pistol != PistolCounting {
		e.mu.Unlock()
		slog.Warn("[session] ignoring start result while idle", "timestamp", ts)
		return
	}
	e.pistol = PistolIdle
	e.startResult = &ts
	e.bus.Publish(Event{Type: EventStartPistol, Data: e.pistol})
	e.bus.Publish(Event{Type: EventStartResult, Data: ts})
	e.mu.Unlock()

	if err := e.store.AppendStartResult(ts); err != nil {
		slog.Error("[session] persist start result", "error", err)
	}
	slog.Info("[session] start result", "timestamp", ts)
}

// TakeStartResult consumes the pending result exactly once; subsequent
// calls report none pending until the next result arrives.
func (e *Engine) TakeStartResult() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startResult == nil {
		return time.Time{}, false
	}
	t := *e.startResult
	e.startResult = nil
	return t, true
}
