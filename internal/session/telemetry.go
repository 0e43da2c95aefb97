package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chaz8081/flysight-link/internal/ble"
	"github.com/chaz8081/flysight-link/internal/ble/protocol"
)

// LiveGNSS returns the most recent telemetry snapshot; ok is false until
// the first packet of the connection decodes.
func (e *Engine) LiveGNSS() (protocol.GNSSData, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gnss, e.haveGNSS
}

// CurrentGNSSMask returns the device-confirmed telemetry mask.
func (e *Engine) CurrentGNSSMask() byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mask
}

// GNSSMaskStatus returns the mask-update status. A MaskFailed status
// sticks until a later fetch or successful update clears it; the engine
// never clears it on its own.
func (e *Engine) GNSSMaskStatus() MaskStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maskStatus
}

// handleTelemetry runs on every notification of the telemetry
// characteristic. Malformed packets are dropped; the previous snapshot
// stays published and the stream continues.
func (e *Engine) handleTelemetry(data []byte) {
	d, err := protocol.DecodeGNSSPacket(data)
	if err != nil {
		slog.Warn("[session] dropping telemetry packet", "error", err)
		return
	}
	e.mu.Lock()
	e.gnss = d
	e.haveGNSS = true
	e.bus.Publish(Event{Type: EventGNSS, Data: d})
	e.mu.Unlock()
}

// FetchGNSSMask reads the device's current mask, publishes it, and clears
// a lingering failure status.
func (e *Engine) FetchGNSSMask(ctx context.Context) (byte, error) {
	mux, err := e.muxIfConnected()
	if err != nil {
		return 0, err
	}
	payload, err := mux.Do(ctx, protocol.OpMaskRead, nil, e.opts.CommandTimeout)
	if err != nil {
		return 0, fmt.Errorf("session: fetch mask: %w", err)
	}
	if len(payload) < 1 {
		return 0, fmt.Errorf("session: fetch mask: empty response: %w", ble.ErrMalformedPacket)
	}

	e.mu.Lock()
	e.mask = payload[0]
	e.maskStatus = MaskStatus{State: MaskIdle}
	e.bus.Publish(Event{Type: EventGNSSMask, Data: e.mask})
	e.bus.Publish(Event{Type: EventMaskStatus, Data: e.maskStatus})
	e.mu.Unlock()
	return payload[0], nil
}

// UpdateGNSSMask writes a new mask. Rejected while an update is pending;
// exactly one mask-update request is ever in flight. The published mask is
// the device-confirmed value, which may differ from the request (the
// device can clamp or refuse bits). Never retried automatically.
func (e *Engine) UpdateGNSSMask(ctx context.Context, mask byte) error {
	mux, err := e.muxIfConnected()
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.maskStatus.State == MaskPending {
		e.mu.Unlock()
		return fmt.Errorf("session: mask update pending: %w", ble.ErrBusy)
	}
	e.maskStatus = MaskStatus{State: MaskPending}
	e.bus.Publish(Event{Type: EventMaskStatus, Data: e.maskStatus})
	e.mu.Unlock()

	payload, err := mux.Do(ctx, protocol.OpMaskWrite, []byte{mask}, e.opts.CommandTimeout)
	if err == nil && len(payload) < 1 {
		err = fmt.Errorf("session: empty mask-write response: %w", ble.ErrMalformedPacket)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		// teardown resets the status to idle when the whole link went away;
		// do not resurrect a failure on top of that.
		if e.maskStatus.State == MaskPending {
			e.maskStatus = MaskStatus{State: MaskFailed, Reason: err.Error()}
			e.bus.Publish(Event{Type: EventMaskStatus, Data: e.maskStatus})
		}
		return fmt.Errorf("session: update mask: %w", err)
	}
	e.mask = payload[0]
	e.maskStatus = MaskStatus{State: MaskIdle}
	e.bus.Publish(Event{Type: EventGNSSMask, Data: e.mask})
	e.bus.Publish(Event{Type: EventMaskStatus, Data: e.maskStatus})
	if payload[0] != mask {
		slog.Info("[session] device adjusted mask", "requested", fmt.Sprintf("0x%02x", mask), "confirmed", fmt.Sprintf("0x%02x", payload[0]))
	}
	return nil
}
