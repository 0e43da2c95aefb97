package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/flysight-link/internal/ble/protocol"
)

// Request timeout defaults. Directory and file-chunk exchanges get a longer
// budget because the device reads flash while servicing them.
const (
	DefaultTimeout  = 3 * time.Second
	TransferTimeout = 8 * time.Second
)

type muxResult struct {
	payload []byte
	err     error
}

type muxRequest struct {
	op        byte
	frame     []byte
	timeout   time.Duration
	done      chan muxResult
	sent      bool
	abandoned bool
	timer     *time.Timer
}

// Mux serializes writes to the command characteristic and correlates
// response notifications back to pending requests. The device echoes no
// request id, so correlation is FIFO within an opcode family: at most one
// request per family is on the wire, later ones queue in submission order.
// Across families there is no ordering guarantee.
//
// A Mux is built per connection and dies with it (FailAll).
type Mux struct {
	cmd Characteristic

	mu       sync.Mutex
	pending  map[byte][]*muxRequest
	handlers map[byte]func(payload []byte)
	closed   error
}

// NewMux wires a multiplexer to the command/response characteristic pair.
func NewMux(cmd, resp Characteristic) (*Mux, error) {
	m := &Mux{
		cmd:      cmd,
		pending:  make(map[byte][]*muxRequest),
		handlers: make(map[byte]func([]byte)),
	}
	if err := resp.Subscribe(m.handleNotification); err != nil {
		return nil, fmt.Errorf("ble: subscribe to responses: %w", err)
	}
	return m, nil
}

// Handle registers a callback for an unsolicited notification opcode.
func (m *Mux) Handle(op byte, fn func(payload []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[op] = fn
}

// Do submits a request and blocks until its response arrives, its timeout
// expires (ErrTimeout), ctx is cancelled, or the link drops
// (ErrDisconnected). No retries happen here; retry policy belongs to the
// caller. The returned payload is the caller's to keep.
func (m *Mux) Do(ctx context.Context, op byte, payload []byte, timeout time.Duration) ([]byte, error) {
	frame, err := protocol.EncodeFrame(op, payload)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	req := &muxRequest{op: op, frame: frame, timeout: timeout, done: make(chan muxResult, 1)}

	fam := protocol.Family(op)
	m.mu.Lock()
	if m.closed != nil {
		m.mu.Unlock()
		return nil, m.closed
	}
	m.pending[fam] = append(m.pending[fam], req)
	if len(m.pending[fam]) == 1 {
		m.sendHeadLocked(fam)
	}
	m.mu.Unlock()

	select {
	case res := <-req.done:
		return res.payload, res.err
	case <-ctx.Done():
		// A request already on the wire is left to complete or time out;
		// its result is discarded. A queued one is removed outright.
		m.abandon(req)
		return nil, ctx.Err()
	}
}

// sendHeadLocked writes the head of a family queue to the wire, dropping
// requests whose write fails. Caller holds mu.
func (m *Mux) sendHeadLocked(fam byte) {
	for len(m.pending[fam]) > 0 {
		req := m.pending[fam][0]
		if req.sent {
			return
		}
		if err := m.cmd.Write(req.frame); err != nil {
			m.pending[fam] = m.pending[fam][1:]
			m.deliverLocked(req, muxResult{err: fmt.Errorf("ble: write opcode 0x%02x: %w", req.op, err)})
			continue
		}
		req.sent = true
		req.timer = time.AfterFunc(req.timeout, func() { m.expire(fam, req) })
		return
	}
}

// expire fails an outstanding request that never got a response.
func (m *Mux) expire(fam byte, req *muxRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.pending[fam]
	if len(q) == 0 || q[0] != req {
		return // response or FailAll won the race
	}
	m.pending[fam] = q[1:]
	m.deliverLocked(req, muxResult{err: fmt.Errorf("%w: opcode 0x%02x after %s", ErrTimeout, req.op, req.timeout)})
	m.sendHeadLocked(fam)
}

// handleNotification runs on the transport's notify callback for the
// response characteristic.
func (m *Mux) handleNotification(data []byte) {
	op, payload, err := protocol.DecodeFrame(data)
	if err != nil {
		slog.Warn("[BLE] dropping malformed response frame", "error", err)
		return
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)

	if !protocol.IsResponse(op) {
		m.mu.Lock()
		fn := m.handlers[op]
		m.mu.Unlock()
		if fn == nil {
			slog.Warn("[BLE] unsolicited notification with no handler", "opcode", fmt.Sprintf("0x%02x", op))
			return
		}
		fn(cp)
		return
	}

	fam := protocol.Family(op)
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.pending[fam]
	if len(q) == 0 || !q[0].sent {
		slog.Warn("[BLE] response with no outstanding request", "opcode", fmt.Sprintf("0x%02x", op))
		return
	}
	req := q[0]
	m.pending[fam] = q[1:]
	req.timer.Stop()
	m.deliverLocked(req, muxResult{payload: cp})
	m.sendHeadLocked(fam)
}

// abandon detaches a request whose caller gave up waiting.
func (m *Mux) abandon(req *muxRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req.abandoned = true
	if req.sent {
		return
	}
	fam := protocol.Family(req.op)
	q := m.pending[fam]
	for i, r := range q {
		if r == req {
			m.pending[fam] = append(q[:i], q[i+1:]...)
			break
		}
	}
}

// deliverLocked completes a request unless its caller abandoned it.
// Caller holds mu; done is buffered so the send never blocks.
func (m *Mux) deliverLocked(req *muxRequest, res muxResult) {
	if req.abandoned {
		return
	}
	req.done <- res
}

// FailAll fails every outstanding and queued request and refuses new ones.
// Called when the link drops or the session tears down.
func (m *Mux) FailAll(cause error) {
	if cause == nil {
		cause = ErrDisconnected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed != nil {
		return
	}
	m.closed = cause
	for fam, q := range m.pending {
		for _, req := range q {
			if req.timer != nil {
				req.timer.Stop()
			}
			m.deliverLocked(req, muxResult{err: cause})
		}
		delete(m.pending, fam)
	}
}

// PendingCount reports requests currently outstanding or queued, across all
// families. Used by tests and the disconnect path assertion.
func (m *Mux) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.pending {
		n += len(q)
	}
	return n
}
