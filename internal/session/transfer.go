package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/chaz8081/flysight-link/internal/ble"
	"github.com/chaz8081/flysight-link/internal/ble/protocol"
)

// transferSession tracks one in-flight download or upload. Cancellation is
// cooperative: the flag is checked before each chunk request; a chunk
// already on the wire completes or times out and its result is discarded.
type transferSession struct {
	direction   Direction
	path        string
	total       int64 // 0 when unknown
	transferred int64
	cancelled   atomic.Bool
}

func (t *transferSession) abort() {
	t.cancelled.Store(true)
}

// progress returns the fraction complete in [0,1], or -1 while the total
// is unknown (indeterminate).
func (t *transferSession) progress() float64 {
	if t.total <= 0 {
		return -1
	}
	p := float64(t.transferred) / float64(t.total)
	if p > 1 {
		p = 1
	}
	return p
}

// DownloadProgress reports the active download's fraction in [0,1], -1 for
// indeterminate, or 0 when no download is active.
func (e *Engine) DownloadProgress() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.download == nil {
		return 0
	}
	return e.download.progress()
}

// UploadProgress reports the active upload's fraction in [0,1], or 0 when
// no upload is active.
func (e *Engine) UploadProgress() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.upload == nil {
		return 0
	}
	return e.upload.progress()
}

// CancelDownload requests cooperative cancellation of the active download.
func (e *Engine) CancelDownload() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.download != nil {
		e.download.abort()
	}
}

// CancelUpload requests cooperative cancellation of the active upload.
func (e *Engine) CancelUpload() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.upload != nil {
		e.upload.abort()
	}
}

// DownloadFile reads a remote file resolved against the current path,
// chunk by chunk. knownSize drives determinate progress; pass 0 when the
// size is unknown and completion is signaled by a short final chunk.
// Cancellation or disconnect yields ErrTransferAborted and discards any
// partial bytes.
func (e *Engine) DownloadFile(ctx context.Context, name string, knownSize int64) ([]byte, error) {
	mux, err := e.muxIfConnected()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.download != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("session: download in flight: %w", ble.ErrBusy)
	}
	remote := joinPath(e.path, name)
	sess := &transferSession{direction: DirectionDownload, path: remote, total: knownSize}
	e.download = sess
	e.publishProgressLocked(sess)
	e.mu.Unlock()

	data, err := e.runDownload(ctx, mux, sess)

	e.mu.Lock()
	e.download = nil
	e.bus.Publish(Event{Type: EventDownload, Data: float64(0)})
	e.mu.Unlock()

	if err != nil {
		slog.Warn("[session] download failed", "path", remote, "error", err)
		return nil, err
	}
	slog.Info("[session] download complete", "path", remote, "bytes", len(data))
	return data, nil
}

func (e *Engine) runDownload(ctx context.Context, mux *ble.Mux, sess *transferSession) ([]byte, error) {
	var data []byte
	for {
		if sess.cancelled.Load() {
			return nil, fmt.Errorf("session: download %s cancelled: %w", sess.path, ble.ErrTransferAborted)
		}
		req := protocol.EncodeFileReadRequest(uint32(len(data)), sess.path)
		chunk, err := e.doWithRetry(ctx, mux, protocol.OpFileRead, req, e.opts.TransferTimeout)
		if err != nil {
			if errors.Is(err, ble.ErrDisconnected) {
				err = fmt.Errorf("session: download %s: %w: %w", sess.path, ble.ErrTransferAborted, err)
			}
			return nil, err
		}
		data = append(data, chunk...)

		e.mu.Lock()
		sess.transferred = int64(len(data))
		e.publishProgressLocked(sess)
		e.mu.Unlock()

		// A short (or empty) chunk is the terminal one.
		if len(chunk) < protocol.FileChunkSize {
			return data, nil
		}
	}
}

// UploadFile writes data to the full remote destination path: one create
// exchange, then acknowledged chunks in order, no pipelining (the device
// is single-buffered). A NAK on any exchange fails with ErrDeviceRejected.
func (e *Engine) UploadFile(ctx context.Context, data []byte, remotePath string) error {
	mux, err := e.muxIfConnected()
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.upload != nil {
		e.mu.Unlock()
		return fmt.Errorf("session: upload in flight: %w", ble.ErrBusy)
	}
	sess := &transferSession{direction: DirectionUpload, path: remotePath, total: int64(len(data))}
	e.upload = sess
	e.publishProgressLocked(sess)
	e.mu.Unlock()

	err = e.runUpload(ctx, mux, sess, data)

	e.mu.Lock()
	e.upload = nil
	e.bus.Publish(Event{Type: EventUpload, Data: float64(0)})
	e.mu.Unlock()

	if err != nil {
		slog.Warn("[session] upload failed", "path", remotePath, "error", err)
		return err
	}
	slog.Info("[session] upload complete", "path", remotePath, "bytes", len(data))
	return nil
}

func (e *Engine) runUpload(ctx context.Context, mux *ble.Mux, sess *transferSession, data []byte) error {
	ack, err := e.doWithRetry(ctx, mux, protocol.OpFileCreate, []byte(sess.path), e.opts.TransferTimeout)
	if err != nil {
		return e.uploadErr(sess, err)
	}
	if len(ack) < 1 || ack[0] != protocol.StatusOK {
		return fmt.Errorf("session: create %s: %w", sess.path, ble.ErrDeviceRejected)
	}

	for off := 0; off < len(data) || len(data) == 0; {
		if sess.cancelled.Load() {
			return fmt.Errorf("session: upload %s cancelled: %w", sess.path, ble.ErrTransferAborted)
		}
		end := off + protocol.FileChunkSize
		if end > len(data) {
			end = len(data)
		}
		req := protocol.EncodeFileWriteRequest(uint32(off), data[off:end])
		ack, err := e.doWithRetry(ctx, mux, protocol.OpFileWrite, req, e.opts.TransferTimeout)
		if err != nil {
			return e.uploadErr(sess, err)
		}
		if len(ack) < 1 || ack[0] != protocol.StatusOK {
			return fmt.Errorf("session: write %s at %d: %w", sess.path, off, ble.ErrDeviceRejected)
		}
		off = end

		e.mu.Lock()
		sess.transferred = int64(off)
		e.publishProgressLocked(sess)
		e.mu.Unlock()

		if len(data) == 0 {
			break // empty file: the single empty chunk stands alone
		}
	}
	return nil
}

func (e *Engine) uploadErr(sess *transferSession, err error) error {
	if errors.Is(err, ble.ErrDisconnected) {
		return fmt.Errorf("session: upload %s: %w: %w", sess.path, ble.ErrTransferAborted, err)
	}
	return err
}

// publishProgressLocked emits the progress float for a session. Caller
// holds mu.
func (e *Engine) publishProgressLocked(sess *transferSession) {
	ev := EventDownload
	if sess.direction == DirectionUpload {
		ev = EventUpload
	}
	e.bus.Publish(Event{Type: ev, Data: sess.progress()})
}

// joinPath resolves a name against the current remote path segments.
func joinPath(segments []string, name string) string {
	if len(segments) == 0 {
		return name
	}
	return strings.Join(segments, "/") + "/" + name
}
