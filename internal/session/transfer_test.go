package session

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/flysight-link/internal/ble"
	"github.com/chaz8081/flysight-link/internal/ble/protocol"
)

func TestDownloadFile(t *testing.T) {
	eng, adapter, _ := newTestEngine(t)
	seedFilesystem(adapter.device)
	connectTestEngine(t, eng)

	data, err := eng.DownloadFile(context.Background(), "config.txt", 42)
	if err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	if !bytes.Equal(data, deterministicBytes(42)) {
		t.Fatalf("downloaded %d bytes, content mismatch", len(data))
	}
	if got := eng.DownloadProgress(); got != 0 {
		t.Fatalf("progress after completion = %v, want 0", got)
	}
}

func TestDownloadResolvesAgainstCurrentPath(t *testing.T) {
	eng, adapter, _ := newTestEngine(t)
	seedFilesystem(adapter.device)
	connectTestEngine(t, eng)

	if err := eng.ChangeDirectory(context.Background(), "logs"); err != nil {
		t.Fatalf("ChangeDirectory: %v", err)
	}
	data, err := eng.DownloadFile(context.Background(), "24-08-31.csv", 600)
	if err != nil {
		t.Fatalf("DownloadFile in logs/: %v", err)
	}
	if !bytes.Equal(data, deterministicBytes(600)) {
		t.Fatalf("downloaded %d bytes, content mismatch", len(data))
	}
}

func TestDownloadExactChunkMultiple(t *testing.T) {
	eng, adapter, _ := newTestEngine(t)
	size := 2 * protocol.FileChunkSize
	adapter.device.files["even.bin"] = deterministicBytes(size)
	connectTestEngine(t, eng)

	data, err := eng.DownloadFile(context.Background(), "even.bin", int64(size))
	if err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	if !bytes.Equal(data, deterministicBytes(size)) {
		t.Fatalf("downloaded %d bytes, content mismatch", len(data))
	}
	// Two full chunks plus the empty terminal one.
	if got := adapter.device.requests(protocol.OpFileRead); got != 3 {
		t.Fatalf("read requests = %d, want 3", got)
	}
}

func TestDownloadUploadRoundTrip(t *testing.T) {
	eng, adapter, _ := newTestEngine(t)
	seedFilesystem(adapter.device)
	connectTestEngine(t, eng)

	original, err := eng.DownloadFile(context.Background(), "config.txt", 42)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if err := eng.UploadFile(context.Background(), original, "copy.txt"); err != nil {
		t.Fatalf("upload: %v", err)
	}
	copied, err := eng.DownloadFile(context.Background(), "copy.txt", int64(len(original)))
	if err != nil {
		t.Fatalf("re-download: %v", err)
	}
	if !bytes.Equal(original, copied) {
		t.Fatal("round-tripped file differs from original")
	}
}

func TestDownloadCancelDiscardsPartial(t *testing.T) {
	eng, adapter, _ := newTestEngine(t)
	adapter.device.files["big.bin"] = deterministicBytes(5 * protocol.FileChunkSize)
	connectTestEngine(t, eng)

	// Cancel while the second chunk request is being served; that chunk
	// still completes and is discarded with the rest.
	adapter.device.onFileRead = func(n int) {
		if n == 2 {
			eng.CancelDownload()
		}
	}

	data, err := eng.DownloadFile(context.Background(), "big.bin", 0)
	if !errors.Is(err, ble.ErrTransferAborted) {
		t.Fatalf("cancelled download: %v, want ErrTransferAborted", err)
	}
	if data != nil {
		t.Fatalf("cancelled download returned %d partial bytes", len(data))
	}
	if got := adapter.device.requests(protocol.OpFileRead); got != 2 {
		t.Fatalf("read requests = %d, want 2 (none after cancellation)", got)
	}
	// No stray chunk requests trail in after the abort either.
	time.Sleep(20 * time.Millisecond)
	if got := adapter.device.requests(protocol.OpFileRead); got != 2 {
		t.Fatalf("read requests crept to %d after abort", got)
	}
}

func TestDownloadBusyWhileDownloadActive(t *testing.T) {
	eng, adapter, _ := newTestEngine(t)
	adapter.device.files["slow.bin"] = deterministicBytes(protocol.FileChunkSize + 1)
	adapter.device.swallow(protocol.OpFileRead, 100)
	connectTestEngine(t, eng)

	first := make(chan error, 1)
	go func() {
		_, err := eng.DownloadFile(context.Background(), "slow.bin", 0)
		first <- err
	}()
	waitFor(t, "first download on the wire", func() bool {
		return adapter.device.requests(protocol.OpFileRead) >= 1
	})

	if _, err := eng.DownloadFile(context.Background(), "slow.bin", 0); !errors.Is(err, ble.ErrBusy) {
		t.Fatalf("second concurrent download: %v, want ErrBusy", err)
	}

	select {
	case err := <-first:
		if !errors.Is(err, ble.ErrTimeout) {
			t.Fatalf("stalled download: %v, want ErrTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stalled download never returned")
	}
}

func TestDisconnectAbortsDownload(t *testing.T) {
	eng, adapter, _ := newTestEngine(t)
	adapter.device.files["doomed.bin"] = deterministicBytes(4 * protocol.FileChunkSize)
	adapter.device.swallow(protocol.OpFileRead, 100)
	connectTestEngine(t, eng)

	result := make(chan error, 1)
	go func() {
		_, err := eng.DownloadFile(context.Background(), "doomed.bin", 0)
		result <- err
	}()
	waitFor(t, "download on the wire", func() bool {
		return adapter.device.requests(protocol.OpFileRead) >= 1
	})

	if err := eng.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	select {
	case err := <-result:
		if !errors.Is(err, ble.ErrTransferAborted) {
			t.Fatalf("download across disconnect: %v, want ErrTransferAborted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("download still blocked after disconnect")
	}
}

func TestUploadCreateRejected(t *testing.T) {
	eng, adapter, _ := newTestEngine(t)
	adapter.device.createStatus = 0x05
	connectTestEngine(t, eng)

	err := eng.UploadFile(context.Background(), []byte("payload"), "nope.txt")
	if !errors.Is(err, ble.ErrDeviceRejected) {
		t.Fatalf("rejected create: %v, want ErrDeviceRejected", err)
	}
}

func TestUploadWriteRejected(t *testing.T) {
	eng, adapter, _ := newTestEngine(t)
	adapter.device.writeStatus = 0x05
	connectTestEngine(t, eng)

	err := eng.UploadFile(context.Background(), deterministicBytes(100), "nope.txt")
	if !errors.Is(err, ble.ErrDeviceRejected) {
		t.Fatalf("rejected write: %v, want ErrDeviceRejected", err)
	}
}

func TestUploadEmptyFile(t *testing.T) {
	eng, adapter, _ := newTestEngine(t)
	connectTestEngine(t, eng)

	if err := eng.UploadFile(context.Background(), nil, "empty.txt"); err != nil {
		t.Fatalf("upload empty file: %v", err)
	}
	adapter.device.mu.Lock()
	content, ok := adapter.device.files["empty.txt"]
	adapter.device.mu.Unlock()
	if !ok || len(content) != 0 {
		t.Fatalf("device file after empty upload: ok=%v len=%d", ok, len(content))
	}
	if got := adapter.device.requests(protocol.OpFileWrite); got != 1 {
		t.Fatalf("write requests for empty file = %d, want 1", got)
	}
}

func TestTransferRequiresConnection(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	if _, err := eng.DownloadFile(context.Background(), "x", 0); !errors.Is(err, ble.ErrNotConnected) {
		t.Fatalf("download while idle: %v", err)
	}
	if err := eng.UploadFile(context.Background(), []byte("x"), "x"); !errors.Is(err, ble.ErrNotConnected) {
		t.Fatalf("upload while idle: %v", err)
	}
}
