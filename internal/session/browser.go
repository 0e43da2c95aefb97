package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chaz8081/flysight-link/internal/ble"
	"github.com/chaz8081/flysight-link/internal/ble/protocol"
)

// CurrentPath returns the remote path as ordered segment names; empty is
// the device root.
func (e *Engine) CurrentPath() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.path...)
}

// DirectoryEntries returns the latest listing snapshot. It is replaced
// wholesale on every completed listing; there is no incremental diff.
func (e *Engine) DirectoryEntries() []protocol.DirEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]protocol.DirEntry(nil), e.entries...)
}

// AwaitingResponse reports whether a listing request is outstanding;
// navigation is a no-op while it is.
func (e *Engine) AwaitingResponse() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listing
}

// LoadDirectoryEntries lists the current remote path, one entry per
// exchange, until the device sends the end-of-listing marker. The previous
// listing survives until the new one completes. No-op while a listing is
// already outstanding.
func (e *Engine) LoadDirectoryEntries(ctx context.Context) error {
	mux, err := e.muxIfConnected()
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.listing {
		e.mu.Unlock()
		return nil
	}
	e.listing = true
	e.listingGen++
	gen := e.listingGen
	path := append([]string(nil), e.path...)
	e.mu.Unlock()

	entries, err := e.listPath(ctx, mux, path)
	e.finishListing(gen, entries, err)

	if err != nil {
		slog.Warn("[session] directory listing failed", "path", path, "error", err)
		return err
	}
	return nil
}

// finishListing commits a listing outcome. A teardown or a newer listing
// bumps the generation, so a goroutine that outlived its connection finds a
// mismatch here and must not touch the flag or the entries.
func (e *Engine) finishListing(gen uint64, entries []protocol.DirEntry, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.listingGen {
		return
	}
	e.listing = false
	if err == nil {
		e.entries = entries
		e.bus.Publish(Event{Type: EventDirectory, Data: append([]protocol.DirEntry(nil), entries...)})
	}
}

// listPath walks the listing index until the end marker.
func (e *Engine) listPath(ctx context.Context, mux *ble.Mux, path []string) ([]protocol.DirEntry, error) {
	entries := make([]protocol.DirEntry, 0, 16)
	for index := uint16(0); ; index++ {
		req := protocol.EncodeDirReadRequest(index, path)
		payload, err := e.doWithRetry(ctx, mux, protocol.OpDirRead, req, e.opts.TransferTimeout)
		if err != nil {
			return nil, err
		}
		entry, err := protocol.DecodeDirEntry(payload)
		if err != nil {
			return nil, fmt.Errorf("session: listing entry %d: %w", index, err)
		}
		if entry.End {
			return entries, nil
		}
		entries = append(entries, entry)
	}
}

// ChangeDirectory pushes a folder name onto the current path and relists.
// A failed relist rolls the path back so it never points at a directory
// whose entries were not loaded. No-op while a listing is outstanding.
func (e *Engine) ChangeDirectory(ctx context.Context, name string) error {
	e.mu.Lock()
	if e.listing {
		e.mu.Unlock()
		return nil
	}
	e.path = append(e.path, name)
	e.publishPathLocked()
	e.mu.Unlock()

	if err := e.LoadDirectoryEntries(ctx); err != nil {
		e.mu.Lock()
		if n := len(e.path); n > 0 && e.path[n-1] == name {
			e.path = e.path[:n-1]
			e.publishPathLocked()
		}
		e.mu.Unlock()
		return err
	}
	return nil
}

// GoUpOneDirectoryLevel pops a path segment and relists, restoring the
// segment if the relist fails. No-op at the root or while a listing is
// outstanding.
func (e *Engine) GoUpOneDirectoryLevel(ctx context.Context) error {
	e.mu.Lock()
	if e.listing || len(e.path) == 0 {
		e.mu.Unlock()
		return nil
	}
	popped := e.path[len(e.path)-1]
	e.path = e.path[:len(e.path)-1]
	e.publishPathLocked()
	e.mu.Unlock()

	if err := e.LoadDirectoryEntries(ctx); err != nil {
		e.mu.Lock()
		e.path = append(e.path, popped)
		e.publishPathLocked()
		e.mu.Unlock()
		return err
	}
	return nil
}

func (e *Engine) publishPathLocked() {
	e.bus.Publish(Event{Type: EventPath, Data: append([]string(nil), e.path...)})
}
