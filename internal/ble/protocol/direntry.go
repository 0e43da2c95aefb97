package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// DirEntry flag bits.
const (
	EntryFolder byte = 1 << 0
	EntryHidden byte = 1 << 1
	EntryEnd    byte = 1 << 2
)

// DirEntry is one record of a remote directory listing. The device
// terminates a listing with an entry carrying EntryEnd and an empty name.
type DirEntry struct {
	Name    string
	Size    uint32
	ModTime time.Time
	Folder  bool
	Hidden  bool
	End     bool
}

// EncodeDirReadRequest builds the OpDirRead payload: entry index followed by
// the /-joined remote path (empty for the root).
func EncodeDirReadRequest(index uint16, path []string) []byte {
	joined := strings.Join(path, "/")
	buf := make([]byte, 0, 2+len(joined))
	buf = binary.LittleEndian.AppendUint16(buf, index)
	return append(buf, joined...)
}

// DecodeDirEntry parses an OpDirRead response payload:
// [size u32 LE][mtime u32 LE unix seconds][flags u8][name bytes].
func DecodeDirEntry(payload []byte) (DirEntry, error) {
	if len(payload) < 9 {
		return DirEntry{}, fmt.Errorf("%w: dir entry %d bytes", ErrMalformed, len(payload))
	}
	flags := payload[8]
	e := DirEntry{
		Name:    string(payload[9:]),
		Size:    binary.LittleEndian.Uint32(payload[0:4]),
		ModTime: time.Unix(int64(binary.LittleEndian.Uint32(payload[4:8])), 0).UTC(),
		Folder:  flags&EntryFolder != 0,
		Hidden:  flags&EntryHidden != 0,
		End:     flags&EntryEnd != 0,
	}
	if e.End && e.Name != "" {
		return DirEntry{}, fmt.Errorf("%w: end marker with name %q", ErrMalformed, e.Name)
	}
	return e, nil
}

// EncodeDirEntry is the inverse of DecodeDirEntry; the engine itself never
// sends entries, but the test harness and device simulators do.
func EncodeDirEntry(e DirEntry) []byte {
	var flags byte
	if e.Folder {
		flags |= EntryFolder
	}
	if e.Hidden {
		flags |= EntryHidden
	}
	if e.End {
		flags |= EntryEnd
	}
	buf := make([]byte, 0, 9+len(e.Name))
	buf = binary.LittleEndian.AppendUint32(buf, e.Size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(e.ModTime.Unix()))
	buf = append(buf, flags)
	return append(buf, e.Name...)
}

// EncodeFileReadRequest builds the OpFileRead payload: byte offset followed
// by the full remote path.
func EncodeFileReadRequest(offset uint32, path string) []byte {
	buf := make([]byte, 0, 4+len(path))
	buf = binary.LittleEndian.AppendUint32(buf, offset)
	return append(buf, path...)
}

// EncodeFileWriteRequest builds the OpFileWrite payload: byte offset
// followed by the chunk itself.
func EncodeFileWriteRequest(offset uint32, chunk []byte) []byte {
	buf := make([]byte, 0, 4+len(chunk))
	buf = binary.LittleEndian.AppendUint32(buf, offset)
	return append(buf, chunk...)
}

// FileChunkSize is the data carried per FileRead/FileWrite exchange: the
// frame payload budget minus the 4-byte offset header.
const FileChunkSize = MaxFramePayload - 4
