package audit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/vykr/strata/internal/warehouse/types"
)

// Reader reads audit entries from a single segment file.
type Reader struct {
	path string
	file *os.File
}

// NewReader opens a segment file and verifies its header.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read segment header: %w", err)
	}
	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != logMagic {
		f.Close()
		return nil, fmt.Errorf("invalid segment magic: %x", magic)
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != logVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported segment version: %d", version)
	}

	return &Reader{path: path, file: f}, nil
}

// Next reads the next entry. Returns io.EOF at the end of the segment.
// A torn or corrupt tail record also surfaces as io.EOF: an interrupted
// append loses at most that final record and the trail before it stays
// readable.
func (r *Reader) Next() (types.AuditEntry, error) {
	var entry types.AuditEntry

	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r.file, header[:]); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return entry, io.EOF
		}
		return entry, fmt.Errorf("read entry header: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expectedCRC := binary.LittleEndian.Uint32(header[4:8])
	if length > maxEntrySize {
		return entry, io.EOF
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.file, payload); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return entry, io.EOF
		}
		return entry, fmt.Errorf("read entry payload: %w", err)
	}

	if crc32.ChecksumIEEE(payload) != expectedCRC {
		return entry, io.EOF
	}

	if err := cbor.Unmarshal(payload, &entry); err != nil {
		return entry, fmt.Errorf("decode audit entry: %w", err)
	}
	return entry, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.file.Close()
}

// ReadAll returns every entry in the audit log directory, oldest first.
func ReadAll(dir string) ([]types.AuditEntry, error) {
	segments, err := listSegments(dir)
	if err != nil {
		return nil, fmt.Errorf("list audit segments: %w", err)
	}

	var entries []types.AuditEntry
	for _, seg := range segments {
		r, err := NewReader(seg.path)
		if err != nil {
			return nil, fmt.Errorf("read segment %s: %w", seg.path, err)
		}
		for {
			entry, err := r.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				r.Close()
				return nil, fmt.Errorf("segment %s: %w", seg.path, err)
			}
			entries = append(entries, entry)
		}
		r.Close()
	}
	return entries, nil
}

// ForRecord returns the trail of a single record, oldest first.
func ForRecord(dir, recordID string) ([]types.AuditEntry, error) {
	all, err := ReadAll(dir)
	if err != nil {
		return nil, err
	}

	var entries []types.AuditEntry
	for _, e := range all {
		if e.RecordID == recordID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}
