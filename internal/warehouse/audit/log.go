// Package audit implements the append-only audit trail. Every
// state-changing operation on a record appends one immutable entry;
// nothing in the engine ever rewrites or deletes an entry.
//
// Entries are CBOR-encoded and framed with a CRC checksum inside
// rotating segment files:
//
//	Header:  8 bytes magic + 4 bytes version
//	Records: [4 bytes length][4 bytes crc32][CBOR payload]
package audit

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/vykr/strata/internal/warehouse/types"
)

const (
	logMagic         = 0x5354524154410001 // "STRATA" + version 1
	logVersion       = 1
	headerSize       = 12
	recordHeaderSize = 8

	// maxEntrySize bounds a single framed entry; anything larger is
	// corruption, not data.
	maxEntrySize = 1 << 20
)

// Options configures the audit log.
type Options struct {
	// MaxSegmentSize is the segment size that triggers rotation.
	// Default: 16MB.
	MaxSegmentSize int64

	// Fsync forces an fsync after every append. Appends are flushed to
	// the OS either way.
	Fsync bool
}

// DefaultOptions returns the default audit log options.
func DefaultOptions() Options {
	return Options{MaxSegmentSize: 16 * 1024 * 1024}
}

// Stats holds audit log counters.
type Stats struct {
	SegmentsCreated int64
	EntriesAppended int64
	BytesWritten    int64
}

// Log is the append-only audit trail writer.
type Log struct {
	mu sync.Mutex

	dir            string
	currentSegment *os.File
	currentPath    string
	currentSize    int64
	segmentSeq     int64

	writer *bufio.Writer

	opts  Options
	stats Stats
}

// Open opens (or creates) the audit log in dir. Existing segments are
// preserved; appends go to a fresh segment.
func Open(dir string, opts Options) (*Log, error) {
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultOptions().MaxSegmentSize
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	l := &Log{dir: dir, opts: opts}

	segments, err := listSegments(dir)
	if err != nil {
		return nil, fmt.Errorf("list audit segments: %w", err)
	}
	if len(segments) > 0 {
		l.segmentSeq = segments[len(segments)-1].seq + 1
	}

	if err := l.rotateUnlocked(); err != nil {
		return nil, fmt.Errorf("create initial segment: %w", err)
	}
	return l, nil
}

// Append writes one entry to the trail and flushes it.
func (l *Log) Append(entry types.AuditEntry) error {
	payload, err := cbor.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	recordSize := int64(recordHeaderSize + len(payload))
	if l.currentSize+recordSize > l.opts.MaxSegmentSize {
		if err := l.rotateUnlocked(); err != nil {
			return fmt.Errorf("rotate audit segment: %w", err)
		}
	}

	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := l.writer.Write(header[:]); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if _, err := l.writer.Write(payload); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("flush audit entry: %w", err)
	}
	if l.opts.Fsync {
		if err := l.currentSegment.Sync(); err != nil {
			return fmt.Errorf("fsync audit segment: %w", err)
		}
	}

	l.currentSize += recordSize
	l.stats.EntriesAppended++
	l.stats.BytesWritten += recordSize
	return nil
}

// Rotate closes the current segment and starts a new one.
func (l *Log) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rotateUnlocked()
}

func (l *Log) rotateUnlocked() error {
	if l.currentSegment != nil {
		if l.writer != nil {
			l.writer.Flush()
		}
		l.currentSegment.Close()
	}

	name := fmt.Sprintf("%016d.audit", l.segmentSeq)
	path := filepath.Join(l.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create segment %s: %w", path, err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], logMagic)
	binary.LittleEndian.PutUint32(header[8:12], logVersion)
	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write segment header: %w", err)
	}

	l.currentSegment = f
	l.currentPath = path
	l.currentSize = headerSize
	l.writer = bufio.NewWriter(f)
	l.segmentSeq++
	l.stats.SegmentsCreated++
	return nil
}

// Close flushes and closes the log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		l.writer.Flush()
	}
	if l.currentSegment != nil {
		return l.currentSegment.Close()
	}
	return nil
}

// Stats returns a snapshot of the log's counters.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// CurrentSegment returns the path appends currently go to.
func (l *Log) CurrentSegment() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentPath
}

// Dir returns the log directory.
func (l *Log) Dir() string {
	return l.dir
}

type segmentInfo struct {
	path string
	seq  int64
}

func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []segmentInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		var seq int64
		if _, err := fmt.Sscanf(name, "%016d.audit", &seq); err != nil {
			continue
		}
		segments = append(segments, segmentInfo{path: filepath.Join(dir, name), seq: seq})
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].seq < segments[j].seq })
	return segments, nil
}
