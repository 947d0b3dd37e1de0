// Package index implements the durable Location Index: the single
// source of truth for where every record lives right now, plus the
// record catalog (checksums, sizes, timestamps, access counters).
//
// Backed by SQLite. At most one row exists per record id and it names
// exactly one tier, so the single-location invariant is structural.
// Tier repoints are compare-and-swap updates guarded by the expected
// current tier; a lost race surfaces as types.ErrMigrationConflict.
package index

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	_ "modernc.org/sqlite"

	"github.com/vykr/strata/internal/warehouse/types"
)

// Index is the SQLite-backed location index and record catalog.
type Index struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id                TEXT PRIMARY KEY,
	tier              TEXT NOT NULL,
	state             TEXT NOT NULL DEFAULT 'active',
	data_type         TEXT NOT NULL DEFAULT '',
	metadata          BLOB,
	checksum          TEXT NOT NULL,
	size              INTEGER NOT NULL,
	created_at        INTEGER NOT NULL,
	tier_entered_at   INTEGER NOT NULL,
	access_count      INTEGER NOT NULL DEFAULT 0,
	last_access       INTEGER NOT NULL DEFAULT 0,
	compressed        INTEGER NOT NULL DEFAULT 0,
	encrypted         INTEGER NOT NULL DEFAULT 0,
	mirror_pending    INTEGER NOT NULL DEFAULT 0,
	flagged           INTEGER NOT NULL DEFAULT 0,
	locator           TEXT NOT NULL DEFAULT '',
	verified_checksum TEXT NOT NULL DEFAULT '',
	verified_at       INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_records_state_tier ON records(state, tier);
CREATE INDEX IF NOT EXISTS idx_records_mirror_pending ON records(mirror_pending) WHERE mirror_pending = 1;
`

// Open opens (or creates) the index database at path. Pass ":memory:"
// for an in-memory index (used by tests).
func Open(path string) (*Index, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping index database: %w", err)
	}

	// Single connection avoids "database is locked" under concurrent
	// writers; the per-record lock in the engine serializes the hot
	// paths anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Index{db: db}, nil
}

// Close closes the underlying database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Insert adds a new record row. Fails if the id already exists.
func (ix *Index) Insert(rec types.DataRecord, locator string) error {
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	_, err = ix.db.Exec(`
		INSERT INTO records
			(id, tier, state, data_type, metadata, checksum, size,
			 created_at, tier_entered_at, access_count, last_access,
			 compressed, encrypted, mirror_pending, flagged, locator)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Tier.String(), rec.State.String(), rec.DataType, meta,
		rec.Checksum, rec.Size,
		toUnixNano(rec.CreatedAt), toUnixNano(rec.TierEnteredAt),
		rec.AccessCount, toUnixNano(rec.LastAccess),
		boolInt(rec.Compressed), boolInt(rec.Encrypted),
		boolInt(rec.MirrorPending), boolInt(rec.Flagged), locator)
	if err != nil {
		return fmt.Errorf("insert record %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns the catalog entry for a record id.
func (ix *Index) Get(id string) (types.DataRecord, error) {
	row := ix.db.QueryRow(selectColumns+" WHERE id = ?", id)
	rec, _, err := scanRecord(row)
	if err != nil {
		return types.DataRecord{}, err
	}
	return rec, nil
}

// Location returns the Location Index view of a record.
func (ix *Index) Location(id string) (types.LocationEntry, error) {
	row := ix.db.QueryRow(selectColumns+" WHERE id = ?", id)
	rec, loc, err := scanRecord(row)
	if err != nil {
		return types.LocationEntry{}, err
	}
	if rec.State == types.StateTombstoned {
		return types.LocationEntry{}, fmt.Errorf("%w: %s", types.ErrTombstoned, id)
	}
	return loc, nil
}

// RepointTier atomically moves a record's index entry from tier `from`
// to tier `to`. The guard on the current tier is the compare-and-swap
// that keeps racing promotions and migrations from both committing:
// the loser observes zero affected rows and gets ErrMigrationConflict.
func (ix *Index) RepointTier(id string, from, to types.Tier, locator string, at time.Time) error {
	res, err := ix.db.Exec(`
		UPDATE records
		SET tier = ?, locator = ?, tier_entered_at = ?
		WHERE id = ? AND tier = ? AND state = ?`,
		to.String(), locator, toUnixNano(at), id, from.String(), types.StateActive.String())
	if err != nil {
		return fmt.Errorf("repoint record %s: %w", id, err)
	}
	return ix.casOutcome(res, id)
}

// Tombstone transitions a record to the terminal state. Guarded by the
// current tier like RepointTier.
func (ix *Index) Tombstone(id string, from types.Tier, at time.Time) error {
	res, err := ix.db.Exec(`
		UPDATE records
		SET state = ?, locator = '', tier_entered_at = ?
		WHERE id = ? AND tier = ? AND state = ?`,
		types.StateTombstoned.String(), toUnixNano(at), id, from.String(), types.StateActive.String())
	if err != nil {
		return fmt.Errorf("tombstone record %s: %w", id, err)
	}
	return ix.casOutcome(res, id)
}

// RecordAccess increments the access counter and stamps the access
// time in one statement, returning the new counter value. The single
// UPDATE keeps concurrent retrievals from observing the same count, so
// the promotion threshold fires exactly once.
func (ix *Index) RecordAccess(id string, at time.Time) (int64, error) {
	var count int64
	err := ix.db.QueryRow(`
		UPDATE records
		SET access_count = access_count + 1, last_access = ?
		WHERE id = ? AND state = ?
		RETURNING access_count`,
		toUnixNano(at), id, types.StateActive.String()).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", types.ErrRecordNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("record access for %s: %w", id, err)
	}
	return count, nil
}

// Delete removes a record row outright. Only used to compensate a
// failed persist during store; lifecycle transitions tombstone instead.
func (ix *Index) Delete(id string) error {
	_, err := ix.db.Exec("DELETE FROM records WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	return nil
}

// SetEncoding records how the resident copy is encoded after a tier
// move re-encodes it under the destination policy.
func (ix *Index) SetEncoding(id string, compressed, encrypted bool) error {
	_, err := ix.db.Exec("UPDATE records SET compressed = ?, encrypted = ? WHERE id = ?",
		boolInt(compressed), boolInt(encrypted), id)
	if err != nil {
		return fmt.Errorf("set encoding for %s: %w", id, err)
	}
	return nil
}

// SetMirrorPending updates the degraded-persist marker.
func (ix *Index) SetMirrorPending(id string, pending bool) error {
	_, err := ix.db.Exec("UPDATE records SET mirror_pending = ? WHERE id = ?", boolInt(pending), id)
	if err != nil {
		return fmt.Errorf("set mirror pending for %s: %w", id, err)
	}
	return nil
}

// Flag marks a record as having failed integrity verification. The
// flag is never cleared by the engine.
func (ix *Index) Flag(id string) error {
	_, err := ix.db.Exec("UPDATE records SET flagged = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("flag record %s: %w", id, err)
	}
	return nil
}

// SetVerified records a successful integrity pass over a record.
func (ix *Index) SetVerified(id, checksum string, at time.Time) error {
	_, err := ix.db.Exec(
		"UPDATE records SET verified_checksum = ?, verified_at = ? WHERE id = ?",
		checksum, toUnixNano(at), id)
	if err != nil {
		return fmt.Errorf("set verified for %s: %w", id, err)
	}
	return nil
}

// Active returns all non-tombstoned records in creation order.
func (ix *Index) Active() ([]types.DataRecord, error) {
	return ix.list(selectColumns+" WHERE state = ? ORDER BY created_at, id", types.StateActive.String())
}

// All returns every record, tombstoned included, in creation order.
func (ix *Index) All() ([]types.DataRecord, error) {
	return ix.list(selectColumns + " ORDER BY created_at, id")
}

// MirrorPending returns active records whose remote mirror has not yet
// succeeded.
func (ix *Index) MirrorPending() ([]types.DataRecord, error) {
	return ix.list(selectColumns+" WHERE state = ? AND mirror_pending = 1 ORDER BY created_at, id",
		types.StateActive.String())
}

// Count returns the total number of records.
func (ix *Index) Count() (int, error) {
	var n int
	if err := ix.db.QueryRow("SELECT COUNT(*) FROM records").Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func (ix *Index) list(query string, args ...any) ([]types.DataRecord, error) {
	rows, err := ix.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []types.DataRecord
	for rows.Next() {
		rec, _, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// casOutcome distinguishes "record gone" from "lost the race" after a
// guarded update affected zero rows.
func (ix *Index) casOutcome(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	if _, err := ix.Get(id); err != nil {
		return err
	}
	return fmt.Errorf("%w: record %s moved concurrently", types.ErrMigrationConflict, id)
}

const selectColumns = `
	SELECT id, tier, state, data_type, metadata, checksum, size,
	       created_at, tier_entered_at, access_count, last_access,
	       compressed, encrypted, mirror_pending, flagged,
	       locator, verified_checksum, verified_at
	FROM records`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (types.DataRecord, types.LocationEntry, error) {
	var (
		rec                           types.DataRecord
		loc                           types.LocationEntry
		tierStr, stateStr             string
		meta                          []byte
		createdAt, enteredAt, lastAcc int64
		verifiedAt                    int64
		compressed, encrypted         int
		mirrorPending, flagged        int
	)

	err := row.Scan(&rec.ID, &tierStr, &stateStr, &rec.DataType, &meta,
		&rec.Checksum, &rec.Size, &createdAt, &enteredAt,
		&rec.AccessCount, &lastAcc, &compressed, &encrypted,
		&mirrorPending, &flagged, &loc.Locator, &loc.VerifiedChecksum, &verifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, loc, types.ErrRecordNotFound
	}
	if err != nil {
		return rec, loc, fmt.Errorf("scan record: %w", err)
	}

	rec.Tier, err = types.ParseTier(tierStr)
	if err != nil {
		return rec, loc, err
	}
	rec.State, err = types.ParseState(stateStr)
	if err != nil {
		return rec, loc, err
	}
	rec.Metadata, err = decodeMetadata(meta)
	if err != nil {
		return rec, loc, err
	}

	rec.CreatedAt = fromUnixNano(createdAt)
	rec.TierEnteredAt = fromUnixNano(enteredAt)
	rec.LastAccess = fromUnixNano(lastAcc)
	rec.Compressed = compressed != 0
	rec.Encrypted = encrypted != 0
	rec.MirrorPending = mirrorPending != 0
	rec.Flagged = flagged != 0

	loc.RecordID = rec.ID
	loc.Tier = rec.Tier
	loc.VerifiedAt = fromUnixNano(verifiedAt)

	return rec, loc, nil
}

// Metadata is persisted as CBOR: compact, deterministic enough for a
// free-form key/value document, and the same codec the audit log uses.
func encodeMetadata(meta map[string]string) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	data, err := cbor.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return data, nil
}

func decodeMetadata(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var meta map[string]string
	if err := cbor.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
