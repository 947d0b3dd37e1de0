package types

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a record.
type State int

const (
	// StateActive means the record is resident in a tier and fetchable.
	StateActive State = iota

	// StateTombstoned is terminal: the payload has been purged but the
	// record row and its audit trail remain queryable for compliance.
	StateTombstoned
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateTombstoned:
		return "tombstoned"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ParseState parses a string into a State.
func ParseState(s string) (State, error) {
	switch s {
	case "active":
		return StateActive, nil
	case "tombstoned":
		return StateTombstoned, nil
	default:
		return StateActive, fmt.Errorf("unknown record state: %q", s)
	}
}

// DataRecord is the catalog entry for one stored payload. The payload
// itself is opaque to the engine; everything here is bookkeeping.
//
// Checksum is computed over the raw payload exactly once, at first
// store. It is never recomputed to "fix" drift — only to detect it.
type DataRecord struct {
	ID       string
	Tier     Tier
	State    State
	DataType string

	// Metadata is the caller-supplied free-form key/value document.
	Metadata map[string]string

	// Checksum is the hex-encoded BLAKE3 digest of the raw payload.
	Checksum string

	// Size is the logical (pre-encoding) payload size in bytes.
	Size int64

	CreatedAt time.Time

	// TierEnteredAt is when the record entered its current tier. Age
	// against the tier's retention window is measured from here.
	TierEnteredAt time.Time

	AccessCount int64
	LastAccess  time.Time

	// Compressed and Encrypted record how the resident copy was
	// actually encoded, which may lag the tier policy if policies
	// changed after the record landed. The compliance reporter flags
	// the difference.
	Compressed bool
	Encrypted  bool

	// MirrorPending marks a degraded persist: locally durable, but the
	// remote mirror upload has not succeeded yet. Retried by the sweep.
	MirrorPending bool

	// Flagged marks a record that failed integrity verification. Never
	// cleared by the engine.
	Flagged bool
}

// LocationEntry is the Location Index view of a record: where exactly
// one authoritative copy lives right now.
type LocationEntry struct {
	RecordID string
	Tier     Tier
	Locator  string

	// VerifiedChecksum and VerifiedAt record the last integrity pass
	// over this entry.
	VerifiedChecksum string
	VerifiedAt       time.Time
}

// AuditAction identifies a state-changing operation in the audit trail.
type AuditAction string

const (
	AuditStore      AuditAction = "store"
	AuditRetrieve   AuditAction = "retrieve"
	AuditPromote    AuditAction = "promote"
	AuditMigrate    AuditAction = "migrate"
	AuditTombstone  AuditAction = "tombstone"
	AuditVerifyFail AuditAction = "verify-fail"
)

// AuditEntry is one immutable line of the append-only audit trail.
type AuditEntry struct {
	RecordID  string      `cbor:"record_id"`
	Action    AuditAction `cbor:"action"`
	Tier      string      `cbor:"tier"`
	Timestamp time.Time   `cbor:"timestamp"`
	Detail    string      `cbor:"detail,omitempty"`
}

// FailureReason classifies an integrity verification failure.
type FailureReason string

const (
	// ReasonChecksumMismatch means the payload decoded but its digest
	// no longer matches the checksum recorded at store time.
	ReasonChecksumMismatch FailureReason = "ChecksumMismatch"

	// ReasonDataMissing means no physical copy exists in any backing
	// tier.
	ReasonDataMissing FailureReason = "DataMissing"

	// ReasonDecodeFailed means the stored bytes could not be decoded
	// (authentication tag mismatch, malformed stream).
	ReasonDecodeFailed FailureReason = "DecodeFailed"

	// ReasonUnverifiable means a transient backend failure kept the
	// record from being judged this pass. Says nothing about the
	// bytes: the record is not flagged, and the next pass retries it.
	ReasonUnverifiable FailureReason = "Unverifiable"
)

// IntegrityFailure is one failed record in an integrity report.
type IntegrityFailure struct {
	RecordID string        `json:"record_id"`
	Tier     string        `json:"tier"`
	Reason   FailureReason `json:"reason"`
	Detail   string        `json:"detail,omitempty"`
}

// IntegrityReport summarizes a full verification pass. Failures are
// reported, never resolved: the stored checksum is the only
// trustworthy reference for what was originally written.
type IntegrityReport struct {
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   time.Time          `json:"finished_at"`
	TotalRecords int                `json:"total_records"`
	Verified     int                `json:"verified"`
	Failed       int                `json:"failed"`
	Failures     []IntegrityFailure `json:"failures,omitempty"`
}

// ComplianceViolation is one flagged record in a compliance report.
type ComplianceViolation struct {
	RecordID string `json:"record_id"`
	Tier     string `json:"tier"`
	Detail   string `json:"detail"`
}

// ComplianceReport cross-references the record catalog, the tier
// policies and the audit trail as of a point in time.
type ComplianceReport struct {
	AsOf           time.Time `json:"as_of"`
	RecordsScanned int       `json:"records_scanned"`

	// RetentionViolations are records past their tier's retention
	// window but not yet migrated — a scheduling problem, not a data
	// problem.
	RetentionViolations []ComplianceViolation `json:"retention_violations,omitempty"`

	// EncryptionViolations are records resident in an
	// encryption-mandating tier that were stored unencrypted.
	EncryptionViolations []ComplianceViolation `json:"encryption_violations,omitempty"`

	// AuditGaps are records with no store entry in the audit trail.
	AuditGaps []ComplianceViolation `json:"audit_gaps,omitempty"`
}

// SweepResult summarizes one lifecycle sweep.
type SweepResult struct {
	Scanned        int
	Migrated       int
	Tombstoned     int
	Conflicts      int
	MirrorsRetried int
}
