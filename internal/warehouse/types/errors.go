package types

import (
	"errors"
	"fmt"
)

// Error taxonomy. The lifecycle engine is the only layer that decides
// retry-vs-fail; lower layers wrap these sentinels and bubble up.
var (
	// ErrUnknownTier is a programmer or configuration error: a tier
	// name outside the chain. Never retried.
	ErrUnknownTier = errors.New("unknown tier")

	// ErrRecordNotFound means no catalog entry exists for the record id.
	ErrRecordNotFound = errors.New("record not found")

	// ErrDataNotFound means no physical copy exists in any backing
	// tier. Fatal for the fetch.
	ErrDataNotFound = errors.New("data not found in any tier")

	// ErrDecode means corrupt or mis-keyed ciphertext, or a malformed
	// stream. Fatal for the operation; never retried blindly; logged
	// distinctly from ordinary I/O failure.
	ErrDecode = errors.New("decode failed")

	// ErrIntegrity means a checksum mismatch on read or verify. Fatal
	// for the read, never auto-repaired, always reported.
	ErrIntegrity = errors.New("integrity failure")

	// ErrMigrationConflict means another promotion or migration holds
	// the record's lock. The loser retries once the winner commits, or
	// re-queues for the next sweep.
	ErrMigrationConflict = errors.New("migration conflict")

	// ErrTombstoned means the record's payload has been purged; only
	// its catalog row and audit trail remain.
	ErrTombstoned = errors.New("record tombstoned")
)

// TransientError wraps a remote-store timeout or network error that is
// worth retrying with bounded backoff before escalation.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient I/O failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
