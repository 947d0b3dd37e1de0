package warehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vykr/strata/internal/warehouse/backend"
	"github.com/vykr/strata/internal/warehouse/report"
	"github.com/vykr/strata/internal/warehouse/types"
)

// Promote moves a record one tier toward hot. The payload is decoded
// and re-encoded under the destination tier's policy; a record leaving
// an encrypted tier for a plaintext one comes back readable.
func (e *Engine) Promote(ctx context.Context, id string) error {
	release := e.lockRecord(id)
	if release == nil {
		e.stats.Conflicts.Add(1)
		return fmt.Errorf("%w: record %s is being moved", types.ErrMigrationConflict, id)
	}
	defer release()

	rec, err := e.activeRecord(id)
	if err != nil {
		return err
	}

	target, ok := rec.Tier.Previous()
	if !ok {
		return fmt.Errorf("record %s is already in the fastest tier", id)
	}

	if err := e.moveRecord(ctx, rec, target, types.AuditPromote); err != nil {
		return err
	}
	e.stats.Promotions.Add(1)
	return nil
}

// Migrate moves a record one tier along the chain. A record already in
// the terminal tier is tombstoned instead: its payload is purged from
// every backing store while the catalog row and audit trail remain.
func (e *Engine) Migrate(ctx context.Context, id string) error {
	_, err := e.migrateRecord(ctx, id)
	return err
}

// migrateRecord is Migrate reporting whether the move ended the chain.
// The tombstoned flag comes from the record state read under the lock,
// so sweep counters classify the actual outcome, not a stale pre-lock
// view.
func (e *Engine) migrateRecord(ctx context.Context, id string) (tombstoned bool, err error) {
	release := e.lockRecord(id)
	if release == nil {
		e.stats.Conflicts.Add(1)
		return false, fmt.Errorf("%w: record %s is being moved", types.ErrMigrationConflict, id)
	}
	defer release()

	rec, err := e.activeRecord(id)
	if err != nil {
		return false, err
	}

	target, ok := rec.Tier.Next()
	if !ok {
		return true, e.tombstoneLocked(ctx, rec)
	}

	if err := e.moveRecord(ctx, rec, target, types.AuditMigrate); err != nil {
		return false, err
	}
	e.stats.Migrations.Add(1)
	return false, nil
}

// Tombstone purges a record's payload from every backing store and
// marks the catalog row terminal. Explicit counterpart of the sweep's
// end-of-chain transition.
func (e *Engine) Tombstone(ctx context.Context, id string) error {
	release := e.lockRecord(id)
	if release == nil {
		e.stats.Conflicts.Add(1)
		return fmt.Errorf("%w: record %s is being moved", types.ErrMigrationConflict, id)
	}
	defer release()

	rec, err := e.activeRecord(id)
	if err != nil {
		return err
	}
	return e.tombstoneLocked(ctx, rec)
}

func (e *Engine) activeRecord(id string) (types.DataRecord, error) {
	rec, err := e.index.Get(id)
	if err != nil {
		return types.DataRecord{}, err
	}
	if rec.State == types.StateTombstoned {
		return types.DataRecord{}, fmt.Errorf("%w: %s", types.ErrTombstoned, id)
	}
	return rec, nil
}

// moveRecord relocates a record between tiers. Copy first, repoint the
// index, delete the source last: a crash at any point leaves a readable
// copy, never zero copies.
func (e *Engine) moveRecord(ctx context.Context, rec types.DataRecord, target types.Tier, action types.AuditAction) error {
	payload, err := e.fetchVerified(ctx, rec)
	if err != nil {
		return fmt.Errorf("read record for move: %w", err)
	}

	policy := e.registry.PolicyFor(target)
	encoded, enc, err := e.codec.Encode(rec.ID, payload, policy)
	if err != nil {
		return fmt.Errorf("re-encode record: %w", err)
	}

	metaDoc, err := encodeMetaDocument(rec)
	if err != nil {
		return fmt.Errorf("encode metadata document: %w", err)
	}

	now := e.now().UTC()
	mirrorWanted := policy.RemoteMirror || policy.DeepArchive
	if mirrorWanted {
		if err := e.index.SetMirrorPending(rec.ID, true); err != nil {
			return err
		}
	}

	queued, err := e.store.Persist(ctx, rec.ID, target, encoded, metaDoc)
	if err != nil {
		if mirrorWanted {
			if clearErr := e.index.SetMirrorPending(rec.ID, false); clearErr != nil {
				e.log.Error("clearing mirror-pending after failed persist", "record_id", rec.ID, "error", clearErr)
			}
		}
		return fmt.Errorf("persist to %s: %w", target, err)
	}

	if err := e.index.RepointTier(rec.ID, rec.Tier, target, backend.BlobKey(target, rec.ID), now); err != nil {
		// Lost the race after copying: remove the copy we made, keep
		// the winner's state intact.
		if rmErr := e.store.Remove(ctx, rec.ID, target); rmErr != nil {
			e.log.Error("orphaned tier copy after lost race", "record_id", rec.ID, "tier", target.String(), "error", rmErr)
		}
		return err
	}

	if err := e.index.SetEncoding(rec.ID, enc.Compressed, enc.Encrypted); err != nil {
		return err
	}
	if !queued {
		// No upload in flight: either the target tier needs no mirror,
		// or none is configured. Clear any stale pending marker.
		if err := e.index.SetMirrorPending(rec.ID, false); err != nil {
			return err
		}
	}

	if err := e.store.Remove(ctx, rec.ID, rec.Tier); err != nil {
		// The move already committed; the stale copy is garbage, not a
		// correctness problem.
		e.log.Warn("removing source copy failed", "record_id", rec.ID, "tier", rec.Tier.String(), "error", err)
	}

	if err := e.audit(rec.ID, action, target, now, fmt.Sprintf("from %s", rec.Tier)); err != nil {
		return err
	}

	e.log.Info("record moved",
		"record_id", rec.ID, "from", rec.Tier.String(), "to", target.String(), "action", string(action))
	return nil
}

// tombstoneLocked purges a record under an already-held record lock.
func (e *Engine) tombstoneLocked(ctx context.Context, rec types.DataRecord) error {
	now := e.now().UTC()

	if err := e.index.Tombstone(rec.ID, rec.Tier, now); err != nil {
		return err
	}

	if err := e.store.Remove(ctx, rec.ID, rec.Tier); err != nil {
		// The record is terminal either way; leftover bytes are
		// retried by nothing, so surface loudly.
		e.log.Error("purging tombstoned payload failed", "record_id", rec.ID, "error", err)
	}

	if err := e.audit(rec.ID, types.AuditTombstone, rec.Tier, now, ""); err != nil {
		return err
	}

	e.stats.Tombstones.Add(1)
	e.log.Info("record tombstoned", "record_id", rec.ID, "tier", rec.Tier.String())
	return nil
}

// RunSweep executes one lifecycle sweep: every active record past its
// tier's retention window moves one tier along the chain (or is
// tombstoned at the end of it), and pending mirror uploads are
// retried. Concurrent callers share a single run.
func (e *Engine) RunSweep(ctx context.Context) (types.SweepResult, error) {
	v, err, _ := e.group.Do("sweep", func() (any, error) {
		return e.runSweep(ctx)
	})
	if err != nil {
		return types.SweepResult{}, err
	}
	return v.(types.SweepResult), nil
}

func (e *Engine) runSweep(ctx context.Context) (types.SweepResult, error) {
	var result types.SweepResult
	now := e.now().UTC()

	records, err := e.index.Active()
	if err != nil {
		return result, err
	}
	result.Scanned = len(records)

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if rec.MirrorPending {
			if err := e.store.RetryMirror(ctx, rec.ID, rec.Tier); err != nil {
				e.log.Warn("mirror retry failed", "record_id", rec.ID, "error", err)
			} else {
				result.MirrorsRetried++
			}
		}

		policy := e.registry.PolicyFor(rec.Tier)
		if now.Sub(rec.TierEnteredAt) <= policy.Retention {
			continue
		}

		tombstoned, err := e.migrateRecord(ctx, rec.ID)
		if errors.Is(err, types.ErrMigrationConflict) {
			// Another mover got there first. One retry if the record is
			// still past retention; a second loss leaves it for the
			// next sweep.
			result.Conflicts++
			var moved bool
			tombstoned, moved, err = e.retryExpiredMove(ctx, rec.ID, now)
			if err == nil && !moved {
				continue
			}
		}
		switch {
		case err == nil && tombstoned:
			result.Tombstoned++
		case err == nil:
			result.Migrated++
		case errors.Is(err, types.ErrMigrationConflict):
			// Lost the retry too; the winner's outcome stands for now.
		case errors.Is(err, types.ErrIntegrity), errors.Is(err, types.ErrDecode):
			// Flagged by the failed read. Never migrate bytes that no
			// longer match their checksum.
			e.log.Warn("sweep skipped corrupt record", "record_id", rec.ID, "error", err)
		default:
			e.log.Error("sweep migration failed", "record_id", rec.ID, "error", err)
		}
	}

	e.stats.SweepRuns.Add(1)
	e.log.Info("lifecycle sweep finished",
		"scanned", result.Scanned, "migrated", result.Migrated,
		"tombstoned", result.Tombstoned, "conflicts", result.Conflicts,
		"mirrors_retried", result.MirrorsRetried)
	return result, nil
}

// retryExpiredMove re-reads a record after a lost sweep race and moves
// it once more if it is still past retention in its current tier. The
// winner's move usually satisfies retention, in which case nothing
// happens and moved is false.
func (e *Engine) retryExpiredMove(ctx context.Context, id string, now time.Time) (tombstoned, moved bool, err error) {
	rec, err := e.index.Get(id)
	if err != nil {
		return false, false, err
	}
	if rec.State != types.StateActive {
		return false, false, nil
	}
	if now.Sub(rec.TierEnteredAt) <= e.registry.PolicyFor(rec.Tier).Retention {
		return false, false, nil
	}

	tombstoned, err = e.migrateRecord(ctx, id)
	if err != nil {
		return false, false, err
	}
	return tombstoned, true, nil
}

// VerifyIntegrity runs a full integrity pass and writes the report
// document under the report directory. Concurrent callers share a
// single run.
func (e *Engine) VerifyIntegrity(ctx context.Context) (types.IntegrityReport, error) {
	v, err, _ := e.group.Do("verify", func() (any, error) {
		rep, err := e.verifier.Run(ctx)
		if err != nil {
			return types.IntegrityReport{}, err
		}
		if _, err := report.SaveIntegrity(e.reportDir, rep); err != nil {
			return types.IntegrityReport{}, err
		}
		e.stats.VerifyRuns.Add(1)
		return rep, nil
	})
	if err != nil {
		return types.IntegrityReport{}, err
	}
	return v.(types.IntegrityReport), nil
}

// ComplianceReport builds a compliance report as of the given time and
// writes it under the report directory. A zero asOf means the current
// clock. Read-only: reporting never mutates records.
func (e *Engine) ComplianceReport(ctx context.Context, asOf time.Time) (types.ComplianceReport, error) {
	rep, err := e.reporter.Run(ctx, asOf)
	if err != nil {
		return types.ComplianceReport{}, err
	}
	if _, err := report.Save(e.reportDir, rep); err != nil {
		return types.ComplianceReport{}, err
	}
	return rep, nil
}
