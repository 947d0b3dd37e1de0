// Package verify implements integrity verification: walking the record
// catalog, re-fetching each payload, decoding it and comparing its
// digest against the checksum captured at store time.
//
// Verification detects drift, it never repairs it. The stored checksum
// is the only trustworthy reference for what was originally written, so
// a failed record is flagged and reported — recomputing the checksum
// from the current bytes would only launder the corruption.
package verify

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zeebo/blake3"

	"github.com/vykr/strata/internal/logging"
	"github.com/vykr/strata/internal/warehouse/audit"
	"github.com/vykr/strata/internal/warehouse/backend"
	"github.com/vykr/strata/internal/warehouse/codec"
	"github.com/vykr/strata/internal/warehouse/index"
	"github.com/vykr/strata/internal/warehouse/types"
)

// Verifier runs integrity passes over the catalog.
type Verifier struct {
	index *index.Index
	store *backend.Adapter
	codec *codec.Codec
	trail *audit.Log

	now func() time.Time
	log *slog.Logger
}

// Options configures a Verifier.
type Options struct {
	// Now supplies the clock. Defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// New creates a Verifier over the given index, store, codec and audit
// trail.
func New(ix *index.Index, store *backend.Adapter, cdc *codec.Codec, trail *audit.Log, opts Options) *Verifier {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Component("verify")
	}
	return &Verifier{
		index: ix,
		store: store,
		codec: cdc,
		trail: trail,
		now:   opts.Now,
		log:   opts.Logger,
	}
}

// Run verifies every active record and returns the pass report.
//
// Each corruption failure flags the record in the index and appends a
// verify-fail entry to the audit trail; the flag is never cleared. A
// per-record failure is a report entry, never an abort: a transient
// backend error on one record is recorded as Unverifiable (not flagged,
// since it says nothing about the bytes) and the pass moves on. Only
// cancellation stops the scan early.
func (v *Verifier) Run(ctx context.Context) (types.IntegrityReport, error) {
	report := types.IntegrityReport{StartedAt: v.now().UTC()}

	records, err := v.index.Active()
	if err != nil {
		return report, fmt.Errorf("list records: %w", err)
	}
	report.TotalRecords = len(records)

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		failure := v.verifyRecord(ctx, rec)
		if failure == nil {
			report.Verified++
			continue
		}

		report.Failed++
		report.Failures = append(report.Failures, *failure)
		if failure.Reason == types.ReasonUnverifiable {
			v.log.Warn("record unverifiable this pass",
				"record_id", rec.ID, "tier", rec.Tier.String(), "detail", failure.Detail)
			continue
		}
		if err := v.flag(rec, *failure); err != nil {
			return report, err
		}
	}

	report.FinishedAt = v.now().UTC()
	v.log.Info("integrity pass finished",
		"total", report.TotalRecords, "verified", report.Verified, "failed", report.Failed)
	return report, nil
}

// verifyRecord checks one record. A nil failure means the record is
// intact and its verification timestamp has been recorded.
func (v *Verifier) verifyRecord(ctx context.Context, rec types.DataRecord) *types.IntegrityFailure {
	encoded, err := v.store.Fetch(ctx, rec.ID, rec.Tier)
	if errors.Is(err, types.ErrDataNotFound) {
		return &types.IntegrityFailure{
			RecordID: rec.ID,
			Tier:     rec.Tier.String(),
			Reason:   types.ReasonDataMissing,
			Detail:   "no physical copy in any backing store",
		}
	}
	if err != nil {
		// Backend trouble, not corruption: the record cannot be judged
		// this pass.
		return &types.IntegrityFailure{
			RecordID: rec.ID,
			Tier:     rec.Tier.String(),
			Reason:   types.ReasonUnverifiable,
			Detail:   fmt.Sprintf("fetch: %v", err),
		}
	}

	payload, err := v.codec.Decode(rec.ID, encoded)
	if err != nil {
		return &types.IntegrityFailure{
			RecordID: rec.ID,
			Tier:     rec.Tier.String(),
			Reason:   types.ReasonDecodeFailed,
			Detail:   err.Error(),
		}
	}

	digest := blake3.Sum256(payload)
	checksum := hex.EncodeToString(digest[:])
	if checksum != rec.Checksum {
		return &types.IntegrityFailure{
			RecordID: rec.ID,
			Tier:     rec.Tier.String(),
			Reason:   types.ReasonChecksumMismatch,
			Detail:   fmt.Sprintf("stored %s, computed %s", rec.Checksum, checksum),
		}
	}

	if err := v.index.SetVerified(rec.ID, checksum, v.now().UTC()); err != nil {
		return &types.IntegrityFailure{
			RecordID: rec.ID,
			Tier:     rec.Tier.String(),
			Reason:   types.ReasonUnverifiable,
			Detail:   fmt.Sprintf("record verification time: %v", err),
		}
	}
	return nil
}

func (v *Verifier) flag(rec types.DataRecord, failure types.IntegrityFailure) error {
	v.log.Warn("integrity failure",
		"record_id", rec.ID, "tier", rec.Tier.String(), "reason", string(failure.Reason))

	if err := v.index.Flag(rec.ID); err != nil {
		return err
	}
	return v.trail.Append(types.AuditEntry{
		RecordID:  rec.ID,
		Action:    types.AuditVerifyFail,
		Tier:      rec.Tier.String(),
		Timestamp: v.now().UTC(),
		Detail:    string(failure.Reason),
	})
}
