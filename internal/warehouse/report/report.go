// Package report implements compliance reporting: a read-only
// cross-reference of the record catalog, the tier policies and the
// audit trail. Reporting never mutates records, payloads or the trail.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/vykr/strata/internal/logging"
	"github.com/vykr/strata/internal/warehouse/audit"
	"github.com/vykr/strata/internal/warehouse/index"
	"github.com/vykr/strata/internal/warehouse/types"
)

// Reporter builds compliance reports.
type Reporter struct {
	index    *index.Index
	registry *types.Registry
	auditDir string

	now func() time.Time
	log *slog.Logger
}

// Options configures a Reporter.
type Options struct {
	// Now supplies the clock. Defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// New creates a Reporter over the given index, tier registry and audit
// log directory.
func New(ix *index.Index, registry *types.Registry, auditDir string, opts Options) *Reporter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Component("report")
	}
	return &Reporter{
		index:    ix,
		registry: registry,
		auditDir: auditDir,
		now:      opts.Now,
		log:      opts.Logger,
	}
}

// Run builds a compliance report as of the given time. A zero asOf
// means the current clock; an explicit one lets auditors ask "was the
// catalog compliant at the end of the quarter".
//
// Three checks:
//   - retention: active records older than their tier's retention
//     window that the sweep has not moved yet
//   - encryption: active records resident in an encryption-mandating
//     tier whose stored copy is not encrypted
//   - audit gaps: records with no store entry in the audit trail
func (r *Reporter) Run(ctx context.Context, asOf time.Time) (types.ComplianceReport, error) {
	if asOf.IsZero() {
		asOf = r.now()
	}
	report := types.ComplianceReport{AsOf: asOf.UTC()}

	if err := ctx.Err(); err != nil {
		return report, err
	}

	records, err := r.index.All()
	if err != nil {
		return report, fmt.Errorf("list records: %w", err)
	}
	report.RecordsScanned = len(records)

	stored, err := r.storedRecordIDs()
	if err != nil {
		return report, err
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if !stored[rec.ID] {
			report.AuditGaps = append(report.AuditGaps, types.ComplianceViolation{
				RecordID: rec.ID,
				Tier:     rec.Tier.String(),
				Detail:   "no store entry in audit trail",
			})
		}

		// Tombstoned records hold no payload; retention and encryption
		// only apply to resident data.
		if rec.State != types.StateActive {
			continue
		}

		policy := r.registry.PolicyFor(rec.Tier)

		if age := report.AsOf.Sub(rec.TierEnteredAt); age > policy.Retention {
			report.RetentionViolations = append(report.RetentionViolations, types.ComplianceViolation{
				RecordID: rec.ID,
				Tier:     rec.Tier.String(),
				Detail: fmt.Sprintf("resident %s, retention window %s",
					age.Truncate(time.Second), policy.Retention),
			})
		}

		if policy.Encrypt && !rec.Encrypted {
			report.EncryptionViolations = append(report.EncryptionViolations, types.ComplianceViolation{
				RecordID: rec.ID,
				Tier:     rec.Tier.String(),
				Detail:   "tier mandates encryption, stored copy is plaintext",
			})
		}
	}

	r.log.Info("compliance report built",
		"scanned", report.RecordsScanned,
		"retention_violations", len(report.RetentionViolations),
		"encryption_violations", len(report.EncryptionViolations),
		"audit_gaps", len(report.AuditGaps))
	return report, nil
}

// storedRecordIDs collects the ids that have a store entry in the
// audit trail.
func (r *Reporter) storedRecordIDs() (map[string]bool, error) {
	entries, err := audit.ReadAll(r.auditDir)
	if err != nil {
		return nil, fmt.Errorf("read audit trail: %w", err)
	}

	stored := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Action == types.AuditStore {
			stored[e.RecordID] = true
		}
	}
	return stored, nil
}

// Save writes a report as an indented JSON document under dir, named
// by the report's as-of timestamp. Returns the written path.
func Save(dir string, report types.ComplianceReport) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}

	name := fmt.Sprintf("compliance-%s.json", report.AsOf.Format("20060102T150405Z"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// SaveIntegrity writes an integrity report as an indented JSON document
// under dir, named by the pass start time. Returns the written path.
func SaveIntegrity(dir string, rep types.IntegrityReport) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}

	name := fmt.Sprintf("integrity-%s.json", rep.StartedAt.Format("20060102T150405Z"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}
