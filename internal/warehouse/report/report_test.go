package report

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vykr/strata/internal/warehouse/audit"
	"github.com/vykr/strata/internal/warehouse/index"
	"github.com/vykr/strata/internal/warehouse/types"
)

type testEnv struct {
	index    *index.Index
	trail    *audit.Log
	auditDir string
	registry *types.Registry
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	ix, err := index.Open(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { ix.Close() })

	auditDir := filepath.Join(dir, "audit")
	trail, err := audit.Open(auditDir, audit.DefaultOptions())
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { trail.Close() })

	return &testEnv{
		index:    ix,
		trail:    trail,
		auditDir: auditDir,
		registry: types.DefaultRegistry(),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (e *testEnv) reporter() *Reporter {
	return New(e.index, e.registry, e.auditDir, Options{Now: func() time.Time { return e.now }})
}

// seed catalogs a record and optionally its store audit entry.
func (e *testEnv) seed(t *testing.T, id string, tier types.Tier, enteredAt time.Time, encrypted, audited bool) {
	t.Helper()

	rec := types.DataRecord{
		ID:            id,
		Tier:          tier,
		State:         types.StateActive,
		DataType:      "report",
		Checksum:      "cafe",
		Size:          64,
		CreatedAt:     enteredAt,
		TierEnteredAt: enteredAt,
		Encrypted:     encrypted,
	}
	if err := e.index.Insert(rec, "k"); err != nil {
		t.Fatalf("Insert %s: %v", id, err)
	}
	if audited {
		if err := e.trail.Append(types.AuditEntry{
			RecordID:  id,
			Action:    types.AuditStore,
			Tier:      tier.String(),
			Timestamp: enteredAt,
		}); err != nil {
			t.Fatalf("Append %s: %v", id, err)
		}
	}
}

func TestReporter_CleanCatalog(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "rec-1", types.TierHot, env.now.Add(-time.Hour), false, true)
	env.seed(t, "rec-2", types.TierCold, env.now.Add(-24*time.Hour), true, true)

	report, err := env.reporter().Run(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.RecordsScanned != 2 {
		t.Errorf("scanned = %d", report.RecordsScanned)
	}
	if len(report.RetentionViolations)+len(report.EncryptionViolations)+len(report.AuditGaps) != 0 {
		t.Errorf("clean catalog produced violations: %+v", report)
	}
	if !report.AsOf.Equal(env.now) {
		t.Errorf("as-of = %v", report.AsOf)
	}
}

func TestReporter_RetentionViolation(t *testing.T) {
	env := newTestEnv(t)
	// Hot retention is 30 days; 31 days resident is overdue.
	env.seed(t, "rec-1", types.TierHot, env.now.Add(-31*24*time.Hour), false, true)
	env.seed(t, "rec-2", types.TierHot, env.now.Add(-29*24*time.Hour), false, true)

	report, err := env.reporter().Run(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.RetentionViolations) != 1 || report.RetentionViolations[0].RecordID != "rec-1" {
		t.Errorf("retention violations: %+v", report.RetentionViolations)
	}
}

func TestReporter_ExplicitAsOf(t *testing.T) {
	env := newTestEnv(t)
	// 31 days resident: overdue against the current clock, but inside
	// the 30-day hot window as of a week ago.
	env.seed(t, "rec-1", types.TierHot, env.now.Add(-31*24*time.Hour), false, true)

	asOf := env.now.Add(-7 * 24 * time.Hour)
	report, err := env.reporter().Run(context.Background(), asOf)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.AsOf.Equal(asOf) {
		t.Errorf("as-of = %v, want %v", report.AsOf, asOf)
	}
	if len(report.RetentionViolations) != 0 {
		t.Errorf("violations as of %v: %+v", asOf, report.RetentionViolations)
	}

	// Against the current clock the same record is overdue.
	report, err = env.reporter().Run(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.AsOf.Equal(env.now) {
		t.Errorf("zero as-of should fall back to the clock, got %v", report.AsOf)
	}
	if len(report.RetentionViolations) != 1 {
		t.Errorf("violations now: %+v", report.RetentionViolations)
	}
}

func TestReporter_EncryptionViolation(t *testing.T) {
	env := newTestEnv(t)
	// Cold mandates encryption; this record predates the mandate.
	env.seed(t, "rec-1", types.TierCold, env.now.Add(-time.Hour), false, true)
	env.seed(t, "rec-2", types.TierCold, env.now.Add(-time.Hour), true, true)
	env.seed(t, "rec-3", types.TierHot, env.now.Add(-time.Hour), false, true)

	report, err := env.reporter().Run(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.EncryptionViolations) != 1 || report.EncryptionViolations[0].RecordID != "rec-1" {
		t.Errorf("encryption violations: %+v", report.EncryptionViolations)
	}
}

func TestReporter_AuditGap(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "rec-1", types.TierWarm, env.now.Add(-time.Hour), false, false)
	env.seed(t, "rec-2", types.TierWarm, env.now.Add(-time.Hour), false, true)

	report, err := env.reporter().Run(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.AuditGaps) != 1 || report.AuditGaps[0].RecordID != "rec-1" {
		t.Errorf("audit gaps: %+v", report.AuditGaps)
	}
}

func TestReporter_TombstonedSkipsRetentionAndEncryption(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "rec-1", types.TierArchive, env.now.Add(-10*365*24*time.Hour), false, true)
	if err := env.index.Tombstone("rec-1", types.TierArchive, env.now); err != nil {
		t.Fatalf("Tombstone: %v", err)
	}

	report, err := env.reporter().Run(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.RetentionViolations) != 0 || len(report.EncryptionViolations) != 0 {
		t.Errorf("tombstoned record should not violate: %+v", report)
	}
	// It still counts for scanning and audit-gap checks.
	if report.RecordsScanned != 1 {
		t.Errorf("scanned = %d", report.RecordsScanned)
	}
}

func TestSave_WritesDocument(t *testing.T) {
	dir := t.TempDir()
	rep := types.ComplianceReport{
		AsOf:           time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		RecordsScanned: 5,
		RetentionViolations: []types.ComplianceViolation{
			{RecordID: "rec-1", Tier: "hot", Detail: "overdue"},
		},
	}

	path, err := Save(dir, rep)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if filepath.Base(path) != "compliance-20260301T120000Z.json" {
		t.Errorf("path = %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var got types.ComplianceReport
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.RecordsScanned != 5 || len(got.RetentionViolations) != 1 {
		t.Errorf("round trip: %+v", got)
	}
}
