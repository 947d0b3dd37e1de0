package verify

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/zeebo/blake3"

	"github.com/vykr/strata/internal/warehouse/audit"
	"github.com/vykr/strata/internal/warehouse/backend"
	"github.com/vykr/strata/internal/warehouse/codec"
	"github.com/vykr/strata/internal/warehouse/index"
	"github.com/vykr/strata/internal/warehouse/types"
)

type testEnv struct {
	index    *index.Index
	local    *backend.MemoryStore
	store    *backend.Adapter
	codec    *codec.Codec
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

	local := backend.NewMemoryStore()
	registry := types.DefaultRegistry()
	store := backend.New(registry, local, nil, nil, backend.Options{Workers: 1})
	t.Cleanup(store.Close)

	cdc, err := codec.New(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("codec.New: %v", err)
	}

	auditDir := filepath.Join(dir, "audit")
	trail, err := audit.Open(auditDir, audit.DefaultOptions())
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { trail.Close() })

	return &testEnv{
		index:    ix,
		local:    local,
		store:    store,
		codec:    cdc,
		trail:    trail,
		auditDir: auditDir,
		registry: registry,
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (e *testEnv) verifier(t *testing.T) *Verifier {
	t.Helper()
	return New(e.index, e.store, e.codec, e.trail, Options{Now: func() time.Time { return e.now }})
}

// seed encodes, persists and catalogs one record the way the engine
// does at store time.
func (e *testEnv) seed(t *testing.T, id string, tier types.Tier, payload []byte) {
	t.Helper()

	policy := e.registry.PolicyFor(tier)
	encoded, enc, err := e.codec.Encode(id, payload, policy)
	if err != nil {
		t.Fatalf("Encode %s: %v", id, err)
	}
	if _, err := e.store.Persist(context.Background(), id, tier, encoded, nil); err != nil {
		t.Fatalf("Persist %s: %v", id, err)
	}

	digest := blake3.Sum256(payload)
	rec := types.DataRecord{
		ID:            id,
		Tier:          tier,
		State:         types.StateActive,
		DataType:      "transaction",
		Checksum:      hex.EncodeToString(digest[:]),
		Size:          int64(len(payload)),
		CreatedAt:     e.now,
		TierEnteredAt: e.now,
		Compressed:    enc.Compressed,
		Encrypted:     enc.Encrypted,
	}
	if err := e.index.Insert(rec, backend.BlobKey(tier, id)); err != nil {
		t.Fatalf("Insert %s: %v", id, err)
	}
}

func TestVerifier_AllIntact(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "rec-1", types.TierHot, []byte("plain payload"))
	env.seed(t, "rec-2", types.TierWarm, bytes.Repeat([]byte("warm "), 100))
	env.seed(t, "rec-3", types.TierCold, bytes.Repeat([]byte("cold "), 100))

	report, err := env.verifier(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.TotalRecords != 3 || report.Verified != 3 || report.Failed != 0 {
		t.Errorf("report: %+v", report)
	}

	loc, err := env.index.Location("rec-1")
	if err != nil {
		t.Fatalf("Location: %v", err)
	}
	if loc.VerifiedChecksum == "" || !loc.VerifiedAt.Equal(env.now) {
		t.Errorf("verification not recorded: %+v", loc)
	}
}

func TestVerifier_ChecksumMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "rec-1", types.TierHot, []byte("original payload"))

	// Hot tier stores plain frames, so flipping a blob byte changes the
	// decoded payload rather than breaking the decode.
	if !env.local.Corrupt(backend.BlobKey(types.TierHot, "rec-1")) {
		t.Fatal("corrupt failed")
	}

	report, err := env.verifier(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Failed != 1 || len(report.Failures) != 1 {
		t.Fatalf("report: %+v", report)
	}
	if report.Failures[0].Reason != types.ReasonChecksumMismatch {
		t.Errorf("reason = %s", report.Failures[0].Reason)
	}

	rec, _ := env.index.Get("rec-1")
	if !rec.Flagged {
		t.Error("record should be flagged")
	}

	trail, err := audit.ForRecord(env.auditDir, "rec-1")
	if err != nil {
		t.Fatalf("ForRecord: %v", err)
	}
	if len(trail) != 1 || trail[0].Action != types.AuditVerifyFail {
		t.Errorf("audit trail: %+v", trail)
	}
}

func TestVerifier_DecodeFailed(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "rec-1", types.TierCold, bytes.Repeat([]byte("secret "), 50))

	// Cold tier payloads are encrypted; a flipped ciphertext byte fails
	// authentication instead of producing wrong bytes.
	if !env.local.Corrupt(backend.BlobKey(types.TierCold, "rec-1")) {
		t.Fatal("corrupt failed")
	}

	report, err := env.verifier(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Failed != 1 || report.Failures[0].Reason != types.ReasonDecodeFailed {
		t.Errorf("report: %+v", report)
	}
}

func TestVerifier_DataMissing(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "rec-1", types.TierWarm, []byte("payload"))

	if err := env.local.Delete(context.Background(), backend.BlobKey(types.TierWarm, "rec-1")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	report, err := env.verifier(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Failed != 1 || report.Failures[0].Reason != types.ReasonDataMissing {
		t.Errorf("report: %+v", report)
	}
}

func TestVerifier_TransientReadErrorDoesNotAbortPass(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "rec-a", types.TierHot, []byte("first payload"))
	env.seed(t, "rec-b", types.TierHot, []byte("second payload"))
	env.seed(t, "rec-c", types.TierHot, []byte("third payload"))

	// The first record scanned hits a flaky disk; the rest of the
	// catalog must still be verified.
	env.local.FailGets(1, errors.New("disk hiccup"))

	report, err := env.verifier(t).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.TotalRecords != 3 || report.Verified != 2 || report.Failed != 1 {
		t.Fatalf("report: %+v", report)
	}
	if len(report.Failures) != 1 || report.Failures[0].Reason != types.ReasonUnverifiable {
		t.Fatalf("failures: %+v", report.Failures)
	}
	if report.Failures[0].RecordID != "rec-a" {
		t.Errorf("failure names %s, want rec-a", report.Failures[0].RecordID)
	}

	// A read error says nothing about the bytes: no permanent flag, no
	// verify-fail audit entry.
	rec, _ := env.index.Get("rec-a")
	if rec.Flagged {
		t.Error("unverifiable record must not be flagged")
	}
	trail, err := audit.ForRecord(env.auditDir, "rec-a")
	if err != nil {
		t.Fatalf("ForRecord: %v", err)
	}
	if len(trail) != 0 {
		t.Errorf("audit trail: %+v", trail)
	}

	// The next pass, with the disk healthy, verifies it.
	report, err = env.verifier(t).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if report.Verified != 3 || report.Failed != 0 {
		t.Errorf("second report: %+v", report)
	}
}

func TestVerifier_FlagNeverCleared(t *testing.T) {
	env := newTestEnv(t)
	payload := []byte("payload that will heal")
	env.seed(t, "rec-1", types.TierHot, payload)

	key := backend.BlobKey(types.TierHot, "rec-1")
	if !env.local.Corrupt(key) {
		t.Fatal("corrupt failed")
	}
	if _, err := env.verifier(t).Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// Heal the blob: flip the byte back.
	if !env.local.Corrupt(key) {
		t.Fatal("heal failed")
	}

	report, err := env.verifier(t).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if report.Verified != 1 || report.Failed != 0 {
		t.Errorf("healed record should verify: %+v", report)
	}

	rec, _ := env.index.Get("rec-1")
	if !rec.Flagged {
		t.Error("flag must survive a later clean pass")
	}
}

func TestVerifier_ContextCancellation(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "rec-1", types.TierHot, []byte("x"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := env.verifier(t).Run(ctx); err == nil {
		t.Error("cancelled context should abort the pass")
	}
}
