// Package warehouse implements the tiered data lifecycle engine. It
// owns record identity, the store/retrieve paths, access-driven
// promotion, retention-driven migration, integrity verification and
// compliance reporting, coordinating the codec, backend, index and
// audit subsystems.
package warehouse

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"github.com/vykr/strata/internal/logging"
	"github.com/vykr/strata/internal/warehouse/audit"
	"github.com/vykr/strata/internal/warehouse/backend"
	"github.com/vykr/strata/internal/warehouse/codec"
	"github.com/vykr/strata/internal/warehouse/config"
	"github.com/vykr/strata/internal/warehouse/index"
	"github.com/vykr/strata/internal/warehouse/report"
	"github.com/vykr/strata/internal/warehouse/types"
	"github.com/vykr/strata/internal/warehouse/verify"
)

// Engine is the tiered data lifecycle engine.
type Engine struct {
	registry *types.Registry
	codec    *codec.Codec
	store    *backend.Adapter
	index    *index.Index
	trail    *audit.Log
	verifier *verify.Verifier
	reporter *report.Reporter

	promotionThreshold int64
	sweepInterval      time.Duration
	verifyInterval     time.Duration
	reportDir          string

	now func() time.Time
	log *slog.Logger

	// locks holds one mutex per record id. Migration, promotion and
	// tombstoning TryLock it; the loser reports ErrMigrationConflict
	// instead of blocking.
	locks sync.Map

	// group collapses concurrent sweep and verify requests into one
	// in-flight run each.
	group singleflight.Group

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats engineStats
}

type engineStats struct {
	Stores     atomic.Int64
	Retrieves  atomic.Int64
	Promotions atomic.Int64
	Migrations atomic.Int64
	Tombstones atomic.Int64
	Conflicts  atomic.Int64
	SweepRuns  atomic.Int64
	VerifyRuns atomic.Int64
}

// Stats is a point-in-time copy of the engine counters.
type Stats struct {
	Stores     int64
	Retrieves  int64
	Promotions int64
	Migrations int64
	Tombstones int64
	Conflicts  int64
	SweepRuns  int64
	VerifyRuns int64
}

// Options configures engine construction beyond the file config.
type Options struct {
	// Now supplies the clock. Defaults to time.Now. Lifecycle tests
	// inject a simulated clock here instead of sleeping through
	// retention windows.
	Now func() time.Time

	// Local, Remote and Vault override the filesystem stores derived
	// from the config. Remote and Vault may be nil.
	Local  backend.BlobStore
	Remote backend.BlobStore
	Vault  backend.BlobStore

	Logger *slog.Logger
}

// New builds an engine from configuration: tier registry, codec,
// backend adapter, location index, audit trail, verifier and reporter.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Component("engine")
	}

	registry, err := cfg.Registry()
	if err != nil {
		return nil, err
	}

	masterKey, err := cfg.MasterKeyBytes()
	if err != nil {
		return nil, err
	}
	cdc, err := codec.New(masterKey)
	if err != nil {
		return nil, err
	}

	local := opts.Local
	if local == nil {
		local, err = backend.NewFilesystemStore(cfg.BlobDir())
		if err != nil {
			return nil, err
		}
	}
	remote := opts.Remote
	if remote == nil && cfg.Mirror.RemoteDir != "" {
		remote, err = backend.NewFilesystemStore(cfg.Mirror.RemoteDir)
		if err != nil {
			return nil, err
		}
	}
	vault := opts.Vault
	if vault == nil && cfg.Mirror.VaultDir != "" {
		vault, err = backend.NewFilesystemStore(cfg.Mirror.VaultDir)
		if err != nil {
			return nil, err
		}
	}

	ix, err := index.Open(cfg.IndexPath())
	if err != nil {
		return nil, err
	}

	trail, err := audit.Open(cfg.AuditDir(), audit.Options{
		MaxSegmentSize: cfg.Audit.MaxSegmentSize,
		Fsync:          cfg.Audit.Fsync,
	})
	if err != nil {
		ix.Close()
		return nil, err
	}

	e := &Engine{
		registry:           registry,
		codec:              cdc,
		index:              ix,
		trail:              trail,
		promotionThreshold: cfg.Promotion.Threshold,
		sweepInterval:      cfg.Lifecycle.SweepInterval,
		verifyInterval:     cfg.Lifecycle.VerifyInterval,
		reportDir:          cfg.ReportDir(),
		now:                opts.Now,
		log:                opts.Logger,
	}

	e.store = backend.New(registry, local, remote, vault, backend.Options{
		Workers:   cfg.Mirror.Workers,
		QueueSize: cfg.Mirror.QueueSize,
		Retry: backend.RetryPolicy{
			MaxAttempts:    cfg.Mirror.MaxAttempts,
			InitialBackoff: cfg.Mirror.InitialBackoff,
			MaxBackoff:     cfg.Mirror.MaxBackoff,
		},
		OnMirrorResult: e.onMirrorResult,
		Logger:         opts.Logger,
	})

	e.verifier = verify.New(ix, e.store, cdc, trail, verify.Options{Now: opts.Now, Logger: opts.Logger})
	e.reporter = report.New(ix, registry, cfg.AuditDir(), report.Options{Now: opts.Now, Logger: opts.Logger})

	return e, nil
}

// Close stops the background loops, drains the mirror queue and closes
// the index and audit trail.
func (e *Engine) Close() error {
	e.Stop()
	e.store.Close()

	var errs []error
	if err := e.trail.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.index.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Start launches the background sweep and verification loops. Safe to
// call once; Stop or Close shuts them down.
func (e *Engine) Start(ctx context.Context) {
	if !e.running.CompareAndSwap(false, true) {
		return
	}

	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go e.sweepLoop(ctx)

	if e.verifyInterval > 0 {
		e.wg.Add(1)
		go e.verifyLoop(ctx)
	}

	e.log.Info("engine started",
		"sweep_interval", e.sweepInterval, "verify_interval", e.verifyInterval)
}

// Stop halts the background loops. In-flight operations finish.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.cancel()
	e.wg.Wait()
	e.log.Info("engine stopped")
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.RunSweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.log.Error("lifecycle sweep failed", "error", err)
			}
		}
	}
}

func (e *Engine) verifyLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.verifyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.VerifyIntegrity(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.log.Error("integrity pass failed", "error", err)
			}
		}
	}
}

// StoreOptions tunes an ingest.
type StoreOptions struct {
	// Tier pins the initial tier, bypassing data-type classification.
	// When nil the tier is classified from the data type.
	Tier *types.Tier
}

// Store ingests a payload: classifies it into its initial tier by data
// type, encodes it per the tier policy, persists it and catalogs it.
// Returns the new record.
func (e *Engine) Store(ctx context.Context, dataType string, payload []byte, metadata map[string]string) (types.DataRecord, error) {
	return e.StoreWith(ctx, dataType, payload, metadata, StoreOptions{})
}

// StoreWith is Store with explicit options.
//
// The checksum is computed over the raw payload here, exactly once.
// Every later integrity decision compares against it.
func (e *Engine) StoreWith(ctx context.Context, dataType string, payload []byte, metadata map[string]string, opts StoreOptions) (types.DataRecord, error) {
	if err := ctx.Err(); err != nil {
		return types.DataRecord{}, err
	}

	id := uuid.NewString()
	tier := e.registry.InitialTierFor(dataType)
	if opts.Tier != nil {
		if !opts.Tier.Valid() {
			return types.DataRecord{}, fmt.Errorf("%w: rank %d", types.ErrUnknownTier, int(*opts.Tier))
		}
		tier = *opts.Tier
	}
	policy := e.registry.PolicyFor(tier)
	now := e.now().UTC()

	digest := blake3.Sum256(payload)

	encoded, enc, err := e.codec.Encode(id, payload, policy)
	if err != nil {
		return types.DataRecord{}, fmt.Errorf("encode record: %w", err)
	}

	rec := types.DataRecord{
		ID:            id,
		Tier:          tier,
		State:         types.StateActive,
		DataType:      dataType,
		Metadata:      metadata,
		Checksum:      hex.EncodeToString(digest[:]),
		Size:          int64(len(payload)),
		CreatedAt:     now,
		TierEnteredAt: now,
		Compressed:    enc.Compressed,
		Encrypted:     enc.Encrypted,
		MirrorPending: policy.RemoteMirror || policy.DeepArchive,
	}

	metaDoc, err := encodeMetaDocument(rec)
	if err != nil {
		return types.DataRecord{}, fmt.Errorf("encode metadata document: %w", err)
	}

	// Index row first so the mirror-result callback always finds it.
	if err := e.index.Insert(rec, backend.BlobKey(tier, id)); err != nil {
		return types.DataRecord{}, err
	}

	queued, err := e.store.Persist(ctx, id, tier, encoded, metaDoc)
	if err != nil {
		if delErr := e.index.Delete(id); delErr != nil {
			e.log.Error("orphaned index row after failed persist", "record_id", id, "error", delErr)
		}
		return types.DataRecord{}, fmt.Errorf("persist record: %w", err)
	}
	if rec.MirrorPending && !queued {
		// Policy wants a mirror but no store is configured.
		rec.MirrorPending = false
		if err := e.index.SetMirrorPending(id, false); err != nil {
			return types.DataRecord{}, err
		}
	}

	if err := e.audit(id, types.AuditStore, tier, now, dataType); err != nil {
		return types.DataRecord{}, err
	}

	e.stats.Stores.Add(1)
	e.log.Debug("record stored", "record_id", id, "tier", tier.String(), "size", rec.Size)
	return rec, nil
}

// RetrieveOptions tunes a retrieval.
type RetrieveOptions struct {
	// Promote enables access-driven promotion. Retrieve uses true;
	// bulk readers like the verifier bypass promotion entirely.
	Promote bool
}

// Retrieve fetches a record's payload, counting the access and
// promoting the record one tier toward hot when the access count
// reaches the promotion threshold.
func (e *Engine) Retrieve(ctx context.Context, id string) ([]byte, types.DataRecord, error) {
	return e.RetrieveWith(ctx, id, RetrieveOptions{Promote: true})
}

// RetrieveWith is Retrieve with explicit options.
func (e *Engine) RetrieveWith(ctx context.Context, id string, opts RetrieveOptions) ([]byte, types.DataRecord, error) {
	rec, err := e.index.Get(id)
	if err != nil {
		return nil, types.DataRecord{}, err
	}
	if rec.State == types.StateTombstoned {
		return nil, types.DataRecord{}, fmt.Errorf("%w: %s", types.ErrTombstoned, id)
	}

	payload, err := e.fetchVerified(ctx, rec)
	if err != nil {
		return nil, types.DataRecord{}, err
	}

	now := e.now().UTC()
	count, err := e.index.RecordAccess(id, now)
	if err != nil {
		return nil, types.DataRecord{}, err
	}
	rec.AccessCount = count
	rec.LastAccess = now

	if err := e.audit(id, types.AuditRetrieve, rec.Tier, now, ""); err != nil {
		return nil, types.DataRecord{}, err
	}
	e.stats.Retrieves.Add(1)

	// Edge-triggered: promotion fires when the counter reaches the
	// threshold exactly, so a record hovering above it is not promoted
	// again on every read. The counter is not reset by tier moves.
	if opts.Promote && count == e.promotionThreshold && !rec.Tier.IsFastest() {
		err := e.Promote(ctx, id)
		if errors.Is(err, types.ErrMigrationConflict) {
			// One retry once the winner has committed, unless its move
			// already made promotion moot. Still losing leaves the
			// record where the winner put it.
			if cur, getErr := e.index.Get(id); getErr == nil &&
				cur.State == types.StateActive && !cur.Tier.IsFastest() {
				err = e.Promote(ctx, id)
			}
		}
		switch {
		case err == nil:
			rec, err = e.index.Get(id)
			if err != nil {
				return nil, types.DataRecord{}, err
			}
		case errors.Is(err, types.ErrMigrationConflict):
			e.log.Debug("promotion lost a tier race", "record_id", id)
		default:
			e.log.Warn("access-driven promotion failed", "record_id", id, "error", err)
		}
	}

	return payload, rec, nil
}

// fetchVerified fetches and decodes a record's payload, checking it
// against the checksum captured at store time. A mismatch flags the
// record and fails the read: corrupt bytes are never handed out.
func (e *Engine) fetchVerified(ctx context.Context, rec types.DataRecord) ([]byte, error) {
	encoded, err := e.store.Fetch(ctx, rec.ID, rec.Tier)
	if err != nil {
		return nil, err
	}

	payload, err := e.codec.Decode(rec.ID, encoded)
	if err != nil {
		e.flagCorrupt(rec, types.ReasonDecodeFailed)
		return nil, err
	}

	digest := blake3.Sum256(payload)
	if hex.EncodeToString(digest[:]) != rec.Checksum {
		e.flagCorrupt(rec, types.ReasonChecksumMismatch)
		return nil, fmt.Errorf("%w: record %s failed checksum", types.ErrIntegrity, rec.ID)
	}

	return payload, nil
}

func (e *Engine) flagCorrupt(rec types.DataRecord, reason types.FailureReason) {
	if err := e.index.Flag(rec.ID); err != nil {
		e.log.Error("flagging corrupt record failed", "record_id", rec.ID, "error", err)
	}
	if err := e.audit(rec.ID, types.AuditVerifyFail, rec.Tier, e.now().UTC(), string(reason)); err != nil {
		e.log.Error("audit append failed", "record_id", rec.ID, "error", err)
	}
}

// Record returns the catalog entry for a record without touching its
// access counter.
func (e *Engine) Record(id string) (types.DataRecord, error) {
	return e.index.Get(id)
}

// Location returns the Location Index view of a record.
func (e *Engine) Location(id string) (types.LocationEntry, error) {
	return e.index.Location(id)
}

// AuditTrail returns the full audit trail of a record, oldest first.
func (e *Engine) AuditTrail(id string) ([]types.AuditEntry, error) {
	return audit.ForRecord(e.trail.Dir(), id)
}

// EngineStats returns a snapshot of the engine counters.
func (e *Engine) EngineStats() Stats {
	return Stats{
		Stores:     e.stats.Stores.Load(),
		Retrieves:  e.stats.Retrieves.Load(),
		Promotions: e.stats.Promotions.Load(),
		Migrations: e.stats.Migrations.Load(),
		Tombstones: e.stats.Tombstones.Load(),
		Conflicts:  e.stats.Conflicts.Load(),
		SweepRuns:  e.stats.SweepRuns.Load(),
		VerifyRuns: e.stats.VerifyRuns.Load(),
	}
}

// StoreStats returns a snapshot of the backend adapter counters.
func (e *Engine) StoreStats() backend.AdapterStats {
	return e.store.Stats()
}

func (e *Engine) audit(id string, action types.AuditAction, tier types.Tier, at time.Time, detail string) error {
	return e.trail.Append(types.AuditEntry{
		RecordID:  id,
		Action:    action,
		Tier:      tier.String(),
		Timestamp: at,
		Detail:    detail,
	})
}

// metaDocument is the sidecar persisted next to each blob: enough to
// reconstruct the catalog row for a tier if the index is lost. Written
// at store time and on every tier move, purged with the payload.
type metaDocument struct {
	RecordID  string            `cbor:"record_id"`
	DataType  string            `cbor:"data_type"`
	Checksum  string            `cbor:"checksum"`
	Size      int64             `cbor:"size"`
	CreatedAt time.Time         `cbor:"created_at"`
	Metadata  map[string]string `cbor:"metadata,omitempty"`
}

func encodeMetaDocument(rec types.DataRecord) ([]byte, error) {
	return cbor.Marshal(metaDocument{
		RecordID:  rec.ID,
		DataType:  rec.DataType,
		Checksum:  rec.Checksum,
		Size:      rec.Size,
		CreatedAt: rec.CreatedAt,
		Metadata:  rec.Metadata,
	})
}

// onMirrorResult clears the pending marker once a record's mirror
// upload succeeds. Failures leave it set; the sweep retries them.
func (e *Engine) onMirrorResult(res backend.MirrorResult) {
	if res.Err != nil {
		return
	}
	if err := e.index.SetMirrorPending(res.RecordID, false); err != nil {
		e.log.Error("clearing mirror-pending failed", "record_id", res.RecordID, "error", err)
	}
}

// lockRecord takes the per-record mutex without blocking. The returned
// release func is nil when another lifecycle operation holds the lock.
func (e *Engine) lockRecord(id string) func() {
	v, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil
	}
	return mu.Unlock
}
