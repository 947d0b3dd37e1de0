// Package backend provides per-tier persistence for encoded payloads
// and their metadata documents. Writes land on local media first and
// are mirrored asynchronously to a remote object store or deep
// archival vault when the tier policy requires it; reads fall back
// local → remote → vault, retrying transient remote errors with
// bounded exponential backoff.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vykr/strata/internal/warehouse/types"
)

// ErrKeyNotFound is returned by a BlobStore when no blob exists under
// the requested key. Distinct from types.ErrDataNotFound, which the
// adapter returns only after every backing store has missed.
var ErrKeyNotFound = errors.New("key not found")

// BlobStore is a flat keyed byte store. Implementations must be safe
// for concurrent use.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// RetryPolicy bounds the exponential backoff applied to transient
// remote-store failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts (first try included).
	MaxAttempts int

	// InitialBackoff is the delay after the first failure; it doubles
	// per attempt up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy returns the standard 3-attempt policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// MirrorResult reports the outcome of one asynchronous mirror upload.
type MirrorResult struct {
	RecordID string
	Tier     types.Tier
	Err      error
}

// Options configures the adapter.
type Options struct {
	// Workers is the size of the mirror upload pool. Remote I/O is
	// bounded-concurrency, never unbounded fan-out.
	Workers int

	// QueueSize is the mirror job queue capacity. A full queue degrades
	// enqueue to a synchronous upload.
	QueueSize int

	Retry RetryPolicy

	// OnMirrorResult is invoked after every mirror upload attempt
	// sequence, successful or exhausted. May be nil.
	OnMirrorResult func(MirrorResult)

	Logger *slog.Logger
}

// Adapter routes payload persistence across local media, the remote
// object store and the deep archival vault according to tier policy.
type Adapter struct {
	registry *types.Registry

	local  BlobStore
	remote BlobStore // nil when no remote object store is configured
	vault  BlobStore // nil when no deep archival vault is configured

	retry          RetryPolicy
	onMirrorResult func(MirrorResult)
	log            *slog.Logger

	running atomic.Bool
	jobCh   chan mirrorJob
	wg      sync.WaitGroup

	// closeMu orders queue sends against Close: enqueueMirror sends
	// under the read lock, Close closes the channel under the write
	// lock, so a send can never hit a closed channel.
	closeMu sync.RWMutex

	stats Stats
}

// Stats holds adapter counters.
type Stats struct {
	LocalWrites      atomic.Int64
	LocalHits        atomic.Int64
	RemoteHits       atomic.Int64
	VaultHits        atomic.Int64
	MirrorsQueued    atomic.Int64
	MirrorsUploaded  atomic.Int64
	MirrorsFailed    atomic.Int64
	RetriesExhausted atomic.Int64
}

type mirrorJob struct {
	recordID string
	tier     types.Tier
	store    BlobStore
	key      string
	data     []byte
}

// New creates an adapter. remote and vault may be nil; persisting to a
// tier whose policy requires an absent store records the mirror as
// failed rather than failing the local write.
func New(registry *types.Registry, local, remote, vault BlobStore, opts Options) *Adapter {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	a := &Adapter{
		registry:       registry,
		local:          local,
		remote:         remote,
		vault:          vault,
		retry:          opts.Retry,
		onMirrorResult: opts.OnMirrorResult,
		log:            opts.Logger,
		jobCh:          make(chan mirrorJob, opts.QueueSize),
	}

	a.running.Store(true)
	for i := 0; i < opts.Workers; i++ {
		a.wg.Add(1)
		go a.mirrorWorker()
	}

	return a
}

// Close drains the mirror queue and stops the workers. Pending uploads
// complete (or exhaust their retries) before Close returns.
func (a *Adapter) Close() {
	if !a.running.CompareAndSwap(true, false) {
		return
	}
	a.closeMu.Lock()
	close(a.jobCh)
	a.closeMu.Unlock()
	a.wg.Wait()
}

// Persist writes the encoded payload and its metadata document to
// local media, then queues the remote mirror upload when the tier
// policy asks for one. Returns mirrorQueued so the caller can record
// the pending state. Local write failure fails the whole persist;
// mirror failure never does.
func (a *Adapter) Persist(ctx context.Context, recordID string, tier types.Tier, encoded, metaDoc []byte) (mirrorQueued bool, err error) {
	if err := a.local.Put(ctx, BlobKey(tier, recordID), encoded); err != nil {
		return false, fmt.Errorf("local write: %w", err)
	}
	if len(metaDoc) > 0 {
		if err := a.local.Put(ctx, MetaKey(tier, recordID), metaDoc); err != nil {
			return false, fmt.Errorf("local metadata write: %w", err)
		}
	}
	a.stats.LocalWrites.Add(1)

	store, ok := a.mirrorTarget(tier)
	if !ok {
		return false, nil
	}

	a.enqueueMirror(mirrorJob{
		recordID: recordID,
		tier:     tier,
		store:    store,
		key:      BlobKey(tier, recordID),
		data:     encoded,
	})
	return true, nil
}

// RetryMirror re-queues a pending mirror upload for a record whose
// earlier upload exhausted its retries. Reads the payload back from
// local media. Used by the lifecycle sweep.
func (a *Adapter) RetryMirror(ctx context.Context, recordID string, tier types.Tier) error {
	store, ok := a.mirrorTarget(tier)
	if !ok {
		return nil
	}

	encoded, err := a.local.Get(ctx, BlobKey(tier, recordID))
	if err != nil {
		return fmt.Errorf("read local copy for mirror retry: %w", err)
	}

	a.enqueueMirror(mirrorJob{
		recordID: recordID,
		tier:     tier,
		store:    store,
		key:      BlobKey(tier, recordID),
		data:     encoded,
	})
	return nil
}

// Fetch reads the encoded payload for a record, trying local media,
// then the remote object store, then the deep archival vault. A miss
// at all levels is types.ErrDataNotFound. Transient remote errors are
// retried with bounded backoff and then escalated: with no data to
// return, fetch degrades to a hard failure.
func (a *Adapter) Fetch(ctx context.Context, recordID string, tier types.Tier) ([]byte, error) {
	key := BlobKey(tier, recordID)

	data, err := a.local.Get(ctx, key)
	if err == nil {
		a.stats.LocalHits.Add(1)
		return data, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, fmt.Errorf("local read: %w", err)
	}

	for _, level := range []struct {
		name  string
		store BlobStore
		hits  *atomic.Int64
	}{
		{"remote", a.remote, &a.stats.RemoteHits},
		{"vault", a.vault, &a.stats.VaultHits},
	} {
		if level.store == nil {
			continue
		}

		var fetched []byte
		err := a.withRetry(ctx, level.name+" fetch", func() error {
			var getErr error
			fetched, getErr = level.store.Get(ctx, key)
			return getErr
		})
		if err == nil {
			level.hits.Add(1)
			return fetched, nil
		}
		if !errors.Is(err, ErrKeyNotFound) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: record %s, tier %s", types.ErrDataNotFound, recordID, tier)
}

// Remove deletes every physical copy of the record in the given tier:
// local blob and metadata document, remote mirror, vault copy.
func (a *Adapter) Remove(ctx context.Context, recordID string, tier types.Tier) error {
	var errs []error

	if err := a.local.Delete(ctx, BlobKey(tier, recordID)); err != nil && !errors.Is(err, ErrKeyNotFound) {
		errs = append(errs, fmt.Errorf("local blob: %w", err))
	}
	if err := a.local.Delete(ctx, MetaKey(tier, recordID)); err != nil && !errors.Is(err, ErrKeyNotFound) {
		errs = append(errs, fmt.Errorf("local metadata: %w", err))
	}

	for _, level := range []struct {
		name  string
		store BlobStore
	}{
		{"remote", a.remote},
		{"vault", a.vault},
	} {
		if level.store == nil {
			continue
		}
		err := a.withRetry(ctx, level.name+" delete", func() error {
			return level.store.Delete(ctx, BlobKey(tier, recordID))
		})
		if err != nil && !errors.Is(err, ErrKeyNotFound) {
			errs = append(errs, fmt.Errorf("%s: %w", level.name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("remove %s from %s: %v", recordID, tier, errors.Join(errs...))
	}
	return nil
}

// Stats returns a snapshot of the adapter counters.
func (a *Adapter) Stats() AdapterStats {
	return AdapterStats{
		LocalWrites:      a.stats.LocalWrites.Load(),
		LocalHits:        a.stats.LocalHits.Load(),
		RemoteHits:       a.stats.RemoteHits.Load(),
		VaultHits:        a.stats.VaultHits.Load(),
		MirrorsQueued:    a.stats.MirrorsQueued.Load(),
		MirrorsUploaded:  a.stats.MirrorsUploaded.Load(),
		MirrorsFailed:    a.stats.MirrorsFailed.Load(),
		RetriesExhausted: a.stats.RetriesExhausted.Load(),
	}
}

// AdapterStats is a point-in-time copy of the adapter counters.
type AdapterStats struct {
	LocalWrites      int64
	LocalHits        int64
	RemoteHits       int64
	VaultHits        int64
	MirrorsQueued    int64
	MirrorsUploaded  int64
	MirrorsFailed    int64
	RetriesExhausted int64
}

// mirrorTarget resolves the mirror destination for a tier, if any.
func (a *Adapter) mirrorTarget(tier types.Tier) (BlobStore, bool) {
	policy := a.registry.PolicyFor(tier)
	switch {
	case policy.DeepArchive && a.vault != nil:
		return a.vault, true
	case policy.RemoteMirror && a.remote != nil:
		return a.remote, true
	case policy.DeepArchive || policy.RemoteMirror:
		a.log.Warn("tier policy requires a mirror but no store is configured", "tier", tier.String())
		return nil, false
	default:
		return nil, false
	}
}

func (a *Adapter) enqueueMirror(job mirrorJob) {
	a.stats.MirrorsQueued.Add(1)

	a.closeMu.RLock()
	if a.running.Load() {
		select {
		case a.jobCh <- job:
			a.closeMu.RUnlock()
			return
		default:
			// Queue full: degrade to a synchronous upload so the job is
			// never dropped.
		}
	}
	a.closeMu.RUnlock()
	a.runMirror(job)
}

// mirrorWorker drains the mirror queue.
func (a *Adapter) mirrorWorker() {
	defer a.wg.Done()

	for job := range a.jobCh {
		a.runMirror(job)
	}
}

// runMirror performs one upload with retries and reports the result.
func (a *Adapter) runMirror(job mirrorJob) {
	err := a.withRetry(context.Background(), "mirror upload", func() error {
		return job.store.Put(context.Background(), job.key, job.data)
	})

	if err != nil {
		a.stats.MirrorsFailed.Add(1)
		a.log.Warn("mirror upload failed, record remains locally durable",
			"record", job.recordID, "tier", job.tier.String(), "error", err)
	} else {
		a.stats.MirrorsUploaded.Add(1)
	}

	if a.onMirrorResult != nil {
		a.onMirrorResult(MirrorResult{RecordID: job.recordID, Tier: job.tier, Err: err})
	}
}

// withRetry runs fn up to MaxAttempts times with exponential backoff.
// ErrKeyNotFound is definitive and returned immediately; everything
// else from a remote store is treated as transient.
func (a *Adapter) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := a.retry.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= a.retry.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrKeyNotFound) {
			return err
		}
		lastErr = err

		if attempt == a.retry.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > a.retry.MaxBackoff {
			backoff = a.retry.MaxBackoff
		}
	}

	a.stats.RetriesExhausted.Add(1)
	return &types.TransientError{Op: op, Err: lastErr}
}

// BlobKey is the store key of a record's encoded payload in a tier.
func BlobKey(tier types.Tier, recordID string) string {
	return path.Join(tier.String(), "blobs", recordID+".blob")
}

// MetaKey is the store key of a record's metadata document in a tier.
func MetaKey(tier types.Tier, recordID string) string {
	return path.Join(tier.String(), "meta", recordID+".cbor")
}
