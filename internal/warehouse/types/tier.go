package types

import (
	"fmt"
	"time"
)

// Tier represents a storage tier in the lifecycle chain.
// Tiers are strictly ordered from fastest/most expensive to
// slowest/cheapest: hot(0) → warm(1) → cold(2) → archive(3).
type Tier int

const (
	// TierHot stores frequently-mutated operational records on fast
	// local media. No compression, no encryption by default.
	TierHot Tier = iota

	// TierWarm stores analytical and report records. Compressed.
	TierWarm

	// TierCold stores rarely-accessed records. Compressed, encrypted,
	// mirrored to a remote object store.
	TierCold

	// TierArchive is the last tier in the chain. Compressed, encrypted,
	// mirrored to the deep archival vault. Records aging out of this
	// tier are tombstoned.
	TierArchive
)

// TierCount is the number of tiers in the chain.
const TierCount = 4

// String returns the string representation of the tier.
func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	case TierArchive:
		return "archive"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// Valid reports whether t is a tier in the chain.
func (t Tier) Valid() bool {
	return t >= TierHot && t <= TierArchive
}

// Next returns the next (slower) tier in the chain. ok is false when
// t is the terminal tier.
func (t Tier) Next() (next Tier, ok bool) {
	if t >= TierArchive || !t.Valid() {
		return t, false
	}
	return t + 1, true
}

// Previous returns the previous (faster) tier. ok is false when t is
// the fastest tier.
func (t Tier) Previous() (prev Tier, ok bool) {
	if t <= TierHot || !t.Valid() {
		return t, false
	}
	return t - 1, true
}

// IsFastest returns true for the first tier in the chain.
func (t Tier) IsFastest() bool {
	return t == TierHot
}

// IsTerminal returns true for the last tier in the chain.
func (t Tier) IsTerminal() bool {
	return t == TierArchive
}

// DefaultRetention returns the default retention window for this tier:
// how long a record may stay resident before the sweep migrates it
// onward (or tombstones it, for the terminal tier).
func (t Tier) DefaultRetention() time.Duration {
	switch t {
	case TierHot:
		return 30 * 24 * time.Hour // 30 days
	case TierWarm:
		return 90 * 24 * time.Hour // 90 days
	case TierCold:
		return 365 * 24 * time.Hour // 1 year
	case TierArchive:
		return 7 * 365 * 24 * time.Hour // 7 years
	default:
		return 0
	}
}

// ParseTier parses a string into a Tier. Returns ErrUnknownTier for
// anything outside the chain.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "hot":
		return TierHot, nil
	case "warm":
		return TierWarm, nil
	case "cold":
		return TierCold, nil
	case "archive":
		return TierArchive, nil
	default:
		return TierHot, fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
}

// AllTiers returns all tiers in chain order.
func AllTiers() []Tier {
	return []Tier{TierHot, TierWarm, TierCold, TierArchive}
}

// TierPolicy describes how a single tier treats resident records.
type TierPolicy struct {
	// Tier is the tier this policy governs.
	Tier Tier

	// Retention is the window after which a resident record must
	// migrate to the next tier (or tombstone, for the terminal tier).
	Retention time.Duration

	// Compress enables zstd compression of payloads in this tier.
	Compress bool

	// Encrypt enables authenticated encryption of payloads in this tier.
	Encrypt bool

	// RemoteMirror mirrors payloads to the remote object store.
	RemoteMirror bool

	// DeepArchive mirrors payloads to the deep archival vault.
	DeepArchive bool
}

// Registry is the tier policy table: one policy per tier, indexed by
// tier rank so next-tier lookups are O(1) and the total ordering is
// structural rather than conventional.
type Registry struct {
	policies [TierCount]TierPolicy
}

// NewRegistry builds a registry from exactly one policy per tier.
func NewRegistry(policies []TierPolicy) (*Registry, error) {
	if len(policies) != TierCount {
		return nil, fmt.Errorf("registry needs %d policies, got %d", TierCount, len(policies))
	}

	r := &Registry{}
	seen := [TierCount]bool{}

	for _, p := range policies {
		if !p.Tier.Valid() {
			return nil, fmt.Errorf("%w: rank %d", ErrUnknownTier, int(p.Tier))
		}
		if seen[p.Tier] {
			return nil, fmt.Errorf("duplicate policy for tier %s", p.Tier)
		}
		if p.Retention <= 0 {
			return nil, fmt.Errorf("tier %s: retention must be positive", p.Tier)
		}
		seen[p.Tier] = true
		r.policies[p.Tier] = p
	}

	return r, nil
}

// DefaultRegistry returns the built-in policy chain.
func DefaultRegistry() *Registry {
	r, err := NewRegistry([]TierPolicy{
		{Tier: TierHot, Retention: TierHot.DefaultRetention()},
		{Tier: TierWarm, Retention: TierWarm.DefaultRetention(), Compress: true},
		{Tier: TierCold, Retention: TierCold.DefaultRetention(), Compress: true, Encrypt: true, RemoteMirror: true},
		{Tier: TierArchive, Retention: TierArchive.DefaultRetention(), Compress: true, Encrypt: true, DeepArchive: true},
	})
	if err != nil {
		panic("types: default registry construction failed: " + err.Error())
	}
	return r
}

// PolicyFor returns the policy governing the given tier. An invalid
// tier is a programmer error and panics.
func (r *Registry) PolicyFor(t Tier) TierPolicy {
	if !t.Valid() {
		panic(fmt.Sprintf("types: policy lookup for unknown tier %d", int(t)))
	}
	return r.policies[t]
}

// NextPolicy returns the policy of the tier's designated successor.
// ok is false when t is the terminal tier.
func (r *Registry) NextPolicy(t Tier) (policy TierPolicy, ok bool) {
	next, ok := t.Next()
	if !ok {
		return TierPolicy{}, false
	}
	return r.policies[next], true
}

// InitialTierFor classifies a record's initial tier from its dataType
// hint. Pure function, no side effects:
//
//	operational / transaction / session  → hot
//	report / analytics / metrics         → warm
//	archive / backup / export            → cold
//	anything else                        → warm
func (r *Registry) InitialTierFor(dataType string) Tier {
	switch dataType {
	case "operational", "transaction", "session":
		return TierHot
	case "report", "analytics", "metrics":
		return TierWarm
	case "archive", "backup", "export":
		return TierCold
	default:
		return TierWarm
	}
}

// MonotonicRetention reports whether retention windows are
// non-decreasing along the chain. A hot tier outliving warm is not an
// error for the state machine, but it is almost certainly an
// operational misconfiguration, so callers log a startup warning when
// this returns false.
func (r *Registry) MonotonicRetention() bool {
	for i := 1; i < TierCount; i++ {
		if r.policies[i].Retention < r.policies[i-1].Retention {
			return false
		}
	}
	return true
}

// Policies returns all policies in chain order.
func (r *Registry) Policies() []TierPolicy {
	out := make([]TierPolicy, TierCount)
	copy(out, r.policies[:])
	return out
}
