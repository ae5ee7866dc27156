// Package coverage answers "may this agreement serve this location".
// The effective set of an agreement is the source's base coverage with
// the agreement's allow/deny overrides applied: an override row always
// wins, absence inherits the base set.
package coverage

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/caravelhq/caravel/internal/adapter"
	"github.com/caravelhq/caravel/internal/cache"
	"github.com/caravelhq/caravel/internal/domain"
	"github.com/caravelhq/caravel/internal/logging"
	"github.com/caravelhq/caravel/internal/store"
)

// Store is the persistence surface the resolver needs. Satisfied by
// *store.PostgresStore.
type Store interface {
	GetAgreement(ctx context.Context, id string) (*domain.Agreement, error)
	SourceCoverage(ctx context.Context, sourceID string) ([]string, error)
	AgreementOverrides(ctx context.Context, agreementID string) (map[string]bool, error)
	KnownLocations(ctx context.Context, codes []string) ([]string, error)
	ListAgreementsBySource(ctx context.Context, sourceID string, status domain.AgreementStatus) ([]*domain.Agreement, error)
	ReplaceSourceCoverage(ctx context.Context, sourceID string, codes []string) (store.CoverageDiff, error)
	UpsertAgreementOverride(ctx context.Context, agreementID, unlocode string, allowed bool) error
	RemoveAgreementOverride(ctx context.Context, agreementID, unlocode string) error
}

// AdapterSource yields the adapter to pull a source's location list
// from. Satisfied by *adapter.Registry.
type AdapterSource interface {
	ForSource(ctx context.Context, sourceID string) (adapter.Adapter, error)
}

// Invalidator publishes cross-replica cache invalidations. Satisfied by
// *cache.CacheInvalidator; nil is fine for single-instance setups.
type Invalidator interface {
	PublishInvalidation(ctx context.Context, key string) error
}

type Resolver struct {
	store       Store
	adapters    AdapterSource
	cache       cache.Cache
	invalidator Invalidator
	ttl         time.Duration
	log         *slog.Logger
}

func NewResolver(st Store, adapters AdapterSource, c cache.Cache, inv Invalidator, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Resolver{
		store:       st,
		adapters:    adapters,
		cache:       c,
		invalidator: inv,
		ttl:         ttl,
		log:         logging.Component("coverage"),
	}
}

func effectiveKey(agreementID string) string { return "coverage:effective:" + agreementID }

// IsAllowed reports whether the agreement serves the unlocode. Checked
// against the cached effective set; the set is small (unlocodes of one
// source) so membership is a map probe after one decode.
func (r *Resolver) IsAllowed(ctx context.Context, agreementID, unlocode string) (bool, error) {
	if err := domain.ValidateUnlocode(unlocode); err != nil {
		return false, err
	}
	set, err := r.Effective(ctx, agreementID)
	if err != nil {
		return false, err
	}
	// Effective sets are sorted.
	i := sort.SearchStrings(set, unlocode)
	return i < len(set) && set[i] == unlocode, nil
}

// Effective computes (base ∪ allow) \ deny for the agreement, sorted.
// Results are cached with a short TTL; writers invalidate eagerly.
func (r *Resolver) Effective(ctx context.Context, agreementID string) ([]string, error) {
	if agreementID == "" {
		return nil, domain.NewError(domain.CodeInvalidParam, "agreement id is required")
	}

	key := effectiveKey(agreementID)
	if r.cache != nil {
		if raw, err := r.cache.Get(ctx, key); err == nil {
			var set []string
			if err := json.Unmarshal(raw, &set); err == nil {
				return set, nil
			}
		}
	}

	a, err := r.store.GetAgreement(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	base, err := r.store.SourceCoverage(ctx, a.SourceID)
	if err != nil {
		return nil, err
	}
	overrides, err := r.store.AgreementOverrides(ctx, agreementID)
	if err != nil {
		return nil, err
	}

	set := applyOverrides(base, overrides)

	if r.cache != nil {
		if raw, err := json.Marshal(set); err == nil {
			if err := r.cache.Set(ctx, key, raw, r.ttl); err != nil {
				r.log.Debug("coverage cache set failed", "key", key, "error", err)
			}
		}
	}
	return set, nil
}

// applyOverrides merges the tri-state override map into the base set and
// returns the sorted result.
func applyOverrides(base []string, overrides map[string]bool) []string {
	member := make(map[string]struct{}, len(base)+len(overrides))
	for _, code := range base {
		member[code] = struct{}{}
	}
	for code, allowed := range overrides {
		if allowed {
			member[code] = struct{}{}
		} else {
			delete(member, code)
		}
	}

	out := make([]string, 0, len(member))
	for code := range member {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// SetOverride upserts an allow/deny row and drops the cached set.
func (r *Resolver) SetOverride(ctx context.Context, agreementID, unlocode string, allowed bool) error {
	if err := domain.ValidateUnlocode(unlocode); err != nil {
		return err
	}
	if _, err := r.store.GetAgreement(ctx, agreementID); err != nil {
		return err
	}
	if err := r.store.UpsertAgreementOverride(ctx, agreementID, unlocode, allowed); err != nil {
		return err
	}
	r.invalidate(ctx, effectiveKey(agreementID))
	return nil
}

// ClearOverride restores inheritance for one unlocode.
func (r *Resolver) ClearOverride(ctx context.Context, agreementID, unlocode string) error {
	if err := domain.ValidateUnlocode(unlocode); err != nil {
		return err
	}
	if err := r.store.RemoveAgreementOverride(ctx, agreementID, unlocode); err != nil {
		return err
	}
	r.invalidate(ctx, effectiveKey(agreementID))
	return nil
}

// SyncSourceCoverage pulls the source's current location list, drops
// codes unknown to the catalog, and replaces the stored base set.
// Agreements inheriting from this source converge when their cached
// sets expire or are invalidated, whichever comes first.
func (r *Resolver) SyncSourceCoverage(ctx context.Context, sourceID string) (store.CoverageDiff, error) {
	var diff store.CoverageDiff

	ad, err := r.adapters.ForSource(ctx, sourceID)
	if err != nil {
		return diff, err
	}
	reported, err := ad.Locations(ctx)
	if err != nil {
		return diff, err
	}

	known, err := r.store.KnownLocations(ctx, reported)
	if err != nil {
		return diff, err
	}
	if dropped := len(reported) - len(known); dropped > 0 {
		r.log.Info("coverage sync dropped unknown codes",
			"source_id", sourceID, "dropped", dropped, "kept", len(known))
	}

	diff, err = r.store.ReplaceSourceCoverage(ctx, sourceID, known)
	if err != nil {
		return diff, err
	}

	// Every agreement inheriting from this source has a stale cached set
	// now. Drop them eagerly rather than riding out the TTL.
	if agreements, err := r.store.ListAgreementsBySource(ctx, sourceID, ""); err == nil {
		for _, a := range agreements {
			r.invalidate(ctx, effectiveKey(a.ID))
		}
	}
	r.log.Info("coverage synced",
		"source_id", sourceID,
		"added", diff.Added, "removed", diff.Removed, "total", diff.Total)
	return diff, nil
}

func (r *Resolver) invalidate(ctx context.Context, key string) {
	if r.cache != nil {
		if err := r.cache.Delete(ctx, key); err != nil {
			r.log.Debug("coverage cache delete failed", "key", key, "error", err)
		}
	}
	if r.invalidator != nil {
		if err := r.invalidator.PublishInvalidation(ctx, key); err != nil {
			r.log.Debug("coverage invalidation publish failed", "key", key, "error", err)
		}
	}
}
