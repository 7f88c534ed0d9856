package budget

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// =============================================================================
// SCOPE RESOLVER - Enumerates every budget line the engine must roll forward
// =============================================================================

// ScopeSet is the result of a resolver call. Rejected holds candidates whose
// stored identity is malformed; they are reported, never coerced.
type ScopeSet struct {
	Scopes   []Scope
	Rejected []*ScopeError
}

// ScopeResolver turns the store's scope candidates into validated scopes.
// Registered and custodial owners are enumerated by the same query; nothing
// filters on a nullable owner column.
type ScopeResolver struct {
	Store  Store
	Logger zerolog.Logger
}

func NewScopeResolver(store Store, logger zerolog.Logger) *ScopeResolver {
	return &ScopeResolver{
		Store:  store,
		Logger: logger.With().Str("component", "scope_resolver").Logger(),
	}
}

// ListScopes returns every valid scope, ordered for stable reports.
func (r *ScopeResolver) ListScopes(ctx context.Context) (ScopeSet, error) {
	return r.resolve(ctx, func(ScopeCandidate) bool { return true })
}

// ListScopesNeedingMaterialization returns the scopes whose latest period
// ended at or before asOf.
func (r *ScopeResolver) ListScopesNeedingMaterialization(ctx context.Context, asOf time.Time) (ScopeSet, error) {
	return r.resolve(ctx, func(c ScopeCandidate) bool {
		return !c.LatestEnd.After(asOf)
	})
}

func (r *ScopeResolver) resolve(ctx context.Context, keep func(ScopeCandidate) bool) (ScopeSet, error) {
	candidates, err := r.Store.ListScopeCandidates(ctx)
	if err != nil {
		return ScopeSet{}, fmt.Errorf("list scope candidates: %w", err)
	}

	var set ScopeSet
	for _, c := range candidates {
		scope, err := scopeFromCandidate(c)
		if err != nil {
			raw := fmt.Sprintf("%s/user:%q/member:%q", c.AccountBookID, c.UserID, c.FamilyMemberID)
			r.Logger.Warn().Err(err).Str("scope", raw).Msg("rejecting malformed scope")
			set.Rejected = append(set.Rejected, NewScopeError(raw, err))
			continue
		}
		if keep(c) {
			set.Scopes = append(set.Scopes, scope)
		}
	}

	sort.Slice(set.Scopes, func(i, j int) bool {
		return set.Scopes[i].String() < set.Scopes[j].String()
	})

	r.Logger.Debug().
		Int("candidates", len(candidates)).
		Int("scopes", len(set.Scopes)).
		Int("rejected", len(set.Rejected)).
		Msg("scopes resolved")
	return set, nil
}

func scopeFromCandidate(c ScopeCandidate) (Scope, error) {
	return NewScope(c.AccountBookID, c.UserID, c.FamilyMemberID)
}
