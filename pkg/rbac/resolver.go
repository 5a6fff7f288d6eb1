package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/carehub/pkg/principals"
)

const tracerName = "github.com/platinummonkey/carehub/pkg/rbac"

// Resolver computes which principals a requester may act upon.
//
// Tiers are evaluated in order and the first one that applies wins:
//
//	full          - the requester is a system administrator
//	company       - company-scoped assignments with level >= CompanyAdminLevel
//	establishment - establishment-scoped assignments with level >= EstablishmentAdminLevel
//	baseline      - the requester itself plus colleagues sharing an establishment
type Resolver struct {
	store       principals.Store
	cache       *AccessCache
	log         logrus.FieldLogger
	tracer      trace.Tracer
	resolutions *prometheus.CounterVec
	parallelism int
}

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithAccessCache enables accessible-set caching
func WithAccessCache(c *AccessCache) ResolverOption {
	return func(r *Resolver) { r.cache = c }
}

// WithResolutionCounter counts resolutions by tier. The vector must have a single "tier" label.
func WithResolutionCounter(c *prometheus.CounterVec) ResolverOption {
	return func(r *Resolver) { r.resolutions = c }
}

// WithLogger sets the resolver logger
func WithLogger(log logrus.FieldLogger) ResolverOption {
	return func(r *Resolver) { r.log = log }
}

// WithParallelism bounds concurrent member lookups in the company tier
func WithParallelism(n int) ResolverOption {
	return func(r *Resolver) {
		if n > 0 {
			r.parallelism = n
		}
	}
}

// NewResolver creates a Resolver over store
func NewResolver(store principals.Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:       store,
		log:         logrus.StandardLogger(),
		tracer:      otel.Tracer(tracerName),
		parallelism: 4,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Cache returns the resolver's accessible-set cache, or nil
func (r *Resolver) Cache() *AccessCache {
	return r.cache
}

// ResolveAccessibleSet returns the principals requester may act upon, grouped by tier and
// ordered by target id within a tier. An unknown or inactive requester gets an empty set.
func (r *Resolver) ResolveAccessibleSet(ctx context.Context, requester principals.ID) ([]AccessEntry, error) {
	ctx, span := r.tracer.Start(ctx, "rbac.ResolveAccessibleSet",
		trace.WithAttributes(attribute.Int64("carehub.requester_id", requester)))
	defer span.End()

	if cached, ok := r.cache.get(ctx, requester); ok {
		span.SetAttributes(attribute.Bool("carehub.cache_hit", true))
		r.observe(cached)
		return append([]AccessEntry(nil), cached...), nil
	}

	entries, err := r.resolve(ctx, requester)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("carehub.tier", string(tierOf(entries))),
		attribute.Int("carehub.accessible_count", len(entries)),
	)
	r.observe(entries)
	r.cache.set(ctx, requester, entries)
	return append([]AccessEntry(nil), entries...), nil
}

// CanAccess reports whether requester may act upon target
func (r *Resolver) CanAccess(ctx context.Context, requester, target principals.ID) (bool, error) {
	p, err := r.store.GetPrincipal(ctx, requester)
	if errors.Is(err, principals.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !p.Active() {
		return false, nil
	}
	if requester == target {
		return true, nil
	}
	if p.IsSystemAdmin {
		t, err := r.store.GetPrincipal(ctx, target)
		if errors.Is(err, principals.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return t.Active(), nil
	}

	entries, err := r.ResolveAccessibleSet(ctx, requester)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.TargetID == target {
			return true, nil
		}
	}
	return false, nil
}

func (r *Resolver) resolve(ctx context.Context, requester principals.ID) ([]AccessEntry, error) {
	p, err := r.store.GetPrincipal(ctx, requester)
	if errors.Is(err, principals.ErrNotFound) {
		return []AccessEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load requester: %w", err)
	}
	if !p.Active() {
		return []AccessEntry{}, nil
	}

	if p.IsSystemAdmin {
		ids, err := r.store.ListActivePrincipals(ctx)
		if err != nil {
			return nil, err
		}
		return entriesFor(ids, TierFull, ReasonSystemAdmin), nil
	}

	assignments, err := r.store.ActiveAssignments(ctx, requester)
	if err != nil {
		return nil, err
	}

	companies := make(map[principals.ID]struct{})
	establishments := make(map[principals.ID]struct{})
	for _, a := range assignments {
		switch a.Scope.Kind {
		case principals.ScopeCompany:
			if a.Level() >= CompanyAdminLevel {
				companies[a.Scope.ID] = struct{}{}
			}
		case principals.ScopeEstablishment:
			if a.Level() >= EstablishmentAdminLevel {
				establishments[a.Scope.ID] = struct{}{}
			}
		}
	}

	if len(companies) > 0 {
		ids, err := r.companyMembers(ctx, sortedKeys(companies))
		if err != nil {
			return nil, err
		}
		return entriesFor(ids, TierCompany, ReasonCompanyAdmin), nil
	}

	if len(establishments) > 0 {
		ids, err := r.store.EstablishmentMembers(ctx, sortedKeys(establishments))
		if err != nil {
			return nil, err
		}
		return entriesFor(ids, TierEstablishment, ReasonEstablishmentAdmin), nil
	}

	return r.baseline(ctx, requester)
}

func (r *Resolver) baseline(ctx context.Context, requester principals.ID) ([]AccessEntry, error) {
	out := []AccessEntry{{TargetID: requester, Tier: TierSelf, Reason: ReasonSelf}}

	own, err := r.store.EstablishmentIDs(ctx, requester)
	if err != nil {
		return nil, err
	}
	if len(own) == 0 {
		return out, nil
	}
	colleagues, err := r.store.EstablishmentMembers(ctx, own)
	if err != nil {
		return nil, err
	}
	others := make([]principals.ID, 0, len(colleagues))
	for _, id := range colleagues {
		if id != requester {
			others = append(others, id)
		}
	}
	return append(out, entriesFor(others, TierEstablishment, ReasonColleague)...), nil
}

// companyMembers unions establishment members and headless direct members of every company
func (r *Resolver) companyMembers(ctx context.Context, companyIDs []principals.ID) ([]principals.ID, error) {
	var mu sync.Mutex
	seen := make(map[principals.ID]struct{})
	add := func(ids []principals.ID) {
		mu.Lock()
		defer mu.Unlock()
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for _, companyID := range companyIDs {
		companyID := companyID
		g.Go(func() error {
			ids, err := r.store.CompanyEstablishmentMembers(gctx, companyID)
			if err != nil {
				return fmt.Errorf("company %d establishment members: %w", companyID, err)
			}
			add(ids)
			return nil
		})
		g.Go(func() error {
			ids, err := r.store.DirectCompanyMembers(gctx, companyID)
			if err != nil {
				return fmt.Errorf("company %d direct members: %w", companyID, err)
			}
			add(ids)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sortedKeys(seen), nil
}

func (r *Resolver) observe(entries []AccessEntry) {
	if r.resolutions == nil {
		return
	}
	r.resolutions.WithLabelValues(string(tierOf(entries))).Inc()
}

// tierOf returns the deciding tier of a resolved set. Baseline sets report TierSelf.
func tierOf(entries []AccessEntry) Tier {
	if len(entries) == 0 {
		return TierNone
	}
	return entries[0].Tier
}

func entriesFor(ids []principals.ID, tier Tier, reason Reason) []AccessEntry {
	seen := make(map[principals.ID]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	sorted := sortedKeys(seen)
	out := make([]AccessEntry, 0, len(sorted))
	for _, id := range sorted {
		out = append(out, AccessEntry{TargetID: id, Tier: tier, Reason: reason})
	}
	return out
}

func sortedKeys(set map[principals.ID]struct{}) []principals.ID {
	out := make([]principals.ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
