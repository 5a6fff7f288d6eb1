package rbac

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/carehub/pkg/cache"
	"github.com/platinummonkey/carehub/pkg/principals"
)

func targets(entries []AccessEntry) []principals.ID {
	out := make([]principals.ID, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.TargetID)
	}
	return out
}

func TestResolveAccessibleSet(t *testing.T) {
	resolver := NewResolver(newFixture())
	ctx := context.Background()

	tests := []struct {
		name      string
		requester principals.ID
		want      []AccessEntry
	}{
		{
			name:      "system admin sees every active principal",
			requester: root,
			want: []AccessEntry{
				{root, TierFull, ReasonSystemAdmin},
				{acmeAdmin, TierFull, ReasonSystemAdmin},
				{estAdmin, TierFull, ReasonSystemAdmin},
				{nurse, TierFull, ReasonSystemAdmin},
				{nurse2, TierFull, ReasonSystemAdmin},
				{betaNurse, TierFull, ReasonSystemAdmin},
				{acmeViewer, TierFull, ReasonSystemAdmin},
				{loner, TierFull, ReasonSystemAdmin},
			},
		},
		{
			name:      "company admin sees establishments and headless company members",
			requester: acmeAdmin,
			want: []AccessEntry{
				{acmeAdmin, TierCompany, ReasonCompanyAdmin},
				{estAdmin, TierCompany, ReasonCompanyAdmin},
				{nurse, TierCompany, ReasonCompanyAdmin},
				{nurse2, TierCompany, ReasonCompanyAdmin},
				{acmeViewer, TierCompany, ReasonCompanyAdmin},
			},
		},
		{
			name:      "establishment admin sees members of the establishment",
			requester: estAdmin,
			want: []AccessEntry{
				{estAdmin, TierEstablishment, ReasonEstablishmentAdmin},
				{nurse, TierEstablishment, ReasonEstablishmentAdmin},
			},
		},
		{
			name:      "caregiver sees self then colleagues",
			requester: nurse,
			want: []AccessEntry{
				{nurse, TierSelf, ReasonSelf},
				{estAdmin, TierEstablishment, ReasonColleague},
			},
		},
		{
			name:      "company role below threshold falls through to baseline",
			requester: acmeViewer,
			want:      []AccessEntry{{acmeViewer, TierSelf, ReasonSelf}},
		},
		{
			name:      "principal without memberships sees only self",
			requester: loner,
			want:      []AccessEntry{{loner, TierSelf, ReasonSelf}},
		},
		{
			name:      "inactive requester",
			requester: inactive,
			want:      []AccessEntry{},
		},
		{
			name:      "unknown requester",
			requester: unknownUser,
			want:      []AccessEntry{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolver.ResolveAccessibleSet(ctx, tt.requester)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveAccessibleSet_FirstTierWins(t *testing.T) {
	store := newFixture()
	// A company admin who also administers an establishment of another company is
	// resolved by the company tier alone.
	store.Assign(acmeAdmin, roleEstAdmin, principals.EstablishmentScope(20))

	got, err := NewResolver(store).ResolveAccessibleSet(context.Background(), acmeAdmin)
	require.NoError(t, err)
	assert.NotContains(t, targets(got), betaNurse)
	for _, e := range got {
		assert.Equal(t, TierCompany, e.Tier)
	}
}

func TestResolveAccessibleSet_DirectMemberWithForeignMembership(t *testing.T) {
	store := newFixture()
	// a coordinator bound to Acme itself who also works at Beta's establishment
	floater := store.AddPrincipal(principals.Principal{ID: 10, Username: "floater", IsActive: true})
	store.Assign(floater.ID, roleCoordinator, principals.CompanyScope(1))
	store.AddMember(floater.ID, 20)

	resolver := NewResolver(store)
	ctx := context.Background()

	got, err := resolver.ResolveAccessibleSet(ctx, acmeAdmin)
	require.NoError(t, err)
	assert.Contains(t, targets(got), floater.ID)
	assert.NotContains(t, targets(got), betaNurse)

	ok, err := resolver.CanAccess(ctx, acmeAdmin, floater.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResolveAccessibleSet_UnionAcrossAssignments(t *testing.T) {
	store := newFixture()
	store.Assign(estAdmin, roleEstAdmin, principals.EstablishmentScope(11))
	store.AddMember(nurse, 11)

	got, err := NewResolver(store).ResolveAccessibleSet(context.Background(), estAdmin)
	require.NoError(t, err)
	assert.Equal(t, []principals.ID{estAdmin, nurse, nurse2}, targets(got), "nurse is listed once")
}

func TestResolveAccessibleSet_ExpiredAssignmentIgnored(t *testing.T) {
	store := newFixture()
	ctx := context.Background()
	list, err := store.ActiveAssignments(ctx, estAdmin)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NoError(t, store.RevokeAssignment(ctx, list[0].ID, root))

	got, err := NewResolver(store).ResolveAccessibleSet(ctx, estAdmin)
	require.NoError(t, err)
	assert.Equal(t, TierSelf, got[0].Tier)
}

func TestCanAccess(t *testing.T) {
	resolver := NewResolver(newFixture())
	ctx := context.Background()

	tests := []struct {
		name              string
		requester, target principals.ID
		want              bool
	}{
		{"self", nurse, nurse, true},
		{"colleague", nurse, estAdmin, true},
		{"other establishment", nurse, nurse2, false},
		{"company admin reaches sibling establishment", acmeAdmin, nurse2, true},
		{"company admin stays within company", acmeAdmin, betaNurse, false},
		{"system admin", root, betaNurse, true},
		{"system admin cannot reach inactive", root, inactive, false},
		{"system admin unknown target", root, unknownUser, false},
		{"inactive requester is not even self", inactive, inactive, false},
		{"unknown requester", unknownUser, nurse, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolver.CanAccess(ctx, tt.requester, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type failingStore struct {
	*principals.MemoryStore
}

func (f failingStore) DirectCompanyMembers(context.Context, principals.ID) ([]principals.ID, error) {
	return nil, errors.New("connection reset")
}

func TestResolveAccessibleSet_StoreError(t *testing.T) {
	resolver := NewResolver(failingStore{newFixture()})

	_, err := resolver.ResolveAccessibleSet(context.Background(), acmeAdmin)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestResolver_MetricsAndCache(t *testing.T) {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_resolutions_total"}, []string{"tier"})
	accessCache := NewAccessCache(cache.Config{Size: 16}, nil, nil)
	resolver := NewResolver(newFixture(), WithResolutionCounter(counter), WithAccessCache(accessCache))
	ctx := context.Background()

	first, err := resolver.ResolveAccessibleSet(ctx, nurse)
	require.NoError(t, err)
	second, err := resolver.ResolveAccessibleSet(ctx, nurse)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = resolver.ResolveAccessibleSet(ctx, inactive)
	require.NoError(t, err)

	assert.Equal(t, float64(2), testutil.ToFloat64(counter.WithLabelValues(string(TierSelf))))
	assert.Equal(t, float64(1), testutil.ToFloat64(counter.WithLabelValues(string(TierNone))))
	assert.Equal(t, int64(1), resolver.Cache().Stats().Hits)

	// Callers may not corrupt the cached slice
	second[0].TargetID = 12345
	third, err := resolver.ResolveAccessibleSet(ctx, nurse)
	require.NoError(t, err)
	assert.Equal(t, nurse, third[0].TargetID)
}
