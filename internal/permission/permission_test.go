package permission

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/ipam/internal/domain"
)

func TestEvaluate(t *testing.T) {
	owner := []domain.Capability{domain.CapIsOwner}
	records := []domain.Capability{domain.CapAddRecords}
	both := []domain.Capability{domain.CapIsOwner, domain.CapAddRecords}

	tests := []struct {
		name                string
		role, direct, group []domain.Capability
		requested           []domain.Capability
		matchAny            bool
		want                bool
	}{
		{"nothing held", nil, nil, nil, owner, false, false},
		{"direct grant", nil, owner, nil, owner, false, true},
		{"group grant", nil, nil, owner, owner, false, true},
		{"role grant", owner, nil, nil, owner, false, true},
		{"all required across sets", nil, owner, records, both, false, true},
		{"all required missing one", nil, owner, nil, both, false, false},
		{"any of", nil, records, nil, both, true, true},
		{"any of none held", nil, []domain.Capability{domain.CapChange}, nil, both, true, false},
		{"empty request", owner, owner, owner, nil, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.role, tt.direct, tt.group, tt.requested, tt.matchAny))
		})
	}
}

// fakeGrants is an in-memory GrantSource that counts store reads
type fakeGrants struct {
	mu     sync.Mutex
	grants []domain.Grant
	roles  []domain.RoleGrant
	reads  int
}

func (f *fakeGrants) matches(kind domain.PrincipalKind, id, userID int64, groupIDs []int64) bool {
	if kind == domain.KindUser {
		return id == userID
	}
	for _, g := range groupIDs {
		if g == id {
			return true
		}
	}
	return false
}

func (f *fakeGrants) FindForObject(_ context.Context, userID int64, groupIDs []int64, obj domain.ObjectRef) ([]domain.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	var out []domain.Grant
	for _, g := range f.grants {
		if g.Object == obj && f.matches(g.Kind, g.PrincipalID, userID, groupIDs) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeGrants) FindForPrincipal(_ context.Context, userID int64, groupIDs []int64, objectType domain.ObjectType) ([]domain.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	var out []domain.Grant
	for _, g := range f.grants {
		if g.Object.Type == objectType && f.matches(g.Kind, g.PrincipalID, userID, groupIDs) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeGrants) FindRolesForPrincipal(_ context.Context, userID int64, groupIDs []int64, objectType domain.ObjectType) ([]domain.RoleGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.RoleGrant
	for _, rg := range f.roles {
		if rg.ObjectType == objectType && f.matches(rg.Kind, rg.PrincipalID, userID, groupIDs) {
			out = append(out, rg)
		}
	}
	return out, nil
}

func (f *fakeGrants) add(g domain.Grant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants = append(f.grants, g)
}

func TestResolver_Authorize(t *testing.T) {
	ctx := context.Background()
	alice := domain.Principal{User: domain.User{ID: 1, Username: "alice"}, GroupIDs: []int64{10}}
	root := domain.Principal{User: domain.User{ID: 2, Username: "root", IsSuperuser: true}}
	net := domain.NetworkRef("10.0.0.0/24")

	src := &fakeGrants{grants: []domain.Grant{
		{Kind: domain.KindGroup, PrincipalID: 10, Object: net, Capability: domain.CapAddRecords},
	}}
	r := NewResolver(src, nil)

	ok, err := r.Authorize(ctx, alice, net, domain.NetworkAssignCaps, true)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Authorize(ctx, alice, net, []domain.Capability{domain.CapIsOwner}, false)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.Authorize(ctx, root, domain.NetworkRef("192.168.0.0/24"), []domain.Capability{domain.CapIsOwner}, false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResolver_RoleGrantCoversEveryObject(t *testing.T) {
	ctx := context.Background()
	bob := domain.Principal{User: domain.User{ID: 3}}
	src := &fakeGrants{roles: []domain.RoleGrant{
		{Kind: domain.KindUser, PrincipalID: 3, ObjectType: domain.ObjectHost, Capability: domain.CapChange},
	}}
	r := NewResolver(src, nil)

	ok, err := r.Authorize(ctx, bob, domain.HostRef("aa:bb:cc:dd:ee:ff"), domain.ChangeCaps, true)
	require.NoError(t, err)
	assert.True(t, ok)

	set, err := r.Objects(ctx, bob, domain.ObjectHost, domain.ChangeCaps)
	require.NoError(t, err)
	assert.True(t, set.All)

	set, err = r.Objects(ctx, bob, domain.ObjectNetwork, domain.ChangeCaps)
	require.NoError(t, err)
	assert.False(t, set.All)
	assert.Empty(t, set.IDs)
}

func TestResolver_Objects(t *testing.T) {
	ctx := context.Background()
	alice := domain.Principal{User: domain.User{ID: 1}, GroupIDs: []int64{10}}
	src := &fakeGrants{grants: []domain.Grant{
		{Kind: domain.KindUser, PrincipalID: 1, Object: domain.PoolRef("b"), Capability: domain.CapIsOwner},
		{Kind: domain.KindGroup, PrincipalID: 10, Object: domain.PoolRef("a"), Capability: domain.CapAddRecords},
		{Kind: domain.KindUser, PrincipalID: 99, Object: domain.PoolRef("c"), Capability: domain.CapIsOwner},
	}}

	set, err := NewResolver(src, NewCache()).Objects(ctx, alice, domain.ObjectPool, domain.PoolAssignCaps)
	require.NoError(t, err)
	assert.False(t, set.All)
	assert.Equal(t, []string{"a", "b"}, set.IDs)
	assert.True(t, set.Contains("a"))
	assert.False(t, set.Contains("c"))
}

func TestResolver_CacheAndInvalidation(t *testing.T) {
	ctx := context.Background()
	alice := domain.Principal{User: domain.User{ID: 1}}
	host := domain.HostRef("aa:bb:cc:00:00:01")
	src := &fakeGrants{}
	cache := NewCache()
	r := NewResolver(src, cache)

	ok, err := r.Authorize(ctx, alice, host, domain.ChangeCaps, true)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, cache.size())

	src.add(domain.Grant{Kind: domain.KindUser, PrincipalID: 1, Object: host, Capability: domain.CapIsOwner})

	// Stale until invalidated
	ok, err = r.Authorize(ctx, alice, host, domain.ChangeCaps, true)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, src.reads)

	cache.InvalidateType(domain.ObjectNetwork)
	assert.Equal(t, 1, cache.size())

	cache.InvalidateType(domain.ObjectHost)
	ok, err = r.Authorize(ctx, alice, host, domain.ChangeCaps, true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, src.reads)

	cache.Invalidate(1, domain.ObjectHost)
	assert.Equal(t, 0, cache.size())
}

func TestDeferred_FlushesAfterCommit(t *testing.T) {
	ctx := context.Background()
	alice := domain.Principal{User: domain.User{ID: 1}}
	cache := NewCache()
	r := NewResolver(&fakeGrants{}, cache)

	_, err := r.Authorize(ctx, alice, domain.HostRef("aa:bb:cc:00:00:01"), domain.ChangeCaps, true)
	require.NoError(t, err)
	_, err = r.Authorize(ctx, alice, domain.PoolRef("dynamic"), domain.PoolAssignCaps, true)
	require.NoError(t, err)

	var d Deferred
	d.InvalidateType(domain.ObjectHost)
	d.InvalidateType(domain.ObjectHost)
	assert.Equal(t, 2, cache.size())

	d.Flush(cache)
	assert.Equal(t, 1, cache.size())

	d.Flush(cache)
	assert.Equal(t, 1, cache.size())
}

func TestResolver_CacheFollowsGroupMembership(t *testing.T) {
	ctx := context.Background()
	net := domain.NetworkRef("10.0.0.0/24")
	src := &fakeGrants{grants: []domain.Grant{
		{Kind: domain.KindGroup, PrincipalID: 7, Object: net, Capability: domain.CapIsOwner},
	}}
	cache := NewCache()
	r := NewResolver(src, cache)
	owner := []domain.Capability{domain.CapIsOwner}

	alice := domain.Principal{User: domain.User{ID: 1, Username: "alice"}}
	ok, err := r.Authorize(ctx, alice, net, owner, false)
	require.NoError(t, err)
	assert.False(t, ok)

	// alice joins group 7
	alice.GroupIDs = []int64{7}
	ok, err = r.Authorize(ctx, alice, net, owner, false)
	require.NoError(t, err)
	assert.True(t, ok, "grant held by a newly joined group must be seen")

	set, err := r.Objects(ctx, alice, domain.ObjectNetwork, owner)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/24"}, set.IDs)

	// and leaves it again
	alice.GroupIDs = nil
	ok, err = r.Authorize(ctx, alice, net, owner, false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGroupFingerprint(t *testing.T) {
	assert.Equal(t, "", groupFingerprint(nil))
	assert.Equal(t, "1,3,7", groupFingerprint([]int64{7, 1, 3}))
	assert.Equal(t, groupFingerprint([]int64{3, 1}), groupFingerprint([]int64{1, 3, 3}))

	ids := []int64{9, 2}
	groupFingerprint(ids)
	assert.Equal(t, []int64{9, 2}, ids, "input must not be reordered")
}

func TestDeferred_InvalidateUser(t *testing.T) {
	ctx := context.Background()
	alice := domain.Principal{User: domain.User{ID: 1}, GroupIDs: []int64{4}}
	bob := domain.Principal{User: domain.User{ID: 2}}
	host := domain.HostRef("aa:bb:cc:00:00:01")
	cache := NewCache()
	r := NewResolver(&fakeGrants{}, cache)

	for _, p := range []domain.Principal{alice, bob} {
		_, err := r.Authorize(ctx, p, host, domain.ChangeCaps, true)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, cache.size())

	var d Deferred
	d.InvalidateUser(1, domain.ObjectHost)
	d.InvalidateUser(1, domain.ObjectNetwork)
	d.Flush(cache)
	assert.Equal(t, 1, cache.size())
}
