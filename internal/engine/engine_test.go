package engine

import (
	"context"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/jbweber/homelab/ipam/internal/config"
	"github.com/jbweber/homelab/ipam/internal/datastore"
	"github.com/jbweber/homelab/ipam/internal/domain"
	"github.com/jbweber/homelab/ipam/internal/repository"
	"github.com/jbweber/homelab/ipam/internal/testutil"
)

type harness struct {
	t      *testing.T
	ds     *datastore.Datastore
	engine *Engine
	f      *testutil.Fixtures
	now    time.Time
}

func setup(t *testing.T) *harness {
	t.Helper()
	ds := testutil.SetupTestDB(t)
	h := &harness{t: t, ds: ds, f: testutil.NewFixtures(t, ds)}
	h.now = h.f.Now
	h.engine = New(ds, config.NewConfig().Engine,
		WithClock(func() time.Time { return h.now }),
		WithLogger(testutil.DiscardLogger()))
	return h
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func (h *harness) repos() *repository.Repositories {
	return h.f.Repos()
}

func (h *harness) hostRecords(name string) []domain.DNSRecord {
	h.t.Helper()
	recs, err := h.repos().DNSRecords.FindByName(context.Background(), name)
	require.NoError(h.t, err)
	return recs
}

func (h *harness) ptr(addr string) []domain.DNSRecord {
	h.t.Helper()
	recs, err := h.repos().DNSRecords.FindByNameAndType(context.Background(), domain.ReverseName(netip.MustParseAddr(addr)), domain.TypePTR)
	require.NoError(h.t, err)
	return recs
}

// member sets up a non-admin user allowed to add hosts to example.com from 10.0.0.0/24
func (h *harness) member(name string) domain.Principal {
	h.t.Helper()
	u := h.f.User(name)
	h.f.Grant(u, domain.DomainRef("example.com"), domain.CapAddRecords)
	h.f.Grant(u, domain.NetworkRef("10.0.0.0/24"), domain.CapAddRecords)
	return h.f.Principal(u)
}

func TestCreateOrUpdateHost_Create(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.f.Domain("example.com")
	h.f.Network("10.0.0.0/24")
	alice := h.member("alice")

	host, addrs, err := h.engine.CreateOrUpdateHost(ctx, alice, HostRequest{
		Hostname:   "Web01.Example.com",
		MAC:        "AA-BB-CC-00-00-01",
		Network:    "10.0.0.0/24",
		ExpireDays: 30,
	})
	require.NoError(t, err)
	assert.Equal(t, "web01.example.com", host.Hostname)
	assert.Equal(t, "aa:bb:cc:00:00:01", host.MAC)
	assert.True(t, domain.ExpiresAt(h.now, 30).Equal(host.Expires))
	require.Len(t, addrs, 1)
	assert.Equal(t, "10.0.0.2", addrs[0].Address.String())

	a := h.hostRecords("web01.example.com")
	require.Len(t, a, 1)
	assert.Equal(t, domain.TypeA, a[0].Type)
	assert.Equal(t, "example.com", a[0].Domain)
	ptr := h.ptr("10.0.0.2")
	require.Len(t, ptr, 1)
	assert.Equal(t, "web01.example.com", ptr[0].TextContent)

	owners, err := h.repos().Grants.FindByObject(ctx, domain.HostRef(host.MAC))
	require.NoError(t, err)
	require.Len(t, owners, 1)
	assert.Equal(t, alice.ID(), owners[0].PrincipalID)
	assert.Equal(t, domain.CapIsOwner, owners[0].Capability)
}

func TestCreateOrUpdateHost_ExplicitOwners(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.f.Domain("example.com")
	h.f.Network("10.0.0.0/24")
	alice := h.member("alice")
	bob := h.f.User("bob")
	ops := h.f.Group("ops")

	host, _, err := h.engine.CreateOrUpdateHost(ctx, alice, HostRequest{
		Hostname: "web01.example.com", MAC: "aa:bb:cc:00:00:01", Network: "10.0.0.0/24", ExpireDays: 7,
		UserOwners: []string{"bob"}, GroupOwners: []string{"ops"},
	})
	require.NoError(t, err)

	grants, err := h.repos().Grants.FindByObject(ctx, domain.HostRef(host.MAC))
	require.NoError(t, err)
	var holders []string
	for _, g := range grants {
		holders = append(holders, fmt.Sprintf("%s:%d", g.Kind, g.PrincipalID))
	}
	assert.ElementsMatch(t, []string{fmt.Sprintf("user:%d", bob.ID), fmt.Sprintf("group:%d", ops.ID)}, holders)

	_, _, err = h.engine.CreateOrUpdateHost(ctx, alice, HostRequest{
		Hostname: "web02.example.com", MAC: "aa:bb:cc:00:00:02", ExpireDays: 7, UserOwners: []string{"nobody"},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateOrUpdateHost_Validation(t *testing.T) {
	h := setup(t)
	root := h.f.Principal(h.f.Superuser("root"))

	tests := []struct {
		name string
		req  HostRequest
	}{
		{"bad hostname", HostRequest{Hostname: "-bad.example.com", MAC: "aa:bb:cc:00:00:01", ExpireDays: 7}},
		{"single label", HostRequest{Hostname: "web01", MAC: "aa:bb:cc:00:00:01", ExpireDays: 7}},
		{"bad mac", HostRequest{Hostname: "web01.example.com", MAC: "aa:bb:cc", ExpireDays: 7}},
		{"two address choices", HostRequest{Hostname: "web01.example.com", MAC: "aa:bb:cc:00:00:01", ExpireDays: 7, Pool: "p", IP: "10.0.0.5"}},
		{"missing expiration", HostRequest{Hostname: "web01.example.com", MAC: "aa:bb:cc:00:00:01"}},
		{"unknown expiration", HostRequest{Hostname: "web01.example.com", MAC: "aa:bb:cc:00:00:01", ExpireDays: 3}},
		{"unknown address type", HostRequest{Hostname: "web01.example.com", MAC: "aa:bb:cc:00:00:01", ExpireDays: 7, AddressType: "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.engine.CreateOrUpdateHost(context.Background(), root, tt.req)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	hosts, err := h.repos().Hosts.FindAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, hosts)
}

func TestCreateOrUpdateHost_BothPoolAndRangesIsInvalidPolicy(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	root := h.f.Principal(h.f.Superuser("root"))
	h.f.Network("10.0.0.0/24")
	h.f.Pool("dynamic")
	h.f.AddressType(domain.AddressType{
		Name:   "broken",
		Pool:   "dynamic",
		Ranges: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/16")},
	})

	_, _, err := h.engine.CreateOrUpdateHost(ctx, root, HostRequest{
		Hostname: "web01.example.com", MAC: "aa:bb:cc:00:00:01", ExpireDays: 7, AddressType: "broken",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidPolicy)

	addrs, err := h.repos().Addresses.FindByNetwork(ctx, "10.0.0.0/24")
	require.NoError(t, err)
	for _, a := range addrs {
		assert.Empty(t, a.HostMAC)
	}
}

func TestCreateOrUpdateHost_ExplicitIPWithoutNetworkPermission(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.f.Domain("example.com")
	h.f.Network("10.0.0.0/24")
	u := h.f.User("mallory")
	h.f.Grant(u, domain.DomainRef("example.com"), domain.CapAddRecords)
	mallory := h.f.Principal(u)

	_, _, err := h.engine.CreateOrUpdateHost(ctx, mallory, HostRequest{
		Hostname: "sneaky.example.com", MAC: "aa:bb:cc:00:00:09", IP: "10.0.0.9", ExpireDays: 7,
	})
	require.ErrorIs(t, err, domain.ErrPermissionDenied)

	hosts, err := h.repos().Hosts.FindAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, hosts)

	addr, err := h.repos().Addresses.FindByID(ctx, netip.MustParseAddr("10.0.0.9"))
	require.NoError(t, err)
	assert.True(t, addr.IsFree())

	recs, err := h.repos().DNSRecords.FindAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	grants, err := h.repos().Grants.FindByObject(ctx, domain.HostRef("aa:bb:cc:00:00:09"))
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestCreateOrUpdateHost_DomainPermission(t *testing.T) {
	h := setup(t)
	h.f.Domain("example.com")
	h.f.Network("10.0.0.0/24")
	u := h.f.User("eve")
	h.f.Grant(u, domain.NetworkRef("10.0.0.0/24"), domain.CapAddRecords)

	_, _, err := h.engine.CreateOrUpdateHost(context.Background(), h.f.Principal(u), HostRequest{
		Hostname: "web01.example.com", MAC: "aa:bb:cc:00:00:01", Network: "10.0.0.0/24", ExpireDays: 7,
	})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, _, err = h.engine.CreateOrUpdateHost(context.Background(), h.f.Principal(u), HostRequest{
		Hostname: "web01.unknown.org", MAC: "aa:bb:cc:00:00:01", Network: "10.0.0.0/24", ExpireDays: 7,
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateOrUpdateHost_Conflicts(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	root := h.f.Principal(h.f.Superuser("root"))
	h.f.Network("10.0.0.0/24")

	_, _, err := h.engine.CreateOrUpdateHost(ctx, root, HostRequest{
		Hostname: "web01.example.com", MAC: "aa:bb:cc:00:00:01", Network: "10.0.0.0/24", ExpireDays: 7,
	})
	require.NoError(t, err)

	_, _, err = h.engine.CreateOrUpdateHost(ctx, root, HostRequest{
		Hostname: "web02.example.com", MAC: "aa:bb:cc:00:00:01", Network: "10.0.0.0/24", ExpireDays: 7,
	})
	assert.ErrorIs(t, err, domain.ErrMacConflict)

	_, _, err = h.engine.CreateOrUpdateHost(ctx, root, HostRequest{
		Hostname: "web01.example.com", MAC: "aa:bb:cc:00:00:02", Network: "10.0.0.0/24", ExpireDays: 7,
	})
	assert.ErrorIs(t, err, domain.ErrHostnameConflict)
}

func TestCreateOrUpdateHost_ReclaimsExpiredMAC(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	root := h.f.Principal(h.f.Superuser("root"))
	h.f.Network("10.0.0.0/24")
	const mac = "aa:bb:cc:dd:ee:ff"

	_, addrs, err := h.engine.CreateOrUpdateHost(ctx, root, HostRequest{
		Hostname: "old-expired.example.com", MAC: mac, IP: "10.0.0.20", ExpireDays: 1,
	})
	require.NoError(t, err)
	require.Len(t, addrs, 1)

	h.advance(72 * time.Hour)
	expired, err := h.engine.ListExpired(ctx, h.now)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	host, addrs, err := h.engine.CreateOrUpdateHost(ctx, root, HostRequest{
		Hostname: "new.example.com", MAC: mac, Network: "10.0.0.0/24", ExpireDays: 7,
	})
	require.NoError(t, err)
	assert.Equal(t, "new.example.com", host.Hostname)
	require.Len(t, addrs, 1)
	assert.Equal(t, "10.0.0.2", addrs[0].Address.String())

	old, err := h.repos().Addresses.FindByID(ctx, netip.MustParseAddr("10.0.0.20"))
	require.NoError(t, err)
	assert.True(t, old.IsFree())
	assert.Empty(t, h.hostRecords("old-expired.example.com"))
	assert.Empty(t, h.ptr("10.0.0.20"))

	_, err = h.repos().Hosts.FindByHostname(ctx, "old-expired.example.com")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCreateOrUpdateHost_ReclaimsExpiredHostname(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	root := h.f.Principal(h.f.Superuser("root"))

	_, _, err := h.engine.CreateOrUpdateHost(ctx, root, HostRequest{
		Hostname: "web01.example.com", MAC: "aa:bb:cc:00:00:01", ExpireDays: 1,
	})
	require.NoError(t, err)
	h.advance(72 * time.Hour)

	host, _, err := h.engine.CreateOrUpdateHost(ctx, root, HostRequest{
		Hostname: "web01.example.com", MAC: "aa:bb:cc:00:00:02", ExpireDays: 7,
	})
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:00:00:02", host.MAC)

	_, err = h.repos().Hosts.FindByID(ctx, "aa:bb:cc:00:00:01")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCreateOrUpdateHost_RenameKeepsRecordsConsistent(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.f.Domain("example.com")
	h.f.Network("10.0.0.0/24")
	alice := h.member("alice")

	_, _, err := h.engine.CreateOrUpdateHost(ctx, alice, HostRequest{
		Hostname: "old.example.com", MAC: "aa:bb:cc:00:00:05", IP: "10.0.0.5", ExpireDays: 7,
	})
	require.NoError(t, err)

	host, addrs, err := h.engine.CreateOrUpdateHost(ctx, alice, HostRequest{
		CurrentMAC: "aa:bb:cc:00:00:05", Hostname: "new.example.com", MAC: "aa:bb:cc:00:00:05",
	})
	require.NoError(t, err)
	assert.Equal(t, "new.example.com", host.Hostname)
	require.Len(t, addrs, 1)
	assert.Equal(t, "10.0.0.5", addrs[0].Address.String())

	recs, err := h.repos().DNSRecords.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.NotEqual(t, "old.example.com", r.Name)
		assert.NotEqual(t, "old.example.com", r.TextContent)
	}
	fwd := h.hostRecords("new.example.com")
	require.Len(t, fwd, 1)
	assert.Equal(t, "10.0.0.5", fwd[0].IPContent.String())
	ptr := h.ptr("10.0.0.5")
	require.Len(t, ptr, 1)
	assert.Equal(t, "5.0.0.10.in-addr.arpa", ptr[0].Name)
	assert.Equal(t, "new.example.com", ptr[0].TextContent)

	// Expiry is kept when the update names none
	stored, err := h.repos().Hosts.FindByID(ctx, host.MAC)
	require.NoError(t, err)
	assert.True(t, domain.ExpiresAt(h.now, 7).Equal(stored.Expires))
}

func TestCreateOrUpdateHost_ChangeAddress(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	root := h.f.Principal(h.f.Superuser("root"))
	h.f.Network("10.0.0.0/24")

	_, _, err := h.engine.CreateOrUpdateHost(ctx, root, HostRequest{
		Hostname: "web01.example.com", MAC: "aa:bb:cc:00:00:01", IP: "10.0.0.5", ExpireDays: 7,
	})
	require.NoError(t, err)

	_, addrs, err := h.engine.CreateOrUpdateHost(ctx, root, HostRequest{
		CurrentMAC: "aa:bb:cc:00:00:01", Hostname: "web01.example.com", MAC: "aa:bb:cc:00:00:01", IP: "10.0.0.6",
	})
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, "10.0.0.6", addrs[0].Address.String())

	assert.Empty(t, h.ptr("10.0.0.5"))
	fwd := h.hostRecords("web01.example.com")
	require.Len(t, fwd, 1)
	assert.Equal(t, "10.0.0.6", fwd[0].IPContent.String())

	old, err := h.repos().Addresses.FindByID(ctx, netip.MustParseAddr("10.0.0.5"))
	require.NoError(t, err)
	assert.True(t, old.IsFree())
}

func TestCreateOrUpdateHost_ChangeMAC(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.f.Domain("example.com")
	h.f.Network("10.0.0.0/24")
	alice := h.member("alice")

	_, _, err := h.engine.CreateOrUpdateHost(ctx, alice, HostRequest{
		Hostname: "web01.example.com", MAC: "aa:bb:cc:00:00:01", IP: "10.0.0.7", ExpireDays: 7,
	})
	require.NoError(t, err)

	host, addrs, err := h.engine.CreateOrUpdateHost(ctx, alice, HostRequest{
		CurrentMAC: "aa:bb:cc:00:00:01", Hostname: "web01.example.com", MAC: "aa:bb:cc:00:00:99",
	})
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:00:00:99", host.MAC)
	require.Len(t, addrs, 1)
	assert.Equal(t, "10.0.0.7", addrs[0].Address.String())

	_, err = h.repos().Hosts.FindByID(ctx, "aa:bb:cc:00:00:01")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	ok, err := h.engine.Authorize(ctx, alice, domain.HostRef(host.MAC), []domain.Capability{domain.CapIsOwner}, false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, h.hostRecords("web01.example.com"), 1)
	assert.Len(t, h.ptr("10.0.0.7"), 1)
}

func TestCreateOrUpdateHost_UpdateRequiresChangePermission(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.f.Domain("example.com")
	h.f.Network("10.0.0.0/24")
	alice := h.member("alice")
	bob := h.member("bob")

	_, _, err := h.engine.CreateOrUpdateHost(ctx, alice, HostRequest{
		Hostname: "web01.example.com", MAC: "aa:bb:cc:00:00:01", Network: "10.0.0.0/24", ExpireDays: 7,
	})
	require.NoError(t, err)

	_, _, err = h.engine.CreateOrUpdateHost(ctx, bob, HostRequest{
		CurrentMAC: "aa:bb:cc:00:00:01", Hostname: "web01.example.com", MAC: "aa:bb:cc:00:00:01", Description: "mine now",
	})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, _, err = h.engine.CreateOrUpdateHost(ctx, alice, HostRequest{
		CurrentMAC: "aa:bb:cc:00:00:01", Hostname: "web01.example.com", MAC: "aa:bb:cc:00:00:01", Description: "still mine",
	})
	require.NoError(t, err)
}

func TestCreateOrUpdateHost_PolicyPoolAndDefaultType(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.f.Domain("example.com")
	h.f.Network("10.0.0.0/24")
	h.f.Pool("dynamic")
	h.f.AssignPool("dynamic", "10.0.0.100", "10.0.0.101")
	h.f.AddressType(domain.AddressType{Name: "dynamic", Pool: "dynamic", IsDefault: true})
	u := h.f.User("alice")
	h.f.Grant(u, domain.DomainRef("example.com"), domain.CapAddRecords)
	alice := h.f.Principal(u)

	_, _, err := h.engine.CreateOrUpdateHost(ctx, alice, HostRequest{
		Hostname: "laptop.example.com", MAC: "aa:bb:cc:00:00:01", ExpireDays: 7,
	})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	h.f.Grant(u, domain.PoolRef("dynamic"), domain.CapAddRecords)
	host, addrs, err := h.engine.CreateOrUpdateHost(ctx, alice, HostRequest{
		Hostname: "laptop.example.com", MAC: "aa:bb:cc:00:00:01", ExpireDays: 7,
	})
	require.NoError(t, err)
	require.NotNil(t, host.AddressTypeID)
	require.Len(t, addrs, 1)
	assert.Equal(t, "10.0.0.100", addrs[0].Address.String())
	assert.Empty(t, addrs[0].Pool)
}

func TestDeleteHosts_AddressRoundTrip(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	root := h.f.Principal(h.f.Superuser("root"))
	h.f.Network("10.0.0.0/24")

	_, addrs, err := h.engine.CreateOrUpdateHost(ctx, root, HostRequest{
		Hostname: "web01.example.com", MAC: "aa:bb:cc:00:00:01", Network: "10.0.0.0/24", ExpireDays: 7,
	})
	require.NoError(t, err)
	first := addrs[0].Address

	require.NoError(t, h.engine.DeleteHosts(ctx, root, []string{"aa:bb:cc:00:00:01"}))

	stored, err := h.repos().Addresses.FindByID(ctx, first)
	require.NoError(t, err)
	assert.False(t, stored.Reserved)
	assert.Empty(t, stored.HostMAC)
	assert.Empty(t, h.hostRecords("web01.example.com"))
	grants, err := h.repos().Grants.FindByObject(ctx, domain.HostRef("aa:bb:cc:00:00:01"))
	require.NoError(t, err)
	assert.Empty(t, grants)

	_, addrs, err = h.engine.CreateOrUpdateHost(ctx, root, HostRequest{
		Hostname: "web02.example.com", MAC: "aa:bb:cc:00:00:02", Network: "10.0.0.0/24", ExpireDays: 7,
	})
	require.NoError(t, err)
	assert.Equal(t, first, addrs[0].Address)
}

func TestDeleteHosts_Atomic(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	root := h.f.Principal(h.f.Superuser("root"))

	_, _, err := h.engine.CreateOrUpdateHost(ctx, root, HostRequest{
		Hostname: "web01.example.com", MAC: "aa:bb:cc:00:00:01", ExpireDays: 7,
	})
	require.NoError(t, err)

	err = h.engine.DeleteHosts(ctx, root, []string{"aa:bb:cc:00:00:01", "aa:bb:cc:00:00:02"})
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = h.repos().Hosts.FindByID(ctx, "aa:bb:cc:00:00:01")
	assert.NoError(t, err)
}

func TestRenewHost(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.f.Domain("example.com")
	h.f.Network("10.0.0.0/24")
	alice := h.member("alice")
	bob := h.member("bob")

	_, _, err := h.engine.CreateOrUpdateHost(ctx, alice, HostRequest{
		Hostname: "web01.example.com", MAC: "aa:bb:cc:00:00:01", ExpireDays: 7,
	})
	require.NoError(t, err)
	h.advance(24 * time.Hour)

	_, err = h.engine.RenewHost(ctx, alice, "aa:bb:cc:00:00:01", 365)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied, "365 days is an admin expiration")

	_, err = h.engine.RenewHost(ctx, bob, "aa:bb:cc:00:00:01", 30)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	host, err := h.engine.RenewHost(ctx, alice, "aa:bb:cc:00:00:01", 30)
	require.NoError(t, err)
	assert.True(t, domain.ExpiresAt(h.now, 30).Equal(host.Expires))
	assert.Equal(t, alice.ID(), host.ChangedBy)

	_, err = h.engine.RenewHost(ctx, alice, "aa:bb:cc:00:00:77", 30)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestExplicitExpiresCappedForNonAdmins(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.f.Domain("example.com")
	h.f.Network("10.0.0.0/24")
	alice := h.member("alice")

	host, _, err := h.engine.CreateOrUpdateHost(ctx, alice, HostRequest{
		Hostname: "web01.example.com", MAC: "aa:bb:cc:00:00:01", Expires: h.now.AddDate(5, 0, 0),
	})
	require.NoError(t, err)
	assert.True(t, domain.ExpiresAt(h.now, 180).Equal(host.Expires))
}

func TestOwners(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.f.Domain("example.com")
	h.f.Network("10.0.0.0/24")
	alice := h.member("alice")
	bob := h.member("bob")
	const mac = "aa:bb:cc:00:00:01"

	_, _, err := h.engine.CreateOrUpdateHost(ctx, alice, HostRequest{Hostname: "web01.example.com", MAC: mac, ExpireDays: 7})
	require.NoError(t, err)

	ok, err := h.engine.Authorize(ctx, bob, domain.HostRef(mac), domain.ChangeCaps, true)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, h.engine.AssignOwners(ctx, bob, mac, []string{"bob"}, nil), domain.ErrPermissionDenied)
	require.NoError(t, h.engine.AssignOwners(ctx, alice, mac, []string{"bob"}, nil))

	// The cached denial above is dropped once the grant commits
	ok, err = h.engine.Authorize(ctx, bob, domain.HostRef(mac), domain.ChangeCaps, true)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, h.engine.RemoveOwners(ctx, bob, mac, []string{"alice"}, nil))
	err = h.engine.RemoveOwners(ctx, bob, mac, []string{"bob"}, nil)
	assert.ErrorIs(t, err, domain.ErrValidation, "last owner stays")

	ok, err = h.engine.Authorize(ctx, bob, domain.HostRef(mac), []domain.Capability{domain.CapIsOwner}, false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDefineNetwork(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	root := h.f.Principal(h.f.Superuser("root"))
	alice := h.f.Principal(h.f.User("alice"))
	h.f.Pool("dynamic")

	_, _, err := h.engine.DefineNetwork(ctx, alice, NetworkSpec{CIDR: "10.9.0.0/29"})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	n, count, err := h.engine.DefineNetwork(ctx, root, NetworkSpec{CIDR: "10.9.0.0/29", Name: "lab", Pool: "dynamic"})
	require.NoError(t, err)
	assert.Equal(t, 8, count)
	assert.Equal(t, "10.9.0.1", n.Gateway.String())

	addrs, err := h.repos().Addresses.FindByNetwork(ctx, "10.9.0.0/29")
	require.NoError(t, err)
	var reserved []string
	for _, a := range addrs {
		if a.Reserved {
			reserved = append(reserved, a.Address.String())
			assert.Empty(t, a.Pool)
		} else {
			assert.Equal(t, "dynamic", a.Pool)
		}
	}
	assert.Equal(t, []string{"10.9.0.0", "10.9.0.1", "10.9.0.7"}, reserved)

	_, _, err = h.engine.DefineNetwork(ctx, root, NetworkSpec{CIDR: "10.9.0.0/29"})
	assert.ErrorIs(t, err, repository.ErrDuplicate)

	_, _, err = h.engine.DefineNetwork(ctx, root, NetworkSpec{CIDR: "10.0.0.0/8"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, _, err = h.engine.DefineNetwork(ctx, root, NetworkSpec{CIDR: "10.9.1.0/29", Gateway: "10.9.2.1"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDefineNetwork_PointToPoint(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	root := h.f.Principal(h.f.Superuser("root"))

	tests := []struct {
		cidr     string
		count    int
		reserved []string
	}{
		{"192.0.2.0/31", 2, []string{"192.0.2.0"}},
		{"192.0.2.8/32", 1, []string{"192.0.2.8"}},
		{"2001:db8::/127", 2, []string{"2001:db8::"}},
		{"2001:db8:1::/126", 4, []string{"2001:db8:1::", "2001:db8:1::1", "2001:db8:1::3"}},
	}
	for _, tt := range tests {
		t.Run(tt.cidr, func(t *testing.T) {
			_, count, err := h.engine.DefineNetwork(ctx, root, NetworkSpec{CIDR: tt.cidr})
			require.NoError(t, err)
			assert.Equal(t, tt.count, count)

			addrs, err := h.repos().Addresses.FindByNetwork(ctx, tt.cidr)
			require.NoError(t, err)
			var reserved []string
			for _, a := range addrs {
				if a.Reserved {
					reserved = append(reserved, a.Address.String())
				}
			}
			assert.Equal(t, tt.reserved, reserved)
		})
	}
}

func TestPrincipal_AdminGroup(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	alice := h.f.User("alice")
	bob := h.f.User("bob")
	h.f.Group("ipam-admins", alice)
	h.f.Group("staff", alice, bob)

	p, err := h.engine.Principal(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, p.IsAdmin)
	assert.Equal(t, domain.TierAdmin, p.Tier())
	assert.Len(t, p.GroupIDs, 2)

	p, err = h.engine.Principal(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, p.IsAdmin)

	_, err = h.engine.Principal(ctx, "nobody")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestAuthorize_RejectsUnknownNames(t *testing.T) {
	h := setup(t)
	p := h.f.Principal(h.f.User("alice"))

	_, err := h.engine.Authorize(context.Background(), p, domain.ObjectRef{Type: "printer", ID: "x"}, domain.ChangeCaps, true)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.engine.Authorize(context.Background(), p, domain.HostRef("x"), []domain.Capability{"can_fly"}, true)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestAllocationExclusivity(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	root := h.f.Principal(h.f.Superuser("root"))
	h.f.Network("10.0.0.0/28")

	const workers = 8
	results := make([]netip.Addr, workers)
	var g errgroup.Group
	for i := range workers {
		g.Go(func() error {
			_, addrs, err := h.engine.CreateOrUpdateHost(ctx, root, HostRequest{
				Hostname:   fmt.Sprintf("node%02d.example.com", i),
				MAC:        fmt.Sprintf("aa:bb:cc:00:01:%02x", i),
				Network:    "10.0.0.0/28",
				ExpireDays: 7,
			})
			if err != nil {
				return err
			}
			results[i] = addrs[0].Address
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := map[netip.Addr]bool{}
	for _, a := range results {
		assert.False(t, seen[a], "address %s handed out twice", a)
		seen[a] = true
	}

	bound, err := h.repos().Addresses.FindByNetwork(ctx, "10.0.0.0/28")
	require.NoError(t, err)
	count := 0
	for _, a := range bound {
		if a.HostMAC != "" {
			count++
		}
	}
	assert.Equal(t, workers, count)
}

func TestState_Terminal(t *testing.T) {
	op := newOperation(testutil.DiscardLogger(), "test")
	assert.Equal(t, StateValidating, op.state)

	op.enter(StateAuthorizing)
	assert.Error(t, op.finish(domain.ErrPermissionDenied))
	assert.Equal(t, StateFailed, op.state)

	op.enter(StateCommitted)
	assert.Equal(t, StateFailed, op.state)
}

func TestCreateOrUpdateHost_SyncFailureReleasesAddress(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	root := h.f.Principal(h.f.Superuser("root"))
	h.f.Domain("example.com")
	h.f.Network("10.0.0.0/24")

	_, err := h.repos().DNSRecords.Save(ctx, domain.DNSRecord{
		Domain: "example.com", Name: "web.example.com", Type: domain.TypeCNAME,
		TextContent: "elsewhere.example.org", TTL: 300, Changed: h.now,
	})
	require.NoError(t, err)

	_, _, err = h.engine.CreateOrUpdateHost(ctx, root, HostRequest{
		Hostname: "web.example.com", MAC: "aa:bb:cc:00:00:01", Network: "10.0.0.0/24", ExpireDays: 7,
	})
	require.ErrorIs(t, err, domain.ErrHostnameConflict)

	addr, err := h.repos().Addresses.FindByID(ctx, netip.MustParseAddr("10.0.0.2"))
	require.NoError(t, err)
	assert.True(t, addr.IsFree(), "address bound before the sync failure must be released")

	ok, err := h.repos().Hosts.ExistsByID(ctx, "aa:bb:cc:00:00:01")
	require.NoError(t, err)
	assert.False(t, ok)

	grants, err := h.repos().Grants.FindByObject(ctx, domain.HostRef("aa:bb:cc:00:00:01"))
	require.NoError(t, err)
	assert.Empty(t, grants)

	recs := h.hostRecords("web.example.com")
	require.Len(t, recs, 1)
	assert.Equal(t, domain.TypeCNAME, recs[0].Type)
	assert.Empty(t, h.ptr("10.0.0.2"))
}

func TestAuthorize_FollowsGroupMembership(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	alice := h.f.User("alice")
	netops := h.f.Group("netops")
	network := domain.NetworkRef("10.0.0.0/24")
	owner := []domain.Capability{domain.CapIsOwner}
	h.f.GroupGrant(netops, network, domain.CapIsOwner)

	authorize := func() bool {
		t.Helper()
		p, err := h.engine.Principal(ctx, "alice")
		require.NoError(t, err)
		ok, err := h.engine.Authorize(ctx, p, network, owner, false)
		require.NoError(t, err)
		return ok
	}

	assert.False(t, authorize())

	require.NoError(t, h.repos().Users.AddMember(ctx, alice.ID, netops.ID))
	assert.True(t, authorize(), "grant of a joined group must be seen")

	require.NoError(t, h.repos().Users.RemoveMember(ctx, alice.ID, netops.ID))
	assert.False(t, authorize(), "grant of a left group must be dropped")
}

func TestGrantRole(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	root := h.f.Principal(h.f.Superuser("root"))
	bobUser := h.f.User("bob")
	ops := h.f.Group("ops", bobUser)
	bob, err := h.engine.Principal(ctx, "bob")
	require.NoError(t, err)
	host := domain.HostRef("aa:bb:cc:00:00:01")

	canChange := func() bool {
		t.Helper()
		ok, err := h.engine.Authorize(ctx, bob, host, domain.ChangeCaps, true)
		require.NoError(t, err)
		return ok
	}
	assert.False(t, canChange())

	userRole := RoleRequest{User: "bob", ObjectType: domain.ObjectHost, Capability: domain.CapChange}
	require.NoError(t, h.engine.GrantRole(ctx, root, userRole))
	assert.True(t, canChange())

	require.NoError(t, h.engine.RevokeRole(ctx, root, userRole))
	assert.False(t, canChange())

	groupRole := RoleRequest{Group: ops.Name, ObjectType: domain.ObjectHost, Capability: domain.CapIsOwner}
	require.NoError(t, h.engine.GrantRole(ctx, root, groupRole))
	assert.True(t, canChange())

	err = h.engine.GrantRole(ctx, bob, userRole)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	err = h.engine.GrantRole(ctx, root, RoleRequest{User: "bob", Group: "ops", ObjectType: domain.ObjectHost, Capability: domain.CapChange})
	assert.ErrorIs(t, err, domain.ErrValidation)

	err = h.engine.GrantRole(ctx, root, RoleRequest{User: "nobody", ObjectType: domain.ObjectHost, Capability: domain.CapChange})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDisabledHosts(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	root := h.f.Principal(h.f.Superuser("root"))
	h.f.Domain("example.com")
	h.f.Network("10.0.0.0/24")
	alice := h.member("alice")
	const mac = "aa:bb:cc:00:00:01"

	_, _, err := h.engine.CreateOrUpdateHost(ctx, alice, HostRequest{
		Hostname: "web01.example.com", MAC: mac, Network: "10.0.0.0/24", ExpireDays: 7,
	})
	require.NoError(t, err)

	_, err = h.engine.DisableHost(ctx, alice, mac, "mine")
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	disabled, err := h.engine.DisableHost(ctx, root, "AA-BB-CC-00-00-01", "abuse report")
	require.NoError(t, err)
	assert.Equal(t, mac, disabled.MAC)
	_, err = h.engine.DisableHost(ctx, root, "aa:bb:cc:00:00:02", "")
	require.NoError(t, err)

	_, err = h.engine.RenewHost(ctx, alice, mac, 7)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	assert.ErrorIs(t, h.engine.DeleteHosts(ctx, alice, []string{mac}), domain.ErrPermissionDenied)
	assert.ErrorIs(t, h.engine.AssignOwners(ctx, alice, mac, []string{"root"}, nil), domain.ErrPermissionDenied)
	_, _, err = h.engine.CreateOrUpdateHost(ctx, alice, HostRequest{
		CurrentMAC: mac, Hostname: "web01.example.com", MAC: mac, Description: "changed",
	})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, _, err = h.engine.CreateOrUpdateHost(ctx, alice, HostRequest{
		Hostname: "web02.example.com", MAC: "aa:bb:cc:00:00:02", Network: "10.0.0.0/24", ExpireDays: 7,
	})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = h.engine.RenewHost(ctx, root, mac, 7)
	require.NoError(t, err)

	_, err = h.engine.ListDisabled(ctx, alice)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	list, err := h.engine.ListDisabled(ctx, root)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, h.engine.EnableHost(ctx, root, mac))
	_, err = h.engine.RenewHost(ctx, alice, mac, 7)
	require.NoError(t, err)
	assert.ErrorIs(t, h.engine.EnableHost(ctx, root, mac), repository.ErrNotFound)
}

func TestHostAttributes(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	root := h.f.Principal(h.f.Superuser("root"))
	h.f.Domain("example.com")
	h.f.Network("10.0.0.0/24")
	alice := h.member("alice")
	const mac = "aa:bb:cc:00:00:01"

	_, err := h.engine.DefineAttribute(ctx, alice, domain.Attribute{Name: "notes"})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	_, err = h.engine.DefineAttribute(ctx, root, domain.Attribute{Name: "building", Structured: true})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.engine.DefineAttribute(ctx, root, domain.Attribute{Name: "building", Structured: true, Choices: []string{"north", "south"}})
	require.NoError(t, err)
	_, err = h.engine.DefineAttribute(ctx, root, domain.Attribute{Name: "notes"})
	require.NoError(t, err)

	create := HostRequest{Hostname: "web01.example.com", MAC: mac, Network: "10.0.0.0/24", ExpireDays: 7}

	bad := create
	bad.Attributes = map[string]string{"building": "west"}
	_, _, err = h.engine.CreateOrUpdateHost(ctx, alice, bad)
	assert.ErrorIs(t, err, domain.ErrValidation)
	bad.Attributes = map[string]string{"color": "red"}
	_, _, err = h.engine.CreateOrUpdateHost(ctx, alice, bad)
	assert.ErrorIs(t, err, domain.ErrValidation)

	create.Attributes = map[string]string{"building": "north", "notes": "rack 4"}
	_, _, err = h.engine.CreateOrUpdateHost(ctx, alice, create)
	require.NoError(t, err)

	values, err := h.engine.HostAttributes(ctx, mac)
	require.NoError(t, err)
	assert.Equal(t, []domain.HostAttribute{
		{MAC: mac, Attribute: "building", Value: "north"},
		{MAC: mac, Attribute: "notes", Value: "rack 4"},
	}, values)

	// No attributes given keeps the current values
	_, _, err = h.engine.CreateOrUpdateHost(ctx, alice, HostRequest{CurrentMAC: mac, Hostname: "web01.example.com", MAC: mac, Description: "x"})
	require.NoError(t, err)
	values, err = h.engine.HostAttributes(ctx, mac)
	require.NoError(t, err)
	assert.Len(t, values, 2)

	// Given attributes replace the set
	_, _, err = h.engine.CreateOrUpdateHost(ctx, alice, HostRequest{
		CurrentMAC: mac, Hostname: "web01.example.com", MAC: mac,
		Attributes: map[string]string{"building": "south", "notes": ""},
	})
	require.NoError(t, err)
	values, err = h.engine.HostAttributes(ctx, mac)
	require.NoError(t, err)
	assert.Equal(t, []domain.HostAttribute{{MAC: mac, Attribute: "building", Value: "south"}}, values)

	// A MAC change carries the values to the new key
	_, _, err = h.engine.CreateOrUpdateHost(ctx, root, HostRequest{CurrentMAC: mac, Hostname: "web01.example.com", MAC: "aa:bb:cc:00:00:09"})
	require.NoError(t, err)
	values, err = h.engine.HostAttributes(ctx, "aa:bb:cc:00:00:09")
	require.NoError(t, err)
	assert.Equal(t, []domain.HostAttribute{{MAC: "aa:bb:cc:00:00:09", Attribute: "building", Value: "south"}}, values)
	_, err = h.engine.HostAttributes(ctx, mac)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = h.engine.DefineAttribute(ctx, root, domain.Attribute{Name: "owner-tag", Required: true})
	require.NoError(t, err)
	_, _, err = h.engine.CreateOrUpdateHost(ctx, root, HostRequest{
		Hostname: "web02.example.com", MAC: "aa:bb:cc:00:00:02", Network: "10.0.0.0/24", ExpireDays: 7,
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	attrs, err := h.engine.ListAttributes(ctx)
	require.NoError(t, err)
	assert.Len(t, attrs, 3)
}

func TestOwnershipGrantsUseEngineClock(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	root := h.f.Principal(h.f.Superuser("root"))
	h.f.Network("10.0.0.0/24")
	h.advance(72 * time.Hour)

	_, _, err := h.engine.CreateOrUpdateHost(ctx, root, HostRequest{
		Hostname: "web01.example.com", MAC: "aa:bb:cc:00:00:01", Network: "10.0.0.0/24", ExpireDays: 7,
	})
	require.NoError(t, err)

	var changed time.Time
	require.NoError(t, h.ds.DB.QueryRow(`SELECT changed FROM grants WHERE object_id = ?`, "aa:bb:cc:00:00:01").Scan(&changed))
	assert.WithinDuration(t, h.now, changed, time.Second)
}
