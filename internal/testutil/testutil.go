package testutil

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/ipam/internal/datastore"
	"github.com/jbweber/homelab/ipam/internal/domain"
	"github.com/jbweber/homelab/ipam/internal/migrations"
	"github.com/jbweber/homelab/ipam/internal/repository"
)

// SetupTestDB creates a migrated SQLite database in a per-test temporary
// directory. It is closed when the test finishes.
func SetupTestDB(t *testing.T) *datastore.Datastore {
	t.Helper()

	ds, err := datastore.New(filepath.Join(t.TempDir(), "ipam.db"))
	require.NoError(t, err, "failed to open test database")
	t.Cleanup(func() {
		if err := ds.Close(); err != nil {
			t.Logf("Warning: failed to close test database: %v", err)
		}
	})

	require.NoError(t, migrations.Run(ds.DB, datastore.SQLite), "failed to migrate test database")
	return ds
}

// Fixtures creates test entities directly through the repositories
type Fixtures struct {
	t    *testing.T
	repo *repository.Repositories
	Now  time.Time
}

// NewFixtures returns fixture helpers writing outside any transaction
func NewFixtures(t *testing.T, ds *datastore.Datastore) *Fixtures {
	return &Fixtures{
		t:    t,
		repo: repository.NewRepositories(ds.Querier()),
		Now:  time.Now().UTC(),
	}
}

// User creates a plain user
func (f *Fixtures) User(username string) domain.User {
	f.t.Helper()
	u, err := f.repo.Users.Save(context.Background(), domain.User{Username: username})
	require.NoError(f.t, err)
	return u
}

// Superuser creates a superuser
func (f *Fixtures) Superuser(username string) domain.User {
	f.t.Helper()
	u, err := f.repo.Users.Save(context.Background(), domain.User{Username: username, IsSuperuser: true, Tier: domain.TierAdmin})
	require.NoError(f.t, err)
	return u
}

// Group creates a group with the given members
func (f *Fixtures) Group(name string, members ...domain.User) domain.Group {
	f.t.Helper()
	ctx := context.Background()
	g, err := f.repo.Users.SaveGroup(ctx, domain.Group{Name: name})
	require.NoError(f.t, err)
	for _, m := range members {
		require.NoError(f.t, f.repo.Users.AddMember(ctx, m.ID, g.ID))
	}
	return g
}

// Domain creates a DNS domain
func (f *Fixtures) Domain(name string) domain.Domain {
	f.t.Helper()
	d, err := f.repo.Domains.Save(context.Background(), domain.Domain{Name: name, Changed: f.Now})
	require.NoError(f.t, err)
	return d
}

// Pool creates an assignable pool
func (f *Fixtures) Pool(name string) domain.Pool {
	f.t.Helper()
	p, err := f.repo.Pools.Save(context.Background(), domain.Pool{Name: name, LeaseTime: 3600, Assignable: true, Changed: f.Now})
	require.NoError(f.t, err)
	return p
}

// Network creates a network and every address inside it. The first host
// address is the gateway; the network and broadcast addresses are reserved.
func (f *Fixtures) Network(cidr string) domain.Network {
	f.t.Helper()
	ctx := context.Background()
	prefix := netip.MustParsePrefix(cidr)
	gateway := prefix.Addr().Next()

	n, err := f.repo.Networks.Save(ctx, domain.Network{Network: prefix, Gateway: gateway, Changed: f.Now})
	require.NoError(f.t, err)

	var addresses []domain.Address
	for addr := prefix.Addr(); addr.IsValid() && prefix.Contains(addr); addr = addr.Next() {
		next := addr.Next()
		last := !next.IsValid() || !prefix.Contains(next)
		addresses = append(addresses, domain.Address{
			Address:  addr,
			Network:  prefix.String(),
			Reserved: addr == prefix.Addr() || addr == gateway || last,
			Changed:  f.Now,
		})
	}
	require.NoError(f.t, f.repo.Addresses.CreateBatch(ctx, addresses))
	return n
}

// AssignPool moves addresses into a pool
func (f *Fixtures) AssignPool(pool string, addrs ...string) {
	f.t.Helper()
	ctx := context.Background()
	for _, s := range addrs {
		a, err := f.repo.Addresses.FindByID(ctx, netip.MustParseAddr(s))
		require.NoError(f.t, err)
		a.Pool = pool
		_, err = f.repo.Addresses.Save(ctx, a)
		require.NoError(f.t, err)
	}
}

// Grant gives a user a capability on an object
func (f *Fixtures) Grant(u domain.User, obj domain.ObjectRef, caps ...domain.Capability) {
	f.t.Helper()
	for _, c := range caps {
		g := domain.Grant{Kind: domain.KindUser, PrincipalID: u.ID, Object: obj, Capability: c}
		require.NoError(f.t, f.repo.Grants.Add(context.Background(), g, u.ID, f.Now))
	}
}

// GroupGrant gives a group a capability on an object
func (f *Fixtures) GroupGrant(g domain.Group, obj domain.ObjectRef, caps ...domain.Capability) {
	f.t.Helper()
	for _, c := range caps {
		gr := domain.Grant{Kind: domain.KindGroup, PrincipalID: g.ID, Object: obj, Capability: c}
		require.NoError(f.t, f.repo.Grants.Add(context.Background(), gr, 0, f.Now))
	}
}

// RoleGrant gives a user a capability on every object of a type
func (f *Fixtures) RoleGrant(u domain.User, objectType domain.ObjectType, c domain.Capability) {
	f.t.Helper()
	rg := domain.RoleGrant{Kind: domain.KindUser, PrincipalID: u.ID, ObjectType: objectType, Capability: c}
	require.NoError(f.t, f.repo.Grants.AddRole(context.Background(), rg))
}

// AddressType creates an address type policy
func (f *Fixtures) AddressType(at domain.AddressType) domain.AddressType {
	f.t.Helper()
	saved, err := f.repo.AddressTypes.Save(context.Background(), at)
	require.NoError(f.t, err)
	return saved
}

// Principal builds the principal for a user, resolving its groups
func (f *Fixtures) Principal(u domain.User) domain.Principal {
	f.t.Helper()
	groups, err := f.repo.Users.GroupsOf(context.Background(), u.ID)
	require.NoError(f.t, err)
	p := domain.Principal{User: u, IsAdmin: u.IsSuperuser}
	for _, g := range groups {
		p.GroupIDs = append(p.GroupIDs, g.ID)
	}
	return p
}

// Repos exposes the non-transactional repositories for assertions
func (f *Fixtures) Repos() *repository.Repositories {
	return f.repo
}

// Host registers a host expiring in a week
func (f *Fixtures) Host(mac, hostname string) domain.Host {
	f.t.Helper()
	h, err := f.repo.Hosts.Save(context.Background(), domain.Host{
		MAC:      mac,
		Hostname: hostname,
		Expires:  domain.ExpiresAt(f.Now, 7),
		Changed:  f.Now,
	})
	require.NoError(f.t, err)
	return h
}

// Lease records a DHCP lease for an address
func (f *Fixtures) Lease(addr, mac string, abandoned bool) {
	f.t.Helper()
	_, err := f.repo.Leases.Save(context.Background(), domain.Lease{
		Address:   netip.MustParseAddr(addr),
		MAC:       mac,
		Abandoned: abandoned,
		Starts:    f.Now,
		Ends:      f.Now.Add(time.Hour),
	})
	require.NoError(f.t, err)
}

// DiscardLogger returns a logger that drops every record
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
