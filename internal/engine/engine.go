// Package engine registers, renews and deletes hosts. Each call runs in one
// database transaction spanning authorization, address allocation, DNS
// record synchronization and ownership grants, and either commits all of
// it or none.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jbweber/homelab/ipam/internal/allocator"
	"github.com/jbweber/homelab/ipam/internal/config"
	"github.com/jbweber/homelab/ipam/internal/datastore"
	"github.com/jbweber/homelab/ipam/internal/dnssync"
	"github.com/jbweber/homelab/ipam/internal/domain"
	"github.com/jbweber/homelab/ipam/internal/ownership"
	"github.com/jbweber/homelab/ipam/internal/permission"
	"github.com/jbweber/homelab/ipam/internal/repository"
)

// Engine is the entry point for every host, ownership and network operation
type Engine struct {
	ds     *datastore.Datastore
	cfg    config.EngineConfig
	cache  *permission.Cache
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the time source. Tests use it to move time forward.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = func() time.Time { return now().UTC() } }
}

// New creates an engine over an open, migrated datastore
func New(ds *datastore.Datastore, cfg config.EngineConfig, opts ...Option) *Engine {
	e := &Engine{
		ds:     ds,
		cfg:    cfg,
		cache:  permission.NewCache(),
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// scope bundles the collaborators bound to one transaction
type scope struct {
	repos    *repository.Repositories
	resolver *permission.Resolver
	alloc    *allocator.Allocator
	dns      *dnssync.Syncer
	owners   *ownership.Manager
	pending  *permission.Deferred
	now      time.Time
}

// inTx runs fn in a transaction. Cache invalidations raised inside are
// applied only after commit.
func (e *Engine) inTx(ctx context.Context, op *operation, fn func(s *scope) error) error {
	var pending permission.Deferred
	now := e.now()
	clock := func() time.Time { return now }

	err := e.ds.WithTx(ctx, func(q datastore.Querier) error {
		repos := repository.NewRepositories(q)
		resolver := permission.NewResolver(repos.Grants, nil)
		return fn(&scope{
			repos:    repos,
			resolver: resolver,
			alloc: allocator.New(repos, resolver,
				allocator.WithRetries(e.cfg.AllocationRetries),
				allocator.WithLogger(op.logger),
				allocator.WithClock(clock)),
			dns: dnssync.New(repos,
				dnssync.WithTTL(e.cfg.DefaultTTL),
				dnssync.WithLogger(op.logger),
				dnssync.WithClock(clock)),
			owners:  ownership.New(repos.Grants, &pending, ownership.WithClock(clock)),
			pending: &pending,
			now:     now,
		})
	})
	if err == nil {
		pending.Flush(e.cache)
	}
	return op.finish(err)
}

// Principal loads a user with its groups. Superusers and members of the
// configured admin group are administrators.
func (e *Engine) Principal(ctx context.Context, username string) (domain.Principal, error) {
	repos := repository.NewRepositories(e.ds.Querier())

	u, err := repos.Users.FindByUsername(ctx, username)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("failed to load user %q: %w", username, err)
	}
	groups, err := repos.Users.GroupsOf(ctx, u.ID)
	if err != nil {
		return domain.Principal{}, err
	}

	p := domain.Principal{User: u, IsAdmin: u.IsSuperuser}
	for _, g := range groups {
		p.GroupIDs = append(p.GroupIDs, g.ID)
		if g.Name == e.cfg.AdminGroup {
			p.IsAdmin = true
		}
	}
	return p, nil
}

// Authorize reports whether the principal holds the capabilities on obj
func (e *Engine) Authorize(ctx context.Context, p domain.Principal, obj domain.ObjectRef, caps []domain.Capability, matchAny bool) (bool, error) {
	if !obj.Type.Valid() {
		return false, domain.NewValidationError("object_type", "unknown object type %q", obj.Type)
	}
	for _, c := range caps {
		if !c.Valid() {
			return false, domain.NewValidationError("capability", "unknown capability %q", c)
		}
	}
	resolver := permission.NewResolver(repository.NewGrantRepository(e.ds.Querier()), e.cache)
	return resolver.Authorize(ctx, p, obj, caps, matchAny)
}

// ListExpired returns the hosts whose registration lapsed before now
func (e *Engine) ListExpired(ctx context.Context, now time.Time) ([]domain.Host, error) {
	return repository.NewHostRepository(e.ds.Querier()).FindExpired(ctx, now)
}

// expiration resolves the requested expiry against the expiration types the
// principal's tier allows
func (s *scope) expiration(ctx context.Context, p domain.Principal, days int, expires time.Time) (time.Time, error) {
	types, err := s.repos.ExpirationTypes.FindAll(ctx)
	if err != nil {
		return time.Time{}, err
	}
	allowed := domain.AllowedExpirations(types, p.Tier())

	if days > 0 {
		for _, t := range allowed {
			if t.Days == days {
				return domain.ExpiresAt(s.now, days), nil
			}
		}
		for _, t := range types {
			if t.Days == days {
				return time.Time{}, fmt.Errorf("expiration of %d days is not available to this user: %w", days, domain.ErrPermissionDenied)
			}
		}
		return time.Time{}, domain.NewValidationError("expire_days", "%d is not a valid expiration", days)
	}

	if !expires.After(s.now) {
		return time.Time{}, domain.NewValidationError("expires", "expiry must be in the future")
	}
	if !p.IsAdmin {
		if len(allowed) == 0 {
			return time.Time{}, fmt.Errorf("no expiration is available to this user: %w", domain.ErrPermissionDenied)
		}
		limit := domain.ExpiresAt(s.now, allowed[len(allowed)-1].Days)
		if expires.After(limit) {
			expires = limit
		}
	}
	return expires.UTC(), nil
}

// mayChangeHost applies the change rule: a change capability on the host,
// on its domain, or on a network of any of its addresses
func (s *scope) mayChangeHost(ctx context.Context, p domain.Principal, host domain.Host) (bool, error) {
	ok, err := s.resolver.Authorize(ctx, p, domain.HostRef(host.MAC), domain.ChangeCaps, true)
	if err != nil || ok {
		return ok, err
	}

	if parent := domain.ParentDomain(host.Hostname); parent != "" {
		ok, err = s.resolver.Authorize(ctx, p, domain.DomainRef(parent), domain.ChangeCaps, true)
		if err != nil || ok {
			return ok, err
		}
	}

	addrs, err := s.repos.Addresses.FindByHost(ctx, host.MAC)
	if err != nil {
		return false, err
	}
	seen := map[string]bool{}
	for _, a := range addrs {
		if seen[a.Network] {
			continue
		}
		seen[a.Network] = true
		ok, err = s.resolver.Authorize(ctx, p, domain.NetworkRef(a.Network), domain.ChangeCaps, true)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// checkDisabled refuses non-administrators any disabled MAC among macs
func (s *scope) checkDisabled(ctx context.Context, p domain.Principal, macs ...string) error {
	if p.IsAdmin {
		return nil
	}
	disabled, err := s.repos.DisabledHosts.FindByIDs(ctx, macs)
	if err != nil {
		return err
	}
	if len(disabled) > 0 {
		return fmt.Errorf("host %s is disabled: %w", disabled[0].MAC, domain.ErrPermissionDenied)
	}
	return nil
}

func (s *scope) requireChange(ctx context.Context, p domain.Principal, host domain.Host) error {
	if p.IsAdmin {
		return nil
	}
	if err := s.checkDisabled(ctx, p, host.MAC); err != nil {
		return err
	}
	ok, err := s.mayChangeHost(ctx, p, host)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no permission to change host %s: %w", host.MAC, domain.ErrPermissionDenied)
	}
	return nil
}

// lockHost loads a host for update, mapping a missing host to ErrNotFound
func (s *scope) lockHost(ctx context.Context, mac string) (domain.Host, error) {
	host, err := s.repos.Hosts.FindByIDForUpdate(ctx, mac)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Host{}, fmt.Errorf("host %s: %w", mac, repository.ErrNotFound)
	}
	return host, err
}

// removeHost releases a host's addresses and records, drops its grants and
// deletes it
func (s *scope) removeHost(ctx context.Context, host domain.Host, changedBy int64) error {
	released, err := s.alloc.ReleaseHost(ctx, host.MAC, changedBy)
	if err != nil {
		return err
	}
	if err := s.dns.ReleaseAddressRecords(ctx, host, "", released); err != nil {
		return err
	}
	if err := s.owners.Forget(ctx, domain.HostRef(host.MAC)); err != nil {
		return err
	}
	return s.repos.Hosts.DeleteByID(ctx, host.MAC)
}
