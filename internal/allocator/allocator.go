// Package allocator picks and binds free addresses for hosts.
//
// An Allocator is bound to the repositories of one open transaction. Candidate
// rows are read with a write-locking read and bound with a conditional update,
// so a candidate lost to a concurrent writer is skipped and the next one tried.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/jbweber/homelab/ipam/internal/domain"
	"github.com/jbweber/homelab/ipam/internal/permission"
	"github.com/jbweber/homelab/ipam/internal/repository"
)

// DefaultRetries is the number of candidates tried before giving up
const DefaultRetries = 5

// Request describes one address to acquire for a host
type Request struct {
	Principal domain.Principal
	HostMAC   string

	// Policy is the host's address type, nil for none
	Policy *domain.AddressType

	// At most one of the explicit choices is set
	IP      netip.Addr
	Network netip.Prefix
	Pool    string

	// Preserve keeps addresses already bound to the host
	Preserve bool
}

// FreeForm reports whether the request allocates nothing
func (r Request) FreeForm() bool {
	if r.IP.IsValid() || r.Network.IsValid() || r.Pool != "" {
		return false
	}
	return r.Policy == nil || (r.Policy.Pool == "" && len(r.Policy.Ranges) == 0)
}

// Allocator acquires and releases addresses
type Allocator struct {
	repos    *repository.Repositories
	resolver *permission.Resolver
	retries  int
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Allocator
type Option func(*Allocator)

// WithRetries sets how many lost candidates are tolerated per allocation
func WithRetries(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.retries = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(a *Allocator) { a.logger = l }
}

// WithClock sets the time source used for audit stamps
func WithClock(now func() time.Time) Option {
	return func(a *Allocator) { a.now = now }
}

// New creates an allocator over transaction-bound repositories and resolver
func New(repos *repository.Repositories, resolver *permission.Resolver, opts ...Option) *Allocator {
	a := &Allocator{
		repos:    repos,
		resolver: resolver,
		retries:  DefaultRetries,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ValidatePolicy rejects address types that set both a pool and ranges
func ValidatePolicy(at *domain.AddressType) error {
	if at != nil && at.Pool != "" && len(at.Ranges) > 0 {
		return fmt.Errorf("address type %q sets both pool %q and network ranges: %w", at.Name, at.Pool, domain.ErrInvalidPolicy)
	}
	return nil
}

// Allocate binds one address to the request's host. A free-form request
// allocates nothing and returns the zero Address. Unless Preserve is set,
// addresses already bound to the host are released first.
func (a *Allocator) Allocate(ctx context.Context, req Request) (domain.Address, error) {
	if err := ValidatePolicy(req.Policy); err != nil {
		return domain.Address{}, err
	}
	if err := a.checkRanges(req); err != nil {
		return domain.Address{}, err
	}

	if !req.Preserve {
		if _, err := a.ReleaseHost(ctx, req.HostMAC, req.Principal.ID()); err != nil {
			return domain.Address{}, err
		}
	}

	switch {
	case req.IP.IsValid():
		return a.allocateIP(ctx, req)
	case req.Network.IsValid():
		return a.allocateNetwork(ctx, req)
	case req.Pool != "":
		return a.allocatePool(ctx, req, req.Pool)
	case req.Policy != nil && req.Policy.Pool != "":
		return a.allocatePool(ctx, req, req.Policy.Pool)
	case req.Policy != nil && len(req.Policy.Ranges) > 0:
		return a.allocateRanges(ctx, req)
	}
	return domain.Address{}, nil
}

// checkRanges rejects explicit choices outside a range-restricted policy
func (a *Allocator) checkRanges(req Request) error {
	if req.Policy == nil || len(req.Policy.Ranges) == 0 {
		return nil
	}
	if req.Pool != "" {
		return fmt.Errorf("pool %q requested under range policy %q: %w", req.Pool, req.Policy.Name, domain.ErrInvalidPolicy)
	}
	for _, rng := range req.Policy.Ranges {
		if req.IP.IsValid() && rng.Contains(req.IP.Unmap()) {
			return nil
		}
		if req.Network.IsValid() && domain.PrefixContains(rng, req.Network) {
			return nil
		}
	}
	switch {
	case req.IP.IsValid():
		return fmt.Errorf("address %s is outside the ranges of %q: %w", req.IP, req.Policy.Name, domain.ErrInvalidPolicy)
	case req.Network.IsValid():
		return fmt.Errorf("network %s is outside the ranges of %q: %w", req.Network, req.Policy.Name, domain.ErrInvalidPolicy)
	}
	return nil
}

func (a *Allocator) allocateIP(ctx context.Context, req Request) (domain.Address, error) {
	addr, err := a.repos.Addresses.FindByIDForUpdate(ctx, req.IP)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Address{}, fmt.Errorf("address %s is not managed: %w", req.IP, domain.ErrAddressUnavailable)
	}
	if err != nil {
		return domain.Address{}, err
	}

	if addr.Reserved {
		return domain.Address{}, fmt.Errorf("address %s is reserved: %w", req.IP, domain.ErrAddressUnavailable)
	}
	if addr.HostMAC != "" {
		return domain.Address{}, fmt.Errorf("address %s is bound to %s: %w", req.IP, addr.HostMAC, domain.ErrAddressUnavailable)
	}
	abandoned, err := a.repos.Addresses.IsAbandoned(ctx, addr.Address)
	if err != nil {
		return domain.Address{}, err
	}
	if abandoned {
		return domain.Address{}, fmt.Errorf("address %s has an abandoned lease: %w", req.IP, domain.ErrAddressUnavailable)
	}

	ok, err := a.mayUseAddress(ctx, req.Principal, addr)
	if err != nil {
		return domain.Address{}, err
	}
	if !ok {
		return domain.Address{}, fmt.Errorf("no permission to assign %s: %w", req.IP, domain.ErrPermissionDenied)
	}

	bound, err := a.repos.Addresses.Bind(ctx, addr.Address, req.HostMAC, req.Principal.ID(), a.now())
	if err != nil {
		return domain.Address{}, err
	}
	if !bound {
		return domain.Address{}, fmt.Errorf("address %s was taken concurrently: %w", req.IP, domain.ErrAddressUnavailable)
	}
	return a.stamp(addr, req), nil
}

// mayUseAddress is the explicit address rule: admin, a capability on the
// owning network, or a capability on the address's pool
func (a *Allocator) mayUseAddress(ctx context.Context, p domain.Principal, addr domain.Address) (bool, error) {
	ok, err := a.resolver.Authorize(ctx, p, domain.NetworkRef(addr.Network), domain.NetworkAssignCaps, true)
	if err != nil || ok {
		return ok, err
	}
	if addr.Pool == "" {
		return false, nil
	}
	return a.resolver.Authorize(ctx, p, domain.PoolRef(addr.Pool), domain.PoolAssignCaps, true)
}

func (a *Allocator) allocateNetwork(ctx context.Context, req Request) (domain.Address, error) {
	cidr := req.Network.String()
	if _, err := a.repos.Networks.FindByID(ctx, cidr); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Address{}, domain.NewValidationError("network", "network %s does not exist", cidr)
		}
		return domain.Address{}, err
	}

	ok, err := a.resolver.Authorize(ctx, req.Principal, domain.NetworkRef(cidr), domain.NetworkAssignCaps, true)
	if err != nil {
		return domain.Address{}, err
	}
	if !ok {
		return domain.Address{}, fmt.Errorf("no permission to assign from network %s: %w", cidr, domain.ErrPermissionDenied)
	}

	cq := repository.CandidateQuery{Network: cidr}
	if err := a.restrictPools(ctx, req.Principal, &cq); err != nil {
		return domain.Address{}, err
	}
	return a.claim(ctx, req, cq)
}

func (a *Allocator) allocatePool(ctx context.Context, req Request, pool string) (domain.Address, error) {
	p, err := a.repos.Pools.FindByID(ctx, pool)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Address{}, domain.NewValidationError("pool", "pool %s does not exist", pool)
		}
		return domain.Address{}, err
	}
	if !p.Assignable {
		return domain.Address{}, fmt.Errorf("pool %s is not assignable: %w", pool, domain.ErrInvalidPolicy)
	}

	ok, err := a.resolver.Authorize(ctx, req.Principal, domain.PoolRef(pool), domain.PoolAssignCaps, true)
	if err != nil {
		return domain.Address{}, err
	}
	if !ok {
		return domain.Address{}, fmt.Errorf("no permission to assign from pool %s: %w", pool, domain.ErrPermissionDenied)
	}
	return a.claim(ctx, req, repository.CandidateQuery{Pool: pool})
}

func (a *Allocator) allocateRanges(ctx context.Context, req Request) (domain.Address, error) {
	networks, err := a.repos.Networks.FindWithin(ctx, req.Policy.Ranges)
	if err != nil {
		return domain.Address{}, err
	}

	allowed, err := a.resolver.Objects(ctx, req.Principal, domain.ObjectNetwork, domain.NetworkAssignCaps)
	if err != nil {
		return domain.Address{}, err
	}

	cq := repository.CandidateQuery{Networks: []string{}}
	for _, n := range networks {
		cidr := n.Network.String()
		if allowed.Contains(cidr) {
			cq.Networks = append(cq.Networks, cidr)
		}
	}
	if len(cq.Networks) == 0 {
		return domain.Address{}, fmt.Errorf("no authorized network inside the ranges of %q: %w", req.Policy.Name, domain.ErrNoAddressAvailable)
	}

	if err := a.restrictPools(ctx, req.Principal, &cq); err != nil {
		return domain.Address{}, err
	}
	return a.claim(ctx, req, cq)
}

// restrictPools limits network candidates to pool-less addresses and pools
// the principal may assign from
func (a *Allocator) restrictPools(ctx context.Context, p domain.Principal, cq *repository.CandidateQuery) error {
	pools, err := a.resolver.Objects(ctx, p, domain.ObjectPool, domain.PoolAssignCaps)
	if err != nil {
		return err
	}
	if !pools.All {
		cq.RestrictPools = true
		cq.AllowedPools = pools.IDs
	}
	return nil
}

// claim binds the lowest candidate, skipping rows lost to concurrent writers
func (a *Allocator) claim(ctx context.Context, req Request, cq repository.CandidateQuery) (domain.Address, error) {
	for attempt := 1; attempt <= a.retries; attempt++ {
		cand, err := a.repos.Addresses.NextCandidate(ctx, cq)
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Address{}, domain.ErrNoAddressAvailable
		}
		if err != nil {
			return domain.Address{}, err
		}

		ok, err := a.repos.Addresses.Bind(ctx, cand.Address, req.HostMAC, req.Principal.ID(), a.now())
		if err != nil {
			return domain.Address{}, err
		}
		if ok {
			return a.stamp(cand, req), nil
		}

		a.logger.Debug("candidate address lost, retrying",
			"address", cand.Address, "host", req.HostMAC, "attempt", attempt)
		cq.Exclude = append(cq.Exclude, cand.Address)
	}
	return domain.Address{}, fmt.Errorf("gave up after %d contended candidates: %w", a.retries, domain.ErrNoAddressAvailable)
}

func (a *Allocator) stamp(addr domain.Address, req Request) domain.Address {
	addr.HostMAC = req.HostMAC
	addr.Pool = ""
	addr.Changed = a.now()
	addr.ChangedBy = req.Principal.ID()
	return addr
}

// ReleaseHost frees every address bound to a host and returns them as
// they were before release
func (a *Allocator) ReleaseHost(ctx context.Context, mac string, changedBy int64) ([]domain.Address, error) {
	bound, err := a.repos.Addresses.FindByHost(ctx, mac)
	if err != nil {
		return nil, err
	}
	if err := a.Release(ctx, bound, changedBy); err != nil {
		return nil, err
	}
	return bound, nil
}

// Release frees addresses, returning each to the default pool covering it
func (a *Allocator) Release(ctx context.Context, addrs []domain.Address, changedBy int64) error {
	for _, addr := range addrs {
		pool, err := a.repos.Pools.DefaultFor(ctx, addr.Address)
		if err != nil {
			return fmt.Errorf("failed to resolve default pool for %s: %w", addr.Address, err)
		}
		if err := a.repos.Addresses.Release(ctx, addr.Address, pool, changedBy, a.now()); err != nil {
			return err
		}
		a.logger.Debug("released address", "address", addr.Address, "host", addr.HostMAC, "pool", pool)
	}
	return nil
}
