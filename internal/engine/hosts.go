package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/netip"
	"slices"

	"github.com/jbweber/homelab/ipam/internal/allocator"
	"github.com/jbweber/homelab/ipam/internal/domain"
	"github.com/jbweber/homelab/ipam/internal/ownership"
	"github.com/jbweber/homelab/ipam/internal/repository"
)

// CreateOrUpdateHost registers a new host or updates the one named by
// req.CurrentMAC, returning the host and its bound addresses
func (e *Engine) CreateOrUpdateHost(ctx context.Context, p domain.Principal, req HostRequest) (domain.Host, []domain.Address, error) {
	op := newOperation(e.logger, "create_or_update_host", "mac", req.MAC, "hostname", req.Hostname, "user", p.User.Username)

	var (
		host  domain.Host
		addrs []domain.Address
	)
	err := e.inTx(ctx, op, func(s *scope) error {
		var err error
		host, addrs, err = s.createOrUpdate(ctx, op, p, req)
		return err
	})
	if err != nil {
		return domain.Host{}, nil, err
	}
	return host, addrs, nil
}

func (s *scope) createOrUpdate(ctx context.Context, op *operation, p domain.Principal, req HostRequest) (domain.Host, []domain.Address, error) {
	// Validating
	cmd, err := validateHostRequest(req)
	if err != nil {
		return domain.Host{}, nil, err
	}

	var existing *domain.Host
	if cmd.currentMAC != "" {
		h, err := s.lockHost(ctx, cmd.currentMAC)
		if err != nil {
			return domain.Host{}, nil, err
		}
		existing = &h
	}

	if err := s.resolveConflicts(ctx, op, p, cmd, existing); err != nil {
		return domain.Host{}, nil, err
	}
	if err := s.loadPolicy(ctx, &cmd, existing); err != nil {
		return domain.Host{}, nil, err
	}
	if cmd.req.ExpireDays > 0 || !cmd.req.Expires.IsZero() {
		if cmd.expires, err = s.expiration(ctx, p, cmd.req.ExpireDays, cmd.req.Expires); err != nil {
			return domain.Host{}, nil, err
		}
		cmd.hasExpires = true
	}
	userOwners, groupOwners, err := s.resolveOwners(ctx, cmd.req.UserOwners, cmd.req.GroupOwners)
	if err != nil {
		return domain.Host{}, nil, err
	}
	attrs, err := s.hostAttributes(ctx, cmd, existing)
	if err != nil {
		return domain.Host{}, nil, err
	}

	op.enter(StateAuthorizing)
	if err := s.authorizeHost(ctx, p, cmd, existing); err != nil {
		return domain.Host{}, nil, err
	}

	op.enter(StateAllocating)
	host, oldHostname, keepOwners, err := s.writeHost(ctx, p, cmd, existing)
	if err != nil {
		return domain.Host{}, nil, err
	}
	if attrs != nil {
		if err := s.repos.Attributes.ReplaceForHost(ctx, host.MAC, attrs, p.ID(), s.now); err != nil {
			return domain.Host{}, nil, err
		}
	}

	addressChange := existing == nil || cmd.explicitAddress() || !sameAddressType(existing.AddressTypeID, host.AddressTypeID)
	if !addressChange {
		bound, err := s.repos.Addresses.FindByHost(ctx, host.MAC)
		if err != nil {
			return domain.Host{}, nil, err
		}
		addressChange = len(bound) == 0 && !(allocator.Request{Policy: cmd.policy}).FreeForm()
	}
	if addressChange {
		if err := s.reallocate(ctx, p, cmd, host, oldHostname); err != nil {
			return domain.Host{}, nil, err
		}
	}
	bound, err := s.repos.Addresses.FindByHost(ctx, host.MAC)
	if err != nil {
		return domain.Host{}, nil, err
	}

	op.enter(StateSyncing)
	if err := s.dns.SyncHostRecords(ctx, host, oldHostname, bound, p); err != nil {
		return domain.Host{}, nil, err
	}

	op.enter(StateGrantingOwnership)
	if err := s.grantOwnership(ctx, p, host, userOwners, groupOwners, keepOwners); err != nil {
		return domain.Host{}, nil, err
	}
	return host, bound, nil
}

// resolveConflicts reclaims expired holders of the requested MAC or
// hostname and rejects live ones
func (s *scope) resolveConflicts(ctx context.Context, op *operation, p domain.Principal, cmd hostCommand, existing *domain.Host) error {
	if existing == nil || existing.MAC != cmd.mac {
		holder, err := s.repos.Hosts.FindByIDForUpdate(ctx, cmd.mac)
		switch {
		case errors.Is(err, repository.ErrNotFound):
		case err != nil:
			return err
		case holder.IsExpired(s.now):
			if err := s.reclaim(ctx, op, p, holder); err != nil {
				return err
			}
		default:
			return fmt.Errorf("mac %s is registered to %s: %w", cmd.mac, holder.Hostname, domain.ErrMacConflict)
		}
	}

	holder, err := s.repos.Hosts.FindByHostname(ctx, cmd.hostname)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil
	case err != nil:
		return err
	case existing != nil && holder.MAC == existing.MAC:
		return nil
	case holder.IsExpired(s.now):
		return s.reclaim(ctx, op, p, holder)
	}
	return fmt.Errorf("hostname %s is registered to %s: %w", cmd.hostname, holder.MAC, domain.ErrHostnameConflict)
}

func (s *scope) reclaim(ctx context.Context, op *operation, p domain.Principal, expired domain.Host) error {
	if err := s.removeHost(ctx, expired, p.ID()); err != nil {
		return fmt.Errorf("failed to reclaim expired host %s: %w", expired.MAC, err)
	}
	op.logger.Info("reclaimed expired host", "expired_mac", expired.MAC, "expired_hostname", expired.Hostname)
	return nil
}

// hostAttributes checks the requested attribute values and returns the set
// to store. Nil leaves the host's values as they are. A MAC change carries
// the old values over unless new ones are given.
func (s *scope) hostAttributes(ctx context.Context, cmd hostCommand, existing *domain.Host) ([]domain.HostAttribute, error) {
	requested := cmd.req.Attributes
	if requested == nil {
		switch {
		case existing == nil:
			return nil, s.requireAttributes(ctx, nil)
		case existing.MAC != cmd.mac:
			return s.repos.Attributes.FindForHost(ctx, existing.MAC)
		}
		return nil, nil
	}

	defined, err := s.repos.Attributes.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]domain.Attribute, len(defined))
	for _, a := range defined {
		byName[a.Name] = a
	}

	values := make([]domain.HostAttribute, 0, len(requested))
	for _, name := range slices.Sorted(maps.Keys(requested)) {
		value := requested[name]
		a, ok := byName[name]
		if !ok {
			return nil, domain.NewValidationError("attributes", "unknown attribute %q", name)
		}
		if value == "" {
			continue
		}
		if !a.Allows(value) {
			return nil, domain.NewValidationError("attributes", "%q is not a valid value for %s", value, name)
		}
		values = append(values, domain.HostAttribute{MAC: cmd.mac, Attribute: name, Value: value})
	}
	return values, s.requireAttributes(ctx, values)
}

// requireAttributes fails when a required attribute is missing from values
func (s *scope) requireAttributes(ctx context.Context, values []domain.HostAttribute) error {
	defined, err := s.repos.Attributes.FindAll(ctx)
	if err != nil {
		return err
	}
	for _, a := range defined {
		if !a.Required {
			continue
		}
		if !slices.ContainsFunc(values, func(v domain.HostAttribute) bool { return v.Attribute == a.Name }) {
			return domain.NewValidationError("attributes", "attribute %s is required", a.Name)
		}
	}
	return nil
}

// loadPolicy resolves the address type: the named one, else the host's
// current one, else the default
func (s *scope) loadPolicy(ctx context.Context, cmd *hostCommand, existing *domain.Host) error {
	var (
		at  domain.AddressType
		err error
	)
	switch {
	case cmd.req.AddressType != "":
		at, err = s.repos.AddressTypes.FindByName(ctx, cmd.req.AddressType)
		if errors.Is(err, repository.ErrNotFound) {
			return domain.NewValidationError("address_type", "unknown address type %q", cmd.req.AddressType)
		}
	case existing != nil && existing.AddressTypeID != nil:
		at, err = s.repos.AddressTypes.FindByID(ctx, *existing.AddressTypeID)
	case existing != nil:
		return nil
	default:
		at, err = s.repos.AddressTypes.FindDefault(ctx)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
	}
	if err != nil {
		return err
	}

	if err := allocator.ValidatePolicy(&at); err != nil {
		return err
	}
	cmd.policy = &at
	return nil
}

func (s *scope) resolveOwners(ctx context.Context, usernames, groupNames []string) ([]int64, []int64, error) {
	var userIDs, groupIDs []int64
	if len(usernames) > 0 {
		users, err := s.repos.Users.FindByUsernames(ctx, usernames)
		if err != nil {
			return nil, nil, err
		}
		for _, name := range usernames {
			i := slices.IndexFunc(users, func(u domain.User) bool { return u.Username == name })
			if i < 0 {
				return nil, nil, domain.NewValidationError("user_owners", "unknown user %q", name)
			}
			userIDs = append(userIDs, users[i].ID)
		}
	}
	if len(groupNames) > 0 {
		groups, err := s.repos.Users.FindGroupsByName(ctx, groupNames)
		if err != nil {
			return nil, nil, err
		}
		for _, name := range groupNames {
			i := slices.IndexFunc(groups, func(g domain.Group) bool { return g.Name == name })
			if i < 0 {
				return nil, nil, domain.NewValidationError("group_owners", "unknown group %q", name)
			}
			groupIDs = append(groupIDs, groups[i].ID)
		}
	}
	return userIDs, groupIDs, nil
}

// authorizeHost is the fast-fail permission check before any write. The
// allocator repeats the address checks under row locks.
func (s *scope) authorizeHost(ctx context.Context, p domain.Principal, cmd hostCommand, existing *domain.Host) error {
	if p.IsAdmin {
		return nil
	}
	if err := s.checkDisabled(ctx, p, cmd.mac); err != nil {
		return err
	}

	if existing == nil || existing.Hostname != cmd.hostname {
		parent := domain.ParentDomain(cmd.hostname)
		if _, err := s.repos.Domains.FindByID(ctx, parent); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return domain.NewValidationError("hostname", "domain %q does not exist", parent)
			}
			return err
		}
		ok, err := s.resolver.Authorize(ctx, p, domain.DomainRef(parent), domain.DomainRecordCaps, true)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no permission to add hosts to domain %s: %w", parent, domain.ErrPermissionDenied)
		}
	}

	if existing != nil {
		if err := s.requireChange(ctx, p, *existing); err != nil {
			return err
		}
	}

	var targets []domain.ObjectRef
	switch {
	case cmd.network.IsValid():
		targets = append(targets, domain.NetworkRef(cmd.network.String()))
	case cmd.pool != "":
		targets = append(targets, domain.PoolRef(cmd.pool))
	case cmd.ip.IsValid():
	case cmd.policy != nil && cmd.policy.Pool != "":
		targets = append(targets, domain.PoolRef(cmd.policy.Pool))
	}
	for _, obj := range targets {
		ok, err := s.resolver.Authorize(ctx, p, obj, domain.NetworkAssignCaps, true)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no permission to assign from %s: %w", obj, domain.ErrPermissionDenied)
		}
	}
	return nil
}

// writeHost stores the host row ahead of allocation. A changed MAC deletes
// the old row and recreates the host under the new key, carrying its
// addresses and owners over.
func (s *scope) writeHost(ctx context.Context, p domain.Principal, cmd hostCommand, existing *domain.Host) (host domain.Host, oldHostname string, keepOwners ownership.Owners, err error) {
	host = domain.Host{
		MAC:         cmd.mac,
		Hostname:    cmd.hostname,
		Description: cmd.req.Description,
		DHCPGroup:   cmd.req.DHCPGroup,
		Expires:     cmd.expires,
		Changed:     s.now,
		ChangedBy:   p.ID(),
	}
	if cmd.policy != nil {
		id := cmd.policy.ID
		host.AddressTypeID = &id
	}

	var carried []domain.Address
	if existing != nil {
		oldHostname = existing.Hostname
		if !cmd.hasExpires {
			host.Expires = existing.Expires
		}
		if cmd.policy == nil {
			host.AddressTypeID = existing.AddressTypeID
		}

		if existing.MAC != cmd.mac {
			if keepOwners, err = s.owners.Owners(ctx, domain.HostRef(existing.MAC)); err != nil {
				return
			}
			if carried, err = s.repos.Addresses.FindByHost(ctx, existing.MAC); err != nil {
				return
			}
			if err = s.removeHost(ctx, *existing, p.ID()); err != nil {
				return
			}
			// Records were dropped with the old row and are rebuilt on sync
			oldHostname = ""
		}
	}

	if host, err = s.repos.Hosts.Save(ctx, host); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			err = fmt.Errorf("hostname %s: %w", cmd.hostname, domain.ErrHostnameConflict)
		}
		return
	}

	if !cmd.explicitAddress() {
		for _, a := range carried {
			if _, err = s.repos.Addresses.Bind(ctx, a.Address, host.MAC, p.ID(), s.now); err != nil {
				return
			}
		}
	}
	return
}

// reallocate releases the host's addresses and binds a new one per the
// request, dropping the records of every address that was let go
func (s *scope) reallocate(ctx context.Context, p domain.Principal, cmd hostCommand, host domain.Host, oldHostname string) error {
	before, err := s.repos.Addresses.FindByHost(ctx, host.MAC)
	if err != nil {
		return err
	}

	if _, err := s.alloc.Allocate(ctx, allocator.Request{
		Principal: p,
		HostMAC:   host.MAC,
		Policy:    cmd.policy,
		IP:        cmd.ip,
		Network:   cmd.network,
		Pool:      cmd.pool,
	}); err != nil {
		return err
	}

	after, err := s.repos.Addresses.FindByHost(ctx, host.MAC)
	if err != nil {
		return err
	}
	kept := make(map[netip.Addr]bool, len(after))
	for _, a := range after {
		kept[a.Address] = true
	}
	var released []domain.Address
	for _, a := range before {
		if !kept[a.Address] {
			released = append(released, a)
		}
	}
	return s.dns.ReleaseAddressRecords(ctx, host, oldHostname, released)
}

// grantOwnership applies the requested owners. With none requested the
// previous owners are kept, and an unowned host gets the acting user.
func (s *scope) grantOwnership(ctx context.Context, p domain.Principal, host domain.Host, userIDs, groupIDs []int64, carried ownership.Owners) error {
	obj := domain.HostRef(host.MAC)
	if len(userIDs) > 0 || len(groupIDs) > 0 {
		return s.owners.SetOwners(ctx, obj, userIDs, groupIDs, p.ID())
	}

	if !carried.Empty() {
		if err := s.owners.SetOwners(ctx, obj, carried.UserIDs, carried.GroupIDs, p.ID()); err != nil {
			return err
		}
	}
	current, err := s.owners.Owners(ctx, obj)
	if err != nil {
		return err
	}
	if current.Empty() {
		return s.owners.AddOwner(ctx, obj, domain.KindUser, p.ID(), p.ID())
	}
	return nil
}

func sameAddressType(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// RenewHost extends a host's registration by one of the allowed expiration types
func (e *Engine) RenewHost(ctx context.Context, p domain.Principal, mac string, expireDays int) (domain.Host, error) {
	op := newOperation(e.logger, "renew_host", "mac", mac, "user", p.User.Username)

	var host domain.Host
	err := e.inTx(ctx, op, func(s *scope) error {
		normalized, err := domain.NormalizeMAC(mac)
		if err != nil {
			return err
		}
		if expireDays <= 0 {
			return domain.NewValidationError("expire_days", "must be positive")
		}
		if host, err = s.lockHost(ctx, normalized); err != nil {
			return err
		}

		op.enter(StateAuthorizing)
		if err := s.requireChange(ctx, p, host); err != nil {
			return err
		}
		if host.Expires, err = s.expiration(ctx, p, expireDays, host.Expires); err != nil {
			return err
		}

		host.Changed = s.now
		host.ChangedBy = p.ID()
		host, err = s.repos.Hosts.Save(ctx, host)
		return err
	})
	if err != nil {
		return domain.Host{}, err
	}
	return host, nil
}

// DeleteHosts deletes hosts, releasing their addresses and DNS records.
// Either every host is deleted or none is.
func (e *Engine) DeleteHosts(ctx context.Context, p domain.Principal, macs []string) error {
	op := newOperation(e.logger, "delete_hosts", "count", len(macs), "user", p.User.Username)

	return e.inTx(ctx, op, func(s *scope) error {
		hosts := make([]domain.Host, 0, len(macs))
		seen := map[string]bool{}
		for _, mac := range macs {
			normalized, err := domain.NormalizeMAC(mac)
			if err != nil {
				return err
			}
			if seen[normalized] {
				continue
			}
			seen[normalized] = true
			host, err := s.lockHost(ctx, normalized)
			if err != nil {
				return err
			}
			hosts = append(hosts, host)
		}

		op.enter(StateAuthorizing)
		for _, host := range hosts {
			if err := s.requireChange(ctx, p, host); err != nil {
				return err
			}
		}

		op.enter(StateAllocating)
		for _, host := range hosts {
			if err := s.removeHost(ctx, host, p.ID()); err != nil {
				return err
			}
		}
		return nil
	})
}

// AssignOwners adds owners to a host
func (e *Engine) AssignOwners(ctx context.Context, p domain.Principal, mac string, usernames, groupNames []string) error {
	op := newOperation(e.logger, "assign_owners", "mac", mac, "user", p.User.Username)

	return e.inTx(ctx, op, func(s *scope) error {
		host, userIDs, groupIDs, err := s.ownerChange(ctx, op, p, mac, usernames, groupNames)
		if err != nil {
			return err
		}

		obj := domain.HostRef(host.MAC)
		for _, id := range userIDs {
			if err := s.owners.AddOwner(ctx, obj, domain.KindUser, id, p.ID()); err != nil {
				return err
			}
		}
		for _, id := range groupIDs {
			if err := s.owners.AddOwner(ctx, obj, domain.KindGroup, id, p.ID()); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveOwners removes owners from a host. A host is never left without an owner.
func (e *Engine) RemoveOwners(ctx context.Context, p domain.Principal, mac string, usernames, groupNames []string) error {
	op := newOperation(e.logger, "remove_owners", "mac", mac, "user", p.User.Username)

	return e.inTx(ctx, op, func(s *scope) error {
		host, userIDs, groupIDs, err := s.ownerChange(ctx, op, p, mac, usernames, groupNames)
		if err != nil {
			return err
		}

		obj := domain.HostRef(host.MAC)
		for _, id := range userIDs {
			if err := s.owners.RemoveOwner(ctx, obj, domain.KindUser, id); err != nil {
				return err
			}
		}
		for _, id := range groupIDs {
			if err := s.owners.RemoveOwner(ctx, obj, domain.KindGroup, id); err != nil {
				return err
			}
		}

		remaining, err := s.owners.Owners(ctx, obj)
		if err != nil {
			return err
		}
		if remaining.Empty() {
			return domain.NewValidationError("owners", "host %s must keep at least one owner", host.MAC)
		}
		return nil
	})
}

func (s *scope) ownerChange(ctx context.Context, op *operation, p domain.Principal, mac string, usernames, groupNames []string) (domain.Host, []int64, []int64, error) {
	normalized, err := domain.NormalizeMAC(mac)
	if err != nil {
		return domain.Host{}, nil, nil, err
	}
	if len(usernames) == 0 && len(groupNames) == 0 {
		return domain.Host{}, nil, nil, domain.NewValidationError("owners", "no owners given")
	}
	host, err := s.lockHost(ctx, normalized)
	if err != nil {
		return domain.Host{}, nil, nil, err
	}
	userIDs, groupIDs, err := s.resolveOwners(ctx, usernames, groupNames)
	if err != nil {
		return domain.Host{}, nil, nil, err
	}

	op.enter(StateAuthorizing)
	if err := s.requireChange(ctx, p, host); err != nil {
		return domain.Host{}, nil, nil, err
	}
	op.enter(StateGrantingOwnership)
	return host, userIDs, groupIDs, nil
}
