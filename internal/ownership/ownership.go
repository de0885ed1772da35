// Package ownership manages is_owner grants on hosts, networks, pools and
// domains. It never falls back to an implicit owner.
package ownership

import (
	"context"
	"fmt"
	"time"

	"github.com/jbweber/homelab/ipam/internal/domain"
	"github.com/jbweber/homelab/ipam/internal/permission"
	"github.com/jbweber/homelab/ipam/internal/repository"
)

// Owners is the set of principals holding is_owner on an object
type Owners struct {
	UserIDs  []int64
	GroupIDs []int64
}

// Empty reports whether nobody owns the object
func (o Owners) Empty() bool {
	return len(o.UserIDs) == 0 && len(o.GroupIDs) == 0
}

// Manager writes ownership grants
type Manager struct {
	grants      repository.GrantRepository
	invalidator permission.Invalidator
	now         func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithClock sets the time source for the changed stamp of new grants
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a manager. inv is told about every write and may be nil.
func New(grants repository.GrantRepository, inv permission.Invalidator, opts ...Option) *Manager {
	m := &Manager{
		grants:      grants,
		invalidator: inv,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func ownerGrant(obj domain.ObjectRef, kind domain.PrincipalKind, id int64) domain.Grant {
	return domain.Grant{Kind: kind, PrincipalID: id, Object: obj, Capability: domain.CapIsOwner}
}

func (m *Manager) invalidate(obj domain.ObjectRef) {
	if m.invalidator != nil {
		m.invalidator.InvalidateType(obj.Type)
	}
}

// SetOwners replaces the owners of obj with the given users and groups
func (m *Manager) SetOwners(ctx context.Context, obj domain.ObjectRef, userIDs, groupIDs []int64, changedBy int64) error {
	defer m.invalidate(obj)

	if err := m.grants.RemoveByCapability(ctx, obj, domain.CapIsOwner); err != nil {
		return fmt.Errorf("failed to clear owners of %s: %w", obj, err)
	}
	for _, id := range userIDs {
		if err := m.grants.Add(ctx, ownerGrant(obj, domain.KindUser, id), changedBy, m.now()); err != nil {
			return err
		}
	}
	for _, id := range groupIDs {
		if err := m.grants.Add(ctx, ownerGrant(obj, domain.KindGroup, id), changedBy, m.now()); err != nil {
			return err
		}
	}
	return nil
}

// RemoveAllOwners drops every is_owner grant on obj
func (m *Manager) RemoveAllOwners(ctx context.Context, obj domain.ObjectRef) error {
	defer m.invalidate(obj)

	if err := m.grants.RemoveByCapability(ctx, obj, domain.CapIsOwner); err != nil {
		return fmt.Errorf("failed to clear owners of %s: %w", obj, err)
	}
	return nil
}

// Forget drops every grant on obj, used when the object itself is deleted
func (m *Manager) Forget(ctx context.Context, obj domain.ObjectRef) error {
	defer m.invalidate(obj)
	return m.grants.RemoveObject(ctx, obj)
}

// AddOwner grants is_owner to one user or group
func (m *Manager) AddOwner(ctx context.Context, obj domain.ObjectRef, kind domain.PrincipalKind, id, changedBy int64) error {
	defer m.invalidate(obj)
	return m.grants.Add(ctx, ownerGrant(obj, kind, id), changedBy, m.now())
}

// RemoveOwner revokes is_owner from one user or group. A missing grant is not an error.
func (m *Manager) RemoveOwner(ctx context.Context, obj domain.ObjectRef, kind domain.PrincipalKind, id int64) error {
	defer m.invalidate(obj)
	return m.grants.Remove(ctx, ownerGrant(obj, kind, id))
}

// Owners lists the users and groups holding is_owner on obj
func (m *Manager) Owners(ctx context.Context, obj domain.ObjectRef) (Owners, error) {
	grants, err := m.grants.FindByObject(ctx, obj)
	if err != nil {
		return Owners{}, err
	}

	var o Owners
	for _, g := range grants {
		if g.Capability != domain.CapIsOwner {
			continue
		}
		if g.Kind == domain.KindGroup {
			o.GroupIDs = append(o.GroupIDs, g.PrincipalID)
		} else {
			o.UserIDs = append(o.UserIDs, g.PrincipalID)
		}
	}
	return o, nil
}
