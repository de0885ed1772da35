package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/jbweber/homelab/ipam/internal/domain"
	"github.com/jbweber/homelab/ipam/internal/repository"
)

func requireAdmin(p domain.Principal, action string) error {
	if !p.IsAdmin {
		return fmt.Errorf("%s requires an administrator: %w", action, domain.ErrPermissionDenied)
	}
	return nil
}

// DisableHost blocks a MAC from registration and change by anyone but
// administrators. The MAC need not be registered.
func (e *Engine) DisableHost(ctx context.Context, p domain.Principal, mac, reason string) (domain.DisabledHost, error) {
	op := newOperation(e.logger, "disable_host", "mac", mac, "user", p.User.Username)

	var disabled domain.DisabledHost
	err := e.inTx(ctx, op, func(s *scope) error {
		normalized, err := domain.NormalizeMAC(mac)
		if err != nil {
			return err
		}
		op.enter(StateAuthorizing)
		if err := requireAdmin(p, "disabling hosts"); err != nil {
			return err
		}
		disabled, err = s.repos.DisabledHosts.Save(ctx, domain.DisabledHost{
			MAC:       normalized,
			Reason:    reason,
			Changed:   s.now,
			ChangedBy: p.ID(),
		})
		return err
	})
	if err != nil {
		return domain.DisabledHost{}, err
	}
	return disabled, nil
}

// EnableHost lifts a block placed by DisableHost
func (e *Engine) EnableHost(ctx context.Context, p domain.Principal, mac string) error {
	op := newOperation(e.logger, "enable_host", "mac", mac, "user", p.User.Username)

	return e.inTx(ctx, op, func(s *scope) error {
		normalized, err := domain.NormalizeMAC(mac)
		if err != nil {
			return err
		}
		op.enter(StateAuthorizing)
		if err := requireAdmin(p, "enabling hosts"); err != nil {
			return err
		}
		if err := s.repos.DisabledHosts.DeleteByID(ctx, normalized); err != nil {
			return fmt.Errorf("disabled host %s: %w", normalized, err)
		}
		return nil
	})
}

// ListDisabled lists disabled MACs, most recent first. Administrators only.
func (e *Engine) ListDisabled(ctx context.Context, p domain.Principal) ([]domain.DisabledHost, error) {
	if err := requireAdmin(p, "listing disabled hosts"); err != nil {
		return nil, err
	}
	return repository.NewDisabledHostRepository(e.ds.Querier()).FindAll(ctx)
}

// DefineAttribute creates or redefines a host attribute. Administrators only.
func (e *Engine) DefineAttribute(ctx context.Context, p domain.Principal, a domain.Attribute) (domain.Attribute, error) {
	op := newOperation(e.logger, "define_attribute", "attribute", a.Name, "user", p.User.Username)

	var saved domain.Attribute
	err := e.inTx(ctx, op, func(s *scope) error {
		if a.Name == "" {
			return domain.NewValidationError("name", "attribute name is required")
		}
		if a.Structured && len(a.Choices) == 0 {
			return domain.NewValidationError("choices", "a structured attribute needs at least one choice")
		}
		op.enter(StateAuthorizing)
		if err := requireAdmin(p, "defining attributes"); err != nil {
			return err
		}

		current, err := s.repos.Attributes.FindByName(ctx, a.Name)
		switch {
		case err == nil:
			a.ID = current.ID
		case !errors.Is(err, repository.ErrNotFound):
			return err
		}
		saved, err = s.repos.Attributes.Save(ctx, a)
		return err
	})
	if err != nil {
		return domain.Attribute{}, err
	}
	return saved, nil
}

// ListAttributes lists attribute definitions with their choices
func (e *Engine) ListAttributes(ctx context.Context) ([]domain.Attribute, error) {
	return repository.NewAttributeRepository(e.ds.Querier()).FindAll(ctx)
}

// HostAttributes lists the attribute values set on a host
func (e *Engine) HostAttributes(ctx context.Context, mac string) ([]domain.HostAttribute, error) {
	normalized, err := domain.NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}
	repos := repository.NewRepositories(e.ds.Querier())
	if ok, err := repos.Hosts.ExistsByID(ctx, normalized); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("host %s: %w", normalized, repository.ErrNotFound)
	}
	return repos.Attributes.FindForHost(ctx, normalized)
}

// RoleRequest names a role grant by user or group name
type RoleRequest struct {
	User       string
	Group      string
	ObjectType domain.ObjectType
	Capability domain.Capability
}

// GrantRole gives a user or group a capability on every object of a type.
// Administrators only.
func (e *Engine) GrantRole(ctx context.Context, p domain.Principal, req RoleRequest) error {
	return e.changeRole(ctx, p, req, "grant_role", func(s *scope, rg domain.RoleGrant) error {
		return s.repos.Grants.AddRole(ctx, rg)
	})
}

// RevokeRole removes a role grant. Revoking a missing grant is not an error.
func (e *Engine) RevokeRole(ctx context.Context, p domain.Principal, req RoleRequest) error {
	return e.changeRole(ctx, p, req, "revoke_role", func(s *scope, rg domain.RoleGrant) error {
		return s.repos.Grants.RemoveRole(ctx, rg)
	})
}

func (e *Engine) changeRole(ctx context.Context, p domain.Principal, req RoleRequest, name string, write func(*scope, domain.RoleGrant) error) error {
	op := newOperation(e.logger, name, "object_type", req.ObjectType, "capability", req.Capability, "user", p.User.Username)

	return e.inTx(ctx, op, func(s *scope) error {
		if !req.ObjectType.Valid() {
			return domain.NewValidationError("object_type", "unknown object type %q", req.ObjectType)
		}
		if !req.Capability.Valid() {
			return domain.NewValidationError("capability", "unknown capability %q", req.Capability)
		}
		if (req.User == "") == (req.Group == "") {
			return domain.NewValidationError("principal", "give exactly one of user and group")
		}

		op.enter(StateAuthorizing)
		if err := requireAdmin(p, "changing roles"); err != nil {
			return err
		}

		var users, groups []string
		if req.User != "" {
			users = []string{req.User}
		} else {
			groups = []string{req.Group}
		}
		userIDs, groupIDs, err := s.resolveOwners(ctx, users, groups)
		if err != nil {
			return err
		}

		op.enter(StateGrantingOwnership)
		rg := domain.RoleGrant{ObjectType: req.ObjectType, Capability: req.Capability}
		if len(userIDs) > 0 {
			rg.Kind, rg.PrincipalID = domain.KindUser, userIDs[0]
		} else {
			rg.Kind, rg.PrincipalID = domain.KindGroup, groupIDs[0]
		}
		if err := write(s, rg); err != nil {
			return err
		}

		// A group grant reaches users the cache cannot enumerate
		if rg.Kind == domain.KindUser {
			s.pending.InvalidateUser(rg.PrincipalID, rg.ObjectType)
		} else {
			s.pending.InvalidateType(rg.ObjectType)
		}
		return nil
	})
}
