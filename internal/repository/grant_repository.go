package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jbweber/homelab/ipam/internal/datastore"
	"github.com/jbweber/homelab/ipam/internal/domain"
)

// GrantRepository stores per-object grants and global role grants
type GrantRepository interface {
	Add(ctx context.Context, g domain.Grant, changedBy int64, now time.Time) error
	Remove(ctx context.Context, g domain.Grant) error
	RemoveByCapability(ctx context.Context, obj domain.ObjectRef, capability domain.Capability) error
	RemoveObject(ctx context.Context, obj domain.ObjectRef) error
	FindByObject(ctx context.Context, obj domain.ObjectRef) ([]domain.Grant, error)
	FindForObject(ctx context.Context, userID int64, groupIDs []int64, obj domain.ObjectRef) ([]domain.Grant, error)
	FindForPrincipal(ctx context.Context, userID int64, groupIDs []int64, objectType domain.ObjectType) ([]domain.Grant, error)

	AddRole(ctx context.Context, rg domain.RoleGrant) error
	RemoveRole(ctx context.Context, rg domain.RoleGrant) error
	FindRolesForPrincipal(ctx context.Context, userID int64, groupIDs []int64, objectType domain.ObjectType) ([]domain.RoleGrant, error)
}

// grantRepositoryImpl implements GrantRepository
type grantRepositoryImpl struct {
	q datastore.Querier
}

// NewGrantRepository creates a new grant repository
func NewGrantRepository(q datastore.Querier) GrantRepository {
	return &grantRepositoryImpl{q: q}
}

const grantColumns = `principal_kind, principal_id, object_type, object_id, capability`

func scanGrant(row rowScanner) (domain.Grant, error) {
	var g domain.Grant
	var kind, objType, capability string
	if err := row.Scan(&kind, &g.PrincipalID, &objType, &g.Object.ID, &capability); err != nil {
		return domain.Grant{}, err
	}
	g.Kind = domain.PrincipalKind(kind)
	g.Object.Type = domain.ObjectType(objType)
	g.Capability = domain.Capability(capability)
	return g, nil
}

func scanRoleGrant(row rowScanner) (domain.RoleGrant, error) {
	var rg domain.RoleGrant
	var kind, objType, capability string
	if err := row.Scan(&kind, &rg.PrincipalID, &objType, &capability); err != nil {
		return domain.RoleGrant{}, err
	}
	rg.Kind = domain.PrincipalKind(kind)
	rg.ObjectType = domain.ObjectType(objType)
	rg.Capability = domain.Capability(capability)
	return rg, nil
}

// principalFilter matches rows held by the user directly or by any of its groups
func principalFilter(userID int64, groupIDs []int64) (string, []any) {
	args := []any{string(domain.KindUser), userID}
	if len(groupIDs) == 0 {
		return "(principal_kind = ? AND principal_id = ?)", args
	}

	args = append(args, string(domain.KindGroup))
	for _, id := range groupIDs {
		args = append(args, id)
	}
	return "((principal_kind = ? AND principal_id = ?) OR (principal_kind = ? AND principal_id IN (" +
		placeholders(len(groupIDs)) + ")))", args
}

func validGrant(g domain.Grant) error {
	if g.Kind != domain.KindUser && g.Kind != domain.KindGroup {
		return fmt.Errorf("unknown principal kind %q: %w", g.Kind, ErrInvalidEntity)
	}
	if !g.Object.Type.Valid() || g.Object.ID == "" {
		return fmt.Errorf("invalid grant object %s: %w", g.Object, ErrInvalidEntity)
	}
	if !g.Capability.Valid() {
		return fmt.Errorf("unknown capability %q: %w", g.Capability, ErrInvalidEntity)
	}
	return nil
}

// Add stores a grant. Adding an existing grant is a no-op.
func (r *grantRepositoryImpl) Add(ctx context.Context, g domain.Grant, changedBy int64, now time.Time) error {
	if err := validGrant(g); err != nil {
		return err
	}

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO grants (`+grantColumns+`, changed, changed_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (`+grantColumns+`) DO NOTHING`,
		string(g.Kind), g.PrincipalID, string(g.Object.Type), g.Object.ID, string(g.Capability), now.UTC(), changedBy)
	if err != nil {
		return fmt.Errorf("failed to add grant: %w", err)
	}
	return nil
}

// Remove deletes a grant. Removing a missing grant is a no-op.
func (r *grantRepositoryImpl) Remove(ctx context.Context, g domain.Grant) error {
	_, err := r.q.ExecContext(ctx, `
		DELETE FROM grants
		WHERE principal_kind = ? AND principal_id = ? AND object_type = ? AND object_id = ? AND capability = ?`,
		string(g.Kind), g.PrincipalID, string(g.Object.Type), g.Object.ID, string(g.Capability))
	if err != nil {
		return fmt.Errorf("failed to remove grant: %w", err)
	}
	return nil
}

// RemoveByCapability deletes every grant of one capability on an object
func (r *grantRepositoryImpl) RemoveByCapability(ctx context.Context, obj domain.ObjectRef, capability domain.Capability) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM grants WHERE object_type = ? AND object_id = ? AND capability = ?`,
		string(obj.Type), obj.ID, string(capability))
	if err != nil {
		return fmt.Errorf("failed to remove grants: %w", err)
	}
	return nil
}

// RemoveObject deletes every grant on an object
func (r *grantRepositoryImpl) RemoveObject(ctx context.Context, obj domain.ObjectRef) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM grants WHERE object_type = ? AND object_id = ?`,
		string(obj.Type), obj.ID)
	if err != nil {
		return fmt.Errorf("failed to remove object grants: %w", err)
	}
	return nil
}

// FindByObject lists every grant on an object
func (r *grantRepositoryImpl) FindByObject(ctx context.Context, obj domain.ObjectRef) ([]domain.Grant, error) {
	grants, err := queryList(ctx, r.q, scanGrant, `
		SELECT `+grantColumns+` FROM grants
		WHERE object_type = ? AND object_id = ?
		ORDER BY principal_kind, principal_id, capability`,
		string(obj.Type), obj.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to find object grants: %w", err)
	}
	return grants, nil
}

// FindForObject lists the grants the user or its groups hold on one object
func (r *grantRepositoryImpl) FindForObject(ctx context.Context, userID int64, groupIDs []int64, obj domain.ObjectRef) ([]domain.Grant, error) {
	filter, args := principalFilter(userID, groupIDs)
	args = append(args, string(obj.Type), obj.ID)

	grants, err := queryList(ctx, r.q, scanGrant, `
		SELECT `+grantColumns+` FROM grants
		WHERE `+filter+` AND object_type = ? AND object_id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find principal grants: %w", err)
	}
	return grants, nil
}

// FindForPrincipal lists the grants the user or its groups hold on every object of a type
func (r *grantRepositoryImpl) FindForPrincipal(ctx context.Context, userID int64, groupIDs []int64, objectType domain.ObjectType) ([]domain.Grant, error) {
	filter, args := principalFilter(userID, groupIDs)
	args = append(args, string(objectType))

	grants, err := queryList(ctx, r.q, scanGrant, `
		SELECT `+grantColumns+` FROM grants
		WHERE `+filter+` AND object_type = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find principal grants: %w", err)
	}
	return grants, nil
}

// AddRole stores a role grant. Adding an existing role grant is a no-op.
func (r *grantRepositoryImpl) AddRole(ctx context.Context, rg domain.RoleGrant) error {
	if err := validGrant(domain.Grant{
		Kind: rg.Kind, Object: domain.ObjectRef{Type: rg.ObjectType, ID: "*"}, Capability: rg.Capability,
	}); err != nil {
		return err
	}

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO role_grants (principal_kind, principal_id, object_type, capability)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (principal_kind, principal_id, object_type, capability) DO NOTHING`,
		string(rg.Kind), rg.PrincipalID, string(rg.ObjectType), string(rg.Capability))
	if err != nil {
		return fmt.Errorf("failed to add role grant: %w", err)
	}
	return nil
}

// RemoveRole deletes a role grant. Removing a missing role grant is a no-op.
func (r *grantRepositoryImpl) RemoveRole(ctx context.Context, rg domain.RoleGrant) error {
	_, err := r.q.ExecContext(ctx, `
		DELETE FROM role_grants
		WHERE principal_kind = ? AND principal_id = ? AND object_type = ? AND capability = ?`,
		string(rg.Kind), rg.PrincipalID, string(rg.ObjectType), string(rg.Capability))
	if err != nil {
		return fmt.Errorf("failed to remove role grant: %w", err)
	}
	return nil
}

// FindRolesForPrincipal lists the role grants the user or its groups hold for an object type
func (r *grantRepositoryImpl) FindRolesForPrincipal(ctx context.Context, userID int64, groupIDs []int64, objectType domain.ObjectType) ([]domain.RoleGrant, error) {
	filter, args := principalFilter(userID, groupIDs)
	args = append(args, string(objectType))

	roles, err := queryList(ctx, r.q, scanRoleGrant, `
		SELECT principal_kind, principal_id, object_type, capability FROM role_grants
		WHERE `+filter+` AND object_type = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find role grants: %w", err)
	}
	return roles, nil
}
