package permission

import (
	"context"
	"fmt"
	"slices"

	"github.com/jbweber/homelab/ipam/internal/domain"
)

// GrantSource reads stored grants. repository.GrantRepository satisfies it.
type GrantSource interface {
	FindForObject(ctx context.Context, userID int64, groupIDs []int64, obj domain.ObjectRef) ([]domain.Grant, error)
	FindForPrincipal(ctx context.Context, userID int64, groupIDs []int64, objectType domain.ObjectType) ([]domain.Grant, error)
	FindRolesForPrincipal(ctx context.Context, userID int64, groupIDs []int64, objectType domain.ObjectType) ([]domain.RoleGrant, error)
}

// Resolver answers authorization questions. It never writes.
type Resolver struct {
	grants GrantSource
	cache  *Cache
}

// NewResolver creates a resolver over grants. A nil cache reads the
// store on every call, which is what a resolver bound to an open
// transaction must do.
func NewResolver(grants GrantSource, cache *Cache) *Resolver {
	return &Resolver{grants: grants, cache: cache}
}

// ObjectSet is the set of objects of one type a principal may act on
type ObjectSet struct {
	All bool // superuser or role grant: every object qualifies
	IDs []string
}

// Contains reports whether id is in the set
func (s ObjectSet) Contains(id string) bool {
	return s.All || slices.Contains(s.IDs, id)
}

// Authorize reports whether the principal holds the requested capabilities on obj
func (r *Resolver) Authorize(ctx context.Context, p domain.Principal, obj domain.ObjectRef, caps []domain.Capability, matchAny bool) (bool, error) {
	if p.IsAdmin || p.User.IsSuperuser {
		return true, nil
	}

	if r.cache != nil {
		entry, err := r.load(ctx, p, obj.Type)
		if err != nil {
			return false, err
		}
		return Evaluate(entry.roles, entry.direct[obj.ID], entry.group[obj.ID], caps, matchAny), nil
	}

	roles, err := r.roles(ctx, p, obj.Type)
	if err != nil {
		return false, err
	}
	grants, err := r.grants.FindForObject(ctx, p.ID(), p.GroupIDs, obj)
	if err != nil {
		return false, fmt.Errorf("failed to load grants for %s: %w", obj, err)
	}
	direct, group := split(grants)
	return Evaluate(roles, direct[obj.ID], group[obj.ID], caps, matchAny), nil
}

// Objects returns the objects of a type on which the principal holds any of caps
func (r *Resolver) Objects(ctx context.Context, p domain.Principal, objectType domain.ObjectType, caps []domain.Capability) (ObjectSet, error) {
	if p.IsAdmin || p.User.IsSuperuser {
		return ObjectSet{All: true}, nil
	}

	var entry *principalGrants
	var err error
	if r.cache != nil {
		entry, err = r.load(ctx, p, objectType)
	} else {
		entry, err = r.fetch(ctx, p, objectType)
	}
	if err != nil {
		return ObjectSet{}, err
	}

	if Evaluate(entry.roles, nil, nil, caps, true) {
		return ObjectSet{All: true}, nil
	}

	set := ObjectSet{IDs: []string{}}
	seen := map[string]bool{}
	for _, byObject := range []map[string][]domain.Capability{entry.direct, entry.group} {
		for id, held := range byObject {
			if !seen[id] && Evaluate(nil, held, nil, caps, true) {
				seen[id] = true
				set.IDs = append(set.IDs, id)
			}
		}
	}
	slices.Sort(set.IDs)
	return set, nil
}

func (r *Resolver) load(ctx context.Context, p domain.Principal, objectType domain.ObjectType) (*principalGrants, error) {
	return r.cache.get(keyFor(p, objectType), func() (*principalGrants, error) {
		return r.fetch(ctx, p, objectType)
	})
}

func (r *Resolver) fetch(ctx context.Context, p domain.Principal, objectType domain.ObjectType) (*principalGrants, error) {
	roles, err := r.roles(ctx, p, objectType)
	if err != nil {
		return nil, err
	}
	grants, err := r.grants.FindForPrincipal(ctx, p.ID(), p.GroupIDs, objectType)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s grants: %w", objectType, err)
	}
	direct, group := split(grants)
	return &principalGrants{roles: roles, direct: direct, group: group}, nil
}

func (r *Resolver) roles(ctx context.Context, p domain.Principal, objectType domain.ObjectType) ([]domain.Capability, error) {
	roleGrants, err := r.grants.FindRolesForPrincipal(ctx, p.ID(), p.GroupIDs, objectType)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s role grants: %w", objectType, err)
	}
	roles := make([]domain.Capability, 0, len(roleGrants))
	for _, rg := range roleGrants {
		roles = append(roles, rg.Capability)
	}
	return roles, nil
}

// split groups grants by object ID into the direct and group-inherited sets
func split(grants []domain.Grant) (direct, group map[string][]domain.Capability) {
	direct = make(map[string][]domain.Capability)
	group = make(map[string][]domain.Capability)
	for _, g := range grants {
		if g.Kind == domain.KindGroup {
			group[g.Object.ID] = append(group[g.Object.ID], g.Capability)
		} else {
			direct[g.Object.ID] = append(direct[g.Object.ID], g.Capability)
		}
	}
	return direct, group
}
