// Package permission answers whether a principal holds capabilities on an
// object, from superuser status, role grants, and direct or group grants.
package permission

import (
	"slices"

	"github.com/jbweber/homelab/ipam/internal/domain"
)

// Evaluate decides a request from three explicit capability sets: those the
// principal holds by role for the object's type, those granted directly, and
// those granted to any of its groups. With matchAny one requested capability
// suffices; otherwise every requested capability must be held.
func Evaluate(role, direct, group, requested []domain.Capability, matchAny bool) bool {
	if len(requested) == 0 {
		return false
	}

	held := func(c domain.Capability) bool {
		return slices.Contains(role, c) || slices.Contains(direct, c) || slices.Contains(group, c)
	}

	if matchAny {
		return slices.ContainsFunc(requested, held)
	}
	for _, c := range requested {
		if !held(c) {
			return false
		}
	}
	return true
}
