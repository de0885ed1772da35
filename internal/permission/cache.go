package permission

import (
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/jbweber/homelab/ipam/internal/domain"
)

// Invalidator is notified when grants on objects of a type change
type Invalidator interface {
	InvalidateType(objectType domain.ObjectType)
}

// cacheKey carries the principal's group set, so a membership change
// reads through to the store instead of hitting the old entry
type cacheKey struct {
	userID     int64
	groups     string
	objectType domain.ObjectType
}

func keyFor(p domain.Principal, objectType domain.ObjectType) cacheKey {
	return cacheKey{userID: p.ID(), groups: groupFingerprint(p.GroupIDs), objectType: objectType}
}

// groupFingerprint renders group IDs in a canonical order
func groupFingerprint(ids []int64) string {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// principalGrants is everything one principal holds on one object type
type principalGrants struct {
	roles  []domain.Capability
	direct map[string][]domain.Capability
	group  map[string][]domain.Capability
}

// Cache holds per (principal, object type) grant sets between requests.
// Entries are dropped explicitly when grants change.
type Cache struct {
	mu      sync.RWMutex
	entries map[cacheKey]*principalGrants
}

// NewCache creates an empty permission cache
func NewCache() *Cache {
	return &Cache{entries: make(map[cacheKey]*principalGrants)}
}

// get returns the cached entry or fills it with load
func (c *Cache) get(key cacheKey, load func() (*principalGrants, error)) (*principalGrants, error) {
	c.mu.RLock()
	if e, ok := c.entries[key]; ok {
		c.mu.RUnlock()
		return e, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if e, ok := c.entries[key]; ok {
		return e, nil
	}

	e, err := load()
	if err != nil {
		return nil, err
	}
	c.entries[key] = e
	return e, nil
}

// Invalidate drops the entries of one user for one object type, whatever
// group set they were loaded under
func (c *Cache) Invalidate(userID int64, objectType domain.ObjectType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.userID == userID && key.objectType == objectType {
			delete(c.entries, key)
		}
	}
}

// InvalidateType drops every entry for an object type. Group grants reach
// an unknown set of users, so grant writes invalidate by type.
func (c *Cache) InvalidateType(objectType domain.ObjectType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.objectType == objectType {
			delete(c.entries, key)
		}
	}
}

func (c *Cache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Deferred collects invalidations raised inside a transaction so they can
// be applied once it commits
type Deferred struct {
	mu    sync.Mutex
	types map[domain.ObjectType]struct{}
	users map[cacheKey]struct{}
}

// InvalidateType records that grants on objectType changed
func (d *Deferred) InvalidateType(objectType domain.ObjectType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.types == nil {
		d.types = make(map[domain.ObjectType]struct{})
	}
	d.types[objectType] = struct{}{}
}

// InvalidateUser records that grants of one user on objectType changed
func (d *Deferred) InvalidateUser(userID int64, objectType domain.ObjectType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.users == nil {
		d.users = make(map[cacheKey]struct{})
	}
	d.users[cacheKey{userID: userID, objectType: objectType}] = struct{}{}
}

// Flush applies the recorded invalidations to c and forgets them
func (d *Deferred) Flush(c *Cache) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for t := range d.types {
		c.InvalidateType(t)
	}
	for key := range d.users {
		c.Invalidate(key.userID, key.objectType)
	}
	d.types = nil
	d.users = nil
}
