package domain

import (
	"fmt"
)

// ObjectType identifies the kind of object a grant applies to
type ObjectType string

const (
	ObjectHost    ObjectType = "host"
	ObjectNetwork ObjectType = "network"
	ObjectPool    ObjectType = "pool"
	ObjectDomain  ObjectType = "domain"
)

// Valid reports whether t is one of the known object types
func (t ObjectType) Valid() bool {
	switch t {
	case ObjectHost, ObjectNetwork, ObjectPool, ObjectDomain:
		return true
	}
	return false
}

// Capability is a permission name from a closed set
type Capability string

const (
	CapIsOwner    Capability = "is_owner"
	CapAddRecords Capability = "can_add_records"
	CapChange     Capability = "can_change"
)

// Valid reports whether c is one of the known capabilities
func (c Capability) Valid() bool {
	switch c {
	case CapIsOwner, CapAddRecords, CapChange:
		return true
	}
	return false
}

// ParseCapability converts a capability name, rejecting unknown values
func ParseCapability(s string) (Capability, error) {
	c := Capability(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown capability %q: %w", s, ErrValidation)
	}
	return c, nil
}

// Commonly checked capability sets
var (
	// DomainRecordCaps allow adding hosts under a domain
	DomainRecordCaps = []Capability{CapAddRecords, CapIsOwner}
	// NetworkAssignCaps allow binding addresses of a network
	NetworkAssignCaps = []Capability{CapAddRecords, CapIsOwner, CapChange}
	// PoolAssignCaps allow binding addresses of a pool
	PoolAssignCaps = []Capability{CapAddRecords, CapIsOwner, CapChange}
	// ChangeCaps allow modifying an existing object
	ChangeCaps = []Capability{CapIsOwner, CapChange}
)

// Tier orders principals for expiration choices
type Tier int

const (
	TierUser Tier = iota
	TierAdmin
)

// PrincipalKind distinguishes user grants from group grants
type PrincipalKind string

const (
	KindUser  PrincipalKind = "user"
	KindGroup PrincipalKind = "group"
)

// ObjectRef names a single object by type and identifier
type ObjectRef struct {
	Type ObjectType
	ID   string
}

func (r ObjectRef) String() string {
	return string(r.Type) + ":" + r.ID
}

// HostRef returns the reference for the host with the given MAC
func HostRef(mac string) ObjectRef { return ObjectRef{Type: ObjectHost, ID: mac} }

// NetworkRef returns the reference for the network with the given CIDR
func NetworkRef(cidr string) ObjectRef { return ObjectRef{Type: ObjectNetwork, ID: cidr} }

// PoolRef returns the reference for the named pool
func PoolRef(name string) ObjectRef { return ObjectRef{Type: ObjectPool, ID: name} }

// DomainRef returns the reference for the named domain
func DomainRef(name string) ObjectRef { return ObjectRef{Type: ObjectDomain, ID: name} }

// Grant is a stored (principal, object, capability) authorization fact
type Grant struct {
	Kind        PrincipalKind
	PrincipalID int64
	Object      ObjectRef
	Capability  Capability
}

// RoleGrant gives a principal a capability on every object of a type
type RoleGrant struct {
	Kind        PrincipalKind
	PrincipalID int64
	ObjectType  ObjectType
	Capability  Capability
}

// Principal is an acting user together with the groups it belongs to
type Principal struct {
	User     User
	GroupIDs []int64
	IsAdmin  bool // superuser or member of the administrative group
}

// ID returns the acting user's ID
func (p Principal) ID() int64 { return p.User.ID }

// Tier returns the effective permission tier of the principal
func (p Principal) Tier() Tier {
	if p.IsAdmin && p.User.Tier < TierAdmin {
		return TierAdmin
	}
	return p.User.Tier
}
