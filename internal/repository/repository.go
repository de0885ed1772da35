package repository

import (
	"context"

	"github.com/jbweber/homelab/ipam/internal/datastore"
)

// Repository defines the basic CRUD operations for any entity type.
// This follows a similar pattern to Spring Data's Repository interface.
type Repository[T any, ID comparable] interface {
	// Save creates or updates an entity
	Save(ctx context.Context, entity T) (T, error)

	// FindByID retrieves an entity by its ID
	// Returns ErrNotFound if the entity doesn't exist
	FindByID(ctx context.Context, id ID) (T, error)

	// FindAll retrieves all entities
	FindAll(ctx context.Context) ([]T, error)

	// DeleteByID deletes an entity by its ID
	// Returns ErrNotFound if the entity doesn't exist
	DeleteByID(ctx context.Context, id ID) error

	// ExistsByID checks if an entity exists by its ID
	ExistsByID(ctx context.Context, id ID) (bool, error)
}

// Repositories bundles every repository over one querier, so a transaction
// can hand a consistent set to the components it drives.
type Repositories struct {
	Hosts           HostRepository
	Addresses       AddressRepository
	Networks        NetworkRepository
	Pools           PoolRepository
	AddressTypes    AddressTypeRepository
	Domains         DomainRepository
	DNSRecords      DNSRecordRepository
	Grants          GrantRepository
	Users           UserRepository
	ExpirationTypes ExpirationTypeRepository
	Leases          LeaseRepository
	DisabledHosts   DisabledHostRepository
	Attributes      AttributeRepository
}

// NewRepositories creates every repository over q
func NewRepositories(q datastore.Querier) *Repositories {
	return &Repositories{
		Hosts:           NewHostRepository(q),
		Addresses:       NewAddressRepository(q),
		Networks:        NewNetworkRepository(q),
		Pools:           NewPoolRepository(q),
		AddressTypes:    NewAddressTypeRepository(q),
		Domains:         NewDomainRepository(q),
		DNSRecords:      NewDNSRecordRepository(q),
		Grants:          NewGrantRepository(q),
		Users:           NewUserRepository(q),
		ExpirationTypes: NewExpirationTypeRepository(q),
		Leases:          NewLeaseRepository(q),
		DisabledHosts:   NewDisabledHostRepository(q),
		Attributes:      NewAttributeRepository(q),
	}
}
