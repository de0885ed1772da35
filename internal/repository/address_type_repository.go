package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"

	"github.com/jbweber/homelab/ipam/internal/datastore"
	"github.com/jbweber/homelab/ipam/internal/domain"
)

// AddressTypeRepository defines domain-specific operations for address types
type AddressTypeRepository interface {
	Repository[domain.AddressType, int64]
	FindByName(ctx context.Context, name string) (domain.AddressType, error)
	FindDefault(ctx context.Context) (domain.AddressType, error)
}

// addressTypeRepositoryImpl implements AddressTypeRepository
type addressTypeRepositoryImpl struct {
	q datastore.Querier
}

// NewAddressTypeRepository creates a new address type repository
func NewAddressTypeRepository(q datastore.Querier) AddressTypeRepository {
	return &addressTypeRepositoryImpl{q: q}
}

const addressTypeColumns = `id, name, description, is_default, pool`

func scanAddressType(row rowScanner) (domain.AddressType, error) {
	var (
		at   domain.AddressType
		pool sql.NullString
	)
	if err := row.Scan(&at.ID, &at.Name, &at.Description, &at.IsDefault, &pool); err != nil {
		return domain.AddressType{}, err
	}
	at.Pool = pool.String
	return at, nil
}

// Save creates or updates an address type and replaces its ranges
func (r *addressTypeRepositoryImpl) Save(ctx context.Context, at domain.AddressType) (domain.AddressType, error) {
	if at.Name == "" {
		return domain.AddressType{}, fmt.Errorf("address type name is required: %w", ErrInvalidEntity)
	}

	if at.ID == 0 {
		err := r.q.QueryRowContext(ctx, `
			INSERT INTO address_types (name, description, is_default, pool)
			VALUES (?, ?, ?, ?) RETURNING id`,
			at.Name, at.Description, at.IsDefault, nullString(at.Pool)).Scan(&at.ID)
		if err != nil {
			if isDuplicateError(err) {
				return domain.AddressType{}, fmt.Errorf("address type %s: %w", at.Name, ErrDuplicate)
			}
			return domain.AddressType{}, fmt.Errorf("failed to create address type: %w", err)
		}
	} else {
		_, err := r.q.ExecContext(ctx, `
			UPDATE address_types SET name = ?, description = ?, is_default = ?, pool = ? WHERE id = ?`,
			at.Name, at.Description, at.IsDefault, nullString(at.Pool), at.ID)
		if err != nil {
			return domain.AddressType{}, fmt.Errorf("failed to update address type: %w", err)
		}
		if _, err := r.q.ExecContext(ctx, `DELETE FROM address_type_ranges WHERE address_type_id = ?`, at.ID); err != nil {
			return domain.AddressType{}, fmt.Errorf("failed to clear address type ranges: %w", err)
		}
	}

	for _, rng := range at.Ranges {
		_, err := r.q.ExecContext(ctx, `INSERT INTO address_type_ranges (address_type_id, cidr) VALUES (?, ?)`,
			at.ID, rng.Masked().String())
		if err != nil {
			return domain.AddressType{}, fmt.Errorf("failed to save address type range: %w", err)
		}
	}
	return at, nil
}

func (r *addressTypeRepositoryImpl) loadRanges(ctx context.Context, at *domain.AddressType) error {
	scan := func(row rowScanner) (netip.Prefix, error) {
		var cidr string
		if err := row.Scan(&cidr); err != nil {
			return netip.Prefix{}, err
		}
		return netip.ParsePrefix(cidr)
	}

	ranges, err := queryList(ctx, r.q, scan,
		`SELECT cidr FROM address_type_ranges WHERE address_type_id = ? ORDER BY cidr`, at.ID)
	if err != nil {
		return fmt.Errorf("failed to load address type ranges: %w", err)
	}
	at.Ranges = ranges
	return nil
}

func (r *addressTypeRepositoryImpl) findOne(ctx context.Context, where string, args ...any) (domain.AddressType, error) {
	at, err := queryOne(ctx, r.q, scanAddressType, `SELECT `+addressTypeColumns+` FROM address_types WHERE `+where, args...)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return domain.AddressType{}, err
		}
		return domain.AddressType{}, fmt.Errorf("failed to find address type: %w", err)
	}
	if err := r.loadRanges(ctx, &at); err != nil {
		return domain.AddressType{}, err
	}
	return at, nil
}

// FindByID finds an address type with its ranges
func (r *addressTypeRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.AddressType, error) {
	return r.findOne(ctx, "id = ?", id)
}

// FindByName finds an address type by name
func (r *addressTypeRepositoryImpl) FindByName(ctx context.Context, name string) (domain.AddressType, error) {
	return r.findOne(ctx, "name = ?", name)
}

// FindDefault finds the address type flagged as default
func (r *addressTypeRepositoryImpl) FindDefault(ctx context.Context) (domain.AddressType, error) {
	return r.findOne(ctx, "is_default = ? ORDER BY id LIMIT 1", true)
}

// FindAll finds all address types with their ranges
func (r *addressTypeRepositoryImpl) FindAll(ctx context.Context) ([]domain.AddressType, error) {
	types, err := queryList(ctx, r.q, scanAddressType, `SELECT `+addressTypeColumns+` FROM address_types ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to find address types: %w", err)
	}
	for i := range types {
		if err := r.loadRanges(ctx, &types[i]); err != nil {
			return nil, err
		}
	}
	return types, nil
}

// DeleteByID deletes an address type
func (r *addressTypeRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	if err := deleteOne(ctx, r.q, `DELETE FROM address_types WHERE id = ?`, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to delete address type: %w", err)
	}
	return nil
}

// ExistsByID checks if an address type exists
func (r *addressTypeRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	ok, err := exists(ctx, r.q, `SELECT COUNT(*) FROM address_types WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to check address type existence: %w", err)
	}
	return ok, nil
}
