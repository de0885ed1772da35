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

// PoolRepository defines domain-specific operations for pools and the
// default pool mapping used on release
type PoolRepository interface {
	Repository[domain.Pool, string]
	SaveDefault(ctx context.Context, dp domain.DefaultPool) (domain.DefaultPool, error)
	FindDefaults(ctx context.Context) ([]domain.DefaultPool, error)
	DefaultFor(ctx context.Context, addr netip.Addr) (string, error)
}

// poolRepositoryImpl implements PoolRepository
type poolRepositoryImpl struct {
	q datastore.Querier
}

// NewPoolRepository creates a new pool repository
func NewPoolRepository(q datastore.Querier) PoolRepository {
	return &poolRepositoryImpl{q: q}
}

const poolColumns = `name, description, lease_time, assignable, dhcp_group, changed, changed_by`

func scanPool(row rowScanner) (domain.Pool, error) {
	var (
		p         domain.Pool
		dhcpGroup sql.NullString
	)
	if err := row.Scan(&p.Name, &p.Description, &p.LeaseTime, &p.Assignable, &dhcpGroup, &p.Changed, &p.ChangedBy); err != nil {
		return domain.Pool{}, err
	}
	p.DHCPGroup = dhcpGroup.String
	return p, nil
}

// Save creates or updates a pool
func (r *poolRepositoryImpl) Save(ctx context.Context, p domain.Pool) (domain.Pool, error) {
	if p.Name == "" {
		return domain.Pool{}, fmt.Errorf("pool name is required: %w", ErrInvalidEntity)
	}
	p.Changed = p.Changed.UTC()

	result, err := r.q.ExecContext(ctx, `
		UPDATE pools
		SET description = ?, lease_time = ?, assignable = ?, dhcp_group = ?, changed = ?, changed_by = ?
		WHERE name = ?`,
		p.Description, p.LeaseTime, p.Assignable, nullString(p.DHCPGroup), p.Changed, p.ChangedBy, p.Name)
	if err != nil {
		return domain.Pool{}, fmt.Errorf("failed to update pool: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return domain.Pool{}, fmt.Errorf("failed to get rows affected: %w", err)
	} else if n > 0 {
		return p, nil
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO pools (`+poolColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.Description, p.LeaseTime, p.Assignable, nullString(p.DHCPGroup), p.Changed, p.ChangedBy)
	if err != nil {
		if isDuplicateError(err) {
			return domain.Pool{}, fmt.Errorf("pool %s: %w", p.Name, ErrDuplicate)
		}
		return domain.Pool{}, fmt.Errorf("failed to create pool: %w", err)
	}
	return p, nil
}

// FindByID finds a pool by name
func (r *poolRepositoryImpl) FindByID(ctx context.Context, name string) (domain.Pool, error) {
	p, err := queryOne(ctx, r.q, scanPool, `SELECT `+poolColumns+` FROM pools WHERE name = ?`, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return domain.Pool{}, fmt.Errorf("failed to find pool: %w", err)
	}
	return p, err
}

// FindAll finds all pools
func (r *poolRepositoryImpl) FindAll(ctx context.Context) ([]domain.Pool, error) {
	pools, err := queryList(ctx, r.q, scanPool, `SELECT `+poolColumns+` FROM pools ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to find pools: %w", err)
	}
	return pools, nil
}

// DeleteByID deletes a pool by name
func (r *poolRepositoryImpl) DeleteByID(ctx context.Context, name string) error {
	if err := deleteOne(ctx, r.q, `DELETE FROM pools WHERE name = ?`, name); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to delete pool: %w", err)
	}
	return nil
}

// ExistsByID checks if a pool exists by name
func (r *poolRepositoryImpl) ExistsByID(ctx context.Context, name string) (bool, error) {
	ok, err := exists(ctx, r.q, `SELECT COUNT(*) FROM pools WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("failed to check pool existence: %w", err)
	}
	return ok, nil
}

// SaveDefault maps a CIDR to the pool released addresses inside it return to
func (r *poolRepositoryImpl) SaveDefault(ctx context.Context, dp domain.DefaultPool) (domain.DefaultPool, error) {
	if !dp.CIDR.IsValid() {
		return domain.DefaultPool{}, fmt.Errorf("default pool cidr is required: %w", ErrInvalidEntity)
	}

	err := r.q.QueryRowContext(ctx, `INSERT INTO default_pools (pool, cidr) VALUES (?, ?) RETURNING id`,
		nullString(dp.Pool), dp.CIDR.Masked().String()).Scan(&dp.ID)
	if err != nil {
		if isDuplicateError(err) {
			return domain.DefaultPool{}, fmt.Errorf("default pool for %s: %w", dp.CIDR, ErrDuplicate)
		}
		return domain.DefaultPool{}, fmt.Errorf("failed to create default pool: %w", err)
	}
	return dp, nil
}

// FindDefaults lists every default pool mapping
func (r *poolRepositoryImpl) FindDefaults(ctx context.Context) ([]domain.DefaultPool, error) {
	scan := func(row rowScanner) (domain.DefaultPool, error) {
		var (
			dp   domain.DefaultPool
			pool sql.NullString
			cidr string
		)
		if err := row.Scan(&dp.ID, &pool, &cidr); err != nil {
			return domain.DefaultPool{}, err
		}
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return domain.DefaultPool{}, fmt.Errorf("invalid stored cidr %q: %w", cidr, err)
		}
		dp.Pool = pool.String
		dp.CIDR = prefix
		return dp, nil
	}

	defaults, err := queryList(ctx, r.q, scan, `SELECT id, pool, cidr FROM default_pools ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to find default pools: %w", err)
	}
	return defaults, nil
}

// DefaultFor returns the pool of the most specific default pool mapping
// containing addr, or "" when none does
func (r *poolRepositoryImpl) DefaultFor(ctx context.Context, addr netip.Addr) (string, error) {
	defaults, err := r.FindDefaults(ctx)
	if err != nil {
		return "", err
	}

	best := -1
	pool := ""
	for _, dp := range defaults {
		if dp.CIDR.Contains(addr.Unmap()) && dp.CIDR.Bits() > best {
			best = dp.CIDR.Bits()
			pool = dp.Pool
		}
	}
	return pool, nil
}
