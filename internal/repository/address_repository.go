package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/jbweber/homelab/ipam/internal/datastore"
	"github.com/jbweber/homelab/ipam/internal/domain"
)

// CandidateQuery narrows the search for the lowest assignable address
type CandidateQuery struct {
	// Network restricts candidates to a single network when set
	Network string
	// Networks restricts candidates to a set of networks when non-nil
	Networks []string
	// Pool restricts candidates to a single pool when set
	Pool string
	// RestrictPools limits candidates to pool NULL or one of AllowedPools
	RestrictPools bool
	AllowedPools  []string
	// Exclude skips addresses already lost to concurrent writers
	Exclude []netip.Addr
}

// AddressRepository defines domain-specific operations for addresses
type AddressRepository interface {
	Repository[domain.Address, netip.Addr]
	CreateBatch(ctx context.Context, addresses []domain.Address) error
	FindByIDForUpdate(ctx context.Context, addr netip.Addr) (domain.Address, error)
	FindByHost(ctx context.Context, mac string) ([]domain.Address, error)
	FindByNetwork(ctx context.Context, network string) ([]domain.Address, error)
	NextCandidate(ctx context.Context, query CandidateQuery) (domain.Address, error)
	Bind(ctx context.Context, addr netip.Addr, mac string, changedBy int64, now time.Time) (bool, error)
	Release(ctx context.Context, addr netip.Addr, pool string, changedBy int64, now time.Time) error
	IsAbandoned(ctx context.Context, addr netip.Addr) (bool, error)
}

// addressRepositoryImpl implements AddressRepository
type addressRepositoryImpl struct {
	q datastore.Querier
}

// NewAddressRepository creates a new address repository
func NewAddressRepository(q datastore.Querier) AddressRepository {
	return &addressRepositoryImpl{q: q}
}

const addressColumns = `address, network, pool, host, reserved, changed, changed_by`

func scanAddress(row rowScanner) (domain.Address, error) {
	var (
		a    domain.Address
		ip   string
		pool sql.NullString
		host sql.NullString
	)
	if err := row.Scan(&ip, &a.Network, &pool, &host, &a.Reserved, &a.Changed, &a.ChangedBy); err != nil {
		return domain.Address{}, err
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return domain.Address{}, fmt.Errorf("invalid stored address %q: %w", ip, err)
	}
	a.Address = addr
	a.Pool = pool.String
	a.HostMAC = host.String
	return a, nil
}

// Save creates or updates an address
func (r *addressRepositoryImpl) Save(ctx context.Context, a domain.Address) (domain.Address, error) {
	if !a.Address.IsValid() || a.Network == "" {
		return domain.Address{}, fmt.Errorf("address and network are required: %w", ErrInvalidEntity)
	}
	a.Address = a.Address.Unmap()
	a.Changed = a.Changed.UTC()

	result, err := r.q.ExecContext(ctx, `
		UPDATE addresses
		SET network = ?, pool = ?, host = ?, reserved = ?, changed = ?, changed_by = ?
		WHERE address = ?`,
		a.Network, nullString(a.Pool), nullString(a.HostMAC), a.Reserved, a.Changed, a.ChangedBy, a.Address.String())
	if err != nil {
		return domain.Address{}, fmt.Errorf("failed to update address: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return domain.Address{}, fmt.Errorf("failed to get rows affected: %w", err)
	} else if n > 0 {
		return a, nil
	}

	if err := r.CreateBatch(ctx, []domain.Address{a}); err != nil {
		return domain.Address{}, err
	}
	return a, nil
}

// CreateBatch inserts new addresses, chunked to stay under parameter limits
func (r *addressRepositoryImpl) CreateBatch(ctx context.Context, addresses []domain.Address) error {
	const (
		columnsPerRow = 8
		rowsPerInsert = 100
	)

	for start := 0; start < len(addresses); start += rowsPerInsert {
		end := min(start+rowsPerInsert, len(addresses))
		chunk := addresses[start:end]

		values := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*columnsPerRow)
		for _, a := range chunk {
			addr := a.Address.Unmap()
			values = append(values, "("+placeholders(columnsPerRow)+")")
			args = append(args, addr.String(), domain.AddressKey(addr), a.Network, nullString(a.Pool),
				nullString(a.HostMAC), a.Reserved, a.Changed.UTC(), a.ChangedBy)
		}

		query := `INSERT INTO addresses (address, address_key, network, pool, host, reserved, changed, changed_by) VALUES ` +
			strings.Join(values, ", ")
		if _, err := r.q.ExecContext(ctx, query, args...); err != nil {
			if isDuplicateError(err) {
				return fmt.Errorf("address already exists: %w", ErrDuplicate)
			}
			return fmt.Errorf("failed to create addresses: %w", err)
		}
	}
	return nil
}

// FindByID finds an address
func (r *addressRepositoryImpl) FindByID(ctx context.Context, addr netip.Addr) (domain.Address, error) {
	a, err := queryOne(ctx, r.q, scanAddress,
		`SELECT `+addressColumns+` FROM addresses WHERE address = ?`, addr.Unmap().String())
	if err != nil && !errors.Is(err, ErrNotFound) {
		return domain.Address{}, fmt.Errorf("failed to find address: %w", err)
	}
	return a, err
}

// FindByIDForUpdate finds an address and locks its row until the transaction ends
func (r *addressRepositoryImpl) FindByIDForUpdate(ctx context.Context, addr netip.Addr) (domain.Address, error) {
	query := `SELECT ` + addressColumns + ` FROM addresses WHERE address = ?` + datastore.ForUpdate(r.q.Dialect())
	a, err := queryOne(ctx, r.q, scanAddress, query, addr.Unmap().String())
	if err != nil && !errors.Is(err, ErrNotFound) {
		return domain.Address{}, fmt.Errorf("failed to lock address: %w", err)
	}
	return a, err
}

// FindAll finds all addresses in numeric order
func (r *addressRepositoryImpl) FindAll(ctx context.Context) ([]domain.Address, error) {
	addresses, err := queryList(ctx, r.q, scanAddress,
		`SELECT `+addressColumns+` FROM addresses ORDER BY address_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to find addresses: %w", err)
	}
	return addresses, nil
}

// FindByHost finds the addresses bound to a host in numeric order
func (r *addressRepositoryImpl) FindByHost(ctx context.Context, mac string) ([]domain.Address, error) {
	addresses, err := queryList(ctx, r.q, scanAddress,
		`SELECT `+addressColumns+` FROM addresses WHERE host = ? ORDER BY address_key`, mac)
	if err != nil {
		return nil, fmt.Errorf("failed to find addresses for host: %w", err)
	}
	return addresses, nil
}

// FindByNetwork finds the addresses of a network in numeric order
func (r *addressRepositoryImpl) FindByNetwork(ctx context.Context, network string) ([]domain.Address, error) {
	addresses, err := queryList(ctx, r.q, scanAddress,
		`SELECT `+addressColumns+` FROM addresses WHERE network = ? ORDER BY address_key`, network)
	if err != nil {
		return nil, fmt.Errorf("failed to find addresses for network: %w", err)
	}
	return addresses, nil
}

// NextCandidate returns the numerically lowest assignable address matching
// the query, locking it on dialects that support row locks. Returns
// ErrNotFound when nothing matches.
func (r *addressRepositoryImpl) NextCandidate(ctx context.Context, cq CandidateQuery) (domain.Address, error) {
	var (
		where = []string{
			"a.reserved = ?",
			"a.host IS NULL",
			"NOT EXISTS (SELECT 1 FROM leases l WHERE l.address = a.address AND l.abandoned = ?)",
		}
		args = []any{false, true}
	)

	if cq.Network != "" {
		where = append(where, "a.network = ?")
		args = append(args, cq.Network)
	}
	if cq.Networks != nil {
		if len(cq.Networks) == 0 {
			return domain.Address{}, ErrNotFound
		}
		where = append(where, "a.network IN ("+placeholders(len(cq.Networks))+")")
		for _, n := range cq.Networks {
			args = append(args, n)
		}
	}
	if cq.Pool != "" {
		where = append(where, "a.pool = ?")
		args = append(args, cq.Pool)
	}
	if cq.RestrictPools {
		if len(cq.AllowedPools) == 0 {
			where = append(where, "a.pool IS NULL")
		} else {
			where = append(where, "(a.pool IS NULL OR a.pool IN ("+placeholders(len(cq.AllowedPools))+"))")
			for _, p := range cq.AllowedPools {
				args = append(args, p)
			}
		}
	}
	if len(cq.Exclude) > 0 {
		where = append(where, "a.address NOT IN ("+placeholders(len(cq.Exclude))+")")
		for _, addr := range cq.Exclude {
			args = append(args, addr.Unmap().String())
		}
	}

	query := `SELECT a.address, a.network, a.pool, a.host, a.reserved, a.changed, a.changed_by
		FROM addresses a
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY a.address_key
		LIMIT 1` + datastore.ForUpdateSkipLocked(r.q.Dialect())

	a, err := queryOne(ctx, r.q, scanAddress, query, args...)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return domain.Address{}, fmt.Errorf("failed to find candidate address: %w", err)
	}
	return a, err
}

// Bind assigns a free address to a host, clearing its pool. It reports false
// when the address was taken or reserved in the meantime.
func (r *addressRepositoryImpl) Bind(ctx context.Context, addr netip.Addr, mac string, changedBy int64, now time.Time) (bool, error) {
	result, err := r.q.ExecContext(ctx, `
		UPDATE addresses
		SET host = ?, pool = NULL, changed = ?, changed_by = ?
		WHERE address = ? AND host IS NULL AND reserved = ?`,
		mac, now.UTC(), changedBy, addr.Unmap().String(), false)
	if err != nil {
		return false, fmt.Errorf("failed to bind address: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// Release unbinds an address and returns it to the given pool, or to no
// pool when pool is empty
func (r *addressRepositoryImpl) Release(ctx context.Context, addr netip.Addr, pool string, changedBy int64, now time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE addresses
		SET host = NULL, pool = ?, changed = ?, changed_by = ?
		WHERE address = ?`,
		nullString(pool), now.UTC(), changedBy, addr.Unmap().String())
	if err != nil {
		return fmt.Errorf("failed to release address: %w", err)
	}
	return nil
}

// IsAbandoned reports whether the DHCP server marked the address abandoned
func (r *addressRepositoryImpl) IsAbandoned(ctx context.Context, addr netip.Addr) (bool, error) {
	ok, err := exists(ctx, r.q, `SELECT COUNT(*) FROM leases WHERE address = ? AND abandoned = ?`,
		addr.Unmap().String(), true)
	if err != nil {
		return false, fmt.Errorf("failed to check lease state: %w", err)
	}
	return ok, nil
}

// DeleteByID deletes an address
func (r *addressRepositoryImpl) DeleteByID(ctx context.Context, addr netip.Addr) error {
	if err := deleteOne(ctx, r.q, `DELETE FROM addresses WHERE address = ?`, addr.Unmap().String()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to delete address: %w", err)
	}
	return nil
}

// ExistsByID checks if an address exists
func (r *addressRepositoryImpl) ExistsByID(ctx context.Context, addr netip.Addr) (bool, error) {
	ok, err := exists(ctx, r.q, `SELECT COUNT(*) FROM addresses WHERE address = ?`, addr.Unmap().String())
	if err != nil {
		return false, fmt.Errorf("failed to check address existence: %w", err)
	}
	return ok, nil
}
