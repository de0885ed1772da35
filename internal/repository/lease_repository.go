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

// LeaseRepository defines operations for DHCP leases written by the DHCP server
type LeaseRepository interface {
	Repository[domain.Lease, netip.Addr]
	FindByMAC(ctx context.Context, mac string) ([]domain.Lease, error)
}

// leaseRepositoryImpl implements LeaseRepository
type leaseRepositoryImpl struct {
	q datastore.Querier
}

// NewLeaseRepository creates a new lease repository
func NewLeaseRepository(q datastore.Querier) LeaseRepository {
	return &leaseRepositoryImpl{q: q}
}

const leaseColumns = `address, mac, abandoned, server, starts, ends`

func scanLease(row rowScanner) (domain.Lease, error) {
	var (
		l   domain.Lease
		ip  string
		mac sql.NullString
	)
	if err := row.Scan(&ip, &mac, &l.Abandoned, &l.Server, &l.Starts, &l.Ends); err != nil {
		return domain.Lease{}, err
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return domain.Lease{}, fmt.Errorf("invalid stored lease address %q: %w", ip, err)
	}
	l.Address = addr
	l.MAC = mac.String
	return l, nil
}

// Save creates or replaces the lease on an address
func (r *leaseRepositoryImpl) Save(ctx context.Context, l domain.Lease) (domain.Lease, error) {
	if !l.Address.IsValid() {
		return domain.Lease{}, fmt.Errorf("lease address is required: %w", ErrInvalidEntity)
	}
	l.Address = l.Address.Unmap()

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO leases (`+leaseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (address) DO UPDATE
		SET mac = excluded.mac, abandoned = excluded.abandoned, server = excluded.server,
			starts = excluded.starts, ends = excluded.ends`,
		l.Address.String(), nullString(l.MAC), l.Abandoned, l.Server, l.Starts.UTC(), l.Ends.UTC())
	if err != nil {
		return domain.Lease{}, fmt.Errorf("failed to save lease: %w", err)
	}
	return l, nil
}

// FindByID finds the lease on an address
func (r *leaseRepositoryImpl) FindByID(ctx context.Context, addr netip.Addr) (domain.Lease, error) {
	l, err := queryOne(ctx, r.q, scanLease, `SELECT `+leaseColumns+` FROM leases WHERE address = ?`, addr.Unmap().String())
	if err != nil && !errors.Is(err, ErrNotFound) {
		return domain.Lease{}, fmt.Errorf("failed to find lease: %w", err)
	}
	return l, err
}

// FindByMAC finds every lease held by a MAC
func (r *leaseRepositoryImpl) FindByMAC(ctx context.Context, mac string) ([]domain.Lease, error) {
	leases, err := queryList(ctx, r.q, scanLease, `SELECT `+leaseColumns+` FROM leases WHERE mac = ? ORDER BY ends DESC`, mac)
	if err != nil {
		return nil, fmt.Errorf("failed to find leases: %w", err)
	}
	return leases, nil
}

// FindAll finds all leases
func (r *leaseRepositoryImpl) FindAll(ctx context.Context) ([]domain.Lease, error) {
	leases, err := queryList(ctx, r.q, scanLease, `SELECT `+leaseColumns+` FROM leases ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("failed to find leases: %w", err)
	}
	return leases, nil
}

// DeleteByID deletes the lease on an address
func (r *leaseRepositoryImpl) DeleteByID(ctx context.Context, addr netip.Addr) error {
	if err := deleteOne(ctx, r.q, `DELETE FROM leases WHERE address = ?`, addr.Unmap().String()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to delete lease: %w", err)
	}
	return nil
}

// ExistsByID checks if an address has a lease
func (r *leaseRepositoryImpl) ExistsByID(ctx context.Context, addr netip.Addr) (bool, error) {
	ok, err := exists(ctx, r.q, `SELECT COUNT(*) FROM leases WHERE address = ?`, addr.Unmap().String())
	if err != nil {
		return false, fmt.Errorf("failed to check lease existence: %w", err)
	}
	return ok, nil
}
