package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jbweber/homelab/ipam/internal/datastore"
	"github.com/jbweber/homelab/ipam/internal/domain"
)

// HostRepository defines domain-specific operations for hosts
type HostRepository interface {
	Repository[domain.Host, string]
	FindByHostname(ctx context.Context, hostname string) (domain.Host, error)
	FindByIDForUpdate(ctx context.Context, mac string) (domain.Host, error)
	FindExpired(ctx context.Context, now time.Time) ([]domain.Host, error)
}

// hostRepositoryImpl implements HostRepository
type hostRepositoryImpl struct {
	q datastore.Querier
}

// NewHostRepository creates a new host repository
func NewHostRepository(q datastore.Querier) HostRepository {
	return &hostRepositoryImpl{q: q}
}

const hostColumns = `mac, hostname, description, address_type_id, dhcp_group, expires, changed, changed_by`

func scanHost(row rowScanner) (domain.Host, error) {
	var (
		h           domain.Host
		addressType sql.NullInt64
		dhcpGroup   sql.NullString
	)
	err := row.Scan(&h.MAC, &h.Hostname, &h.Description, &addressType, &dhcpGroup,
		&h.Expires, &h.Changed, &h.ChangedBy)
	if err != nil {
		return domain.Host{}, err
	}
	if addressType.Valid {
		id := addressType.Int64
		h.AddressTypeID = &id
	}
	h.DHCPGroup = dhcpGroup.String
	return h, nil
}

// Save creates or updates a host keyed by MAC
func (r *hostRepositoryImpl) Save(ctx context.Context, h domain.Host) (domain.Host, error) {
	if h.MAC == "" || h.Hostname == "" {
		return domain.Host{}, fmt.Errorf("host mac and hostname are required: %w", ErrInvalidEntity)
	}
	h.Expires = h.Expires.UTC()
	h.Changed = h.Changed.UTC()

	var addressType any
	if h.AddressTypeID != nil {
		addressType = *h.AddressTypeID
	}

	result, err := r.q.ExecContext(ctx, `
		UPDATE hosts
		SET hostname = ?, description = ?, address_type_id = ?, dhcp_group = ?, expires = ?, changed = ?, changed_by = ?
		WHERE mac = ?`,
		h.Hostname, h.Description, addressType, nullString(h.DHCPGroup), h.Expires, h.Changed, h.ChangedBy, h.MAC)
	if err != nil {
		if isDuplicateError(err) {
			return domain.Host{}, fmt.Errorf("hostname %s: %w", h.Hostname, ErrDuplicate)
		}
		return domain.Host{}, fmt.Errorf("failed to update host: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return domain.Host{}, fmt.Errorf("failed to get rows affected: %w", err)
	} else if n > 0 {
		return h, nil
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO hosts (`+hostColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.MAC, h.Hostname, h.Description, addressType, nullString(h.DHCPGroup), h.Expires, h.Changed, h.ChangedBy)
	if err != nil {
		if isDuplicateError(err) {
			return domain.Host{}, fmt.Errorf("host %s/%s: %w", h.MAC, h.Hostname, ErrDuplicate)
		}
		return domain.Host{}, fmt.Errorf("failed to create host: %w", err)
	}
	return h, nil
}

// FindByID finds a host by MAC
func (r *hostRepositoryImpl) FindByID(ctx context.Context, mac string) (domain.Host, error) {
	h, err := queryOne(ctx, r.q, scanHost, `SELECT `+hostColumns+` FROM hosts WHERE mac = ?`, mac)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return domain.Host{}, fmt.Errorf("failed to find host: %w", err)
	}
	return h, err
}

// FindByIDForUpdate finds a host by MAC and locks its row until the transaction ends
func (r *hostRepositoryImpl) FindByIDForUpdate(ctx context.Context, mac string) (domain.Host, error) {
	query := `SELECT ` + hostColumns + ` FROM hosts WHERE mac = ?` + datastore.ForUpdate(r.q.Dialect())
	h, err := queryOne(ctx, r.q, scanHost, query, mac)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return domain.Host{}, fmt.Errorf("failed to lock host: %w", err)
	}
	return h, err
}

// FindByHostname finds a host by its hostname
func (r *hostRepositoryImpl) FindByHostname(ctx context.Context, hostname string) (domain.Host, error) {
	h, err := queryOne(ctx, r.q, scanHost, `SELECT `+hostColumns+` FROM hosts WHERE hostname = ?`, hostname)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return domain.Host{}, fmt.Errorf("failed to find host by hostname: %w", err)
	}
	return h, err
}

// FindAll finds all hosts ordered by hostname
func (r *hostRepositoryImpl) FindAll(ctx context.Context) ([]domain.Host, error) {
	hosts, err := queryList(ctx, r.q, scanHost, `SELECT `+hostColumns+` FROM hosts ORDER BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("failed to find hosts: %w", err)
	}
	return hosts, nil
}

// FindExpired finds hosts whose registration lapsed before now
func (r *hostRepositoryImpl) FindExpired(ctx context.Context, now time.Time) ([]domain.Host, error) {
	hosts, err := queryList(ctx, r.q, scanHost,
		`SELECT `+hostColumns+` FROM hosts WHERE expires < ? ORDER BY expires, hostname`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to find expired hosts: %w", err)
	}
	return hosts, nil
}

// DeleteByID deletes a host by MAC. Its addresses must be released first.
func (r *hostRepositoryImpl) DeleteByID(ctx context.Context, mac string) error {
	if err := deleteOne(ctx, r.q, `DELETE FROM hosts WHERE mac = ?`, mac); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to delete host: %w", err)
	}
	return nil
}

// ExistsByID checks if a host exists by MAC
func (r *hostRepositoryImpl) ExistsByID(ctx context.Context, mac string) (bool, error) {
	ok, err := exists(ctx, r.q, `SELECT COUNT(*) FROM hosts WHERE mac = ?`, mac)
	if err != nil {
		return false, fmt.Errorf("failed to check host existence: %w", err)
	}
	return ok, nil
}
