package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jbweber/homelab/ipam/internal/datastore"
	"github.com/jbweber/homelab/ipam/internal/domain"
)

// DisabledHostRepository stores MACs that only administrators may touch
type DisabledHostRepository interface {
	Repository[domain.DisabledHost, string]
	FindByIDs(ctx context.Context, macs []string) ([]domain.DisabledHost, error)
}

// disabledHostRepositoryImpl implements DisabledHostRepository
type disabledHostRepositoryImpl struct {
	q datastore.Querier
}

// NewDisabledHostRepository creates a new disabled host repository
func NewDisabledHostRepository(q datastore.Querier) DisabledHostRepository {
	return &disabledHostRepositoryImpl{q: q}
}

const disabledHostColumns = `mac, reason, changed, changed_by`

func scanDisabledHost(row rowScanner) (domain.DisabledHost, error) {
	var d domain.DisabledHost
	if err := row.Scan(&d.MAC, &d.Reason, &d.Changed, &d.ChangedBy); err != nil {
		return domain.DisabledHost{}, err
	}
	return d, nil
}

// Save disables a MAC, replacing the reason when it is already disabled
func (r *disabledHostRepositoryImpl) Save(ctx context.Context, d domain.DisabledHost) (domain.DisabledHost, error) {
	if d.MAC == "" {
		return domain.DisabledHost{}, fmt.Errorf("disabled host mac is required: %w", ErrInvalidEntity)
	}
	d.Changed = d.Changed.UTC()

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO disabled_hosts (`+disabledHostColumns+`) VALUES (?, ?, ?, ?)
		ON CONFLICT (mac) DO UPDATE SET reason = excluded.reason, changed = excluded.changed, changed_by = excluded.changed_by`,
		d.MAC, d.Reason, d.Changed, d.ChangedBy)
	if err != nil {
		return domain.DisabledHost{}, fmt.Errorf("failed to save disabled host: %w", err)
	}
	return d, nil
}

// FindByID finds a disabled MAC
func (r *disabledHostRepositoryImpl) FindByID(ctx context.Context, mac string) (domain.DisabledHost, error) {
	d, err := queryOne(ctx, r.q, scanDisabledHost, `SELECT `+disabledHostColumns+` FROM disabled_hosts WHERE mac = ?`, mac)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return domain.DisabledHost{}, fmt.Errorf("failed to find disabled host: %w", err)
	}
	return d, err
}

// FindByIDs returns the disabled entries among macs
func (r *disabledHostRepositoryImpl) FindByIDs(ctx context.Context, macs []string) ([]domain.DisabledHost, error) {
	if len(macs) == 0 {
		return nil, nil
	}
	disabled, err := queryList(ctx, r.q, scanDisabledHost,
		`SELECT `+disabledHostColumns+` FROM disabled_hosts WHERE mac IN (`+placeholders(len(macs))+`) ORDER BY mac`,
		stringArgs(macs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to find disabled hosts: %w", err)
	}
	return disabled, nil
}

// FindAll lists disabled MACs, most recently disabled first
func (r *disabledHostRepositoryImpl) FindAll(ctx context.Context) ([]domain.DisabledHost, error) {
	disabled, err := queryList(ctx, r.q, scanDisabledHost,
		`SELECT `+disabledHostColumns+` FROM disabled_hosts ORDER BY changed DESC, mac`)
	if err != nil {
		return nil, fmt.Errorf("failed to find disabled hosts: %w", err)
	}
	return disabled, nil
}

// DeleteByID re-enables a MAC
func (r *disabledHostRepositoryImpl) DeleteByID(ctx context.Context, mac string) error {
	if err := deleteOne(ctx, r.q, `DELETE FROM disabled_hosts WHERE mac = ?`, mac); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to delete disabled host: %w", err)
	}
	return nil
}

// ExistsByID reports whether a MAC is disabled
func (r *disabledHostRepositoryImpl) ExistsByID(ctx context.Context, mac string) (bool, error) {
	ok, err := exists(ctx, r.q, `SELECT COUNT(*) FROM disabled_hosts WHERE mac = ?`, mac)
	if err != nil {
		return false, fmt.Errorf("failed to check disabled host: %w", err)
	}
	return ok, nil
}
