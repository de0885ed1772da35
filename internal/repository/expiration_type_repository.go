package repository

import (
	"context"
	"fmt"

	"github.com/jbweber/homelab/ipam/internal/datastore"
	"github.com/jbweber/homelab/ipam/internal/domain"
)

// ExpirationTypeRepository stores the selectable registration lifetimes
type ExpirationTypeRepository interface {
	Save(ctx context.Context, et domain.ExpirationType) error
	FindAll(ctx context.Context) ([]domain.ExpirationType, error)
}

// expirationTypeRepositoryImpl implements ExpirationTypeRepository
type expirationTypeRepositoryImpl struct {
	q datastore.Querier
}

// NewExpirationTypeRepository creates a new expiration type repository
func NewExpirationTypeRepository(q datastore.Querier) ExpirationTypeRepository {
	return &expirationTypeRepositoryImpl{q: q}
}

// Save creates or updates the expiration type for a number of days
func (r *expirationTypeRepositoryImpl) Save(ctx context.Context, et domain.ExpirationType) error {
	if et.Days <= 0 {
		return fmt.Errorf("expiration days must be positive: %w", ErrInvalidEntity)
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO expiration_types (days, min_tier) VALUES (?, ?)
		ON CONFLICT (days) DO UPDATE SET min_tier = excluded.min_tier`,
		et.Days, int(et.MinTier))
	if err != nil {
		return fmt.Errorf("failed to save expiration type: %w", err)
	}
	return nil
}

// FindAll lists expiration types, shortest first
func (r *expirationTypeRepositoryImpl) FindAll(ctx context.Context) ([]domain.ExpirationType, error) {
	scan := func(row rowScanner) (domain.ExpirationType, error) {
		var et domain.ExpirationType
		err := row.Scan(&et.Days, &et.MinTier)
		return et, err
	}
	types, err := queryList(ctx, r.q, scan, `SELECT days, min_tier FROM expiration_types ORDER BY days`)
	if err != nil {
		return nil, fmt.Errorf("failed to find expiration types: %w", err)
	}
	return types, nil
}
