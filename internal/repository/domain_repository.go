package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jbweber/homelab/ipam/internal/datastore"
	"github.com/jbweber/homelab/ipam/internal/domain"
)

// DomainRepository defines domain-specific operations for DNS domains
type DomainRepository interface {
	Repository[domain.Domain, string]
	FindLongestMatch(ctx context.Context, name string) (domain.Domain, error)
}

// domainRepositoryImpl implements DomainRepository
type domainRepositoryImpl struct {
	q datastore.Querier
}

// NewDomainRepository creates a new domain repository
func NewDomainRepository(q datastore.Querier) DomainRepository {
	return &domainRepositoryImpl{q: q}
}

const domainColumns = `name, description, changed, changed_by`

func scanDomain(row rowScanner) (domain.Domain, error) {
	var d domain.Domain
	if err := row.Scan(&d.Name, &d.Description, &d.Changed, &d.ChangedBy); err != nil {
		return domain.Domain{}, err
	}
	return d, nil
}

// Save creates or updates a domain
func (r *domainRepositoryImpl) Save(ctx context.Context, d domain.Domain) (domain.Domain, error) {
	if d.Name == "" {
		return domain.Domain{}, fmt.Errorf("domain name is required: %w", ErrInvalidEntity)
	}
	d.Changed = d.Changed.UTC()

	result, err := r.q.ExecContext(ctx, `UPDATE domains SET description = ?, changed = ?, changed_by = ? WHERE name = ?`,
		d.Description, d.Changed, d.ChangedBy, d.Name)
	if err != nil {
		return domain.Domain{}, fmt.Errorf("failed to update domain: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return domain.Domain{}, fmt.Errorf("failed to get rows affected: %w", err)
	} else if n > 0 {
		return d, nil
	}

	_, err = r.q.ExecContext(ctx, `INSERT INTO domains (`+domainColumns+`) VALUES (?, ?, ?, ?)`,
		d.Name, d.Description, d.Changed, d.ChangedBy)
	if err != nil {
		if isDuplicateError(err) {
			return domain.Domain{}, fmt.Errorf("domain %s: %w", d.Name, ErrDuplicate)
		}
		return domain.Domain{}, fmt.Errorf("failed to create domain: %w", err)
	}
	return d, nil
}

// FindByID finds a domain by name
func (r *domainRepositoryImpl) FindByID(ctx context.Context, name string) (domain.Domain, error) {
	d, err := queryOne(ctx, r.q, scanDomain, `SELECT `+domainColumns+` FROM domains WHERE name = ?`, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return domain.Domain{}, fmt.Errorf("failed to find domain: %w", err)
	}
	return d, err
}

// FindLongestMatch finds the most specific domain that is a proper suffix of name
func (r *domainRepositoryImpl) FindLongestMatch(ctx context.Context, name string) (domain.Domain, error) {
	candidates := domain.CandidateDomains(name)
	if len(candidates) == 0 {
		return domain.Domain{}, ErrNotFound
	}

	args := make([]any, len(candidates))
	for i, c := range candidates {
		args[i] = c
	}
	found, err := queryList(ctx, r.q, scanDomain,
		`SELECT `+domainColumns+` FROM domains WHERE name IN (`+placeholders(len(candidates))+`)`, args...)
	if err != nil {
		return domain.Domain{}, fmt.Errorf("failed to match domain: %w", err)
	}

	var best domain.Domain
	for _, d := range found {
		if len(d.Name) > len(best.Name) {
			best = d
		}
	}
	if best.Name == "" {
		return domain.Domain{}, ErrNotFound
	}
	return best, nil
}

// FindAll finds all domains
func (r *domainRepositoryImpl) FindAll(ctx context.Context) ([]domain.Domain, error) {
	domains, err := queryList(ctx, r.q, scanDomain, `SELECT `+domainColumns+` FROM domains ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to find domains: %w", err)
	}
	return domains, nil
}

// DeleteByID deletes a domain by name
func (r *domainRepositoryImpl) DeleteByID(ctx context.Context, name string) error {
	if err := deleteOne(ctx, r.q, `DELETE FROM domains WHERE name = ?`, name); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to delete domain: %w", err)
	}
	return nil
}

// ExistsByID checks if a domain exists by name
func (r *domainRepositoryImpl) ExistsByID(ctx context.Context, name string) (bool, error) {
	ok, err := exists(ctx, r.q, `SELECT COUNT(*) FROM domains WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("failed to check domain existence: %w", err)
	}
	return ok, nil
}
