package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jbweber/homelab/ipam/internal/datastore"
	"github.com/jbweber/homelab/ipam/internal/domain"
)

// AttributeRepository stores attribute definitions and the values hosts carry
type AttributeRepository interface {
	Save(ctx context.Context, a domain.Attribute) (domain.Attribute, error)
	FindByName(ctx context.Context, name string) (domain.Attribute, error)
	FindAll(ctx context.Context) ([]domain.Attribute, error)

	FindForHost(ctx context.Context, mac string) ([]domain.HostAttribute, error)
	// ReplaceForHost drops every value on the host and stores values
	ReplaceForHost(ctx context.Context, mac string, values []domain.HostAttribute, changedBy int64, now time.Time) error
}

// attributeRepositoryImpl implements AttributeRepository
type attributeRepositoryImpl struct {
	q datastore.Querier
}

// NewAttributeRepository creates a new attribute repository
func NewAttributeRepository(q datastore.Querier) AttributeRepository {
	return &attributeRepositoryImpl{q: q}
}

const attributeColumns = `id, name, description, structured, required`

func scanAttribute(row rowScanner) (domain.Attribute, error) {
	var a domain.Attribute
	if err := row.Scan(&a.ID, &a.Name, &a.Description, &a.Structured, &a.Required); err != nil {
		return domain.Attribute{}, err
	}
	return a, nil
}

// Save creates an attribute, or updates it when ID is set. Choices are
// replaced with the given set.
func (r *attributeRepositoryImpl) Save(ctx context.Context, a domain.Attribute) (domain.Attribute, error) {
	if a.Name == "" {
		return domain.Attribute{}, fmt.Errorf("attribute name is required: %w", ErrInvalidEntity)
	}
	if a.Structured && len(a.Choices) == 0 {
		return domain.Attribute{}, fmt.Errorf("structured attribute %s needs choices: %w", a.Name, ErrInvalidEntity)
	}

	if a.ID == 0 {
		err := r.q.QueryRowContext(ctx, `
			INSERT INTO attributes (name, description, structured, required) VALUES (?, ?, ?, ?) RETURNING id`,
			a.Name, a.Description, a.Structured, a.Required).Scan(&a.ID)
		if err != nil {
			if isDuplicateError(err) {
				return domain.Attribute{}, fmt.Errorf("attribute %s: %w", a.Name, ErrDuplicate)
			}
			return domain.Attribute{}, fmt.Errorf("failed to create attribute: %w", err)
		}
	} else {
		_, err := r.q.ExecContext(ctx, `
			UPDATE attributes SET name = ?, description = ?, structured = ?, required = ? WHERE id = ?`,
			a.Name, a.Description, a.Structured, a.Required, a.ID)
		if err != nil {
			return domain.Attribute{}, fmt.Errorf("failed to update attribute: %w", err)
		}
	}

	if _, err := r.q.ExecContext(ctx, `DELETE FROM attribute_choices WHERE attribute_id = ?`, a.ID); err != nil {
		return domain.Attribute{}, fmt.Errorf("failed to clear attribute choices: %w", err)
	}
	for _, c := range a.Choices {
		_, err := r.q.ExecContext(ctx, `
			INSERT INTO attribute_choices (attribute_id, value) VALUES (?, ?)
			ON CONFLICT (attribute_id, value) DO NOTHING`, a.ID, c)
		if err != nil {
			return domain.Attribute{}, fmt.Errorf("failed to add attribute choice: %w", err)
		}
	}
	return a, nil
}

// FindByName finds an attribute with its choices
func (r *attributeRepositoryImpl) FindByName(ctx context.Context, name string) (domain.Attribute, error) {
	a, err := queryOne(ctx, r.q, scanAttribute, `SELECT `+attributeColumns+` FROM attributes WHERE name = ?`, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return domain.Attribute{}, err
		}
		return domain.Attribute{}, fmt.Errorf("failed to find attribute: %w", err)
	}
	if a.Choices, err = r.choices(ctx, a.ID); err != nil {
		return domain.Attribute{}, err
	}
	return a, nil
}

// FindAll lists attributes with their choices, by name
func (r *attributeRepositoryImpl) FindAll(ctx context.Context) ([]domain.Attribute, error) {
	attrs, err := queryList(ctx, r.q, scanAttribute, `SELECT `+attributeColumns+` FROM attributes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to find attributes: %w", err)
	}
	for i := range attrs {
		if attrs[i].Choices, err = r.choices(ctx, attrs[i].ID); err != nil {
			return nil, err
		}
	}
	return attrs, nil
}

func (r *attributeRepositoryImpl) choices(ctx context.Context, id int64) ([]string, error) {
	scan := func(row rowScanner) (string, error) {
		var v string
		err := row.Scan(&v)
		return v, err
	}
	choices, err := queryList(ctx, r.q, scan, `SELECT value FROM attribute_choices WHERE attribute_id = ? ORDER BY value`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find attribute choices: %w", err)
	}
	return choices, nil
}

// FindForHost lists the attribute values set on a host, by attribute name
func (r *attributeRepositoryImpl) FindForHost(ctx context.Context, mac string) ([]domain.HostAttribute, error) {
	scan := func(row rowScanner) (domain.HostAttribute, error) {
		var ha domain.HostAttribute
		err := row.Scan(&ha.MAC, &ha.Attribute, &ha.Value)
		return ha, err
	}
	values, err := queryList(ctx, r.q, scan, `
		SELECT h.mac, a.name, h.value FROM host_attributes h
		JOIN attributes a ON a.id = h.attribute_id
		WHERE h.mac = ?
		ORDER BY a.name`, mac)
	if err != nil {
		return nil, fmt.Errorf("failed to find host attributes: %w", err)
	}
	return values, nil
}

// ReplaceForHost drops every value on the host and stores values. Values
// naming an unknown attribute are rejected with ErrInvalidEntity.
func (r *attributeRepositoryImpl) ReplaceForHost(ctx context.Context, mac string, values []domain.HostAttribute, changedBy int64, now time.Time) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM host_attributes WHERE mac = ?`, mac); err != nil {
		return fmt.Errorf("failed to clear host attributes: %w", err)
	}
	for _, v := range values {
		var id int64
		err := r.q.QueryRowContext(ctx, `SELECT id FROM attributes WHERE name = ?`, v.Attribute).Scan(&id)
		if err != nil {
			if isNotFoundError(err) {
				return fmt.Errorf("unknown attribute %q: %w", v.Attribute, ErrInvalidEntity)
			}
			return fmt.Errorf("failed to find attribute: %w", err)
		}
		_, err = r.q.ExecContext(ctx, `
			INSERT INTO host_attributes (mac, attribute_id, value, changed, changed_by) VALUES (?, ?, ?, ?, ?)`,
			mac, id, v.Value, now.UTC(), changedBy)
		if err != nil {
			if isDuplicateError(err) {
				return fmt.Errorf("attribute %s set twice: %w", v.Attribute, ErrDuplicate)
			}
			return fmt.Errorf("failed to set host attribute: %w", err)
		}
	}
	return nil
}
