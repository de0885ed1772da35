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

// NetworkRepository defines domain-specific operations for networks
type NetworkRepository interface {
	Repository[domain.Network, string]
	FindWithin(ctx context.Context, ranges []netip.Prefix) ([]domain.Network, error)
}

// networkRepositoryImpl implements NetworkRepository
type networkRepositoryImpl struct {
	q datastore.Querier
}

// NewNetworkRepository creates a new network repository
func NewNetworkRepository(q datastore.Querier) NetworkRepository {
	return &networkRepositoryImpl{q: q}
}

const networkColumns = `network, name, gateway, description, dhcp_group, shared_network, changed, changed_by`

func scanNetwork(row rowScanner) (domain.Network, error) {
	var (
		n             domain.Network
		cidr          string
		gateway       sql.NullString
		dhcpGroup     sql.NullString
		sharedNetwork sql.NullString
	)
	err := row.Scan(&cidr, &n.Name, &gateway, &n.Description, &dhcpGroup, &sharedNetwork, &n.Changed, &n.ChangedBy)
	if err != nil {
		return domain.Network{}, err
	}

	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return domain.Network{}, fmt.Errorf("invalid stored network %q: %w", cidr, err)
	}
	n.Network = prefix
	if gateway.Valid {
		if gw, err := netip.ParseAddr(gateway.String); err == nil {
			n.Gateway = gw
		}
	}
	n.DHCPGroup = dhcpGroup.String
	n.SharedNetwork = sharedNetwork.String
	return n, nil
}

// Save creates or updates a network
func (r *networkRepositoryImpl) Save(ctx context.Context, n domain.Network) (domain.Network, error) {
	if !n.Network.IsValid() {
		return domain.Network{}, fmt.Errorf("network cidr is required: %w", ErrInvalidEntity)
	}
	n.Changed = n.Changed.UTC()

	var gateway any
	if n.Gateway.IsValid() {
		gateway = n.Gateway.String()
	}
	cidr := n.Network.String()

	result, err := r.q.ExecContext(ctx, `
		UPDATE networks
		SET name = ?, gateway = ?, description = ?, dhcp_group = ?, shared_network = ?, changed = ?, changed_by = ?
		WHERE network = ?`,
		n.Name, gateway, n.Description, nullString(n.DHCPGroup), nullString(n.SharedNetwork), n.Changed, n.ChangedBy, cidr)
	if err != nil {
		return domain.Network{}, fmt.Errorf("failed to update network: %w", err)
	}
	if rows, err := result.RowsAffected(); err != nil {
		return domain.Network{}, fmt.Errorf("failed to get rows affected: %w", err)
	} else if rows > 0 {
		return n, nil
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO networks (`+networkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cidr, n.Name, gateway, n.Description, nullString(n.DHCPGroup), nullString(n.SharedNetwork), n.Changed, n.ChangedBy)
	if err != nil {
		if isDuplicateError(err) {
			return domain.Network{}, fmt.Errorf("network %s: %w", cidr, ErrDuplicate)
		}
		return domain.Network{}, fmt.Errorf("failed to create network: %w", err)
	}
	return n, nil
}

// FindByID finds a network by CIDR
func (r *networkRepositoryImpl) FindByID(ctx context.Context, cidr string) (domain.Network, error) {
	n, err := queryOne(ctx, r.q, scanNetwork, `SELECT `+networkColumns+` FROM networks WHERE network = ?`, cidr)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return domain.Network{}, fmt.Errorf("failed to find network: %w", err)
	}
	return n, err
}

// FindAll finds all networks
func (r *networkRepositoryImpl) FindAll(ctx context.Context) ([]domain.Network, error) {
	networks, err := queryList(ctx, r.q, scanNetwork, `SELECT `+networkColumns+` FROM networks ORDER BY network`)
	if err != nil {
		return nil, fmt.Errorf("failed to find networks: %w", err)
	}
	return networks, nil
}

// FindWithin finds the networks lying entirely inside any of the ranges
func (r *networkRepositoryImpl) FindWithin(ctx context.Context, ranges []netip.Prefix) ([]domain.Network, error) {
	all, err := r.FindAll(ctx)
	if err != nil {
		return nil, err
	}

	var within []domain.Network
	for _, n := range all {
		for _, rng := range ranges {
			if domain.PrefixContains(rng, n.Network) {
				within = append(within, n)
				break
			}
		}
	}
	return within, nil
}

// DeleteByID deletes a network and, by cascade, its addresses
func (r *networkRepositoryImpl) DeleteByID(ctx context.Context, cidr string) error {
	if err := deleteOne(ctx, r.q, `DELETE FROM networks WHERE network = ?`, cidr); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to delete network: %w", err)
	}
	return nil
}

// ExistsByID checks if a network exists by CIDR
func (r *networkRepositoryImpl) ExistsByID(ctx context.Context, cidr string) (bool, error) {
	ok, err := exists(ctx, r.q, `SELECT COUNT(*) FROM networks WHERE network = ?`, cidr)
	if err != nil {
		return false, fmt.Errorf("failed to check network existence: %w", err)
	}
	return ok, nil
}
