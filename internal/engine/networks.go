package engine

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/jbweber/homelab/ipam/internal/domain"
	"github.com/jbweber/homelab/ipam/internal/repository"
)

// DefineNetwork creates a network and every address inside it, returning
// the network and the number of addresses created. Only administrators may
// define networks.
func (e *Engine) DefineNetwork(ctx context.Context, p domain.Principal, spec NetworkSpec) (domain.Network, int, error) {
	op := newOperation(e.logger, "define_network", "network", spec.CIDR, "user", p.User.Username)

	var (
		network domain.Network
		created int
	)
	err := e.inTx(ctx, op, func(s *scope) error {
		prefix, err := domain.ParseNetwork(spec.CIDR)
		if err != nil {
			return err
		}
		size, err := networkSize(prefix, e.cfg.MaxNetworkSize)
		if err != nil {
			return err
		}
		gateway, err := defaultGateway(prefix, spec.Gateway)
		if err != nil {
			return err
		}

		op.enter(StateAuthorizing)
		if !p.IsAdmin {
			return fmt.Errorf("defining networks requires an administrator: %w", domain.ErrPermissionDenied)
		}
		if spec.Pool != "" {
			if _, err := s.repos.Pools.FindByID(ctx, spec.Pool); err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return domain.NewValidationError("pool", "pool %q does not exist", spec.Pool)
				}
				return err
			}
		}

		op.enter(StateAllocating)
		if ok, err := s.repos.Networks.ExistsByID(ctx, prefix.String()); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("network %s: %w", prefix, repository.ErrDuplicate)
		}

		network, err = s.repos.Networks.Save(ctx, domain.Network{
			Network:       prefix,
			Name:          spec.Name,
			Gateway:       gateway,
			Description:   spec.Description,
			DHCPGroup:     spec.DHCPGroup,
			SharedNetwork: spec.SharedNetwork,
			Changed:       s.now,
			ChangedBy:     p.ID(),
		})
		if err != nil {
			return err
		}

		addresses := make([]domain.Address, 0, size)
		for addr := prefix.Addr(); addr.IsValid() && prefix.Contains(addr); addr = addr.Next() {
			reserved := isReserved(prefix, gateway, addr)
			a := domain.Address{
				Address:   addr,
				Network:   prefix.String(),
				Reserved:  reserved,
				Changed:   s.now,
				ChangedBy: p.ID(),
			}
			if !reserved {
				a.Pool = spec.Pool
			}
			addresses = append(addresses, a)
		}
		if err := s.repos.Addresses.CreateBatch(ctx, addresses); err != nil {
			return err
		}
		created = len(addresses)
		return nil
	})
	if err != nil {
		return domain.Network{}, 0, err
	}
	return network, created, nil
}

// networkSize returns the number of addresses in prefix, rejecting
// networks larger than limit
func networkSize(prefix netip.Prefix, limit int) (int, error) {
	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	if hostBits >= 31 || 1<<hostBits > limit {
		return 0, domain.NewValidationError("network", "network %s exceeds the limit of %d addresses", prefix, limit)
	}
	return 1 << hostBits, nil
}

// pointToPoint reports whether prefix has no network or broadcast address
func pointToPoint(prefix netip.Prefix) bool {
	return prefix.Addr().BitLen()-prefix.Bits() <= 1
}

// defaultGateway parses the requested gateway, defaulting to the first
// host address
func defaultGateway(prefix netip.Prefix, requested string) (netip.Addr, error) {
	if requested == "" {
		if pointToPoint(prefix) {
			return prefix.Addr(), nil
		}
		return prefix.Addr().Next(), nil
	}

	gw, err := domain.ParseAddress(requested)
	if err != nil {
		return netip.Addr{}, err
	}
	if !prefix.Contains(gw) {
		return netip.Addr{}, domain.NewValidationError("gateway", "gateway %s is outside %s", gw, prefix)
	}
	return gw, nil
}

// isReserved marks the network, last and gateway addresses. Point-to-point
// networks only reserve the gateway.
func isReserved(prefix netip.Prefix, gateway, addr netip.Addr) bool {
	if addr == gateway {
		return true
	}
	if pointToPoint(prefix) {
		return false
	}
	next := addr.Next()
	return addr == prefix.Addr() || !next.IsValid() || !prefix.Contains(next)
}
