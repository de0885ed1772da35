package engine

import (
	"net/netip"
	"time"

	"github.com/jbweber/homelab/ipam/internal/domain"
)

// HostRequest is the command to register or update a host
type HostRequest struct {
	// CurrentMAC selects the host being updated. Empty registers a new host.
	CurrentMAC string

	Hostname    string
	MAC         string
	Description string
	DHCPGroup   string

	// AddressType names the policy; empty uses the host's current type or
	// the default type
	AddressType string

	// At most one explicit address choice
	Pool    string
	Network string
	IP      string

	// Exactly one of ExpireDays and Expires, required on registration
	ExpireDays int
	Expires    time.Time

	// Owners by username and group name. None given keeps existing owners,
	// or makes the acting user the owner of an otherwise unowned host.
	UserOwners  []string
	GroupOwners []string

	// Attributes by name. Nil keeps the host's current values; otherwise
	// they are replaced, and an empty value clears the attribute.
	Attributes map[string]string
}

// Updating reports whether the request targets an existing host
func (r HostRequest) Updating() bool {
	return r.CurrentMAC != ""
}

// hostCommand is a validated and normalized HostRequest
type hostCommand struct {
	req        HostRequest
	mac        string
	hostname   string
	currentMAC string
	ip         netip.Addr
	network    netip.Prefix
	pool       string
	policy     *domain.AddressType
	expires    time.Time
	hasExpires bool
}

// explicitAddress reports whether the request names a pool, network or address
func (c hostCommand) explicitAddress() bool {
	return c.ip.IsValid() || c.network.IsValid() || c.pool != ""
}

func validateHostRequest(req HostRequest) (hostCommand, error) {
	cmd := hostCommand{req: req, pool: req.Pool}

	hostname, err := domain.NormalizeHostname(req.Hostname)
	if err != nil {
		return cmd, err
	}
	cmd.hostname = hostname

	mac, err := domain.NormalizeMAC(req.MAC)
	if err != nil {
		return cmd, err
	}
	cmd.mac = mac

	if req.CurrentMAC != "" {
		if cmd.currentMAC, err = domain.NormalizeMAC(req.CurrentMAC); err != nil {
			return cmd, err
		}
	}

	choices := 0
	for _, s := range []string{req.Pool, req.Network, req.IP} {
		if s != "" {
			choices++
		}
	}
	if choices > 1 {
		return cmd, domain.NewValidationError("address", "at most one of pool, network and ip may be given")
	}

	if req.IP != "" {
		if cmd.ip, err = domain.ParseAddress(req.IP); err != nil {
			return cmd, err
		}
	}
	if req.Network != "" {
		if cmd.network, err = domain.ParseNetwork(req.Network); err != nil {
			return cmd, err
		}
	}

	if req.ExpireDays != 0 && !req.Expires.IsZero() {
		return cmd, domain.NewValidationError("expires", "give either expire days or an expiry time, not both")
	}
	if req.ExpireDays < 0 {
		return cmd, domain.NewValidationError("expire_days", "must be positive")
	}
	if !req.Updating() && req.ExpireDays == 0 && req.Expires.IsZero() {
		return cmd, domain.NewValidationError("expires", "an expiration is required for a new host")
	}
	return cmd, nil
}

// NetworkSpec describes a network to define
type NetworkSpec struct {
	CIDR          string
	Name          string
	Gateway       string // defaults to the first host address
	Description   string
	DHCPGroup     string
	SharedNetwork string
	Pool          string // optional pool the free addresses start in
}
