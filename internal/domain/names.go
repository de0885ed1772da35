package domain

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

const (
	maxHostnameLength = 253
	maxLabelLength    = 63
)

// NormalizeHostname lowercases and validates a hostname. It must have at
// least two labels of [a-z0-9-] without leading or trailing hyphens.
func NormalizeHostname(hostname string) (string, error) {
	hostname = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(hostname)), ".")
	if hostname == "" {
		return "", NewValidationError("hostname", "hostname is required")
	}
	if len(hostname) > maxHostnameLength {
		return "", NewValidationError("hostname", "hostname exceeds %d characters", maxHostnameLength)
	}

	labels := strings.Split(hostname, ".")
	if len(labels) < 2 {
		return "", NewValidationError("hostname", "hostname %q must be fully qualified", hostname)
	}
	for _, label := range labels {
		if err := validateLabel(label); err != nil {
			return "", NewValidationError("hostname", "hostname %q: %s", hostname, err)
		}
	}
	return hostname, nil
}

func validateLabel(label string) error {
	if label == "" {
		return fmt.Errorf("empty label")
	}
	if len(label) > maxLabelLength {
		return fmt.Errorf("label %q exceeds %d characters", label, maxLabelLength)
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return fmt.Errorf("label %q starts or ends with a hyphen", label)
	}
	for _, r := range label {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return fmt.Errorf("label %q contains invalid character %q", label, r)
		}
	}
	return nil
}

// NormalizeMAC parses an EUI-48 address and returns it lowercase and colon-separated
func NormalizeMAC(mac string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(mac))
	if err != nil || len(hw) != 6 {
		return "", NewValidationError("mac", "invalid mac address %q", mac)
	}
	return hw.String(), nil
}

// AddressKey returns a fixed-width sortable key for an address so string
// ordering matches numeric ordering across IPv4 and IPv6.
func AddressKey(addr netip.Addr) string {
	b := addr.Unmap().As16()
	return hex.EncodeToString(b[:])
}

// ParseAddress parses an IP address, stripping any IPv4-in-IPv6 mapping
func ParseAddress(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, NewValidationError("address", "invalid ip address %q", s)
	}
	return addr.Unmap(), nil
}

// ParseNetwork parses a CIDR and requires it to be in canonical masked form
func ParseNetwork(s string) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(strings.TrimSpace(s))
	if err != nil {
		return netip.Prefix{}, NewValidationError("network", "invalid network %q", s)
	}
	if prefix.Masked() != prefix {
		return netip.Prefix{}, NewValidationError("network", "network %q has host bits set, expected %s", s, prefix.Masked())
	}
	return prefix, nil
}

// PrefixContains reports whether inner lies entirely inside outer
func PrefixContains(outer, inner netip.Prefix) bool {
	return outer.Bits() <= inner.Bits() && outer.Contains(inner.Addr())
}
