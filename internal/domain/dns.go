package domain

import (
	"fmt"
	"net/netip"
	"strings"
)

// DNSType is a DNS record type from a closed set
type DNSType string

const (
	TypeA     DNSType = "A"
	TypeAAAA  DNSType = "AAAA"
	TypePTR   DNSType = "PTR"
	TypeCNAME DNSType = "CNAME"
	TypeMX    DNSType = "MX"
	TypeTXT   DNSType = "TXT"
	TypeNS    DNSType = "NS"
	TypeSRV   DNSType = "SRV"
)

// ParseDNSType converts a record type name, rejecting types outside the set
func ParseDNSType(s string) (DNSType, error) {
	t := DNSType(strings.ToUpper(s))
	switch t {
	case TypeA, TypeAAAA, TypePTR, TypeCNAME, TypeMX, TypeTXT, TypeNS, TypeSRV:
		return t, nil
	}
	return "", fmt.Errorf("unknown dns record type %q: %w", s, ErrValidation)
}

// ForwardType returns A for IPv4 addresses and AAAA for IPv6
func ForwardType(addr netip.Addr) DNSType {
	if addr.Unmap().Is4() {
		return TypeA
	}
	return TypeAAAA
}

const hexDigits = "0123456789abcdef"

// ReverseName returns the in-addr.arpa or ip6.arpa name for an address
func ReverseName(addr netip.Addr) string {
	addr = addr.Unmap()
	if addr.Is4() {
		b := addr.As4()
		return fmt.Sprintf("%d.%d.%d.%d.in-addr.arpa", b[3], b[2], b[1], b[0])
	}

	b := addr.As16()
	var sb strings.Builder
	sb.Grow(len(b)*4 + len("ip6.arpa"))
	for i := len(b) - 1; i >= 0; i-- {
		sb.WriteByte(hexDigits[b[i]&0x0f])
		sb.WriteByte('.')
		sb.WriteByte(hexDigits[b[i]>>4])
		sb.WriteByte('.')
	}
	sb.WriteString("ip6.arpa")
	return sb.String()
}

// CandidateDomains returns every proper suffix of name, longest first.
// "a.b.example.com" yields b.example.com, example.com, com.
func CandidateDomains(name string) []string {
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	labels := strings.Split(name, ".")
	candidates := make([]string, 0, len(labels)-1)
	for i := 1; i < len(labels); i++ {
		candidates = append(candidates, strings.Join(labels[i:], "."))
	}
	return candidates
}

// ParentDomain returns the immediate parent of a hostname, or "" for a single label
func ParentDomain(hostname string) string {
	hostname = strings.TrimSuffix(strings.ToLower(hostname), ".")
	_, parent, ok := strings.Cut(hostname, ".")
	if !ok {
		return ""
	}
	return parent
}
