package domain

import (
	"net/netip"
	"slices"
	"time"
)

// Host represents a registered device, keyed by its MAC address
type Host struct {
	MAC           string    // Lowercase colon-separated EUI-48, primary key
	Hostname      string    // Lowercase, globally unique
	Description   string    // Optional description
	AddressTypeID *int64    // Address type policy the host was registered under (optional)
	DHCPGroup     string    // Optional DHCP group name
	Expires       time.Time // Registration expiry
	Changed       time.Time // Last modification time
	ChangedBy     int64     // User ID of the last modifier
}

// IsExpired reports whether the host registration has lapsed at now
func (h Host) IsExpired(now time.Time) bool {
	return h.Expires.Before(now)
}

// Address represents a single IP address owned by a network
type Address struct {
	Address   netip.Addr // The IP address, primary key
	Network   string     // CIDR of the owning network
	Pool      string     // Pool name, empty when the address is in no pool
	HostMAC   string     // MAC of the bound host, empty when free
	Reserved  bool       // Network, broadcast and gateway addresses are never assignable
	Changed   time.Time
	ChangedBy int64
}

// IsFree reports whether the address is neither reserved nor bound
func (a Address) IsFree() bool {
	return !a.Reserved && a.HostMAC == ""
}

// Network represents a CIDR block and the addresses it owns
type Network struct {
	Network       netip.Prefix // CIDR, primary key
	Name          string       // Optional display name
	Gateway       netip.Addr   // Gateway address, reserved at creation
	Description   string
	DHCPGroup     string // Optional DHCP group
	SharedNetwork string // Optional shared-network grouping
	Changed       time.Time
	ChangedBy     int64
}

// Pool represents a named cross-network collection of addresses for dynamic assignment
type Pool struct {
	Name        string // Primary key
	Description string
	LeaseTime   int  // Lease time in seconds
	Assignable  bool // Whether hosts may be assigned from this pool
	DHCPGroup   string
	Changed     time.Time
	ChangedBy   int64
}

// DefaultPool maps a CIDR to the pool released addresses inside it return to
type DefaultPool struct {
	ID   int64
	Pool string
	CIDR netip.Prefix
}

// AddressType is the policy selecting how a host receives its address
type AddressType struct {
	ID          int64
	Name        string
	Description string
	IsDefault   bool
	Pool        string         // Dynamic allocation from this pool (optional)
	Ranges      []netip.Prefix // Static allocation restricted to these ranges (optional)
}

// Lease represents a DHCP lease as recorded by the external DHCP server
type Lease struct {
	Address   netip.Addr
	MAC       string
	Abandoned bool
	Server    string
	Starts    time.Time
	Ends      time.Time
}

// Domain represents a DNS zone whose records the system curates
type Domain struct {
	Name        string // Primary key, lowercase without trailing dot
	Description string
	Changed     time.Time
	ChangedBy   int64
}

// DNSRecord represents a single curated DNS record. Exactly one of
// TextContent and IPContent is set.
type DNSRecord struct {
	ID          int64
	Domain      string // Owning domain name, empty when no domain matches
	Name        string
	Type        DNSType
	TextContent string     // e.g. PTR or CNAME target
	IPContent   netip.Addr // Reference to an Address for A/AAAA records
	TTL         int
	Changed     time.Time
	ChangedBy   int64
}

// Content returns the record's value as text, whichever content field is set
func (r DNSRecord) Content() string {
	if r.IPContent.IsValid() {
		return r.IPContent.String()
	}
	return r.TextContent
}

// ExpirationType is a selectable registration lifetime gated by permission tier
type ExpirationType struct {
	Days    int
	MinTier Tier
}

// User is an account that can act on the system
type User struct {
	ID          int64
	Username    string
	IsSuperuser bool
	Tier        Tier
}

// Group is a named set of users that can hold grants
type Group struct {
	ID   int64
	Name string
}

// DisabledHost blocks a MAC from being registered or changed by anyone but
// an administrator
type DisabledHost struct {
	MAC       string
	Reason    string
	Changed   time.Time
	ChangedBy int64
}

// Attribute is a named property hosts may carry. A structured attribute
// only takes one of its Choices; a freeform one takes any text.
type Attribute struct {
	ID          int64
	Name        string
	Description string
	Structured  bool
	Required    bool // every new host must set it
	Choices     []string
}

// Allows reports whether value may be set on the attribute
func (a Attribute) Allows(value string) bool {
	if value == "" {
		return false
	}
	return !a.Structured || slices.Contains(a.Choices, value)
}

// HostAttribute is one attribute value set on a host
type HostAttribute struct {
	MAC       string
	Attribute string
	Value     string
}
