package whois

import (
	"net/netip"
	"strings"

	"github.com/pkg/errors"
)

// Family selects the address family used for resolution and dialing.
type Family int

const (
	FamilyAny Family = iota
	FamilyIPv4
	FamilyIPv6
)

func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any":
		return FamilyAny, nil
	case "ipv4", "ip4", "4":
		return FamilyIPv4, nil
	case "ipv6", "ip6", "6":
		return FamilyIPv6, nil
	}
	return FamilyAny, errors.Errorf("unknown address family %q", s)
}

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "any"
	}
}

// ipNetwork is the network name understood by net.Resolver.
func (f Family) ipNetwork() string {
	switch f {
	case FamilyIPv4:
		return "ip4"
	case FamilyIPv6:
		return "ip6"
	default:
		return "ip"
	}
}

func (f Family) matches(addr netip.Addr) bool {
	switch f {
	case FamilyIPv4:
		return addr.Is4()
	case FamilyIPv6:
		return addr.Is6() && !addr.Is4In6()
	default:
		return addr.IsValid()
	}
}
