package whois

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// Resolver turns a server hostname into candidate addresses of the given family.
type Resolver interface {
	LookupAddrs(ctx context.Context, host string, family Family) ([]netip.Addr, error)
}

// SystemResolver resolves through the operating system (or the pure Go resolver,
// whichever net.Resolver picks).
type SystemResolver struct {
	Resolver *net.Resolver
}

func NewSystemResolver() *SystemResolver {
	return &SystemResolver{Resolver: net.DefaultResolver}
}

func (r *SystemResolver) LookupAddrs(ctx context.Context, host string, family Family) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return filterFamily([]netip.Addr{addr}, family), nil
	}

	addrs, err := r.Resolver.LookupNetIP(ctx, family.ipNetwork(), host)
	if err != nil {
		return nil, err
	}

	return filterFamily(addrs, family), nil
}

// DNSResolver asks one specific nameserver for A/AAAA records instead of going
// through the system configuration. Truncated UDP answers are retried over TCP.
type DNSResolver struct {
	Nameserver string
	UDPClient  *dns.Client
	TCPClient  *dns.Client
}

func NewDNSResolver(nameserver string, timeout time.Duration) *DNSResolver {
	return &DNSResolver{
		Nameserver: nameserver,
		UDPClient:  &dns.Client{Net: "udp", Timeout: timeout},
		TCPClient:  &dns.Client{Net: "tcp", Timeout: timeout},
	}
}

func (r *DNSResolver) LookupAddrs(ctx context.Context, host string, family Family) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return filterFamily([]netip.Addr{addr}, family), nil
	}

	var qtypes []uint16
	switch family {
	case FamilyIPv4:
		qtypes = []uint16{dns.TypeA}
	case FamilyIPv6:
		qtypes = []uint16{dns.TypeAAAA}
	default:
		qtypes = []uint16{dns.TypeA, dns.TypeAAAA}
	}

	// one failing record type must not hide the answers of the other
	var (
		addrs    []netip.Addr
		firstErr error
	)
	for _, qtype := range qtypes {
		res, err := r.exchange(ctx, host, qtype)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		addrs = append(addrs, res...)
	}

	if len(addrs) == 0 {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, r.notFound(host)
	}

	return filterFamily(addrs, family), nil
}

func (r *DNSResolver) exchange(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	res, _, err := r.UDPClient.ExchangeContext(ctx, m, r.Nameserver)
	if err != nil {
		return nil, errors.WithMessagef(err, "exchange with %s", r.Nameserver)
	}

	if res.Truncated {
		res, _, err = r.TCPClient.ExchangeContext(ctx, m, r.Nameserver)
		if err != nil {
			return nil, errors.WithMessagef(err, "exchange with %s over tcp", r.Nameserver)
		}
	}

	switch res.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, r.notFound(host)
	default:
		return nil, &net.DNSError{Err: dns.RcodeToString[res.Rcode], Name: host, Server: r.Nameserver}
	}

	var addrs []netip.Addr
	for _, rr := range res.Answer {
		var ip net.IP
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A
		case *dns.AAAA:
			ip = v.AAAA
		default:
			continue
		}
		if addr, ok := netip.AddrFromSlice(ip); ok {
			addrs = append(addrs, addr)
		}
	}

	return addrs, nil
}

func (r *DNSResolver) notFound(host string) error {
	return &net.DNSError{Err: "no such host", Name: host, Server: r.Nameserver, IsNotFound: true}
}

func filterFamily(addrs []netip.Addr, family Family) []netip.Addr {
	out := make([]netip.Addr, 0, len(addrs))
	for _, addr := range addrs {
		addr = addr.Unmap()
		if family.matches(addr) {
			out = append(out, addr)
		}
	}
	return out
}
