// Package address turns user supplied IP addresses or hostnames into the
// canonical key and value stored by the address cache.
package address

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"golang.org/x/sync/singleflight"

	warperrors "github.com/mirkobrombin/go-addrcache/v1/errors"
)

// Address is a resolved network address.
type Address struct {
	Host string
	IP   netip.Addr
}

// Key returns the cache key of the address, its hostname.
func (a Address) Key() string { return a.Host }

// String renders the address as "host/ip".
func (a Address) String() string { return a.Host + "/" + a.IP.String() }

// Resolver resolves user input into an Address.
type Resolver interface {
	Resolve(ctx context.Context, s string) (Address, error)
}

// Lookuper is the subset of *net.Resolver used by NetResolver.
type Lookuper interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// NetResolver resolves addresses through DNS. Literal IPs are reverse
// resolved; when no PTR record exists the literal itself is the hostname.
// Concurrent lookups of the same input share a single DNS round trip.
type NetResolver struct {
	lookup Lookuper
	group  singleflight.Group
}

// NewNetResolver returns a NetResolver backed by l. A nil l uses
// net.DefaultResolver.
func NewNetResolver(l Lookuper) *NetResolver {
	if l == nil {
		l = net.DefaultResolver
	}
	return &NetResolver{lookup: l}
}

// Resolve implements Resolver.
func (r *NetResolver) Resolve(ctx context.Context, s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("empty address: %w", warperrors.ErrUnresolvable)
	}
	v, err, _ := r.group.Do(s, func() (any, error) {
		return r.resolve(ctx, s)
	})
	if err != nil {
		return Address{}, err
	}
	return v.(Address), nil
}

func (r *NetResolver) resolve(ctx context.Context, s string) (Address, error) {
	if ip, err := netip.ParseAddr(s); err == nil {
		host := ip.String()
		if names, err := r.lookup.LookupAddr(ctx, host); err == nil && len(names) > 0 {
			host = strings.TrimSuffix(names[0], ".")
		}
		return Address{Host: host, IP: ip}, nil
	}
	ips, err := r.lookup.LookupNetIP(ctx, "ip", s)
	if err != nil || len(ips) == 0 {
		return Address{}, fmt.Errorf("lookup %s: %w", s, warperrors.ErrUnresolvable)
	}
	return Address{Host: s, IP: ips[0].Unmap()}, nil
}
