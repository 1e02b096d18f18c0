// Package allocator selects the IP address to offer or bind to a client,
// per spec.md §4.3: static reservations take absolute precedence, then an
// existing dynamic lease, then the first free address in the pool.
package allocator

import (
	"errors"
	"net"
	"time"

	"github.com/psanford/dhcpeterd/internal/leasestore"
)

// ErrPoolExhausted is returned when no address in the pool is free.
var ErrPoolExhausted = errors.New("allocator: pool exhausted")

// Store is the subset of leasestore.Store the allocator needs. Kept as an
// interface so tests can substitute an in-memory fake without a real
// database file.
type Store interface {
	GetStatic(mac string) (*leasestore.Reservation, error)
	GetLease(mac string, now time.Time) (*leasestore.Lease, error)
	SweepExpired(now time.Time) error
	AllActiveLeases(now time.Time) ([]leasestore.Lease, error)
}

// Pool describes the dynamic address range: a CIDR network plus a set of
// addresses excluded from dynamic allocation (network/broadcast/server
// addresses, typically).
type Pool struct {
	Network  *net.IPNet
	Excluded map[string]struct{}
}

// NewPool builds a Pool from a CIDR string and a list of excluded dotted
// quads.
func NewPool(cidr string, excluded []string) (Pool, error) {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return Pool{}, err
	}
	ex := make(map[string]struct{}, len(excluded))
	for _, ip := range excluded {
		ex[ip] = struct{}{}
	}
	return Pool{Network: network, Excluded: ex}, nil
}

// Allocate returns the IP to offer/bind to mac, following spec.md §4.3's
// deterministic ordering:
//  1. A static reservation for mac, if any, unconditionally.
//  2. An existing, unexpired dynamic lease for mac (renewal path).
//  3. The first free address in the pool, in ascending numeric order, after
//     sweeping expired leases.
//
// Allocate does not commit a binding; the caller commits via
// leasestore.Store.UpsertLease on ACK.
func Allocate(store Store, pool Pool, mac string, now time.Time) (net.IP, error) {
	if res, err := store.GetStatic(mac); err != nil {
		return nil, err
	} else if res != nil {
		return res.IP, nil
	}

	if lease, err := store.GetLease(mac, now); err != nil {
		return nil, err
	} else if lease != nil {
		return lease.IP, nil
	}

	if err := store.SweepExpired(now); err != nil {
		return nil, err
	}

	active, err := store.AllActiveLeases(now)
	if err != nil {
		return nil, err
	}
	inUse := make(map[string]struct{}, len(active))
	for _, l := range active {
		inUse[l.IP.String()] = struct{}{}
	}

	for ip := firstHost(pool.Network); pool.Network.Contains(ip); inc(ip) {
		s := ip.String()
		if _, excluded := pool.Excluded[s]; excluded {
			continue
		}
		if _, taken := inUse[s]; taken {
			continue
		}
		return append(net.IP(nil), ip...), nil
	}

	return nil, ErrPoolExhausted
}

// firstHost returns the first address of n's range, a mutable copy safe to
// increment in place by the caller.
func firstHost(n *net.IPNet) net.IP {
	ip := n.IP.To4()
	out := make(net.IP, 4)
	copy(out, ip)
	return out
}

// inc increments a 4-byte IPv4 address in place, big-endian, like a byte
// counter.
func inc(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] != 0 {
			break
		}
	}
}
