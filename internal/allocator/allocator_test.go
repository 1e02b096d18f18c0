package allocator

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psanford/dhcpeterd/internal/leasestore"
)

// fakeStore is an in-memory Store for allocator tests, avoiding a real
// sqlite file for pure algorithm coverage.
type fakeStore struct {
	mu           sync.Mutex
	leases       map[string]leasestore.Lease // by mac
	reservations map[string]leasestore.Reservation
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		leases:       make(map[string]leasestore.Lease),
		reservations: make(map[string]leasestore.Reservation),
	}
}

func (f *fakeStore) GetStatic(mac string) (*leasestore.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.reservations[mac]; ok {
		return &r, nil
	}
	return nil, nil
}

func (f *fakeStore) GetLease(mac string, now time.Time) (*leasestore.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.leases[mac]; ok && l.Active(now) {
		return &l, nil
	}
	return nil, nil
}

func (f *fakeStore) SweepExpired(now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for mac, l := range f.leases {
		if !l.Active(now) {
			delete(f.leases, mac)
		}
	}
	return nil
}

func (f *fakeStore) AllActiveLeases(now time.Time) ([]leasestore.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []leasestore.Lease
	for _, l := range f.leases {
		if l.Active(now) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStore) upsert(mac string, ip net.IP, now time.Time, leaseSeconds int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leases[mac] = leasestore.Lease{
		MAC:        mac,
		IP:         ip,
		LeaseStart: now,
		LeaseEnd:   now.Add(time.Duration(leaseSeconds) * time.Second),
		LastSeen:   now,
	}
}

func mustPool(t *testing.T, cidr string, excluded []string) Pool {
	t.Helper()
	p, err := NewPool(cidr, excluded)
	require.NoError(t, err)
	return p
}

func TestAllocate_FreshClient(t *testing.T) {
	store := newFakeStore()
	pool := mustPool(t, "192.168.1.0/24", []string{"192.168.1.0", "192.168.1.1", "192.168.1.255"})
	now := time.Unix(1_700_000_000, 0)

	ip, err := Allocate(store, pool, "aa:bb:cc:dd:ee:01", now)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.2", ip.String())
}

func TestAllocate_RenewalStability(t *testing.T) {
	store := newFakeStore()
	pool := mustPool(t, "192.168.1.0/24", []string{"192.168.1.0", "192.168.1.1", "192.168.1.255"})
	now := time.Unix(1_700_000_000, 0)

	ip1, err := Allocate(store, pool, "aa:bb:cc:dd:ee:01", now)
	require.NoError(t, err)
	store.upsert("aa:bb:cc:dd:ee:01", ip1, now, 3600)

	later := now.Add(100 * time.Second)
	ip2, err := Allocate(store, pool, "aa:bb:cc:dd:ee:01", later)
	require.NoError(t, err)
	assert.Equal(t, ip1, ip2)
}

func TestAllocate_StaticPrecedence(t *testing.T) {
	store := newFakeStore()
	pool := mustPool(t, "192.168.1.0/24", []string{"192.168.1.0", "192.168.1.1", "192.168.1.255"})
	now := time.Unix(1_700_000_000, 0)

	mac := "aa:bb:cc:dd:ee:ff"
	dynamicIP, err := Allocate(store, pool, mac, now)
	require.NoError(t, err)
	store.upsert(mac, dynamicIP, now, 3600)

	store.reservations[mac] = leasestore.Reservation{
		MAC: mac,
		IP:  net.ParseIP("192.168.1.50"),
	}

	ip, err := Allocate(store, pool, mac, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.50", ip.String())
}

func TestAllocate_PoolExhaustion(t *testing.T) {
	store := newFakeStore()
	pool := mustPool(t, "192.168.1.0/30", []string{"192.168.1.0", "192.168.1.3"})
	now := time.Unix(1_700_000_000, 0)

	macs := []string{"aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02", "aa:bb:cc:dd:ee:03"}
	var got []string
	for i, mac := range macs {
		ip, err := Allocate(store, pool, mac, now)
		if i < 2 {
			require.NoError(t, err)
			store.upsert(mac, ip, now, 3600)
			got = append(got, ip.String())
		} else {
			assert.ErrorIs(t, err, ErrPoolExhausted)
		}
	}
	assert.ElementsMatch(t, []string{"192.168.1.1", "192.168.1.2"}, got)
}

func TestAllocate_ExpiryCorrectness(t *testing.T) {
	store := newFakeStore()
	pool := mustPool(t, "192.168.1.0/24", []string{"192.168.1.0", "192.168.1.1", "192.168.1.255"})
	start := time.Unix(1_700_000_000, 0)

	mac := "aa:bb:cc:dd:ee:01"
	ip, err := Allocate(store, pool, mac, start)
	require.NoError(t, err)
	store.upsert(mac, ip, start, 10)

	require.NoError(t, store.SweepExpired(start.Add(5*time.Second)))
	l, err := store.GetLease(mac, start.Add(5*time.Second))
	require.NoError(t, err)
	assert.NotNil(t, l)

	require.NoError(t, store.SweepExpired(start.Add(11*time.Second)))
	l, err = store.GetLease(mac, start.Add(11*time.Second))
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestAllocate_NoDoubleAllocationUnderConcurrency(t *testing.T) {
	store := newFakeStore()
	pool := mustPool(t, "192.168.1.0/29", []string{"192.168.1.0", "192.168.1.7"})
	now := time.Unix(1_700_000_000, 0)

	const k = 6 // usable hosts in a /29 minus the two excluded
	var mu sync.Mutex
	var wg sync.WaitGroup
	results := make([]string, 0, k)

	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mac := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, byte(i)}.String()

			// Mimic the handler's serialized allocate-then-commit section:
			// the allocator alone is not safe to call concurrently without
			// this, per spec.md §5.
			mu.Lock()
			ip, err := Allocate(store, pool, mac, now)
			if err == nil {
				store.upsert(mac, ip, now, 3600)
			}
			mu.Unlock()

			if err == nil {
				mu.Lock()
				results = append(results, ip.String())
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, results, k)
	seen := make(map[string]struct{}, k)
	for _, ip := range results {
		_, dup := seen[ip]
		assert.False(t, dup, "duplicate ip allocated: %s", ip)
		seen[ip] = struct{}{}
	}
}
