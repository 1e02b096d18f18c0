// Package leasestore implements the durable, concurrency-safe table of
// DHCP leases and static reservations described in spec.md §4.2 and §6,
// backed by an embedded SQLite database so the on-disk schema remains
// directly readable by an external administrative consumer.
package leasestore

import (
	"database/sql"
	"fmt"
	"net"
	"time"

	_ "modernc.org/sqlite"
)

// Lease is a time-bounded binding of a hardware address to an IP address.
type Lease struct {
	MAC        string
	IP         net.IP
	Hostname   string
	LeaseStart time.Time
	LeaseEnd   time.Time
	LastSeen   time.Time
}

// Active reports whether the lease has not yet expired at t.
func (l Lease) Active(t time.Time) bool {
	return l.LeaseEnd.After(t)
}

// Reservation is an administrative MAC->IP mapping that overrides dynamic
// allocation. The core treats this table as read-only.
type Reservation struct {
	MAC         string
	IP          net.IP
	Hostname    string
	Description string
}

// Store is a SQL-backed lease table. All exported methods are safe for
// concurrent use; the schema matches spec.md §6 so the file can be opened
// directly by an out-of-band dashboard process.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS leases (
	mac_address TEXT PRIMARY KEY,
	ip_address  TEXT NOT NULL,
	hostname    TEXT,
	lease_start REAL NOT NULL,
	lease_end   REAL NOT NULL,
	last_seen   REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS static_reservations (
	mac_address TEXT PRIMARY KEY,
	ip_address  TEXT NOT NULL,
	hostname    TEXT,
	description TEXT
);
`

// Open opens (creating if necessary) the SQLite database at path and
// ensures the leases/static_reservations schema exists. path may be
// ":memory:" for an ephemeral, test-only store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("leasestore: open %s: %w", path, err)
	}
	// SQLite allows only one writer at a time; the session handler already
	// serializes the allocate-then-upsert sequence with its own mutex, but
	// a single connection keeps sqlite's internal locking out of the way
	// entirely rather than surfacing SQLITE_BUSY under concurrent readers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("leasestore: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetLease returns the lease for mac if one exists with lease_end > now.
func (s *Store) GetLease(mac string, now time.Time) (*Lease, error) {
	row := s.db.QueryRow(`
		SELECT mac_address, ip_address, hostname, lease_start, lease_end, last_seen
		FROM leases
		WHERE mac_address = ? AND lease_end > ?`, mac, epoch(now))

	l, err := scanLease(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("leasestore: get lease: %w", err)
	}
	return l, nil
}

// GetStatic returns the static reservation for mac, if any.
func (s *Store) GetStatic(mac string) (*Reservation, error) {
	row := s.db.QueryRow(`
		SELECT mac_address, ip_address, hostname, description
		FROM static_reservations
		WHERE mac_address = ?`, mac)

	var r Reservation
	var ip string
	var hostname, description sql.NullString
	err := row.Scan(&r.MAC, &ip, &hostname, &description)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("leasestore: get static: %w", err)
	}
	r.IP = net.ParseIP(ip)
	r.Hostname = hostname.String
	r.Description = description.String
	return &r, nil
}

// UpsertLease inserts or replaces the lease record for mac: lease_start and
// last_seen are set to now, lease_end to now+leaseSeconds.
func (s *Store) UpsertLease(mac string, ip net.IP, hostname string, leaseSeconds int, now time.Time) error {
	leaseEnd := now.Add(time.Duration(leaseSeconds) * time.Second)
	_, err := s.db.Exec(`
		INSERT INTO leases (mac_address, ip_address, hostname, lease_start, lease_end, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(mac_address) DO UPDATE SET
			ip_address = excluded.ip_address,
			hostname = excluded.hostname,
			lease_start = excluded.lease_start,
			lease_end = excluded.lease_end,
			last_seen = excluded.last_seen`,
		mac, ip.String(), nullableString(hostname), epoch(now), epoch(leaseEnd), epoch(now))
	if err != nil {
		return fmt.Errorf("leasestore: upsert lease: %w", err)
	}
	return nil
}

// AllActiveLeases returns every lease record with lease_end > now.
func (s *Store) AllActiveLeases(now time.Time) ([]Lease, error) {
	rows, err := s.db.Query(`
		SELECT mac_address, ip_address, hostname, lease_start, lease_end, last_seen
		FROM leases
		WHERE lease_end > ?`, epoch(now))
	if err != nil {
		return nil, fmt.Errorf("leasestore: all active leases: %w", err)
	}
	defer rows.Close()

	var out []Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("leasestore: scan lease: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// DeleteLease removes the lease row for mac, used by administrative release.
func (s *Store) DeleteLease(mac string) error {
	_, err := s.db.Exec(`DELETE FROM leases WHERE mac_address = ?`, mac)
	if err != nil {
		return fmt.Errorf("leasestore: delete lease: %w", err)
	}
	return nil
}

// SweepExpired deletes every lease record with lease_end <= now.
func (s *Store) SweepExpired(now time.Time) error {
	_, err := s.db.Exec(`DELETE FROM leases WHERE lease_end <= ?`, epoch(now))
	if err != nil {
		return fmt.Errorf("leasestore: sweep expired: %w", err)
	}
	return nil
}

// AddReservation inserts or replaces a static reservation. Administrative
// use only (e.g. loaded from config at startup); the session handler never
// calls this.
func (s *Store) AddReservation(r Reservation) error {
	_, err := s.db.Exec(`
		INSERT INTO static_reservations (mac_address, ip_address, hostname, description)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(mac_address) DO UPDATE SET
			ip_address = excluded.ip_address,
			hostname = excluded.hostname,
			description = excluded.description`,
		r.MAC, r.IP.String(), nullableString(r.Hostname), nullableString(r.Description))
	if err != nil {
		return fmt.Errorf("leasestore: add reservation: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLease(row scanner) (*Lease, error) {
	var l Lease
	var ip string
	var hostname sql.NullString
	var start, end, lastSeen float64
	if err := row.Scan(&l.MAC, &ip, &hostname, &start, &end, &lastSeen); err != nil {
		return nil, err
	}
	l.IP = net.ParseIP(ip)
	l.Hostname = hostname.String
	l.LeaseStart = fromEpoch(start)
	l.LeaseEnd = fromEpoch(end)
	l.LastSeen = fromEpoch(lastSeen)
	return &l, nil
}

func epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromEpoch(f float64) time.Time {
	return time.Unix(0, int64(f*float64(time.Second)))
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
