// Package config loads the server's static configuration: the listen
// segment, address pool, lease duration, DHCP options, and static
// reservations described in spec.md §6.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration surface, loaded once at startup.
type Config struct {
	ServerIP     string         `toml:"server_ip"`
	PoolCIDR     string         `toml:"pool_cidr"`
	ExcludedIPs  []string       `toml:"excluded_ips"`
	LeaseSeconds int            `toml:"lease_seconds"`
	LeaseDBPath  string         `toml:"lease_db_path"`
	MetricsAddr  string         `toml:"metrics_addr"`
	Options      Options        `toml:"options"`
	Reservations []Reservation  `toml:"reservations"`
	SweepInterval time.Duration `toml:"sweep_interval"`
}

// Options are the DHCP options the server advertises on every OFFER/ACK.
type Options struct {
	SubnetMask string `toml:"subnet_mask"`
	Router     string `toml:"router"`
	DNS        string `toml:"dns"`
	NTP        string `toml:"ntp"`
}

// Reservation is a static MAC->IP mapping loaded into the
// static_reservations table at startup.
type Reservation struct {
	MAC         string `toml:"mac"`
	IP          string `toml:"ip"`
	Hostname    string `toml:"hostname"`
	Description string `toml:"description"`
}

// Load reads and parses the TOML config at path and validates the fields
// the core needs to start. Any parse or validation failure is fatal to the
// caller per spec.md §7 ("Configuration error at startup").
func Load(path string) (*Config, error) {
	tml, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	conf := Config{
		LeaseSeconds:  3600,
		LeaseDBPath:   "dhcpeterd.db",
		SweepInterval: 30 * time.Second,
	}
	if err := toml.Unmarshal(tml, &conf); err != nil {
		return nil, err
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}

	return &conf, nil
}

func (c *Config) validate() error {
	if net.ParseIP(c.ServerIP) == nil {
		return fmt.Errorf("config: invalid server_ip %q", c.ServerIP)
	}
	if _, _, err := net.ParseCIDR(c.PoolCIDR); err != nil {
		return fmt.Errorf("config: invalid pool_cidr %q: %w", c.PoolCIDR, err)
	}
	for _, ip := range c.ExcludedIPs {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("config: invalid excluded ip %q", ip)
		}
	}
	if c.LeaseSeconds <= 0 {
		return fmt.Errorf("config: lease_seconds must be positive, got %d", c.LeaseSeconds)
	}
	if c.SweepInterval < 30*time.Second {
		return fmt.Errorf("config: sweep_interval must be at least 30s, got %s", c.SweepInterval)
	}
	for _, r := range c.Reservations {
		if net.ParseIP(r.IP) == nil {
			return fmt.Errorf("config: reservation for %s has invalid ip %q", r.MAC, r.IP)
		}
	}
	return nil
}
