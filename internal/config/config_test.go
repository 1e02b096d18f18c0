package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConf(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "dhcpeterd.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConf(t, `
server_ip = "192.168.1.1"
pool_cidr = "192.168.1.0/24"
excluded_ips = ["192.168.1.0", "192.168.1.1", "192.168.1.255"]
lease_seconds = 7200

[options]
subnet_mask = "255.255.255.0"
router = "192.168.1.1"
dns = "192.168.1.1"

[[reservations]]
mac = "aa:bb:cc:dd:ee:ff"
ip = "192.168.1.50"
hostname = "printer"
`)

	conf, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.1", conf.ServerIP)
	assert.Equal(t, "192.168.1.0/24", conf.PoolCIDR)
	assert.Equal(t, 7200, conf.LeaseSeconds)
	assert.Equal(t, "255.255.255.0", conf.Options.SubnetMask)
	require.Len(t, conf.Reservations, 1)
	assert.Equal(t, "192.168.1.50", conf.Reservations[0].IP)
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConf(t, `
server_ip = "192.168.1.1"
pool_cidr = "192.168.1.0/24"
`)

	conf, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3600, conf.LeaseSeconds)
	assert.Equal(t, "dhcpeterd.db", conf.LeaseDBPath)
}

func TestLoad_InvalidServerIP(t *testing.T) {
	path := writeConf(t, `
server_ip = "not-an-ip"
pool_cidr = "192.168.1.0/24"
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "server_ip")
}

func TestLoad_InvalidPoolCIDR(t *testing.T) {
	path := writeConf(t, `
server_ip = "192.168.1.1"
pool_cidr = "not-a-cidr"
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "pool_cidr")
}

func TestLoad_SweepIntervalTooShort(t *testing.T) {
	path := writeConf(t, `
server_ip = "192.168.1.1"
pool_cidr = "192.168.1.0/24"
sweep_interval = 5000000000
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "sweep_interval")
}

func TestLoad_InvalidReservationIP(t *testing.T) {
	path := writeConf(t, `
server_ip = "192.168.1.1"
pool_cidr = "192.168.1.0/24"

[[reservations]]
mac = "aa:bb:cc:dd:ee:ff"
ip = "garbage"
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "reservation")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
