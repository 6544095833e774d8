package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_AppliesDefaultsAndOverrides(t *testing.T) {
	path := writeTemp(t, "node.toml", `
data_dir = "/var/lib/citacore"
log_level = "debug" # inline comment

[authpool]
pool_capacity = 1000
block_quota = 5000000

[chain]
status_period = "10s"

[executor]
economic_model = "charge"
auto_exec_enabled = true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/citacore", cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 1000, cfg.PoolCapacity)
	assert.Equal(t, uint64(5_000_000), cfg.BlockQuota)
	assert.Equal(t, 10*time.Second, cfg.StatusPeriod)
	assert.Equal(t, "charge", cfg.EconomicModel)
	assert.True(t, cfg.AutoExecEnabled)

	// Untouched fields keep their defaults.
	assert.Equal(t, 200, cfg.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.SyncDeadline)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestLoad_BadLineRejected(t *testing.T) {
	path := writeTemp(t, "bad.toml", "not-a-key-value-line\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadGenesis_RoundTrips(t *testing.T) {
	path := writeTemp(t, "genesis.json", `{
		"chain_id": 1,
		"validators": ["0101010101010101010101010101010101010101"],
		"authorized": ["0202020202020202020202020202020202020202"],
		"accounts": [{"address": "0202020202020202020202020202020202020202", "balance": "1000000"}],
		"super_admin": "0101010101010101010101010101010101010101"
	}`)
	g, err := LoadGenesis(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), g.ChainID)

	addrs, err := g.ValidatorAddresses()
	require.NoError(t, err)
	require.Len(t, addrs, 1)

	auth, err := NewStaticAuthSet(g)
	require.NoError(t, err)
	authorized, err := ParseAddress("0202020202020202020202020202020202020202")
	require.NoError(t, err)
	stranger, err := ParseAddress("0303030303030303030303030303030303030303")
	require.NoError(t, err)
	assert.True(t, auth.IsAuthorized(authorized))
	assert.False(t, auth.IsAuthorized(stranger))
}

func TestStaticAuthSet_EmptyListAuthorizesEveryone(t *testing.T) {
	auth, err := NewStaticAuthSet(&Genesis{})
	require.NoError(t, err)
	addr, err := ParseAddress("0404040404040404040404040404040404040404")
	require.NoError(t, err)
	assert.True(t, auth.IsAuthorized(addr))
}
