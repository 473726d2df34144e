package kconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/keel-engine/keel/kconfig"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := kconfig.Load("")
	require.NoError(t, err)

	require.Equal(t, "builtin", cfg.ConsensusType)
	require.Equal(t, ":memory:", cfg.DBPath)
	require.NotEmpty(t, cfg.Moniker)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("KEEL_CONSENSUS_TYPE", "external_arbiter")
	t.Setenv("KEEL_ARBITER_HOSTS", "zk1:2181,zk2:2181")

	cfg, err := kconfig.Load("")
	require.NoError(t, err)

	require.Equal(t, "external_arbiter", cfg.ConsensusType)
	require.Equal(t, "zk1:2181,zk2:2181", cfg.ArbiterHosts)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
moniker: test-node
consensus_type: builtin
db_path: /tmp/keel.db
min_consensus_ms: 1500
`), 0o600))

	cfg, err := kconfig.Load(path)
	require.NoError(t, err)

	require.Equal(t, "test-node", cfg.Moniker)
	require.Equal(t, "/tmp/keel.db", cfg.DBPath)
	require.Equal(t, 1500, cfg.MinConsensusMS)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := kconfig.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
