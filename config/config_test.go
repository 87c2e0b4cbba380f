package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"shielded-pool/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
[Log]
Level = "debug"

[PostgreSQL]
PasswordWrite = "file-password"

[Web3]
URL = "http://localhost:8545"

[[Pools]]
Address = "0x00000000000000000000000000000000000000aa"
StartBlockNum = 10
TreeHeight = 20
Hasher = "poseidon"
BatchSizes = [4, 16]
Queue = "coordinator"
WrappedTokens = ["0x00000000000000000000000000000000000000bb"]

[[Assets]]
AssetID = "1"
TokenID = "0"
Wrapped = "0x00000000000000000000000000000000000000bb"
Unwrapped = "0x00000000000000000000000000000000000000cc"
Symbol = "WETH"

[[Provers]]
Circuit = "batch-4"
Mock = true
MockDelay = "10ms"

[Coordinator]
ForgerAddress = "0x00000000000000000000000000000000000000dd"
ForgeDelay = "3s"

[Coordinator.EthClient.Keystore]
Path = "/tmp/keystore"
Password = "secret"
`

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadNode(t *testing.T) {
	t.Setenv("POOLNODE_POSTGRESQL_PASSWORDWRITE", "env-password")
	cfg, err := LoadNode(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"stdout"}, cfg.Log.Out)
	assert.Equal(t, "env-password", cfg.PostgreSQL.PasswordWrite)
	assert.Equal(t, "localhost", cfg.PostgreSQL.HostWrite)

	require.Equal(t, 1, len(cfg.Pools))
	pool := cfg.Pools[0]
	assert.Equal(t, ethCommon.HexToAddress("0xaa"), pool.Address)
	assert.Equal(t, QueueCoordinator, pool.Queue)
	sizes, err := pool.ParsedBatchSizes()
	require.NoError(t, err)
	assert.Equal(t, []common.BatchSize{common.BatchSize4, common.BatchSize16}, sizes)

	assets := cfg.CommonAssets()
	require.Equal(t, 1, len(assets))
	assert.Equal(t, big.NewInt(1), assets[0].AssetID)
	assert.Equal(t, ethCommon.HexToAddress("0xcc"), assets[0].Unwrapped)

	assert.Equal(t, 3*time.Second, cfg.Coordinator.ForgeDelay.Duration)
	assert.Equal(t, 500*time.Millisecond, cfg.Coordinator.ForgeRetryInterval.Duration)
	assert.Equal(t, 10*time.Millisecond, cfg.Provers[0].MockDelay.Duration)
	assert.Equal(t, time.Second, cfg.Synchronizer.SyncLoopInterval.Duration)
	assert.Equal(t, "POOL_ROOTS", cfg.Nats.Stream)
}

func TestLoadNodeInvalid(t *testing.T) {
	testCases := map[string]string{
		"batch size":  `BatchSizes = [4, 6]`,
		"queue":       `Queue = "memory"`,
		"hasher":      `Hasher = "sha256"`,
		"unknown key": `Color = "blue"`,
	}
	for name, line := range testCases {
		content := testConfig + "\n[[Pools]]\n" +
			"Address = \"0x00000000000000000000000000000000000000ab\"\n" +
			"TreeHeight = 20\nQueue = \"ledger\"\n" + line + "\n"
		_, err := LoadNode(writeConfig(t, content))
		assert.Error(t, err, name)
	}

	duplicated := testConfig + "\n[[Pools]]\n" +
		"Address = \"0x00000000000000000000000000000000000000aa\"\n" +
		"TreeHeight = 20\nQueue = \"ledger\"\n"
	_, err := LoadNode(writeConfig(t, duplicated))
	assert.Error(t, err)

	_, err = LoadNode(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration)
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
