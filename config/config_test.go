package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  port: 9000
dag:
  epoch: 3
  window: 5
validator:
  author: v0
  seed: seed-v0
validators:
  - author: v0
    seed: seed-v0
    voting_power: 1
  - author: v1
    seed: seed-v1
    voting_power: 2
validator_txn:
  enabled: true
jwk_consensus:
  enabled: true
health:
  policy: backoff
  chain_backoff: 1s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, uint64(10), cfg.DAG.Window)
	require.Equal(t, uint64(1), cfg.DAG.StartRound)
	require.Equal(t, "noop", cfg.Health.Policy)
	require.Equal(t, time.Second, cfg.Fetcher.DedupInterval)
	require.False(t, cfg.ValidatorTxn.Enabled)
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	require.Equal(t, 9000, cfg.Server.Port)
	require.Equal(t, uint64(3), cfg.DAG.Epoch)
	require.Equal(t, uint64(5), cfg.DAG.Window)
	require.Equal(t, "v0", cfg.Validator.Author)
	require.Len(t, cfg.Validators, 2)
	require.Equal(t, uint64(2), cfg.Validators[1].VotingPower)
	require.True(t, cfg.JWKConsensus.Enabled)
	require.Equal(t, time.Second, cfg.Health.ChainBackoff)
	// untouched keys keep their defaults
	require.Equal(t, 1000, cfg.Payload.MaxTxns)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DAGRB_DAG_WINDOW", "42")
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	require.Equal(t, uint64(42), cfg.DAG.Window)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"zero window", func(c *Config) { c.DAG.Window = 0 }, ErrInvalidWindow},
		{"zero payload", func(c *Config) { c.Payload.MaxBytes = 0 }, ErrInvalidPayload},
		{"jwk without validator txns", func(c *Config) { c.JWKConsensus.Enabled = true }, ErrFeatureDependency},
		{"randomness without validator txns", func(c *Config) { c.Randomness.Enabled = true }, ErrFeatureDependency},
		{"inverted thresholds", func(c *Config) {
			c.ValidatorTxn.Enabled = true
			c.Randomness = RandomnessConfig{Enabled: true, SecrecyThreshold: 0.7, ReconstructThreshold: 0.5}
		}, ErrInvalidRandomness},
		{"unknown health policy", func(c *Config) { c.Health.Policy = "magic" }, ErrInvalidHealth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}
