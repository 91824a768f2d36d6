package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PayloadConfig bounds the user payload of a node
type PayloadConfig struct {
	MaxTxns  int `mapstructure:"max_txns"`
	MaxBytes int `mapstructure:"max_bytes"`
}

// ValidatorTxnConfig gates validator system transactions
type ValidatorTxnConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	MaxTxns  int  `mapstructure:"max_txns"`
	MaxBytes int  `mapstructure:"max_bytes"`
}

// RandomnessConfig gates DKG result transactions of on-chain randomness
type RandomnessConfig struct {
	Enabled              bool    `mapstructure:"enabled"`
	SecrecyThreshold     float64 `mapstructure:"secrecy_threshold"`
	ReconstructThreshold float64 `mapstructure:"reconstruct_threshold"`
}

// JWKConsensusConfig gates observed JWK update transactions
type JWKConsensusConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	AppLogFile string `mapstructure:"app_log_file"`
	Level      string `mapstructure:"level"`
}

type LevelDBConfig struct {
	Path string `mapstructure:"path"`
}

type DAGConfig struct {
	Epoch      uint64 `mapstructure:"epoch"`
	StartRound uint64 `mapstructure:"start_round"`
	Window     uint64 `mapstructure:"window"`
}

// ValidatorConfig names this validator and the seed of its key
type ValidatorConfig struct {
	Author string `mapstructure:"author"`
	Seed   string `mapstructure:"seed"`
}

// PeerConfig is one member of the validator set. PublicKey takes precedence over Seed.
type PeerConfig struct {
	Author      string `mapstructure:"author"`
	PublicKey   string `mapstructure:"public_key"`
	Seed        string `mapstructure:"seed"`
	VotingPower uint64 `mapstructure:"voting_power"`
}

type HealthConfig struct {
	Policy            string        `mapstructure:"policy"` // noop or backoff
	ChainWindow       uint64        `mapstructure:"chain_window"`
	MinParticipation  float64       `mapstructure:"min_participation"`
	ChainBackoff      time.Duration `mapstructure:"chain_backoff"`
	PipelineSoftLimit uint64        `mapstructure:"pipeline_soft_limit"`
	PipelineHardLimit uint64        `mapstructure:"pipeline_hard_limit"`
	PipelineBackoff   time.Duration `mapstructure:"pipeline_backoff"`
}

type FetcherConfig struct {
	QueueSize     int           `mapstructure:"queue_size"`
	DedupSize     int           `mapstructure:"dedup_size"`
	DedupInterval time.Duration `mapstructure:"dedup_interval"`
}

type OrderRuleConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

// Config is the full process configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	LevelDB      LevelDBConfig      `mapstructure:"leveldb"`
	DAG          DAGConfig          `mapstructure:"dag"`
	Validator    ValidatorConfig    `mapstructure:"validator"`
	Validators   []PeerConfig       `mapstructure:"validators"`
	Payload      PayloadConfig      `mapstructure:"payload"`
	ValidatorTxn ValidatorTxnConfig `mapstructure:"validator_txn"`
	Randomness   RandomnessConfig   `mapstructure:"randomness"`
	JWKConsensus JWKConsensusConfig `mapstructure:"jwk_consensus"`
	Health       HealthConfig       `mapstructure:"health"`
	Fetcher      FetcherConfig      `mapstructure:"fetcher"`
	OrderRule    OrderRuleConfig    `mapstructure:"order_rule"`
}

const envPrefix = "DAGRB"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.app_log_file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("leveldb.path", "data/dag")
	v.SetDefault("dag.epoch", 1)
	v.SetDefault("dag.start_round", 1)
	v.SetDefault("dag.window", 10)
	v.SetDefault("payload.max_txns", 1000)
	v.SetDefault("payload.max_bytes", 1<<20)
	v.SetDefault("validator_txn.enabled", false)
	v.SetDefault("validator_txn.max_txns", 2)
	v.SetDefault("validator_txn.max_bytes", 2<<20)
	v.SetDefault("randomness.enabled", false)
	v.SetDefault("randomness.secrecy_threshold", 0.5)
	v.SetDefault("randomness.reconstruct_threshold", 0.66)
	v.SetDefault("jwk_consensus.enabled", false)
	v.SetDefault("health.policy", "noop")
	v.SetDefault("health.chain_window", 10)
	v.SetDefault("health.min_participation", 0.67)
	v.SetDefault("health.chain_backoff", 200*time.Millisecond)
	v.SetDefault("health.pipeline_soft_limit", 4)
	v.SetDefault("health.pipeline_hard_limit", 20)
	v.SetDefault("health.pipeline_backoff", 100*time.Millisecond)
	v.SetDefault("fetcher.queue_size", 256)
	v.SetDefault("fetcher.dedup_size", 1024)
	v.SetDefault("fetcher.dedup_interval", time.Second)
	v.SetDefault("order_rule.queue_size", 1024)
}

// Default returns the configuration with every default applied
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return &cfg
}

// Load reads the YAML file at path (if not empty), applies DAGRB_* environment
// overrides and validates the result
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var (
	ErrInvalidWindow     = errors.New("config: dag.window must be positive")
	ErrInvalidPayload    = errors.New("config: payload limits must be positive")
	ErrInvalidRandomness = errors.New("config: randomness thresholds must satisfy 0 < secrecy < reconstruct <= 1")
	ErrFeatureDependency = errors.New("config: feature requires validator transactions")
	ErrInvalidHealth     = errors.New("config: invalid health policy")
)

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if c.DAG.Window == 0 {
		return ErrInvalidWindow
	}
	if c.Payload.MaxTxns <= 0 || c.Payload.MaxBytes <= 0 {
		return ErrInvalidPayload
	}
	if err := c.Randomness.Validate(); err != nil {
		return err
	}
	if (c.Randomness.Enabled || c.JWKConsensus.Enabled) && !c.ValidatorTxn.Enabled {
		return ErrFeatureDependency
	}
	switch c.Health.Policy {
	case "noop":
	case "backoff":
		if c.Health.MinParticipation < 0 || c.Health.MinParticipation > 1 {
			return fmt.Errorf("%w: min_participation %v", ErrInvalidHealth, c.Health.MinParticipation)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidHealth, c.Health.Policy)
	}
	return nil
}

// Validate checks the thresholds when randomness is enabled
func (r RandomnessConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	if r.SecrecyThreshold <= 0 || r.SecrecyThreshold >= r.ReconstructThreshold || r.ReconstructThreshold > 1 {
		return fmt.Errorf("%w: secrecy %v, reconstruct %v", ErrInvalidRandomness, r.SecrecyThreshold, r.ReconstructThreshold)
	}
	return nil
}
