package rewardd

import (
	"bytes"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"help2earn/services/rewardd/dedup"
	"help2earn/services/rewardd/policy"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for rewardd.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	Database      string          `yaml:"database" toml:"database"`
	PauseOnStart  bool            `yaml:"pause" toml:"pause"`
	Rewards       RewardsConfig   `yaml:"rewards" toml:"rewards"`
	Dedup         DedupConfig     `yaml:"dedup" toml:"dedup"`
	Quota         QuotaConfig     `yaml:"quota" toml:"quota"`
	Chain         ChainConfig     `yaml:"chain" toml:"chain"`
	Reconcile     ReconcileConfig `yaml:"reconcile" toml:"reconcile"`
	Admin         AdminConfig     `yaml:"admin" toml:"admin"`
	Log           LogConfig       `yaml:"log" toml:"log"`
}

// RewardsConfig holds the token amounts per decision.
type RewardsConfig struct {
	New           int64   `yaml:"new" toml:"new"`
	Update        int64   `yaml:"update" toml:"update"`
	Accepted      []int64 `yaml:"accepted" toml:"accepted"`
	MinConfidence float64 `yaml:"min_confidence" toml:"min_confidence"`
}

// DedupConfig holds the vicinity radius and re-verification window.
type DedupConfig struct {
	RadiusMeters float64  `yaml:"radius_meters" toml:"radius_meters"`
	Cooldown     Duration `yaml:"cooldown" toml:"cooldown"`
}

// QuotaConfig bounds reward records per contributor.
type QuotaConfig struct {
	Hourly int `yaml:"hourly" toml:"hourly"`
	Daily  int `yaml:"daily" toml:"daily"`
}

// ChainConfig describes the ledger endpoint, contracts and signer.
type ChainConfig struct {
	RPC            string   `yaml:"rpc" toml:"rpc"`
	ChainID        int64    `yaml:"chain_id" toml:"chain_id"`
	Distributor    string   `yaml:"distributor" toml:"distributor"`
	Token          string   `yaml:"token" toml:"token"`
	TokenDecimals  *uint8   `yaml:"token_decimals" toml:"token_decimals"`
	GasLimit       uint64   `yaml:"gas_limit" toml:"gas_limit"`
	Journal        string   `yaml:"journal" toml:"journal"`
	ReceiptTimeout Duration `yaml:"receipt_timeout" toml:"receipt_timeout"`
	PollInterval   Duration `yaml:"poll_interval" toml:"poll_interval"`
	Deadline       Duration `yaml:"deadline" toml:"deadline"`
	MaxAttempts    int      `yaml:"max_attempts" toml:"max_attempts"`
	InitialBackoff Duration `yaml:"initial_backoff" toml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff" toml:"max_backoff"`
	MaxElapsed     Duration `yaml:"max_elapsed" toml:"max_elapsed"`
	RatePerSecond  float64  `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst          int      `yaml:"burst" toml:"burst"`
	FallbackMint   bool     `yaml:"fallback_mint" toml:"fallback_mint"`

	SignerKey             string `yaml:"signer_key" toml:"signer_key"`
	SignerKeyFile         string `yaml:"signer_key_file" toml:"signer_key_file"`
	SignerKeyEnv          string `yaml:"signer_key_env" toml:"signer_key_env"`
	Keystore              string `yaml:"keystore" toml:"keystore"`
	KeystorePassphraseEnv string `yaml:"keystore_passphrase_env" toml:"keystore_passphrase_env"`
}

// ReconcileConfig tunes the reconciliation sweep.
type ReconcileConfig struct {
	Interval    Duration `yaml:"interval" toml:"interval"`
	StaleAfter  Duration `yaml:"stale_after" toml:"stale_after"`
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts"`
	BatchSize   int      `yaml:"batch_size" toml:"batch_size"`
	ReportDir   string   `yaml:"report_dir" toml:"report_dir"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token" toml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file" toml:"bearer_token_file"`
	JWTSecret       string `yaml:"jwt_secret" toml:"jwt_secret"`
	JWTSecretEnv    string `yaml:"jwt_secret_env" toml:"jwt_secret_env"`
	JWTIssuer       string `yaml:"jwt_issuer" toml:"jwt_issuer"`
}

// LogConfig configures the optional rotating log file.
type LogConfig struct {
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// LoadConfig reads configuration from the supplied path. Files ending in
// .toml are decoded as TOML, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(raw), &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.Chain.normalise(); err != nil {
		return cfg, fmt.Errorf("chain signer: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Database == "" {
		cfg.Database = "file:rewardd.db?_pragma=busy_timeout(5000)"
	}
	if cfg.Rewards.New == 0 {
		cfg.Rewards.New = policy.DefaultNewReward
	}
	if cfg.Rewards.Update == 0 {
		cfg.Rewards.Update = policy.DefaultUpdateReward
	}
	if cfg.Rewards.MinConfidence == 0 {
		cfg.Rewards.MinConfidence = defaultMinConfidence
	}
	if cfg.Dedup.RadiusMeters == 0 {
		cfg.Dedup.RadiusMeters = dedup.DefaultRadiusMeters
	}
	if cfg.Dedup.Cooldown.Duration == 0 {
		cfg.Dedup.Cooldown.Duration = dedup.DefaultCooldown
	}
	if cfg.Quota.Hourly == 0 {
		cfg.Quota.Hourly = defaultHourlyQuota
	}
	if cfg.Quota.Daily == 0 {
		cfg.Quota.Daily = defaultDailyQuota
	}
	if cfg.Chain.Journal == "" {
		cfg.Chain.Journal = "rewardd-journal.db"
	}
	if cfg.Chain.Deadline.Duration == 0 {
		cfg.Chain.Deadline.Duration = defaultChainDeadline
	}
	if cfg.Reconcile.Interval.Duration == 0 {
		cfg.Reconcile.Interval.Duration = time.Minute
	}
	if cfg.Reconcile.StaleAfter.Duration == 0 {
		cfg.Reconcile.StaleAfter.Duration = 10 * time.Minute
	}
}

func validateConfig(cfg Config) error {
	if cfg.Rewards.New < 0 || cfg.Rewards.Update < 0 {
		return fmt.Errorf("rewards must be positive")
	}
	if cfg.Rewards.MinConfidence < 0 || cfg.Rewards.MinConfidence > 1 {
		return fmt.Errorf("rewards.min_confidence must be within [0, 1]")
	}
	if cfg.Dedup.RadiusMeters <= 0 {
		return fmt.Errorf("dedup.radius_meters must be positive")
	}
	if cfg.Dedup.Cooldown.Duration <= 0 {
		return fmt.Errorf("dedup.cooldown must be positive")
	}
	if cfg.Quota.Hourly < 0 || cfg.Quota.Daily < 0 {
		return fmt.Errorf("quota limits cannot be negative")
	}
	if strings.TrimSpace(cfg.Chain.RPC) == "" {
		return fmt.Errorf("chain rpc must be configured")
	}
	if cfg.Chain.ChainID <= 0 {
		return fmt.Errorf("chain chain_id must be configured")
	}
	if !common.IsHexAddress(cfg.Chain.Distributor) {
		return fmt.Errorf("chain distributor must be a hex address")
	}
	if cfg.Chain.FallbackMint && !common.IsHexAddress(cfg.Chain.Token) {
		return fmt.Errorf("chain token must be configured when fallback_mint is enabled")
	}
	if cfg.Chain.SignerKey == "" && cfg.Chain.Keystore == "" {
		return fmt.Errorf("signer key must be configured")
	}
	if cfg.Admin.BearerToken == "" && cfg.Admin.JWTSecret == "" {
		return fmt.Errorf("configure either bearer_token or jwt_secret for admin authentication")
	}
	return nil
}

// ChainIDBig returns the configured chain id.
func (c ChainConfig) ChainIDBig() *big.Int {
	return big.NewInt(c.ChainID)
}

func (c *ChainConfig) normalise() error {
	c.SignerKey = strings.TrimSpace(c.SignerKey)
	c.SignerKeyEnv = strings.TrimSpace(c.SignerKeyEnv)
	c.SignerKeyFile = strings.TrimSpace(c.SignerKeyFile)
	c.Keystore = strings.TrimSpace(c.Keystore)
	if c.SignerKey != "" {
		return nil
	}
	switch {
	case c.SignerKeyEnv != "":
		value := strings.TrimSpace(os.Getenv(c.SignerKeyEnv))
		if value == "" {
			return fmt.Errorf("signer_key_env %s is empty", c.SignerKeyEnv)
		}
		c.SignerKey = value
	case c.SignerKeyFile != "":
		contents, err := os.ReadFile(c.SignerKeyFile)
		if err != nil {
			return fmt.Errorf("read signer_key_file: %w", err)
		}
		c.SignerKey = strings.TrimSpace(string(contents))
	case c.Keystore != "":
		// Decrypted at startup once the passphrase is available.
	default:
		return fmt.Errorf("signer_key or keystore is required")
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	a.JWTSecret = strings.TrimSpace(a.JWTSecret)
	if env := strings.TrimSpace(a.JWTSecretEnv); env != "" && a.JWTSecret == "" {
		a.JWTSecret = strings.TrimSpace(os.Getenv(env))
		if a.JWTSecret == "" {
			return fmt.Errorf("jwt_secret_env %s is empty", env)
		}
	}
	a.JWTIssuer = strings.TrimSpace(a.JWTIssuer)
	return nil
}
