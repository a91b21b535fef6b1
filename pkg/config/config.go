// Package config loads gateway configuration from a YAML file plus
// environment variable overrides, via viper — the library the teacher
// already depends on for this concern.
//
// Grounded on the teacher's pkg/config/config.go structure (a single
// mapstructure-tagged Config, a Load entry point, SetDefault calls ahead of
// ReadInConfig) generalized to this gateway's sections and to the
// environment variables documented for its operators.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/drp-network/gateway/pkg/utils"
)

// Config is the unified configuration for a gateway node.
type Config struct {
	Gateway struct {
		ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
		DataDir    string `mapstructure:"data_dir" json:"data_dir"`
	} `mapstructure:"gateway" json:"gateway"`

	KeyVault struct {
		MasterKeyFile string `mapstructure:"master_key_file" json:"master_key_file"`
	} `mapstructure:"keyvault" json:"keyvault"`

	Consent struct {
		DBFile         string `mapstructure:"db_file" json:"db_file"`
		PrivateKeyFile string `mapstructure:"private_key_file" json:"private_key_file"`
		DefaultTTLSec  int64  `mapstructure:"default_ttl_seconds" json:"default_ttl_seconds"`
	} `mapstructure:"consent" json:"consent"`

	Storage struct {
		IPFSURL string `mapstructure:"ipfs_url" json:"ipfs_url"`
	} `mapstructure:"storage" json:"storage"`

	Index struct {
		Backend string `mapstructure:"backend" json:"backend"` // "memory" or "badger"
		DataDir string `mapstructure:"data_dir" json:"data_dir"`
	} `mapstructure:"index" json:"index"`

	Elders struct {
		KeysFile       string `mapstructure:"keys_file" json:"keys_file"`
		Count          int    `mapstructure:"count" json:"count"`
		CountThreshold int    `mapstructure:"count_threshold" json:"count_threshold"`
	} `mapstructure:"elders" json:"elders"`

	Ledger struct {
		Backend         string `mapstructure:"backend" json:"backend"` // "digest" or "ethereum"
		RPCURL          string `mapstructure:"rpc_url" json:"rpc_url"`
		ContractAddress string `mapstructure:"contract_address" json:"contract_address"`
		PrivateKeyHex   string `mapstructure:"private_key_hex" json:"private_key_hex"`
	} `mapstructure:"ledger" json:"ledger"`

	Session struct {
		KeyTTLSeconds int64 `mapstructure:"key_ttl_seconds" json:"key_ttl_seconds"`
	} `mapstructure:"session" json:"session"`

	Audit struct {
		LogDir string `mapstructure:"log_dir" json:"log_dir"`
	} `mapstructure:"audit" json:"audit"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled" json:"enabled"`
	} `mapstructure:"metrics" json:"metrics"`
}

// envBindings maps a config path to the environment variable its operators
// are documented to set, so an env var always overrides the YAML file
// without requiring a matching key to pre-exist in it.
var envBindings = map[string]string{
	"gateway.listen_addr":      "GATEWAY_LISTEN_ADDR",
	"keyvault.master_key_file": "MASTER_KEY_FILE",
	"elders.keys_file":         "ELDER_KEYS_FILE",
	"consent.db_file":          "CONSENT_DB_FILE",
	"consent.private_key_file": "CONSENT_PRIVATE_KEY_FILE",
	"audit.log_dir":            "AUDIT_LOG_DIR",
	"storage.ipfs_url":         "IPFS_URL",
	"index.data_dir":           "SCYLLA_HOSTS",
	"ledger.rpc_url":           "DRP_RPC_URL",
	"ledger.contract_address":  "DRP_CONTRACT_ADDRESS",
	"ledger.private_key_hex":   "DRP_PRIVATE_KEY",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.listen_addr", ":8080")
	v.SetDefault("gateway.data_dir", "./data")
	v.SetDefault("keyvault.master_key_file", "./data/master_key.key")
	v.SetDefault("consent.db_file", "./data/consent_tokens.json")
	v.SetDefault("consent.private_key_file", "./data/consent_key.raw")
	v.SetDefault("consent.default_ttl_seconds", int64(90*24*3600))
	v.SetDefault("storage.ipfs_url", "http://127.0.0.1:5001")
	v.SetDefault("index.backend", "memory")
	v.SetDefault("index.data_dir", "./data/index")
	v.SetDefault("elders.keys_file", "./data/elder_keys.json")
	v.SetDefault("elders.count", 5)
	v.SetDefault("elders.count_threshold", 3)
	v.SetDefault("ledger.backend", "digest")
	v.SetDefault("session.key_ttl_seconds", int64(24*3600))
	v.SetDefault("audit.log_dir", "./data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.enabled", true)
}

// Load reads configPath (if non-empty) as a YAML config file, merges
// defaults and environment variable overrides, and returns the result. A
// missing configPath file is not an error: defaults plus env vars alone are
// a valid configuration for local and development runs.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, utils.Wrap(err, fmt.Sprintf("read config file %s", configPath))
			}
		}
	}

	for path, env := range envBindings {
		if err := v.BindEnv(path, env); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("bind env var %s", env))
		}
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

// LoadFromEnv loads configuration using GATEWAY_CONFIG_FILE, if set, as the
// YAML file path.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("GATEWAY_CONFIG_FILE", ""))
}
