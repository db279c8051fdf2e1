package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Chain  ChainConfig
	Redis  RedisConfig
	Oracle OracleConfig
	Vault  VaultConfig
	Settle SettleConfig
	Server ServerConfig
}

type ChainConfig struct {
	RPCURL            string `mapstructure:"rpc_url"`
	ChainID           int64  `mapstructure:"chain_id"`
	GatewayAddress    string `mapstructure:"gateway_address"`
	OwnerAddress      string `mapstructure:"owner_address"`
	RelayerPrivateKey string `mapstructure:"relayer_private_key"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type OracleConfig struct {
	MaxStalenessSec int64 `mapstructure:"max_staleness_sec"`
}

// AssetConfig describes one whitelisted asset. Feed may be empty only for
// fixed-unit assets.
type AssetConfig struct {
	Address   string `mapstructure:"address"`
	Feed      string `mapstructure:"feed"`
	FixedUnit bool   `mapstructure:"fixed_unit"`
}

type VaultConfig struct {
	SettlementAsset string        `mapstructure:"settlement_asset"`
	Assets          []AssetConfig `mapstructure:"assets"`
}

// SettleConfig drives the async relaying-fee charger. FeePerItem is a
// decimal credit amount charged to the signer for each batch item; zero or
// empty disables charging.
type SettleConfig struct {
	FeePerItem string `mapstructure:"fee_per_item"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("oracle.max_staleness_sec", 3600)

	// Config file (optional); asset whitelist only loads from here
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"chain.rpc_url":             "RPC_URL",
		"chain.chain_id":            "CHAIN_ID",
		"chain.gateway_address":     "GATEWAY_ADDRESS",
		"chain.owner_address":       "OWNER_ADDRESS",
		"chain.relayer_private_key": "RELAYER_PRIVATE_KEY",
		"redis.addr":                "REDIS_ADDR",
		"redis.password":            "REDIS_PASSWORD",
		"oracle.max_staleness_sec":  "ORACLE_MAX_STALENESS_SEC",
		"vault.settlement_asset":    "SETTLEMENT_ASSET",
		"settle.fee_per_item":       "SETTLE_FEE_PER_ITEM",
		"server.port":               "PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Chain.RPCURL, "RPC_URL"},
		{c.Chain.GatewayAddress, "GATEWAY_ADDRESS"},
		{c.Chain.OwnerAddress, "OWNER_ADDRESS"},
		{c.Chain.RelayerPrivateKey, "RELAYER_PRIVATE_KEY"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	for i, a := range c.Vault.Assets {
		if a.Address == "" {
			return fmt.Errorf("vault.assets[%d]: address missing", i)
		}
		if !a.FixedUnit && a.Feed == "" {
			return fmt.Errorf("vault.assets[%d]: feed required for non-fixed-unit asset", i)
		}
	}
	return nil
}
