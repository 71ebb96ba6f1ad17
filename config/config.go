package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// DefaultPath is where the server looks for its config file.
const DefaultPath = "config/config.yaml"

const envPrefix = "LEDGER"

var defaults = map[string]interface{}{
	"server.port":               8080,
	"log.app_log_file":          "",
	"log.level":                 "info",
	"leveldb.path":              "data/ledger",
	"chain.difficulty":          4,
	"chain.block_capacity":      10,
	"chain.mining_reward":       50,
	"chain.reward_decay":        0.9,
	"chain.miner_address":       "",
	"chain.produce_interval":    "0s",
	"channel.dispute_window":    "24h",
	"watchtower.sweep_interval": "1m",
	"notify.smtp.enabled":       false,
	"notify.smtp.host":          "",
	"notify.smtp.port":          587,
	"notify.smtp.username":      "",
	"notify.smtp.password":      "",
	"notify.smtp.from":          "",
	"notify.smtp.to":            []string{},
}

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	LevelDB    LevelDBConfig    `mapstructure:"leveldb"`
	Chain      ChainConfig      `mapstructure:"chain"`
	Channel    ChannelConfig    `mapstructure:"channel"`
	Watchtower WatchtowerConfig `mapstructure:"watchtower"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Genesis    GenesisConfig    `mapstructure:"genesis"`
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

type ChainConfig struct {
	Difficulty      int           `mapstructure:"difficulty"`
	BlockCapacity   int           `mapstructure:"block_capacity"`
	MiningReward    uint64        `mapstructure:"mining_reward"`
	RewardDecay     float64       `mapstructure:"reward_decay"`
	MinerAddress    string        `mapstructure:"miner_address"`
	ProduceInterval time.Duration `mapstructure:"produce_interval"`
}

type ChannelConfig struct {
	DisputeWindow time.Duration `mapstructure:"dispute_window"`
}

type WatchtowerConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type NotifyConfig struct {
	SMTP SMTPConfig `mapstructure:"smtp"`
}

type SMTPConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

// Allocations are a list rather than a map because viper lowercases map
// keys, which would break checksummed addresses.
type GenesisConfig struct {
	Allocations []Allocation `mapstructure:"allocations"`
}

type Allocation struct {
	Address string `mapstructure:"address"`
	Amount  uint64 `mapstructure:"amount"`
}

// AllocationMap sums allocations per address.
func (g GenesisConfig) AllocationMap() map[string]uint64 {
	out := make(map[string]uint64, len(g.Allocations))
	for _, a := range g.Allocations {
		out[a.Address] += a.Amount
	}
	return out
}

// Load reads the config file at path, then applies LEDGER_* environment
// overrides (LEDGER_CHAIN_DIFFICULTY overrides chain.difficulty). An empty
// path uses defaults and the environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return errors.Errorf("server.port %d out of range", c.Server.Port)
	case c.Chain.Difficulty < 0 || c.Chain.Difficulty > 64:
		return errors.Errorf("chain.difficulty %d out of range [0, 64]", c.Chain.Difficulty)
	case c.Chain.BlockCapacity <= 0:
		return errors.New("chain.block_capacity must be positive")
	case c.Chain.RewardDecay < 0 || c.Chain.RewardDecay > 1:
		return errors.Errorf("chain.reward_decay %v out of range [0, 1]", c.Chain.RewardDecay)
	case c.Chain.ProduceInterval < 0:
		return errors.New("chain.produce_interval must not be negative")
	case c.Channel.DisputeWindow <= 0:
		return errors.New("channel.dispute_window must be positive")
	case c.Watchtower.SweepInterval <= 0:
		return errors.New("watchtower.sweep_interval must be positive")
	case c.Notify.SMTP.Enabled && (c.Notify.SMTP.Host == "" || len(c.Notify.SMTP.To) == 0):
		return errors.New("notify.smtp needs host and recipients when enabled")
	}
	for _, a := range c.Genesis.Allocations {
		if a.Address == "" {
			return errors.New("genesis allocation without address")
		}
	}
	return nil
}
