// Copyright 2026 Weft Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package fabric

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fabric-wide configuration, loadable from YAML and
// overridable through WEFT_* environment variables.
type Config struct {
	LogLevel    string `yaml:"logLevel" mapstructure:"logLevel"`
	Development bool   `yaml:"development" mapstructure:"development"`

	Hub HubConfig `yaml:"hub" mapstructure:"hub"`

	Discovery DiscoveryConfig `yaml:"discovery" mapstructure:"discovery"`

	Limits LimitsConfig `yaml:"limits" mapstructure:"limits"`

	KeyStore KeyStoreConfig `yaml:"keystore" mapstructure:"keystore"`
}

// HubConfig tunes the message hub.
type HubConfig struct {
	InboxCapacity     int           `yaml:"inboxCapacity" mapstructure:"inboxCapacity"`
	Retention         time.Duration `yaml:"retention" mapstructure:"retention"`
	TimeoutPartnerTTL time.Duration `yaml:"timeoutPartnerTTL" mapstructure:"timeoutPartnerTTL"`
	HistoryLimit      int           `yaml:"historyLimit" mapstructure:"historyLimit"`
}

// DiscoveryConfig tunes capability discovery.
type DiscoveryConfig struct {
	// MinScore is the default semantic score threshold.
	MinScore float64 `yaml:"minScore" mapstructure:"minScore"`

	// ActivityWindow is how recently an agent must have acted to count
	// as active.
	ActivityWindow time.Duration `yaml:"activityWindow" mapstructure:"activityWindow"`

	// IndexPath persists the capability index across restarts when set.
	IndexPath string `yaml:"indexPath" mapstructure:"indexPath"`
}

// LimitsConfig sets the default per-agent rate limits.
type LimitsConfig struct {
	TokensPerMinute int `yaml:"tokensPerMinute" mapstructure:"tokensPerMinute"`
	TokensPerHour   int `yaml:"tokensPerHour" mapstructure:"tokensPerHour"`
	MaxTurns        int `yaml:"maxTurns" mapstructure:"maxTurns"`
}

// KeyStoreConfig selects where agent key material lives.
type KeyStoreConfig struct {
	// Driver is "file", "sqlite", or "" for no persistence.
	Driver string `yaml:"driver" mapstructure:"driver"`

	// Path is the directory (file driver) or database path (sqlite).
	Path string `yaml:"path" mapstructure:"path"`
}

// DefaultConfig returns the configuration used when nothing is provided.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Hub: HubConfig{
			InboxCapacity:     128,
			Retention:         15 * time.Minute,
			TimeoutPartnerTTL: 10 * time.Minute,
			HistoryLimit:      1000,
		},
		Discovery: DiscoveryConfig{
			MinScore:       0.3,
			ActivityWindow: 5 * time.Minute,
		},
		Limits: LimitsConfig{
			TokensPerMinute: 5500,
			TokensPerHour:   100000,
			MaxTurns:        20,
		},
	}
}

// LoadConfig reads the configuration from path (YAML), layering WEFT_*
// environment variables over it. An empty path loads defaults and
// environment only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WEFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := DefaultConfig()
	v.SetDefault("logLevel", def.LogLevel)
	v.SetDefault("development", def.Development)
	v.SetDefault("hub.inboxCapacity", def.Hub.InboxCapacity)
	v.SetDefault("hub.retention", def.Hub.Retention)
	v.SetDefault("hub.timeoutPartnerTTL", def.Hub.TimeoutPartnerTTL)
	v.SetDefault("hub.historyLimit", def.Hub.HistoryLimit)
	v.SetDefault("discovery.minScore", def.Discovery.MinScore)
	v.SetDefault("discovery.activityWindow", def.Discovery.ActivityWindow)
	v.SetDefault("discovery.indexPath", def.Discovery.IndexPath)
	v.SetDefault("limits.tokensPerMinute", def.Limits.TokensPerMinute)
	v.SetDefault("limits.tokensPerHour", def.Limits.TokensPerHour)
	v.SetDefault("limits.maxTurns", def.Limits.MaxTurns)
	v.SetDefault("keystore.driver", def.KeyStore.Driver)
	v.SetDefault("keystore.path", def.KeyStore.Path)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("fabric: read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("fabric: parse config: %w", err)
	}
	return cfg, nil
}
