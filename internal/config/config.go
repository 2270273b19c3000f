// Package config loads the structured runtime configuration described in
// SPEC_FULL.md §6/§10: capture source selection, connection-tracker limits,
// mempool sizing, and logging.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Online holds live-capture settings.
type Online struct {
	Interface   string `mapstructure:"interface"`
	BPF         string `mapstructure:"bpf"`
	SnapLen     int32  `mapstructure:"snaplen"`
	Promiscuous bool   `mapstructure:"promiscuous"`
	TimeoutMs   int    `mapstructure:"timeout_ms"`
	Cores       int    `mapstructure:"cores"`
}

// Offline holds pcap-file replay settings.
type Offline struct {
	PcapPath string `mapstructure:"pcap_path"`
}

// Conntrack holds connection-tracker limits.
type Conntrack struct {
	MaxConnections       int `mapstructure:"max_connections"`
	MaxOutOfOrder        int `mapstructure:"max_out_of_order"`
	TCPInactivityMs      int `mapstructure:"tcp_inactivity_ms"`
	UDPInactivityMs      int `mapstructure:"udp_inactivity_ms"`
	TimeoutResolutionMs  int `mapstructure:"timeout_resolution_ms"`
	MaxParserProbeBudget int `mapstructure:"max_parser_probe_budget"`
}

// Mempool holds mbuf-pool sizing.
type Mempool struct {
	Capacity  int `mapstructure:"capacity"`
	CacheSize int `mapstructure:"cache_size"`
}

// Log holds logger configuration.
type Log struct {
	Level      string            `mapstructure:"level"`
	Sources    map[string]string `mapstructure:"sources"`
	ConfigFile string            `mapstructure:"config_file"`
}

// Dispatch holds work-dispatch channel sizing.
type Dispatch struct {
	ChannelCapacity int `mapstructure:"channel_capacity"`
}

// Config is the fully resolved runtime configuration.
type Config struct {
	Online           Online    `mapstructure:"online"`
	Offline          Offline   `mapstructure:"offline"`
	Conntrack        Conntrack `mapstructure:"conntrack"`
	Mempool          Mempool   `mapstructure:"mempool"`
	Log              Log       `mapstructure:"log"`
	Dispatch         Dispatch  `mapstructure:"dispatch"`
	SubscriptionFile string    `mapstructure:"subscriptions_file"`
}

// TCPInactivity returns the configured TCP inactivity window as a Duration.
func (c Conntrack) TCPInactivity() time.Duration {
	return time.Duration(c.TCPInactivityMs) * time.Millisecond
}

// UDPInactivity returns the configured UDP inactivity window as a Duration.
func (c Conntrack) UDPInactivity() time.Duration {
	return time.Duration(c.UDPInactivityMs) * time.Millisecond
}

// TimeoutResolution returns the timer-wheel tick resolution as a Duration.
func (c Conntrack) TimeoutResolution() time.Duration {
	return time.Duration(c.TimeoutResolutionMs) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("online.snaplen", 65536)
	v.SetDefault("online.promiscuous", true)
	v.SetDefault("online.timeout_ms", 1000)
	v.SetDefault("online.cores", 0) // 0 == auto-detect
	v.SetDefault("conntrack.max_connections", 1_000_000)
	v.SetDefault("conntrack.max_out_of_order", 100)
	v.SetDefault("conntrack.tcp_inactivity_ms", 300_000)
	v.SetDefault("conntrack.udp_inactivity_ms", 60_000)
	v.SetDefault("conntrack.timeout_resolution_ms", 1000)
	v.SetDefault("conntrack.max_parser_probe_budget", 4)
	v.SetDefault("mempool.capacity", 65536)
	v.SetDefault("mempool.cache_size", 256)
	v.SetDefault("log.level", "info")
	v.SetDefault("dispatch.channel_capacity", 1024)
}

// Load reads configuration from path (YAML or JSON, inferred from
// extension) with environment-variable overrides prefixed FLOWSCOPE_. A
// missing path is not an error; defaults apply. Load does not itself
// validate cross-field invariants, since a caller may still need to layer
// CLI-flag overrides (e.g. -online/-offline) on top before the capture
// source choice is final; call Validate once the config is fully assembled.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("FLOWSCOPE")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// Validate checks cross-field invariants that a raw unmarshal cannot.
func (c *Config) Validate() error {
	if c.Online.Interface == "" && c.Offline.PcapPath == "" {
		return fmt.Errorf("config: one of online.interface or offline.pcap_path is required")
	}
	if c.Online.Interface != "" && c.Offline.PcapPath != "" {
		return fmt.Errorf("config: online.interface and offline.pcap_path are mutually exclusive")
	}
	if c.Conntrack.TimeoutResolutionMs <= 0 {
		return fmt.Errorf("config: conntrack.timeout_resolution_ms must be positive")
	}
	if c.Conntrack.TCPInactivityMs < c.Conntrack.TimeoutResolutionMs {
		return fmt.Errorf("config: conntrack.tcp_inactivity_ms must be >= timeout_resolution_ms")
	}
	return nil
}
