// Package config loads Weaver's process configuration from a YAML file,
// with command-line flags (via spf13/pflag) able to override any field.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is the full set of cluster-wide and per-process tunables a
// timestamper or shard process needs at startup.
type Config struct {
	// NumVts is the number of vector timestampers in the cluster. Every
	// vclock.Clock in the system has exactly this many counters.
	NumVts int `yaml:"num_vts"`
	// NumShards is the number of graph partitions.
	NumShards int `yaml:"num_shards"`
	// ShardIDIncr is added to a shard's ordinal position to produce its
	// ShardID, keeping shard ids disjoint from timestamper ids on the
	// same wire/membership namespace.
	ShardIDIncr uint64 `yaml:"shard_id_incr"`

	// NumVtThreads is the number of worker goroutines a timestamper process
	// runs for transaction admission.
	NumVtThreads int `yaml:"num_vt_threads"`
	// VtTimeout is the tick interval of a timestamper's periodic no-op
	// worker, which sends a nop to every shard that acked the previous one.
	VtTimeout time.Duration `yaml:"vt_timeout"`
	// VtClkTimeout is the tick interval of a timestamper's clock-gossip
	// worker, which sends its vector clock to every peer timestamper.
	VtClkTimeout time.Duration `yaml:"vt_clk_timeout"`

	// ClkSz is the width of every vclock.Clock, normally equal to NumVts;
	// kept as a separate field so it can be pinned independently in tests.
	ClkSz int `yaml:"clk_sz"`

	// ServerManagerAddr and ServerManagerPort name the membership service
	// every timestamper and shard process registers with at startup.
	ServerManagerAddr string `yaml:"server_manager_addr"`
	ServerManagerPort int    `yaml:"server_manager_port"`

	// ListenAddr and ListenPort are this process's own bind address.
	ListenAddr string `yaml:"listen_addr"`
	ListenPort int    `yaml:"listen_port"`

	// BackupVT, when non-empty, names the timestamper this process should
	// shadow as a hot standby.
	BackupVT string `yaml:"backup_vt"`

	// LogLevel and LogDevelopment configure internal/weaverlog.
	LogLevel       string `yaml:"log_level"`
	LogDevelopment bool   `yaml:"log_development"`

	// DataDir is where this process keeps its durable badger database(s).
	// Empty means run with an in-memory backend only, for local testing.
	DataDir string `yaml:"data_dir"`

	// MetricsAddr, when non-empty, is the address a Prometheus /metrics
	// endpoint is served on.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns a Config with the values a single-shard, single-VT local
// deployment needs, used as the base before a YAML file and flags are
// layered on top.
func Default() Config {
	return Config{
		NumVts:             1,
		NumShards:          1,
		ShardIDIncr:        1,
		NumVtThreads:       4,
		VtTimeout:          5 * time.Second,
		VtClkTimeout:       500 * time.Millisecond,
		ClkSz:              1,
		ServerManagerAddr:  "127.0.0.1",
		ServerManagerPort:  2002,
		ListenAddr:         "127.0.0.1",
		ListenPort:         0,
		LogLevel:           "info",
	}
}

// Load reads path (if non-empty) as YAML over Default, then registers
// flags on fs that can override any loaded field. Flags must be parsed by
// the caller (cobra does this for its Run callback) before the returned
// Config reflects command-line overrides; callers typically call Load once
// to register flags, then re-read the bound fields after fs.Parse.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "config: read %q", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Wrapf(err, "config: parse %q", path)
		}
	}

	fs.IntVar(&cfg.NumVts, "num-vts", cfg.NumVts, "number of vector timestampers in the cluster")
	fs.IntVar(&cfg.NumShards, "num-shards", cfg.NumShards, "number of graph shards in the cluster")
	fs.Uint64Var(&cfg.ShardIDIncr, "shard-id-incr", cfg.ShardIDIncr, "offset added to a shard's ordinal to form its shard id")
	fs.StringVarP(&cfg.ListenAddr, "listen", "l", cfg.ListenAddr, "address to listen on")
	fs.IntVarP(&cfg.ListenPort, "listen-port", "p", cfg.ListenPort, "port to listen on")
	fs.StringVarP(&cfg.BackupVT, "backup-vt", "b", cfg.BackupVT, "timestamper id this process backs up, if any")
	fs.StringVar(&cfg.ServerManagerAddr, "server-manager-addr", cfg.ServerManagerAddr, "membership service address")
	fs.IntVar(&cfg.ServerManagerPort, "server-manager-port", cfg.ServerManagerPort, "membership service port")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.BoolVar(&cfg.LogDevelopment, "log-development", cfg.LogDevelopment, "use human-readable console log encoding")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for durable storage; empty runs in-memory")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve Prometheus metrics on, empty to disable")

	return &cfg, nil
}
