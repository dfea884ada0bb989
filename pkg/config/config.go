package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"txkv/pkg/dberrors"

	"github.com/goccy/go-yaml"
)

const (
	LayoutIndexed = "indexed"
	LayoutAppend  = "append"
)

// Config is the root of the YAML configuration file.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	DB     `yaml:"db"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type DB struct {
	Memtable    MemtableConfig    `yaml:"memtable"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

type MemtableConfig struct {
	// FlushThresholdBytes of resident payload triggers a background flush.
	// Zero disables automatic flushing.
	FlushThresholdBytes int64 `yaml:"flush_threshold"`
	FlushChanBuffSize   int   `yaml:"flush_chan_buff_size"`
}

type PersistenceConfig struct {
	RootPath    string            `yaml:"path"`
	Layout      string            `yaml:"layout"`
	BloomFilter BloomFilterConfig `yaml:"bloom_filter"`
}

type BloomFilterConfig struct {
	// FPRate is the target false positive rate; zero disables filters.
	FPRate float64 `yaml:"fp_rate"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		DB: DB{
			Memtable: MemtableConfig{
				FlushThresholdBytes: 4 << 20,
				FlushChanBuffSize:   1,
			},
			Persistence: PersistenceConfig{
				RootPath: "./data",
				Layout:   LayoutIndexed,
				BloomFilter: BloomFilterConfig{
					FPRate: 0.01,
				},
			},
		},
	}
}

// Load reads a YAML config from path on top of Default. A missing file
// yields Default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if _, err := c.Logger.SlogLevel(); err != nil {
		return err
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: http-server.port %d out of range", dberrors.ErrInvalidArgument, c.Server.Port)
	}
	if c.Memtable.FlushThresholdBytes < 0 {
		return fmt.Errorf("%w: db.memtable.flush_threshold must not be negative", dberrors.ErrInvalidArgument)
	}
	if c.Memtable.FlushChanBuffSize < 1 {
		return fmt.Errorf("%w: db.memtable.flush_chan_buff_size must be positive", dberrors.ErrInvalidArgument)
	}
	if c.Persistence.RootPath == "" {
		return fmt.Errorf("%w: db.persistence.path is empty", dberrors.ErrInvalidArgument)
	}
	switch c.Persistence.Layout {
	case LayoutIndexed, LayoutAppend:
	default:
		return fmt.Errorf("%w: unknown db.persistence.layout %q", dberrors.ErrInvalidArgument, c.Persistence.Layout)
	}
	if fp := c.Persistence.BloomFilter.FPRate; fp < 0 || fp >= 1 {
		return fmt.Errorf("%w: db.persistence.bloom_filter.fp_rate must be in [0, 1)", dberrors.ErrInvalidArgument)
	}
	return nil
}

// SlogLevel parses Level case-insensitively. Empty means INFO.
func (l LoggerConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToUpper(l.Level) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("%w: unknown logger.level %q", dberrors.ErrInvalidArgument, l.Level)
}
