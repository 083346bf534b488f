package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// ServiceName identifies the service in logs and the version banner.
	ServiceName = "klineflow"
	// ServiceVersion is the release version printed by --version.
	ServiceVersion = "1.2.0"
)

// Settings holds the fully resolved runtime configuration of the service.
// Resolution order is defaults, then the optional YAML file, then environment
// variables; command line flags are bound on top of the resolved values.
type Settings struct {
	RunAsService   bool   `yaml:"run_as_service"`
	DryRun         bool   `yaml:"dry_run"`
	Source         string `yaml:"source"`
	Target         string `yaml:"target"`
	MinSleep       int    `yaml:"min_sleep"`
	MaxSleep       int    `yaml:"max_sleep"`
	ScrapeSymbol   bool   `yaml:"scrape_symbol"`
	ScrapeKline1d  bool   `yaml:"scrape_kline_1d"`
	DatapointLimit int    `yaml:"datapoint_limit"`
	Shard          int    `yaml:"shard"`
	ShardCount     int    `yaml:"shard_count"`

	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig mirrors the logger.Configure parameters.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Defaults returns the built-in settings before any file, environment or
// flag overrides.
func Defaults() Settings {
	return Settings{
		RunAsService:   true,
		DryRun:         false,
		MinSleep:       15,
		MaxSleep:       30,
		ScrapeSymbol:   false,
		ScrapeKline1d:  false,
		DatapointLimit: 500,
		Shard:          0,
		ShardCount:     1,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load resolves settings from defaults, the optional YAML file at path and
// environment variables. An empty path skips the file step.
func Load(path string) (*Settings, error) {
	s := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := s.applyEnvironment(); err != nil {
		return nil, err
	}

	return &s, nil
}

// applyEnvironment overrides settings from the well-known environment
// variables of the service.
func (s *Settings) applyEnvironment() error {
	var err error
	if s.RunAsService, err = envBool("RUN_AS_SERVICE", s.RunAsService); err != nil {
		return err
	}
	if s.DryRun, err = envBool("DRY_RUN", s.DryRun); err != nil {
		return err
	}
	if v := os.Getenv("SOURCE"); v != "" {
		s.Source = strings.TrimSpace(v)
	}
	if v := os.Getenv("TARGET"); v != "" {
		s.Target = strings.TrimSpace(v)
	}
	if s.MinSleep, err = envInt("MIN_SLEEP", s.MinSleep); err != nil {
		return err
	}
	if s.MaxSleep, err = envInt("MAX_SLEEP", s.MaxSleep); err != nil {
		return err
	}
	if s.ScrapeSymbol, err = envBool("SYMBOL", s.ScrapeSymbol); err != nil {
		return err
	}
	if s.ScrapeKline1d, err = envBool("KLINE_1D", s.ScrapeKline1d); err != nil {
		return err
	}
	if s.DatapointLimit, err = envInt("DATAPOINT_LIMIT", s.DatapointLimit); err != nil {
		return err
	}
	if s.Shard, err = envInt("SHARD", s.Shard); err != nil {
		return err
	}
	if s.ShardCount, err = envInt("SHARD_COUNT", s.ShardCount); err != nil {
		return err
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		s.Logging.Level = strings.ToLower(strings.TrimSpace(v))
	}
	return nil
}

// Validate checks the resolved settings before the service loop starts.
// Any violation is a fatal configuration error.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.Source) == "" {
		return fmt.Errorf("source URL is required")
	}
	if !s.DryRun && strings.TrimSpace(s.Target) == "" {
		return fmt.Errorf("target connection string is required unless dry-run is enabled")
	}
	if s.MinSleep < 0 {
		return fmt.Errorf("min_sleep must be >= 0, got %d", s.MinSleep)
	}
	if s.MaxSleep < s.MinSleep {
		return fmt.Errorf("max_sleep (%d) must be >= min_sleep (%d)", s.MaxSleep, s.MinSleep)
	}
	if s.DatapointLimit <= 0 {
		return fmt.Errorf("datapoint_limit must be > 0, got %d", s.DatapointLimit)
	}
	if s.ShardCount < 1 {
		return fmt.Errorf("shard_count must be >= 1, got %d", s.ShardCount)
	}
	if s.Shard < 0 || s.Shard >= s.ShardCount {
		return fmt.Errorf("shard (%d) must be in [0, %d)", s.Shard, s.ShardCount)
	}
	return nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback, fmt.Errorf("invalid boolean for %s: %q", key, v)
	}
	return b, nil
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback, fmt.Errorf("invalid integer for %s: %q", key, v)
	}
	return n, nil
}
