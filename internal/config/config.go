// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings such as name, environment, metrics, and logging levels.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
}

// Venue describes REST/websocket connectivity and throttling for the exchange.
type Venue struct {
	Name             string `yaml:"name"`
	RestURL          string `yaml:"rest_url"`
	WsURL            string `yaml:"ws_url"`
	KeyNameEnv       string `yaml:"key_name_env"`
	PrivateKeyEnv    string `yaml:"private_key_env"`
	MinAPIIntervalMs int    `yaml:"min_api_interval_ms"`
	RequestTimeoutMs int    `yaml:"request_timeout_ms"`
}

// Engine groups the chase-loop knobs: budgets, dwell times, and circuit-breaker thresholds.
type Engine struct {
	FreshnessWindowMs    int     `yaml:"freshness_window_ms"`
	TickMs               int     `yaml:"tick_ms"`
	DwellMs              int     `yaml:"dwell_ms"`
	MaxChaseTimeSecs     int     `yaml:"max_chase_time_secs"`
	MaxAttempts          int     `yaml:"max_attempts"`
	MaxPostOnlyFailures  int     `yaml:"max_post_only_failures"`
	MaxPrecisionFailures int     `yaml:"max_precision_failures"`
	ChaseMoveMultiple    int     `yaml:"chase_move_multiple"`
	MinRemainderUSD      float64 `yaml:"min_remainder_usd"`
	FinalCheckRetries    int     `yaml:"final_check_retries"`
	StreamWarmupSecs     int     `yaml:"stream_warmup_secs"`
}

// Portfolio maps the total dollar budget onto percentage allocations per product.
type Portfolio struct {
	TotalInvestmentUSD float64            `yaml:"total_investment_usd"`
	Allocation         map[string]float64 `yaml:"allocation"`
}

// Precision carries per-product size-decimal overrides where the venue's size
// resolution is known to differ from its quote resolution.
type Precision struct {
	SizeDecimals map[string]int `yaml:"size_decimals"`
}

// Report configures where per-asset execution outcomes are appended.
type Report struct {
	OutcomesPath string `yaml:"outcomes_path"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App       App       `yaml:"app"`
	Venue     Venue     `yaml:"venue"`
	Engine    Engine    `yaml:"engine"`
	Portfolio Portfolio `yaml:"portfolio"`
	Precision Precision `yaml:"precision"`
	Report    Report    `yaml:"report"`
}

// Load reads a YAML file from disk and hydrates a Config struct.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return &config, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
