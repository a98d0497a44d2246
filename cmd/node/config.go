package main

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"clawbernetes/internal/agent"
	"clawbernetes/internal/model"
	"clawbernetes/pkg/config"

	"github.com/spf13/viper"
)

type gpuConfig struct {
	Index             int    `mapstructure:"index"`
	Vendor            string `mapstructure:"vendor"`
	Model             string `mapstructure:"model"`
	VRAMBytes         uint64 `mapstructure:"vram_bytes"`
	ComputeCapability string `mapstructure:"compute_capability"`
}

// nodeConfig node agent configuration
type nodeConfig struct {
	GatewayURL string `mapstructure:"gateway_url"`
	AuthToken  string `mapstructure:"auth_token"`
	IDFile     string `mapstructure:"id_file"`
	LogLevel   string `mapstructure:"log_level"`
	Address    string `mapstructure:"address"`

	Tags          []string    `mapstructure:"tags"`
	CPUMillicores int64       `mapstructure:"cpu_millicores"`
	MemoryBytes   uint64      `mapstructure:"memory_bytes"`
	GPUs          []gpuConfig `mapstructure:"gpus"`

	Backoff struct {
		InitialMs   int `mapstructure:"initial_ms"`
		MaxMs       int `mapstructure:"max_ms"`
		MaxAttempts int `mapstructure:"max_attempts"`
	} `mapstructure:"backoff"`

	Docker struct {
		APIVersion string `mapstructure:"api_version"`
		PullImages bool   `mapstructure:"pull_images"`
	} `mapstructure:"docker"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("NODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// shared with the gateway and the CLI, so unprefixed
	_ = v.BindEnv("gateway_url", "GATEWAY_URL")
	_ = v.BindEnv("auth_token", "AUTH_TOKEN")
	_ = v.BindEnv("log_level", "LOG_LEVEL")

	v.SetDefault("gateway_url", config.DefaultGatewayURL)
	v.SetDefault("id_file", "node_id")
	v.SetDefault("log_level", "info")
	v.SetDefault("tags", []string{model.TagSystem, model.TagDocker})
	v.SetDefault("cpu_millicores", int64(runtime.NumCPU())*1000)
	v.SetDefault("memory_bytes", uint64(8*model.GiB))
	v.SetDefault("backoff.initial_ms", 1000)
	v.SetDefault("backoff.max_ms", 60_000)
	v.SetDefault("backoff.max_attempts", 0)
	v.SetDefault("docker.pull_images", true)
	return v
}

// loadConfig reads path (optional) and the environment.
func loadConfig(v *viper.Viper, path string) (*nodeConfig, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c nodeConfig
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *nodeConfig) validate() error {
	if c.GatewayURL == "" {
		return errors.New("gateway_url is required")
	}
	if !strings.HasPrefix(c.GatewayURL, "ws://") && !strings.HasPrefix(c.GatewayURL, "wss://") {
		return fmt.Errorf("gateway_url %q must use ws:// or wss://", c.GatewayURL)
	}
	if c.IDFile == "" {
		return errors.New("id_file is required")
	}
	if c.CPUMillicores <= 0 {
		return errors.New("cpu_millicores must be positive")
	}
	if c.MemoryBytes == 0 {
		return errors.New("memory_bytes must be positive")
	}
	if c.Backoff.MaxAttempts < 0 {
		return errors.New("backoff.max_attempts must not be negative")
	}
	return nil
}

func (c *nodeConfig) capabilities() model.Capabilities {
	tags := append([]string(nil), c.Tags...)
	caps := model.Capabilities{
		CPUMillicores: c.CPUMillicores,
		MemoryBytes:   c.MemoryBytes,
	}
	for _, g := range c.GPUs {
		caps.GPUs = append(caps.GPUs, model.GPUInfo{
			Index:             g.Index,
			Vendor:            strings.ToLower(g.Vendor),
			Model:             g.Model,
			VRAMBytes:         g.VRAMBytes,
			FreeVRAMBytes:     g.VRAMBytes,
			ComputeCapability: g.ComputeCapability,
		})
	}
	if len(c.GPUs) > 0 && !hasTag(tags, model.TagGPU) {
		tags = append(tags, model.TagGPU)
	}
	for _, g := range caps.GPUs {
		if g.Vendor != "" && !hasTag(tags, g.Vendor) {
			tags = append(tags, g.Vendor)
		}
	}
	caps.Tags = tags
	return caps
}

func (c *nodeConfig) backoff() agent.BackoffConfig {
	b := agent.DefaultBackoff()
	b.Initial = time.Duration(c.Backoff.InitialMs) * time.Millisecond
	b.Max = time.Duration(c.Backoff.MaxMs) * time.Millisecond
	b.MaxAttempts = c.Backoff.MaxAttempts
	return b
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}
