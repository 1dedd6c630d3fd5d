// Package config loads engine configuration from a TOML file. Durations are
// written as strings ("30s", "5m") and parsed when the engine config is
// materialized.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vantorsec/opflow/pkg/models"
	"github.com/vantorsec/opflow/pkg/service"
)

// Config is the opflow.toml document.
type Config struct {
	Server ServerConfig `toml:"server"`
	Engine EngineConfig `toml:"engine"`
	Loop   LoopConfig   `toml:"loop"`
	Fabric FabricConfig `toml:"fabric"`
}

type ServerConfig struct {
	Port string `toml:"port"`
}

// EngineConfig tunes scheduling, matching and the kill switch. Zero values
// fall back to the engine defaults.
type EngineConfig struct {
	MaxParallelTasks     int    `toml:"max_parallel_tasks"`
	TaskTimeout          string `toml:"task_timeout"`
	PollInterval         string `toml:"poll_interval"`
	MinConnectionQuality int    `toml:"min_connection_quality"`
	AgentMaxConcurrent   int    `toml:"agent_max_concurrent"`
	FailedTaskThreshold  int    `toml:"failed_task_threshold"`
}

// LoopConfig declares refinement loop ceilings and the agents allowed to
// start loops.
type LoopConfig struct {
	MaxIterations      int              `toml:"max_iterations"`
	MaxDuration        string           `toml:"max_duration"`
	SupervisorInterval string           `toml:"supervisor_interval"`
	Agents             []LoopAgentEntry `toml:"agents"`
}

type LoopAgentEntry struct {
	AgentID       string `toml:"agent_id"`
	Enabled       bool   `toml:"enabled"`
	PartnerID     string `toml:"partner_id"`
	ExitCondition string `toml:"exit_condition"`
	MaxIterations int    `toml:"max_iterations"`
	MaxDuration   string `toml:"max_duration"`
}

type FabricConfig struct {
	NATSURL string `toml:"nats_url"`
}

// New returns a config with server defaults filled in.
func New() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080"},
	}
}

// LoadFile reads and parses a TOML config file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// ServiceConfig materializes the engine tuning, parsing duration strings.
func (c *Config) ServiceConfig() (service.Config, error) {
	taskTimeout, err := parseDuration("engine.task_timeout", c.Engine.TaskTimeout)
	if err != nil {
		return service.Config{}, err
	}
	pollInterval, err := parseDuration("engine.poll_interval", c.Engine.PollInterval)
	if err != nil {
		return service.Config{}, err
	}
	loopMaxDuration, err := parseDuration("loop.max_duration", c.Loop.MaxDuration)
	if err != nil {
		return service.Config{}, err
	}
	supervisorInterval, err := parseDuration("loop.supervisor_interval", c.Loop.SupervisorInterval)
	if err != nil {
		return service.Config{}, err
	}
	return service.Config{
		MaxParallelTasks:     c.Engine.MaxParallelTasks,
		DefaultTaskTimeout:   taskTimeout,
		PollInterval:         pollInterval,
		MinConnectionQuality: c.Engine.MinConnectionQuality,
		AgentMaxConcurrent:   c.Engine.AgentMaxConcurrent,
		FailedTaskThreshold:  c.Engine.FailedTaskThreshold,
		LoopMaxIterations:    c.Loop.MaxIterations,
		LoopMaxDuration:      loopMaxDuration,
		SupervisorInterval:   supervisorInterval,
	}, nil
}

// LoopAgents materializes the declared loop participants.
func (c *Config) LoopAgents() ([]models.LoopAgentConfig, error) {
	agents := make([]models.LoopAgentConfig, 0, len(c.Loop.Agents))
	for _, entry := range c.Loop.Agents {
		maxDuration, err := parseDuration(fmt.Sprintf("loop.agents[%s].max_duration", entry.AgentID), entry.MaxDuration)
		if err != nil {
			return nil, err
		}
		agents = append(agents, models.LoopAgentConfig{
			AgentID:       entry.AgentID,
			Enabled:       entry.Enabled,
			PartnerID:     entry.PartnerID,
			ExitCondition: models.ExitCondition(entry.ExitCondition),
			MaxIterations: entry.MaxIterations,
			MaxDuration:   maxDuration,
		})
	}
	return agents, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %q", key, value)
	}
	return d, nil
}
