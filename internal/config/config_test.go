package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantorsec/opflow/internal/config"
	"github.com/vantorsec/opflow/pkg/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "opflow.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[server]
port = "9090"

[engine]
max_parallel_tasks = 8
task_timeout = "15m"
poll_interval = "500ms"
min_connection_quality = 40
agent_max_concurrent = 2
failed_task_threshold = 4

[loop]
max_iterations = 7
max_duration = "10m"
supervisor_interval = "30s"

[[loop.agents]]
agent_id = "attacker"
enabled = true
partner_id = "defender"
exit_condition = "exploit_successful"
max_iterations = 12
max_duration = "20m"

[[loop.agents]]
agent_id = "defender"
enabled = true
partner_id = "attacker"

[fabric]
nats_url = "nats://127.0.0.1:4222"
`)

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Fabric.NATSURL)

	svcCfg, err := cfg.ServiceConfig()
	require.NoError(t, err)
	assert.Equal(t, 8, svcCfg.MaxParallelTasks)
	assert.Equal(t, 15*time.Minute, svcCfg.DefaultTaskTimeout)
	assert.Equal(t, 500*time.Millisecond, svcCfg.PollInterval)
	assert.Equal(t, 40, svcCfg.MinConnectionQuality)
	assert.Equal(t, 2, svcCfg.AgentMaxConcurrent)
	assert.Equal(t, 4, svcCfg.FailedTaskThreshold)
	assert.Equal(t, 7, svcCfg.LoopMaxIterations)
	assert.Equal(t, 10*time.Minute, svcCfg.LoopMaxDuration)
	assert.Equal(t, 30*time.Second, svcCfg.SupervisorInterval)

	agents, err := cfg.LoopAgents()
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, models.LoopAgentConfig{
		AgentID:       "attacker",
		Enabled:       true,
		PartnerID:     "defender",
		ExitCondition: models.ExploitSuccessfulExit,
		MaxIterations: 12,
		MaxDuration:   20 * time.Minute,
	}, agents[0])
	assert.Equal(t, "attacker", agents[1].PartnerID)
	assert.Zero(t, agents[1].MaxDuration)
}

func TestLoadFileDefaults(t *testing.T) {
	path := writeConfig(t, `
[engine]
max_parallel_tasks = 3
`)

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)

	svcCfg, err := cfg.ServiceConfig()
	require.NoError(t, err)
	assert.Equal(t, 3, svcCfg.MaxParallelTasks)
	assert.Zero(t, svcCfg.DefaultTaskTimeout)
	assert.Empty(t, cfg.Loop.Agents)
}

func TestLoadFileErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := config.LoadFile(filepath.Join(t.TempDir(), "absent.toml"))
		assert.Error(t, err)
	})

	t.Run("malformed document", func(t *testing.T) {
		path := writeConfig(t, `[server`)
		_, err := config.LoadFile(path)
		assert.ErrorContains(t, err, "failed to parse config")
	})

	t.Run("bad engine duration", func(t *testing.T) {
		path := writeConfig(t, `
[engine]
task_timeout = "soon"
`)
		cfg, err := config.LoadFile(path)
		require.NoError(t, err)
		_, err = cfg.ServiceConfig()
		assert.ErrorContains(t, err, "engine.task_timeout")
	})

	t.Run("bad loop agent duration", func(t *testing.T) {
		path := writeConfig(t, `
[[loop.agents]]
agent_id = "attacker"
max_duration = "whenever"
`)
		cfg, err := config.LoadFile(path)
		require.NoError(t, err)
		_, err = cfg.LoopAgents()
		assert.ErrorContains(t, err, "loop.agents[attacker].max_duration")
	})
}
