package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/sentinel/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SENTINEL_CONFIG", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0.70, cfg.ConfidenceThreshold)
	assert.Equal(t, 500, cfg.CallLogSize)
	assert.Equal(t, domain.SeverityLow, cfg.SeverityThreshold)
	assert.Contains(t, cfg.DatabaseURL, "mode=memory")
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sentinel.yaml")
	body := "confidence_threshold: 0.8\n" +
		"severity_threshold: high\n" +
		"agent_idle_window: 5s\n" +
		"call_log_size: 50\n" +
		"agent_endpoints:\n" +
		"  diagnostic: http://localhost:9000\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("SENTINEL_CONFIG", path)
	t.Setenv("CALL_LOG_SIZE", "75")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0.8, cfg.ConfidenceThreshold)
	assert.Equal(t, domain.SeverityHigh, cfg.SeverityThreshold)
	assert.Equal(t, 5*time.Second, cfg.AgentIdleWindow)
	assert.Equal(t, 75, cfg.CallLogSize)
	assert.Equal(t, "http://localhost:9000", cfg.AgentEndpoints["diagnostic"])
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("SENTINEL_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestValidateRejectsBadThreshold(t *testing.T) {
	cfg := Default()
	cfg.ConfidenceThreshold = 1.5
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.SeverityThreshold = "urgent"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.AgentEndpoints = map[string]string{"fixer": "not a url"}
	assert.Error(t, cfg.Validate())
}

func TestParseAgentEndpoints(t *testing.T) {
	got, err := ParseAgentEndpoints("diagnostic=http://a:1, fixer=http://b:2")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"diagnostic": "http://a:1", "fixer": "http://b:2"}, got)

	_, err = ParseAgentEndpoints("diagnostic")
	assert.Error(t, err)
}
