package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/cerebras-agent/agentloop"
	"github.com/martinemde/cerebras-agent/unifiedllm"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CEREBRAS_API_KEY", "CEREBRAS_API_URL", "OPENAI_API_KEY", "ANTHROPIC_API_KEY",
		"AGENT_MODEL", "AGENT_MAX_TURNS", "AGENT_MAX_TOKENS", "AGENT_TEMPERATURE",
		"AGENT_MAX_CONTEXT_CHARS", "AGENT_MAX_TOOL_RESULT_CHARS", "AGENT_KEEP_RECENT",
		"AGENT_PROVIDER", "AGENT_EVENTS_DB", "AGENT_HTTP_TIMEOUT_SECONDS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg := Load()

	assert.Equal(t, ProviderCerebras, cfg.Provider)
	assert.Equal(t, unifiedllm.DefaultChatCompletionsURL, cfg.APIURL)
	assert.Equal(t, unifiedllm.DefaultModel, cfg.Model)
	assert.Equal(t, 15, cfg.MaxTurns)
	assert.Equal(t, 16384, cfg.MaxTokens)
	assert.InDelta(t, 0.2, cfg.Temperature, 1e-9)
	assert.Equal(t, 50000, cfg.MaxContextChars)
	assert.Equal(t, 4000, cfg.MaxToolResultChars)
	assert.Equal(t, 6, cfg.KeepRecent)
	assert.Equal(t, 180*time.Second, cfg.HTTPTimeout)
	assert.Empty(t, cfg.EventsDB)
	assert.True(t, cfg.Stream)
}

func TestLoadFromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("CEREBRAS_API_KEY", "csk-test")
	t.Setenv("AGENT_MODEL", "glm")
	t.Setenv("AGENT_MAX_TURNS", "30")
	t.Setenv("AGENT_TEMPERATURE", "0.7")
	t.Setenv("AGENT_MAX_CONTEXT_CHARS", "80000")
	t.Setenv("AGENT_EVENTS_DB", "/tmp/events.db")
	t.Setenv("AGENT_HTTP_TIMEOUT_SECONDS", "60")
	t.Setenv("AGENT_KEEP_RECENT", "not-a-number")

	cfg := Load()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "csk-test", cfg.APIKey)
	assert.Equal(t, 30, cfg.MaxTurns)
	assert.InDelta(t, 0.7, cfg.Temperature, 1e-9)
	assert.Equal(t, 80000, cfg.MaxContextChars)
	assert.Equal(t, "/tmp/events.db", cfg.EventsDB)
	assert.Equal(t, time.Minute, cfg.HTTPTimeout)
	assert.Equal(t, agentloop.DefaultKeepRecent, cfg.KeepRecent, "unparsable values fall back")
}

func TestLoadPicksProviderCredential(t *testing.T) {
	clearEnv(t)
	t.Setenv("AGENT_PROVIDER", "OpenAI")
	t.Setenv("CEREBRAS_API_KEY", "csk-test")
	t.Setenv("OPENAI_API_KEY", "sk-openai")

	cfg := Load()
	assert.Equal(t, ProviderOpenAI, cfg.Provider)
	assert.Equal(t, "sk-openai", cfg.APIKey)
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	base := Load()

	missing := base
	err := missing.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CEREBRAS_API_KEY")

	gollmBacked := base
	gollmBacked.Provider = ProviderAnthropic
	assert.NoError(t, gollmBacked.Validate(), "gollm providers may read their own key")

	unknown := base
	unknown.Provider = "mystery"
	assert.ErrorContains(t, unknown.Validate(), `unknown provider "mystery"`)

	noTurns := base
	noTurns.APIKey = "k"
	noTurns.MaxTurns = 0
	assert.ErrorContains(t, noTurns.Validate(), "max turns")
}

func TestSessionConfig(t *testing.T) {
	clearEnv(t)
	t.Setenv("AGENT_MODEL", "glm")
	t.Setenv("AGENT_KEEP_RECENT", "4")
	cfg := Load()
	cfg.Stream = false

	sc := cfg.SessionConfig("/work")
	assert.Equal(t, "zai-glm-4.7", sc.Model, "aliases resolve to canonical ids")
	assert.Equal(t, ProviderCerebras, sc.Provider)
	assert.Equal(t, "/work", sc.WorkingDir)
	assert.False(t, sc.Stream)
	assert.Equal(t, 4, sc.Pruning.KeepRecent)
	assert.Equal(t, 50000, sc.Pruning.MaxContextChars)
	assert.True(t, sc.EnableLoopDetection)
}

func TestDefaultModel(t *testing.T) {
	assert.Equal(t, unifiedllm.DefaultModel, DefaultModel(ProviderCerebras))
	assert.Equal(t, "claude-sonnet-4-5", DefaultModel(ProviderAnthropic))
	assert.Equal(t, unifiedllm.DefaultModel, DefaultModel("unknown"))
}
