// Package config loads agent settings from the environment. Command-line
// flags override these values in cmd/cerebras-agent.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/martinemde/cerebras-agent/agentloop"
	"github.com/martinemde/cerebras-agent/unifiedllm"
)

// Providers the CLI knows how to construct.
const (
	ProviderCerebras  = "cerebras"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config holds everything needed to build a client and a session.
type Config struct {
	APIKey             string
	APIURL             string
	Provider           string
	Model              string
	MaxTurns           int
	MaxTokens          int
	Temperature        float64
	MaxContextChars    int
	MaxToolResultChars int
	KeepRecent         int
	EventsDB           string
	HTTPTimeout        time.Duration
	Stream             bool
}

// Load reads configuration from environment variables, falling back to the
// package defaults for anything unset or unparsable.
func Load() Config {
	provider := strings.ToLower(envOrDefault("AGENT_PROVIDER", ProviderCerebras))
	return Config{
		APIKey:             APIKeyFor(provider),
		APIURL:             envOrDefault("CEREBRAS_API_URL", unifiedllm.DefaultChatCompletionsURL),
		Provider:           provider,
		Model:              envOrDefault("AGENT_MODEL", DefaultModel(provider)),
		MaxTurns:           envIntOrDefault("AGENT_MAX_TURNS", agentloop.DefaultMaxTurns),
		MaxTokens:          envIntOrDefault("AGENT_MAX_TOKENS", agentloop.DefaultMaxTokens),
		Temperature:        envFloatOrDefault("AGENT_TEMPERATURE", agentloop.DefaultTemperature),
		MaxContextChars:    envIntOrDefault("AGENT_MAX_CONTEXT_CHARS", agentloop.DefaultMaxContextChars),
		MaxToolResultChars: envIntOrDefault("AGENT_MAX_TOOL_RESULT_CHARS", agentloop.DefaultMaxToolResultChars),
		KeepRecent:         envIntOrDefault("AGENT_KEEP_RECENT", agentloop.DefaultKeepRecent),
		EventsDB:           os.Getenv("AGENT_EVENTS_DB"),
		HTTPTimeout:        time.Duration(envIntOrDefault("AGENT_HTTP_TIMEOUT_SECONDS", int(unifiedllm.DefaultHTTPTimeout/time.Second))) * time.Second,
		Stream:             true,
	}
}

// DefaultModel returns the best catalog model for provider.
func DefaultModel(provider string) string {
	if provider != ProviderCerebras {
		if info := unifiedllm.GetLatestModel(provider, ""); info != nil {
			return info.ID
		}
	}
	return unifiedllm.DefaultModel
}

// APIKeyFor returns the credential variable for provider. Providers served
// through gollm fall back to gollm's own environment lookup when unset.
func APIKeyFor(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	default:
		return os.Getenv("CEREBRAS_API_KEY")
	}
}

// Validate reports settings that would make a run fail before its first
// request.
func (c Config) Validate() error {
	switch c.Provider {
	case ProviderCerebras:
		if c.APIKey == "" {
			return fmt.Errorf("CEREBRAS_API_KEY is required in environment when AGENT_PROVIDER=%s", ProviderCerebras)
		}
	case ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("unknown provider %q (want %s, %s or %s)", c.Provider, ProviderCerebras, ProviderOpenAI, ProviderAnthropic)
	}
	if c.MaxTurns <= 0 {
		return fmt.Errorf("max turns must be positive, got %d", c.MaxTurns)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", c.MaxTokens)
	}
	return nil
}

// Pruning returns the context budget described by c.
func (c Config) Pruning() agentloop.PruningPolicy {
	p := agentloop.DefaultPruningPolicy()
	p.MaxContextChars = c.MaxContextChars
	p.MaxToolResultChars = c.MaxToolResultChars
	p.KeepRecent = c.KeepRecent
	return p
}

// SessionConfig returns the session settings for a run in workingDir.
func (c Config) SessionConfig(workingDir string) agentloop.SessionConfig {
	cfg := agentloop.DefaultSessionConfig()
	cfg.Model = unifiedllm.ResolveModel(c.Model)
	cfg.Provider = c.Provider
	cfg.MaxTurns = c.MaxTurns
	cfg.MaxTokens = c.MaxTokens
	cfg.Temperature = c.Temperature
	cfg.Stream = c.Stream
	cfg.WorkingDir = workingDir
	cfg.Pruning = c.Pruning()
	return cfg
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloatOrDefault(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
