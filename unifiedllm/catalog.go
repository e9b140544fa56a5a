package unifiedllm

// ModelInfo describes a known model in the catalog.
type ModelInfo struct {
	ID                string   `json:"id"`
	Provider          string   `json:"provider"`
	DisplayName       string   `json:"display_name"`
	Description       string   `json:"description,omitempty"`
	ContextWindow     int      `json:"context_window"`
	MaxOutput         *int     `json:"max_output,omitempty"`
	SupportsTools     bool     `json:"supports_tools"`
	SupportsReasoning bool     `json:"supports_reasoning"`
	Aliases           []string `json:"aliases,omitempty"`
}

func intPtr(v int) *int { return &v }

// DefaultModel is the model used when none is requested.
const DefaultModel = "zai-glm-4.7"

// Models is the built-in model catalog. Within a provider, entries are
// ordered best-first.
var Models = []ModelInfo{
	// Cerebras
	{
		ID: "zai-glm-4.7", Provider: "cerebras", DisplayName: "GLM 4.7",
		Description:   "Strong coding model",
		ContextWindow: 131072, MaxOutput: intPtr(40960),
		SupportsTools: true, SupportsReasoning: true,
		Aliases: []string{"glm", "glm-4.7"},
	},
	{
		ID: "llama-4-maverick-17b", Provider: "cerebras", DisplayName: "Llama 4 Maverick",
		Description:   "More capable",
		ContextWindow: 32768, MaxOutput: intPtr(8192),
		SupportsTools: true,
		Aliases:       []string{"maverick"},
	},
	{
		ID: "llama-4-scout-17b", Provider: "cerebras", DisplayName: "Llama 4 Scout",
		Description:   "Fast, good for most tasks",
		ContextWindow: 32768, MaxOutput: intPtr(8192),
		SupportsTools: true,
		Aliases:       []string{"scout"},
	},
	{
		ID: "qwen-3-32b", Provider: "cerebras", DisplayName: "Qwen 3 32B",
		Description:   "Good reasoning",
		ContextWindow: 65536, MaxOutput: intPtr(16384),
		SupportsTools: true, SupportsReasoning: true,
		Aliases: []string{"qwen"},
	},
	{
		ID: "llama3.1-70b", Provider: "cerebras", DisplayName: "Llama 3.1 70B",
		Description:   "Most capable Llama",
		ContextWindow: 32768, MaxOutput: intPtr(8192),
		SupportsTools: true,
	},
	{
		ID: "llama3.1-8b", Provider: "cerebras", DisplayName: "Llama 3.1 8B",
		Description:   "Fastest, simple tasks",
		ContextWindow: 32768, MaxOutput: intPtr(8192),
		SupportsTools: true,
	},

	// Anthropic (via gollm)
	{
		ID: "claude-sonnet-4-5", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5",
		ContextWindow: 200000, MaxOutput: intPtr(16384),
		SupportsTools: true, SupportsReasoning: true,
		Aliases: []string{"sonnet", "claude-sonnet"},
	},

	// OpenAI (via gollm)
	{
		ID: "gpt-4o", Provider: "openai", DisplayName: "GPT-4o",
		ContextWindow: 128000, MaxOutput: intPtr(16384),
		SupportsTools: true,
	},
	{
		ID: "gpt-4o-mini", Provider: "openai", DisplayName: "GPT-4o Mini",
		ContextWindow: 128000, MaxOutput: intPtr(16384),
		SupportsTools: true,
		Aliases:       []string{"mini"},
	},
}

// GetModelInfo returns the catalog entry for a model, or nil if unknown.
func GetModelInfo(modelID string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == modelID {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == modelID {
				return &Models[i]
			}
		}
	}
	return nil
}

// ResolveModel maps an alias to its canonical model ID. Unknown IDs are
// returned unchanged so that new endpoint models can be used directly.
func ResolveModel(modelID string) string {
	if info := GetModelInfo(modelID); info != nil {
		return info.ID
	}
	return modelID
}

// ListModels returns all known models, optionally filtered by provider.
func ListModels(provider string) []ModelInfo {
	if provider == "" {
		result := make([]ModelInfo, len(Models))
		copy(result, Models)
		return result
	}
	var result []ModelInfo
	for _, m := range Models {
		if m.Provider == provider {
			result = append(result, m)
		}
	}
	return result
}

// GetLatestModel returns the first (newest/best) model for a provider,
// optionally filtered by capability.
func GetLatestModel(provider string, capability string) *ModelInfo {
	for i := range Models {
		if Models[i].Provider != provider {
			continue
		}
		switch capability {
		case "":
			return &Models[i]
		case "tools":
			if Models[i].SupportsTools {
				return &Models[i]
			}
		case "reasoning":
			if Models[i].SupportsReasoning {
				return &Models[i]
			}
		}
	}
	return nil
}
