// Package unifiedllm is the model-facing half of the agent: a provider-agnostic
// client for OpenAI-compatible chat-completions endpoints with tool calling.
//
// # Architecture
//
//   - Provider layer: the ProviderAdapter interface with two implementations,
//     ChatCompletionsAdapter (HTTP + server-sent events, the default Cerebras
//     transport) and GollmAdapter (github.com/teilomillet/gollm, for openai
//     and anthropic).
//   - Utilities: the error hierarchy with IsRetryable/IsFatal, RetryPolicy and
//     the generic Retry helper, StreamAccumulator.
//   - Client: provider routing, middleware, retries and cumulative TokenUsage.
//
// # Quick Start
//
//	adapter, _ := unifiedllm.NewChatCompletionsAdapter(os.Getenv("CEREBRAS_API_KEY"))
//	client := unifiedllm.NewClient(unifiedllm.WithProvider("cerebras", adapter))
//
//	result, err := client.Send(ctx, unifiedllm.Request{
//	    Model:    unifiedllm.DefaultModel,
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	    Stream:   true,
//	}, unifiedllm.OnTextDelta(func(s string) { fmt.Print(s) }))
//
// # Retries
//
// Send retries rate limiting, server errors and network failures up to five
// attempts. A 429 with a Retry-After header waits for the hinted duration,
// capped at 60 seconds; otherwise waits follow an exponential backoff from 5
// seconds. When attempts run out Send returns a *RetriesExhaustedError.
//
// # Streaming
//
// Streamed tool calls arrive as fragments keyed by index. StreamAccumulator
// merges them: ids are replaced, argument text is concatenated, and calls
// without an id are dropped.
package unifiedllm
