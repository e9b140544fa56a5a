package agentloop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/cerebras-agent/unifiedllm"
)

// scriptedAdapter plays back responses and errors in order, repeating the
// last step once the script runs out.
type scriptedAdapter struct {
	mu       sync.Mutex
	steps    []interface{} // *unifiedllm.Response or error
	idx      int
	requests []unifiedllm.Request
}

func (a *scriptedAdapter) Name() string { return "cerebras" }

func (a *scriptedAdapter) next(req unifiedllm.Request) (*unifiedllm.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	msgs := make([]unifiedllm.Message, len(req.Messages))
	copy(msgs, req.Messages)
	req.Messages = msgs
	a.requests = append(a.requests, req)

	step := a.steps[len(a.steps)-1]
	if a.idx < len(a.steps) {
		step = a.steps[a.idx]
		a.idx++
	}
	if err, ok := step.(error); ok {
		return nil, err
	}
	resp := *step.(*unifiedllm.Response)
	return &resp, nil
}

func (a *scriptedAdapter) Complete(_ context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	return a.next(req)
}

func (a *scriptedAdapter) Stream(_ context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
	resp, err := a.next(req)
	if err != nil {
		return nil, err
	}
	ch := make(chan unifiedllm.StreamEvent, 16)
	ch <- unifiedllm.StreamEvent{Type: unifiedllm.StreamStart, ID: resp.ID}
	// Split the text so the accumulator sees more than one delta.
	text := resp.Message.Content
	half := len(text) / 2
	for _, part := range []string{text[:half], text[half:]} {
		if part != "" {
			ch <- unifiedllm.StreamEvent{Type: unifiedllm.TextDelta, Delta: part}
		}
	}
	for i, tc := range resp.Message.ToolCalls {
		ch <- unifiedllm.StreamEvent{Type: unifiedllm.ToolCallDelta, ToolCall: &unifiedllm.ToolCallFragment{
			Index: i, ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments,
		}}
	}
	fr := resp.FinishReason
	usage := resp.Usage
	ch <- unifiedllm.StreamEvent{Type: unifiedllm.StreamFinish, FinishReason: &fr, Usage: &usage}
	close(ch)
	return ch, nil
}

func (a *scriptedAdapter) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

func textResponse(text string) *unifiedllm.Response {
	return &unifiedllm.Response{
		Message:      unifiedllm.AssistantMessage(text),
		FinishReason: unifiedllm.FinishReason{Reason: unifiedllm.FinishStop},
		Usage:        unifiedllm.Usage{InputTokens: 100, OutputTokens: 10, TotalTokens: 110},
	}
}

func toolResponse(calls ...unifiedllm.ToolCall) *unifiedllm.Response {
	msg := unifiedllm.AssistantMessage("")
	msg.ToolCalls = calls
	return &unifiedllm.Response{
		Message:      msg,
		FinishReason: unifiedllm.FinishReason{Reason: unifiedllm.FinishToolCalls},
		Usage:        unifiedllm.Usage{InputTokens: 100, OutputTokens: 20, TotalTokens: 120},
	}
}

type harness struct {
	session *Session
	adapter *scriptedAdapter
	dir     string

	mu     sync.Mutex
	events []SessionEvent
	sleeps []time.Duration
}

func newHarness(t *testing.T, steps []interface{}, configure func(*SessionConfig)) *harness {
	t.Helper()
	h := &harness{adapter: &scriptedAdapter{steps: steps}, dir: t.TempDir()}

	policy := unifiedllm.DefaultRetryPolicy()
	policy.Sleep = func(d time.Duration) {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
	}
	client := unifiedllm.NewClient(
		unifiedllm.WithProvider("cerebras", h.adapter),
		unifiedllm.WithRetryPolicy(policy),
	)

	cfg := DefaultSessionConfig()
	cfg.Stream = false
	cfg.WorkingDir = h.dir
	cfg.SkipProjectContext = true
	if configure != nil {
		configure(&cfg)
	}

	h.session = NewSession(client, nil, &cfg)
	h.session.OnEvent(func(ev SessionEvent) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})
	t.Cleanup(h.session.Close)
	return h
}

func (h *harness) eventsOf(kind EventKind) []SessionEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []SessionEvent
	for _, ev := range h.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestRunWritesFileAndSignalsCompletion(t *testing.T) {
	h := newHarness(t, []interface{}{
		toolResponse(unifiedllm.NewToolCall("call_1", "write_file", `{"path":"README.md","content":"# Demo\n"}`)),
		textResponse("README written.\n:::BUILD_READY:::"),
	}, nil)

	out := h.session.Run(context.Background(), "Write a README")

	require.Equal(t, StatusSuccess, out.Status)
	assert.NoError(t, out.Err)
	assert.Equal(t, 2, out.Turns)

	data, err := os.ReadFile(filepath.Join(h.dir, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "# Demo\n", string(data))

	tr := out.Transcript
	require.Len(t, tr, 5)
	assert.Equal(t, unifiedllm.RoleSystem, tr[0].Role)
	assert.True(t, strings.HasPrefix(tr[0].Content, SystemPrompt))
	assert.Equal(t, unifiedllm.UserMessage("Write a README"), tr[1])
	assert.Equal(t, "write_file", tr[2].ToolCalls[0].Function.Name)
	assert.Equal(t, unifiedllm.ToolResultMessage("call_1", "[wrote 2 lines, 7 bytes to README.md]"), tr[3])
	assert.Equal(t, unifiedllm.RoleAssistant, tr[4].Role)

	// The second request carried the tool result and all tool definitions.
	require.Equal(t, 2, h.adapter.calls())
	second := h.adapter.requests[1]
	assert.Len(t, second.Messages, 4)
	assert.Len(t, second.Tools, 17)
	assert.Equal(t, "auto", second.ToolChoice)

	assert.Equal(t, 2, out.Usage.TotalRequests)
	assert.Equal(t, 200, out.Usage.PromptTokens)
	assert.Equal(t, 30, out.Usage.CompletionTokens)

	ends := h.eventsOf(EventSessionEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, "success", ends[0].String("status"))
	assert.Equal(t, 230, ends[0].Int("total_tokens"))

	toolEnds := h.eventsOf(EventToolCallEnd)
	require.Len(t, toolEnds, 1)
	assert.True(t, toolEnds[0].Bool("success"))
}

func TestRunRateLimitExhaustionIsFatal(t *testing.T) {
	retryAfter := 2.0
	limited := &unifiedllm.RateLimitError{ProviderError: unifiedllm.ProviderError{
		SDKError:   unifiedllm.SDKError{Message: "too many requests"},
		Provider:   "cerebras",
		StatusCode: 429,
		Retryable:  true,
		RetryAfter: &retryAfter,
	}}
	h := newHarness(t, []interface{}{limited}, nil)

	out := h.session.Run(context.Background(), "anything")

	require.Equal(t, StatusFatalError, out.Status)
	var exhausted *unifiedllm.RetriesExhaustedError
	require.True(t, errors.As(out.Err, &exhausted), "got %T", out.Err)
	assert.Equal(t, 5, h.adapter.calls())
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second}, h.sleeps)
	assert.Equal(t, 0, out.Usage.TotalRequests)

	assert.Len(t, h.eventsOf(EventAPIRetry), 5)
	ends := h.eventsOf(EventSessionEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, "fatal_error", ends[0].String("status"))
	assert.NotEmpty(t, ends[0].String("error"))
}

func TestRunNonRetryableErrorIsFatalImmediately(t *testing.T) {
	authErr := &unifiedllm.AuthenticationError{ProviderError: unifiedllm.ProviderError{
		SDKError:   unifiedllm.SDKError{Message: "bad key"},
		Provider:   "cerebras",
		StatusCode: 401,
	}}
	h := newHarness(t, []interface{}{authErr}, nil)

	out := h.session.Run(context.Background(), "anything")

	assert.Equal(t, StatusFatalError, out.Status)
	assert.Equal(t, 1, h.adapter.calls())
	assert.Empty(t, h.sleeps)
	assert.Len(t, h.eventsOf(EventError), 1)
}

func TestRunMaxTurnsExhausted(t *testing.T) {
	h := newHarness(t, []interface{}{
		toolResponse(unifiedllm.NewToolCall("t", "think", `{"thought":"still planning"}`)),
	}, func(cfg *SessionConfig) { cfg.MaxTurns = 3 })

	out := h.session.Run(context.Background(), "plan forever")

	assert.Equal(t, StatusMaxTurnsExhausted, out.Status)
	assert.Equal(t, 3, out.Turns)
	assert.NoError(t, out.Err)
	assert.Equal(t, 3, h.adapter.calls())
	assert.Len(t, h.eventsOf(EventTurnStart), 3)
	assert.Len(t, h.eventsOf(EventTurnLimit), 1)
	assert.Equal(t, "max_turns_exhausted", h.eventsOf(EventSessionEnd)[0].String("status"))
}

func TestRunMalformedArgumentsBecomeToolError(t *testing.T) {
	h := newHarness(t, []interface{}{
		toolResponse(unifiedllm.NewToolCall("bad", "write_file", `{"path": "x.txt", "content": `)),
		textResponse(":::COMPLETE:::"),
	}, nil)

	out := h.session.Run(context.Background(), "write something")

	require.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, "ERROR: `path` is required", out.Transcript[3].Content)
	assert.Equal(t, "bad", out.Transcript[3].ToolCallID)
	assert.NoFileExists(t, filepath.Join(h.dir, "x.txt"))
}

func TestRunUnknownToolContinues(t *testing.T) {
	h := newHarness(t, []interface{}{
		toolResponse(
			unifiedllm.NewToolCall("a", "teleport", `{}`),
			unifiedllm.NewToolCall("b", "think", `{"thought":"ok"}`),
		),
		textResponse("All done."),
	}, nil)

	out := h.session.Run(context.Background(), "go")

	require.Equal(t, StatusSuccess, out.Status)
	tr := out.Transcript
	require.Len(t, tr, 6)
	assert.Equal(t, "ERROR: Unknown tool: teleport", tr[3].Content)
	assert.Equal(t, "[thought recorded - 2 chars]", tr[4].Content)

	starts := h.eventsOf(EventToolCallStart)
	require.Len(t, starts, 2)
	assert.Equal(t, "teleport", starts[0].String("tool_name"))
	assert.Equal(t, "think", starts[1].String("tool_name"))
}

func TestRunEmptyResponseAppendsPlaceholder(t *testing.T) {
	h := newHarness(t, []interface{}{
		textResponse(""),
		textResponse("Finished."),
	}, nil)

	out := h.session.Run(context.Background(), "go")

	require.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, 2, out.Turns)
	assert.Equal(t, unifiedllm.AssistantMessage("(no response)"), out.Transcript[2])
	assert.Len(t, h.eventsOf(EventWarning), 1)
}

func TestRunQuestionDoesNotEndRun(t *testing.T) {
	h := newHarness(t, []interface{}{
		textResponse("Should I also update the changelog?  "),
		textResponse("Proceeding.\n:::PLAN_READY:::"),
	}, nil)

	out := h.session.Run(context.Background(), "go")

	require.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, 2, out.Turns)
}

func TestRunLengthFinishDoesNotEndRun(t *testing.T) {
	cut := textResponse("Partial answer")
	cut.FinishReason = unifiedllm.FinishReason{Reason: unifiedllm.FinishLength}
	h := newHarness(t, []interface{}{cut, textResponse("Done.")}, nil)

	out := h.session.Run(context.Background(), "go")

	require.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, 2, out.Turns)
}

func TestRunStreamsText(t *testing.T) {
	h := newHarness(t, []interface{}{
		textResponse("Hello world"),
	}, func(cfg *SessionConfig) { cfg.Stream = true })

	out := h.session.Run(context.Background(), "greet")

	require.Equal(t, StatusSuccess, out.Status)
	deltas := h.eventsOf(EventAssistantTextDelta)
	require.Len(t, deltas, 2)
	assert.Equal(t, "Hello world", deltas[0].String("delta")+deltas[1].String("delta"))

	ends := h.eventsOf(EventAssistantTextEnd)
	require.Len(t, ends, 1)
	assert.True(t, ends[0].Bool("streamed"))
	assert.Equal(t, "Hello world", out.Transcript[2].Content)
	assert.True(t, h.adapter.requests[0].Stream)
}

func TestRunTruncatesAndPrunesLargeToolResults(t *testing.T) {
	big := strings.Repeat("line of file content\n", 500)

	steps := []interface{}{}
	for i := 0; i < 4; i++ {
		steps = append(steps, toolResponse(unifiedllm.NewToolCall("r", "read_file", `{"path":"big.txt"}`)))
	}
	steps = append(steps, textResponse(":::COMPLETE:::"))

	h := newHarness(t, steps, func(cfg *SessionConfig) {
		cfg.Pruning.MaxToolResultChars = 1000
		cfg.Pruning.MaxContextChars = 4000
		cfg.Pruning.KeepRecent = 2
		cfg.EnableLoopDetection = false
	})
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "big.txt"), []byte(big), 0644))

	out := h.session.Run(context.Background(), "read it")
	require.Equal(t, StatusSuccess, out.Status)

	first := h.adapter.requests[1].Messages[3]
	assert.Equal(t, unifiedllm.RoleTool, first.Role)
	assert.Contains(t, first.Content, "[truncated")
	assert.LessOrEqual(t, len(first.Content), 1100)

	assert.NotEmpty(t, h.eventsOf(EventContextPruned))
	for _, req := range h.adapter.requests {
		assert.Equal(t, unifiedllm.RoleSystem, req.Messages[0].Role)
		assert.Equal(t, "read it", req.Messages[1].Content)
	}
}

func TestRunLoopDetectionWarnsWithoutEditingTranscript(t *testing.T) {
	h := newHarness(t, []interface{}{
		toolResponse(unifiedllm.NewToolCall("t", "think", `{"thought":"same"}`)),
	}, func(cfg *SessionConfig) {
		cfg.MaxTurns = 4
		cfg.LoopDetectionWindow = 3
	})

	out := h.session.Run(context.Background(), "loop")

	assert.Equal(t, StatusMaxTurnsExhausted, out.Status)
	assert.Len(t, h.eventsOf(EventLoopDetection), 2)
	for _, m := range out.Transcript[2:] {
		assert.NotEqual(t, unifiedllm.RoleUser, m.Role)
	}
}

func TestRunCancelledContext(t *testing.T) {
	h := newHarness(t, []interface{}{textResponse("never")}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := h.session.Run(ctx, "go")

	assert.Equal(t, StatusFatalError, out.Status)
	var aborted *unifiedllm.AbortError
	assert.True(t, errors.As(out.Err, &aborted))
	assert.Equal(t, 0, h.adapter.calls())
	assert.Len(t, h.eventsOf(EventSessionEnd), 1)
}

func TestRunLoadsProjectContext(t *testing.T) {
	h := newHarness(t, []interface{}{textResponse("ok")}, func(cfg *SessionConfig) {
		cfg.SkipProjectContext = false
	})
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "AGENTS.md"), []byte("Use tabs."), 0644))

	out := h.session.Run(context.Background(), "go")

	require.Equal(t, StatusSuccess, out.Status)
	system := out.Transcript[0].Content
	assert.Contains(t, system, "# PRE-LOADED PROJECT CONTEXT")
	assert.Contains(t, system, "## Project Guidelines (AGENTS.md)\nUse tabs.")
	assert.Contains(t, system, "Working directory: "+h.dir)
}
