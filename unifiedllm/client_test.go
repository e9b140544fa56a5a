package unifiedllm

import (
	"context"
	"errors"
	"testing"
	"time"
)

// mockAdapter is a test double for ProviderAdapter.
type mockAdapter struct {
	name     string
	response *Response
	err      error
	events   []StreamEvent
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func (m *mockAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan StreamEvent, len(m.events))
	for _, e := range m.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func newMockAdapter(name, text string) *mockAdapter {
	return &mockAdapter{
		name: name,
		response: &Response{
			ID:           "test_resp",
			Model:        "test-model",
			Provider:     name,
			Message:      AssistantMessage(text),
			FinishReason: FinishReason{Reason: "stop"},
			Usage:        Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
		},
	}
}

// sequenceAdapter returns errors and responses in sequence.
type sequenceAdapter struct {
	name  string
	steps []interface{} // *Response or error
	idx   int
}

func (s *sequenceAdapter) Name() string { return s.name }

func (s *sequenceAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	step := s.steps[len(s.steps)-1]
	if s.idx < len(s.steps) {
		step = s.steps[s.idx]
		s.idx++
	}
	if err, ok := step.(error); ok {
		return nil, err
	}
	return step.(*Response), nil
}

func (s *sequenceAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	ch := make(chan StreamEvent)
	close(ch)
	return ch, nil
}

func noSleepClient(opts ...ClientOption) *Client {
	policy := DefaultRetryPolicy()
	policy.Sleep = func(time.Duration) {}
	return NewClient(append([]ClientOption{WithRetryPolicy(policy)}, opts...)...)
}

func TestClientComplete(t *testing.T) {
	mock := newMockAdapter("test-provider", "Hello!")
	client := NewClient(
		WithProvider("test-provider", mock),
		WithDefaultProvider("test-provider"),
	)

	resp, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", resp.Text())
	}
	if resp.Provider != "test-provider" {
		t.Errorf("expected provider %q, got %q", "test-provider", resp.Provider)
	}
}

func TestClientProviderRouting(t *testing.T) {
	cerebras := newMockAdapter("cerebras", "Cerebras response")
	openai := newMockAdapter("openai", "OpenAI response")

	client := NewClient(
		WithProvider("cerebras", cerebras),
		WithProvider("openai", openai),
		WithDefaultProvider("cerebras"),
	)

	// Explicit provider.
	resp, err := client.Complete(context.Background(), Request{
		Model:    "gpt-4o",
		Messages: []Message{UserMessage("Hi")},
		Provider: "openai",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "OpenAI response" {
		t.Errorf("expected OpenAI response, got %q", resp.Text())
	}

	// Default provider.
	resp, err = client.Complete(context.Background(), Request{
		Model:    "zai-glm-4.7",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Cerebras response" {
		t.Errorf("expected Cerebras response, got %q", resp.Text())
	}
}

func TestClientNoProvider(t *testing.T) {
	client := NewClient()
	_, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err == nil {
		t.Fatal("expected error for no provider")
	}
	if _, ok := err.(*ConfigurationError); !ok {
		t.Errorf("expected ConfigurationError, got %T", err)
	}
}

func TestClientMiddlewareOrder(t *testing.T) {
	mock := newMockAdapter("test", "response")
	var order []int

	mw1 := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		order = append(order, 1)
		resp, err := next(ctx, req)
		order = append(order, -1)
		return resp, err
	}
	mw2 := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		order = append(order, 2)
		resp, err := next(ctx, req)
		order = append(order, -2)
		return resp, err
	}

	client := NewClient(
		WithProvider("test", mock),
		WithMiddleware(mw1, mw2),
	)

	_, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Onion pattern: first registered runs first for request, reverse for response.
	expected := []int{1, 2, -2, -1}
	if len(order) != len(expected) {
		t.Fatalf("expected %d middleware calls, got %d", len(expected), len(order))
	}
	for i, v := range expected {
		if order[i] != v {
			t.Errorf("position %d: expected %d, got %d", i, v, order[i])
		}
	}
}

func TestClientStreamMiddleware(t *testing.T) {
	mock := &mockAdapter{name: "test", events: []StreamEvent{{Type: TextDelta, Delta: "x"}}}
	called := false
	smw := func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error) {
		called = true
		return next(ctx, req)
	}
	client := NewClient(WithProvider("test", mock), WithStreamMiddleware(smw))

	if _, err := client.Send(context.Background(), Request{Model: "m", Stream: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("stream middleware was not called")
	}
}

func TestClientRegisterProvider(t *testing.T) {
	client := NewClient()
	mock := newMockAdapter("dynamic", "dynamic response")
	client.RegisterProvider("dynamic", mock)

	resp, err := client.Complete(context.Background(), Request{
		Model:    "test-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "dynamic response" {
		t.Errorf("expected %q, got %q", "dynamic response", resp.Text())
	}
}

func TestClientSendStreamingAggregates(t *testing.T) {
	mock := &mockAdapter{
		name: "test",
		events: []StreamEvent{
			{Type: StreamStart},
			{Type: TextDelta, Delta: "Let me "},
			{Type: TextDelta, Delta: "check."},
			{Type: ToolCallDelta, ToolCall: &ToolCallFragment{Index: 0, ID: "call_1", Name: "read_file"}},
			{Type: ToolCallDelta, ToolCall: &ToolCallFragment{Index: 0, Arguments: `{"path":`}},
			{Type: ToolCallDelta, ToolCall: &ToolCallFragment{Index: 0, Arguments: `"a.txt"}`}},
			{Type: StreamFinish, FinishReason: &FinishReason{Reason: "tool_calls"}},
			{Type: UsageUpdate, Usage: &Usage{InputTokens: 100, OutputTokens: 7, TotalTokens: 107}},
		},
	}
	client := NewClient(WithProvider("test", mock))

	var streamed string
	result, err := client.Send(context.Background(), Request{Model: "m", Stream: true},
		OnTextDelta(func(s string) { streamed += s }))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if streamed != "Let me check." || result.Message.Content != "Let me check." {
		t.Errorf("unexpected text: streamed=%q content=%q", streamed, result.Message.Content)
	}
	if len(result.Message.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(result.Message.ToolCalls))
	}
	tc := result.Message.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "read_file" || tc.Function.Arguments != `{"path":"a.txt"}` {
		t.Errorf("unexpected tool call: %+v", tc)
	}
	if result.FinishReason != "tool_calls" {
		t.Errorf("expected finish reason tool_calls, got %q", result.FinishReason)
	}

	usage := client.Usage()
	if usage.PromptTokens != 100 || usage.CompletionTokens != 7 || usage.TotalRequests != 1 {
		t.Errorf("unexpected usage: %+v", usage)
	}
}

func TestClientSendAccumulatesUsageAcrossRequests(t *testing.T) {
	mock := newMockAdapter("test", "done")
	client := NewClient(WithProvider("test", mock))

	for i := 0; i < 3; i++ {
		if _, err := client.Send(context.Background(), Request{Model: "m"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	usage := client.Usage()
	if usage.PromptTokens != 30 || usage.CompletionTokens != 60 || usage.TotalRequests != 3 {
		t.Errorf("unexpected usage: %+v", usage)
	}
	if usage.Total() != 90 {
		t.Errorf("expected total 90, got %d", usage.Total())
	}
}

func TestClientSendRetriesTransientErrors(t *testing.T) {
	ok := newMockAdapter("test", "recovered").response
	adapter := &sequenceAdapter{name: "test", steps: []interface{}{
		&ServerError{ProviderError: ProviderError{SDKError: SDKError{Message: "boom"}, Retryable: true}},
		&NetworkError{SDKError: SDKError{Message: "reset"}},
		ok,
	}}
	client := noSleepClient(WithProvider("test", adapter))

	var retries int
	result, err := client.Send(context.Background(), Request{Model: "m"},
		OnRetry(func(err error, attempt int, delay time.Duration) { retries++ }))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Message.Content != "recovered" {
		t.Errorf("expected recovered, got %q", result.Message.Content)
	}
	if retries != 2 {
		t.Errorf("expected 2 retry notifications, got %d", retries)
	}
	// Failed attempts contribute no usage.
	if got := client.Usage(); got.TotalRequests != 1 || got.PromptTokens != 10 {
		t.Errorf("unexpected usage: %+v", got)
	}
}

func TestClientSendFatalAfterExhaustion(t *testing.T) {
	hint := 2.0
	adapter := &sequenceAdapter{name: "test", steps: []interface{}{
		&RateLimitError{ProviderError: ProviderError{SDKError: SDKError{Message: "slow down"}, StatusCode: 429, Retryable: true, RetryAfter: &hint}},
	}}
	client := noSleepClient(WithProvider("test", adapter))

	_, err := client.Send(context.Background(), Request{Model: "m"})
	var exhausted *RetriesExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected RetriesExhaustedError, got %T", err)
	}
	if adapter.idx != 1 {
		// The single step repeats; idx stops advancing at len(steps).
		t.Errorf("unexpected sequence index %d", adapter.idx)
	}
	if got := client.Usage(); got.TotalRequests != 0 {
		t.Errorf("expected no usage recorded, got %+v", got)
	}
}

func TestClientSendStreamFailureIsRetried(t *testing.T) {
	calls := 0
	adapter := &flakyStreamAdapter{onStream: func() []StreamEvent {
		calls++
		if calls == 1 {
			return []StreamEvent{
				{Type: TextDelta, Delta: "partial"},
				{Type: StreamFailed, Error: &StreamError{SDKError: SDKError{Message: "connection reset"}}},
			}
		}
		return []StreamEvent{{Type: TextDelta, Delta: "full answer"}, {Type: StreamFinish, FinishReason: &FinishReason{Reason: "stop"}}}
	}}
	client := noSleepClient(WithProvider("flaky", adapter))

	var (
		deltas    []string
		discarded []error
	)
	result, err := client.Send(context.Background(), Request{Model: "m", Stream: true},
		OnTextDelta(func(d string) { deltas = append(deltas, d) }),
		OnDiscard(func(err error) { discarded = append(discarded, err) }),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Message.Content != "full answer" {
		t.Errorf("expected the retried stream's text, got %q", result.Message.Content)
	}
	if calls != 2 {
		t.Errorf("expected 2 stream attempts, got %d", calls)
	}
	if len(deltas) != 2 || deltas[0] != "partial" || deltas[1] != "full answer" {
		t.Errorf("unexpected deltas %q", deltas)
	}
	if len(discarded) != 1 {
		t.Fatalf("expected the partial attempt to be discarded once, got %d", len(discarded))
	}
	var streamErr *StreamError
	if !errors.As(discarded[0], &streamErr) {
		t.Errorf("expected a StreamError, got %T", discarded[0])
	}
}

func TestClientSendNoDiscardWithoutStreamedText(t *testing.T) {
	calls := 0
	adapter := &flakyStreamAdapter{onStream: func() []StreamEvent {
		calls++
		if calls == 1 {
			return []StreamEvent{{Type: StreamFailed, Error: &StreamError{SDKError: SDKError{Message: "connection reset"}}}}
		}
		return []StreamEvent{{Type: TextDelta, Delta: "ok"}, {Type: StreamFinish, FinishReason: &FinishReason{Reason: "stop"}}}
	}}
	client := noSleepClient(WithProvider("flaky", adapter))

	discarded := 0
	if _, err := client.Send(context.Background(), Request{Model: "m", Stream: true},
		OnDiscard(func(error) { discarded++ }),
	); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if discarded != 0 {
		t.Errorf("expected no discard when nothing was streamed, got %d", discarded)
	}
}

type flakyStreamAdapter struct {
	onStream func() []StreamEvent
}

func (f *flakyStreamAdapter) Name() string { return "flaky" }

func (f *flakyStreamAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	return nil, errors.New("not used")
}

func (f *flakyStreamAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	events := f.onStream()
	ch := make(chan StreamEvent, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return ch, nil
}
