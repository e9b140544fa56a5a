package unifiedllm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultChatCompletionsURL is the Cerebras chat-completions endpoint.
	DefaultChatCompletionsURL = "https://api.cerebras.ai/v1/chat/completions"
	// DefaultHTTPTimeout bounds a whole request, streamed body included.
	DefaultHTTPTimeout = 180 * time.Second
)

// ChatCompletionsAdapter speaks the OpenAI-compatible chat-completions wire
// protocol over HTTP, with server-sent events for streaming.
type ChatCompletionsAdapter struct {
	name       string
	url        string
	apiKey     string
	httpClient *http.Client
}

// ChatCompletionsOption configures a ChatCompletionsAdapter.
type ChatCompletionsOption func(*ChatCompletionsAdapter)

// WithEndpoint overrides the chat-completions URL.
func WithEndpoint(url string) ChatCompletionsOption {
	return func(a *ChatCompletionsAdapter) {
		if url != "" {
			a.url = url
		}
	}
}

// WithHTTPClient replaces the HTTP client used for requests.
func WithHTTPClient(c *http.Client) ChatCompletionsOption {
	return func(a *ChatCompletionsAdapter) {
		if c != nil {
			a.httpClient = c
		}
	}
}

// WithProviderName sets the name reported by Name and used in errors.
func WithProviderName(name string) ChatCompletionsOption {
	return func(a *ChatCompletionsAdapter) {
		if name != "" {
			a.name = name
		}
	}
}

// NewChatCompletionsAdapter creates an adapter authenticated with apiKey.
func NewChatCompletionsAdapter(apiKey string, opts ...ChatCompletionsOption) (*ChatCompletionsAdapter, error) {
	if apiKey == "" {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "chat-completions API key is required"}}
	}
	a := &ChatCompletionsAdapter{
		name:       "cerebras",
		url:        DefaultChatCompletionsURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Name returns the provider identifier.
func (a *ChatCompletionsAdapter) Name() string { return a.name }

// Wire types.

type chatRequest struct {
	Model       string     `json:"model"`
	Messages    []Message  `json:"messages"`
	MaxTokens   *int       `json:"max_tokens,omitempty"`
	Temperature *float64   `json:"temperature,omitempty"`
	Tools       []chatTool `json:"tools,omitempty"`
	ToolChoice  string     `json:"tool_choice,omitempty"`
	Stream      bool       `json:"stream"`
}

type chatTool struct {
	Type     string         `json:"type"`
	Function ToolDefinition `json:"function"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int        `json:"index"`
	Message      *Message   `json:"message,omitempty"`
	Delta        *chatDelta `json:"delta,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

type chatDelta struct {
	Role      string              `json:"role,omitempty"`
	Content   string              `json:"content,omitempty"`
	ToolCalls []chatToolCallDelta `json:"tool_calls,omitempty"`
}

type chatToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *chatUsage) toUsage() *Usage {
	if u == nil {
		return nil
	}
	total := u.TotalTokens
	if total == 0 {
		total = u.PromptTokens + u.CompletionTokens
	}
	return &Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens, TotalTokens: total}
}

type chatErrorResponse struct {
	Error *struct {
		Message string      `json:"message"`
		Type    string      `json:"type"`
		Code    interface{} `json:"code,omitempty"`
	} `json:"error"`
}

func (a *ChatCompletionsAdapter) buildBody(req Request, stream bool) ([]byte, error) {
	body := chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		ToolChoice:  req.ToolChoice,
		Stream:      stream,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, chatTool{Type: "function", Function: t})
	}
	if len(body.Tools) == 0 {
		body.ToolChoice = ""
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, &SDKError{Message: "failed to marshal request", Cause: err}
	}
	return data, nil
}

// do sends the request and returns the response when the status is 200.
// Any other status is mapped through ErrorFromStatusCode.
func (a *ChatCompletionsAdapter) do(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "failed to create request", Cause: err}}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, a.transportError(ctx, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	message := strings.TrimSpace(string(respBody))
	errorCode := ""
	var raw map[string]interface{}
	var errResp chatErrorResponse
	if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != nil {
		message = errResp.Error.Message
		errorCode = errResp.Error.Type
		if errResp.Error.Code != nil {
			errorCode = fmt.Sprint(errResp.Error.Code)
		}
	}
	_ = json.Unmarshal(respBody, &raw)
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return nil, ErrorFromStatusCode(resp.StatusCode, message, a.name, errorCode, raw, ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
}

func (a *ChatCompletionsAdapter) transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &AbortError{SDKError: SDKError{Message: "request cancelled", Cause: err}}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &RequestTimeoutError{SDKError: SDKError{Message: "request timed out", Cause: err}}
	}
	return &NetworkError{SDKError: SDKError{Message: "request failed", Cause: err}}
}

// Complete sends a non-streaming request.
func (a *ChatCompletionsAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	body, err := a.buildBody(req, false)
	if err != nil {
		return nil, err
	}
	resp, err := a.do(ctx, body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, a.transportError(ctx, err)
	}
	var result chatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, &ServerError{ProviderError: ProviderError{
			SDKError:   SDKError{Message: "malformed response body", Cause: err},
			Provider:   a.name,
			StatusCode: resp.StatusCode,
			Retryable:  true,
		}}
	}

	out := &Response{ID: result.ID, Model: result.Model, Provider: a.name}
	if u := result.Usage.toUsage(); u != nil {
		out.Usage = *u
	}
	out.Message = Message{Role: RoleAssistant}
	out.FinishReason = FinishReason{Reason: FinishStop}
	if len(result.Choices) > 0 {
		choice := result.Choices[0]
		if choice.Message != nil {
			out.Message = *choice.Message
			out.Message.Role = RoleAssistant
		}
		if choice.FinishReason != "" {
			out.FinishReason = FinishReason{Reason: choice.FinishReason, Raw: choice.FinishReason}
		}
	}
	return out, nil
}

// Stream sends a streaming request. The returned channel carries one event
// per text delta, tool-call fragment, usage report and finish reason, and is
// closed when the stream ends. A read failure is delivered as a StreamFailed
// event carrying a *StreamError.
func (a *ChatCompletionsAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	body, err := a.buildBody(req, true)
	if err != nil {
		return nil, err
	}
	resp, err := a.do(ctx, body, true)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		send := func(ev StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send(StreamEvent{Type: StreamStart}) {
			return
		}
		if err := readSSE(resp.Body, func(data string) bool {
			var chunk chatResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				// Skip malformed chunks.
				return true
			}
			for _, ev := range chunkEvents(chunk) {
				if !send(ev) {
					return false
				}
			}
			return true
		}); err != nil {
			send(StreamEvent{Type: StreamFailed, Error: &StreamError{SDKError: SDKError{Message: "stream interrupted", Cause: err}}})
		}
	}()
	return ch, nil
}

// readSSE calls onData with the payload of every "data: " line until the
// "[DONE]" marker, end of input, or onData returning false.
func readSSE(r io.Reader, onData func(data string) bool) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return nil
			}
			if data != "" && !onData(data) {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// chunkEvents translates one wire chunk into stream events.
func chunkEvents(chunk chatResponse) []StreamEvent {
	var events []StreamEvent
	for _, choice := range chunk.Choices {
		if choice.Delta != nil {
			if choice.Delta.Content != "" {
				events = append(events, StreamEvent{Type: TextDelta, ID: chunk.ID, Model: chunk.Model, Delta: choice.Delta.Content})
			}
			for _, tc := range choice.Delta.ToolCalls {
				events = append(events, StreamEvent{
					Type:  ToolCallDelta,
					ID:    chunk.ID,
					Model: chunk.Model,
					ToolCall: &ToolCallFragment{
						Index:     tc.Index,
						ID:        tc.ID,
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
		}
		if choice.FinishReason != "" {
			events = append(events, StreamEvent{
				Type:         StreamFinish,
				FinishReason: &FinishReason{Reason: choice.FinishReason, Raw: choice.FinishReason},
			})
		}
	}
	if u := chunk.Usage.toUsage(); u != nil {
		events = append(events, StreamEvent{Type: UsageUpdate, Usage: u})
	}
	return events
}

// ParseRetryAfter interprets a Retry-After header value given in seconds or
// as an HTTP date. It returns nil when the header is absent or unparseable.
func ParseRetryAfter(value string, now time.Time) *float64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			secs = 0
		}
		return &secs
	}
	if at, err := http.ParseTime(value); err == nil {
		secs := at.Sub(now).Seconds()
		if secs < 0 {
			secs = 0
		}
		return &secs
	}
	return nil
}
