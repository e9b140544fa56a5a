package agentloop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/martinemde/cerebras-agent/unifiedllm"
)

// Session defaults.
const (
	DefaultMaxTurns    = 15
	DefaultMaxTokens   = 16384
	DefaultTemperature = 0.2
)

// SessionConfig holds configuration for a session.
type SessionConfig struct {
	Model               string        `json:"model"`
	Provider            string        `json:"provider,omitempty"` // "" = client default
	MaxTurns            int           `json:"max_turns"`
	MaxTokens           int           `json:"max_tokens"`
	Temperature         float64       `json:"temperature"`
	Stream              bool          `json:"stream"`
	WorkingDir          string        `json:"working_dir"`
	Pruning             PruningPolicy `json:"pruning"`
	SkipProjectContext  bool          `json:"skip_project_context,omitempty"`
	EnableLoopDetection bool          `json:"enable_loop_detection"`
	LoopDetectionWindow int           `json:"loop_detection_window"`
}

// DefaultSessionConfig returns the default configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Model:               unifiedllm.DefaultModel,
		MaxTurns:            DefaultMaxTurns,
		MaxTokens:           DefaultMaxTokens,
		Temperature:         DefaultTemperature,
		Stream:              true,
		Pruning:             DefaultPruningPolicy(),
		EnableLoopDetection: true,
		LoopDetectionWindow: DefaultLoopWindow,
	}
}

// Session drives one task through the bounded turn loop: prune, request,
// run tools, repeat until the model signals completion or turns run out.
type Session struct {
	id         string
	config     SessionConfig
	client     *unifiedllm.Client
	dispatcher *Dispatcher
	env        ExecutionEnvironment
	emitter    *EventEmitter
	transcript []unifiedllm.Message
	now        func() time.Time
	mu         sync.Mutex
}

// NewSession creates a session that talks to the model through client and
// runs tools through dispatcher. A nil dispatcher uses the default tool set;
// a nil config uses DefaultSessionConfig.
func NewSession(client *unifiedllm.Client, dispatcher *Dispatcher, config *SessionConfig) *Session {
	sessionID := uuid.New().String()

	cfg := DefaultSessionConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir, _ = os.Getwd()
	}
	if dispatcher == nil {
		dispatcher = NewDefaultDispatcher()
	}

	return &Session{
		id:         sessionID,
		config:     cfg,
		client:     client,
		dispatcher: dispatcher,
		env:        dispatcher.env,
		emitter:    NewEventEmitter(sessionID, 256),
		now:        time.Now,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Config returns the effective configuration.
func (s *Session) Config() SessionConfig { return s.config }

// Events returns the event channel for the host application.
func (s *Session) Events() <-chan SessionEvent {
	return s.emitter.Events()
}

// OnEvent registers a handler that sees every event synchronously.
func (s *Session) OnEvent(h EventHandler) {
	s.emitter.OnEvent(h)
}

// Transcript returns a copy of the current transcript.
func (s *Session) Transcript() []unifiedllm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := make([]unifiedllm.Message, len(s.transcript))
	copy(t, s.transcript)
	return t
}

// Close closes the event channel.
func (s *Session) Close() {
	s.emitter.Close()
}

func (s *Session) append(msgs ...unifiedllm.Message) {
	s.mu.Lock()
	s.transcript = append(s.transcript, msgs...)
	s.mu.Unlock()
}

// Run executes task until the model signals completion, the turn budget is
// spent, or a fatal API error occurs. A session_end event carrying the
// status and cumulative usage is emitted on every path.
func (s *Session) Run(ctx context.Context, task string) (out Outcome) {
	s.emitter.Emit(EventSessionStart, map[string]interface{}{
		"model":       s.config.Model,
		"max_turns":   s.config.MaxTurns,
		"working_dir": s.config.WorkingDir,
	})

	defer func() {
		out.Usage = s.client.Usage()
		out.Transcript = s.Transcript()
		data := map[string]interface{}{
			"status":            string(out.Status),
			"turns":             out.Turns,
			"prompt_tokens":     out.Usage.PromptTokens,
			"completion_tokens": out.Usage.CompletionTokens,
			"total_tokens":      out.Usage.Total(),
			"total_requests":    out.Usage.TotalRequests,
		}
		if out.Err != nil {
			data["error"] = out.Err.Error()
		}
		s.emitter.Emit(EventSessionEnd, data)
	}()

	s.start(ctx, task)
	tools := s.dispatcher.Definitions()

	for turn := 1; turn <= s.config.MaxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return s.fatal(turn-1, &unifiedllm.AbortError{SDKError: unifiedllm.SDKError{Message: "run cancelled", Cause: err}})
		}

		s.prune(turn)

		transcript := s.Transcript()
		s.emitter.Emit(EventTurnStart, map[string]interface{}{
			"turn":          turn,
			"max_turns":     s.config.MaxTurns,
			"context_chars": TranscriptSize(transcript),
			"messages":      len(transcript),
		})

		result, err := s.client.Send(ctx, s.request(transcript, tools),
			unifiedllm.OnTextDelta(func(delta string) {
				s.emitter.Emit(EventAssistantTextDelta, map[string]interface{}{"delta": delta})
			}),
			unifiedllm.OnRetry(func(err error, attempt int, delay time.Duration) {
				data := map[string]interface{}{
					"attempt":       attempt,
					"delay_seconds": delay.Seconds(),
					"error":         err.Error(),
				}
				var rl *unifiedllm.RateLimitError
				data["rate_limited"] = errors.As(err, &rl)
				s.emitter.Emit(EventAPIRetry, data)
			}),
			unifiedllm.OnDiscard(func(err error) {
				s.emitter.Emit(EventWarning, map[string]interface{}{
					"message": fmt.Sprintf("Stream interrupted (%v); discarding partial response", err),
				})
			}),
		)
		if err != nil {
			return s.fatal(turn, err)
		}

		msg := result.Message
		msg.Role = unifiedllm.RoleAssistant
		if msg.Content != "" {
			s.emitter.Emit(EventAssistantTextEnd, map[string]interface{}{
				"text":     msg.Content,
				"streamed": s.config.Stream,
			})
		}

		switch {
		case msg.HasToolCalls():
			s.append(msg)
			s.runTools(ctx, msg.ToolCalls)
			s.checkLoop()
		case msg.Content != "":
			s.append(unifiedllm.AssistantMessage(msg.Content))
			if hasCompletionSentinel(msg.Content) {
				return Outcome{Status: StatusSuccess, Turns: turn}
			}
		default:
			s.emitter.Emit(EventWarning, map[string]interface{}{"message": "Empty response"})
			s.append(unifiedllm.AssistantMessage(emptyResponseText))
		}

		if isNaturalStop(result.FinishReason, msg) {
			return Outcome{Status: StatusSuccess, Turns: turn}
		}
	}

	s.emitter.Emit(EventTurnLimit, map[string]interface{}{"max_turns": s.config.MaxTurns})
	return Outcome{Status: StatusMaxTurnsExhausted, Turns: s.config.MaxTurns}
}

// start builds the system prompt and seeds the transcript.
func (s *Session) start(ctx context.Context, task string) {
	projectContext := ""
	if !s.config.SkipProjectContext {
		projectContext = LoadProjectContext(ctx, s.env, s.config.WorkingDir)
	}
	environment := BuildEnvironmentContext(s.config.WorkingDir, s.config.Model, s.now())
	system := BuildSystemPrompt(environment, projectContext)

	s.mu.Lock()
	s.transcript = []unifiedllm.Message{
		unifiedllm.SystemMessage(system),
		unifiedllm.UserMessage(task),
	}
	s.mu.Unlock()

	s.emitter.Emit(EventContextLoaded, map[string]interface{}{
		"context_chars": len(projectContext),
	})
}

func (s *Session) prune(turn int) {
	s.mu.Lock()
	before := s.transcript
	after := s.config.Pruning.Prune(before, turn)
	s.transcript = after
	s.mu.Unlock()

	beforeChars, afterChars := TranscriptSize(before), TranscriptSize(after)
	if len(after) != len(before) || afterChars != beforeChars {
		s.emitter.Emit(EventContextPruned, map[string]interface{}{
			"before_chars":    beforeChars,
			"after_chars":     afterChars,
			"before_messages": len(before),
			"after_messages":  len(after),
		})
	}
}

func (s *Session) request(transcript []unifiedllm.Message, tools []unifiedllm.ToolDefinition) unifiedllm.Request {
	maxTokens := s.config.MaxTokens
	temperature := s.config.Temperature
	return unifiedllm.Request{
		Model:       s.config.Model,
		Provider:    s.config.Provider,
		Messages:    transcript,
		Tools:       tools,
		ToolChoice:  "auto",
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
		Stream:      s.config.Stream,
	}
}

// runTools executes calls one at a time, in order, appending one tool
// message per call.
func (s *Session) runTools(ctx context.Context, calls []unifiedllm.ToolCall) {
	for _, call := range calls {
		s.emitter.Emit(EventToolCallStart, map[string]interface{}{
			"call_id":   call.ID,
			"tool_name": call.Function.Name,
			"arguments": call.Function.Arguments,
		})

		result := s.dispatcher.Execute(ctx, call.Function.Name, call.Function.Arguments, s.config.WorkingDir)

		s.emitter.Emit(EventToolCallEnd, map[string]interface{}{
			"call_id":   call.ID,
			"tool_name": call.Function.Name,
			"success":   result.Success,
			"output":    result.Output,
			"error":     result.Error,
			"truncated": result.Truncated,
		})

		content := TruncateToolResult(result.Content(), s.config.Pruning.MaxToolResultChars)
		s.append(unifiedllm.ToolResultMessage(call.ID, content))
	}
}

func (s *Session) checkLoop() {
	if !s.config.EnableLoopDetection {
		return
	}
	if DetectLoop(s.Transcript(), s.config.LoopDetectionWindow) {
		s.emitter.Emit(EventLoopDetection, map[string]interface{}{
			"message": fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern.", s.config.LoopDetectionWindow),
		})
	}
}

func (s *Session) fatal(turns int, err error) Outcome {
	s.emitter.Emit(EventError, map[string]interface{}{
		"error": err.Error(),
		"fatal": true,
	})
	return Outcome{Status: StatusFatalError, Turns: turns, Err: err}
}
