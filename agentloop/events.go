package agentloop

import (
	"sync"
	"time"
)

// EventKind identifies the type of session event.
type EventKind string

const (
	EventSessionStart       EventKind = "session_start"
	EventSessionEnd         EventKind = "session_end"
	EventTurnStart          EventKind = "turn_start"
	EventContextLoaded      EventKind = "context_loaded"
	EventContextPruned      EventKind = "context_pruned"
	EventAssistantTextDelta EventKind = "assistant_text_delta"
	EventAssistantTextEnd   EventKind = "assistant_text_end"
	EventToolCallStart      EventKind = "tool_call_start"
	EventToolCallEnd        EventKind = "tool_call_end"
	EventAPIRetry           EventKind = "api_retry"
	EventTurnLimit          EventKind = "turn_limit"
	EventLoopDetection      EventKind = "loop_detection"
	EventWarning            EventKind = "warning"
	EventError              EventKind = "error"
)

// SessionEvent is a typed event emitted by the agent loop.
type SessionEvent struct {
	Kind      EventKind              `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"session_id"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// String returns a string field of the event data, or "".
func (e SessionEvent) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Int returns an int field of the event data, or 0.
func (e SessionEvent) Int(key string) int {
	switch n := e.Data[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// Bool returns a bool field of the event data, or false.
func (e SessionEvent) Bool(key string) bool {
	b, _ := e.Data[key].(bool)
	return b
}

// EventHandler receives events synchronously, in emission order.
type EventHandler func(SessionEvent)

// EventEmitter delivers typed events to the host application. Handlers
// registered with OnEvent run synchronously on the loop goroutine; the
// channel returned by Events is buffered and drops events when full.
type EventEmitter struct {
	sessionID string
	ch        chan SessionEvent
	handlers  []EventHandler
	closed    bool
	now       func() time.Time
	mu        sync.Mutex
}

// NewEventEmitter creates a new EventEmitter with a buffered channel.
func NewEventEmitter(sessionID string, bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{
		sessionID: sessionID,
		ch:        make(chan SessionEvent, bufferSize),
		now:       time.Now,
	}
}

// SessionID returns the id stamped on every event.
func (e *EventEmitter) SessionID() string {
	return e.sessionID
}

// OnEvent registers a synchronous handler.
func (e *EventEmitter) OnEvent(h EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Emit delivers an event to every handler and then to the channel. If the
// emitter is closed, the event is silently dropped.
func (e *EventEmitter) Emit(kind EventKind, data map[string]interface{}) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	event := SessionEvent{
		Kind:      kind,
		Timestamp: e.now(),
		SessionID: e.sessionID,
		Data:      data,
	}
	handlers := e.handlers
	select {
	case e.ch <- event:
	default:
		// Channel full; drop event to avoid blocking the agent loop.
	}
	e.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
}

// Events returns the read-only event channel.
func (e *EventEmitter) Events() <-chan SessionEvent {
	return e.ch
}

// Close closes the event channel. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
