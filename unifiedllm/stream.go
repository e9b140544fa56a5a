package unifiedllm

import (
	"sort"
	"strings"
)

// StreamAccumulator collects stream events into a complete Response.
//
// Text deltas are concatenated in arrival order. Tool-call fragments are
// merged by index: a fragment's id replaces the stored id, name fragments are
// appended, and argument fragments are always appended. Only calls that end
// up with a non-empty id are emitted, ordered by index. The last usage seen
// wins.
type StreamAccumulator struct {
	id           string
	model        string
	text         strings.Builder
	calls        map[int]*ToolCall
	finishReason *FinishReason
	usage        *Usage
	err          error
}

// NewStreamAccumulator creates a new StreamAccumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{calls: make(map[int]*ToolCall)}
}

// Process ingests a single stream event.
func (sa *StreamAccumulator) Process(event StreamEvent) {
	if event.ID != "" {
		sa.id = event.ID
	}
	if event.Model != "" {
		sa.model = event.Model
	}

	switch event.Type {
	case TextDelta:
		sa.text.WriteString(event.Delta)
	case ToolCallDelta:
		if event.ToolCall != nil {
			sa.mergeToolCall(*event.ToolCall)
		}
	case UsageUpdate:
		if event.Usage != nil {
			u := *event.Usage
			sa.usage = &u
		}
	case StreamFinish:
		if event.FinishReason != nil && event.FinishReason.Reason != "" {
			fr := *event.FinishReason
			sa.finishReason = &fr
		}
		if event.Usage != nil {
			u := *event.Usage
			sa.usage = &u
		}
	case StreamFailed:
		if sa.err == nil {
			sa.err = event.Error
		}
	}
}

func (sa *StreamAccumulator) mergeToolCall(frag ToolCallFragment) {
	tc, ok := sa.calls[frag.Index]
	if !ok {
		tc = &ToolCall{Type: "function"}
		sa.calls[frag.Index] = tc
	}
	// A fragment that carries an id and restates the complete name is a
	// repeat, not a continuation.
	repeat := frag.ID != "" && frag.Name == tc.Function.Name
	if frag.ID != "" {
		tc.ID = frag.ID
	}
	if frag.Name != "" && !repeat {
		tc.Function.Name += frag.Name
	}
	tc.Function.Arguments += frag.Arguments
}

// Err returns the first stream failure seen, if any.
func (sa *StreamAccumulator) Err() error {
	return sa.err
}

// Response returns the accumulated response.
func (sa *StreamAccumulator) Response() *Response {
	indices := make([]int, 0, len(sa.calls))
	for idx := range sa.calls {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var calls []ToolCall
	for _, idx := range indices {
		tc := sa.calls[idx]
		if tc.ID == "" {
			continue
		}
		calls = append(calls, *tc)
	}

	fr := FinishReason{Reason: FinishStop}
	if sa.finishReason != nil {
		fr = *sa.finishReason
	}

	usage := Usage{}
	if sa.usage != nil {
		usage = *sa.usage
	}

	return &Response{
		ID:           sa.id,
		Model:        sa.model,
		Message:      Message{Role: RoleAssistant, Content: sa.text.String(), ToolCalls: calls},
		FinishReason: fr,
		Usage:        usage,
	}
}
