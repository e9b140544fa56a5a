package agentloop

import (
	"strings"

	"github.com/martinemde/cerebras-agent/unifiedllm"
)

// Status is how a run ended.
type Status string

const (
	StatusSuccess           Status = "success"
	StatusMaxTurnsExhausted Status = "max_turns_exhausted"
	StatusFatalError        Status = "fatal_error"
)

// Outcome is the result of Session.Run.
type Outcome struct {
	Status     Status
	Turns      int
	Usage      unifiedllm.TokenUsage
	Transcript []unifiedllm.Message
	Err        error
}

// Succeeded reports whether the run ended in success.
func (o Outcome) Succeeded() bool {
	return o.Status == StatusSuccess
}

// CompletionSentinels are the markers a model emits to declare its work done.
var CompletionSentinels = []string{":::BUILD_READY:::", ":::PLAN_READY:::", ":::COMPLETE:::"}

// emptyResponseText stands in for a turn with neither text nor tool calls.
const emptyResponseText = "(no response)"

// hasCompletionSentinel reports whether text contains any completion marker.
func hasCompletionSentinel(text string) bool {
	for _, s := range CompletionSentinels {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

// isNaturalStop reports whether a text-only turn ends the run: the model
// stopped on its own and did not end by asking a question.
func isNaturalStop(finishReason string, msg unifiedllm.Message) bool {
	if finishReason != unifiedllm.FinishStop || msg.HasToolCalls() || msg.Content == "" {
		return false
	}
	return !strings.HasSuffix(strings.TrimSpace(msg.Content), "?")
}
