package agentloop

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/martinemde/cerebras-agent/unifiedllm"
)

// Context budget defaults.
const (
	DefaultMaxContextChars = 50000
	DefaultKeepRecent      = 6

	// fixedPrefix is the system prompt plus the original task.
	fixedPrefix = 2

	maxCollapsedToolNames = 20
	synopsisLineChars     = 80
)

const (
	synopsisPrefix      = "[Tool output: "
	collapsedNotePrefix = "[Earlier in this session, I called these tools: "
	collapsedNoteSuffix = ". Results were processed. Continuing with current task...]"
)

// PruningPolicy bounds the transcript sent to the model.
type PruningPolicy struct {
	// MaxContextChars is the budget for the serialized transcript.
	MaxContextChars int
	// KeepRecent is how many trailing messages are never summarized.
	KeepRecent int
	// SummarizeAfterTurn delays summarization until the loop has passed this
	// turn. Zero summarizes from the first turn.
	SummarizeAfterTurn int
	// MaxToolResultChars bounds each tool result as it enters the transcript.
	MaxToolResultChars int
}

// DefaultPruningPolicy returns the standard context budget.
func DefaultPruningPolicy() PruningPolicy {
	return PruningPolicy{
		MaxContextChars:    DefaultMaxContextChars,
		KeepRecent:         DefaultKeepRecent,
		MaxToolResultChars: DefaultMaxToolResultChars,
	}
}

func (p PruningPolicy) keepRecent() int {
	if p.KeepRecent < 0 {
		return 0
	}
	return p.KeepRecent
}

// TranscriptSize is the sum of the serialized sizes of all messages.
func TranscriptSize(transcript []unifiedllm.Message) int {
	total := 0
	for _, m := range transcript {
		total += messageSize(m)
	}
	return total
}

func messageSize(m unifiedllm.Message) int {
	data, err := json.Marshal(m)
	if err != nil {
		return len(m.Content)
	}
	return len(data)
}

// Prune returns a transcript that fits the policy. It first replaces older
// tool results with one-line synopses, then, while the transcript is still
// over budget, collapses everything between the task and the recent window
// into a single note naming the tools that were called.
//
// The system prompt and task are never touched, message order is kept,
// neither message count nor size ever grows, and pruning an already pruned
// transcript returns it unchanged. The input slice is not modified.
func (p PruningPolicy) Prune(transcript []unifiedllm.Message, turn int) []unifiedllm.Message {
	out := make([]unifiedllm.Message, len(transcript))
	copy(out, transcript)

	if turn > p.SummarizeAfterTurn {
		out = p.summarize(out)
	}
	return p.collapse(out)
}

// summarize replaces tool results outside the recent window with synopses.
func (p PruningPolicy) summarize(msgs []unifiedllm.Message) []unifiedllm.Message {
	keep := p.keepRecent()
	if len(msgs) <= keep+fixedPrefix {
		return msgs
	}
	for i := fixedPrefix; i < len(msgs)-keep; i++ {
		if msgs[i].Role != unifiedllm.RoleTool {
			continue
		}
		if synopsis, ok := toolSynopsis(msgs[i].Content); ok {
			msgs[i].Content = synopsis
		}
	}
	return msgs
}

// toolSynopsis summarizes a tool result as its line count and first line.
// It refuses when the synopsis would not be shorter than the content.
func toolSynopsis(content string) (string, bool) {
	if strings.HasPrefix(content, synopsisPrefix) {
		return "", false
	}
	lines := strings.Count(content, "\n") + 1
	synopsis := fmt.Sprintf("%s%d lines] %s...", synopsisPrefix, lines, firstLine(content, synopsisLineChars))
	if len(synopsis) >= len(content) {
		return "", false
	}
	return synopsis, true
}

// collapse replaces the middle of an over-budget transcript with one note.
func (p PruningPolicy) collapse(msgs []unifiedllm.Message) []unifiedllm.Message {
	keep := p.keepRecent()
	if p.MaxContextChars <= 0 || len(msgs) <= fixedPrefix+1 || len(msgs) <= keep+fixedPrefix {
		return msgs
	}
	if TranscriptSize(msgs) <= p.MaxContextChars {
		return msgs
	}

	middle := msgs[fixedPrefix : len(msgs)-keep]
	names := calledToolNames(middle)

	result := make([]unifiedllm.Message, 0, fixedPrefix+1+keep)
	result = append(result, msgs[:fixedPrefix]...)
	if len(names) > 0 {
		note := unifiedllm.AssistantMessage(collapsedNotePrefix + strings.Join(names, ", ") + collapsedNoteSuffix)
		if messageSize(note) >= TranscriptSize(middle) {
			return msgs
		}
		result = append(result, note)
	}
	result = append(result, msgs[len(msgs)-keep:]...)
	return result
}

// calledToolNames lists distinct tool names in first-call order, including
// those recorded by an earlier collapse note.
func calledToolNames(msgs []unifiedllm.Message) []string {
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if name == "" || seen[name] || len(names) >= maxCollapsedToolNames {
			return
		}
		seen[name] = true
		names = append(names, name)
	}

	for _, m := range msgs {
		if m.Role != unifiedllm.RoleAssistant {
			continue
		}
		for _, name := range collapsedNoteNames(m.Content) {
			add(name)
		}
		for _, tc := range m.ToolCalls {
			add(tc.Function.Name)
		}
	}
	return names
}

func collapsedNoteNames(content string) []string {
	if !strings.HasPrefix(content, collapsedNotePrefix) || !strings.HasSuffix(content, collapsedNoteSuffix) {
		return nil
	}
	list := strings.TrimSuffix(strings.TrimPrefix(content, collapsedNotePrefix), collapsedNoteSuffix)
	return strings.Split(list, ", ")
}
