// Package render turns session events into terminal text. It holds no
// session state: every line it prints is derived from a single event.
package render

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/martinemde/cerebras-agent/agentloop"
)

const (
	// DefaultWidth is used when the terminal width is unknown.
	DefaultWidth = 80

	argValueLimit      = 80
	resultPreviewLines = 11
)

// Renderer formats events for a terminal of a fixed width.
type Renderer struct {
	width int
}

// New creates a Renderer. A width below 20 uses DefaultWidth.
func New(width int) *Renderer {
	if width < 20 {
		width = DefaultWidth
	}
	return &Renderer{width: width}
}

// Render returns the text for ev, or "" for events with no display form.
// Streamed deltas are returned verbatim so they can be written as they
// arrive; every other event renders as whole lines.
func (r *Renderer) Render(ev agentloop.SessionEvent) string {
	switch ev.Kind {
	case agentloop.EventSessionStart:
		return r.sessionStart(ev)
	case agentloop.EventContextLoaded:
		return r.field("Context", agentloop.FormatCount(ev.Int("context_chars"))+" chars pre-loaded") + r.divider()
	case agentloop.EventTurnStart:
		title := fmt.Sprintf("Turn %d/%d", ev.Int("turn"), ev.Int("max_turns"))
		return "\n" + headerStyle.Render(r.header(title)) + "\n" +
			dimStyle.Render(fmt.Sprintf("  %s chars in %d messages", agentloop.FormatCount(ev.Int("context_chars")), ev.Int("messages"))) + "\n"
	case agentloop.EventContextPruned:
		return dimStyle.Render(fmt.Sprintf("  Context pruned: %s -> %s chars (%d -> %d messages)",
			agentloop.FormatCount(ev.Int("before_chars")), agentloop.FormatCount(ev.Int("after_chars")),
			ev.Int("before_messages"), ev.Int("after_messages"))) + "\n"
	case agentloop.EventAssistantTextDelta:
		return ev.String("delta")
	case agentloop.EventAssistantTextEnd:
		return r.textEnd(ev)
	case agentloop.EventToolCallStart:
		return r.toolCallStart(ev)
	case agentloop.EventToolCallEnd:
		return r.toolCallEnd(ev)
	case agentloop.EventAPIRetry:
		return r.retry(ev)
	case agentloop.EventTurnLimit:
		return "\n" + warningStyle.Render(fmt.Sprintf("⚠ Max turns (%d) reached", ev.Int("max_turns"))) + "\n"
	case agentloop.EventLoopDetection, agentloop.EventWarning:
		return "\n" + warningStyle.Render("⚠ "+ev.String("message")) + "\n"
	case agentloop.EventError:
		return "\n" + errorStyle.Render("✗ API Error: "+ev.String("error")) + "\n"
	case agentloop.EventSessionEnd:
		return r.sessionEnd(ev)
	}
	return ""
}

func (r *Renderer) header(title string) string {
	part := " " + title + " "
	remaining := max(r.width-lipgloss.Width(part), 2)
	left := remaining / 2
	return strings.Repeat("─", left) + part + strings.Repeat("─", remaining-left)
}

func (r *Renderer) divider() string {
	return dividerStyle.Render(strings.Repeat("─", r.width)) + "\n"
}

func (r *Renderer) field(label, value string) string {
	return "  " + dimStyle.Render(label+":") + " " + value + "\n"
}

func (r *Renderer) sessionStart(ev agentloop.SessionEvent) string {
	var sb strings.Builder
	sb.WriteString("\n" + bannerStyle.Render(r.header("Cerebras Agent")) + "\n")
	sb.WriteString(r.field("Model", ev.String("model")))
	sb.WriteString(r.field("Max turns", fmt.Sprint(ev.Int("max_turns"))))
	sb.WriteString(r.field("Workdir", ev.String("working_dir")))
	return sb.String()
}

func (r *Renderer) textEnd(ev agentloop.SessionEvent) string {
	if ev.Bool("streamed") {
		return "\n" + r.divider()
	}
	return "\n" + responseHeaderStyle.Render(r.header("Response")) + "\n" +
		wrap(ev.String("text"), r.width-2) + "\n" + r.divider()
}

func (r *Renderer) toolCallStart(ev agentloop.SessionEvent) string {
	var sb strings.Builder
	sb.WriteString("  " + toolMarkerStyle.Render("⬢") + " Called " + boldStyle.Render(ev.String("tool_name")) + ":\n")

	var args map[string]interface{}
	if err := json.Unmarshal([]byte(ev.String("arguments")), &args); err != nil {
		if raw := strings.TrimSpace(ev.String("arguments")); raw != "" {
			sb.WriteString("      " + dimStyle.Render("• "+truncate(raw, argValueLimit)) + "\n")
		}
		return sb.String()
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		value := args[k]
		if s, ok := value.(string); ok {
			value = truncate(s, argValueLimit)
		}
		sb.WriteString(fmt.Sprintf("      %s %s: %s\n", dimStyle.Render("•"), k, dimStyle.Render(fmt.Sprintf("%#v", value))))
	}
	return sb.String()
}

func (r *Renderer) toolCallEnd(ev agentloop.SessionEvent) string {
	name := ev.String("tool_name")
	if !ev.Bool("success") {
		return "\n  " + errorStyle.Render("✗ "+name+" failed:") + " " + ev.String("error") + "\n"
	}

	lines := strings.Split(ev.String("output"), "\n")
	var sb strings.Builder
	sb.WriteString("\n  " + successStyle.Render(lines[0]) + "\n")
	rest := lines[1:]
	shown := rest
	if len(shown) > resultPreviewLines {
		shown = shown[:resultPreviewLines]
	}
	for _, line := range shown {
		sb.WriteString("  " + dimStyle.Render(truncate(line, r.width-4)) + "\n")
	}
	if more := len(rest) - len(shown); more > 0 {
		sb.WriteString("  " + dimStyle.Render(fmt.Sprintf("... (%d more lines)", more)) + "\n")
	}
	return sb.String()
}

func (r *Renderer) retry(ev agentloop.SessionEvent) string {
	wait := fmt.Sprintf("%gs", roundSeconds(ev.Data["delay_seconds"]))
	if ev.Bool("rate_limited") {
		return "\n  " + warningStyle.Render(fmt.Sprintf("⏳ Rate limited. Waiting %s (attempt %d)", wait, ev.Int("attempt"))) + "\n"
	}
	return "\n  " + warningStyle.Render(fmt.Sprintf("⚠ API error: %s. Retrying in %s", ev.String("error"), wait)) + "\n"
}

func (r *Renderer) sessionEnd(ev agentloop.SessionEvent) string {
	var sb strings.Builder
	if agentloop.Status(ev.String("status")) == agentloop.StatusSuccess {
		sb.WriteString("\n" + completedStyle.Render("✓ Agent completed") + "\n")
	}
	sb.WriteString("\n" + headerStyle.Render(r.header("Token Usage")) + "\n")
	sb.WriteString(r.usageLine("Prompt tokens:", agentloop.FormatCount(ev.Int("prompt_tokens"))))
	sb.WriteString(r.usageLine("Completion tokens:", agentloop.FormatCount(ev.Int("completion_tokens"))))
	sb.WriteString(r.usageLine("Total tokens:", boldStyle.Render(agentloop.FormatCount(ev.Int("total_tokens")))))
	sb.WriteString(r.usageLine("API requests:", fmt.Sprint(ev.Int("total_requests"))))
	sb.WriteString(r.divider())
	return sb.String()
}

func (r *Renderer) usageLine(label, value string) string {
	return "  " + dimStyle.Render(fmt.Sprintf("%-18s", label)) + " " + value + "\n"
}

func roundSeconds(v interface{}) float64 {
	f, _ := v.(float64)
	return float64(int(f*10+0.5)) / 10
}

func truncate(s string, limit int) string {
	if limit < 4 || lipgloss.Width(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) > limit-3 {
		runes = runes[:limit-3]
	}
	return string(runes) + "..."
}

// wrap breaks text into lines of at most width columns on word boundaries,
// keeping blank lines between paragraphs.
func wrap(text string, width int) string {
	var out []string
	for _, para := range strings.Split(text, "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			out = append(out, "")
			continue
		}
		line := words[0]
		for _, w := range words[1:] {
			if lipgloss.Width(line)+1+lipgloss.Width(w) > width {
				out = append(out, line)
				line = w
				continue
			}
			line += " " + w
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
