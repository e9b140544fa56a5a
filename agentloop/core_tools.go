package agentloop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// BashTimeout bounds a single bash tool invocation.
const BashTimeout = 300 * time.Second

// RegisterCoreTools registers the shell, file and scratchpad tools.
func RegisterCoreTools(reg *ToolRegistry) {
	reg.Register(NewTool("bash",
		"Execute a bash command. Use for: git, running scripts, system commands. Returns stdout, stderr, exit code.",
		bashArgs{}, runBash))
	reg.Register(NewTool("read_file",
		"Read entire file contents. Use only for small files (<100 lines). For large files, use head_file or grep first.",
		pathArgs{}, runReadFile))
	reg.Register(NewTool("head_file",
		"Read first N lines of a file. Use for large files to see structure before deciding what to read.",
		lineCountArgs{Lines: 50}, runHeadFile))
	reg.Register(NewTool("tail_file",
		"Read last N lines of a file. Efficient for checking recent entries in logs.",
		lineCountArgs{Lines: 20}, runTailFile))
	reg.Register(NewTool("read_lines",
		"Read specific line range from a file. Use after grep to read context around matches, or to read a specific function/section.",
		readLinesArgs{Start: 1, End: -1}, runReadLines))
	reg.Register(NewTool("write_file",
		"Write content to a file. Creates parent directories if needed. Use for creating or overwriting files.",
		writeArgs{}, runWriteFile))
	reg.Register(NewTool("append_file",
		"Append content to end of file. More efficient than read+write for adding entries to logs.",
		writeArgs{}, runAppendFile))
	reg.Register(NewTool("patch_file",
		"Apply a find/replace patch to a file. More token-efficient than write_file for small changes.",
		patchArgs{}, runPatchFile))
	reg.Register(NewTool("think",
		"Scratchpad for planning and reasoning. Use BEFORE complex operations to plan your approach.",
		thinkArgs{}, runThink))
}

type bashArgs struct {
	Command string `json:"command" desc:"The bash command to execute" required:"true"`
}

type pathArgs struct {
	Path string `json:"path" desc:"Path to the file" required:"true"`
}

type lineCountArgs struct {
	Path  string `json:"path" desc:"Path to the file" required:"true"`
	Lines int    `json:"lines" desc:"Number of lines"`
}

type readLinesArgs struct {
	Path  string `json:"path" desc:"Path to the file" required:"true"`
	Start int    `json:"start" desc:"Start line (1-indexed, or negative for end-relative)"`
	End   int    `json:"end" desc:"End line (1-indexed, inclusive, or negative for end-relative)"`
}

type writeArgs struct {
	Path    string `json:"path" desc:"Path to the file" required:"true"`
	Content string `json:"content" desc:"Content to write" required:"true"`
}

type patchArgs struct {
	Path    string `json:"path" desc:"Path to the file" required:"true"`
	Find    string `json:"find" desc:"Exact text to find" required:"true"`
	Replace string `json:"replace" desc:"Text to replace with" required:"true"`
}

type thinkArgs struct {
	Thought string `json:"thought" desc:"Your reasoning, plan, or notes" required:"true"`
}

func runBash(ctx context.Context, tc ToolContext, args bashArgs) ToolResult {
	res, err := tc.Env.Shell(ctx, args.Command, BashTimeout, tc.WorkingDir)
	if err != nil {
		return fail("%v", err)
	}
	if res.TimedOut {
		return fail("Command timed out after %ds", int(BashTimeout.Seconds()))
	}

	stdout, cutOut := capChars(res.Stdout, bashStdoutLimit)
	stderr, cutErr := capChars(res.Stderr, bashStderrLimit)

	var sb strings.Builder
	sb.WriteString(stdout)
	if stderr != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("[stderr]: " + stderr)
	}
	fmt.Fprintf(&sb, "\n[exit: %d]", res.ExitCode)

	result := ToolResult{
		Success:   res.ExitCode == 0,
		Output:    strings.TrimSpace(sb.String()),
		Truncated: cutOut || cutErr,
	}
	if !result.Success {
		result.Error = fmt.Sprintf("command exited with code %d", res.ExitCode)
	}
	return result
}

// readText reads a regular file as text, replacing invalid UTF-8.
func readText(tc ToolContext, path string) (string, *ToolResult) {
	full := tc.Resolve(path)
	info, err := os.Stat(full)
	if err != nil {
		r := fail("File not found: %s", path)
		return "", &r
	}
	if info.IsDir() {
		r := fail("Not a file: %s", path)
		return "", &r
	}
	data, err := os.ReadFile(full)
	if err != nil {
		r := fail("%v", err)
		return "", &r
	}
	return strings.ToValidUTF8(string(data), "\uFFFD"), nil
}

func lineCount(content string) int {
	return strings.Count(content, "\n") + 1
}

func runReadFile(_ context.Context, tc ToolContext, args pathArgs) ToolResult {
	content, failure := readText(tc, args.Path)
	if failure != nil {
		return *failure
	}
	lines := lineCount(content)
	truncated := false
	if len(content) > readFileLimit {
		content = fmt.Sprintf("%s\n\n... (truncated, %s total chars, %s total lines)",
			content[:runeFloor(content, readFileLimit)], FormatCount(len(content)), FormatCount(lines))
		truncated = true
	}
	return ToolResult{Success: true, Output: fmt.Sprintf("[%d lines]\n%s", lines, content), Truncated: truncated}
}

func runHeadFile(_ context.Context, tc ToolContext, args lineCountArgs) ToolResult {
	content, failure := readText(tc, args.Path)
	if failure != nil {
		return *failure
	}
	lines := splitLines(content)
	shown, dropped := capLines(lines, max(args.Lines, 0))
	return ToolResult{
		Success:   true,
		Output:    fmt.Sprintf("[showing %d/%d lines]\n%s", len(shown), len(lines), strings.Join(shown, "\n")),
		Truncated: dropped > 0,
	}
}

func runTailFile(_ context.Context, tc ToolContext, args lineCountArgs) ToolResult {
	content, failure := readText(tc, args.Path)
	if failure != nil {
		return *failure
	}
	lines := splitLines(content)
	start := max(len(lines)-max(args.Lines, 0), 0)
	shown := lines[start:]
	return ToolResult{
		Success:   true,
		Output:    fmt.Sprintf("[last %d of %d lines]\n%s", len(shown), len(lines), strings.TrimRight(strings.Join(shown, "\n"), " \t\n")),
		Truncated: start > 0,
	}
}

// lineRange converts 1-indexed inclusive bounds, where negatives count from
// the end, into a clamped half-open 0-indexed range.
func lineRange(start, end, total int) (int, int) {
	from := start - 1
	if start < 0 {
		from = total + start
	}
	to := end
	if end < 0 {
		to = total + end + 1
	}
	from = min(max(from, 0), total)
	to = min(max(to, from), total)
	return from, to
}

func runReadLines(_ context.Context, tc ToolContext, args readLinesArgs) ToolResult {
	content, failure := readText(tc, args.Path)
	if failure != nil {
		return *failure
	}
	lines := splitLines(content)
	from, to := lineRange(args.Start, args.End, len(lines))
	selected := strings.TrimRight(strings.Join(lines[from:to], "\n"), " \t\n")
	return succeed(fmt.Sprintf("[lines %d-%d of %d]\n%s", from+1, to, len(lines), selected))
}

func runWriteFile(_ context.Context, tc ToolContext, args writeArgs) ToolResult {
	full := tc.Resolve(args.Path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fail("failed to create directory: %v", err)
	}
	if err := os.WriteFile(full, []byte(args.Content), 0644); err != nil {
		return fail("%v", err)
	}
	return succeed(fmt.Sprintf("[wrote %d lines, %d bytes to %s]", lineCount(args.Content), len(args.Content), args.Path))
}

func runAppendFile(_ context.Context, tc ToolContext, args writeArgs) ToolResult {
	full := tc.Resolve(args.Path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fail("failed to create directory: %v", err)
	}
	f, err := os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fail("%v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(args.Content); err != nil {
		return fail("%v", err)
	}
	return succeed(fmt.Sprintf("[appended %d chars to %s]", len(args.Content), args.Path))
}

func runPatchFile(_ context.Context, tc ToolContext, args patchArgs) ToolResult {
	if args.Find == "" {
		return fail("`find` must not be empty")
	}
	full := tc.Resolve(args.Path)
	info, err := os.Stat(full)
	if err != nil {
		return fail("File not found: %s", args.Path)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return fail("%v", err)
	}
	content := string(data)

	count := strings.Count(content, args.Find)
	if count == 0 {
		return fail("Pattern not found in %s. File has %d chars, %d lines.", args.Path, len(content), lineCount(content))
	}
	patched := strings.ReplaceAll(content, args.Find, args.Replace)
	if err := os.WriteFile(full, []byte(patched), info.Mode().Perm()); err != nil {
		return fail("%v", err)
	}
	return succeed(fmt.Sprintf("[patched %d occurrence(s) in %s]", count, args.Path))
}

func runThink(_ context.Context, _ ToolContext, args thinkArgs) ToolResult {
	return succeed(fmt.Sprintf("[thought recorded - %d chars]", len(args.Thought)))
}
