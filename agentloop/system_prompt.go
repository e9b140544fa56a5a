package agentloop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// SystemPrompt is the static instruction block. The endpoint is limited far
// more by requests per minute than by tokens, so it pushes the model to
// batch tool calls.
const SystemPrompt = `You are an expert software engineer working autonomously in a repository.

## CRITICAL: Rate Limit Strategy
The API allows only a few requests per minute but many tokens per minute.
DO MORE PER TURN. Call multiple tools at once when possible.

## Pre-loaded Context
The context below already contains: git status, directory tree, verifier status,
IMPLEMENTATION_PLAN.md, recent THUNK.md entries, and AGENTS.md.
DO NOT re-read these files - use the pre-loaded context!

## Tools (17) - Call MULTIPLE per turn when independent

**Discovery:** glob, symbols, grep, list_dir
**Reading:** read_lines, head_file, tail_file, read_file (small files only)
**Writing:** patch_file (best), append_file (logs), write_file (new files)
**Git:** git_status, git_commit, diff, undo_change
**Meta:** think, bash

## Batching Examples
GOOD (1 request):
  - think + grep + read_lines → plan, find, read in ONE turn
  - patch_file + patch_file + git_commit → multiple edits + commit in ONE turn

BAD (3 requests):
  - Turn 1: grep → Turn 2: read_lines → Turn 3: patch_file

## Workflow
1. Context is pre-loaded - find your NEXT UNCHECKED task in the Implementation Plan
2. Plan with think, then execute (grep + read_lines or symbols + read_lines)
3. Make changes (patch_file), verify (diff), commit (git_commit) - ALL IN ONE TURN
4. Record what you finished in THUNK.md with append_file
5. Output :::BUILD_READY::: or :::PLAN_READY:::

## Output
Start: STATUS | task=<task from plan>
End: :::BUILD_READY::: or :::PLAN_READY:::
`

const (
	projectContextHeader = "# PRE-LOADED PROJECT CONTEXT"
	contextSectionSep    = "\n\n---\n\n"

	snapshotGitTimeout = 5 * time.Second
	treeLineLimit      = 50
	treeSubdirLimit    = 10
	verifierCharLimit  = 2000
	planLineLimit      = 150
	planLookahead      = 9
	thunkTailLines     = 20
	agentsHeadLines    = 50
)

// treeExpandDirs are top-level directories whose first entries are listed.
var treeExpandDirs = map[string]bool{
	"workers": true, "skills": true, "templates": true, "src": true, "lib": true,
	"cmd": true, "internal": true, "pkg": true,
}

// BuildSystemPrompt joins the static instructions, the environment block
// and the project snapshot.
func BuildSystemPrompt(environment, projectContext string) string {
	var sb strings.Builder
	sb.WriteString(SystemPrompt)
	if environment != "" {
		sb.WriteString("\n" + environment + "\n")
	}
	if projectContext != "" {
		sb.WriteString("\n\n" + projectContextHeader + "\n\n" + projectContext)
	}
	return sb.String()
}

// BuildEnvironmentContext generates the structured environment context block.
func BuildEnvironmentContext(workingDir, model string, now time.Time) string {
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", workingDir)
	fmt.Fprintf(&sb, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&sb, "Today's date: %s\n", now.Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// LoadProjectContext snapshots the working directory so the model can start
// without spending requests on discovery. Each section is best effort; an
// unreadable source is skipped. It returns "" when nothing was found.
func LoadProjectContext(ctx context.Context, env ExecutionEnvironment, workDir string) string {
	var sections []string
	for _, section := range []string{
		gitSnapshot(ctx, env, workDir),
		directorySnapshot(workDir),
		verifierSnapshot(workDir),
		planSnapshot(workDir),
		thunkSnapshot(workDir),
		agentsSnapshot(workDir),
	} {
		if section != "" {
			sections = append(sections, section)
		}
	}
	return strings.Join(sections, contextSectionSep)
}

func gitOutput(ctx context.Context, env ExecutionEnvironment, workDir string, args ...string) (string, bool) {
	res, err := env.Run(ctx, snapshotGitTimeout, workDir, "git", args...)
	if err != nil || res.TimedOut || res.ExitCode != 0 {
		return "", false
	}
	return strings.TrimSpace(res.Stdout), true
}

func gitSnapshot(ctx context.Context, env ExecutionEnvironment, workDir string) string {
	status, inRepo := gitOutput(ctx, env, workDir, "status", "--short")
	if !inRepo {
		return ""
	}
	if status == "" {
		status = "(clean)"
	}
	branch, _ := gitOutput(ctx, env, workDir, "branch", "--show-current")
	if branch == "" {
		branch = "(detached)"
	}
	log, _ := gitOutput(ctx, env, workDir, "log", "--oneline", "-5")
	return fmt.Sprintf("## Git Status\nBranch: %s\nStatus:\n%s\n\nRecent commits:\n%s", branch, status, log)
}

func directorySnapshot(workDir string) string {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return ""
	}
	var lines []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") && name != ".verify" {
			continue
		}
		if !entry.IsDir() {
			size := int64(0)
			if info, err := entry.Info(); err == nil {
				size = info.Size()
			}
			lines = append(lines, fmt.Sprintf("  %s (%sB)", name, FormatCount(int(size))))
			continue
		}
		lines = append(lines, "  "+name+"/")
		if !treeExpandDirs[name] {
			continue
		}
		subs, err := os.ReadDir(filepath.Join(workDir, name))
		if err != nil {
			continue
		}
		for i, sub := range subs {
			if i == treeSubdirLimit {
				break
			}
			suffix := ""
			if sub.IsDir() {
				suffix = "/"
			}
			lines = append(lines, "    "+sub.Name()+suffix)
		}
	}
	lines, _ = capLines(lines, treeLineLimit)
	return "## Directory Structure\n" + strings.Join(lines, "\n")
}

func readSnapshotFile(workDir, name string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(workDir, name))
	if err != nil {
		return "", false
	}
	return strings.ToValidUTF8(string(data), "\uFFFD"), true
}

func verifierSnapshot(workDir string) string {
	content, found := readSnapshotFile(workDir, filepath.Join(".verify", "latest.txt"))
	if !found {
		return ""
	}
	return "## Verifier Status (.verify/latest.txt)\n" + content[:runeFloor(content, verifierCharLimit)]
}

// planSnapshot shows the plan up to its first unchecked task and a few
// lines after it.
func planSnapshot(workDir string) string {
	content, found := readSnapshotFile(workDir, "IMPLEMENTATION_PLAN.md")
	if !found {
		return ""
	}
	lines := strings.Split(content, "\n")
	var preview []string
	for i, line := range lines {
		if i == planLineLimit {
			break
		}
		preview = append(preview, line)
		if strings.Contains(line, "- [ ]") {
			end := min(i+1+planLookahead, len(lines))
			preview = append(preview, lines[i+1:end]...)
			break
		}
	}
	return "## Implementation Plan\n" + strings.Join(preview, "\n")
}

func thunkSnapshot(workDir string) string {
	content, found := readSnapshotFile(workDir, "THUNK.md")
	if !found {
		return ""
	}
	lines := strings.Split(content, "\n")
	if len(lines) > thunkTailLines {
		lines = lines[len(lines)-thunkTailLines:]
	}
	return "## Recent Completions (THUNK.md tail)\n" + strings.Join(lines, "\n")
}

func agentsSnapshot(workDir string) string {
	content, found := readSnapshotFile(workDir, "AGENTS.md")
	if !found {
		return ""
	}
	lines, _ := capLines(strings.Split(content, "\n"), agentsHeadLines)
	return "## Project Guidelines (AGENTS.md)\n" + strings.Join(lines, "\n")
}
