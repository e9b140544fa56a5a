package agentloop

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Git subprocess timeouts.
const (
	gitQueryTimeout = 10 * time.Second
	gitWriteTimeout = 30 * time.Second
)

// RegisterGitTools registers the version-control tools.
func RegisterGitTools(reg *ToolRegistry) {
	reg.Register(NewTool("git_status",
		"Get git branch, status, and recent commits in ONE call. Use instead of multiple git commands.",
		struct{}{}, runGitStatus))
	reg.Register(NewTool("git_commit",
		"Stage and commit files in ONE call. Equivalent to 'git add <files> && git commit -m <message>'.",
		gitCommitArgs{Files: "."}, runGitCommit))
	reg.Register(NewTool("diff",
		"Show unstaged git changes for a file or all files. Use to review changes before committing.",
		diffArgs{Path: "."}, runDiff))
	reg.Register(NewTool("undo_change",
		"Discard unstaged changes to a file. Use if you made a mistake and want to restore to last commit.",
		undoArgs{}, runUndoChange))
}

type gitCommitArgs struct {
	Message string `json:"message" desc:"Commit message" required:"true"`
	Files   string `json:"files" desc:"Files to stage (space-separated, default: '.' for all)"`
}

type diffArgs struct {
	Path string `json:"path" desc:"File path, or '.' for all changes"`
}

type undoArgs struct {
	Path string `json:"path" desc:"File to restore" required:"true"`
}

func git(ctx context.Context, tc ToolContext, timeout time.Duration, args ...string) (*ExecResult, error) {
	res, err := tc.Env.Run(ctx, timeout, tc.WorkingDir, "git", args...)
	if err != nil {
		return nil, err
	}
	if res.TimedOut {
		return nil, fmt.Errorf("git %s timed out after %s", args[0], timeout)
	}
	return res, nil
}

func runGitStatus(ctx context.Context, tc ToolContext, _ struct{}) ToolResult {
	branch := "(detached)"
	if res, err := git(ctx, tc, gitQueryTimeout, "branch", "--show-current"); err == nil && res.ExitCode == 0 {
		if b := strings.TrimSpace(res.Stdout); b != "" {
			branch = b
		}
	}

	res, err := git(ctx, tc, gitQueryTimeout, "status", "--short")
	if err != nil {
		return fail("%v", err)
	}
	if res.ExitCode != 0 {
		return fail("git status failed: %s", strings.TrimSpace(res.Stderr))
	}
	status := strings.TrimSpace(res.Stdout)
	if status == "" {
		status = "(clean)"
	}

	recent := ""
	if res, err := git(ctx, tc, gitQueryTimeout, "log", "--oneline", "-3"); err == nil {
		recent = strings.TrimSpace(res.Stdout)
	}

	return succeed(fmt.Sprintf("Branch: %s\n\nStatus:\n%s\n\nRecent commits:\n%s", branch, status, recent))
}

func runGitCommit(ctx context.Context, tc ToolContext, args gitCommitArgs) ToolResult {
	files := strings.Fields(args.Files)
	if len(files) == 0 {
		files = []string{"."}
	}

	add, err := git(ctx, tc, gitWriteTimeout, append([]string{"add"}, files...)...)
	if err != nil {
		return fail("git add failed: %v", err)
	}
	if add.ExitCode != 0 {
		return fail("git add failed: %s", gitMessage(add))
	}

	// diff --cached --quiet exits 0 when the index matches HEAD.
	staged, err := git(ctx, tc, gitWriteTimeout, "diff", "--cached", "--quiet")
	if err != nil {
		return fail("git diff failed: %v", err)
	}
	if staged.ExitCode == 0 {
		return succeed("[nothing to commit, no staged changes]")
	}

	commit, err := git(ctx, tc, gitWriteTimeout, "commit", "-m", args.Message)
	if err != nil {
		return fail("git commit failed: %v", err)
	}
	if commit.ExitCode != 0 {
		if strings.Contains(strings.ToLower(commit.Stdout), "nothing to commit") {
			return succeed("[nothing to commit, no staged changes]")
		}
		return fail("git commit failed: %s", gitMessage(commit))
	}
	return succeed("[committed]\n" + strings.TrimSpace(commit.Stdout))
}

func runDiff(ctx context.Context, tc ToolContext, args diffArgs) ToolResult {
	argv := []string{"diff"}
	if args.Path != "" && args.Path != "." {
		argv = append(argv, args.Path)
	}
	res, err := git(ctx, tc, gitWriteTimeout, argv...)
	if err != nil {
		return fail("%v", err)
	}

	diff := strings.TrimSpace(res.Stdout)
	if diff == "" {
		if res.ExitCode != 0 {
			return fail("git diff failed: %s", strings.TrimSpace(res.Stderr))
		}
		return succeed("[no changes]")
	}

	shown, more := capLines(strings.Split(diff, "\n"), diffLineLimit)
	out := strings.Join(shown, "\n")
	if more > 0 {
		out += fmt.Sprintf("\n... (%d more lines)", more)
	}
	return ToolResult{Success: true, Output: out, Truncated: more > 0}
}

func runUndoChange(ctx context.Context, tc ToolContext, args undoArgs) ToolResult {
	res, err := git(ctx, tc, gitQueryTimeout, "checkout", "--", args.Path)
	if err != nil {
		return fail("%v", err)
	}
	if res.ExitCode != 0 {
		return fail("%s", strings.TrimSpace(res.Stderr))
	}
	return succeed(fmt.Sprintf("[restored %s to last committed state]", args.Path))
}

// gitMessage returns stderr, or stdout when git reported on stdout only.
func gitMessage(res *ExecResult) string {
	if msg := strings.TrimSpace(res.Stderr); msg != "" {
		return msg
	}
	return strings.TrimSpace(res.Stdout)
}
