package agentloop

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// SearchTimeout bounds a grep invocation.
const SearchTimeout = 30 * time.Second

// RegisterSearchTools registers the tools that explore a project without
// reading whole files.
func RegisterSearchTools(reg *ToolRegistry) {
	reg.Register(NewTool("grep",
		"Search for pattern in files. Returns matching lines with file:line:content format. Use to find relevant code without reading entire files.",
		grepArgs{Path: "."}, runGrep))
	reg.Register(NewTool("glob",
		"Find files matching a pattern. Faster than grep when you just need file paths. Supports ** for recursive matching.",
		globArgs{}, runGlob))
	reg.Register(NewTool("list_dir",
		"List directory contents with file sizes. Use to explore project structure.",
		listDirArgs{Path: ".", MaxDepth: 2}, runListDir))
	reg.Register(NewTool("symbols",
		"Extract function/class definitions from a file. Quick overview without reading the whole file. Works for Go, Python, JS/TS, Shell.",
		symbolsArgs{}, runSymbols))
}

type grepArgs struct {
	Pattern string `json:"pattern" desc:"Regex pattern to search for" required:"true"`
	Path    string `json:"path" desc:"File or directory to search"`
	Include string `json:"include" desc:"File glob pattern, e.g. '*.py'"`
	Context int    `json:"context" desc:"Lines of context around match"`
}

type globArgs struct {
	Pattern string `json:"pattern" desc:"Glob pattern, e.g. '**/*.py', 'src/*.ts', '*.md'" required:"true"`
}

type listDirArgs struct {
	Path      string `json:"path" desc:"Directory path"`
	Recursive bool   `json:"recursive" desc:"List recursively"`
	MaxDepth  int    `json:"max_depth" desc:"Max depth for recursive listing"`
}

type symbolsArgs struct {
	Path string `json:"path" desc:"File path" required:"true"`
}

func runGrep(ctx context.Context, tc ToolContext, args grepArgs) ToolResult {
	if _, err := os.Stat(tc.Resolve(args.Path)); err != nil {
		return fail("Path not found: %s", args.Path)
	}

	argv := []string{"-rn", "--color=never"}
	if args.Include != "" {
		argv = append(argv, "--include", args.Include)
	}
	if args.Context > 0 {
		argv = append(argv, "-C", strconv.Itoa(args.Context))
	}
	argv = append(argv, "-E", "-e", args.Pattern, "--", args.Path)

	res, err := tc.Env.Run(ctx, SearchTimeout, tc.WorkingDir, "grep", argv...)
	if err != nil {
		return fail("%v", err)
	}
	if res.TimedOut {
		return fail("Search timed out")
	}

	matches := strings.TrimSpace(res.Stdout)
	if matches == "" {
		// grep exits 1 for no matches and 2 for a bad pattern or unreadable path.
		if res.ExitCode > 1 && res.Stderr != "" {
			return fail("grep failed: %s", strings.TrimSpace(res.Stderr))
		}
		return succeed("[0 matches]")
	}

	lines := strings.Split(matches, "\n")
	shown, more := capLines(lines, grepMatchLimit)
	out := fmt.Sprintf("[%d matches]\n%s", len(lines), strings.Join(shown, "\n"))
	if more > 0 {
		out += fmt.Sprintf("\n... (%d more matches)", more)
	}
	return ToolResult{Success: true, Output: out, Truncated: more > 0}
}

// compileGlob compiles pattern with '/' as the separator. A leading "**/"
// also matches files at the top level.
func compileGlob(pattern string) (func(string) bool, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, err
	}
	rest, found := strings.CutPrefix(pattern, "**/")
	if !found {
		return g.Match, nil
	}
	top, err := glob.Compile(rest, '/')
	if err != nil {
		return nil, err
	}
	return func(p string) bool { return g.Match(p) || top.Match(p) }, nil
}

func runGlob(ctx context.Context, tc ToolContext, args globArgs) ToolResult {
	match, err := compileGlob(args.Pattern)
	if err != nil {
		return fail("invalid glob pattern: %v", err)
	}

	root := tc.Resolve(".")
	var matches []string
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if match(rel) {
			matches = append(matches, rel)
		}
		return nil
	})
	if walkErr != nil {
		return fail("%v", walkErr)
	}

	if len(matches) == 0 {
		return succeed("[0 files matched]")
	}
	// WalkDir visits in lexical order, so matches are already sorted.
	shown, more := capLines(matches, globFileLimit)
	out := fmt.Sprintf("[%d files]\n%s", len(matches), strings.Join(shown, "\n"))
	if more > 0 {
		out += fmt.Sprintf("\n... (truncated, %d more files)", more)
	}
	return ToolResult{Success: true, Output: out, Truncated: more > 0}
}

func formatSize(size int64) string {
	if size < 1024 {
		return FormatCount(int(size)) + "B"
	}
	return FormatCount(int(size/1024)) + "KB"
}

func listEntries(dir string, depth int, args listDirArgs, out *[]string) {
	prefix := strings.Repeat("  ", depth)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			*out = append(*out, prefix+"[permission denied]")
		}
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			*out = append(*out, prefix+entry.Name()+"/")
			if args.Recursive && depth < args.MaxDepth {
				listEntries(filepath.Join(dir, entry.Name()), depth+1, args, out)
			}
			continue
		}
		size := int64(0)
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}
		*out = append(*out, fmt.Sprintf("%s%s (%s)", prefix, entry.Name(), formatSize(size)))
	}
}

func runListDir(_ context.Context, tc ToolContext, args listDirArgs) ToolResult {
	full := tc.Resolve(args.Path)
	info, err := os.Stat(full)
	if err != nil {
		return fail("Path not found: %s", args.Path)
	}
	if !info.IsDir() {
		return fail("Not a directory: %s", args.Path)
	}

	var entries []string
	listEntries(full, 0, args, &entries)

	shown, more := capLines(entries, listDirLimit)
	out := fmt.Sprintf("[%d items]\n%s", len(entries), strings.Join(shown, "\n"))
	if more > 0 {
		out += fmt.Sprintf("\n... (truncated, %d more entries)", more)
	}
	return ToolResult{Success: true, Output: out, Truncated: more > 0}
}

func runSymbols(_ context.Context, tc ToolContext, args symbolsArgs) ToolResult {
	content, failure := readText(tc, args.Path)
	if failure != nil {
		return *failure
	}

	scan := symbolScanner(strings.ToLower(filepath.Ext(args.Path)))
	var symbols []string
	if scan != nil {
		for i, line := range strings.Split(content, "\n") {
			if sym := scan(strings.TrimSpace(line)); sym != "" {
				symbols = append(symbols, fmt.Sprintf("L%d: %s", i+1, sym))
			}
		}
	}

	if len(symbols) == 0 {
		return succeed(fmt.Sprintf("[no symbols found in %s]", args.Path))
	}
	return succeed(fmt.Sprintf("[%d symbols in %s]\n%s", len(symbols), args.Path, strings.Join(symbols, "\n")))
}

// symbolScanner returns a per-line definition matcher for a file extension.
func symbolScanner(ext string) func(string) string {
	switch ext {
	case ".go":
		return goSymbol
	case ".py":
		return pythonSymbol
	case ".js", ".ts", ".jsx", ".tsx":
		return scriptSymbol
	case ".sh", ".bash":
		return shellSymbol
	}
	return nil
}

func beforeAny(s string, seps string) string {
	if i := strings.IndexAny(s, seps); i >= 0 {
		return s[:i]
	}
	return s
}

func goSymbol(line string) string {
	if rest, found := strings.CutPrefix(line, "func "); found {
		recv := ""
		if strings.HasPrefix(rest, "(") {
			end := strings.Index(rest, ")")
			if end < 0 {
				return ""
			}
			recv = rest[:end+1] + " "
			rest = strings.TrimSpace(rest[end+1:])
		}
		return "func " + recv + beforeAny(rest, "([") + "()"
	}
	if rest, found := strings.CutPrefix(line, "type "); found {
		fields := strings.Fields(rest)
		if len(fields) >= 2 {
			return "type " + fields[0] + " " + beforeAny(fields[1], "{")
		}
	}
	return ""
}

func pythonSymbol(line string) string {
	switch {
	case strings.HasPrefix(line, "def "), strings.HasPrefix(line, "async def "):
		return beforeAny(line, "(") + "()"
	case strings.HasPrefix(line, "class "):
		return beforeAny(line, "(:")
	}
	return ""
}

func scriptSymbol(line string) string {
	switch {
	case strings.HasPrefix(line, "function "), strings.HasPrefix(line, "export function "):
		_, after, _ := strings.Cut(line, "function ")
		return "function " + beforeAny(after, "(") + "()"
	case strings.HasPrefix(line, "const ") && strings.Contains(line, "=>"):
		name := strings.TrimSpace(beforeAny(strings.TrimPrefix(line, "const "), "="))
		return "const " + name + " = () =>"
	case strings.HasPrefix(line, "class "):
		return strings.TrimSpace(beforeAny(line, "{"))
	}
	return ""
}

func shellSymbol(line string) string {
	if strings.Contains(line, "()") && strings.Contains(line, "{") {
		return strings.TrimSpace(beforeAny(line, "(")) + "()"
	}
	return ""
}
