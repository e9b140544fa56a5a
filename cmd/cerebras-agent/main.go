// Command cerebras-agent runs one task through the agent loop against a
// chat-completions endpoint and prints the session as it happens.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/martinemde/cerebras-agent/agentloop"
	"github.com/martinemde/cerebras-agent/config"
	"github.com/martinemde/cerebras-agent/ledger"
	"github.com/martinemde/cerebras-agent/render"
	"github.com/martinemde/cerebras-agent/unifiedllm"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	promptFile string
	model      string
	maxTurns   int
	cwd        string
	output     string
	noStream   bool
	provider   string
	eventsDB   string
	listModels bool
	verbose    bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("cerebras-agent", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&opts.promptFile, "p", "", "path to the prompt file")
	fs.StringVar(&opts.promptFile, "prompt", "", "path to the prompt file")
	fs.StringVar(&opts.model, "m", "", "model id or alias")
	fs.StringVar(&opts.model, "model", "", "model id or alias")
	fs.IntVar(&opts.maxTurns, "t", 0, "maximum number of turns")
	fs.IntVar(&opts.maxTurns, "max-turns", 0, "maximum number of turns")
	fs.StringVar(&opts.cwd, "c", "", "working directory for tools")
	fs.StringVar(&opts.cwd, "cwd", "", "working directory for tools")
	fs.StringVar(&opts.output, "o", "", "also write rendered output to this file")
	fs.StringVar(&opts.output, "output", "", "also write rendered output to this file")
	fs.BoolVar(&opts.noStream, "no-stream", false, "disable streaming responses")
	fs.StringVar(&opts.provider, "provider", "", "provider: cerebras, openai or anthropic")
	fs.StringVar(&opts.eventsDB, "events-db", "", "record session events to this SQLite file")
	fs.BoolVar(&opts.listModels, "list-models", false, "print the model catalog and exit")
	fs.BoolVar(&opts.verbose, "v", false, "log every model request to stderr")
	fs.BoolVar(&opts.verbose, "verbose", false, "log every model request to stderr")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return opts, nil
}

func run(args []string, stdout, stderr io.Writer) int {
	logger := log.New(stderr, "[cerebras-agent] ", 0)

	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		logger.Print(err)
		return 1
	}

	if opts.listModels {
		printModels(stdout)
		return 0
	}

	cfg := applyFlags(config.Load(), opts)
	if err := cfg.Validate(); err != nil {
		logger.Print(err)
		return 1
	}

	if opts.promptFile == "" {
		logger.Print("a prompt file is required (-p FILE)")
		return 1
	}
	task, err := os.ReadFile(opts.promptFile)
	if err != nil {
		logger.Printf("read prompt: %v", err)
		return 1
	}

	workDir, err := resolveWorkDir(opts.cwd)
	if err != nil {
		logger.Print(err)
		return 1
	}

	out := stdout
	if opts.output != "" {
		f, err := os.Create(opts.output)
		if err != nil {
			logger.Printf("open output: %v", err)
			return 1
		}
		defer f.Close()
		out = io.MultiWriter(stdout, f)
	}

	var requestLog *log.Logger
	if opts.verbose {
		requestLog = logger
	}
	client, err := newClient(cfg, requestLog)
	if err != nil {
		logger.Print(err)
		return 1
	}
	defer client.Close()

	sessionCfg := cfg.SessionConfig(workDir)
	session := agentloop.NewSession(client, nil, &sessionCfg)
	defer session.Close()

	renderer := render.New(render.DefaultWidth)
	session.OnEvent(func(ev agentloop.SessionEvent) {
		fmt.Fprint(out, renderer.Render(ev))
	})

	if cfg.EventsDB != "" {
		rec, err := ledger.Open(cfg.EventsDB)
		if err != nil {
			logger.Print(err)
			return 1
		}
		defer rec.Close()
		session.OnEvent(rec.Handler(func(err error) {
			logger.Printf("ledger: %v", err)
		}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcome := session.Run(ctx, string(task))
	if !outcome.Succeeded() {
		return 1
	}
	return 0
}

// applyFlags layers command-line overrides on top of the environment.
func applyFlags(cfg config.Config, opts options) config.Config {
	if opts.provider != "" {
		provider := strings.ToLower(opts.provider)
		if provider != cfg.Provider {
			if os.Getenv("AGENT_MODEL") == "" {
				cfg.Model = config.DefaultModel(provider)
			}
			cfg.Provider = provider
			cfg.APIKey = config.APIKeyFor(provider)
		}
	}
	if opts.model != "" {
		cfg.Model = opts.model
	}
	if opts.maxTurns > 0 {
		cfg.MaxTurns = opts.maxTurns
	}
	if opts.noStream {
		cfg.Stream = false
	}
	if opts.eventsDB != "" {
		cfg.EventsDB = opts.eventsDB
	}
	return cfg
}

func resolveWorkDir(dir string) (string, error) {
	if dir == "" {
		return os.Getwd()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("working directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory %s is not a directory", abs)
	}
	return abs, nil
}

// newClient builds the provider client. A non-nil requestLog logs every
// request the client sends.
func newClient(cfg config.Config, requestLog *log.Logger) (*unifiedllm.Client, error) {
	var adapter unifiedllm.ProviderAdapter
	switch cfg.Provider {
	case config.ProviderCerebras:
		a, err := unifiedllm.NewChatCompletionsAdapter(cfg.APIKey,
			unifiedllm.WithEndpoint(cfg.APIURL),
			unifiedllm.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		)
		if err != nil {
			return nil, err
		}
		adapter = a
	default:
		a, err := unifiedllm.NewGollmAdapter(cfg.Provider, cfg.APIKey,
			unifiedllm.WithModel(unifiedllm.ResolveModel(cfg.Model)),
			unifiedllm.WithMaxTokens(cfg.MaxTokens),
			unifiedllm.WithTemperature(cfg.Temperature),
		)
		if err != nil {
			return nil, err
		}
		adapter = a
	}

	opts := []unifiedllm.ClientOption{
		unifiedllm.WithProvider(cfg.Provider, adapter),
		unifiedllm.WithDefaultProvider(cfg.Provider),
	}
	if requestLog != nil {
		opts = append(opts,
			unifiedllm.WithMiddleware(unifiedllm.RequestLogger(requestLog)),
			unifiedllm.WithStreamMiddleware(unifiedllm.StreamRequestLogger(requestLog)),
		)
	}
	return unifiedllm.NewClient(opts...), nil
}

func printModels(w io.Writer) {
	for _, provider := range []string{config.ProviderCerebras, config.ProviderOpenAI, config.ProviderAnthropic} {
		models := unifiedllm.ListModels(provider)
		if len(models) == 0 {
			continue
		}
		fmt.Fprintf(w, "%s:\n", provider)
		for _, m := range models {
			line := fmt.Sprintf("  %-28s %s", m.ID, m.DisplayName)
			if m.ContextWindow > 0 {
				line += fmt.Sprintf(" (%s context)", agentloop.FormatCount(m.ContextWindow))
			}
			if len(m.Aliases) > 0 {
				line += fmt.Sprintf(" [aliases: %s]", strings.Join(m.Aliases, ", "))
			}
			fmt.Fprintln(w, line)
		}
	}
}
