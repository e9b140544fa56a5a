// Package agentloop runs a bounded, tool-augmented session against a
// language model.
//
// The loop uses the unifiedllm package's Client.Send, which owns retries and
// stream aggregation, and implements its own turn loop around it to
// interleave tool execution with context pruning, events, and loop
// detection.
//
// # Architecture
//
//   - Session: the loop controller. It seeds the transcript with the system
//     prompt and task, then for each turn prunes, sends, runs tools and
//     checks for completion. Run returns an Outcome whose Status is success,
//     max_turns_exhausted or fatal_error.
//   - PruningPolicy: keeps the transcript under a character budget by
//     summarizing old tool results and collapsing the middle of the
//     conversation into a note.
//   - Dispatcher and ToolRegistry: the 17 built-in tools, declared with
//     NewTool from typed argument structs. Execute never fails; problems
//     come back as an unsuccessful ToolResult.
//   - ExecutionEnvironment: where subprocesses run, with per-call timeouts
//     and credential-free environments.
//   - EventEmitter: typed events for renderers and the ledger.
//
// # Quick Start
//
//	adapter, _ := unifiedllm.NewChatCompletionsAdapter(os.Getenv("CEREBRAS_API_KEY"))
//	client := unifiedllm.NewClient(unifiedllm.WithProvider("cerebras", adapter))
//
//	cfg := agentloop.DefaultSessionConfig()
//	cfg.WorkingDir = "/path/to/project"
//	session := agentloop.NewSession(client, nil, &cfg)
//	defer session.Close()
//
//	session.OnEvent(func(ev agentloop.SessionEvent) {
//	    fmt.Printf("[%s] %v\n", ev.Kind, ev.Data)
//	})
//	outcome := session.Run(ctx, "Write a README for this project")
package agentloop
