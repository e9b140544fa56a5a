package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/cerebras-agent/agentloop"
)

func testRecorder(t *testing.T) *Recorder {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "nested", "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func sessionEvent(kind agentloop.EventKind, at time.Time, data map[string]interface{}) agentloop.SessionEvent {
	return agentloop.SessionEvent{Kind: kind, Timestamp: at, SessionID: "sess-1", Data: data}
}

func TestInitSchemaIsIdempotent(t *testing.T) {
	r := testRecorder(t)
	require.NoError(t, InitSchema(r.DB()))

	var count int
	require.NoError(t, r.DB().QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('events','runs')`,
	).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestRecordSkipsDeltas(t *testing.T) {
	r := testRecorder(t)
	now := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, r.Record(sessionEvent(agentloop.EventAssistantTextDelta, now, map[string]interface{}{"delta": "He"})))
	require.NoError(t, r.Record(sessionEvent(agentloop.EventAssistantTextEnd, now, map[string]interface{}{"text": "Hello", "streamed": true})))
	require.NoError(t, r.Record(sessionEvent(agentloop.EventTurnStart, now, nil)))

	entries, err := SessionEvents(r.DB(), "sess-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, agentloop.EventAssistantTextEnd, entries[0].Kind)
	assert.Equal(t, "Hello", entries[0].Payload["text"])
	assert.Equal(t, true, entries[0].Payload["streamed"])
	assert.True(t, entries[0].Timestamp.Equal(now))

	assert.Equal(t, agentloop.EventTurnStart, entries[1].Kind)
	assert.Nil(t, entries[1].Payload)
}

func TestRecordMaintainsRunSummary(t *testing.T) {
	r := testRecorder(t)
	start := time.UnixMilli(1_700_000_000_000)
	end := start.Add(90 * time.Second)

	require.NoError(t, r.Record(sessionEvent(agentloop.EventSessionStart, start, map[string]interface{}{
		"model": "zai-glm-4.7", "max_turns": 15, "working_dir": "/work",
	})))

	run, err := GetRun(r.DB(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "running", run.Status)
	assert.Nil(t, run.FinishedAt)

	require.NoError(t, r.Record(sessionEvent(agentloop.EventSessionEnd, end, map[string]interface{}{
		"status": "fatal_error", "turns": 3, "prompt_tokens": 300, "completion_tokens": 45,
		"total_tokens": 345, "total_requests": 4, "error": "max retries exceeded after 5 attempts",
	})))

	run, err = GetRun(r.DB(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "zai-glm-4.7", run.Model)
	assert.Equal(t, "/work", run.WorkingDir)
	assert.True(t, run.StartedAt.Equal(start))
	require.NotNil(t, run.FinishedAt)
	assert.True(t, run.FinishedAt.Equal(end))
	assert.Equal(t, "fatal_error", run.Status)
	assert.Equal(t, 3, run.Turns)
	assert.Equal(t, 300, run.PromptTokens)
	assert.Equal(t, 45, run.CompletionTokens)
	assert.Equal(t, 4, run.TotalRequests)
	assert.Equal(t, "max retries exceeded after 5 attempts", run.Error)
}

func TestGetRunMissing(t *testing.T) {
	r := testRecorder(t)
	run, err := GetRun(r.DB(), "nope")
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestHandlerRecordsEmitterEvents(t *testing.T) {
	r := testRecorder(t)
	emitter := agentloop.NewEventEmitter("sess-2", 16)

	var errs []error
	emitter.OnEvent(r.Handler(func(err error) { errs = append(errs, err) }))

	emitter.Emit(agentloop.EventSessionStart, map[string]interface{}{"model": "m", "working_dir": "/w"})
	emitter.Emit(agentloop.EventToolCallStart, map[string]interface{}{"call_id": "c1", "tool_name": "bash", "arguments": `{"command":"ls"}`})
	emitter.Emit(agentloop.EventAssistantTextDelta, map[string]interface{}{"delta": "x"})
	emitter.Emit(agentloop.EventSessionEnd, map[string]interface{}{"status": "success", "turns": 1})

	assert.Empty(t, errs)

	entries, err := SessionEvents(r.DB(), "sess-2")
	require.NoError(t, err)
	kinds := make([]agentloop.EventKind, len(entries))
	for i, e := range entries {
		kinds[i] = e.Kind
	}
	assert.Equal(t, []agentloop.EventKind{
		agentloop.EventSessionStart, agentloop.EventToolCallStart, agentloop.EventSessionEnd,
	}, kinds)
	assert.Equal(t, "bash", entries[1].Payload["tool_name"])

	run, err := GetRun(r.DB(), "sess-2")
	require.NoError(t, err)
	assert.Equal(t, "success", run.Status)
	assert.Equal(t, 1, run.Turns)
	assert.Empty(t, run.Error)
}
