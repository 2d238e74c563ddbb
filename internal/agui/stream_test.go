package agui

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustmycode/moex-agent/pkg/logger"
)

func collectEvents(t *testing.T, body string) []Event {
	t.Helper()
	var events []Event
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
		events = append(events, event)
	}
	return events
}

func runStream(t *testing.T, emit func(ctx context.Context, writer *RunWriter)) []Event {
	t.Helper()
	recorder := httptest.NewRecorder()
	log := logger.New(logger.Config{Level: "error"})
	writer, flusher, err := NewRunWriter(recorder, "", log)
	require.NoError(t, err)

	ctx := context.Background()
	go emit(ctx, writer)
	writer.Serve(ctx, recorder, flusher)

	assert.Equal(t, "text/event-stream", recorder.Header().Get("Content-Type"))
	return collectEvents(t, recorder.Body.String())
}

func TestRunWriter_EventOrdering(t *testing.T) {
	events := runStream(t, func(ctx context.Context, writer *RunWriter) {
		writer.Started(ctx)
		messageID := writer.StartMessage(ctx)
		writer.Content(ctx, messageID, "Hello ")
		writer.Content(ctx, messageID, "world")
		writer.EndMessage(ctx, messageID)
		writer.Snapshot(ctx, SnapshotPayload{Status: "done", SchemaValid: true, Text: "Hello world"})
		writer.Finished(ctx)
	})

	require.Len(t, events, 7)
	assert.Equal(t, RunStarted, events[0].Type)
	assert.Equal(t, TextMessageStart, events[1].Type)
	assert.Equal(t, TextMessageContent, events[2].Type)
	assert.Equal(t, TextMessageContent, events[3].Type)
	assert.Equal(t, TextMessageEnd, events[4].Type)
	assert.Equal(t, StateSnapshot, events[5].Type)
	assert.Equal(t, RunFinished, events[6].Type)

	// Deltas concatenate to the final text; message ids correlate.
	assert.Equal(t, events[1].MessageID, events[2].MessageID)
	assert.Equal(t, events[1].MessageID, events[4].MessageID)
	assert.Equal(t, "Hello world", events[2].Delta+events[3].Delta)

	assert.NotEmpty(t, events[0].RunID)
	assert.Equal(t, events[0].RunID, events[6].RunID)
}

func TestRunWriter_ExactlyOneTerminalEvent(t *testing.T) {
	events := runStream(t, func(ctx context.Context, writer *RunWriter) {
		writer.Started(ctx)
		writer.Finished(ctx)
		writer.Errored(ctx, "late error", "UNKNOWN")
		writer.Finished(ctx)
	})

	terminals := 0
	for _, event := range events {
		if event.Type == RunFinished || event.Type == RunError {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
}

func TestRunWriter_RunErrorIsTerminal(t *testing.T) {
	events := runStream(t, func(ctx context.Context, writer *RunWriter) {
		writer.Started(ctx)
		writer.Errored(ctx, "boom", "ISS_5XX")
		writer.Snapshot(ctx, SnapshotPayload{Status: "late"})
	})

	require.Len(t, events, 2)
	assert.Equal(t, RunError, events[1].Type)
	assert.Equal(t, "boom", events[1].Message)
	assert.Equal(t, "ISS_5XX", events[1].Code)
}

func TestRunWriter_EndWithoutStartDropped(t *testing.T) {
	events := runStream(t, func(ctx context.Context, writer *RunWriter) {
		writer.Started(ctx)
		writer.EndMessage(ctx, "never-started")
		writer.Finished(ctx)
	})

	for _, event := range events {
		assert.NotEqual(t, TextMessageEnd, event.Type)
	}
}

func TestRunWriter_SnapshotPayload(t *testing.T) {
	events := runStream(t, func(ctx context.Context, writer *RunWriter) {
		writer.Started(ctx)
		writer.Snapshot(ctx, SnapshotPayload{
			Status:       "done",
			SchemaValid:  false,
			SchemaErrors: []string{"chart x: dangling ref"},
		})
		writer.Finished(ctx)
	})

	require.Len(t, events, 3)
	var snapshot SnapshotPayload
	require.NoError(t, json.Unmarshal(events[1].Snapshot, &snapshot))
	assert.False(t, snapshot.SchemaValid)
	assert.Equal(t, []string{"chart x: dangling ref"}, snapshot.SchemaErrors)
}

func TestRunWriter_ClientDisconnectStopsServe(t *testing.T) {
	recorder := httptest.NewRecorder()
	log := logger.New(logger.Config{Level: "error"})
	writer, flusher, err := NewRunWriter(recorder, "thread-1", log)
	require.NoError(t, err)
	assert.Equal(t, "thread-1", writer.ThreadID)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		writer.Started(ctx)
		cancel() // simulate the client going away mid-run
	}()
	writer.Serve(ctx, recorder, flusher)

	select {
	case <-writer.Done():
	default:
		t.Fatal("Done must be closed after Serve returns")
	}
}
