package agui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultQueueSize = 256

// RunWriter owns the SSE stream of a single run.
//
// All events funnel through one bounded queue drained by a single goroutine,
// so event order on the wire equals emit order. When the client stalls the
// queue fills and Emit blocks, pausing the orchestrator at its next emit
// until the client drains or disconnects. After a terminal event every
// further emit is dropped, which guarantees exactly one of
// RUN_FINISHED/RUN_ERROR per run.
type RunWriter struct {
	RunID    string
	ThreadID string

	queue chan Event
	done  chan struct{}
	log   zerolog.Logger

	mu       sync.Mutex
	terminal bool
	open     map[string]bool // messageId -> started and not yet ended
}

// NewRunWriter prepares a writer over an http.ResponseWriter. It fails when
// the transport cannot stream.
func NewRunWriter(w http.ResponseWriter, threadID string, log zerolog.Logger) (*RunWriter, http.Flusher, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, nil, fmt.Errorf("streaming not supported by transport")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if threadID == "" {
		threadID = uuid.NewString()
	}

	return &RunWriter{
		RunID:    uuid.NewString(),
		ThreadID: threadID,
		queue:    make(chan Event, defaultQueueSize),
		done:     make(chan struct{}),
		log:      log.With().Str("component", "agui").Logger(),
	}, flusher, nil
}

// Serve drains the queue onto the response until the context is cancelled
// (client disconnect) or a terminal event has been written and the queue is
// empty. It must run on the request goroutine.
func (rw *RunWriter) Serve(ctx context.Context, w http.ResponseWriter, flusher http.Flusher) {
	defer close(rw.done)

	for {
		select {
		case <-ctx.Done():
			rw.log.Debug().Str("run_id", rw.RunID).Msg("Client disconnected from run stream")
			return
		case event, ok := <-rw.queue:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				rw.log.Error().Err(err).Msg("Failed to marshal AG-UI event")
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()

			if event.Type == RunFinished || event.Type == RunError {
				return
			}
		}
	}
}

// Done is closed when the stream has fully drained or the client went away.
func (rw *RunWriter) Done() <-chan struct{} {
	return rw.done
}

// emit enqueues an event unless a terminal event was already emitted.
// Blocks when the queue is full; returns false once the run is over or the
// context is cancelled.
func (rw *RunWriter) emit(ctx context.Context, event Event) bool {
	rw.mu.Lock()
	if rw.terminal {
		rw.mu.Unlock()
		return false
	}
	if event.Type == RunFinished || event.Type == RunError {
		rw.terminal = true
	}
	rw.mu.Unlock()

	select {
	case rw.queue <- event:
		return true
	case <-ctx.Done():
		return false
	case <-rw.done:
		return false
	}
}

// Started emits RUN_STARTED. Must be the first event of the run.
func (rw *RunWriter) Started(ctx context.Context) {
	rw.emit(ctx, Event{Type: RunStarted, RunID: rw.RunID, ThreadID: rw.ThreadID})
}

// StartMessage opens a text message and returns its id.
func (rw *RunWriter) StartMessage(ctx context.Context) string {
	messageID := uuid.NewString()
	rw.mu.Lock()
	if rw.open == nil {
		rw.open = make(map[string]bool)
	}
	rw.open[messageID] = true
	rw.mu.Unlock()

	rw.emit(ctx, Event{Type: TextMessageStart, MessageID: messageID})
	return messageID
}

// Content appends a delta to an open message. Deltas concatenated in emit
// order reproduce the final text.
func (rw *RunWriter) Content(ctx context.Context, messageID, delta string) {
	if delta == "" {
		return
	}
	rw.emit(ctx, Event{Type: TextMessageContent, MessageID: messageID, Delta: delta})
}

// EndMessage closes a previously started message. Unknown ids are ignored.
func (rw *RunWriter) EndMessage(ctx context.Context, messageID string) {
	rw.mu.Lock()
	started := rw.open[messageID]
	delete(rw.open, messageID)
	rw.mu.Unlock()
	if !started {
		rw.log.Warn().Str("message_id", messageID).Msg("TEXT_MESSAGE_END without matching START, dropped")
		return
	}
	rw.emit(ctx, Event{Type: TextMessageEnd, MessageID: messageID})
}

// Snapshot emits a STATE_SNAPSHOT. Snapshots are idempotent; the client keeps
// the last one.
func (rw *RunWriter) Snapshot(ctx context.Context, payload SnapshotPayload) {
	raw, err := json.Marshal(payload)
	if err != nil {
		rw.log.Error().Err(err).Msg("Failed to marshal state snapshot")
		return
	}
	rw.emit(ctx, Event{Type: StateSnapshot, Snapshot: raw})
}

// Finished emits the RUN_FINISHED terminal event.
func (rw *RunWriter) Finished(ctx context.Context) {
	rw.emit(ctx, Event{Type: RunFinished, RunID: rw.RunID})
}

// Errored emits the RUN_ERROR terminal event.
func (rw *RunWriter) Errored(ctx context.Context, message, code string) {
	rw.emit(ctx, Event{Type: RunError, Message: message, Code: code})
}
