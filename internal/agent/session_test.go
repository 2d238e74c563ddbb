package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_LatestUserMessage(t *testing.T) {
	session := NewSession("", []ChatMessage{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "reply"},
		{Role: "user", Content: "second"},
	}, "ru", "analyst", false)

	assert.Equal(t, "second", session.LatestUserMessage())
	assert.NotEmpty(t, session.ID, "sessions mint an id when none is given")
}

func TestSession_KeepsProvidedID(t *testing.T) {
	session := NewSession("abc", []ChatMessage{{Role: "user", Content: "x"}}, "", "", false)
	assert.Equal(t, "abc", session.ID)
}

func TestSession_ToolResultsIsolated(t *testing.T) {
	session := NewSession("", []ChatMessage{{Role: "user", Content: "x"}}, "", "", false)
	session.SetToolResult(1, json.RawMessage(`{"a":1}`))

	results := session.ToolResults()
	results[2] = json.RawMessage(`{}`)

	_, ok := session.ToolResult(2)
	assert.False(t, ok, "the returned map is a copy")
}

func TestSession_ResetForReplanKeepsHistory(t *testing.T) {
	session := NewSession("", []ChatMessage{{Role: "user", Content: "x"}}, "", "", false)
	session.AppendExecuted(ExecutedStep{StepID: 0, Status: StatusError})
	session.SetToolResult(0, json.RawMessage(`{}`))

	session.ResetForReplan()

	_, ok := session.ToolResult(0)
	assert.False(t, ok, "tool results clear for the fresh plan")
	require.Len(t, session.Executed(), 1, "the execution log survives as history")
}
