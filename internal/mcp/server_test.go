package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustmycode/moex-agent/pkg/logger"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	registry := NewRegistry()
	registry.Register(echoTool())

	log := logger.New(logger.Config{Level: "error"})
	promRegistry := prometheus.NewRegistry()
	dispatcher := NewDispatcher(registry, DispatcherConfig{}, NewMetrics(promRegistry), log)
	return NewServer(":0", dispatcher, registry, promRegistry, log)
}

func postMCP(t *testing.T, server *Server, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	recorder := httptest.NewRecorder()
	server.Router().ServeHTTP(recorder, req)
	return recorder
}

func TestServer_ToolsCall(t *testing.T) {
	server := newTestServer(t)
	recorder := postMCP(t, server,
		`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"echo","arguments":{"value":"hello"}},"id":7}`, nil)

	require.Equal(t, http.StatusOK, recorder.Code)

	var resp struct {
		JSONRPC string `json:"jsonrpc"`
		Result  struct {
			StructuredContent struct {
				Metadata Metadata        `json:"metadata"`
				Data     json.RawMessage `json:"data"`
				Error    *EnvelopeError  `json:"error"`
			} `json:"structuredContent"`
		} `json:"result"`
		ID json.RawMessage `json:"id"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.Equal(t, "2.0", resp.JSONRPC)
	assert.Equal(t, "7", string(resp.ID))
	assert.Nil(t, resp.Result.StructuredContent.Error)
	assert.JSONEq(t, `{"echo":"hello"}`, string(resp.Result.StructuredContent.Data))
	assert.Equal(t, "echo", resp.Result.StructuredContent.Metadata.Tool)
}

func TestServer_ToolsList(t *testing.T) {
	server := newTestServer(t)
	recorder := postMCP(t, server, `{"jsonrpc":"2.0","method":"tools/list","id":1}`, nil)

	require.Equal(t, http.StatusOK, recorder.Code)
	var resp struct {
		Result struct {
			Tools []ToolInfo `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	require.Len(t, resp.Result.Tools, 1)
	assert.Equal(t, "echo", resp.Result.Tools[0].Name)
}

func TestServer_UnknownMethod(t *testing.T) {
	server := newTestServer(t)
	recorder := postMCP(t, server, `{"jsonrpc":"2.0","method":"tools/destroy","id":1}`, nil)

	require.Equal(t, http.StatusOK, recorder.Code)
	var resp struct {
		Error *jsonRPCError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
}

func TestServer_ParseError(t *testing.T) {
	server := newTestServer(t)
	recorder := postMCP(t, server, `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestServer_SSEFraming(t *testing.T) {
	server := newTestServer(t)
	recorder := postMCP(t, server,
		`{"jsonrpc":"2.0","method":"tools/call","params":{"name":"echo","arguments":{"value":"x"}},"id":2}`,
		map[string]string{"Accept": "text/event-stream"})

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "text/event-stream", recorder.Header().Get("Content-Type"))

	body := recorder.Body.String()
	assert.True(t, strings.HasPrefix(body, "event: message\ndata: "), "SSE frame shape")
	assert.True(t, strings.HasSuffix(body, "\n\n"))

	payload := strings.TrimSuffix(strings.TrimPrefix(body, "event: message\ndata: "), "\n\n")
	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(payload), &resp), "SSE data must be one JSON document")
}

func TestServer_Health(t *testing.T) {
	server := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	recorder := httptest.NewRecorder()
	server.Router().ServeHTTP(recorder, req)

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.JSONEq(t, `{"status":"ok"}`, recorder.Body.String())
}

func TestServer_MetricsEndpoint(t *testing.T) {
	server := newTestServer(t)

	// One call so the counters materialise.
	envelope := server.dispatcher.Call(context.Background(), "echo", json.RawMessage(`{"value":"x"}`))
	require.Nil(t, envelope.Error)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	recorder := httptest.NewRecorder()
	server.Router().ServeHTTP(recorder, req)

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `tool_calls_total{tool="echo"} 1`)
}
