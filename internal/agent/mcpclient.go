package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/trustmycode/moex-agent/internal/domain"
)

// MCPClient calls tools on one or more MCP servers over JSON-RPC. Tool to
// server routing is discovered at boot via tools/list and refreshed lazily
// when an unknown tool shows up.
type MCPClient struct {
	urls       []string
	httpClient *http.Client
	log        zerolog.Logger

	mu      sync.RWMutex
	routing map[string]string // tool name -> server base URL
}

// NewMCPClient creates a client over the configured server URLs.
func NewMCPClient(urls []string, log zerolog.Logger) *MCPClient {
	return &MCPClient{
		urls:       urls,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		routing:    make(map[string]string),
		log:        log.With().Str("component", "mcp-client").Logger(),
	}
}

type rpcEnvelope struct {
	Metadata struct {
		Tool       string `json:"tool"`
		DurationMS int64  `json:"duration_ms"`
	} `json:"metadata"`
	Data    json.RawMessage `json:"data"`
	Metrics json.RawMessage `json:"metrics"`
	Error   *struct {
		Type    domain.ErrorCategory `json:"type"`
		Field   string               `json:"field"`
		Message string               `json:"message"`
	} `json:"error"`
}

type rpcResponse struct {
	Result *struct {
		StructuredContent *rpcEnvelope `json:"structuredContent"`
		Tools             []struct {
			Name     string `json:"name"`
			CostRank int    `json:"cost_rank"`
		} `json:"tools"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// DiscoverTools populates the tool routing table and returns the cost ranks
// advertised by the servers.
func (c *MCPClient) DiscoverTools(ctx context.Context) (map[string]int, error) {
	costRanks := make(map[string]int)
	var lastErr error
	for _, url := range c.urls {
		resp, err := c.post(ctx, url, map[string]any{
			"jsonrpc": "2.0",
			"method":  "tools/list",
			"id":      1,
		})
		if err != nil {
			lastErr = err
			c.log.Warn().Err(err).Str("url", url).Msg("Tool discovery failed")
			continue
		}
		if resp.Result == nil {
			continue
		}
		c.mu.Lock()
		for _, tool := range resp.Result.Tools {
			c.routing[tool.Name] = url
			costRanks[tool.Name] = tool.CostRank
		}
		c.mu.Unlock()
	}
	if len(costRanks) == 0 && lastErr != nil {
		return nil, fmt.Errorf("no MCP server reachable: %w", lastErr)
	}
	return costRanks, nil
}

// CallTool invokes a named tool and returns its data payload. Envelope errors
// come back as categorised domain errors.
func (c *MCPClient) CallTool(ctx context.Context, name string, arguments map[string]any) (json.RawMessage, error) {
	c.mu.RLock()
	url, ok := c.routing[name]
	c.mu.RUnlock()
	if !ok {
		// A server may have restarted with new tools since boot.
		if _, err := c.DiscoverTools(ctx); err == nil {
			c.mu.RLock()
			url, ok = c.routing[name]
			c.mu.RUnlock()
		}
	}
	if !ok {
		return nil, domain.NewError(domain.CategoryUnknownTool, fmt.Sprintf("no MCP server exposes tool %q", name), nil)
	}

	resp, err := c.post(ctx, url, map[string]any{
		"jsonrpc": "2.0",
		"method":  "tools/call",
		"params":  map[string]any{"name": name, "arguments": arguments},
		"id":      1,
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, domain.NewError(domain.CategoryUnknown, resp.Error.Message, nil)
	}
	if resp.Result == nil || resp.Result.StructuredContent == nil {
		return nil, domain.NewError(domain.CategoryUnknown, "MCP response missing structured content", nil)
	}

	envelope := resp.Result.StructuredContent
	if envelope.Error != nil {
		de := &domain.Error{
			Category: envelope.Error.Type,
			Message:  envelope.Error.Message,
			Field:    envelope.Error.Field,
		}
		if de.Category == "" {
			de.Category = domain.CategoryUnknown
		}
		return nil, de
	}
	return envelope.Data, nil
}

func (c *MCPClient) post(ctx context.Context, url string, payload map[string]any) (*rpcResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/mcp", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewError(domain.CategoryISSTimeout, "MCP server unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewError(domain.CategoryISS5xx,
			fmt.Sprintf("MCP server returned status %d", resp.StatusCode), nil)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, domain.NewError(domain.CategoryUnknown, "failed to decode MCP response", err)
	}
	return &decoded, nil
}
