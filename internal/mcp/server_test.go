package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/devctx/internal/extract"
	"github.com/hurttlocker/devctx/internal/pipeline"
	"github.com/hurttlocker/devctx/internal/store"
)

type stubExtractor struct {
	err error
}

func (s stubExtractor) Extract(context.Context, string) (*extract.Extraction, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &extract.Extraction{
		Result: extract.Result{
			Feature:    "rate limiter",
			Decision:   "token bucket",
			Tasks:      []string{"add middleware"},
			Stage:      "implementation",
			Risk:       "medium",
			Confidence: 0.6,
			Entities:   []string{"Limiter"},
		},
		Embedding:    make([]float32, extract.EmbeddingDimensions),
		ModelVersion: "stub/model",
	}, nil
}

// setupTestServer builds a server over an in-memory store.
func setupTestServer(t *testing.T, x pipeline.Extractor) (*server.MCPServer, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewStore(store.StoreConfig{DBPath: ":memory:"})
	require.NoError(t, err, "creating test store")
	t.Cleanup(func() { s.Close() })

	srv := NewServer(ServerConfig{
		Pipeline: pipeline.NewController(s, x),
		Store:    s,
		Version:  "test",
	})
	return srv, s
}

func TestNewServer(t *testing.T) {
	srv, _ := setupTestServer(t, stubExtractor{})
	assert.NotNil(t, srv)
}

type toolResult struct {
	Text    string
	IsError bool
}

// rpc sends one JSON-RPC request and returns the marshaled response.
func rpc(t *testing.T, srv *server.MCPServer, method string, params map[string]any) []byte {
	t.Helper()
	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	}))
	raw, err := json.Marshal(result)
	require.NoError(t, err, "marshal response")
	return raw
}

// callTool invokes an MCP tool through the JSON-RPC entry point.
func callTool(t *testing.T, srv *server.MCPServer, name string, args map[string]any) toolResult {
	t.Helper()
	raw := rpc(t, srv, "tools/call", map[string]any{"name": name, "arguments": args})

	var resp struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp), string(raw))
	require.Nil(t, resp.Error, "JSON-RPC error: %s", raw)

	out := toolResult{IsError: resp.Result.IsError}
	for _, c := range resp.Result.Content {
		if c.Type == "text" {
			out.Text = c.Text
			break
		}
	}
	return out
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestIngestTool(t *testing.T) {
	srv, s := setupTestServer(t, stubExtractor{})

	res := callTool(t, srv, "devctx_ingest", map[string]any{
		"eventId":   "e1",
		"projectId": "p1",
		"author":    "alice",
		"diff":      "+func Limit() {}",
		"timestamp": "2026-03-01T00:10:00Z",
	})
	require.False(t, res.IsError, res.Text)
	var body pipeline.SuccessBody
	require.NoError(t, json.Unmarshal([]byte(res.Text), &body))
	assert.Equal(t, "e1", body.EventID)
	assert.Equal(t, store.StatusUncommitted, body.Status)

	res = callTool(t, srv, "devctx_ingest", map[string]any{
		"eventId":    "e2",
		"projectId":  "p1",
		"author":     "alice",
		"commitHash": "abc123",
		"timestamp":  "2026-03-01T00:25:00Z",
	})
	require.False(t, res.IsError, res.Text)
	require.NoError(t, json.Unmarshal([]byte(res.Text), &body))
	assert.Equal(t, "e1", body.EventID, "commit binds e1")
	assert.Equal(t, store.StatusComplete, body.Status)

	rec, err := s.GetRecord(context.Background(), "e1")
	require.NoError(t, err)
	require.NotNil(t, rec.CommitHash)
	assert.Equal(t, "abc123", *rec.CommitHash)
}

func TestIngestToolRequiresIDs(t *testing.T) {
	srv, _ := setupTestServer(t, stubExtractor{})

	res := callTool(t, srv, "devctx_ingest", map[string]any{"projectId": "p1"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text, "eventId")

	res = callTool(t, srv, "devctx_ingest", map[string]any{"eventId": "e1"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text, "projectId")
}

func TestIngestToolDescribesConfiguredWindow(t *testing.T) {
	srv, _ := setupTestServer(t, stubExtractor{})
	raw := rpc(t, srv, "tools/list", map[string]any{})

	var resp struct {
		Result struct {
			Tools []mcplib.Tool `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp), string(raw))

	var desc string
	for _, tool := range resp.Result.Tools {
		if tool.Name == "devctx_ingest" {
			desc = tool.Description
		}
	}
	require.NotEmpty(t, desc, "devctx_ingest not listed: %s", raw)
	assert.Contains(t, desc, "configured match window")
	assert.NotContains(t, desc, "30 minutes")
}

func TestIngestToolSchemaFailure(t *testing.T) {
	srv, s := setupTestServer(t, stubExtractor{
		err: &extract.SchemaValidationError{Field: "stage", Reason: "missing required field: stage"},
	})

	res := callTool(t, srv, "devctx_ingest", map[string]any{"eventId": "bad", "projectId": "p1"})
	require.True(t, res.IsError, res.Text)
	assert.Contains(t, res.Text, "missing required field: stage")

	rec, err := s.GetRecord(context.Background(), "bad")
	require.NoError(t, err, "failed record persisted")
	assert.Equal(t, store.StatusFailed, rec.Status)
}

func TestRecordTool(t *testing.T) {
	srv, _ := setupTestServer(t, stubExtractor{})
	callTool(t, srv, "devctx_ingest", map[string]any{"eventId": "e1", "projectId": "p1", "timestamp": "2026-03-01T00:10:00Z"})

	res := callTool(t, srv, "devctx_record", map[string]any{"eventId": "e1", "include_audit": true})
	require.False(t, res.IsError, res.Text)
	var payload struct {
		Record store.ContextRecord  `json:"record"`
		Audit  []store.AuditRecord `json:"audit"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.Text), &payload))
	assert.Equal(t, "rate limiter", payload.Record.Feature)
	assert.Nil(t, payload.Record.Embedding, "embedding omitted")
	require.Len(t, payload.Audit, 1)
	assert.Equal(t, store.ActionContextExtracted, payload.Audit[0].Action)

	res = callTool(t, srv, "devctx_record", map[string]any{"eventId": "missing"})
	assert.True(t, res.IsError)
}

func TestActivityTool(t *testing.T) {
	srv, _ := setupTestServer(t, stubExtractor{})
	callTool(t, srv, "devctx_ingest", map[string]any{"eventId": "e1", "projectId": "p1"})
	callTool(t, srv, "devctx_ingest", map[string]any{"eventId": "e2", "projectId": "p1"})

	res := callTool(t, srv, "devctx_activity", map[string]any{"projectId": "p1"})
	require.False(t, res.IsError, res.Text)
	var activity store.ProjectActivity
	require.NoError(t, json.Unmarshal([]byte(res.Text), &activity))
	assert.Equal(t, int64(2), activity.EventCount)

	res = callTool(t, srv, "devctx_activity", map[string]any{"projectId": "nobody"})
	assert.True(t, res.IsError)
}

func TestSchemaResource(t *testing.T) {
	srv, _ := setupTestServer(t, stubExtractor{})
	raw := rpc(t, srv, "resources/read", map[string]any{"uri": "devctx://schema"})

	var resp struct {
		Result struct {
			Contents []mcplib.TextResourceContents `json:"contents"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.Len(t, resp.Result.Contents, 1, string(raw))

	text := resp.Result.Contents[0].Text
	for _, want := range []string{"confidence", "entities", "1536", "deployment"} {
		assert.Contains(t, text, want)
	}
}
