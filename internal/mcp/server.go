// Package mcp provides a Model Context Protocol server for devctx.
//
// It exposes event ingestion and the record read path as MCP tools, and the
// extraction schema as an MCP resource. Served over stdio by `devctx mcp`.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hurttlocker/devctx/internal/extract"
	"github.com/hurttlocker/devctx/internal/pipeline"
	"github.com/hurttlocker/devctx/internal/store"
)

// Ingester runs a normalized event through the pipeline.
type Ingester interface {
	Process(ctx context.Context, ev pipeline.Event) pipeline.Outcome
}

// Reader is the read-only slice of the store the query tools use.
type Reader interface {
	GetRecord(ctx context.Context, eventID string) (*store.ContextRecord, error)
	ListAudit(ctx context.Context, entityID string) ([]*store.AuditRecord, error)
	GetActivity(ctx context.Context, projectID string) (*store.ProjectActivity, error)
}

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Pipeline Ingester
	Store    Reader
	Version  string // version string for MCP server info
}

// dbMu serializes tool calls that touch the store. mcp-go dispatches
// handlers concurrently and SQLite allows one writer at a time.
var dbMu sync.Mutex

// NewServer creates a configured MCP server with all devctx tools and resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"devctx",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	registerIngestTool(s, cfg.Pipeline)
	registerRecordTool(s, cfg.Store)
	registerActivityTool(s, cfg.Store)

	registerSchemaResource(s)

	return s
}

// --- Tools ---

func registerIngestTool(s *server.MCPServer, p Ingester) {
	tool := mcp.NewTool("devctx_ingest",
		mcp.WithDescription("Ingest a development event. Events without a commit hash are extracted and stored as uncommitted context; commit events are linked to a matching uncommitted record within the configured match window or extracted fresh."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("eventId", mcp.Required(), mcp.Description("Unique event identifier")),
		mcp.WithString("projectId", mcp.Required(), mcp.Description("Project the event belongs to")),
		mcp.WithString("branch", mcp.Description("Branch name (default: main)")),
		mcp.WithString("author", mcp.Description("Event author (default: unknown)")),
		mcp.WithString("diff", mcp.Description("Unified diff the extraction runs on")),
		mcp.WithString("timestamp", mcp.Description("ISO-8601 UTC timestamp of the event")),
		mcp.WithString("commitHash", mcp.Description("Commit hash; omit for log-first events")),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		if _, err := req.RequireString("eventId"); err != nil {
			return mcp.NewToolResultError("eventId is required"), nil
		}
		if _, err := req.RequireString("projectId"); err != nil {
			return mcp.NewToolResultError("projectId is required"), nil
		}

		ev, err := pipeline.NormalizeEvent(req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid event: %v", err)), nil
		}

		resp := pipeline.NewResponse(p.Process(ctx, ev))
		if resp.StatusCode != 200 {
			return mcp.NewToolResultError(resp.Body), nil
		}
		return mcp.NewToolResultText(resp.Body), nil
	})
}

func registerRecordTool(s *server.MCPServer, st Reader) {
	tool := mcp.NewTool("devctx_record",
		mcp.WithDescription("Fetch a stored context record by event id, optionally with its audit trail. The embedding vector is omitted."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("eventId", mcp.Required(), mcp.Description("Event id of the record")),
		mcp.WithBoolean("include_audit", mcp.Description("Include the audit trail (default: false)")),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		eventID, err := req.RequireString("eventId")
		if err != nil {
			return mcp.NewToolResultError("eventId is required"), nil
		}

		rec, err := st.GetRecord(ctx, eventID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return mcp.NewToolResultError(fmt.Sprintf("no record for event %q", eventID)), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("get record error: %v", err)), nil
		}
		rec.Embedding = nil

		payload := map[string]any{"record": rec}
		if include, err := req.RequireBool("include_audit"); err == nil && include {
			trail, err := st.ListAudit(ctx, eventID)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("audit error: %v", err)), nil
			}
			if trail == nil {
				trail = []*store.AuditRecord{}
			}
			payload["audit"] = trail
		}

		data, _ := json.MarshalIndent(payload, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerActivityTool(s *server.MCPServer, st Reader) {
	tool := mcp.NewTool("devctx_activity",
		mcp.WithDescription("Show a project's last activity time and processed event count."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("projectId", mcp.Required(), mcp.Description("Project id")),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		projectID, err := req.RequireString("projectId")
		if err != nil {
			return mcp.NewToolResultError("projectId is required"), nil
		}

		activity, err := st.GetActivity(ctx, projectID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return mcp.NewToolResultError(fmt.Sprintf("no activity for project %q", projectID)), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("activity error: %v", err)), nil
		}

		data, _ := json.MarshalIndent(activity, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

// --- Resources ---

func registerSchemaResource(s *server.MCPServer) {
	resource := mcp.NewResource(
		"devctx://schema",
		"Extraction Schema",
		mcp.WithResourceDescription("Fields every extraction must carry, their allowed values, and the embedding dimension."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		payload := map[string]any{
			"required":            extract.RequiredFields,
			"stage":               extract.Stages,
			"risk":                extract.Risks,
			"confidence":          map[string]float64{"min": 0, "max": 1},
			"embeddingDimensions": extract.EmbeddingDimensions,
		}
		data, _ := json.MarshalIndent(payload, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}
