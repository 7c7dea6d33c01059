package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/kalambet/convqa/internal/conversation"
	"github.com/kalambet/convqa/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Analyzer Analyzer
	Store    AnalysisStore // optional; history tools fail without it
	Logger   *zap.Logger
}

// NewMCPServer creates an MCP server exposing conversation analysis.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := server.NewMCPServer(
		"convqa",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("convqa grades customer support answers against a knowledge base."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("analyze_conversation",
			mcp.WithDescription("Segment a support conversation into question/answer threads and grade every agent answer against the knowledge base."),
			mcp.WithString("conversation", mcp.Description(`Conversation JSON: {"id","type":"chat|ticket","messages":[{"role","content","timestamp"}]}`), mcp.Required()),
			mcp.WithString("knowledge_base_id", mcp.Description("Knowledge base to ground answers in"), mcp.Required()),
		),
		mcpAnalyzeConversation(deps),
	)

	s.AddTool(
		mcp.NewTool("get_analysis",
			mcp.WithDescription("Fetch a stored analysis result by id."),
			mcp.WithString("id", mcp.Description("Analysis id"), mcp.Required()),
		),
		mcpGetAnalysis(deps),
	)

	s.AddTool(
		mcp.NewTool("list_analyses",
			mcp.WithDescription("List stored analyses, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
			mcp.WithNumber("offset", mcp.Description("Number of results to skip")),
		),
		mcpListAnalyses(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"analyses://recent",
			"Recent Analyses",
			mcp.WithResourceDescription("Last 10 stored analyses (summaries only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpAnalyzeConversation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("conversation")
		if err != nil {
			return mcpError("conversation is required"), nil
		}
		kbID, err := req.RequireString("knowledge_base_id")
		if err != nil || kbID == "" {
			return mcpError("knowledge_base_id is required"), nil
		}

		var conv conversation.Conversation
		if err := json.Unmarshal([]byte(raw), &conv); err != nil {
			return mcpError(fmt.Sprintf("invalid conversation JSON: %v", err)), nil
		}

		res, err := deps.Analyzer.Analyze(ctx, conv, kbID)
		if err != nil {
			return mcpError(fmt.Sprintf("analysis failed: %v", err)), nil
		}
		if deps.Store != nil {
			if err := deps.Store.SaveAnalysis(res); err != nil {
				deps.Logger.Warn("failed to store analysis", zap.String("analysis_id", res.AnalysisID), zap.Error(err))
			}
		}
		return mcpJSON(res)
	}
}

func mcpGetAnalysis(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Store == nil {
			return mcpError("analysis history is disabled"), nil
		}
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		res, err := deps.Store.GetAnalysis(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("analysis %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get analysis: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpListAnalyses(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Store == nil {
			return mcpError("analysis history is disabled"), nil
		}
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}
		offset := req.GetInt("offset", 0)

		list, err := deps.Store.ListAnalyses(limit, offset)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list analyses: %v", err)), nil
		}
		if list == nil {
			list = []storage.AnalysisSummary{}
		}
		return mcpJSON(list)
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if deps.Store == nil {
			return nil, errors.New("analysis history is disabled")
		}
		list, err := deps.Store.ListAnalyses(10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list analyses: %w", err)
		}
		b, err := json.Marshal(list)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal analyses: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
