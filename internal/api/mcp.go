package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/coursebot/backend/internal/chat"
	"github.com/coursebot/backend/internal/index"
	"github.com/coursebot/backend/internal/session"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Chat     *chat.Service
	Registry *index.Registry
	Sessions *session.Store
	Version  string
}

// NewMCPServer creates an MCP server exposing the course assistant as
// tools for agent clients.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"coursebot",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("coursebot answers questions about indexed course material."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask_course",
			mcp.WithDescription("Answer a question from a course's indexed material, citing the supporting passages."),
			mcp.WithString("course_id", mcp.Description("Course identifier"), mcp.Required()),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Optional session id for conversation continuity")),
			mcp.WithNumber("top_k", mcp.Description("Maximum passages to retrieve (default 5)")),
		),
		mcpAskCourse(deps),
	)

	s.AddTool(
		mcp.NewTool("search_course",
			mcp.WithDescription("Semantically search a course's indexed material and return matching passages."),
			mcp.WithString("course_id", mcp.Description("Course identifier"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchCourse(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"coursebot://courses",
			"Indexed Courses",
			mcp.WithResourceDescription("Identifiers of courses with indexed material"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCourses(deps),
	)

	return s
}

func mcpAskCourse(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		courseID, err := req.RequireString("course_id")
		if err != nil {
			return mcpError("course_id is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		resp, err := deps.Chat.Ask(ctx, chat.Request{
			CourseID:      courseID,
			Query:         question,
			SessionID:     req.GetString("session_id", ""),
			TopK:          req.GetInt("top_k", 0),
			AnswerOnError: true,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		b, err := json.Marshal(resp)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal response: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSearchCourse(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		courseID, err := req.RequireString("course_id")
		if err != nil {
			return mcpError("course_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		sources, err := deps.Chat.Search(ctx, courseID, query, limit, nil)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(sources) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(sources)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceCourses(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		courses, err := deps.Registry.List()
		if err != nil {
			return nil, fmt.Errorf("listing courses: %w", err)
		}
		if courses == nil {
			courses = []string{}
		}

		b, err := json.Marshal(courses)
		if err != nil {
			return nil, fmt.Errorf("marshaling courses: %w", err)
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
