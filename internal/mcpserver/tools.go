package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func registerTools(s *server.MCPServer, client *apiClient) {
	s.AddTool(
		mcp.NewTool("queue_status",
			mcp.WithDescription("Current queue counters: pending and in-flight messages, undelivered responses, dead letters, and active conversations."),
		),
		queueStatusHandler(client),
	)

	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Submit a message to the crewd queue. It is routed to an agent or team, processed asynchronously, and the reply lands in the response queue."),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("The message text. Mention an agent or team with @name to route explicitly."),
			),
			mcp.WithString("agent",
				mcp.Description("Target agent or team id; overrides @mention routing (optional)"),
			),
			mcp.WithString("channel",
				mcp.Description("Reply channel the response is queued for (default \"mcp\")"),
			),
			mcp.WithString("sender",
				mcp.Description("Display name recorded for the submission (default \"mcp\")"),
			),
		),
		sendMessageHandler(client),
	)

	s.AddTool(
		mcp.NewTool("recent_responses",
			mcp.WithDescription("Most recent agent responses, newest first. Use after send_message to collect replies."),
			mcp.WithString("limit",
				mcp.Description("Maximum number of responses to return (default 20)"),
			),
		),
		recentResponsesHandler(client),
	)
}

func queueStatusHandler(client *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := client.get(ctx, "/api/queue/status")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("queue status failed: %v", err)), nil
		}
		return jsonResult(raw), nil
	}
}

func sendMessageHandler(client *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		payload := map[string]any{
			"message": message,
			"channel": req.GetString("channel", "mcp"),
			"sender":  req.GetString("sender", "mcp"),
		}
		if agent := req.GetString("agent", ""); agent != "" {
			payload["agent"] = agent
		}

		raw, err := client.post(ctx, "/api/messages", payload)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("send failed: %v", err)), nil
		}
		return jsonResult(raw), nil
	}
}

func recentResponsesHandler(client *apiClient) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := 20
		if s := req.GetString("limit", ""); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				return mcp.NewToolResultError(fmt.Sprintf("invalid limit %q", s)), nil
			}
			limit = n
		}

		raw, err := client.get(ctx, fmt.Sprintf("/api/responses?limit=%d", limit))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("recent responses failed: %v", err)), nil
		}
		return jsonResult(raw), nil
	}
}

// jsonResult re-indents the gateway payload for the model.
func jsonResult(raw json.RawMessage) *mcp.CallToolResult {
	formatted, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return mcp.NewToolResultText(string(raw))
	}
	return mcp.NewToolResultText(string(formatted))
}
