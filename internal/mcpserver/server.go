// Package mcpserver exposes the daemon's queue over the Model Context
// Protocol so local assistant CLIs (claude, codex) can drive crewd as
// a tool. It is a thin facade: every tool call is forwarded to the
// gateway's HTTP API, keeping the daemon the single writer.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"
)

// Options configure the facade.
type Options struct {
	APIBase string // gateway base URL, e.g. http://127.0.0.1:8080
	Token   string // gateway token; empty when auth is disabled
	Version string
}

// New builds the MCP server with the queue tools registered.
func New(opts Options) *server.MCPServer {
	version := opts.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"crewd",
		version,
		server.WithToolCapabilities(true),
	)

	client := &apiClient{
		base:  strings.TrimRight(opts.APIBase, "/"),
		token: opts.Token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
	registerTools(s, client)
	return s
}

// ServeStdio runs the facade on stdin/stdout until the stream closes
// or ctx is cancelled. Callers must keep their own logging on stderr;
// stdout belongs to the protocol.
func ServeStdio(ctx context.Context, opts Options) error {
	return server.NewStdioServer(New(opts)).Listen(ctx, os.Stdin, os.Stdout)
}

// apiClient wraps the gateway HTTP API for the tool handlers.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func (c *apiClient) get(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *apiClient) post(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *apiClient) do(req *http.Request) (json.RawMessage, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	return json.RawMessage(raw), nil
}
