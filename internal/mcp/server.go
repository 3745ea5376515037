// Package mcp exposes the tool registry as a Model Context Protocol server.
//
// Every registered tool becomes an MCP tool with the registry's description
// and input schema. Calls run through the same [runtime.Runtime] as the HTTP
// surface, so validation, mock mode, rate limiting, retries and analytics
// apply unchanged. The tool result carries the runtime response as JSON text;
// failed invocations set IsError and carry the error response.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/toolrun/internal/observe"
	"github.com/MrWong99/toolrun/internal/runtime"
	"github.com/MrWong99/toolrun/pkg/tool"
)

// DefaultSubject is the rate-limit subject for calls that arrive on a session
// without an ID, such as stdio.
const DefaultSubject = "mcp"

// Server adapts a [tool.Registry] and [runtime.Runtime] to an MCP server.
type Server struct {
	rt       *runtime.Runtime
	registry *tool.Registry
	server   *mcpsdk.Server
	subject  func(*mcpsdk.CallToolRequest) string
	version  string
}

// Option configures a [Server].
type Option func(*Server)

// WithVersion sets the server version reported during initialisation.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithSubject overrides how the rate-limit subject is derived from a call.
func WithSubject(fn func(*mcpsdk.CallToolRequest) string) Option {
	return func(s *Server) { s.subject = fn }
}

// New builds a [Server] and registers every tool currently in registry.
func New(rt *runtime.Runtime, registry *tool.Registry, opts ...Option) *Server {
	s := &Server{
		rt:       rt,
		registry: registry,
		subject:  sessionSubject,
		version:  "dev",
	}
	for _, o := range opts {
		o(s)
	}

	s.server = mcpsdk.NewServer(&mcpsdk.Implementation{Name: "toolrun", Version: s.version}, nil)
	for _, spec := range registry.List() {
		s.server.AddTool(&mcpsdk.Tool{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: spec.InputSchema,
		}, s.handler(spec.Name))
	}
	return s
}

// sessionSubject keys rate limits on the MCP session.
func sessionSubject(req *mcpsdk.CallToolRequest) string {
	if req.Session != nil {
		if id := req.Session.ID(); id != "" {
			return DefaultSubject + ":" + id
		}
	}
	return DefaultSubject
}

func (s *Server) handler(name string) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args json.RawMessage
		if req.Params != nil {
			args = req.Params.Arguments
		}
		resp := s.rt.InvokeNamed(ctx, s.registry, name, args, runtime.WithSubject(s.subject(req)))

		data, err := json.Marshal(resp)
		if err != nil {
			observe.Logger(ctx).Error("mcp: encode tool response", "tool", name, "err", err)
			return nil, fmt.Errorf("mcp: encode %s response: %w", name, err)
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
			IsError: !resp.Success,
		}, nil
	}
}

// MCPServer returns the underlying SDK server, e.g. for custom transports.
func (s *Server) MCPServer() *mcpsdk.Server { return s.server }

// Handler returns the streamable HTTP handler serving this server.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return s.server }, nil)
}

// RunStdio serves the MCP protocol over stdin and stdout until ctx is done or
// the client disconnects.
func (s *Server) RunStdio(ctx context.Context) error {
	if err := s.server.Run(ctx, &mcpsdk.StdioTransport{}); err != nil {
		return fmt.Errorf("mcp: stdio: %w", err)
	}
	return nil
}
