package mcpserver

import (
	"context"
	"net/http"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"conductor/internal/logging"
	"conductor/internal/orchestrator"
)

// Server hosts the dispatcher's tool table over MCP transports.
type Server struct {
	mcp *mcp.Server
	log *logging.Logger
}

// Implementation metadata reported during the MCP handshake.
const (
	serverName    = "conductor"
	serverVersion = "1.0.0"
)

const serverInstructions = "Task orchestration engine. Every reply carries workflow_guidance with " +
	"the current workflow state and ready-to-paste next actions; follow its corrective suggestions " +
	"when a call fails."

// New builds the MCP server with every dispatcher tool registered.
func New(d *Dispatcher, log *logging.Logger) *Server {
	s := &Server{
		mcp: mcp.NewServer(
			&mcp.Implementation{Name: serverName, Version: serverVersion},
			&mcp.ServerOptions{Instructions: serverInstructions},
		),
		log: logging.OrNop(log).Component("mcp"),
	}
	for _, t := range d.Tools() {
		s.addTool(d, t)
	}
	return s
}

// addTool registers one tool. Parameter maps pass through untyped; the
// dispatcher owns decoding and the error envelope, so schema validation
// stays permissive here.
func (s *Server) addTool(d *Dispatcher, t toolDef) {
	tool := &mcp.Tool{
		Name:         t.name,
		Description:  t.description,
		InputSchema:  &jsonschema.Schema{Type: "object"},
		OutputSchema: &jsonschema.Schema{Type: "object"},
		Annotations: &mcp.ToolAnnotations{
			ReadOnlyHint:  t.readOnly,
			OpenWorldHint: boolPtr(false),
		},
	}
	name := t.name
	mcp.AddTool(s.mcp, tool, func(ctx context.Context, req *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, map[string]any, error) {
		resp := d.Dispatch(ctx, name, args)
		return nil, envelope(resp), nil
	})
}

// envelope converts a response into the structured-content map the SDK
// serialises for both structured and text content.
func envelope(resp *orchestrator.Response) map[string]any {
	out := map[string]any{
		"success":           resp.Success,
		"workflow_guidance": resp.WorkflowGuidance,
	}
	if resp.Data != nil {
		out["data"] = resp.Data
	}
	if resp.Error != nil {
		out["error"] = resp.Error
	}
	return out
}

// ServeStdio blocks serving the stdio transport until ctx is cancelled or
// the client disconnects.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.log.Info("serving MCP over stdio")
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

// HTTPHandler returns the streamable HTTP handler for this server.
func (s *Server) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
}

func boolPtr(b bool) *bool { return &b }
