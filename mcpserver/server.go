package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/flowbox/config"
	"github.com/isdmx/flowbox/flowstore"
	"github.com/isdmx/flowbox/progress"
	"github.com/isdmx/flowbox/sandbox"
	"github.com/isdmx/flowbox/session"
)

// Version is reported to MCP clients during initialization
const Version = "1.0.0"

// MCPServer represents the MCP server
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	executor   sandbox.Executor
	sessions   *session.Manager
	logs       *progress.Store
	flows      flowstore.Store
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// New creates a new MCPServer with every flowbox tool registered
func New(
	cfg *config.Config,
	logger *zap.Logger,
	executor sandbox.Executor,
	sessions *session.Manager,
	logs *progress.Store,
	flows flowstore.Store,
) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger.With(zap.String("component", "mcpserver")),
		executor: executor,
		sessions: sessions,
		logs:     logs,
		flows:    flows,
	}

	s.logger.Info("configuration loaded",
		zap.String("mcp.transport", cfg.MCP.Transport),
		zap.Int("mcp.http_port", cfg.MCP.HTTPPort),
		zap.Float64("sandbox.timeout_sec", cfg.Sandbox.TimeoutSec),
		zap.Float64("sandbox.max_timeout_sec", cfg.Sandbox.MaxTimeoutSec),
		zap.String("flows.backend", cfg.Flows.Backend),
	)

	s.mcpServer = server.NewMCPServer("flowbox", Version, server.WithToolCapabilities(false))
	s.registerTools()
	if cfg.MCP.Transport == "http" {
		s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)
	}

	return s, nil
}

func (s *MCPServer) registerTools() {
	timeoutDesc := fmt.Sprintf("Timeout in seconds, at most %g. Defaults to %g.",
		s.config.Sandbox.MaxTimeoutSec, s.config.Sandbox.TimeoutSec)
	codeDesc := fmt.Sprintf("Starlark source defining %s(input_text)", s.config.Sandbox.EntryPoint)

	s.mcpServer.AddTool(mcp.NewTool("execute_function",
		mcp.WithDescription("Run a user function synchronously and return its output"),
		mcp.WithString("function_code", mcp.Required(), mcp.Description(codeDesc)),
		mcp.WithString("input_value", mcp.Description("Input text passed to the function")),
		mcp.WithNumber("timeout", mcp.Description(timeoutDesc)),
	), s.handleExecuteFunction)

	s.mcpServer.AddTool(mcp.NewTool("start_execution",
		mcp.WithDescription("Start a function in the background and return a session token for polling"),
		mcp.WithString("function_code", mcp.Required(), mcp.Description(codeDesc)),
		mcp.WithString("input_value", mcp.Description("Input text passed to the function")),
		mcp.WithNumber("timeout", mcp.Description(timeoutDesc)),
	), s.handleStartExecution)

	s.mcpServer.AddTool(mcp.NewTool("read_execution_log",
		mcp.WithDescription("Read the progress log of a background execution from an offset"),
		mcp.WithString("session_token", mcp.Required(), mcp.Description("Token returned by start_execution")),
		mcp.WithNumber("last_position", mcp.Description("Offset returned by the previous read, 0 for the start")),
	), s.handleReadExecutionLog)

	s.mcpServer.AddTool(mcp.NewTool("cancel_execution",
		mcp.WithDescription("Cancel a running background execution"),
		mcp.WithString("session_token", mcp.Required(), mcp.Description("Token returned by start_execution")),
	), s.handleCancelExecution)

	s.mcpServer.AddTool(mcp.NewTool("save_flow",
		mcp.WithDescription("Save a flow graph of nodes and edges"),
		mcp.WithString("flow_id", mcp.Description("Flow id, defaults to \"default\"")),
		mcp.WithArray("nodes", mcp.Required(), mcp.Description("Graph nodes")),
		mcp.WithArray("edges", mcp.Required(), mcp.Description("Graph edges")),
	), s.handleSaveFlow)

	s.mcpServer.AddTool(mcp.NewTool("load_flow",
		mcp.WithDescription("Load a saved flow graph"),
		mcp.WithString("flow_id", mcp.Description("Flow id, defaults to \"default\"")),
	), s.handleLoadFlow)

	s.mcpServer.AddTool(mcp.NewTool("list_flows",
		mcp.WithDescription("List saved flows, newest first"),
	), s.handleListFlows)
}

// executeRequest reads the execution arguments shared by execute_function and start_execution
func (s *MCPServer) executeRequest(request mcp.CallToolRequest) (sandbox.ExecuteRequest, error) {
	code, err := request.RequireString("function_code")
	if err != nil {
		return sandbox.ExecuteRequest{}, err
	}

	input, err := inputText(request.GetArguments()["input_value"])
	if err != nil {
		return sandbox.ExecuteRequest{}, err
	}

	timeout := request.GetFloat("timeout", 0)
	if timeout < 0 {
		return sandbox.ExecuteRequest{}, fmt.Errorf("timeout must not be negative")
	}
	if timeout > s.config.Sandbox.MaxTimeoutSec {
		return sandbox.ExecuteRequest{}, fmt.Errorf("timeout %gs exceeds maximum %gs", timeout, s.config.Sandbox.MaxTimeoutSec)
	}

	return sandbox.ExecuteRequest{
		Code:    code,
		Input:   input,
		Timeout: time.Duration(timeout * float64(time.Second)),
	}, nil
}

// inputText accepts a string or any JSON value, which is passed on as JSON text
func inputText(v any) (string, error) {
	switch v := v.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("invalid input_value: %w", err)
		}
		return string(data), nil
	}
}

func (s *MCPServer) handleExecuteFunction(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req, err := s.executeRequest(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.logger.Info("function execution requested", zap.Int("code_length", len(req.Code)))

	result, err := s.executor.Execute(ctx, req, nil)
	if err != nil {
		s.logger.Error("execution failed", zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Execution failed: %v", err)), nil
	}

	out := newExecutionResult(result)
	toolResult, err := jsonResult(out)
	if err != nil {
		return nil, err
	}
	toolResult.IsError = !result.Success
	return toolResult, nil
}

func (s *MCPServer) handleStartExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req, err := s.executeRequest(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sess, err := s.sessions.Start(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start execution: %v", err)), nil
	}

	return jsonResult(startResult{
		Success:      true,
		SessionToken: sess.Token,
		LogFileID:    sess.Token,
		Message:      "Execution started, poll read_execution_log for updates",
	})
}

func (s *MCPServer) handleReadExecutionLog(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := request.RequireString("session_token")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	chunk, err := s.logs.Read(token, int64(request.GetFloat("last_position", 0)))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(chunk)
}

func (s *MCPServer) handleCancelExecution(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := request.RequireString("session_token")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := s.sessions.Cancel(token)
	if errors.Is(err, session.ErrSessionNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("session %s not found", token)), nil
	}
	if err != nil {
		return nil, err
	}

	message := "Execution cancelled"
	if !res.Changed {
		message = fmt.Sprintf("Execution already %s", res.Status)
	}
	return jsonResult(cancelResult{
		Success:      true,
		Message:      message,
		SessionToken: res.Token,
		Status:       string(res.Status),
	})
}

func (s *MCPServer) handleSaveFlow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	nodes, err := rawItems(args["nodes"])
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid nodes: %v", err)), nil
	}
	edges, err := rawItems(args["edges"])
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid edges: %v", err)), nil
	}

	id := request.GetString("flow_id", flowstore.DefaultFlowID)
	flow, err := s.flows.Save(ctx, id, flowstore.Graph{Nodes: nodes, Edges: edges})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to save flow: %v", err)), nil
	}
	return jsonResult(flow.Summary())
}

func (s *MCPServer) handleLoadFlow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := request.GetString("flow_id", flowstore.DefaultFlowID)
	flow, err := s.flows.Load(ctx, id)
	if errors.Is(err, flowstore.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("Flow '%s' not found", id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load flow: %v", err)), nil
	}
	return jsonResult(flow)
}

func (s *MCPServer) handleListFlows(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flows, err := s.flows.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list flows: %v", err)), nil
	}
	if flows == nil {
		flows = []flowstore.Summary{}
	}
	return jsonResult(flowList{Flows: flows, Count: len(flows)})
}

// rawItems converts a decoded JSON array argument back into raw elements
func rawItems(v any) ([]json.RawMessage, error) {
	if v == nil {
		return []json.RawMessage{}, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected an array, got %T", v)
	}
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the streamable HTTP transport on the MCP port
func (s *MCPServer) ServeHTTP() error {
	port := s.config.MCP.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	if s.httpServer == nil {
		s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)
	}
	return s.httpServer.Start(fmt.Sprintf(":%d", port))
}

// Serve starts the configured transport
func (s *MCPServer) Serve() error {
	if s.config.MCP.Transport == "http" {
		return s.ServeHTTP()
	}
	return s.ServeStdio()
}

// Shutdown stops the HTTP transport. Stdio ends with its input stream.
func (s *MCPServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("stopping MCP server")
	return s.httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
