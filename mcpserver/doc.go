// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The server exposes the execution engine and the flow store as MCP tools
// using the mark3labs/mcp-go library:
//
//   - execute_function runs a function synchronously
//   - start_execution, read_execution_log and cancel_execution drive
//     background sessions through their progress log
//   - save_flow, load_flow and list_flows persist editor graphs
//
// The server supports both stdio and streamable HTTP transports as configured
// by the mcp section of the application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(cfg, logger, executor, sessions, logs, flows)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.Serve()
package mcpserver
