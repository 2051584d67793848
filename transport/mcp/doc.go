// Package mcp exposes read-only operator tools for the chat relay over the
// Model Context Protocol.
//
// The Client is a thin proxy: every tool calls the relay's HTTP API and
// formats the answer as text for an agent or an operator console.
//
// MCP Tools:
//   - client_count: live sessions (GET /gameserver/clients)
//   - server_status: current users against the soft and max caps
//     (GET /gameserver/status)
//   - health: liveness (GET /health)
//
// Transport Modes:
//   - Stdio: "chatrelay mcp --addr <relay>" for local MCP clients
//   - HTTP: POST /mcp on the relay itself
//
// Usage:
//
//	client := mcp.NewClient("http://localhost:8081")
//	server.ServeStdio(client.GetMCPServer())
package mcp
