package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/wricardo/mcp-training/chatrelay/api"
	"github.com/wricardo/mcp-training/chatrelay/chat/status"
)

// Client is a thin MCP client that proxies to the relay's HTTP API
type Client struct {
	baseURL    string
	httpClient *http.Client
	mcpServer  *server.MCPServer
}

// NewClient creates a new MCP client that calls the HTTP API at baseURL
func NewClient(baseURL string) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	c.initMCPServer()
	return c
}

// initMCPServer initializes the MCP server with all tools
func (c *Client) initMCPServer() {
	c.mcpServer = server.NewMCPServer(
		"Chat Relay",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions(`Chat Relay - MCP Operator Interface

This is a thin client that proxies read-only requests to a running chat relay.

AVAILABLE TOOLS:
- client_count: Number of live chat sessions on this node
- server_status: Current users with the published soft and max caps
- health: Whether the relay answers its health check

Clients join the chat through the WebSocket endpoint with a ticket issued by
the queue service; these tools cannot admit or disconnect anyone.`),
	)

	c.registerTools()
}

// registerTools registers all MCP tools
func (c *Client) registerTools() {
	noArgs := mcp.ToolInputSchema{
		Type:       "object",
		Properties: map[string]interface{}{},
	}

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "client_count",
		Description: "Get the number of live chat sessions",
		InputSchema: noArgs,
	}, c.handleClientCount)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "server_status",
		Description: "Get current users and the soft/max capacity the relay publishes",
		InputSchema: noArgs,
	}, c.handleServerStatus)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "health",
		Description: "Check that the relay is up",
		InputSchema: noArgs,
	}, c.handleHealth)
}

// GetMCPServer returns the underlying MCP server
func (c *Client) GetMCPServer() *server.MCPServer {
	return c.mcpServer
}

// apiCall makes an HTTP call to the relay API
func (c *Client) apiCall(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	url := c.baseURL + path

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp map[string]string
		json.NewDecoder(resp.Body).Decode(&errResp)
		if msg, ok := errResp["error"]; ok {
			return fmt.Errorf("%s", msg)
		}
		return fmt.Errorf("API error: %d", resp.StatusCode)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}

	return nil
}

// Tool handlers

func (c *Client) handleClientCount(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var response api.ClientsResponse
	if err := c.apiCall(ctx, "GET", "/gameserver/clients", nil, &response); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Connected clients: %d", response.Count)), nil
}

func (c *Client) handleServerStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var snapshot status.Snapshot
	if err := c.apiCall(ctx, "GET", "/gameserver/status", nil, &snapshot); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(formatStatus(snapshot)), nil
}

func (c *Client) handleHealth(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var response struct {
		Status string `json:"status"`
	}
	if err := c.apiCall(ctx, "GET", "/health", nil, &response); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("relay unreachable: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Relay status: %s", response.Status)), nil
}

func formatStatus(s status.Snapshot) string {
	result := fmt.Sprintf("Current users: %d\n", s.CurrentUsers)
	result += fmt.Sprintf("Soft cap: %d\n", s.SoftCap)
	result += fmt.Sprintf("Max cap: %d\n", s.MaxCap)

	switch {
	case s.CurrentUsers >= s.MaxCap:
		result += "State: FULL (at or above max cap)\n"
	case s.CurrentUsers >= s.SoftCap:
		result += "State: BUSY (at or above soft cap)\n"
	default:
		result += "State: OPEN\n"
	}
	return result
}
