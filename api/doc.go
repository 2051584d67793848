// Package api provides the HTTP surface of the chat relay.
//
// Endpoints:
//   - GET /gameserver/?ticketId=<id> - WebSocket upgrade (also /gameserver)
//   - GET /gameserver/clients - {"Count": n}, live sessions on this node
//   - GET /gameserver/status - {"current_users", "soft_cap", "max_cap"}
//   - GET /health - {"status": "healthy"}
//   - GET /metrics - Prometheus exposition, when a metrics handler is given
//   - GET / - "Chat Server is running."
//
// WebSocket admission, the session loop and fan-out live in
// transport/websocket; this package only routes to them.
//
// Error Handling:
//
// Non-WebSocket endpoints report failures as {"error": "..."} with an
// appropriate status code. Admission rejections on the WebSocket route use
// the {code, message} body written by the hub.
//
// Usage:
//
//	server := api.NewServer(hub, publisher, m.Handler())
//	http.ListenAndServe(":8081", server)
package api
