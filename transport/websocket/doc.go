// Package websocket serves the chat relay's WebSocket endpoint.
//
// The package implements:
//   - Ticket admission before the upgrade, with JSON rejections
//   - At most one live session per user
//   - A receive loop per connection with ping/pong keepalive
//   - Fan-out of chat and system messages to every attached session
//   - Idle eviction on a fixed sweep interval
//   - A single teardown path shared by every way a session can end
//
// Admission:
//
// Clients connect to /gameserver/?ticketId=<id>. The ticket is looked up in
// the ticket store and the user is registered before the upgrade, so a
// missing or invalid ticket (401), a second session for the same user (409)
// or an unreachable store (503) is answered with a plain HTTP response:
//
//	{"code": "DuplicateConnection", "message": "User already has an active session."}
//
// Once upgraded, the connection is attached to its socket, the ticket is
// consumed, the status store is updated and "<nickname> 님이 입장했습니다." is
// broadcast.
//
// Message Protocol:
//
// Every frame is a JSON envelope {type, payload}. Clients send MESSAGE_SEND
// and SERVERSTATUS_REQUEST; the hub sends MESSAGE_RECEIVE,
// SYSTEM_MESSAGE_RECEIVE and SERVERSTATUS_RESPONSE. Undecodable frames and
// unknown types are logged and dropped. A binary frame ends the session.
//
// Teardown:
//
// Disconnects, write failures, failed pings, idle eviction and shutdown all
// go through the same teardown. Only the caller that removes the connection
// from the registry records the disconnect, publishes the new user count
// and broadcasts "<nickname> 님이 퇴장했습니다.", so each of those happens
// exactly once per session.
//
// Usage:
//
//	hub := websocket.NewHub(websocket.Options{
//		Registry:  session.NewRegistry(),
//		Gateway:   gateway,
//		Publisher: publisher,
//		Metrics:   m,
//		Logger:    logger,
//	})
//	go hub.Run(ctx)
//
//	router.HandleFunc("/gameserver/", hub.ServeWS)
//
// Concurrency:
//
// Each session runs its receive loop on the request goroutine plus one
// keepalive goroutine. Writes to a connection are serialized by its own
// lock; there is no hub-wide lock, so a slow client never blocks the others
// for longer than its write deadline.
package websocket
