// Package protocol defines the JSON wire format spoken over a chat session.
//
// Every WebSocket text frame carries exactly one Envelope:
//
//	{"type": "MESSAGE_SEND", "payload": {"message": "hi"}}
//
// Message types:
//   - MESSAGE_SEND            client -> server  {message}
//   - MESSAGE_RECEIVE         server -> all     {timestamp, nickname, message}
//   - SYSTEM_MESSAGE_RECEIVE  server -> all     {timestamp, message}
//   - SERVERSTATUS_REQUEST    client -> server  {}
//   - SERVERSTATUS_RESPONSE   server -> one     {clientCount}
//
// Timestamps are encoded as RFC 3339 in UTC. Decoding is lenient about field
// case so clients that emit PascalCase payloads are still understood.
package protocol
