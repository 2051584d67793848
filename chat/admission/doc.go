// Package admission turns a queue-issued ticket into a chat identity.
//
// A ticket is a single-use credential written to the ticket store by the
// queueing service. Authenticate only reads it; Consume deletes it once the
// session has been registered, so a client rejected as a duplicate keeps its
// ticket.
package admission
