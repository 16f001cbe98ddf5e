// Package signaling serves the mailbox operations to remote call endpoints
// over a WebSocket (GET /mailbox/ws).
//
// Every request frame carries a client-chosen numeric id which the matching
// result or error frame echoes. Subscriptions are named by a client-chosen
// sub string and stream "call" and "incoming" event frames until unwatched or
// the connection closes.
package signaling
