// Package cluster defines the wire protocol spoken between the coordinator
// and its workers: message shapes, framing, and the request/reply helpers
// both roles use to talk to each other.
//
// # Overview
//
// Every exchange is a single short-lived TCP connection. The client writes
// one frame, the server writes a plain-text reply and closes its side:
//
//	worker                           coordinator (:11000)
//	  │ {"command":"join","ip":…}<EOF>    │
//	  │──────────────────────────────────▶│  allocate callback port
//	  │                            "11001"│
//	  │◀──────────────────────────────────│
//
//	coordinator                      worker (:11001)
//	  │ {"command":"start",…}<EOF>        │
//	  │──────────────────────────────────▶│  single-shot accept
//	  │                               "OK"│
//	  │◀──────────────────────────────────│
//
//	worker                           coordinator (:11000)
//	  │ {"command":"result","k":…}<EOF>   │
//	  │──────────────────────────────────▶│  stored for aggregation
//	  │                               "OK"│
//	  │◀──────────────────────────────────│
//
// # Framing
//
// A frame is a JSON object whose keys and values are all strings, followed
// immediately by the literal sentinel <EOF>. There is no length prefix, so
// ReadFrame keeps reading until the sentinel shows up, however the bytes are
// split across reads. A peer closing first is ErrBrokenConnection.
//
// # Messages
//
// Decode turns a frame body into a tagged variant exactly once, at the
// boundary; the rest of the code switches on the concrete type:
//
//   - JoinRequest: {command: "join", ip}
//   - StartRequest: {command: "start", kDown, kUp, epsilon, dsDir}
//   - ResultReport: {command: "result", k, ssd}
//   - Probe: {nd: "nd"}, sent by a listener to itself to wake a blocked accept
//
// Numbers travel as decimal strings. Anything that is not a string map, has
// no command, or names an unknown command is ErrProtocol.
//
// # Limitations
//
// The protocol carries no authentication or encryption and one connection
// carries exactly one message. Callers own retries; nothing in this package
// retries a failed exchange.
package cluster
