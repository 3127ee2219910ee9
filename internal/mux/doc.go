// Package mux serves the framed protocol from package cluster.
//
// Listener is the coordinator side: a long-running accept loop that records
// join and result messages in a collector.Store, answering joins with a
// freshly allocated callback port and results with an acknowledgment.
// AcceptStart is the worker side: one blocking accept that returns the
// start parameters sent to the worker's callback port.
//
// Malformed frames and unexpected commands are logged and counted, and the
// offending connection is closed without a reply. They never stop the loop.
package mux
