// Package server hosts the stream control API and the metrics endpoint from
// a single HTTP server.
//
// Every request passes through the same middleware chain: request ids,
// request logging and metrics. Run binds the server to a context and shuts
// it down gracefully when the context ends.
package server
