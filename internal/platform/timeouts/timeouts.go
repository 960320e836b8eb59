// Package timeouts defines shared timeout constants used across the server
// boundaries. Centralizing these values prevents drift and makes the
// durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// GRPCDial caps the wait time when dialing a gRPC peer.
const GRPCDial = 2 * time.Second
