// Copyright (c) Soma Authors.
// Licensed under the MIT License.

// Package server manages HTTP listener lifecycle: non-blocking start,
// TLS, graceful shutdown, and signal-driven teardown. The broker runs
// two managed servers, the envelope/admin API and the metrics surface.
// Accepted connections are capped with netutil.LimitListener so a
// connection flood queues at the listener instead of growing goroutines
// without bound.
package server
