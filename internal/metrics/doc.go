// Copyright (c) Soma Authors.
// Licensed under the MIT License.

/*
Package metrics provides Prometheus metrics for the broker: envelope
intake outcomes, rejection taxonomy counts, embodiment session
transitions, discovery and selection results, federation link states,
and the HTTP and database surfaces.

All families register through promauto under one namespace, so the
Collector must be created exactly once per process. Record methods are
nil-receiver safe; components built without a collector simply record
nothing.
*/
package metrics
