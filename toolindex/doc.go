// Copyright (c) Soma Authors.
// Licensed under the MIT License.

// Package toolindex maintains the discoverable tool surface of a
// broker. Local entries mirror the tools of registered bodies and live
// as long as their owners; federated entries are imported from peer
// brokers with a TTL and provenance, refreshed on re-import, and
// evicted on expiry or the moment the owning link is severed.
//
// The index also keeps the (originBrokerId, queryId) dedupe table that
// stops federated discovery loops.
package toolindex
