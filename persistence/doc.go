// Copyright (c) Soma Authors.
// Licensed under the MIT License.

// Package persistence provides durable storage behind the broker's
// in-memory state: session snapshots for rehydration after a restart
// and the append-only audit trail.
//
// Two backends cover both concerns. Redis carries session snapshots
// for deployments that already run it; a relational store via gorm
// carries snapshots and the audit trail where SQL is the system of
// record. Stores surface ErrNotFound for missing records and plain
// errors otherwise; the protocol taxonomy stays out of this layer.
//
// The broker never blocks on persistence. SessionMirror trails the
// live session table on its own goroutine, and the audit trail reaches
// the store through the session manager's spool.
package persistence
