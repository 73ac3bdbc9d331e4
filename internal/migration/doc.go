// Copyright (c) Soma Authors.
// Licensed under the MIT License.

// Package migration manages the persistence schema with versioned SQL
// migrations embedded per dialect (postgres, mysql, sqlite), driven by
// golang-migrate. The schema covers the session_snapshots and
// audit_records tables the persistence stores read and write.
//
// NewMigratorFromConfig wires the broker configuration straight into a
// Migrator; CLI turns one into the migrate subcommand.
package migration
