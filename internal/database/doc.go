// Copyright (c) Soma Authors.
// Licensed under the MIT License.

// Package database opens the broker's relational store and manages
// its connection pool: dialector selection per configured driver
// (postgres, mysql, pure-Go sqlite), pool tuning, a background health
// check, and transaction helpers with retry on transient failures.
// The session snapshot and audit stores in persistence run on the
// gorm handle this package owns.
package database
