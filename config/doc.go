// Copyright (c) Soma Authors.
// Licensed under the MIT License.

// Package config loads the somad configuration tree. Precedence is
// fixed: package defaults, then the YAML file, then environment
// variables. A Reloader can watch the file afterward and hand changed
// trees to subscribers; what each subscriber can apply live is its own
// business, the loader just reports the change.
package config
