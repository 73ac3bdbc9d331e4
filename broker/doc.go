// Copyright (c) Soma Authors.
// Licensed under the MIT License.

// Package broker is the protocol engine. A Broker owns the agent
// registry, the tool index, the host selector, the session manager,
// and the federation link table, and drives all of them from a single
// entry point: HandleEnvelope decodes a signed envelope, authenticates
// the sender, runs the replay check, and dispatches on the closed type
// enumeration. Replies and rejections leave signed under the broker's
// own key.
//
// The broker participates in the protocol as a first-class identity.
// It signs with the same envelope codec agents use and its discovery
// queries travel through federation under its broker ID, but it does
// not appear in its own agent registry: registry records describe
// agents whose liveness is proven by heartbeats, and the broker's
// liveness is the process itself.
package broker
