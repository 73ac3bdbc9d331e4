// Copyright (c) Soma Authors.
// Licensed under the MIT License.

/*
Package handlers implements the HTTP endpoints of the Soma broker.

The envelope intake (EnvelopeHandler) and the federation upgrade
(FederationHandler) carry the protocol itself. Everything else is the
operator surface: read-only listings over the registry, link table,
and session store (AdminHandler), plus liveness and readiness probes
(HealthHandler).

Responses on the JSON surface share one shape, Response, written
through WriteSuccess and WriteError. The intake is the exception: its
replies are signed CBOR envelopes written verbatim with WriteCBOR, and
the HTTP status merely mirrors the verdict carried inside.

All handlers follow net/http conventions and take their collaborators
as narrow interfaces so tests can substitute fakes.
*/
package handlers
