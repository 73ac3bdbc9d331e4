// Copyright (c) Soma Authors.
// Licensed under the MIT License.

// Package tlsutil centralizes TLS posture for every connection the
// broker makes or accepts: the HTTP servers, the federation websocket
// dials, and the health-probe client. TLS 1.2 minimum, AEAD cipher
// suites only.
package tlsutil
