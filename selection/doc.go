// Copyright (c) Soma Authors.
// Licensed under the MIT License.

// Package selection picks the host an embodiment or tool call should
// land on when more than one candidate qualifies. Health is a weighted
// blend of success recency, sliding error rate, and declared capacity;
// the healthiest host wins, least-recently-used breaks ties, and when
// every candidate is below the threshold the caller gets an explicit
// NoneAvailable error instead of a degraded pick.
package selection
