package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/somatica/soma/envelope"
	"github.com/somatica/soma/types"
)

// handleDiscoverTools answers a discovery query arriving on the agent
// surface.
func (b *Broker) handleDiscoverTools(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
	var body envelope.DiscoverToolsBody
	if err := env.DecodeBody(&body); err != nil {
		return nil, types.NewError(types.ErrDecode, "malformed discoverTools body").WithCause(err)
	}
	result, err := b.discover(ctx, "", &body)
	if err != nil {
		return nil, err
	}
	return b.signReply(envelope.TypeToolsDiscovered, result)
}

// handleLinkEnvelope serves envelopes a connected peer sends over a
// federation link. Peers forward discovery queries; link heartbeats
// are consumed by the link manager before reaching this handler, and
// nothing else is served over links.
func (b *Broker) handleLinkEnvelope(ctx context.Context, remoteBrokerID string, env *envelope.Envelope) (*envelope.Envelope, error) {
	switch env.Type {
	case envelope.TypeDiscoverTools:
		var body envelope.DiscoverToolsBody
		if err := env.DecodeBody(&body); err != nil {
			return nil, types.NewError(types.ErrDecode, "malformed discoverTools body").WithCause(err)
		}
		result, err := b.discover(ctx, remoteBrokerID, &body)
		if err != nil {
			return nil, err
		}
		// The link manager stamps the sender identity and nonce before
		// signing.
		return envelope.New(envelope.TypeToolsDiscovered, b.config.BrokerID, 0, result)
	default:
		return nil, types.NewError(types.ErrDecode,
			fmt.Sprintf("envelope type %q is not served over federation links", env.Type))
	}
}

// discover answers a query from the local index and, budget
// permitting, from connected peers. remoteCaller names the link the
// query arrived on and is empty for local callers. A query already
// seen for the same (origin, queryId) is answered empty instead of
// being re-fanned out, which is what bounds federation cycles.
func (b *Broker) discover(ctx context.Context, remoteCaller string, body *envelope.DiscoverToolsBody) (*envelope.ToolsDiscoveredBody, error) {
	origin := body.OriginBrokerID
	queryID := body.QueryID
	hops := body.HopCount
	if origin == "" {
		// A local caller enters federation under this broker's
		// identity with a fresh forwarding budget.
		origin = b.config.BrokerID
		hops = b.config.MaxHops
	}
	if queryID == "" {
		queryID = uuid.NewString()
	}

	if b.index.SeenQuery(origin, queryID) {
		b.logger.Debug("duplicate discovery query answered empty",
			zap.String("origin_broker_id", origin),
			zap.String("query_id", queryID),
		)
		b.metrics.RecordDiscovery("federated", "duplicate", 0)
		return &envelope.ToolsDiscoveredBody{QueryID: queryID, Matches: []envelope.ToolMatch{}}, nil
	}

	scope := "local"
	var missing []string
	if hops > 0 && b.links != nil {
		if peers := b.peersToQuery(remoteCaller, origin); len(peers) > 0 {
			scope = "federated"
			missing = b.fanOut(ctx, peers, body.Query, origin, queryID, hops-1)
		}
	}

	candidates := b.index.Discover(body.Query)
	matches := make([]envelope.ToolMatch, 0, len(candidates))
	for _, candidate := range candidates {
		matches = append(matches, envelope.ToolMatch{
			AgentID:        candidate.AgentID,
			BodyID:         candidate.BodyID,
			RemoteBrokerID: candidate.RemoteBrokerID,
			Tool:           candidate.Tool,
		})
	}

	partial := len(missing) > 0
	outcome := "ok"
	if partial {
		outcome = "partial"
	}
	b.metrics.RecordDiscovery(scope, outcome, len(matches))

	return &envelope.ToolsDiscoveredBody{
		QueryID: queryID,
		Matches: matches,
		Partial: partial,
		Missing: missing,
	}, nil
}

// peersToQuery lists the usable links worth forwarding to, skipping
// the link the query arrived on and the broker it originated from.
func (b *Broker) peersToQuery(remoteCaller, origin string) []string {
	usable := b.links.UsableLinks()
	peers := make([]string, 0, len(usable))
	for _, peer := range usable {
		if peer == remoteCaller || peer == origin {
			continue
		}
		peers = append(peers, peer)
	}
	return peers
}

// fanOut forwards the query to every peer in parallel and imports what
// comes back under the answering peer's provenance. It returns the
// sorted list of peers that failed to answer in time; their previous
// imports are left to age out rather than evicted, since a slow peer
// is not a severed one.
func (b *Broker) fanOut(ctx context.Context, peers []string, query envelope.DiscoveryQuery, origin, queryID string, hops int) []string {
	forward := &envelope.DiscoverToolsBody{
		Query:          query,
		OriginBrokerID: origin,
		QueryID:        queryID,
		HopCount:       hops,
	}

	var mu sync.Mutex
	var missing []string

	var g errgroup.Group
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			peerCtx, cancel := context.WithTimeout(ctx, b.config.PeerQueryTimeout)
			defer cancel()

			reply, err := b.links.Query(peerCtx, peer, envelope.TypeDiscoverTools, forward, queryID)
			if err != nil {
				b.logger.Warn("peer discovery failed",
					zap.String("remote_broker_id", peer),
					zap.String("query_id", queryID),
					zap.Error(err),
				)
				b.metrics.RecordPeerQuery("unreachable")
				mu.Lock()
				missing = append(missing, peer)
				mu.Unlock()
				return nil
			}

			var result envelope.ToolsDiscoveredBody
			if err := reply.DecodeBody(&result); err != nil {
				b.logger.Warn("peer discovery reply malformed",
					zap.String("remote_broker_id", peer),
					zap.String("query_id", queryID),
					zap.Error(err),
				)
				b.metrics.RecordPeerQuery("malformed")
				mu.Lock()
				missing = append(missing, peer)
				mu.Unlock()
				return nil
			}

			b.index.ImportFederated(peer, result.Matches, 0)
			b.metrics.RecordPeerQuery("ok")
			return nil
		})
	}
	// Peer failures degrade to partial results, so the group never
	// carries an error.
	_ = g.Wait()

	sort.Strings(missing)
	return missing
}
