// Package auction implements the sealed-bid auction machinery: the
// per-auction order book collecting and ranking bids, and the coordinator
// that opens auctions for queued tasks, invites bidders, and hands winners
// to the dispatcher.
package auction

import (
	"errors"
	"sort"
	"sync"

	"github.com/taskex/taskex/types"
)

// Book errors.
var ErrBookClosed = errors.New("auction: order book closed")

// ScoreProvider supplies the reputation component of the composite bid
// score at evaluation time.
type ScoreProvider interface {
	Score(agentID, version string) float64
}

// Book is the per-auction order book. It holds at most one accepted bid per
// agent; later submissions overwrite earlier ones while the book is open.
// After Close the book is immutable.
type Book struct {
	mu       sync.Mutex
	bids     map[string]types.Bid
	declined map[string]struct{}
	closed   bool
}

// NewBook creates an empty open order book.
func NewBook() *Book {
	return &Book{
		bids:     make(map[string]types.Bid),
		declined: make(map[string]struct{}),
	}
}

// SubmitBid normalizes and stores a bid. The confidence is quantized to the
// tick and clamped; quantized values below the minimum are rejected. A bid
// from an agent that previously declined supersedes the decline.
func (b *Book) SubmitBid(bid types.Bid) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBookClosed
	}
	q := types.QuantizeConfidence(bid.Confidence)
	if q < types.MinConfidence {
		return types.ErrConfidenceTooLow
	}
	bid.Confidence = q
	b.bids[bid.AgentID] = bid
	delete(b.declined, bid.AgentID)
	return nil
}

// Decline records a formal null bid from the agent, withdrawing any earlier
// bid. Declines only affect early-close accounting.
func (b *Book) Decline(agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBookClosed
	}
	delete(b.bids, agentID)
	b.declined[agentID] = struct{}{}
	return nil
}

// Close seals the book. Idempotent.
func (b *Book) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// IsClosed reports whether the book has been sealed.
func (b *Book) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// BidCount returns the number of accepted bids.
func (b *Book) BidCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bids)
}

// Responses returns the number of agents that have either bid or declined.
func (b *Book) Responses() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bids) + len(b.declined)
}

// Bids returns a snapshot of the accepted bids in no particular order.
func (b *Book) Bids() []types.Bid {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]types.Bid, 0, len(b.bids))
	for _, bid := range b.bids {
		out = append(out, bid)
	}
	return out
}

// EvaluateAndRank scores every accepted bid as confidence × reputation and
// returns them ranked. The order is a total order: score descending, then
// bid timestamp ascending, then agent id ascending. Ranks start at 1. The
// result is deterministic and idempotent for a closed book.
func (b *Book) EvaluateAndRank(rep ScoreProvider) []types.EvaluatedBid {
	b.mu.Lock()
	bids := make([]types.Bid, 0, len(b.bids))
	for _, bid := range b.bids {
		bids = append(bids, bid)
	}
	b.mu.Unlock()

	evaluated := make([]types.EvaluatedBid, len(bids))
	for i, bid := range bids {
		score := rep.Score(bid.AgentID, bid.AgentVersion)
		evaluated[i] = types.EvaluatedBid{
			Bid:        bid,
			Reputation: score,
			Score:      bid.Confidence * score,
		}
	}
	sort.Slice(evaluated, func(i, j int) bool {
		a, b := evaluated[i], evaluated[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Bid.Timestamp.Equal(b.Bid.Timestamp) {
			return a.Bid.Timestamp.Before(b.Bid.Timestamp)
		}
		return a.Bid.AgentID < b.Bid.AgentID
	})
	for i := range evaluated {
		evaluated[i].Rank = i + 1
	}
	return evaluated
}
