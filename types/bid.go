package types

import (
	"errors"
	"math"
	"time"
)

// ConfidenceTick is the quantization unit for bid confidence. Every accepted
// bid carries a confidence that is an integer multiple of this tick.
const ConfidenceTick = 0.05

// MinConfidence is the smallest accepted quantized confidence.
const MinConfidence = ConfidenceTick

// MaxConfidence is the upper clamp for bid confidence.
const MaxConfidence = 1.0

// BidTier is a bid's self-declared origin. The exchange forwards it for
// observability but never interprets it.
type BidTier string

const (
	TierKeyword BidTier = "keyword"
	TierCache   BidTier = "cache"
	TierLLM     BidTier = "llm"
)

// ErrConfidenceTooLow rejects bids whose quantized confidence falls below
// the minimum tick.
var ErrConfidenceTooLow = errors.New("bid confidence below minimum tick")

// QuantizeConfidence rounds c to the nearest tick and clamps it to
// [0, MaxConfidence]. Validation against MinConfidence is the caller's job.
func QuantizeConfidence(c float64) float64 {
	q := math.Round(c/ConfidenceTick) * ConfidenceTick
	// Kill float noise such as 0.7500000000000001.
	q = math.Round(q*100) / 100
	if q > MaxConfidence {
		q = MaxConfidence
	}
	if q < 0 {
		q = 0
	}
	return q
}

// Bid is an agent's sealed offer to execute a task.
type Bid struct {
	AgentID      string    `json:"agentId"`
	AgentVersion string    `json:"agentVersion"`
	Confidence   float64   `json:"confidence"`
	Reasoning    string    `json:"reasoning,omitempty"`
	EstimatedMs  int64     `json:"estimatedTimeMs,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Tier         BidTier   `json:"tier,omitempty"`
}

// EvaluatedBid pairs a bid with the reputation observed at evaluation time
// and the resulting composite score. Rank is 1-based.
type EvaluatedBid struct {
	Bid        Bid     `json:"bid"`
	Reputation float64 `json:"reputation"`
	Score      float64 `json:"score"`
	Rank       int     `json:"rank"`
}

// AgentCapabilities describes what a registered agent supports.
type AgentCapabilities struct {
	MaxConcurrent       int  `json:"maxConcurrent"`
	SupportsQuickMatch  bool `json:"quickMatch"`
	SupportsLLMEvaluate bool `json:"llmEvaluate"`
}
