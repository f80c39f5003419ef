// Package reputation maintains the per-(agent, version) score that weights
// auction bids. Scores move on success, failure, and timeout, decay toward
// neutral over time, and carry gaming mitigations: conservative-bid
// penalties and a version-reset cooldown that stops reputation laundering
// through version churn.
package reputation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/taskex/taskex/clock"
	"github.com/taskex/taskex/events"
	"github.com/taskex/taskex/log"
	"github.com/taskex/taskex/storage"
)

// keyPrefix is the storage namespace for reputation records.
const keyPrefix = "reputation/"

// Config holds all scoring thresholds. Zero values select the defaults.
type Config struct {
	InitialScore     float64 `yaml:"initialScore"`
	NeutralScore     float64 `yaml:"neutralScore"`
	MinScore         float64 `yaml:"minScore"`
	MaxScore         float64 `yaml:"maxScore"`
	SuccessIncrement float64 `yaml:"successIncrement"`
	FailureDecrement float64 `yaml:"failureDecrement"`
	TimeoutDecrement float64 `yaml:"timeoutDecrement"`

	// DecayRate is the fraction of the distance to neutral applied per
	// decay window.
	DecayRate     float64       `yaml:"decayRate"`
	DecayInterval time.Duration `yaml:"decayInterval"`

	// ConservativeBidThreshold marks wins with a lower confidence as
	// conservative; each costs ConservativeBidPenalty.
	ConservativeBidThreshold float64 `yaml:"conservativeBidThreshold"`
	ConservativeBidPenalty   float64 `yaml:"conservativeBidPenalty"`

	// VersionResetCooldown is the window within which a new agent
	// version inherits min(neutral, previous score) instead of starting
	// fresh at InitialScore.
	VersionResetCooldown time.Duration `yaml:"versionResetCooldown"`

	// FlagThreshold marks records below it for review.
	FlagThreshold float64 `yaml:"flagThreshold"`
}

// DefaultConfig returns the standard scoring parameters.
func DefaultConfig() Config {
	return Config{
		InitialScore:             0.5,
		NeutralScore:             0.5,
		MinScore:                 0.0,
		MaxScore:                 1.0,
		SuccessIncrement:         0.05,
		FailureDecrement:         0.10,
		TimeoutDecrement:         0.15,
		DecayRate:                0.10,
		DecayInterval:            24 * time.Hour,
		ConservativeBidThreshold: 0.30,
		ConservativeBidPenalty:   0.02,
		VersionResetCooldown:     7 * 24 * time.Hour,
		FlagThreshold:            0.20,
	}
}

// Record is the persistent reputation state for one (agentId, version).
type Record struct {
	AgentID string  `json:"agentId"`
	Version string  `json:"version"`
	Score   float64 `json:"score"`

	TotalTasks       int `json:"totalTasks"`
	SuccessCount     int `json:"successCount"`
	FailCount        int `json:"failCount"`
	TimeoutCount     int `json:"timeoutCount"`
	ConservativeWins int `json:"conservativeWins"`

	VersionResetAt       *time.Time `json:"versionResetAt,omitempty"`
	PreviousVersionScore float64    `json:"previousVersionScore,omitempty"`

	FlaggedForReview bool   `json:"flaggedForReview"`
	FlagReason       string `json:"flagReason,omitempty"`

	LastUpdated time.Time `json:"lastUpdated"`
	LastDecayAt time.Time `json:"lastDecayAt"`
}

// FailureContext qualifies a recorded failure.
type FailureContext struct {
	IsTimeout bool
	Error     string
}

// BidOutcome feeds the conservative-bid mitigation.
type BidOutcome struct {
	Won        bool
	Confidence float64
}

// Summary aggregates the store for operators.
type Summary struct {
	Agents        int     `json:"agents"`
	Flagged       int     `json:"flagged"`
	AverageScore  float64 `json:"averageScore"`
	TotalTasks    int     `json:"totalTasks"`
	TotalTimeouts int     `json:"totalTimeouts"`
}

// Store holds reputation records. The in-memory map is authoritative;
// the storage adapter provides eventual durability. All methods are safe
// for concurrent use and never fail on unknown agents: a fresh record is
// initialized on first access.
type Store struct {
	cfg     Config
	adapter storage.Adapter
	bus     *events.Bus
	clk     clock.Clock
	logger  *log.Logger

	mu      sync.Mutex
	records map[string]*Record // key: agentID + "/" + version
}

// NewStore creates a Store and loads any persisted records from the
// adapter. bus may be nil when flag events are not needed.
func NewStore(cfg Config, adapter storage.Adapter, bus *events.Bus, clk clock.Clock, logger *log.Logger) (*Store, error) {
	if adapter == nil {
		adapter = storage.NewMemoryStore()
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &Store{
		cfg:     cfg,
		adapter: adapter,
		bus:     bus,
		clk:     clk,
		logger:  logger.Module("reputation"),
		records: make(map[string]*Record),
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadAll() error {
	keys, err := s.adapter.List(keyPrefix)
	if err != nil {
		return fmt.Errorf("reputation: list records: %w", err)
	}
	for _, key := range keys {
		data, err := s.adapter.Get(key)
		if err != nil {
			return fmt.Errorf("reputation: load %s: %w", key, err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("skipping corrupt reputation record", "key", key, "err", err)
			continue
		}
		s.records[recordKey(rec.AgentID, rec.Version)] = &rec
	}
	return nil
}

func recordKey(agentID, version string) string {
	return agentID + "/" + version
}

func storageKey(agentID, version string) string {
	return keyPrefix + agentID + "/" + version
}

// Get returns the record for (agentID, version), creating it if absent.
// The returned record is a copy.
func (s *Store) Get(agentID, version string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.getOrCreateLocked(agentID, version)
	cp := *rec
	return &cp
}

// Score returns just the current score for (agentID, version), creating
// the record if absent. It satisfies the order book's reputation provider.
func (s *Store) Score(agentID, version string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(agentID, version).Score
}

// getOrCreateLocked implements first-access initialization including the
// version-reset rule. Caller holds s.mu.
func (s *Store) getOrCreateLocked(agentID, version string) *Record {
	key := recordKey(agentID, version)
	if rec, ok := s.records[key]; ok {
		return rec
	}

	now := s.clk.Now()
	rec := &Record{
		AgentID:     agentID,
		Version:     version,
		Score:       s.cfg.InitialScore,
		LastUpdated: now,
		LastDecayAt: now,
	}

	// Version churn inside the cooldown window inherits the prior score
	// capped at neutral, so shedding a bad score requires sitting out
	// the cooldown.
	if prev := s.latestOtherVersionLocked(agentID, version); prev != nil {
		if now.Sub(prev.LastUpdated) < s.cfg.VersionResetCooldown {
			inherited := prev.Score
			if inherited > s.cfg.NeutralScore {
				inherited = s.cfg.NeutralScore
			}
			rec.Score = inherited
			rec.PreviousVersionScore = prev.Score
			resetAt := now
			rec.VersionResetAt = &resetAt
		}
	}

	s.records[key] = rec
	s.persistLocked(rec)
	return rec
}

// latestOtherVersionLocked finds the most recently updated record for the
// agent under a different version. Caller holds s.mu.
func (s *Store) latestOtherVersionLocked(agentID, version string) *Record {
	var latest *Record
	prefix := agentID + "/"
	for key, rec := range s.records {
		if !strings.HasPrefix(key, prefix) || rec.Version == version {
			continue
		}
		if latest == nil || rec.LastUpdated.After(latest.LastUpdated) {
			latest = rec
		}
	}
	return latest
}

// RecordSuccess bumps the score for a completed task.
func (s *Store) RecordSuccess(agentID, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getOrCreateLocked(agentID, version)
	rec.Score = s.clamp(rec.Score + s.cfg.SuccessIncrement)
	rec.TotalTasks++
	rec.SuccessCount++
	rec.LastUpdated = s.clk.Now()
	s.persistLocked(rec)
}

// RecordFailure penalizes a failed or timed-out task.
func (s *Store) RecordFailure(agentID, version string, ctx FailureContext) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getOrCreateLocked(agentID, version)
	if ctx.IsTimeout {
		rec.Score = s.clamp(rec.Score - s.cfg.TimeoutDecrement)
		rec.TimeoutCount++
	} else {
		rec.Score = s.clamp(rec.Score - s.cfg.FailureDecrement)
		rec.FailCount++
	}
	rec.TotalTasks++
	rec.LastUpdated = s.clk.Now()
	s.maybeFlagLocked(rec, ctx)
	s.persistLocked(rec)
}

// RecordBidOutcome applies the conservative-bid mitigation: winning with a
// confidence under the threshold nudges the score down, discouraging
// always-bidding-low to win uncontested auctions.
func (s *Store) RecordBidOutcome(agentID, version string, outcome BidOutcome) {
	if !outcome.Won || outcome.Confidence >= s.cfg.ConservativeBidThreshold {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getOrCreateLocked(agentID, version)
	rec.Score = s.clamp(rec.Score - s.cfg.ConservativeBidPenalty)
	rec.ConservativeWins++
	rec.LastUpdated = s.clk.Now()
	s.maybeFlagLocked(rec, FailureContext{})
	s.persistLocked(rec)
}

// DecayAll moves every stale record a step toward neutral. A record decays
// at most once per DecayInterval.
func (s *Store) DecayAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	for _, rec := range s.records {
		if now.Sub(rec.LastDecayAt) < s.cfg.DecayInterval {
			continue
		}
		rec.Score = s.clamp(rec.Score + (s.cfg.NeutralScore-rec.Score)*s.cfg.DecayRate)
		rec.LastDecayAt = now
		s.persistLocked(rec)
	}
}

// GetSummary aggregates all records.
func (s *Store) GetSummary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum Summary
	var total float64
	for _, rec := range s.records {
		sum.Agents++
		total += rec.Score
		sum.TotalTasks += rec.TotalTasks
		sum.TotalTimeouts += rec.TimeoutCount
		if rec.FlaggedForReview {
			sum.Flagged++
		}
	}
	if sum.Agents > 0 {
		sum.AverageScore = total / float64(sum.Agents)
	}
	return sum
}

// Records returns copies of all records sorted by agent id then version.
func (s *Store) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentID != out[j].AgentID {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// maybeFlagLocked flags records that dropped under the review threshold.
// Caller holds s.mu.
func (s *Store) maybeFlagLocked(rec *Record, ctx FailureContext) {
	if rec.FlaggedForReview || rec.Score >= s.cfg.FlagThreshold {
		return
	}
	rec.FlaggedForReview = true
	rec.FlagReason = fmt.Sprintf("score %.2f below threshold %.2f", rec.Score, s.cfg.FlagThreshold)
	if ctx.Error != "" {
		rec.FlagReason += ": last error " + ctx.Error
	}
	s.logger.Warn("agent flagged for review",
		"agent", rec.AgentID, "version", rec.Version, "score", rec.Score)
	if s.bus != nil {
		s.bus.Publish(events.AgentFlagged, events.AgentEvent{
			AgentID: rec.AgentID,
			Version: rec.Version,
			Reason:  rec.FlagReason,
		})
	}
}

// persistLocked writes the record through the adapter. Write failures are
// logged; the in-memory record stays authoritative. Caller holds s.mu.
func (s *Store) persistLocked(rec *Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("marshal reputation record", "agent", rec.AgentID, "err", err)
		return
	}
	if err := s.adapter.Set(storageKey(rec.AgentID, rec.Version), data); err != nil {
		s.logger.Error("persist reputation record", "agent", rec.AgentID, "err", err)
	}
}

func (s *Store) clamp(score float64) float64 {
	if score > s.cfg.MaxScore {
		return s.cfg.MaxScore
	}
	if score < s.cfg.MinScore {
		return s.cfg.MinScore
	}
	return score
}
