package exchange

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskex/taskex/auction"
	"github.com/taskex/taskex/dispatch"
	"github.com/taskex/taskex/ratelimit"
	"github.com/taskex/taskex/remote"
	"github.com/taskex/taskex/reputation"
	"github.com/taskex/taskex/types"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
)

// StorageConfig selects the durable backend for reputation records.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	// Path is the store directory, required for the file backend.
	Path            string `yaml:"path,omitempty"`
	FlushIntervalMs int64  `yaml:"flushIntervalMs,omitempty"`
}

// AuctionConfig is the YAML-facing auction and execution timing block.
// Durations are expressed in milliseconds, matching the wire protocol.
type AuctionConfig struct {
	DefaultWindowMs     int64   `yaml:"defaultWindowMs"`
	MinWindowMs         int64   `yaml:"minWindowMs"`
	MaxWindowMs         int64   `yaml:"maxWindowMs"`
	InstantWinEnabled   bool    `yaml:"instantWinEnabled"`
	InstantWinThreshold float64 `yaml:"instantWinThreshold"`
	DominanceMargin     float64 `yaml:"dominanceMargin"`
	GraceIntervalMs     int64   `yaml:"graceIntervalMs"`
	MaxAuctionAttempts  int     `yaml:"maxAuctionAttempts"`
	RequeueBackoffMs    int64   `yaml:"requeueBackoffMs"`
	ExecutionTimeoutMs  int64   `yaml:"executionTimeoutMs"`
}

// ReputationConfig is the YAML-facing scoring block.
type ReputationConfig struct {
	InitialScore     float64 `yaml:"initialScore"`
	NeutralScore     float64 `yaml:"neutralScore"`
	MinScore         float64 `yaml:"minScore"`
	MaxScore         float64 `yaml:"maxScore"`
	SuccessIncrement float64 `yaml:"successIncrement"`
	FailureDecrement float64 `yaml:"failureDecrement"`
	TimeoutDecrement float64 `yaml:"timeoutDecrement"`

	DecayRate       float64 `yaml:"decayRate"`
	DecayIntervalMs int64   `yaml:"decayIntervalMs"`

	ConservativeBidThreshold float64 `yaml:"conservativeBidThreshold"`
	ConservativeBidPenalty   float64 `yaml:"conservativeBidPenalty"`
	VersionResetCooldownMs   int64   `yaml:"versionResetCooldownMs"`
	FlagThreshold            float64 `yaml:"flagThreshold"`
}

// MarketMakerConfig enables the in-process fallback bidder.
type MarketMakerConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Confidence float64 `yaml:"confidence"`
	AgentID    string  `yaml:"agentId"`
}

// RemoteAgentConfig describes a hosted HTTP agent the exchange proxies into
// auctions alongside websocket agents. Endpoint and auth fields come from
// remote.AgentConfig.
type RemoteAgentConfig struct {
	remote.AgentConfig `yaml:",inline"`

	AgentVersion  string   `yaml:"agentVersion,omitempty"`
	MaxConcurrent int      `yaml:"maxConcurrent,omitempty"`
	Categories    []string `yaml:"categories,omitempty"`
}

// Category names a task category with its matching keywords. Categories are
// forwarded as bid context only; they never filter the invite set.
type Category struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords,omitempty"`
}

// Config assembles an Exchange.
type Config struct {
	// Port is the websocket transport bind port. 0 picks an ephemeral port.
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"logLevel,omitempty"`

	// OpsPort serves the read-only HTTP surface (healthz, tasks, agents,
	// metrics). Negative disables it; 0 picks an ephemeral port.
	OpsPort int `yaml:"opsPort"`

	Storage    StorageConfig    `yaml:"storage"`
	Auction    AuctionConfig    `yaml:"auction"`
	Reputation ReputationConfig `yaml:"reputation"`
	RateLimit  ratelimit.Config `yaml:"rateLimit"`

	HeartbeatIntervalMs int64 `yaml:"heartbeatIntervalMs"`
	HeartbeatTimeoutMs  int64 `yaml:"heartbeatTimeoutMs"`

	MarketMaker  MarketMakerConfig   `yaml:"marketMaker,omitempty"`
	Categories   []Category          `yaml:"categories,omitempty"`
	RemoteAgents []RemoteAgentConfig `yaml:"remoteAgents,omitempty"`
}

// DefaultConfig returns a runnable configuration: memory storage, 5s auction
// windows, 30s execution timeout, market maker off.
func DefaultConfig() Config {
	rep := reputation.DefaultConfig()
	return Config{
		Port:    7465,
		OpsPort: 7466,
		Storage: StorageConfig{Backend: StorageMemory},
		Auction: AuctionConfig{
			DefaultWindowMs:     5000,
			MinWindowMs:         1000,
			MaxWindowMs:         30000,
			InstantWinEnabled:   false,
			InstantWinThreshold: 0.90,
			DominanceMargin:     0.20,
			GraceIntervalMs:     250,
			MaxAuctionAttempts:  3,
			RequeueBackoffMs:    1000,
			ExecutionTimeoutMs:  30000,
		},
		Reputation: ReputationConfig{
			InitialScore:             rep.InitialScore,
			NeutralScore:             rep.NeutralScore,
			MinScore:                 rep.MinScore,
			MaxScore:                 rep.MaxScore,
			SuccessIncrement:         rep.SuccessIncrement,
			FailureDecrement:         rep.FailureDecrement,
			TimeoutDecrement:         rep.TimeoutDecrement,
			DecayRate:                rep.DecayRate,
			DecayIntervalMs:          rep.DecayInterval.Milliseconds(),
			ConservativeBidThreshold: rep.ConservativeBidThreshold,
			ConservativeBidPenalty:   rep.ConservativeBidPenalty,
			VersionResetCooldownMs:   rep.VersionResetCooldown.Milliseconds(),
			FlagThreshold:            rep.FlagThreshold,
		},
		RateLimit:           ratelimit.DefaultConfig(),
		HeartbeatIntervalMs: 10000,
		HeartbeatTimeoutMs:  30000,
		MarketMaker: MarketMakerConfig{
			Enabled:    false,
			Confidence: 0.30,
			AgentID:    "market-maker",
		},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("exchange: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("exchange: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the exchange cannot run with.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("exchange: invalid port %d", c.Port)
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageFile:
		if c.Storage.Path == "" {
			return fmt.Errorf("exchange: file storage requires a path")
		}
	default:
		return fmt.Errorf("exchange: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Auction.MinWindowMs > 0 && c.Auction.MaxWindowMs > 0 &&
		c.Auction.MinWindowMs > c.Auction.MaxWindowMs {
		return fmt.Errorf("exchange: auction minWindowMs %d exceeds maxWindowMs %d",
			c.Auction.MinWindowMs, c.Auction.MaxWindowMs)
	}
	if c.Auction.MaxAuctionAttempts < 0 {
		return fmt.Errorf("exchange: negative maxAuctionAttempts")
	}
	if c.HeartbeatTimeoutMs > 0 && c.HeartbeatIntervalMs > 0 &&
		c.HeartbeatTimeoutMs <= c.HeartbeatIntervalMs {
		return fmt.Errorf("exchange: heartbeatTimeoutMs %d must exceed heartbeatIntervalMs %d",
			c.HeartbeatTimeoutMs, c.HeartbeatIntervalMs)
	}
	if c.MarketMaker.Enabled {
		if c.MarketMaker.AgentID == "" {
			return fmt.Errorf("exchange: market maker requires an agentId")
		}
		q := types.QuantizeConfidence(c.MarketMaker.Confidence)
		if q < types.MinConfidence {
			return fmt.Errorf("exchange: market maker confidence %.2f below minimum tick",
				c.MarketMaker.Confidence)
		}
	}
	seen := make(map[string]bool, len(c.RemoteAgents))
	for i, ra := range c.RemoteAgents {
		if ra.AgentID == "" {
			return fmt.Errorf("exchange: remoteAgents[%d] requires an agentId", i)
		}
		if ra.BaseURL == "" {
			return fmt.Errorf("exchange: remote agent %q requires a baseUrl", ra.AgentID)
		}
		if seen[ra.AgentID] {
			return fmt.Errorf("exchange: duplicate remote agent id %q", ra.AgentID)
		}
		seen[ra.AgentID] = true
	}
	return nil
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

func (c *Config) auctionConfig() auction.Config {
	cfg := auction.Config{
		Window:              ms(c.Auction.DefaultWindowMs),
		MinWindow:           ms(c.Auction.MinWindowMs),
		MaxWindow:           ms(c.Auction.MaxWindowMs),
		InstantWinEnabled:   c.Auction.InstantWinEnabled,
		InstantWinThreshold: c.Auction.InstantWinThreshold,
		DominanceMargin:     c.Auction.DominanceMargin,
		GraceInterval:       ms(c.Auction.GraceIntervalMs),
		MaxAuctionAttempts:  c.Auction.MaxAuctionAttempts,
		RequeueBackoff:      ms(c.Auction.RequeueBackoffMs),
	}
	if c.MarketMaker.Enabled {
		cfg.MarketMakerID = c.MarketMaker.AgentID
	}
	return cfg
}

func (c *Config) dispatchConfig() dispatch.Config {
	return dispatch.Config{
		ExecutionTimeout:   ms(c.Auction.ExecutionTimeoutMs),
		MaxAuctionAttempts: c.Auction.MaxAuctionAttempts,
	}
}

func (c *Config) reputationConfig() reputation.Config {
	return reputation.Config{
		InitialScore:             c.Reputation.InitialScore,
		NeutralScore:             c.Reputation.NeutralScore,
		MinScore:                 c.Reputation.MinScore,
		MaxScore:                 c.Reputation.MaxScore,
		SuccessIncrement:         c.Reputation.SuccessIncrement,
		FailureDecrement:         c.Reputation.FailureDecrement,
		TimeoutDecrement:         c.Reputation.TimeoutDecrement,
		DecayRate:                c.Reputation.DecayRate,
		DecayInterval:            ms(c.Reputation.DecayIntervalMs),
		ConservativeBidThreshold: c.Reputation.ConservativeBidThreshold,
		ConservativeBidPenalty:   c.Reputation.ConservativeBidPenalty,
		VersionResetCooldown:     ms(c.Reputation.VersionResetCooldownMs),
		FlagThreshold:            c.Reputation.FlagThreshold,
	}
}

func (c *Config) heartbeatInterval() time.Duration { return ms(c.HeartbeatIntervalMs) }
func (c *Config) heartbeatTimeout() time.Duration  { return ms(c.HeartbeatTimeoutMs) }

// categoryNames flattens configured category names for bid context.
func (c *Config) categoryNames() []string {
	if len(c.Categories) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.Categories))
	for _, cat := range c.Categories {
		out = append(out, cat.Name)
	}
	return out
}
