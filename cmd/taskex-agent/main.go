// Command taskex-agent runs a reference echo agent against a taskex broker.
// It bids a fixed confidence on every auction, raised when a configured
// keyword appears in the task content, and settles assignments by echoing
// the content back.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskex/taskex/agent"
	"github.com/taskex/taskex/log"
	"github.com/taskex/taskex/protocol"
	"github.com/taskex/taskex/types"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		brokerURL     string
		agentID       string
		agentVersion  string
		apiKey        string
		maxConcurrent int
		confidence    float64
		keywords      []string
		workMs        int
		logLevel      string
	)

	cmd := &cobra.Command{
		Use:          "taskex-agent",
		Short:        "Reference echo agent for the taskex exchange",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.NewWriter(os.Stderr, log.ParseLevel(logLevel), "json")

			a, err := agent.New(agent.Config{
				BrokerURL:    brokerURL,
				AgentID:      agentID,
				AgentVersion: agentVersion,
				APIKey:       apiKey,
				Capabilities: types.AgentCapabilities{
					MaxConcurrent:      maxConcurrent,
					SupportsQuickMatch: true,
				},
				OnBid:     bidder(confidence, keywords),
				OnExecute: executor(time.Duration(workMs) * time.Millisecond),
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			a.Start()
			logger.Info("agent running", "broker", brokerURL, "agent", agentID)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logger.Info("shutting down")
			return a.Close()
		},
	}

	cmd.Flags().StringVar(&brokerURL, "broker", "ws://localhost:7465/", "broker websocket URL")
	cmd.Flags().StringVar(&agentID, "id", "echo-agent", "agent id")
	cmd.Flags().StringVar(&agentVersion, "agent-version", "1.0.0", "agent version reported to the broker")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "registration API key")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 4, "maximum concurrent assignments")
	cmd.Flags().Float64Var(&confidence, "confidence", 0.6, "base bid confidence")
	cmd.Flags().StringSliceVar(&keywords, "keyword", nil, "keywords that raise the bid confidence")
	cmd.Flags().IntVar(&workMs, "work-ms", 50, "simulated work per assignment in milliseconds")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}

// bidder prices auctions: the base confidence, bumped one tier when the task
// content matches a keyword.
func bidder(base float64, keywords []string) agent.BidFunc {
	return func(req *protocol.BidRequest) *types.Bid {
		confidence := base
		content := strings.ToLower(req.Task.Content)
		for _, kw := range keywords {
			if strings.Contains(content, strings.ToLower(kw)) {
				confidence += 0.15
				break
			}
		}
		return &types.Bid{
			Confidence:  confidence,
			Reasoning:   "echo agent",
			EstimatedMs: 100,
			Tier:        types.TierKeyword,
		}
	}
}

// executor echoes the task content after the simulated work interval.
func executor(work time.Duration) agent.ExecuteFunc {
	return func(ctx context.Context, asg *protocol.TaskAssignment) *types.TaskResult {
		start := time.Now()
		select {
		case <-time.After(work):
		case <-ctx.Done():
			return nil
		}
		data, _ := json.Marshal(map[string]string{"echo": asg.Task.Content})
		return &types.TaskResult{
			Success:    true,
			Data:       data,
			DurationMs: time.Since(start).Milliseconds(),
		}
	}
}
