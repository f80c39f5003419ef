// Command taskex runs the task auction exchange broker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskex/taskex/exchange"
	"github.com/taskex/taskex/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath  string
		port        int
		opsPort     int
		logLevel    string
		logFormat   string
		storagePath string
		marketMaker bool
		drainSecs   int
	)

	cmd := &cobra.Command{
		Use:   "taskex",
		Short: "Task auction exchange broker",
		Long: "taskex runs the broker: it accepts tasks, auctions them among " +
			"connected worker agents, dispatches to the winning bidder with " +
			"backup cascading, and maintains durable agent reputation.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := exchange.DefaultConfig()
			if configPath != "" {
				loaded, err := exchange.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("ops-port") {
				cfg.OpsPort = opsPort
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if storagePath != "" {
				cfg.Storage.Backend = exchange.StorageFile
				cfg.Storage.Path = storagePath
			}
			if cmd.Flags().Changed("market-maker") {
				cfg.MarketMaker.Enabled = marketMaker
			}

			logger := log.NewWriter(os.Stderr, log.ParseLevel(cfg.LogLevel), logFormat)
			log.SetDefault(logger)

			ex, err := exchange.New(cfg, nil, logger)
			if err != nil {
				return err
			}
			if err := ex.Start(); err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info("signal received, draining", "signal", sig.String())

			ctx, cancel := context.WithTimeout(context.Background(),
				time.Duration(drainSecs)*time.Second)
			defer cancel()
			return ex.Shutdown(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().IntVar(&port, "port", 7465, "websocket transport bind port")
	cmd.Flags().IntVar(&opsPort, "ops-port", 7466, "read-only ops HTTP port (-1 disables)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "json", "log format (json, text)")
	cmd.Flags().StringVar(&storagePath, "storage-path", "", "directory for file-backed storage (default memory)")
	cmd.Flags().BoolVar(&marketMaker, "market-maker", false, "enable the in-process market maker")
	cmd.Flags().IntVar(&drainSecs, "drain-timeout", 30, "seconds to wait for in-flight work on shutdown")
	return cmd
}
