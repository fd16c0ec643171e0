// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbeema/tapline/pkg/agent"
	"github.com/mbeema/tapline/pkg/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var shutdownTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Reconstruct traffic from the configured capture source",
	Long: `
Run the agent until interrupted. SIGHUP reloads the configuration; with
--config-dir the directory is also watched for changes.

Examples:
  tapline run                               # default config locations, ringbuf source
  tapline run -c tapline.yaml               # explicit config file
  tapline run --config-dir /etc/tapline.d   # merged config directory with auto-reload
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		defer logger.Sync()

		return run(cfg, logger)
	},
}

func init() {
	runCmd.Flags().DurationVarP(&shutdownTimeout, "timeout", "t", 30*time.Second, "graceful shutdown timeout")
	rootCmd.AddCommand(runCmd)
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting tapline",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	a, err := agent.New(cfg, logger, agent.WithVersion(version))
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	var watcher *config.Watcher
	if configDir != "" {
		watcher = config.NewWatcher(configDir, func(newCfg *config.Config, changedFile string) {
			if err := a.Reload(newCfg); err != nil {
				logger.Error("failed to apply reloaded config",
					zap.String("file", changedFile),
					zap.Error(err),
				)
			}
		}, logger)
		if err := watcher.Start(ctx); err != nil {
			a.Stop()
			return fmt.Errorf("start config watcher: %w", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			return shutdown(a, watcher, cancel, logger)

		case <-a.Done():
			logger.Info("capture source finished")
			if err := shutdown(a, watcher, cancel, logger); err != nil {
				return err
			}
			return a.Err()

		case <-hupCh:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := loadConfig()
			if err != nil {
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			if err := a.Reload(newCfg); err != nil {
				logger.Error("failed to apply new config", zap.Error(err))
			}
		}
	}
}

func shutdown(a *agent.Agent, watcher *config.Watcher, cancel context.CancelFunc, logger *zap.Logger) error {
	if watcher != nil {
		watcher.Stop()
	}
	cancel()

	done := make(chan error, 1)
	go func() { done <- a.Stop() }()

	select {
	case err := <-done:
		logger.Info("tapline stopped")
		return err
	case <-time.After(shutdownTimeout):
		return fmt.Errorf("shutdown timed out after %s", shutdownTimeout)
	}
}
