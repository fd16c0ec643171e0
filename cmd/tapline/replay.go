// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	replayFormat         string
	replayRequestFilter  string
	replayResponseFilter string
	replayMaxBody        int
)

var replayCmd = &cobra.Command{
	Use:   "replay FILE",
	Short: "Reconstruct traffic from a recorded capture file",
	Long: `
Replay a capture recording (written with capture.record_path) through the
reconstruction pipeline and print the resulting messages.

Examples:
  tapline replay events.bin
  tapline replay events.bin --format json
  tapline replay events.bin --request-filter 'Host:api,-Authorization:'
`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		cfg.Capture.Source = "replay"
		cfg.Capture.ReplayPath = args[0]
		cfg.Capture.RecordPath = ""
		cfg.Health.Enabled = false
		cfg.Exporters.Stdout.Enabled = true
		cfg.Exporters.Stdout.Format = replayFormat
		if cmd.Flags().Changed("request-filter") {
			cfg.Tracing.HTTP.RequestHeaderFilters = replayRequestFilter
		}
		if cmd.Flags().Changed("response-filter") {
			cfg.Tracing.HTTP.ResponseHeaderFilters = replayResponseFilter
		}
		if replayMaxBody > 0 {
			cfg.Tracing.HTTP.MaxBodySize = replayMaxBody
		}
		if err := cfg.Validate(); err != nil {
			return err
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
	replayCmd.Flags().StringVarP(&replayFormat, "format", "f", "text", "output format (text or json)")
	replayCmd.Flags().StringVar(&replayRequestFilter, "request-filter", "", "request header filter, e.g. 'Content-Type:json,-Authorization:'")
	replayCmd.Flags().StringVar(&replayResponseFilter, "response-filter", "", "response header filter")
	replayCmd.Flags().IntVar(&replayMaxBody, "max-body-size", 0, "maximum stored body bytes per message")
	rootCmd.AddCommand(replayCmd)
}
