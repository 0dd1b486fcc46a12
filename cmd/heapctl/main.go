// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides heapctl, a command-line tool for exploring a region
// heap and its background uncommit controller.
//
// # Features
//
//   - Interactive REPL: allocate and release regions, change the soft max heap
//     size, request explicit GC, inspect stats and the region map
//   - HTTP server exposing Prometheus metrics and the region map
//   - TOML configuration file, flags for the common knobs
//
// # Usage
//
// Start the REPL:
//
//	go run ./cmd/heapctl repl --config rheap.toml
//
// Serve metrics:
//
//	go run ./cmd/heapctl serve --addr :9090
//
// # Dangers and Warnings
//
//   - **Memory Usage**: with the mmap backing the full max capacity is
//     reserved up front; committed memory is what the OS actually backs.
//   - **Short Delays**: very small uncommit delays make the controller wake up
//     often and thrash regions that mutators reuse quickly.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kianostad/rheap"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	backing    string
	delay      time.Duration
	logLevel   string
}

func main() {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "heapctl",
		Short: "Explore a region heap with background uncommit",
		Long: `heapctl drives a region heap and its uncommit controller.

Commands:
  repl      Interactive session over a heap
  serve     Serve Prometheus metrics and the region map over HTTP`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&flags.backing, "backing", "", "backing memory: mmap or memory")
	rootCmd.PersistentFlags().DurationVar(&flags.delay, "uncommit-delay", 0, "override the uncommit delay")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the log level")

	rootCmd.AddCommand(replCmd(flags))
	rootCmd.AddCommand(serveCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration file, if any, and applies flag overrides.
func (f *globalFlags) loadConfig() (rheap.Config, error) {
	cfg := rheap.DefaultConfig()
	if f.configPath != "" {
		var err error
		if cfg, err = rheap.LoadConfig(f.configPath); err != nil {
			return rheap.Config{}, err
		}
	}
	if f.backing != "" {
		cfg.Heap.Backing = f.backing
	}
	if f.delay > 0 {
		cfg.Uncommit.DelayMs = f.delay.Milliseconds()
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	return cfg, cfg.Validate()
}

// openHeap builds a heap from the flags.
func (f *globalFlags) openHeap() (rheap.Heap, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, err
	}
	return rheap.New(cfg)
}
