// Package main provides the snoopsim command line interface.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/snoopsim/system"
)

var (
	configPath string
	verbose    bool
	strict     bool
)

var rootCmd = &cobra.Command{
	Use:   "snoopsim",
	Short: "Simulate a snoop-based coherent memory hierarchy.",
	Long: "snoopsim runs a discrete-event simulation of set-associative " +
		"caches\nkeeping coherence over a shared snoop bus, with random " +
		"CPU traffic\ndriving them.",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulation and print per-cache statistics.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := system.DefaultConfig()
		if configPath != "" {
			loaded, err := system.LoadConfig(configPath)
			if err != nil {
				log.Fatalf("Error loading config: %v", err)
			}
			cfg = loaded
		}

		s, err := system.Build(cfg)
		if err != nil {
			log.Fatalf("Error building system: %v", err)
		}

		if verbose {
			s.SetLogger(log.New(os.Stderr, "", 0))
		}
		s.SetStrict(strict)

		atexit.Register(func() {
			s.ReportStats(os.Stdout)
		})

		if err := s.Run(); err != nil {
			log.Fatalf("Simulation failed: %v", err)
		}

		fmt.Printf("Simulated %.3f us\n",
			float64(s.Engine.CurrentTime())*1e6)
		atexit.Exit(0)
	},
}

func main() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "",
		"path to a JSON system configuration")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false,
		"log every event the caches handle")
	runCmd.Flags().BoolVar(&strict, "strict", false,
		"validate cache invariants after every event")

	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
