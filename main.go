package main

import (
	"fmt"
	"os"

	"github.com/solartracker/minidlna-arm-static/internal/mdbuild"
)

// Single entry point, no subcommands, no flags. Behavior is controlled by
// the compiled-in pins in internal/mdbuild/packages.go plus MDLNA_*
// environment overrides.
func main() {
	cfg, err := mdbuild.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := mdbuild.InitConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := mdbuild.SignalContext()
	defer cancel()

	err = mdbuild.RunPipeline(ctx, cfg)
	mdbuild.CleanupTemps()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
