package mdbuild

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RunPipeline drives the whole build: provision the toolchain, run every
// stage in its fixed order, then prove the terminal binary static. The first
// failing step halts everything; a later stage cannot be trusted without its
// predecessor's verified output.
func RunPipeline(ctx context.Context, cfg *Config) error {
	start := time.Now()
	debugf("minidlna-arm-static %s (built %s)\n", version, buildDate)

	env, err := ProvisionToolchain(ctx, cfg)
	if err != nil {
		return err
	}

	// The shared prefix is append-only across stages; lib/ and include/
	// must exist before the first configure probes them.
	for _, sub := range []string{"bin", "sbin", "lib", "include"} {
		if err := os.MkdirAll(filepath.Join(PrefixDir, sub), 0o755); err != nil {
			return fmt.Errorf("failed to create prefix layout: %w", err)
		}
	}

	stages := Stages()
	for i, st := range stages {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pipeline aborted: %w", err)
		}
		debugf("[%d/%d] %s\n", i+1, len(stages), st.Name)
		if err := RunStage(ctx, st, env); err != nil {
			return err
		}
	}

	if err := Finalize(ctx, env, FinalBinaries()); err != nil {
		return err
	}

	stepf("Pipeline finished in %s\n", time.Since(start).Round(time.Second))
	return nil
}
