package mdbuild

import (
	"bytes"
	"context"
	"debug/elf"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Finalize strips every produced binary and mechanically verifies that none
// of them carries a dynamic-library dependency record. A dynamic binary is a
// build-configuration defect: it is reported loudly and turned into a
// pipeline failure, but the stripped binary is left in place for inspection.
// Clean binaries get a hardlinked "<name>-static" alias.
func Finalize(ctx context.Context, env *BuildEnv, binaries []string) error {
	var dynamic []string

	for _, bin := range binaries {
		if _, err := os.Stat(bin); err != nil {
			return fmt.Errorf("expected binary %s does not exist: %w", bin, err)
		}

		stripBinary(ctx, env, bin)

		needed, err := neededLibraries(ctx, bin)
		if err != nil {
			return fmt.Errorf("cannot inspect %s: %w", bin, err)
		}
		if len(needed) > 0 {
			// Loud on purpose. A dynamically linked binary on the target
			// device fails at load time with no useful message.
			for i := 0; i < 3; i++ {
				colError.Printf("WARNING: %s is NOT statically linked (needs: %s)\n",
					bin, strings.Join(needed, ", "))
			}
			dynamic = append(dynamic, bin)
			continue
		}

		alias := bin + "-static"
		_ = os.Remove(alias)
		if err := os.Link(bin, alias); err != nil {
			return fmt.Errorf("failed to create static alias for %s: %w", bin, err)
		}
		stepf("%s is statically linked\n", bin)
	}

	if len(dynamic) > 0 {
		return fmt.Errorf("%w: %s", errDynamicBinary, strings.Join(dynamic, ", "))
	}
	return nil
}

// stripBinary removes symbol and debug information. Strip failures are
// logged and ignored; a fat binary is still a working binary.
func stripBinary(ctx context.Context, env *BuildEnv, bin string) {
	strip := env.Strip
	if _, err := os.Stat(strip); err != nil {
		strip = "strip"
	}
	cmd := exec.Command(strip, bin)
	ex := &Executor{Context: ctx, Quiet: true}
	if err := ex.Run(cmd); err != nil {
		debugf("strip of %s failed (ignored): %v\n", bin, err)
	}
}

// neededLibraries returns the DT_NEEDED entries of an ELF binary. readelf is
// preferred when present; debug/elf covers hosts without binutils.
func neededLibraries(ctx context.Context, bin string) ([]string, error) {
	if _, err := exec.LookPath("readelf"); err == nil {
		if needed, err := neededViaReadelf(ctx, bin); err == nil {
			return needed, nil
		}
		debugf("readelf inspection of %s failed, falling back to debug/elf\n", bin)
	}
	return neededViaDebugELF(bin)
}

func neededViaReadelf(ctx context.Context, bin string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "readelf", "-d", bin)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("readelf -d failed: %w", err)
	}

	var needed []string
	for _, line := range strings.Split(out.String(), "\n") {
		if !strings.Contains(line, "(NEEDED)") {
			continue
		}
		// (NEEDED)  Shared library: [libc.so.6]
		open := strings.IndexByte(line, '[')
		end := strings.IndexByte(line, ']')
		if open != -1 && end > open {
			needed = append(needed, line[open+1:end])
		}
	}
	return needed, nil
}

func neededViaDebugELF(bin string) ([]string, error) {
	f, err := elf.Open(bin)
	if err != nil {
		return nil, fmt.Errorf("not a readable ELF file: %w", err)
	}
	defer f.Close()

	// A fully static binary has no dynamic section; ImportedLibraries
	// reports that as an empty list, not an error.
	needed, err := f.ImportedLibraries()
	if err != nil {
		return nil, err
	}

	// A PT_INTERP segment means the kernel will invoke a dynamic loader even
	// when no DT_NEEDED entries survived.
	if len(needed) == 0 {
		for _, p := range f.Progs {
			if p.Type == elf.PT_INTERP {
				needed = append(needed, "dynamic loader (PT_INTERP segment)")
				break
			}
		}
	}
	return needed, nil
}
