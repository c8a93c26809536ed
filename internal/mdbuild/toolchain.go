package mdbuild

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ProvisionToolchain makes sure the pinned cross toolchain exists and is
// usable before any stage runs. An absent toolchain is fetched through the
// cache, verified and unpacked; an incomplete one is a hard failure. Nothing
// downstream can succeed without it, so there is no retry.
func ProvisionToolchain(ctx context.Context, cfg *Config) (*BuildEnv, error) {
	crossRoot := filepath.Join(cfg.ToolchainDir, crossDirName(cfg.Target))

	if _, err := os.Stat(crossRoot); os.IsNotExist(err) {
		stepf("Provisioning cross toolchain for %s\n", cfg.Target)

		cachePath, err := EnsureCached(filepath.Base(cfg.ToolchainURL), func(dest string) error {
			return FetchURL(ctx, cfg.ToolchainURL, dest)
		})
		if err != nil {
			return nil, fmt.Errorf("toolchain fetch failed: %w", err)
		}
		if err := Verify(cachePath, cfg.ToolchainB3, PolicyRaw); err != nil {
			return nil, fmt.Errorf("toolchain archive rejected: %w", err)
		}
		if err := extractArchive(cachePath, crossRoot); err != nil {
			return nil, fmt.Errorf("toolchain unpack failed: %w", err)
		}
	}

	env := NewBuildEnv(cfg)
	if err := checkToolchain(env); err != nil {
		return nil, err
	}

	if err := maybeReexec(env); err != nil {
		return nil, err
	}
	return env, nil
}

// checkToolchain validates completeness: every required executable plus the
// static C runtime must be present. A toolchain that unpacked but lacks any
// of them is broken, not retriable.
func checkToolchain(env *BuildEnv) error {
	required := []string{env.CC, env.CXX, env.AR, env.Ranlib, env.Strip}
	for _, tool := range required {
		info, err := os.Stat(tool)
		if err != nil {
			return fmt.Errorf("toolchain incomplete: missing %s", tool)
		}
		if info.Mode()&0o111 == 0 {
			return fmt.Errorf("toolchain incomplete: %s is not executable", tool)
		}
	}

	staticLibc := filepath.Join(env.Sysroot, "lib", "libc.a")
	if _, err := os.Stat(staticLibc); err != nil {
		return fmt.Errorf("toolchain incomplete: no static libc at %s", staticLibc)
	}
	return nil
}

// maybeReexec restarts the whole pipeline with the toolchain bin directory
// on PATH, exactly once. The environment marker guards against recursion;
// a child that sees it just keeps running.
func maybeReexec(env *BuildEnv) error {
	if os.Getenv(reexecEnvMarker) == "1" {
		return nil
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot locate own executable for re-exec: %w", err)
	}

	childEnv := append(os.Environ(),
		reexecEnvMarker+"=1",
		"PATH="+env.BinDir+string(os.PathListSeparator)+os.Getenv("PATH"),
	)
	debugf("Re-executing under toolchain PATH: %s\n", env.BinDir)
	if err := unix.Exec(self, os.Args, childEnv); err != nil {
		return fmt.Errorf("re-exec failed: %w", err)
	}
	return nil // unreachable; Exec does not return on success
}
