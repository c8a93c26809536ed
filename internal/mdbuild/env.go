package mdbuild

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BuildEnv is the process-wide compiler/linker state established once by the
// toolchain provisioner. Stages read it, they never mutate it; stage-local
// additions go through Environ(extra...).
type BuildEnv struct {
	Triple  string
	BinDir  string // toolchain bin directory, prepended to PATH
	Sysroot string
	Prefix  string // shared static install prefix

	CC     string
	CXX    string
	AR     string
	Ranlib string
	Strip  string

	CFlags  string
	LDFlags string
}

// NewBuildEnv derives the immutable environment from a provisioned toolchain.
func NewBuildEnv(cfg *Config) *BuildEnv {
	binDir := filepath.Join(cfg.ToolchainDir, crossDirName(cfg.Target), "bin")
	sysroot := filepath.Join(cfg.ToolchainDir, crossDirName(cfg.Target), cfg.Target)

	cflags := sanitizeFlags(os.Getenv("CFLAGS"))
	if cflags == "" {
		cflags = "-Os -pipe"
	}
	cflags += " -I" + filepath.Join(cfg.PrefixDir, "include")

	return &BuildEnv{
		Triple:  cfg.Target,
		BinDir:  binDir,
		Sysroot: sysroot,
		Prefix:  cfg.PrefixDir,
		CC:      filepath.Join(binDir, cfg.Target+"-gcc"),
		CXX:     filepath.Join(binDir, cfg.Target+"-g++"),
		AR:      filepath.Join(binDir, cfg.Target+"-ar"),
		Ranlib:  filepath.Join(binDir, cfg.Target+"-ranlib"),
		Strip:   filepath.Join(binDir, cfg.Target+"-strip"),
		CFlags:  cflags,
		LDFlags: "-static -L" + filepath.Join(cfg.PrefixDir, "lib"),
	}
}

// Environ renders the full child environment. Stage-specific overrides are
// appended last so they win without touching the base.
func (e *BuildEnv) Environ(extra ...string) []string {
	env := os.Environ()
	env = append(env,
		"PATH="+e.BinDir+string(os.PathListSeparator)+os.Getenv("PATH"),
		"CC="+e.CC,
		"CXX="+e.CXX,
		"AR="+e.AR,
		"RANLIB="+e.Ranlib,
		"STRIP="+e.Strip,
		"CFLAGS="+e.CFlags,
		"CXXFLAGS="+e.CFlags,
		"LDFLAGS="+e.LDFlags,
		// Pin pkg-config into the prefix so configure scripts cannot pick
		// up host libraries.
		"PKG_CONFIG_LIBDIR="+filepath.Join(e.Prefix, "lib", "pkgconfig"),
		"PKG_CONFIG_SYSROOT_DIR=",
	)
	return append(env, extra...)
}

// sanitizeFlags removes host-specific tuning flags that would poison a
// cross-compile.
func sanitizeFlags(flags string) string {
	if flags == "" {
		return flags
	}
	var kept []string
	for _, f := range strings.Fields(flags) {
		if f == "-march=native" || f == "-mtune=native" {
			continue
		}
		if strings.HasPrefix(f, "-march=x86-64") || strings.HasPrefix(f, "-march=x86_64") {
			continue
		}
		kept = append(kept, f)
	}
	return strings.TrimSpace(strings.Join(kept, " "))
}

// crossDirName is the top-level directory a musl.cc toolchain tarball
// unpacks to, e.g. arm-linux-musleabihf-cross.
func crossDirName(triple string) string {
	return fmt.Sprintf("%s-cross", triple)
}
