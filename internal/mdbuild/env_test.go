package mdbuild

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFlags(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"-O2 -pipe", "-O2 -pipe"},
		{"-O2 -march=native -pipe", "-O2 -pipe"},
		{"-mtune=native", ""},
		{"-march=x86-64-v3 -O3", "-O3"},
		{"-march=armv7-a", "-march=armv7-a"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, sanitizeFlags(tc.in), "input %q", tc.in)
	}
}

func TestNewBuildEnvLayout(t *testing.T) {
	t.Setenv("CFLAGS", "-O2 -march=native")

	cfg := &Config{
		Target:       "arm-linux-musleabihf",
		ToolchainDir: "/opt/toolchains",
		PrefixDir:    "/opt/prefix",
	}
	env := NewBuildEnv(cfg)

	cross := filepath.Join("/opt/toolchains", "arm-linux-musleabihf-cross")
	assert.Equal(t, filepath.Join(cross, "bin"), env.BinDir)
	assert.Equal(t, filepath.Join(cross, "arm-linux-musleabihf"), env.Sysroot)
	assert.Equal(t, filepath.Join(cross, "bin", "arm-linux-musleabihf-gcc"), env.CC)
	assert.Equal(t, filepath.Join(cross, "bin", "arm-linux-musleabihf-strip"), env.Strip)

	// Host tuning stripped, prefix include appended.
	assert.NotContains(t, env.CFlags, "native")
	assert.Contains(t, env.CFlags, "-O2")
	assert.Contains(t, env.CFlags, "-I"+filepath.Join("/opt/prefix", "include"))

	assert.Contains(t, env.LDFlags, "-static")
	assert.Contains(t, env.LDFlags, "-L"+filepath.Join("/opt/prefix", "lib"))
}

func TestNewBuildEnvDefaultCFlags(t *testing.T) {
	t.Setenv("CFLAGS", "")

	cfg := &Config{Target: "arm-linux-musleabihf", ToolchainDir: "/t", PrefixDir: "/p"}
	env := NewBuildEnv(cfg)
	assert.True(t, strings.HasPrefix(env.CFlags, "-Os -pipe"), "got %q", env.CFlags)
}

func TestEnvironOverridesAppendLast(t *testing.T) {
	env := &BuildEnv{
		Triple: "arm-linux-musleabihf",
		BinDir: "/t/bin",
		Prefix: "/p",
		CC:     "/t/bin/arm-linux-musleabihf-gcc",
	}

	rendered := env.Environ("CFLAGS=-O0")
	require.NotEmpty(t, rendered)

	// The extra entry must come after the base CFLAGS so it wins.
	baseIdx, extraIdx := -1, -1
	for i, kv := range rendered {
		if kv == "CFLAGS="+env.CFlags {
			baseIdx = i
		}
		if kv == "CFLAGS=-O0" {
			extraIdx = i
		}
	}
	require.NotEqual(t, -1, extraIdx)
	assert.Greater(t, extraIdx, baseIdx)

	var pinned bool
	for _, kv := range rendered {
		if kv == "PKG_CONFIG_LIBDIR="+filepath.Join("/p", "lib", "pkgconfig") {
			pinned = true
		}
	}
	assert.True(t, pinned, "pkg-config must be pinned into the prefix")
}
