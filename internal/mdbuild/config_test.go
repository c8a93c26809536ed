package mdbuild

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir is a stand-in for testing.T.Chdir, which requires Go 1.24+.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Errorf("restoring working directory: %v", err)
		}
	})
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.RootDir)
	assert.Equal(t, filepath.Join(filepath.Dir(dir), "minidlna-build-cache"), cfg.CacheDir)
	assert.Equal(t, defaultTargetTriple, cfg.Target)
	assert.Equal(t, defaultToolchainURL, cfg.ToolchainURL)
	assert.Equal(t, runtime.NumCPU(), cfg.Jobs)
	assert.False(t, cfg.ForceRebuild)
	assert.Equal(t, filepath.Join(dir, "staging"), cfg.PrefixDir)
	assert.Equal(t, filepath.Join(dir, "toolchain"), cfg.ToolchainDir)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("MDLNA_CACHE_DIR", "/var/cache/mdlna")
	t.Setenv("MDLNA_TARGET", "armv7l-linux-musleabihf")
	t.Setenv("MDLNA_JOBS", "3")
	t.Setenv("MDLNA_FORCE", "true")
	t.Setenv("MDLNA_DEBUG", "1")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/var/cache/mdlna", cfg.CacheDir)
	assert.Equal(t, "armv7l-linux-musleabihf", cfg.Target)
	assert.Equal(t, 3, cfg.Jobs)
	assert.True(t, cfg.ForceRebuild)
	assert.True(t, cfg.Debug)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	yaml := "jobs: 2\nverbose: true\ntarget: aarch64-linux-musl\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "minidlna-build.yaml"), []byte(yaml), 0o644))

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Jobs)
	assert.True(t, cfg.Verbose)
	assert.Equal(t, "aarch64-linux-musl", cfg.Target)
}

func TestLoadConfigEnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "minidlna-build.yaml"), []byte("jobs: 2\n"), 0o644))
	t.Setenv("MDLNA_JOBS", "7")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Jobs)
}

func TestLoadConfigClampsJobs(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("MDLNA_JOBS", "0")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Jobs)
}

func TestInitConfigCreatesLayout(t *testing.T) {
	root := t.TempDir()
	cfg := &Config{
		RootDir:      root,
		CacheDir:     filepath.Join(root, "cache"),
		PrefixDir:    filepath.Join(root, "staging"),
		ToolchainDir: filepath.Join(root, "toolchain"),
		Jobs:         4,
	}

	oldRoot, oldCache, oldSrc := RootDir, CacheStore, SourcesDir
	oldPrefix, oldTc, oldLog, oldJobs := PrefixDir, ToolchainDir, LogDir, Jobs
	t.Cleanup(func() {
		RootDir, CacheStore, SourcesDir = oldRoot, oldCache, oldSrc
		PrefixDir, ToolchainDir, LogDir, Jobs = oldPrefix, oldTc, oldLog, oldJobs
	})

	require.NoError(t, InitConfig(cfg))
	assert.DirExists(t, CacheStore)
	assert.DirExists(t, filepath.Join(root, "src"))
	assert.DirExists(t, filepath.Join(root, "staging"))
	assert.DirExists(t, filepath.Join(root, "logs"))
	assert.Equal(t, 4, Jobs)
}
