package mdbuild

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupStageDirs points the package at throwaway cache and sources roots
// and seeds the cache with a demo archive so RunStage never fetches.
func setupStageDirs(t *testing.T, files map[string]string) *Stage {
	t.Helper()
	setupCache(t)

	oldSources, oldRoot := SourcesDir, RootDir
	SourcesDir = filepath.Join(t.TempDir(), "sources")
	RootDir = t.TempDir()
	t.Cleanup(func() { SourcesDir, RootDir = oldSources, oldRoot })
	require.NoError(t, os.MkdirAll(CacheStore, 0o755))
	require.NoError(t, os.MkdirAll(SourcesDir, 0o755))

	archive := filepath.Join(CacheStore, "demo-1.0.tar.gz")
	writeTarGz(t, archive, pgzip.DefaultCompression, files)
	digest, err := Digest(archive, PolicyRaw)
	require.NoError(t, err)

	return &Stage{
		Name:    "demo",
		Version: "1.0",
		URL:     "https://example.invalid/demo-1.0.tar.gz",
		Digest:  digest,
		Policy:  PolicyRaw,
		Kind:    BuildCustom,
	}
}

func TestRunStageBuildsAndWritesMarker(t *testing.T) {
	st := setupStageDirs(t, map[string]string{"demo-1.0/configure": "#!/bin/sh\n"})

	builds := 0
	st.BuildFn = func(ctx context.Context, st *Stage, env *BuildEnv, tree string) error {
		builds++
		assert.FileExists(t, filepath.Join(tree, "configure"))
		return nil
	}

	env := &BuildEnv{}
	require.NoError(t, RunStage(context.Background(), st, env))
	assert.Equal(t, 1, builds)
	assert.True(t, st.Done())

	data, err := os.ReadFile(st.marker())
	require.NoError(t, err)
	assert.Equal(t, "1.0\n", string(data))

	// The archive is also linked next to the working trees, and the cache
	// entry gains its audit sidecar.
	assert.FileExists(t, filepath.Join(SourcesDir, "_archives", "demo-1.0.tar.gz"))
	sig, err := os.ReadFile(filepath.Join(CacheStore, "demo-1.0.tar.gz"+".b3"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(sig), st.Digest+"  "))
}

func TestRunStageSkipsCompletedStage(t *testing.T) {
	st := setupStageDirs(t, map[string]string{"demo-1.0/configure": "#!/bin/sh\n"})

	builds := 0
	st.BuildFn = func(ctx context.Context, st *Stage, env *BuildEnv, tree string) error {
		builds++
		return nil
	}

	env := &BuildEnv{}
	require.NoError(t, RunStage(context.Background(), st, env))
	require.NoError(t, RunStage(context.Background(), st, env))
	assert.Equal(t, 1, builds, "completed stage must not rebuild")
}

func TestRunStageDigestMismatchIsFatal(t *testing.T) {
	st := setupStageDirs(t, map[string]string{"demo-1.0/configure": "#!/bin/sh\n"})
	st.Digest = "0000000000000000000000000000000000000000000000000000000000000000"
	st.BuildFn = func(ctx context.Context, st *Stage, env *BuildEnv, tree string) error {
		t.Fatal("build must not run on digest mismatch")
		return nil
	}

	err := RunStage(context.Background(), st, &BuildEnv{})
	require.ErrorIs(t, err, errDigestMismatch)
	assert.NoDirExists(t, st.workTree())
}

func TestRunStageForceRebuildResetsTree(t *testing.T) {
	st := setupStageDirs(t, map[string]string{"demo-1.0/configure": "#!/bin/sh\n"})

	builds := 0
	st.BuildFn = func(ctx context.Context, st *Stage, env *BuildEnv, tree string) error {
		builds++
		// Leave a scar so we can tell a fresh tree from a reused one.
		return os.WriteFile(filepath.Join(tree, "scar"), []byte("x"), 0o644)
	}

	env := &BuildEnv{}
	require.NoError(t, RunStage(context.Background(), st, env))
	require.NoError(t, os.WriteFile(filepath.Join(st.workTree(), "stale"), []byte("x"), 0o644))

	oldForce := ForceRebuild
	ForceRebuild = true
	t.Cleanup(func() { ForceRebuild = oldForce })

	require.NoError(t, RunStage(context.Background(), st, env))
	assert.Equal(t, 2, builds)
	assert.True(t, st.Done())
	assert.NoFileExists(t, filepath.Join(st.workTree(), "stale"))
}

func TestRunStageMissingTreeIsRebuiltFromCache(t *testing.T) {
	st := setupStageDirs(t, map[string]string{"demo-1.0/configure": "#!/bin/sh\n"})

	builds := 0
	st.BuildFn = func(ctx context.Context, st *Stage, env *BuildEnv, tree string) error {
		builds++
		return nil
	}

	env := &BuildEnv{}
	require.NoError(t, RunStage(context.Background(), st, env))

	// A deleted working tree takes the completion marker with it, so the
	// stage re-materializes from the cache and rebuilds.
	require.NoError(t, os.RemoveAll(st.workTree()))
	require.NoError(t, RunStage(context.Background(), st, env))
	assert.Equal(t, 2, builds)
	assert.True(t, st.Done())
}

func TestStageArchiveName(t *testing.T) {
	rel := &Stage{Name: "zlib", Version: "1.3.1", URL: "https://zlib.net/zlib-1.3.1.tar.gz"}
	assert.Equal(t, "zlib-1.3.1.tar.gz", rel.archiveName())

	git := &Stage{Name: "minidlna", Version: "1.3.3", GitURL: "https://git.example/minidlna.git", GitRef: "v1_3_3"}
	name := git.archiveName()
	assert.Regexp(t, `^minidlna-1\.3\.3-[0-9a-f]{12}\.tar\.gz$`, name)

	// Moving the ref must move the cache key.
	git2 := &Stage{Name: "minidlna", Version: "1.3.3", GitURL: "https://git.example/minidlna.git", GitRef: "master"}
	assert.NotEqual(t, name, git2.archiveName())
}

func TestStageCustomKindRequiresBuildFn(t *testing.T) {
	st := setupStageDirs(t, map[string]string{"demo-1.0/configure": "#!/bin/sh\n"})
	st.BuildFn = nil

	err := RunStage(context.Background(), st, &BuildEnv{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no build function")
	assert.False(t, st.Done())
}
