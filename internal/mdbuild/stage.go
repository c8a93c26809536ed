package mdbuild

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// BuildKind selects how a stage's external builder is invoked.
type BuildKind int

const (
	BuildAutotools BuildKind = iota
	BuildCMake
	BuildCustom
)

// Stage describes one pipeline unit: a dependency library or the final
// target. Descriptors are immutable data; all per-run state lives on the
// filesystem (cache entry, working tree, completion marker).
type Stage struct {
	Name    string
	Version string

	// Exactly one of URL or GitURL is set. URL names a release archive;
	// GitURL plus GitRef names a repository snapshot repacked
	// deterministically (see gitsnap.go).
	URL    string
	GitURL string
	GitRef string

	Digest string // pinned BLAKE3 digest of the fetched archive
	Policy HashPolicy

	Subdir    string   // working tree name under SourcesDir; defaults to Name
	PatchDirs []string // relative to RootDir, applied in order

	Kind          BuildKind
	ConfigureArgs []string // autotools feature toggles beyond the standard set
	CMakeArgs     []string
	MakeTargets   []string // defaults to ["install"] after the bare build
	ExtraEnv      []string

	// Custom build hook for stages that fit neither autotools nor cmake.
	BuildFn func(ctx context.Context, st *Stage, env *BuildEnv, tree string) error
}

func (s *Stage) workTree() string {
	sub := s.Subdir
	if sub == "" {
		sub = s.Name
	}
	return filepath.Join(SourcesDir, sub)
}

func (s *Stage) marker() string {
	return filepath.Join(s.workTree(), markerName)
}

// archiveName is the stage's logical cache key. Git snapshots get a
// ref-derived component so that moving the pin busts the cache entry.
func (s *Stage) archiveName() string {
	if s.GitURL != "" {
		return fmt.Sprintf("%s-%s-%s.tar.gz", s.Name, s.Version, hashString(s.GitURL+s.GitRef)[:12])
	}
	return filepath.Base(s.URL)
}

// Done reports whether the stage's install step has already succeeded. The
// completion marker is the sole authority: a populated working tree without
// it still forces a full configure+build+install re-run.
func (s *Stage) Done() bool {
	_, err := os.Stat(s.marker())
	return err == nil
}

// RunStage drives one stage through fetch, verify, materialize, configure,
// build and install. It is idempotent through the completion marker and
// never resumes mid-step.
func RunStage(ctx context.Context, st *Stage, env *BuildEnv) error {
	if ForceRebuild {
		if err := resetStage(ctx, st, env); err != nil {
			return err
		}
	}
	if st.Done() {
		stepf("Stage %s already installed, skipping\n", st.Name)
		return nil
	}

	stepf("Stage %s %s\n", st.Name, st.Version)

	// Fetch into the shared cache.
	cachePath, err := EnsureCached(st.archiveName(), func(dest string) error {
		if st.GitURL != "" {
			return SnapshotRepo(ctx, st.GitURL, st.GitRef, dest)
		}
		return FetchURL(ctx, st.URL, dest)
	})
	if err != nil {
		return fmt.Errorf("stage %s: %w", st.Name, err)
	}

	// Verify before anything else touches the archive.
	if err := Verify(cachePath, st.Digest, st.Policy); err != nil {
		return fmt.Errorf("stage %s: %w", st.Name, err)
	}
	recordSignature(cachePath)

	tree := st.workTree()
	if err := LinkIntoWorkdir(cachePath, filepath.Join(SourcesDir, "_archives", st.archiveName())); err != nil {
		return fmt.Errorf("stage %s: %w", st.Name, err)
	}

	patchDirs := make([]string, 0, len(st.PatchDirs))
	for _, d := range st.PatchDirs {
		patchDirs = append(patchDirs, filepath.Join(RootDir, d))
	}
	if err := Materialize(cachePath, tree, patchDirs); err != nil {
		return fmt.Errorf("stage %s: %w", st.Name, err)
	}

	if err := buildStage(ctx, st, env, tree); err != nil {
		return fmt.Errorf("stage %s: %w", st.Name, err)
	}

	if err := os.WriteFile(st.marker(), []byte(st.Version+"\n"), 0o644); err != nil {
		return fmt.Errorf("stage %s: failed to write completion marker: %w", st.Name, err)
	}
	stepf("Stage %s installed\n", st.Name)
	return nil
}

// recordSignature drops a raw-digest sidecar next to a verified cache entry
// so the cache can be audited offline with b3sum. Best effort: the pinned
// digest in the stage descriptor stays the integrity authority.
func recordSignature(cachePath string) {
	if _, err := os.Stat(cachePath + sigSuffix); err == nil {
		return
	}
	raw, err := Digest(cachePath, PolicyRaw)
	if err == nil {
		err = WriteSignature(cachePath, raw)
	}
	if err != nil {
		debugf("could not record signature for %s: %v\n", cachePath, err)
	}
}

func buildStage(ctx context.Context, st *Stage, env *BuildEnv, tree string) error {
	switch st.Kind {
	case BuildAutotools:
		return buildAutotools(ctx, st, env, tree)
	case BuildCMake:
		return buildCMake(ctx, st, env, tree)
	case BuildCustom:
		if st.BuildFn == nil {
			return fmt.Errorf("custom stage has no build function")
		}
		return st.BuildFn(ctx, st, env, tree)
	default:
		return fmt.Errorf("unknown build kind %d", st.Kind)
	}
}

// resetStage reverses a prior install as far as the build system allows and
// removes the working tree, returning the stage to its pristine state. The
// uninstall is best effort: its failure is logged, never propagated, so it
// cannot mask the rebuild that follows.
func resetStage(ctx context.Context, st *Stage, env *BuildEnv) error {
	tree := st.workTree()
	if _, err := os.Stat(tree); os.IsNotExist(err) {
		return nil
	}

	if st.Kind == BuildAutotools && st.Done() {
		colWarn.Printf("Force rebuild: attempting make uninstall for %s\n", st.Name)
		cmd := exec.Command("make", "uninstall")
		cmd.Dir = tree
		cmd.Env = env.Environ(st.ExtraEnv...)
		ex := &Executor{Context: ctx, Quiet: true}
		if err := ex.Run(cmd); err != nil {
			debugf("make uninstall for %s failed (ignored): %v\n", st.Name, err)
		}
	}

	if err := os.RemoveAll(tree); err != nil {
		return fmt.Errorf("failed to remove working tree %s: %w", tree, err)
	}
	return nil
}
