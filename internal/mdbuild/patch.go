package mdbuild

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// applyPatches applies every *.patch file from patchDirs to targetDir, patch
// directories in argument order, files within a directory in lexical order.
// Each patch is dry-run validated first and only committed when the dry run
// is clean, so a failure cannot leave a file half-modified. Callers discard
// the whole tree when this returns an error.
func applyPatches(targetDir string, patchDirs []string) error {
	var patches []string
	for _, dir := range patchDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				debugf("Patch directory %s does not exist, skipping.\n", dir)
				continue
			}
			return fmt.Errorf("cannot read patch directory %s: %w", dir, err)
		}
		var names []string
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".patch") {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, n := range names {
			patches = append(patches, filepath.Join(dir, n))
		}
	}
	if len(patches) == 0 {
		return nil
	}

	if _, err := exec.LookPath("patch"); err != nil {
		return fmt.Errorf("patch tool not found but %d patches are pending", len(patches))
	}

	for _, p := range patches {
		stepf("Applying patch %s\n", filepath.Base(p))

		dryRun := exec.Command("patch", "-p1", "--dry-run", "--force", "-i", p)
		dryRun.Dir = targetDir
		if out, err := dryRun.CombinedOutput(); err != nil {
			return fmt.Errorf("patch %s failed dry run: %v\n%s", filepath.Base(p), err, strings.TrimSpace(string(out)))
		}

		apply := exec.Command("patch", "-p1", "--force", "-i", p)
		apply.Dir = targetDir
		if out, err := apply.CombinedOutput(); err != nil {
			return fmt.Errorf("patch %s failed to apply: %v\n%s", filepath.Base(p), err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}
