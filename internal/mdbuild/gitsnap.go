package mdbuild

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/pgzip"
)

// SnapshotRepo clones a repository, pins it to ref (branch, tag or commit),
// resolves nested submodules, and repacks the tree into dest as a
// deterministic .tar.gz: sorted member order, root ownership, every mtime
// set to the commit's author time. Snapshotting the same ref twice yields a
// byte-identical archive no matter when the clone happened.
func SnapshotRepo(ctx context.Context, url, ref, dest string) error {
	workDir, err := os.MkdirTemp(filepath.Dir(dest), ".clone-*")
	if err != nil {
		return fmt.Errorf("failed to create clone scratch dir: %w", err)
	}
	registerTemp(workDir)
	defer func() {
		_ = os.RemoveAll(workDir)
		unregisterTemp(workDir)
	}()

	run := func(args ...string) error {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = workDir
		if Verbose || Debug {
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
		} else {
			cmd.Stdout = io.Discard
			cmd.Stderr = io.Discard
		}
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("git %s failed: %w", strings.Join(args, " "), err)
		}
		return nil
	}

	stepf("Cloning %s @ %s\n", url, ref)
	if err := run("clone", url, "."); err != nil {
		return err
	}
	if err := run("-c", "advice.detachedHead=false", "checkout", ref); err != nil {
		return err
	}
	if err := run("submodule", "update", "--init", "--recursive"); err != nil {
		return err
	}

	commitTime, err := gitCommitTime(ctx, workDir)
	if err != nil {
		return err
	}

	// Strip version-control metadata before archiving; the snapshot must be
	// a pure source tree.
	err = filepath.WalkDir(workDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return rmErr
			}
			return filepath.SkipDir
		}
		if !d.IsDir() && d.Name() == ".git" { // submodule gitlink files
			return os.Remove(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to strip git metadata: %w", err)
	}

	if err := deterministicArchive(workDir, commitTime, dest); err != nil {
		return err
	}

	// Pin the archive's own mtime as well so cache freshness comparisons are
	// reproducible across runs.
	if err := os.Chtimes(dest, commitTime, commitTime); err != nil {
		return fmt.Errorf("failed to pin archive mtime: %w", err)
	}
	return nil
}

func gitCommitTime(ctx context.Context, repoDir string) (time.Time, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "log", "-1", "--format=%ct")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		return time.Time{}, fmt.Errorf("failed to read commit timestamp: %w", err)
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(out.String()), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparsable commit timestamp %q: %v", out.String(), err)
	}
	return time.Unix(secs, 0).UTC(), nil
}

// deterministicArchive packs srcDir into a .tar.gz whose bytes depend only
// on the tree's content and stamp: members in sorted path order, uid/gid
// forced to root, all times set to stamp, gzip header cleared of name and
// mtime.
func deterministicArchive(srcDir string, stamp time.Time, dest string) error {
	tmpPath := fmt.Sprintf("%s.part.%d", dest, os.Getpid())
	registerTemp(tmpPath)
	defer unregisterTemp(tmpPath)

	outFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}

	cleanupFail := func(primary error) error {
		outFile.Close()
		_ = os.Remove(tmpPath)
		return primary
	}

	gz, err := pgzip.NewWriterLevel(outFile, pgzip.BestCompression)
	if err != nil {
		return cleanupFail(fmt.Errorf("failed to create gzip writer: %w", err))
	}
	tw := tar.NewWriter(gz)

	var paths []string
	err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == srcDir {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return cleanupFail(fmt.Errorf("failed to walk source tree: %w", err))
	}
	sort.Strings(paths)

	for _, path := range paths {
		info, err := os.Lstat(path)
		if err != nil {
			return cleanupFail(err)
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return cleanupFail(err)
		}

		var linkTarget string
		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err = os.Readlink(path)
			if err != nil {
				return cleanupFail(fmt.Errorf("readlink %s: %w", path, err))
			}
		}

		hdr, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			return cleanupFail(err)
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "root", "root"
		hdr.ModTime = stamp
		hdr.AccessTime = time.Time{}
		hdr.ChangeTime = time.Time{}
		hdr.Format = tar.FormatGNU

		if err := tw.WriteHeader(hdr); err != nil {
			return cleanupFail(err)
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return cleanupFail(err)
			}
			if _, err := io.Copy(tw, f); err != nil {
				f.Close()
				return cleanupFail(err)
			}
			f.Close()
		}
	}

	if err := tw.Close(); err != nil {
		return cleanupFail(fmt.Errorf("failed to finalize tar stream: %w", err))
	}
	if err := gz.Close(); err != nil {
		return cleanupFail(fmt.Errorf("failed to finalize gzip stream: %w", err))
	}
	if err := outFile.Close(); err != nil {
		return cleanupFail(fmt.Errorf("failed to close archive: %w", err))
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to move archive into place: %w", err)
	}
	return nil
}
