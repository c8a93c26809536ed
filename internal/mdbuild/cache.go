package mdbuild

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// The cache store holds one physical copy of every fetched archive, keyed by
// logical filename, with an adjacent <name>.b3 signature file. Entries are
// write-once: replacing one means deleting it first, on purpose.

// EnsureCached returns the cache path for name, invoking fetch only when the
// entry does not exist yet. fetch receives a temporary path inside the cache
// directory; EnsureCached renames it into place on success and removes it on
// any failure, so a partially written file is never visible under the final
// name.
func EnsureCached(name string, fetch func(dest string) error) (string, error) {
	if err := os.MkdirAll(CacheStore, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory %s: %w", CacheStore, err)
	}
	cachePath := filepath.Join(CacheStore, name)

	if _, err := os.Stat(cachePath); err == nil {
		debugf("Already in cache: %s\n", cachePath)
		return cachePath, nil
	}

	// Lock per entry so a second run against the same cache directory waits
	// instead of clobbering a half-finished download.
	lockPath := cachePath + ".lock"
	lFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create lock file: %w", err)
	}
	defer lFile.Close()
	if err := unix.Flock(int(lFile.Fd()), unix.LOCK_EX); err != nil {
		return "", fmt.Errorf("failed to acquire lock for %s: %w", name, err)
	}
	defer unix.Flock(int(lFile.Fd()), unix.LOCK_UN)

	// Double check: the entry may have appeared while we waited on the lock.
	if _, err := os.Stat(cachePath); err == nil {
		debugf("File %s appeared after acquiring lock, skipping fetch.\n", cachePath)
		_ = os.Remove(lockPath)
		return cachePath, nil
	}

	tmpPath := fmt.Sprintf("%s.part.%d", cachePath, os.Getpid())
	registerTemp(tmpPath)
	defer func() {
		_ = os.Remove(tmpPath)
		unregisterTemp(tmpPath)
	}()

	if err := fetch(tmpPath); err != nil {
		return "", err
	}

	if err := os.Rename(tmpPath, cachePath); err != nil {
		return "", fmt.Errorf("failed to move %s into cache: %w", name, err)
	}
	_ = os.Remove(lockPath)
	return cachePath, nil
}

// LinkIntoWorkdir points linkPath at cachePath so every stage and every run
// shares one physical copy. The symlink is created under a temporary name
// and renamed, which atomically replaces a stale link.
func LinkIntoWorkdir(cachePath, linkPath string) error {
	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		return fmt.Errorf("failed to create link directory: %w", err)
	}
	tmpLinkPath := fmt.Sprintf("%s.tmp.%d", linkPath, time.Now().UnixNano())
	if err := os.Symlink(cachePath, tmpLinkPath); err != nil {
		return fmt.Errorf("failed to create temp symlink: %w", err)
	}
	if err := os.Rename(tmpLinkPath, linkPath); err != nil {
		os.Remove(tmpLinkPath)
		return fmt.Errorf("failed to symlink %s -> %s: %w", linkPath, cachePath, err)
	}
	debugf("Linked %s -> %s\n", linkPath, cachePath)
	return nil
}

// WriteSignature records the digest for a cache entry. A signature, once
// written, is never silently replaced; regenerating one requires deleting
// the old file explicitly.
func WriteSignature(cachePath, digest string) error {
	sigPath := cachePath + sigSuffix
	if _, err := os.Stat(sigPath); err == nil {
		return fmt.Errorf("signature %s already exists; delete it to regenerate", sigPath)
	}
	line := fmt.Sprintf("%s  %s\n", digest, filepath.Base(cachePath))
	if err := os.WriteFile(sigPath, []byte(line), 0o644); err != nil {
		return fmt.Errorf("failed to write signature %s: %w", sigPath, err)
	}
	return nil
}
