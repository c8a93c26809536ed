package mdbuild

import (
	"archive/tar"
	"compress/bzip2"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

// archiveKind enumerates the archive formats the extractor knows how to
// open. Dispatch happens once, up front; an unsupported extension is a hard
// error before anything touches the filesystem.
type archiveKind int

const (
	kindUnknown archiveKind = iota
	kindTar
	kindTarGz
	kindTarBz2
	kindTarXz
	kindTarLz
	kindTarZst
)

func detectArchiveKind(path string) archiveKind {
	switch {
	case strings.HasSuffix(path, ".tar.gz") || strings.HasSuffix(path, ".tgz"):
		return kindTarGz
	case strings.HasSuffix(path, ".tar.bz2"):
		return kindTarBz2
	case strings.HasSuffix(path, ".tar.xz"):
		return kindTarXz
	case strings.HasSuffix(path, ".tar.lz"):
		return kindTarLz
	case strings.HasSuffix(path, ".tar.zst"):
		return kindTarZst
	case strings.HasSuffix(path, ".tar"):
		return kindTar
	default:
		return kindUnknown
	}
}

// Materialize produces the working tree for one stage: extract archivePath
// into targetDir, then apply every patch directory in order. If targetDir
// already exists the whole step is skipped; idempotence is the completion
// marker's job, not a re-validation of the tree.
func Materialize(archivePath, targetDir string, patchDirs []string) error {
	if _, err := os.Stat(targetDir); err == nil {
		debugf("Working tree %s already exists, skipping extraction.\n", targetDir)
		return nil
	}

	if err := extractArchive(archivePath, targetDir); err != nil {
		return err
	}

	if err := applyPatches(targetDir, patchDirs); err != nil {
		// Never leave a half-patched tree behind; the next run must start
		// from extraction.
		if rmErr := os.RemoveAll(targetDir); rmErr != nil {
			colError.Printf("cleanup of %s failed: %v\n", targetDir, rmErr)
		}
		return err
	}
	return nil
}

// extractArchive unpacks archivePath into targetDir, going through a scratch
// directory so that "one top-level directory" and "loose files" archive
// layouts both end up with the source at targetDir's root.
func extractArchive(archivePath, targetDir string) error {
	kind := detectArchiveKind(archivePath)
	if kind == kindUnknown {
		return fmt.Errorf("unsupported archive format: %s", archivePath)
	}

	parent := filepath.Dir(targetDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", parent, err)
	}
	scratch, err := os.MkdirTemp(parent, ".extract-*")
	if err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}
	registerTemp(scratch)
	defer func() {
		_ = os.RemoveAll(scratch)
		unregisterTemp(scratch)
	}()

	// System tar first; it is faster and handles every format including
	// lzip. The pure-Go path below covers hosts without it.
	if _, lookErr := exec.LookPath("tar"); lookErr == nil {
		if err := exec.Command("tar", "xf", archivePath, "-C", scratch).Run(); err == nil {
			debugf("Extracted %s with system tar\n", archivePath)
			return normalizeTree(scratch, targetDir)
		}
		debugf("system tar failed on %s, falling back to internal extraction\n", archivePath)
	}
	if kind == kindTarLz {
		return fmt.Errorf("cannot extract %s: lzip archives need a system tar with lzip support", archivePath)
	}

	if err := extractTarGo(archivePath, kind, scratch); err != nil {
		return err
	}
	return normalizeTree(scratch, targetDir)
}

// normalizeTree moves the extracted content from scratch into targetDir,
// hoisting a single top-level directory when the archive has one.
func normalizeTree(scratch, targetDir string) error {
	entries, err := os.ReadDir(scratch)
	if err != nil {
		return fmt.Errorf("failed to read scratch dir: %w", err)
	}

	if len(entries) == 1 && entries[0].IsDir() {
		// Classic release tarball layout: pkg-1.2.3/...
		return os.Rename(filepath.Join(scratch, entries[0].Name()), targetDir)
	}

	// Loose entries: the scratch dir itself becomes the working tree.
	return os.Rename(scratch, targetDir)
}

// extractTarGo is the pure-Go extraction path.
func extractTarGo(archivePath string, kind archiveKind, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", archivePath, err)
	}
	defer f.Close()

	var r io.Reader = f
	switch kind {
	case kindTarGz:
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create gzip reader for %s: %w", archivePath, err)
		}
		defer gz.Close()
		r = gz
	case kindTarBz2:
		r = bzip2.NewReader(f)
	case kindTarXz:
		xzr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create xz reader for %s: %w", archivePath, err)
		}
		r = xzr
	case kindTarZst:
		zst, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create zstd reader for %s: %w", archivePath, err)
		}
		defer zst.Close()
		r = zst
	case kindTar:
		// no compression
	default:
		return fmt.Errorf("unsupported archive format: %s", archivePath)
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar header in %s: %w", archivePath, err)
		}

		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			if _, err := io.Copy(io.Discard, tr); err != nil {
				return fmt.Errorf("error skipping extended header data in %s: %w", archivePath, err)
			}
			continue
		}

		name := filepath.Clean(hdr.Name)
		if name == "." || name == "" {
			continue
		}
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("illegal file path in archive: %s", hdr.Name)
		}
		targetPath := filepath.Join(dest, name)

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("failed to create parent dir for %s: %w", targetPath, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", targetPath, err)
			}
		case tar.TypeReg:
			outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", targetPath, err)
			}
			if _, err := io.Copy(outFile, tr); err != nil {
				outFile.Close()
				return fmt.Errorf("failed to write file %s: %w", targetPath, err)
			}
			outFile.Close()
			if err := os.Chtimes(targetPath, hdr.AccessTime, hdr.ModTime); err != nil {
				debugf("failed to set times for %s: %v\n", targetPath, err)
			}
		case tar.TypeSymlink:
			_ = os.Remove(targetPath)
			if err := os.Symlink(hdr.Linkname, targetPath); err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", targetPath, hdr.Linkname, err)
			}
		case tar.TypeLink:
			if err := os.Link(filepath.Join(dest, filepath.Clean(hdr.Linkname)), targetPath); err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create hardlink %s: %w", targetPath, err)
			}
		default:
			debugf("Skipping unsupported tar entry type %c: %s\n", hdr.Typeflag, hdr.Name)
		}
	}
	return nil
}
