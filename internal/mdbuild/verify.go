package mdbuild

import (
	"archive/tar"
	"compress/bzip2"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"lukechampine.com/blake3"
)

// HashPolicy selects what exactly gets digested.
type HashPolicy int

const (
	// PolicyRaw hashes the file bytes as stored. Right choice for release
	// tarballs that are expected to be byte-for-byte reproducible.
	PolicyRaw HashPolicy = iota
	// PolicyTarContent hashes the decompressed tar stream's logical content
	// (member names, types, link targets, sizes, data) and ignores
	// compression parameters, modes, owners and timestamps. Right choice
	// for archives we repack ourselves from repository snapshots.
	PolicyTarContent
	// PolicyDecompressed hashes every decompressed byte, headers included,
	// so it is sensitive to timestamps and permissions.
	PolicyDecompressed
)

func (p HashPolicy) String() string {
	switch p {
	case PolicyRaw:
		return "raw"
	case PolicyTarContent:
		return "tar-content"
	case PolicyDecompressed:
		return "decompressed"
	}
	return "unknown"
}

// Verify checks path against expected under the given policy. When expected
// is empty it falls back to the adjacent <path>.b3 signature file, taking
// only the first whitespace-delimited token, and fails closed if that file
// is absent or unreadable.
func Verify(path, expected string, policy HashPolicy) error {
	if expected == "" {
		var err error
		expected, err = readSignature(path + sigSuffix)
		if err != nil {
			return err
		}
	}

	got, err := Digest(path, policy)
	if err != nil {
		return err
	}
	if got != expected {
		return fmt.Errorf("%w for %s (%s policy): expected %s, got %s",
			errDigestMismatch, filepath.Base(path), policy, expected, got)
	}
	debugf("Verified %s (%s policy)\n", path, policy)
	return nil
}

// Digest computes the BLAKE3-256 digest of path under the given policy.
func Digest(path string, policy HashPolicy) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("cannot open %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := blake3.New(32, nil)

	switch policy {
	case PolicyRaw:
		if _, err := io.Copy(h, f); err != nil {
			return "", fmt.Errorf("failed to hash %s: %w", path, err)
		}

	case PolicyDecompressed:
		r, closeFn, err := decompressor(path, f)
		if err != nil {
			return "", err
		}
		defer closeFn()
		if _, err := io.Copy(h, r); err != nil {
			return "", fmt.Errorf("failed to hash decompressed %s: %w", path, err)
		}

	case PolicyTarContent:
		r, closeFn, err := decompressor(path, f)
		if err != nil {
			return "", err
		}
		defer closeFn()
		if err := hashTarContent(h, r); err != nil {
			return "", fmt.Errorf("failed to hash tar content of %s: %w", path, err)
		}

	default:
		return "", fmt.Errorf("unknown hash policy %d", policy)
	}

	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// hashTarContent feeds the logical content of a tar stream into h: for each
// member its name, type flag, link target, size and file data. Everything
// else a re-archiving run cannot reproduce (mtime, uid, mode ordering
// quirks) stays out of the digest.
func hashTarContent(h io.Writer, r io.Reader) error {
	tr := tar.NewReader(r)
	var sizeBuf [8]byte
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}
		io.WriteString(h, hdr.Name)
		h.Write([]byte{0, hdr.Typeflag})
		io.WriteString(h, hdr.Linkname)
		h.Write([]byte{0})
		binary.BigEndian.PutUint64(sizeBuf[:], uint64(hdr.Size))
		h.Write(sizeBuf[:])
		if hdr.Typeflag == tar.TypeReg {
			if _, err := io.Copy(h, tr); err != nil {
				return err
			}
		}
	}
}

// decompressor returns a reader over the decompressed bytes of path based on
// its extension, plus a cleanup func. Plain tar passes through unchanged.
func decompressor(path string, f *os.File) (io.Reader, func(), error) {
	noop := func() {}
	switch {
	case strings.HasSuffix(path, ".tar.gz") || strings.HasSuffix(path, ".tgz"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create gzip reader for %s: %w", path, err)
		}
		return gz, func() { gz.Close() }, nil
	case strings.HasSuffix(path, ".tar.bz2"):
		return bzip2.NewReader(f), noop, nil
	case strings.HasSuffix(path, ".tar.xz"):
		xzr, err := xz.NewReader(f)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create xz reader for %s: %w", path, err)
		}
		return xzr, noop, nil
	case strings.HasSuffix(path, ".tar.zst"):
		zst, err := zstd.NewReader(f)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create zstd reader for %s: %w", path, err)
		}
		return zst, func() { zst.Close() }, nil
	case strings.HasSuffix(path, ".tar"):
		return f, noop, nil
	default:
		return nil, noop, fmt.Errorf("cannot decompress %s: unsupported extension", path)
	}
}

// readSignature parses a checksum-tool style signature file: a single line
// of "<hex-digest> <filename>". Only the first token is trusted.
func readSignature(sigPath string) (string, error) {
	data, err := os.ReadFile(sigPath)
	if err != nil {
		return "", fmt.Errorf("%w: %s", errSignatureMissing, sigPath)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: %s is empty", errSignatureMissing, sigPath)
	}
	digest := fields[0]
	if len(digest) != 64 || strings.Trim(digest, "0123456789abcdef") != "" {
		return "", fmt.Errorf("%w: %s does not start with a hex digest", errSignatureMissing, sigPath)
	}
	return digest, nil
}

// hashString is used for cache-busting keys, not integrity.
func hashString(s string) string {
	h := blake3.New(32, nil)
	h.Write([]byte(s))
	return fmt.Sprintf("%x", h.Sum(nil))
}
