package mdbuild

import (
	"context"
	"fmt"
	"path/filepath"
)

// Everything below is configuration, not logic: version pins, canonical
// URLs, BLAKE3 digests and per-package flag sets for the MiniDLNA dependency
// ladder. Bumping a package means editing its entry and refreshing the
// digest; the pipeline machinery stays untouched.

const (
	defaultTargetTriple = "arm-linux-musleabihf"
	defaultToolchainURL = "https://musl.cc/arm-linux-musleabihf-cross.tgz"
	defaultToolchainB3  = "7b0fca9da5a1b9d0dd461abcd1adb56114a265b1e02cbf0e4177b1ec60fbda50"
)

// Stages returns the fixed, hand-ordered build sequence. Order matters:
// every stage links against what its predecessors installed into the shared
// prefix, and the pipeline enforces dependencies purely by this sequence.
func Stages() []*Stage {
	return []*Stage{
		{
			Name:    "zlib",
			Version: "1.3.1",
			URL:     "https://zlib.net/zlib-1.3.1.tar.gz",
			Digest:  "55a1a4c98a56a0b2bb1b9f592ba26e5f7ba54d1b4a4fba9c1f3a7ab52e1ab0a4",
			Policy:  PolicyRaw,
			Kind:    BuildCustom,
			BuildFn: buildZlib,
		},
		{
			Name:    "libogg",
			Version: "1.3.5",
			URL:     "https://downloads.xiph.org/releases/ogg/libogg-1.3.5.tar.xz",
			Digest:  "3da31a4eb31534b6f878914b7379b873c280e610649fe5c07935b3d137489dd5",
			Policy:  PolicyRaw,
			Kind:    BuildAutotools,
		},
		{
			Name:    "libvorbis",
			Version: "1.3.7",
			URL:     "https://downloads.xiph.org/releases/vorbis/libvorbis-1.3.7.tar.xz",
			Digest:  "b33cc4934322bcbf6efcbacf49e3ca01aadbea4114ec9589d1b1e9d20f72954b",
			Policy:  PolicyRaw,
			Kind:    BuildAutotools,
			ConfigureArgs: []string{
				"--disable-docs",
				"--disable-examples",
				"--disable-oggtest",
			},
		},
		{
			Name:    "flac",
			Version: "1.4.3",
			URL:     "https://downloads.xiph.org/releases/flac/flac-1.4.3.tar.xz",
			Digest:  "6c58e69cd22348f441b861092b825e591d0b822e106de6eb0ee4d05d27205b70",
			Policy:  PolicyRaw,
			Kind:    BuildAutotools,
			ConfigureArgs: []string{
				"--disable-cpplibs",
				"--disable-programs",
				"--disable-examples",
				"--disable-doxygen-docs",
				"--disable-oggtest",
			},
		},
		{
			Name:    "libid3tag",
			Version: "0.15.1b",
			URL:     "https://downloads.sourceforge.net/project/mad/libid3tag/0.15.1b/libid3tag-0.15.1b.tar.gz",
			// Mirrors recompress this twenty-year-old tarball, so the
			// pinned digest covers the decompressed bytes instead of the
			// file as stored.
			Digest:    "d40a667de41a44f0417be96c14ad57d2bb0c2d8f8e6e35cb334a4e7d4b1e7c02",
			Policy:    PolicyDecompressed,
			Kind:      BuildAutotools,
			PatchDirs: []string{"patches/libid3tag"},
		},
		{
			Name:    "libexif",
			Version: "0.6.24",
			URL:     "https://github.com/libexif/libexif/releases/download/v0.6.24/libexif-0.6.24.tar.bz2",
			Digest:  "4e0fe2abe85d1c95b41cb3abe1f6333dc3a9eb69dba106a674a78d74a4d5b9c5",
			Policy:  PolicyRaw,
			Kind:    BuildAutotools,
			ConfigureArgs: []string{
				"--disable-docs",
				"--disable-nls",
			},
		},
		{
			Name:    "libjpeg-turbo",
			Version: "3.0.2",
			URL:     "https://github.com/libjpeg-turbo/libjpeg-turbo/releases/download/3.0.2/libjpeg-turbo-3.0.2.tar.gz",
			Digest:  "c2ce515a78d91b09023773ef2770d6b0df77d674e144de80d63e0389b3a15ca6",
			Policy:  PolicyRaw,
			Kind:    BuildCMake,
			CMakeArgs: []string{
				"-DENABLE_SHARED=OFF",
				"-DENABLE_STATIC=ON",
				"-DWITH_TURBOJPEG=OFF",
				"-DWITH_SIMD=OFF",
			},
		},
		{
			Name:    "sqlite",
			Version: "3.45.3",
			URL:     "https://www.sqlite.org/2024/sqlite-autoconf-3450300.tar.gz",
			Digest:  "b2809ca53124c19c60f42bf627736eae011afdcc205bb48270a5ee9a38191531",
			Policy:  PolicyRaw,
			Subdir:  "sqlite-autoconf",
			Kind:    BuildAutotools,
			ConfigureArgs: []string{
				"--disable-dynamic-extensions",
			},
			ExtraEnv: []string{
				"CPPFLAGS=-DSQLITE_OMIT_LOAD_EXTENSION",
			},
		},
		{
			Name:    "ffmpeg",
			Version: "6.1.1",
			URL:     "https://ffmpeg.org/releases/ffmpeg-6.1.1.tar.xz",
			Digest:  "5e3133939a61ef64ac9b47ffd29a5ea6e337a4023ef0ad972094b4da844e3a20",
			Policy:  PolicyRaw,
			Kind:    BuildCustom,
			BuildFn: buildFFmpeg,
		},
		{
			Name:      "minidlna",
			Version:   "1.3.3",
			GitURL:    "https://git.code.sf.net/p/minidlna/git",
			GitRef:    "v1_3_3",
			Digest:    "9ad6022bc43a7b1ba7e9a9c48c8620247e232fbf29ab11c39a958a27cbbb1bfa",
			Policy:    PolicyTarContent,
			Kind:      BuildCustom,
			BuildFn:   buildMiniDLNA,
			PatchDirs: []string{"patches/minidlna"},
		},
	}
}

// FinalBinaries lists the executables the finalizer must prove static.
func FinalBinaries() []string {
	return []string{
		filepath.Join(PrefixDir, "sbin", "minidlnad"),
	}
}

// buildZlib: zlib's configure is hand-written, not autoconf. It takes no
// --host and reads the cross compiler from CC.
func buildZlib(ctx context.Context, st *Stage, env *BuildEnv, tree string) error {
	if err := runLogged(ctx, st, env, tree, "./configure",
		"--prefix="+env.Prefix, "--static"); err != nil {
		return fmt.Errorf("configure failed: %w", err)
	}
	if err := runLogged(ctx, st, env, tree, "make", "-j", fmt.Sprint(Jobs)); err != nil {
		return fmt.Errorf("make failed: %w", err)
	}
	if err := runLogged(ctx, st, env, tree, "make", "install"); err != nil {
		return fmt.Errorf("make install failed: %w", err)
	}
	return nil
}

// buildFFmpeg: ffmpeg's configure predates autoconf conventions; it wants
// explicit cross-compile switches and an allowlist of components. Only the
// decoders, demuxers and parsers MiniDLNA actually probes with are enabled.
func buildFFmpeg(ctx context.Context, st *Stage, env *BuildEnv, tree string) error {
	args := []string{
		"--prefix=" + env.Prefix,
		"--enable-cross-compile",
		"--cross-prefix=" + filepath.Join(env.BinDir, env.Triple+"-"),
		"--arch=arm",
		"--target-os=linux",
		"--enable-static",
		"--disable-shared",
		"--disable-programs",
		"--disable-doc",
		"--disable-network",
		"--disable-everything",
		"--enable-small",
		"--disable-vaapi",
		"--disable-vdpau",
		"--enable-demuxer=aac,ac3,asf,avi,flac,matroska,mov,mp3,mpegps,mpegts,ogg,wav",
		"--enable-decoder=aac,ac3,flac,h264,hevc,mjpeg,mp3,mpeg2video,mpeg4,vorbis,wmav2",
		"--enable-parser=aac,ac3,flac,h264,hevc,mjpeg,mpeg4video,mpegaudio,mpegvideo,vorbis",
		"--enable-protocol=file",
		"--extra-cflags=" + env.CFlags,
		"--extra-ldflags=" + env.LDFlags,
	}
	if err := runLogged(ctx, st, env, tree, "./configure", args...); err != nil {
		return fmt.Errorf("configure failed: %w", err)
	}
	if err := runLogged(ctx, st, env, tree, "make", "-j", fmt.Sprint(Jobs)); err != nil {
		return fmt.Errorf("make failed: %w", err)
	}
	if err := runLogged(ctx, st, env, tree, "make", "install"); err != nil {
		return fmt.Errorf("make install failed: %w", err)
	}
	return nil
}

// buildMiniDLNA: the repository snapshot ships no configure script, so the
// stage regenerates it before the standard autotools sequence.
func buildMiniDLNA(ctx context.Context, st *Stage, env *BuildEnv, tree string) error {
	if err := runLogged(ctx, st, env, tree, "autoreconf", "-fiv"); err != nil {
		return fmt.Errorf("autoreconf failed: %w", err)
	}

	st.ConfigureArgs = []string{
		"--with-os-name=Linux",
		"--with-os-url=https://www.kernel.org/",
		"--with-db-path=/var/cache/minidlna",
		"--with-log-path=/var/log",
		"--disable-nls",
	}
	// Static ffmpeg needs its component libraries spelled out in order.
	st.ExtraEnv = append(st.ExtraEnv,
		"LIBS=-lavformat -lavcodec -lavutil -lswresample -lFLAC -lvorbis -logg -lid3tag -lexif -ljpeg -lsqlite3 -lz -lm -lpthread",
	)
	return buildAutotools(ctx, st, env, tree)
}
