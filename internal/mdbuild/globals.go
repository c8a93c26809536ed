package mdbuild

import (
	"errors"
	"os"
	"sync"

	"github.com/gookit/color"
	"golang.org/x/term"
)

// Global variables
var (
	RootDir      string // checkout root, everything below is derived from it
	CacheStore   string // durable archive cache, sibling of the checkout
	SourcesDir   string // per-stage working trees
	PrefixDir    string // shared static install prefix
	ToolchainDir string
	LogDir       string

	Debug        bool
	Verbose      bool
	ForceRebuild bool
	Jobs         int

	version   = "dev"     // overridden at build time
	buildDate = "unknown" // overridden at build time

	markerName = ".mdlna-installed"
	sigSuffix  = ".b3"

	reexecEnvMarker = "MDLNA_REEXEC"

	errDigestMismatch   = errors.New("digest mismatch")
	errSignatureMissing = errors.New("signature file missing or malformed")
	errRetriesExhausted = errors.New("download retries exhausted")
	errDynamicBinary    = errors.New("binary has dynamic library dependencies")

	// Cleanup registry for interrupt handling; see cleanup.go.
	tempMu    sync.Mutex
	tempPaths []string
)

// color helpers
var (
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
)

func init() {
	// Color and progress rendering are pointless when piped into a CI log.
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		color.Disable()
	}
}
