package mdbuild

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Temporary files and scratch directories register themselves here so an
// interrupt can sweep them before the process exits. The durable cache and
// the install prefix are never registered; they stay last-known-good.

func registerTemp(path string) {
	tempMu.Lock()
	tempPaths = append(tempPaths, path)
	tempMu.Unlock()
}

func unregisterTemp(path string) {
	tempMu.Lock()
	for i, p := range tempPaths {
		if p == path {
			tempPaths = append(tempPaths[:i], tempPaths[i+1:]...)
			break
		}
	}
	tempMu.Unlock()
}

// CleanupTemps removes everything still registered. Two-phase on purpose:
// each removal is attempted, a failure is logged and swallowed so that
// cleanup can never mask the primary error's exit status.
func CleanupTemps() {
	tempMu.Lock()
	paths := make([]string, len(tempPaths))
	copy(paths, tempPaths)
	tempPaths = tempPaths[:0]
	tempMu.Unlock()

	for _, p := range paths {
		if err := os.RemoveAll(p); err != nil {
			colWarn.Printf("cleanup: failed to remove %s: %v\n", p, err)
		}
	}
}

// SignalContext returns a context cancelled on SIGINT/SIGTERM. The second
// signal kills the process the hard way.
func SignalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		colWarn.Println("\nInterrupted, cleaning up")
		cancel()
		<-sigCh
		os.Exit(130)
	}()
	return ctx, cancel
}
