package mdbuild

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Executor provides a consistent interface for running external build tools.
// Children are isolated in their own process group so that an interrupt can
// take down an entire make job tree, not just its leader.
type Executor struct {
	Context           context.Context
	ApplyIdlePriority bool // wrap the command in nice -n 19
	Quiet             bool // discard child stdout/stderr unless Debug
}

func NewExecutor(ctx context.Context) *Executor {
	return &Executor{Context: ctx}
}

// Run executes the given command, wiring stdio, applying niceness and
// process-group isolation, and killing the group on context cancellation.
func (e *Executor) Run(cmd *exec.Cmd) error {
	basePath := cmd.Path
	baseArgs := cmd.Args[1:]

	if e.ApplyIdlePriority {
		baseArgs = append([]string{"-n", "19", basePath}, baseArgs...)
		basePath = "nice"
	}

	finalCmd := exec.CommandContext(e.Context, basePath, baseArgs...)
	finalCmd.Dir = cmd.Dir

	if len(cmd.Env) > 0 {
		finalCmd.Env = cmd.Env
	} else {
		finalCmd.Env = os.Environ()
	}

	finalCmd.Stdin = cmd.Stdin
	finalCmd.Stdout = cmd.Stdout
	finalCmd.Stderr = cmd.Stderr
	if finalCmd.Stdout == nil {
		if e.Quiet && !Debug {
			finalCmd.Stdout = io.Discard
		} else {
			finalCmd.Stdout = os.Stdout
		}
	}
	if finalCmd.Stderr == nil {
		if e.Quiet && !Debug {
			finalCmd.Stderr = io.Discard
		} else {
			finalCmd.Stderr = os.Stderr
		}
	}

	finalCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := finalCmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	pgid := finalCmd.Process.Pid
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-e.Context.Done():
			syscall.Kill(-pgid, syscall.SIGKILL)
		case <-done:
		}
	}()

	if waitErr := finalCmd.Wait(); waitErr != nil {
		if e.Context.Err() != nil {
			time.Sleep(100 * time.Millisecond)
			return fmt.Errorf("command aborted: %v", e.Context.Err())
		}
		return waitErr
	}
	return nil
}
