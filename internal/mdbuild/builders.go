package mdbuild

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const buildLogName = ".mdlna-build.log"

// buildAutotools runs the classic configure / make / make install sequence
// with the static cross-compile flag set every stage shares.
func buildAutotools(ctx context.Context, st *Stage, env *BuildEnv, tree string) error {
	args := []string{
		"--prefix=" + env.Prefix,
		"--host=" + env.Triple,
		"--enable-static",
		"--disable-shared",
	}
	args = append(args, st.ConfigureArgs...)

	if err := runLogged(ctx, st, env, tree, "./configure", args...); err != nil {
		return fmt.Errorf("configure failed: %w", err)
	}
	if err := runLogged(ctx, st, env, tree, "make", "-j", fmt.Sprint(Jobs)); err != nil {
		return fmt.Errorf("make failed: %w", err)
	}
	targets := st.MakeTargets
	if len(targets) == 0 {
		targets = []string{"install"}
	}
	for _, t := range targets {
		if err := runLogged(ctx, st, env, tree, "make", t); err != nil {
			return fmt.Errorf("make %s failed: %w", t, err)
		}
	}
	return nil
}

// buildCMake drives a cmake stage through an out-of-tree build directory.
func buildCMake(ctx context.Context, st *Stage, env *BuildEnv, tree string) error {
	buildDir := filepath.Join(tree, "build-"+env.Triple)
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return fmt.Errorf("failed to create cmake build dir: %w", err)
	}

	args := []string{
		"-S", tree,
		"-B", buildDir,
		"-DCMAKE_SYSTEM_NAME=Linux",
		"-DCMAKE_SYSTEM_PROCESSOR=arm",
		"-DCMAKE_C_COMPILER=" + env.CC,
		"-DCMAKE_CXX_COMPILER=" + env.CXX,
		"-DCMAKE_AR=" + env.AR,
		"-DCMAKE_RANLIB=" + env.Ranlib,
		"-DCMAKE_FIND_ROOT_PATH=" + env.Prefix,
		"-DCMAKE_INSTALL_PREFIX=" + env.Prefix,
		"-DCMAKE_BUILD_TYPE=Release",
		"-DBUILD_SHARED_LIBS=OFF",
	}
	args = append(args, st.CMakeArgs...)

	if err := runLogged(ctx, st, env, tree, "cmake", args...); err != nil {
		return fmt.Errorf("cmake configure failed: %w", err)
	}
	if err := runLogged(ctx, st, env, tree, "cmake", "--build", buildDir, "-j", fmt.Sprint(Jobs)); err != nil {
		return fmt.Errorf("cmake build failed: %w", err)
	}
	if err := runLogged(ctx, st, env, tree, "cmake", "--install", buildDir); err != nil {
		return fmt.Errorf("cmake install failed: %w", err)
	}
	return nil
}

// runLogged executes one external build step inside tree, teeing its output
// into the stage's build log. On failure the log is grepped for the usual
// linker and configure complaints; the grep output is diagnostic only, the
// process exit status is the sole control-flow signal.
func runLogged(ctx context.Context, st *Stage, env *BuildEnv, tree, name string, args ...string) error {
	logPath := filepath.Join(tree, buildLogName)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("cannot open build log: %w", err)
	}
	defer logFile.Close()

	fmt.Fprintf(logFile, "=== %s %s\n", name, strings.Join(args, " "))

	cmd := exec.Command(name, args...)
	cmd.Dir = tree
	cmd.Env = env.Environ(st.ExtraEnv...)
	if Verbose || Debug {
		cmd.Stdout = io.MultiWriter(os.Stdout, logFile)
		cmd.Stderr = io.MultiWriter(os.Stderr, logFile)
	} else {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	ex := NewExecutor(ctx)
	if runErr := ex.Run(cmd); runErr != nil {
		for _, line := range scanBuildLog(logPath) {
			colError.Printf("  %s\n", line)
		}
		preserveLog(logPath, st.Name)
		return runErr
	}
	return nil
}

// preserveLog copies a failed stage's build log into LogDir, where it
// survives a force-rebuild wiping the working tree. Best effort.
func preserveLog(logPath, stageName string) {
	if LogDir == "" {
		return
	}
	data, err := os.ReadFile(logPath)
	if err == nil {
		err = os.WriteFile(filepath.Join(LogDir, stageName+".log"), data, 0o644)
	}
	if err != nil {
		debugf("could not preserve build log for %s: %v\n", stageName, err)
	} else {
		colWarn.Printf("Build log saved to %s\n", filepath.Join(LogDir, stageName+".log"))
	}
}

// Log lines that almost always name the actual problem when a C build dies.
var diagnosticNeedles = []string{
	"undefined reference",
	"unrecognized option",
	"cannot load library",
	"cannot find -l",
	"No such file or directory",
}

// scanBuildLog surfaces the interesting lines from a failed build log for
// faster triage. It never influences control flow.
func scanBuildLog(logPath string) []string {
	f, err := os.Open(logPath)
	if err != nil {
		return nil
	}
	defer f.Close()

	var hits []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		for _, needle := range diagnosticNeedles {
			if strings.Contains(line, needle) {
				hits = append(hits, strings.TrimSpace(line))
				break
			}
		}
		if len(hits) >= 20 {
			break
		}
	}
	return hits
}
