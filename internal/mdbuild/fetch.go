package mdbuild

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

const (
	fetchAttempts = 64
	fetchDelay    = 10 * time.Second
)

// FetchURL downloads url into dest, retrying the whole transfer with a fixed
// delay until the bounded attempt count runs out. The payload lands in a
// temporary file next to dest and is renamed into place only after a fully
// successful transfer.
func FetchURL(ctx context.Context, url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", dest, err)
	}

	tmpPath := fmt.Sprintf("%s.part.%d", dest, os.Getpid())
	registerTemp(tmpPath)
	defer func() {
		_ = os.Remove(tmpPath)
		unregisterTemp(tmpPath)
	}()

	var lastErr error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("download of %s aborted: %w", url, err)
		}

		err := downloadOnce(ctx, url, tmpPath)
		if err == nil {
			if err := os.Rename(tmpPath, dest); err != nil {
				return fmt.Errorf("failed to move download into place: %w", err)
			}
			return nil
		}
		if !retryable(err) {
			return fmt.Errorf("failed to download %s: %w", url, err)
		}
		lastErr = err
		_ = os.Remove(tmpPath)

		debugf("Attempt %d/%d for %s failed: %v\n", attempt, fetchAttempts, url, err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("download of %s aborted: %w", url, ctx.Err())
		case <-time.After(fetchDelay):
		}
	}
	return fmt.Errorf("%w for %s after %d attempts: %v", errRetriesExhausted, url, fetchAttempts, lastErr)
}

// downloadOnce performs a single transfer attempt: curl first, wget second,
// native HTTP client last.
func downloadOnce(ctx context.Context, url, dest string) error {
	if _, err := exec.LookPath("curl"); err == nil {
		args := []string{"-L", "--fail", "-o", dest}
		if Verbose || Debug {
			args = append(args, "-#")
		} else {
			args = append(args, "-sS")
		}
		args = append(args, url)
		cmd := exec.CommandContext(ctx, "curl", args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err == nil {
			debugf("Download successful with curl.\n")
			return nil
		}
		debugf("curl failed, falling back to wget\n")
	}

	if _, err := exec.LookPath("wget"); err == nil {
		cmd := exec.CommandContext(ctx, "wget", "-nv", "-O", dest, url)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err == nil {
			debugf("Download successful with wget.\n")
			return nil
		}
		debugf("wget failed, falling back to native Go HTTP client\n")
	}

	return downloadNative(ctx, url, dest)
}

func downloadNative(ctx context.Context, url, dest string) error {
	client := &http.Client{Timeout: 300 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("invalid URL %s: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("native http get failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &httpStatusError{status: resp.StatusCode, text: resp.Status}
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", dest, err)
	}
	defer out.Close()

	var w io.Writer = out
	if term.IsTerminal(int(os.Stdout.Fd())) {
		bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(dest))
		defer bar.Close()
		w = io.MultiWriter(out, bar)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to write to destination file: %w", err)
	}
	debugf("Download successful with native Go HTTP client.\n")
	return nil
}

type httpStatusError struct {
	status int
	text   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("download failed with status: %s", e.text)
}

// retryable decides whether a failed attempt is worth another round trip.
// Connection-level problems and server errors are; a 404 never fixes itself.
func retryable(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.status >= 500
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// curl/wget exit codes carry no structure; treat their failures as
	// transient and let the attempt budget decide.
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) || errors.Is(err, io.ErrUnexpectedEOF)
}
