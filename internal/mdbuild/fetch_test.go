package mdbuild

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryableClassification(t *testing.T) {
	// A real exit error, the shape curl and wget failures arrive in.
	exitErr := exec.Command("sh", "-c", "exit 1").Run()
	require.Error(t, exitErr)

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"http 500", &httpStatusError{status: 500, text: "500 Internal Server Error"}, true},
		{"http 503", &httpStatusError{status: 503, text: "503 Service Unavailable"}, true},
		{"http 404", &httpStatusError{status: 404, text: "404 Not Found"}, false},
		{"http 403", &httpStatusError{status: 403, text: "403 Forbidden"}, false},
		{"wrapped http 502", fmt.Errorf("native http get failed: %w", &httpStatusError{status: 502, text: "502 Bad Gateway"}), true},
		{"connection refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"io timeout", fmt.Errorf("read: %w", os.ErrDeadlineExceeded), true},
		{"truncated body", fmt.Errorf("copy: %w", io.ErrUnexpectedEOF), true},
		{"external tool failure", exitErr, true},
		{"plain error", errors.New("invalid URL"), false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, retryable(tc.err), tc.name)
	}
}

// forceNativeDownload empties PATH so curl and wget are not found and every
// attempt goes through the in-process HTTP client.
func forceNativeDownload(t *testing.T) {
	t.Helper()
	t.Setenv("PATH", "")
}

func TestFetchURLNotFoundIsFatal(t *testing.T) {
	forceNativeDownload(t)

	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "pkg-1.0.tar.gz")
	err := FetchURL(context.Background(), srv.URL+"/pkg-1.0.tar.gz", dest)
	require.Error(t, err)

	// One request, no retry loop, and not the exhaustion error.
	assert.Equal(t, 1, hits)
	assert.NotErrorIs(t, err, errRetriesExhausted)
	var statusErr *httpStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 404, statusErr.status)

	// Nothing visible under the final name and no stray partial file.
	assert.NoFileExists(t, dest)
	matches, globErr := filepath.Glob(dest + ".part.*")
	require.NoError(t, globErr)
	assert.Empty(t, matches)
}

func TestFetchURLWritesAtomically(t *testing.T) {
	forceNativeDownload(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "archive payload")
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "pkg-1.0.tar.gz")
	require.NoError(t, FetchURL(context.Background(), srv.URL+"/pkg-1.0.tar.gz", dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "archive payload", string(data))

	matches, err := filepath.Glob(dest + ".part.*")
	require.NoError(t, err)
	assert.Empty(t, matches, "temp file must be renamed away on success")
}

func TestFetchURLCancelledContext(t *testing.T) {
	forceNativeDownload(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dest := filepath.Join(t.TempDir(), "pkg-1.0.tar.gz")
	err := FetchURL(ctx, "http://127.0.0.1:0/never", dest)
	require.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, dest)
}
