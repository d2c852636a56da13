//go:build integration

package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/majo/systemset/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// Harness builds the systemset binary once and runs it against scratch trees
type Harness struct {
	t      *testing.T
	binary string
	env    []string
}

// NewHarness builds the binary into a temporary directory
func NewHarness(t *testing.T, ctx context.Context) *Harness {
	t.Helper()

	root, err := testutil.ModuleRoot()
	require.NoError(t, err, "get module root")

	binary := filepath.Join(t.TempDir(), "systemset")
	cmd := exec.CommandContext(ctx, "go", "build", "-o", binary, "./cmd/systemset")
	cmd.Dir = root
	cmd.Stdout = &testWriter{t: t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: t, prefix: "[build] "}
	require.NoError(t, cmd.Run(), "go build")

	home := t.TempDir()
	return &Harness{
		t:      t,
		binary: binary,
		env: []string{
			"PATH=" + os.Getenv("PATH"),
			"HOME=" + home,
			"XDG_CONFIG_HOME=" + filepath.Join(home, ".config"),
			"USER=" + os.Getenv("USER"),
		},
	}
}

// Run executes the binary and returns stdout, stderr and the exit code
func (h *Harness) Run(ctx context.Context, env []string, args ...string) (string, string, int, error) {
	h.t.Helper()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, h.binary, append(args, "--log-format", "json")...)
	cmd.Env = append(append([]string(nil), h.env...), env...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), -1, fmt.Errorf("run %s: %w", strings.Join(args, " "), err)
		}
		code = exitErr.ExitCode()
	}
	return stdout.String(), stderr.String(), code, nil
}

// MustRun is like Run but fails the test on an unexpected exit code
func (h *Harness) MustRun(ctx context.Context, want int, env []string, args ...string) string {
	h.t.Helper()
	stdout, stderr, code, err := h.Run(ctx, env, args...)
	require.NoError(h.t, err)
	require.Equal(h.t, want, code, "%s\nstdout:\n%s\nstderr:\n%s", strings.Join(args, " "), stdout, stderr)
	return stdout
}

// Git runs git in dir with a fixed identity
func (h *Harness) Git(ctx context.Context, dir string, args ...string) {
	h.t.Helper()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=systemset", "GIT_AUTHOR_EMAIL=systemset@example.com",
		"GIT_COMMITTER_NAME=systemset", "GIT_COMMITTER_EMAIL=systemset@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(h.t, err, "git %s\n%s", strings.Join(args, " "), out)
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
