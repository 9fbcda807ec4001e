//go:build integration

package tier1

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

	"github.com/schaermu/starsync/internal/config"
	"github.com/schaermu/starsync/internal/testutil"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the starsync binary once and runs it in a scratch directory
type Harness struct {
	t       *testing.T
	binary  string
	workDir string
	keep    bool
}

// NewHarness creates a new test harness
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	return &Harness{
		t:       t,
		workDir: t.TempDir(),
		keep:    os.Getenv("INTEGRATION_KEEP_WORKDIR") == "1",
	}
}

// Build compiles cmd/starsync into the harness work directory
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.workDir, "starsync")
	h.t.Logf("Building %s", h.binary)

	cmd := exec.CommandContext(ctx, "go", "build",
		"-ldflags", "-X main.version=tier1",
		"-o", h.binary,
		"./cmd/starsync",
	)
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// Cleanup reports where the work directory is when a failed run is kept
func (h *Harness) Cleanup() {
	h.t.Helper()
	if h.keep && h.t.Failed() {
		kept, err := os.MkdirTemp("", "starsync-tier1-")
		if err != nil {
			h.t.Logf("Warning: failed to keep work dir: %v", err)
			return
		}
		if err := os.CopyFS(kept, os.DirFS(h.workDir)); err != nil {
			h.t.Logf("Warning: failed to copy work dir: %v", err)
			return
		}
		h.t.Logf("Test failed and INTEGRATION_KEEP_WORKDIR=1, work dir copied to %s", kept)
	}
}

// Path returns name inside the work directory
func (h *Harness) Path(name string) string {
	return filepath.Join(h.workDir, name)
}

// Exec runs the binary in the work directory with env added to a clean
// environment (no inherited tokens).
func (h *Harness) Exec(ctx context.Context, env map[string]string, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.binary == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Dir = h.workDir
	cmd.Env = []string{"HOME=" + h.workDir, "PATH=" + os.Getenv("PATH")}
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustExec runs the binary and fails the test if it returns non-zero
func (h *Harness) MustExec(ctx context.Context, env map[string]string, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Exec(ctx, env, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout, stderr
}

// WriteConfig writes a config file pointing the binary at api
func (h *Harness) WriteConfig(api *testutil.FakeGitHub, backend string) string {
	h.t.Helper()
	content := fmt.Sprintf(`sync:
  pace: 10ms
api:
  backend: %s
  base_url: %q
  graphql_url: %q
  cache_dir: %q
log:
  file: %q
  level: info
`, backend, api.URL(), api.GraphQLURL(), h.Path("cache"), h.Path("debug.log"))

	path := h.Path("config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
	return path
}

// ReadFile reads a file from the work directory
func (h *Harness) ReadFile(name string) (string, error) {
	data, err := os.ReadFile(h.Path(name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FileExists checks if a file exists in the work directory
func (h *Harness) FileExists(name string) bool {
	_, err := os.Stat(h.Path(name))
	return err == nil
}

// tokenEnv supplies both tokens through the environment
func tokenEnv(exportToken, importToken string) map[string]string {
	return map[string]string{
		config.EnvExportToken: exportToken,
		config.EnvImportToken: importToken,
	}
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
