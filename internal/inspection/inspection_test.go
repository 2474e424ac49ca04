package inspection

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/reconpipe/internal/errors"
	"github.com/anstrom/reconpipe/internal/logging"
	"github.com/anstrom/reconpipe/internal/metrics"
	"github.com/anstrom/reconpipe/internal/scanning"
)

const stubHeader = `#!/bin/sh
port=""
addr=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-p" ]; then port="$a"; fi
  prev="$a"
  addr="$a"
done
`

func writeStub(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub tools are shell scripts")
	}
	path := filepath.Join(t.TempDir(), "inspector")
	require.NoError(t, os.WriteFile(path, []byte(stubHeader+body+"\n"), 0o755))
	return path
}

var fixedNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func newTestRunner(t *testing.T, cfg Config) *Runner {
	t.Helper()
	r, err := NewRunner(cfg,
		WithLogger(logging.NewDiscard()),
		WithMetrics(metrics.NewPrometheusMetrics()),
		WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return r
}

func TestCommand(t *testing.T) {
	r := &Runner{args: DefaultArgs()}
	job := scanning.ScanJob{Address: "10.0.0.1", Port: 22}

	assert.Equal(t,
		[]string{"-sV", "-T4", "-A", "-v", "--script", "vulners.nse", "-p", "22", "10.0.0.1"},
		r.Command(job))

	// The configured arguments are never modified by building a command.
	assert.Equal(t, DefaultArgs(), r.args)
}

func TestNewRunner(t *testing.T) {
	_, err := NewRunner(Config{Binary: "reconpipe-missing-nmap"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeToolUnavailable, errors.GetCode(err))

	r := newTestRunner(t, Config{Binary: writeStub(t, "exit 0")})
	assert.Equal(t, DefaultTimeout, r.Timeout())
	assert.Equal(t, DefaultArgs(), r.args)

	r = newTestRunner(t, Config{Binary: writeStub(t, "exit 0"), Args: []string{}, Timeout: time.Second})
	assert.Empty(t, r.args)
	assert.Equal(t, time.Second, r.Timeout())
}

func TestInspect(t *testing.T) {
	job := scanning.ScanJob{Address: "10.0.0.2", Port: 443}

	t.Run("captures stdout verbatim", func(t *testing.T) {
		r := newTestRunner(t, Config{
			Binary: writeStub(t, `echo "inspected $addr:$port"; echo "| vulners: CVE-2024-0001"`),
			Args:   []string{"-sV"},
		})

		f, err := r.Inspect(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, job, f.Job)
		assert.Equal(t, scanning.StatusOK, f.Status)
		assert.Equal(t, "inspected 10.0.0.2:443\n| vulners: CVE-2024-0001\n", f.Text)
		assert.Equal(t, fixedNow, f.Timestamp)
	})

	t.Run("non-zero exit", func(t *testing.T) {
		r := newTestRunner(t, Config{Binary: writeStub(t, `echo "Failed to resolve $addr" >&2; exit 2`)})

		_, err := r.Inspect(context.Background(), job)
		require.Error(t, err)

		var toolErr *errors.ToolError
		require.ErrorAs(t, err, &toolErr)
		assert.Equal(t, errors.CodeInspectionFailed, toolErr.Code)
		assert.Equal(t, 2, toolErr.ExitCode)
		assert.Equal(t, "10.0.0.2:443", toolErr.Target)
		assert.Contains(t, toolErr.Stderr, "Failed to resolve 10.0.0.2")
		assert.False(t, errors.IsFatal(err))

		degraded := scanning.DegradedFinding(job, err, fixedNow)
		assert.Equal(t, scanning.StatusFailed, degraded.Status)
		assert.Contains(t, degraded.Text, "Failed to resolve")
	})

	t.Run("binary removed after resolve", func(t *testing.T) {
		path := writeStub(t, "exit 0")
		r := newTestRunner(t, Config{Binary: path})
		require.NoError(t, os.Remove(path))

		_, err := r.Inspect(context.Background(), job)
		require.Error(t, err)

		var toolErr *errors.ToolError
		require.ErrorAs(t, err, &toolErr)
		assert.Equal(t, errors.CodeToolUnavailable, toolErr.Code)
		assert.Equal(t, "10.0.0.2:443", toolErr.Target)
		assert.True(t, errors.IsFatal(err))
	})

	t.Run("timeout", func(t *testing.T) {
		r := newTestRunner(t, Config{Binary: writeStub(t, "exec sleep 30"), Timeout: 100 * time.Millisecond})

		start := time.Now()
		_, err := r.Inspect(context.Background(), job)
		require.Error(t, err)
		assert.Equal(t, errors.CodeInspectionTimeout, errors.GetCode(err))
		assert.Less(t, time.Since(start), 10*time.Second)

		degraded := scanning.DegradedFinding(job, err, fixedNow)
		assert.Equal(t, scanning.StatusTimeout, degraded.Status)
	})

	t.Run("caller cancellation is not a timeout", func(t *testing.T) {
		r := newTestRunner(t, Config{Binary: writeStub(t, "exec sleep 30"), Timeout: time.Minute})

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(50*time.Millisecond, cancel)

		_, err := r.Inspect(ctx, job)
		require.Error(t, err)
		assert.Equal(t, errors.CodeCanceled, errors.GetCode(err))
		assert.ErrorIs(t, err, context.Canceled)
	})
}
