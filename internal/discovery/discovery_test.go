package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/reconpipe/internal/errors"
	"github.com/anstrom/reconpipe/internal/logging"
	"github.com/anstrom/reconpipe/internal/metrics"
	"github.com/anstrom/reconpipe/internal/scanning"
)

const stubReport = `<?xml version="1.0"?>
<nmaprun scanner="masscan">
<host><address addr="10.0.0.1" addrtype="ipv4"/><ports><port protocol="tcp" portid="22"><state state="open"/></port></ports></host>
</nmaprun>
`

// writeStub creates an executable shell script that records its arguments,
// one per line, next to itself and then runs body.
func writeStub(t *testing.T, dir, body string) (binary, argsFile string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub tools are shell scripts")
	}

	binary = filepath.Join(dir, "sweeper")
	argsFile = filepath.Join(dir, "args.txt")
	script := fmt.Sprintf(`#!/bin/sh
printf '%%s\n' "$@" > '%s'
out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "-oX" ]; then out="$a"; fi
  prev="$a"
done
%s
`, argsFile, body)
	require.NoError(t, os.WriteFile(binary, []byte(script), 0o755))
	return binary, argsFile
}

func newTestRunner(t *testing.T, cfg Config) *Runner {
	t.Helper()
	r, err := NewRunner(cfg, WithLogger(logging.NewDiscard()), WithMetrics(metrics.NewPrometheusMetrics()))
	require.NoError(t, err)
	return r
}

func testRequest(outputPath string) Request {
	return Request{
		Ranges:     []scanning.NetworkRange{"10.0.0.0/24", "192.168.1.1"},
		Ports:      scanning.PortRange{Low: 1, High: 1024},
		Rate:       1000,
		OutputPath: outputPath,
	}
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{"": KindMasscan, "masscan": KindMasscan, " NMAP ": KindNmap} {
		got, err := ParseKind(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseKind("zmap")
	assert.True(t, errors.IsConfig(err))
}

func TestCommand(t *testing.T) {
	req := testRequest("/tmp/out dir/report.xml")

	t.Run("masscan", func(t *testing.T) {
		r := &Runner{kind: KindMasscan, extraArgs: []string{"--wait", "0"}}
		assert.Equal(t, []string{
			"10.0.0.0/24", "192.168.1.1",
			"-p", "1-1024",
			"--rate", "1000",
			"-oX", "/tmp/out dir/report.xml",
			"--wait", "0",
		}, r.Command(req))
	})

	t.Run("nmap", func(t *testing.T) {
		r := &Runner{kind: KindNmap}
		assert.Equal(t, []string{
			"-n", "-T4", "--open",
			"-p", "1-1024",
			"--min-rate", "1000",
			"-oX", "/tmp/out dir/report.xml",
			"10.0.0.0/24", "192.168.1.1",
		}, r.Command(req))
	})
}

func TestNewRunner(t *testing.T) {
	t.Run("missing executable", func(t *testing.T) {
		_, err := NewRunner(Config{Kind: KindMasscan, Binary: "reconpipe-missing-masscan"})
		require.Error(t, err)
		assert.Equal(t, errors.CodeToolUnavailable, errors.GetCode(err))
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := NewRunner(Config{Kind: "zmap"})
		assert.Equal(t, errors.CodeValidation, errors.GetCode(err))
	})
}

func TestRun(t *testing.T) {
	t.Run("writes report to a path with spaces", func(t *testing.T) {
		dir := t.TempDir()
		binary, argsFile := writeStub(t, dir, fmt.Sprintf("cat > \"$out\" <<'EOF'\n%sEOF", stubReport))
		r := newTestRunner(t, Config{Kind: KindMasscan, Binary: binary})

		outDir := filepath.Join(dir, "scan results")
		require.NoError(t, os.Mkdir(outDir, 0o750))
		out := filepath.Join(outDir, "discovery report.xml")

		report, err := r.Run(context.Background(), testRequest(out))
		require.NoError(t, err)
		assert.Equal(t, out, report.Path)
		assert.Equal(t, "masscan", report.Tool)

		args, err := os.ReadFile(argsFile)
		require.NoError(t, err)
		assert.Contains(t, strings.Split(string(args), "\n"), out, "output path is a single argument")

		set, _, err := scanning.ParseReportFile(report.Path, scanning.ParseOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, set.Len())
	})

	t.Run("stale report is removed before the sweep", func(t *testing.T) {
		dir := t.TempDir()
		binary, _ := writeStub(t, dir, "exit 0")
		r := newTestRunner(t, Config{Binary: binary})

		out := filepath.Join(dir, "report.xml")
		require.NoError(t, os.WriteFile(out, []byte(stubReport), 0o600))

		_, err := r.Run(context.Background(), testRequest(out))
		require.Error(t, err)
		assert.Equal(t, errors.CodeDiscoveryFailed, errors.GetCode(err))
		assert.Contains(t, err.Error(), "wrote no report")
		assert.NoFileExists(t, out)
	})

	t.Run("non-zero exit carries exit code and stderr", func(t *testing.T) {
		dir := t.TempDir()
		binary, _ := writeStub(t, dir, "echo 'FAIL: permission denied' >&2\nexit 3")
		r := newTestRunner(t, Config{Binary: binary})

		_, err := r.Run(context.Background(), testRequest(filepath.Join(dir, "report.xml")))
		require.Error(t, err)

		var toolErr *errors.ToolError
		require.ErrorAs(t, err, &toolErr)
		assert.Equal(t, errors.CodeDiscoveryFailed, toolErr.Code)
		assert.Equal(t, 3, toolErr.ExitCode)
		assert.Contains(t, toolErr.Stderr, "permission denied")
		assert.True(t, errors.IsFatal(err))
	})

	t.Run("timeout stops the sweeper", func(t *testing.T) {
		dir := t.TempDir()
		binary, _ := writeStub(t, dir, "exec sleep 30")
		r := newTestRunner(t, Config{Binary: binary, Timeout: 100 * time.Millisecond})

		start := time.Now()
		_, err := r.Run(context.Background(), testRequest(filepath.Join(dir, "report.xml")))
		require.Error(t, err)
		assert.Equal(t, errors.CodeDiscoveryFailed, errors.GetCode(err))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 10*time.Second)
	})

	t.Run("missing report directory", func(t *testing.T) {
		dir := t.TempDir()
		binary, argsFile := writeStub(t, dir, "exit 0")
		r := newTestRunner(t, Config{Binary: binary})

		_, err := r.Run(context.Background(), testRequest(filepath.Join(dir, "missing", "report.xml")))
		require.Error(t, err)
		assert.Equal(t, errors.CodePathNotFound, errors.GetCode(err))
		assert.NoFileExists(t, argsFile, "sweeper must not run")
	})

	t.Run("invalid requests", func(t *testing.T) {
		dir := t.TempDir()
		binary, _ := writeStub(t, dir, "exit 0")
		r := newTestRunner(t, Config{Binary: binary})

		noRanges := testRequest(filepath.Join(dir, "r.xml"))
		noRanges.Ranges = nil
		_, err := r.Run(context.Background(), noRanges)
		assert.True(t, errors.IsConfig(err))

		noRate := testRequest(filepath.Join(dir, "r.xml"))
		noRate.Rate = 0
		_, err = r.Run(context.Background(), noRate)
		assert.True(t, errors.IsConfig(err))
	})
}
