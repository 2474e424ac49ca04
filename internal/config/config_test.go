package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/reconpipe/internal/discovery"
	"github.com/anstrom/reconpipe/internal/errors"
	"github.com/anstrom/reconpipe/internal/logging"
	"github.com/anstrom/reconpipe/internal/scanning"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "1-65535", cfg.Pipeline.Ports)
	assert.Equal(t, 4, cfg.Pipeline.Concurrency)
	assert.Equal(t, 0, cfg.Pipeline.Retries)
	assert.Equal(t, "masscan", cfg.Discovery.Sweeper)
	assert.Equal(t, "nmap", cfg.Inspection.Binary)
	assert.Equal(t, 10*time.Minute, cfg.Inspection.Timeout)
	assert.Equal(t, "stderr", cfg.Logging.Output)
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) string
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "valid yaml config",
			setup: func(t *testing.T) string {
				return writeFile(t, "reconpipe.yaml", `
pipeline:
  ports: 20-1024
  rate: 5000
  concurrency: 8
  lenient: true
discovery:
  sweeper: nmap
  extra_args: ["--max-retries", "1"]
  timeout: 30m
inspection:
  timeout: 2m
output:
  keep_report: true
logging:
  level: debug
  format: json
  rotation:
    enabled: true
    max_size_mb: 10
metrics:
  file: /var/lib/node_exporter/reconpipe.prom
`)
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "20-1024", cfg.Pipeline.Ports)
				assert.Equal(t, 5000, cfg.Pipeline.Rate)
				assert.Equal(t, 8, cfg.Pipeline.Concurrency)
				assert.True(t, cfg.Pipeline.Lenient)
				assert.Equal(t, "nmap", cfg.Discovery.Sweeper)
				assert.Equal(t, []string{"--max-retries", "1"}, cfg.Discovery.ExtraArgs)
				assert.Equal(t, 30*time.Minute, cfg.Discovery.Timeout)
				assert.Equal(t, 2*time.Minute, cfg.Inspection.Timeout)
				assert.True(t, cfg.Output.KeepReport)
				assert.Equal(t, logging.LevelDebug, cfg.Logging.Level)
				assert.Equal(t, logging.FormatJSON, cfg.Logging.Format)
				assert.True(t, cfg.Logging.Rotation.Enabled)
				assert.Equal(t, 10, cfg.Logging.Rotation.MaxSizeMB)
				assert.Equal(t, "/var/lib/node_exporter/reconpipe.prom", cfg.Metrics.File)
				// Untouched sections keep their defaults.
				assert.Equal(t, "nmap", cfg.Inspection.Binary)
			},
		},
		{
			name: "valid json config",
			setup: func(t *testing.T) string {
				return writeFile(t, "reconpipe.json", `{"pipeline": {"ports": "1-100", "rate": 10, "concurrency": 2}}`)
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "1-100", cfg.Pipeline.Ports)
				assert.Equal(t, 2, cfg.Pipeline.Concurrency)
			},
		},
		{
			name: "missing file yields defaults",
			setup: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "absent.yaml")
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, Default(), cfg)
			},
		},
		{
			name: "invalid yaml syntax",
			setup: func(t *testing.T) string {
				return writeFile(t, "reconpipe.yaml", "pipeline: [unclosed\n")
			},
			wantErr: true,
		},
		{
			name: "wrong value type",
			setup: func(t *testing.T) string {
				return writeFile(t, "reconpipe.yaml", "pipeline:\n  rate: fast\n")
			},
			wantErr: true,
		},
		{
			name: "unknown sweeper",
			setup: func(t *testing.T) string {
				return writeFile(t, "reconpipe.yaml", "discovery:\n  sweeper: zmap\n")
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.setup(t))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsConfig(err), "got %v", err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.Concurrency = 12
	cfg.Discovery.ExtraArgs = []string{"--wait", "5"}

	path := filepath.Join(t.TempDir(), "nested", "reconpipe.yaml")
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"zero rate", func(c *Config) { c.Pipeline.Rate = 0 }, "Config.Pipeline.Rate"},
		{"zero concurrency", func(c *Config) { c.Pipeline.Concurrency = 0 }, "Config.Pipeline.Concurrency"},
		{"too many retries", func(c *Config) { c.Pipeline.Retries = 11 }, "Config.Pipeline.Retries"},
		{"empty ports", func(c *Config) { c.Pipeline.Ports = "" }, "Config.Pipeline.Ports"},
		{"unknown sweeper", func(c *Config) { c.Discovery.Sweeper = "zmap" }, "Config.Discovery.Sweeper"},
		{"missing inspector", func(c *Config) { c.Inspection.Binary = "" }, "Config.Inspection.Binary"},
		{"negative sweep timeout", func(c *Config) { c.Discovery.Timeout = -time.Second }, "discovery.timeout"},
		{"zero inspection timeout", func(c *Config) { c.Inspection.Timeout = 0 }, "inspection.timeout"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var cfgErr *errors.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, errors.CodeValidation, cfgErr.Code)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestParams(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.Lenient = true
	cfg.Discovery.Binary = "/opt/masscan/bin/masscan"
	cfg.Metrics.File = "/tmp/reconpipe.prom"

	p := cfg.Params()
	assert.Empty(t, p.Ranges)
	assert.Equal(t, DefaultPorts, p.Ports)
	assert.Equal(t, DefaultRate, p.Rate)
	assert.True(t, p.Lenient)
	assert.Equal(t, "/opt/masscan/bin/masscan", p.SweeperBin)
	assert.Equal(t, "/tmp/reconpipe.prom", p.MetricsFile)
	assert.Nil(t, p.InspectorArgs, "no configured args keeps the inspector defaults")
}

var runDate = time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)

func validParams(dir string) RunParams {
	p := Default().Params()
	p.Ranges = []string{"10.0.0.0/24"}
	p.Out = filepath.Join(dir, "results.txt")
	return p
}

func TestNewRunConfig(t *testing.T) {
	t.Run("valid parameters", func(t *testing.T) {
		dir := t.TempDir()
		p := validParams(dir)
		p.Ranges = []string{"10.0.0.0/24", " 192.168.1.5 "}
		p.Ports = "1-1024"
		p.Timeout = 90 * time.Second

		rc, err := NewRunConfig(p, runDate)
		require.NoError(t, err)

		assert.NotEmpty(t, rc.RunID)
		assert.Equal(t, runDate, rc.StartedAt)
		assert.Equal(t, []scanning.NetworkRange{"10.0.0.0/24", "192.168.1.5"}, rc.Ranges)
		assert.Equal(t, scanning.PortRange{Low: 1, High: 1024}, rc.Ports)
		assert.Equal(t, DefaultConcurrency, rc.Concurrency)
		assert.Equal(t, 90*time.Second, rc.Inspection.Timeout)
		assert.Nil(t, rc.Inspection.Args)
		assert.Equal(t, discovery.KindMasscan, rc.Discovery.Kind)
		assert.Equal(t, filepath.Join(dir, "results.txt"), rc.OutputPath)
		assert.Equal(t, filepath.Join(dir, "discovery_"+rc.RunID+".xml"), rc.ReportPath)
		assert.NotEmpty(t, rc.LogFields())
	})

	t.Run("run IDs are unique", func(t *testing.T) {
		dir := t.TempDir()
		a, err := NewRunConfig(validParams(dir), runDate)
		require.NoError(t, err)
		b, err := NewRunConfig(validParams(dir), runDate)
		require.NoError(t, err)
		assert.NotEqual(t, a.RunID, b.RunID)
	})

	t.Run("default output path is dated", func(t *testing.T) {
		dir := t.TempDir()
		chdir(t, dir)
		require.NoError(t, os.Mkdir(DefaultOutputDir, 0o750))

		p := validParams(dir)
		p.Out = ""
		rc, err := NewRunConfig(p, runDate)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join("scan", "scan_2026-10-18.txt"), rc.OutputPath)
		assert.Equal(t, filepath.Join("scan", "discovery_"+rc.RunID+".xml"), rc.ReportPath)
	})

	t.Run("targets file", func(t *testing.T) {
		dir := t.TempDir()
		p := validParams(dir)
		p.Ranges = nil
		p.TargetsFile = writeFile(t, "ip_list.txt", "# lab networks\n10.1.0.0/16\n\n  172.16.0.1  \n")

		rc, err := NewRunConfig(p, runDate)
		require.NoError(t, err)
		assert.Equal(t, []scanning.NetworkRange{"10.1.0.0/16", "172.16.0.1"}, rc.Ranges)
	})

	t.Run("reusing a report needs no ranges", func(t *testing.T) {
		dir := t.TempDir()
		p := validParams(dir)
		p.Ranges = nil
		p.ReuseReport = true
		p.Report = writeFile(t, "report.xml", "<nmaprun/>")

		rc, err := NewRunConfig(p, runDate)
		require.NoError(t, err)
		assert.True(t, rc.ReuseReport)
		assert.True(t, rc.KeepReport, "a reused report is never deleted")
	})

	t.Run("explicit empty inspector args are kept", func(t *testing.T) {
		p := validParams(t.TempDir())
		p.InspectorArgs = []string{}
		rc, err := NewRunConfig(p, runDate)
		require.NoError(t, err)
		assert.NotNil(t, rc.Inspection.Args)
		assert.Empty(t, rc.Inspection.Args)
	})
}

func TestNewRunConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(t *testing.T, p *RunParams)
		code   errors.ErrorCode
	}{
		{"no ranges", func(_ *testing.T, p *RunParams) { p.Ranges = nil }, errors.CodeConfiguration},
		{"invalid range", func(_ *testing.T, p *RunParams) { p.Ranges = []string{"10.0.0.0/33"} }, errors.CodeTargetInvalid},
		{"hostname range", func(_ *testing.T, p *RunParams) { p.Ranges = []string{"example.com"} }, errors.CodeTargetInvalid},
		{"port syntax", func(_ *testing.T, p *RunParams) { p.Ports = "80" }, errors.CodePortSyntax},
		{"port bounds", func(_ *testing.T, p *RunParams) { p.Ports = "100-80" }, errors.CodePortRange},
		{"zero rate", func(_ *testing.T, p *RunParams) { p.Rate = 0 }, errors.CodeValidation},
		{"zero concurrency", func(_ *testing.T, p *RunParams) { p.Concurrency = 0 }, errors.CodeValidation},
		{"negative timeout", func(_ *testing.T, p *RunParams) { p.Timeout = -time.Second }, errors.CodeValidation},
		{"unknown sweeper", func(_ *testing.T, p *RunParams) { p.Sweeper = "zmap" }, errors.CodeValidation},
		{"missing output directory", func(t *testing.T, p *RunParams) {
			p.Out = filepath.Join(t.TempDir(), "missing", "out.txt")
		}, errors.CodePathNotFound},
		{"output is a directory", func(t *testing.T, p *RunParams) {
			p.Out = t.TempDir()
		}, errors.CodeValidation},
		{"missing report directory", func(t *testing.T, p *RunParams) {
			p.Report = filepath.Join(t.TempDir(), "missing", "report.xml")
		}, errors.CodePathNotFound},
		{"reused report absent", func(t *testing.T, p *RunParams) {
			p.ReuseReport = true
			p.Report = filepath.Join(t.TempDir(), "report.xml")
		}, errors.CodePathNotFound},
		{"reuse without report path", func(_ *testing.T, p *RunParams) { p.ReuseReport = true }, errors.CodeConfiguration},
		{"missing targets file", func(t *testing.T, p *RunParams) {
			p.TargetsFile = filepath.Join(t.TempDir(), "ip_list.txt")
		}, errors.CodePathNotFound},
		{"missing metrics directory", func(t *testing.T, p *RunParams) {
			p.MetricsFile = filepath.Join(t.TempDir(), "missing", "reconpipe.prom")
		}, errors.CodePathNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams(t.TempDir())
			tt.modify(t, &p)

			rc, err := NewRunConfig(p, runDate)
			require.Error(t, err)
			assert.Nil(t, rc)
			assert.Equal(t, tt.code, errors.GetCode(err), "got %v", err)
			assert.True(t, errors.IsConfig(err))
		})
	}
}

// chdir changes the working directory for the duration of the test,
// restoring it on cleanup (equivalent of testing.T.Chdir, Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatal(err)
		}
	})
}
