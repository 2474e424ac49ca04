package scanning

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/reconpipe/internal/errors"
)

const masscanReport = `<?xml version="1.0"?>
<!-- masscan v1.0 scan -->
<nmaprun scanner="masscan" start="1760781600" version="1.0-BETA" xmloutputversion="1.03">
<scaninfo type="syn" protocol="tcp" />
<host endtime="1760781601"><address addr="10.0.0.1" addrtype="ipv4"/><ports><port protocol="tcp" portid="22"><state state="open" reason="syn-ack" reason_ttl="64"/></port></ports></host>
<host endtime="1760781601"><address addr="10.0.0.1" addrtype="ipv4"/><ports><port protocol="tcp" portid="80"><state state="open" reason="syn-ack" reason_ttl="64"/></port></ports></host>
<host endtime="1760781602"><address addr="10.0.0.2" addrtype="ipv4"/><ports><port protocol="tcp" portid="443"><state state="open" reason="syn-ack" reason_ttl="64"/></port></ports></host>
<runstats>
<finished time="1760781610" timestr="2026-10-18 10:00:10" elapsed="10" />
<hosts up="2" down="0" total="2" />
</runstats>
</nmaprun>
`

const nmapReport = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE nmaprun>
<nmaprun scanner="nmap" args="nmap -n -T4 --open -p 1-1024 -oX r.xml 10.0.0.0/30" start="1760781600" version="7.94">
<host starttime="1760781600" endtime="1760781605">
<status state="up" reason="syn-ack"/>
<address addr="10.0.0.1" addrtype="ipv4"/>
<address addr="00:11:22:33:44:55" addrtype="mac" vendor="Acme"/>
<ports>
<port protocol="tcp" portid="22"><state state="open" reason="syn-ack" reason_ttl="64"/><service name="ssh"/></port>
<port protocol="tcp" portid="80"><state state="open" reason="syn-ack" reason_ttl="64"/><service name="http"/></port>
<port protocol="tcp" portid="81"><state state="closed" reason="reset" reason_ttl="64"/></port>
</ports>
</host>
<host starttime="1760781600" endtime="1760781605">
<status state="up" reason="syn-ack"/>
<address addr="10.0.0.2" addrtype="ipv4"/>
<ports>
<port protocol="tcp" portid="443"><state state="open" reason="syn-ack" reason_ttl="64"/></port>
</ports>
</host>
</nmaprun>
`

var expectedJobs = []ScanJob{
	{Address: "10.0.0.1", Port: 22},
	{Address: "10.0.0.1", Port: 80},
	{Address: "10.0.0.2", Port: 443},
}

func TestParseReport(t *testing.T) {
	t.Run("masscan layout", func(t *testing.T) {
		set, stats, err := ParseReport(strings.NewReader(masscanReport), ParseOptions{})
		require.NoError(t, err)
		assert.Equal(t, expectedJobs, set.Jobs())
		assert.Equal(t, 3, stats.Hosts)
		assert.Equal(t, 0, stats.Duplicates)
	})

	t.Run("nmap layout", func(t *testing.T) {
		set, stats, err := ParseReport(strings.NewReader(nmapReport), ParseOptions{})
		require.NoError(t, err)
		assert.Equal(t, expectedJobs, set.Jobs())
		assert.Equal(t, 2, stats.Hosts)
		assert.Equal(t, 4, stats.Ports)
		assert.Equal(t, 1, stats.NotOpen)
	})

	t.Run("port without state is kept", func(t *testing.T) {
		report := `<nmaprun><host><address addr="10.0.0.5" addrtype="ipv4"/><ports><port protocol="tcp" portid="8080"/></ports></host></nmaprun>`
		set, _, err := ParseReport(strings.NewReader(report), ParseOptions{})
		require.NoError(t, err)
		assert.Equal(t, []ScanJob{{Address: "10.0.0.5", Port: 8080}}, set.Jobs())
	})

	t.Run("empty report yields empty set", func(t *testing.T) {
		set, stats, err := ParseReport(strings.NewReader(`<nmaprun scanner="masscan"></nmaprun>`), ParseOptions{})
		require.NoError(t, err)
		assert.Equal(t, 0, set.Len())
		assert.Equal(t, 0, stats.Hosts)
	})

	t.Run("hosts without ports are skipped", func(t *testing.T) {
		report := `<nmaprun>
<host><address addr="10.0.0.1" addrtype="ipv4"/></host>
<host><address addr="10.0.0.2" addrtype="ipv4"/><ports></ports></host>
<host><address addr="10.0.0.3" addrtype="ipv4"/><ports><port protocol="tcp" portid="25"><state state="open"/></port></ports></host>
</nmaprun>`
		set, stats, err := ParseReport(strings.NewReader(report), ParseOptions{})
		require.NoError(t, err)
		assert.Equal(t, []ScanJob{{Address: "10.0.0.3", Port: 25}}, set.Jobs())
		assert.Equal(t, 2, stats.EmptyHosts)
	})

	t.Run("duplicates are dropped", func(t *testing.T) {
		report := `<nmaprun>
<host><address addr="10.0.0.1" addrtype="ipv4"/><ports><port protocol="tcp" portid="22"><state state="open"/></port></ports></host>
<host><address addr="10.0.0.1" addrtype="ipv4"/><ports><port protocol="tcp" portid="22"><state state="open"/></port></ports></host>
<host><address addr="10.0.0.1" addrtype="ipv4"/><ports><port protocol="udp" portid="22"><state state="open"/></port></ports></host>
</nmaprun>`
		set, stats, err := ParseReport(strings.NewReader(report), ParseOptions{})
		require.NoError(t, err)
		assert.Equal(t, []ScanJob{{Address: "10.0.0.1", Port: 22}}, set.Jobs())
		assert.Equal(t, 2, stats.Duplicates)
	})

	t.Run("addresses are canonicalized", func(t *testing.T) {
		report := `<nmaprun>
<host><address addr="::ffff:10.0.0.1" addrtype="ipv6"/><ports><port protocol="tcp" portid="22"><state state="open"/></port></ports></host>
<host><address addr="10.0.0.1" addrtype="ipv4"/><ports><port protocol="tcp" portid="22"><state state="open"/></port></ports></host>
</nmaprun>`
		set, stats, err := ParseReport(strings.NewReader(report), ParseOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, set.Len())
		assert.Equal(t, 1, stats.Duplicates)
	})
}

func TestParseReportMultiplePortsPerHost(t *testing.T) {
	for _, tc := range []struct{ hosts, ports int }{{1, 2}, {3, 4}, {10, 25}} {
		t.Run(fmt.Sprintf("%dx%d", tc.hosts, tc.ports), func(t *testing.T) {
			var b strings.Builder
			b.WriteString("<nmaprun>")
			for h := 1; h <= tc.hosts; h++ {
				fmt.Fprintf(&b, `<host><address addr="10.1.0.%d" addrtype="ipv4"/><ports>`, h)
				for p := 1; p <= tc.ports; p++ {
					fmt.Fprintf(&b, `<port protocol="tcp" portid="%d"><state state="open"/></port>`, 1000+p)
				}
				b.WriteString("</ports></host>")
			}
			b.WriteString("</nmaprun>")

			set, _, err := ParseReport(strings.NewReader(b.String()), ParseOptions{})
			require.NoError(t, err)
			assert.Equal(t, tc.hosts*tc.ports, set.Len())
			assert.Equal(t, tc.hosts, set.Hosts())
		})
	}
}

func TestParseReportDeterminism(t *testing.T) {
	first, _, err := ParseReport(strings.NewReader(nmapReport), ParseOptions{})
	require.NoError(t, err)
	second, _, err := ParseReport(strings.NewReader(nmapReport), ParseOptions{})
	require.NoError(t, err)

	assert.Equal(t, first.Jobs(), second.Jobs())
}

func TestParseReportErrors(t *testing.T) {
	tests := []struct {
		name   string
		report string
		code   errors.ErrorCode
		field  string
		record int
	}{
		{name: "empty input", report: "", code: errors.CodeMalformedReport, record: -1},
		{name: "not xml", report: "Starting masscan 1.3.2", code: errors.CodeMalformedReport, record: -1},
		{name: "truncated", report: masscanReport[:len(masscanReport)/2], code: errors.CodeMalformedReport, record: -1},
		{name: "wrong root", report: `<scanresult><host/></scanresult>`, code: errors.CodeMalformedReport, record: -1},
		{name: "non-numeric port", report: `<nmaprun><host><address addr="10.0.0.1"/><ports><port portid="ssh"/></ports></host></nmaprun>`, code: errors.CodeMalformedReport, record: -1},
		{
			name:   "missing address",
			report: `<nmaprun><host><ports><port protocol="tcp" portid="22"/></ports></host></nmaprun>`,
			code:   errors.CodeMissingField, field: "address", record: 0,
		},
		{
			name:   "only a mac address",
			report: `<nmaprun><host><address addr="00:11:22:33:44:55" addrtype="mac"/><ports><port portid="22"/></ports></host></nmaprun>`,
			code:   errors.CodeMissingField, field: "address", record: 0,
		},
		{
			name: "missing portid",
			report: `<nmaprun>
<host><address addr="10.0.0.1" addrtype="ipv4"/><ports><port protocol="tcp" portid="22"/></ports></host>
<host><address addr="10.0.0.2" addrtype="ipv4"/><ports><port protocol="tcp"/></ports></host>
</nmaprun>`,
			code: errors.CodeMissingField, field: "portid", record: 1,
		},
		{
			name:   "hostname instead of address",
			report: `<nmaprun><host><address addr="router.local" addrtype="ipv4"/><ports><port portid="22"/></ports></host></nmaprun>`,
			code:   errors.CodeMalformedReport, record: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, _, err := ParseReport(strings.NewReader(tt.report), ParseOptions{Path: "report.xml"})
			require.Error(t, err)
			assert.Nil(t, set)
			assert.Equal(t, tt.code, errors.GetCode(err))
			assert.True(t, errors.IsFatal(err))

			var reportErr *errors.ReportError
			require.ErrorAs(t, err, &reportErr)
			assert.Equal(t, tt.field, reportErr.Field)
			assert.Equal(t, tt.record, reportErr.Record)
			assert.Equal(t, "report.xml", reportErr.Path)
		})
	}
}

func TestParseReportHostWithoutPortsNeedsNoAddress(t *testing.T) {
	report := `<nmaprun>
<host><status state="up"/></host>
<host><address addr="00:11:22:33:44:55" addrtype="mac"/><ports></ports></host>
<host><address addr="10.0.0.3" addrtype="ipv4"/><ports><port protocol="tcp" portid="80"/></ports></host>
</nmaprun>`

	set, stats, err := ParseReport(strings.NewReader(report), ParseOptions{})
	require.NoError(t, err)
	assert.Equal(t, []ScanJob{{Address: "10.0.0.3", Port: 80}}, set.Jobs())
	assert.Equal(t, 3, stats.Hosts)
	assert.Equal(t, 2, stats.EmptyHosts)
	assert.Zero(t, stats.Skipped)
}

func TestParseReportLenient(t *testing.T) {
	report := `<nmaprun>
<host><ports><port protocol="tcp" portid="22"/></ports></host>
<host><address addr="router.local" addrtype="ipv4"/><ports><port portid="22"/></ports></host>
<host><address addr="10.0.0.2" addrtype="ipv4"/><ports><port protocol="tcp"/><port protocol="tcp" portid="443"/></ports></host>
</nmaprun>`

	set, stats, err := ParseReport(strings.NewReader(report), ParseOptions{Lenient: true})
	require.NoError(t, err)
	assert.Equal(t, []ScanJob{{Address: "10.0.0.2", Port: 443}}, set.Jobs())
	assert.Equal(t, 3, stats.Skipped)

	_, _, err = ParseReport(strings.NewReader(masscanReport[:40]), ParseOptions{Lenient: true})
	assert.True(t, errors.IsCode(err, errors.CodeMalformedReport), "document-level errors stay fatal")
}

func TestParseReportFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "discovery report.xml")
	require.NoError(t, os.WriteFile(path, []byte(masscanReport), 0o600))

	set, _, err := ParseReportFile(path, ParseOptions{})
	require.NoError(t, err)
	assert.Equal(t, expectedJobs, set.Jobs())

	_, _, err = ParseReportFile(filepath.Join(dir, "missing.xml"), ParseOptions{})
	require.Error(t, err)
	assert.Equal(t, errors.CodeMalformedReport, errors.GetCode(err))
	assert.Contains(t, err.Error(), "missing.xml")
}
