package scanning

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/netip"
	"os"

	"github.com/Ullaakut/nmap/v3"

	"github.com/anstrom/reconpipe/internal/errors"
)

const (
	reportRootElement = "nmaprun"
	portStateOpen     = "open"
)

// ParseOptions controls how a discovery report is turned into targets.
type ParseOptions struct {
	// Lenient skips host or port records with missing or invalid fields
	// instead of failing the whole report.
	Lenient bool
	// Path is the report location, used only in error messages.
	Path string
}

// ParseStats summarizes what the parser saw in a report.
type ParseStats struct {
	Hosts      int
	EmptyHosts int
	Ports      int
	NotOpen    int
	Duplicates int
	Skipped    int
}

// ParseReportFile opens and parses the report at path.
func ParseReportFile(path string, opts ParseOptions) (*TargetSet, ParseStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ParseStats{}, errors.ErrMalformedReport(path, -1, err)
	}
	defer func() { _ = f.Close() }()

	if opts.Path == "" {
		opts.Path = path
	}
	return ParseReport(f, opts)
}

// ParseReport reads an nmap-compatible XML report, as written by both
// masscan -oX and nmap -oX, and returns one ScanJob per open port record.
func ParseReport(r io.Reader, opts ParseOptions) (*TargetSet, ParseStats, error) {
	var stats ParseStats

	run, err := decodeRun(r)
	if err != nil {
		return nil, stats, errors.ErrMalformedReport(opts.Path, -1, err)
	}

	targets := NewTargetSet()
	for i := range run.Hosts {
		host := &run.Hosts[i]
		stats.Hosts++

		// A host without ports yields no jobs, so its address is never needed.
		if len(host.Ports) == 0 {
			stats.EmptyHosts++
			continue
		}

		address, err := hostAddress(host, i, opts.Path)
		if err != nil {
			if opts.Lenient {
				stats.Skipped++
				continue
			}
			return nil, stats, err
		}

		for j := range host.Ports {
			port := &host.Ports[j]
			stats.Ports++

			if port.ID == 0 {
				if opts.Lenient {
					stats.Skipped++
					continue
				}
				return nil, stats, errors.ErrMissingField(opts.Path, i, "portid")
			}

			if port.State.State != "" && port.State.State != portStateOpen {
				stats.NotOpen++
				continue
			}

			if !targets.Add(ScanJob{Address: address, Port: port.ID}) {
				stats.Duplicates++
			}
		}
	}

	return targets, stats, nil
}

// decodeRun checks the document root before decoding so that arbitrary
// well-formed XML is not mistaken for an empty report.
func decodeRun(r io.Reader) (*nmap.Run, error) {
	decoder := xml.NewDecoder(r)

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("no %s element found", reportRootElement)
		}
		if err != nil {
			return nil, err
		}

		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != reportRootElement {
			return nil, fmt.Errorf("unexpected root element <%s>", start.Name.Local)
		}

		var run nmap.Run
		if err := decoder.DecodeElement(&run, &start); err != nil {
			return nil, err
		}
		return &run, nil
	}
}

// hostAddress returns the canonical IP address of a host record, preferring
// IPv4 and IPv6 entries over hardware addresses.
func hostAddress(host *nmap.Host, record int, path string) (string, error) {
	var candidate string
	for _, addr := range host.Addresses {
		if addr.Addr == "" {
			continue
		}
		if addr.AddrType == "ipv4" || addr.AddrType == "ipv6" || addr.AddrType == "" {
			candidate = addr.Addr
			break
		}
	}
	if candidate == "" {
		return "", errors.ErrMissingField(path, record, "address")
	}

	ip, err := netip.ParseAddr(candidate)
	if err != nil {
		return "", errors.ErrMalformedReport(path, record, err)
	}
	return ip.Unmap().String(), nil
}
