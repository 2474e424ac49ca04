package sink

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/anstrom/reconpipe/internal/scanning"
)

const (
	headerMarker = "==>"
	headerPrefix = headerMarker + " "

	// truncatedLine closes a record that was cut short.
	truncatedLine = headerMarker + " truncated"

	// Inspection output can contain very long lines (script dumps).
	maxLineSize = 4 * 1024 * 1024
)

// Record is one finding read back from a result log.
type Record struct {
	Job       scanning.ScanJob
	Status    scanning.FindingStatus
	Timestamp time.Time
	Text      string
	// Complete is false for a record that was cut short: one followed by the
	// truncation marker or not closed by a blank line.
	Complete bool
}

// truncationMarker terminates a torn record. The leading newline ends a
// partially written line; an extra blank line inside a torn body is harmless.
func truncationMarker() []byte {
	return []byte("\n" + truncatedLine + "\n\n")
}

// FormatRecord renders a finding in the result log format:
//
//	==> 10.0.0.1:22 ok 2026-10-18T10:00:00Z
//	<finding text>
//	<blank line>
//
// Text lines that would look like a header get one extra leading space.
func FormatRecord(f scanning.Finding) []byte {
	var b strings.Builder

	b.WriteString(headerPrefix)
	b.WriteString(f.Job.String())
	b.WriteByte(' ')
	b.WriteString(string(f.Status))
	b.WriteByte(' ')
	b.WriteString(f.Timestamp.UTC().Format(time.RFC3339))
	b.WriteByte('\n')

	body := strings.TrimRight(f.Text, "\n")
	for i, line := range strings.Split(body, "\n") {
		if i > 0 {
			b.WriteByte('\n')
		}
		if looksLikeHeader(line) {
			b.WriteByte(' ')
		}
		b.WriteString(line)
	}
	b.WriteString("\n\n")

	return []byte(b.String())
}

// looksLikeHeader reports whether line is optional spaces followed by the header marker.
func looksLikeHeader(line string) bool {
	return strings.HasPrefix(strings.TrimLeft(line, " "), headerMarker)
}

func unescape(line string) string {
	if strings.HasPrefix(line, " ") && looksLikeHeader(line) {
		return line[1:]
	}
	return line
}

// ReadRecords parses a complete result log. Any line that cannot be placed in
// a well-formed record is an error.
func ReadRecords(r io.Reader) ([]Record, error) {
	return readRecords(r, true)
}

// CompletedJobs returns the jobs recorded with status ok in complete records
// of the result log at path. A missing file yields an empty set. Torn records
// and headers left by an interrupted write are ignored.
func CompletedJobs(path string) (map[scanning.ScanJob]struct{}, error) {
	completed := make(map[scanning.ScanJob]struct{})

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return completed, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open result log %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	records, err := readRecords(f, false)
	if err != nil {
		return nil, fmt.Errorf("failed to read result log %s: %w", path, err)
	}

	for _, rec := range records {
		if rec.Complete && rec.Status == scanning.StatusOK {
			completed[rec.Job] = struct{}{}
		}
	}
	return completed, nil
}

func readRecords(r io.Reader, strict bool) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var (
		records []Record
		current *Record
		body    []string
		lineNo  int
		// A header that failed to parse is acceptable only when the
		// truncation marker follows it.
		badHeader error
	)

	// flush closes the current record; closed is false when it was cut short.
	flush := func(closed bool) {
		if current == nil {
			return
		}
		current.Complete = closed && len(body) > 0 && body[len(body)-1] == ""
		current.Text = strings.TrimRight(strings.Join(body, "\n"), "\n")
		records = append(records, *current)
		current = nil
		body = nil
	}

	startRecord := func(line string) {
		flush(true)
		rec, err := parseHeader(line)
		if err != nil {
			if strict {
				badHeader = fmt.Errorf("line %d: %w", lineNo, err)
			}
			return
		}
		current = &rec
	}

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		if badHeader != nil {
			if line != truncatedLine {
				return nil, badHeader
			}
			badHeader = nil
			continue
		}

		if line == truncatedLine {
			flush(false)
			continue
		}

		if strings.HasPrefix(line, headerMarker) {
			startRecord(line)
			continue
		}

		// A header glued to the torn tail of the previous record.
		if idx := strings.Index(line, headerPrefix); idx > 0 && current != nil {
			if _, err := parseHeader(line[idx:]); err == nil {
				body = append(body, unescape(line[:idx]))
				flush(false)
				startRecord(line[idx:])
				continue
			}
		}

		if current == nil {
			if strict && line != "" {
				return nil, fmt.Errorf("line %d: text outside of a record", lineNo)
			}
			continue
		}
		body = append(body, unescape(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if badHeader != nil {
		return nil, badHeader
	}
	flush(true)

	return records, nil
}

func parseHeader(line string) (Record, error) {
	fields := strings.Fields(strings.TrimPrefix(line, headerMarker))
	if len(fields) != 3 {
		return Record{}, fmt.Errorf("malformed record header %q", line)
	}

	host, portStr, err := net.SplitHostPort(fields[0])
	if err != nil {
		return Record{}, fmt.Errorf("malformed record target %q: %w", fields[0], err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Record{}, fmt.Errorf("malformed record port %q", portStr)
	}

	status := scanning.FindingStatus(fields[1])
	if !status.Valid() {
		return Record{}, fmt.Errorf("unknown record status %q", fields[1])
	}

	ts, err := time.Parse(time.RFC3339, fields[2])
	if err != nil {
		return Record{}, fmt.Errorf("malformed record timestamp %q: %w", fields[2], err)
	}

	return Record{
		Job:       scanning.ScanJob{Address: host, Port: uint16(port)},
		Status:    status,
		Timestamp: ts,
	}, nil
}
