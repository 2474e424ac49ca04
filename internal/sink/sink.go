// Package sink writes inspection findings to the append-only result log.
//
// Each finding becomes one record: a header line, the finding text and a
// blank separator line. Every record is written with a single Write call and
// fsynced while holding the sink's lock, so records from concurrent workers
// never interleave and a crash loses at most the record being written. A
// record cut short by a crash or a short write is closed with a truncation
// marker before anything else is appended, so it is never merged with the
// next record.
package sink

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/anstrom/reconpipe/internal/errors"
	"github.com/anstrom/reconpipe/internal/logging"
	"github.com/anstrom/reconpipe/internal/metrics"
	"github.com/anstrom/reconpipe/internal/scanning"
)

const (
	// File permissions for the result log.
	logFilePerm = 0600

	// A failed append is retried this many times before the finding is lost.
	writeRetries = 1
)

// File is the subset of *os.File the sink needs.
type File interface {
	io.Writer
	Sync() error
	Close() error
}

// Stats counts what happened to the findings passed to a Sink.
type Stats struct {
	Written int
	Lost    int
	Retries int
}

// Sink serializes findings into a single result log.
type Sink struct {
	mu      sync.Mutex
	file    File
	path    string
	torn    bool
	logger  *logging.Logger
	metrics *metrics.PrometheusMetrics
	stats   Stats
	closed  bool
}

// Option customizes a Sink.
type Option func(*Sink)

// WithLogger sets the logger that receives lost findings.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Sink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics instance updated by the sink.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(s *Sink) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Open opens path for appending, creating it if needed. The parent directory must exist.
func Open(path string, opts ...Option) (*Sink, error) {
	dir := filepath.Dir(path)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, errors.ErrPathNotFound("out", path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, logFilePerm)
	if err != nil {
		return nil, errors.ErrSinkWrite(path, "", fmt.Errorf("failed to open result log: %w", err))
	}

	torn, err := hasTornTail(f)
	if err != nil {
		_ = f.Close()
		return nil, errors.ErrSinkWrite(path, "", fmt.Errorf("failed to inspect result log: %w", err))
	}

	s := New(f, path, opts...)
	if torn {
		s.logger.Warn("Result log ends in an incomplete record; marking it truncated", "component", "sink", "path", path)
		if err := s.write(truncationMarker()); err != nil {
			_ = f.Close()
			return nil, errors.ErrSinkWrite(path, "", fmt.Errorf("failed to close torn record: %w", err))
		}
	}
	return s, nil
}

// hasTornTail reports whether a non-empty log does not end with the blank
// line that closes every record.
func hasTornTail(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	size := info.Size()
	if size == 0 {
		return false, nil
	}

	tail := make([]byte, 2)
	off := size - 2
	if off < 0 {
		tail, off = tail[:1], 0
	}
	if _, err := f.ReadAt(tail, off); err != nil {
		return false, err
	}
	return string(tail) != "\n\n", nil
}

// New wraps an already open file.
func New(f File, path string, opts ...Option) *Sink {
	s := &Sink{
		file:    f,
		path:    path,
		logger:  logging.Default(),
		metrics: metrics.GetGlobalMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the location of the result log.
func (s *Sink) Path() string {
	return s.path
}

// Append writes one finding. A failed write or sync is retried once; if the
// retry fails too the finding is reported as lost through the logger and a
// SINK_WRITE error is returned.
func (s *Sink) Append(f scanning.Finding) error {
	record := FormatRecord(f)
	target := f.Job.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return s.lose(f, errors.ErrSinkWrite(s.path, target, fmt.Errorf("result log is closed")))
	}

	var err error
	for attempt := 0; attempt <= writeRetries; attempt++ {
		if attempt > 0 {
			s.stats.Retries++
			s.metrics.IncrementWriteRetries()
		}
		data := record
		if s.torn {
			data = append(truncationMarker(), record...)
		}
		if err = s.write(data); err == nil {
			s.stats.Written++
			s.metrics.IncrementRecordsWritten()
			return nil
		}
		s.logger.Warn("Failed to append finding", "component", "sink", "target", target, "attempt", attempt+1, "error", err)
	}

	return s.lose(f, errors.ErrSinkWrite(s.path, target, err))
}

// write must be called with s.mu held, or before the sink is shared.
func (s *Sink) write(data []byte) error {
	n, err := s.file.Write(data)
	if n > 0 && n < len(data) {
		s.torn = true
	}
	if err != nil {
		return err
	}
	if n != len(data) {
		return io.ErrShortWrite
	}
	s.torn = false
	return s.file.Sync()
}

// lose must be called with s.mu held.
func (s *Sink) lose(f scanning.Finding, err error) error {
	s.stats.Lost++
	s.metrics.IncrementRecordsLost()
	s.logger.ErrorSink("Finding lost", err,
		"target", f.Job.String(),
		"status", string(f.Status),
		"timestamp", f.Timestamp,
		"text", f.Text)
	return err
}

// Stats returns a snapshot of the sink counters.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close flushes and closes the result log. It is safe to call more than once.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	syncErr := s.file.Sync()
	closeErr := s.file.Close()
	if syncErr != nil {
		return errors.ErrSinkWrite(s.path, "", fmt.Errorf("failed to flush result log: %w", syncErr))
	}
	if closeErr != nil {
		return errors.ErrSinkWrite(s.path, "", fmt.Errorf("failed to close result log: %w", closeErr))
	}

	s.logger.InfoSink("Result log closed",
		"path", s.path,
		"written", s.stats.Written,
		"lost", s.stats.Lost)
	return nil
}
