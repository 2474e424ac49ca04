package scanning

import (
	stderrors "errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/anstrom/reconpipe/internal/errors"
)

var validate = validator.New()

// NetworkRange is a syntactically valid IPv4 CIDR block or single IPv4 address.
type NetworkRange string

// ParseNetworkRange validates expr and returns it as a NetworkRange.
// Only syntax is checked; the range is passed to the sweeper verbatim.
func ParseNetworkRange(expr string) (NetworkRange, error) {
	expr = strings.TrimSpace(expr)
	if err := validate.Var(expr, "required,cidrv4|ipv4"); err != nil {
		return "", errors.ErrInvalidTarget(expr)
	}
	return NetworkRange(expr), nil
}

// ParseNetworkRanges validates every expression, failing on the first invalid one.
func ParseNetworkRanges(exprs []string) ([]NetworkRange, error) {
	ranges := make([]NetworkRange, 0, len(exprs))
	for _, expr := range exprs {
		r, err := ParseNetworkRange(expr)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}

// String returns the range as given.
func (r NetworkRange) String() string {
	return string(r)
}

// PortRange is an inclusive window of TCP ports with 1 <= Low < High <= 65535.
type PortRange struct {
	Low  uint16
	High uint16
}

// String renders the range in the "<low>-<high>" form both tools accept.
func (p PortRange) String() string {
	return fmt.Sprintf("%d-%d", p.Low, p.High)
}

// Contains reports whether port lies inside the range.
func (p PortRange) Contains(port uint16) bool {
	return port >= p.Low && port <= p.High
}

// Size returns the number of ports in the range.
func (p PortRange) Size() int {
	return int(p.High) - int(p.Low) + 1
}

// ScanJob is one unit of inspection work: a single open port on a single host.
type ScanJob struct {
	Address string
	Port    uint16
}

// String returns the job as host:port.
func (j ScanJob) String() string {
	return net.JoinHostPort(j.Address, strconv.Itoa(int(j.Port)))
}

// FindingStatus tags how an inspection ended.
type FindingStatus string

const (
	StatusOK      FindingStatus = "ok"
	StatusFailed  FindingStatus = "failed"
	StatusTimeout FindingStatus = "timeout"
)

// Valid reports whether s is a known status.
func (s FindingStatus) Valid() bool {
	switch s {
	case StatusOK, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

// Finding is the outcome of inspecting one ScanJob.
type Finding struct {
	Job       ScanJob
	Text      string
	Timestamp time.Time
	Status    FindingStatus
}

// Degraded reports whether the finding records a failure instead of tool output.
func (f Finding) Degraded() bool {
	return f.Status != StatusOK
}

// Empty reports whether a successful inspection produced no output.
func (f Finding) Empty() bool {
	return f.Status == StatusOK && strings.TrimSpace(f.Text) == ""
}

// DegradedFinding converts an inspection error into a finding that records the failure.
func DegradedFinding(job ScanJob, err error, ts time.Time) Finding {
	status := StatusFailed
	if errors.IsCode(err, errors.CodeInspectionTimeout) {
		status = StatusTimeout
	}

	text := "inspection error"
	if err != nil {
		text = err.Error()
	}

	var toolErr *errors.ToolError
	if stderrors.As(err, &toolErr) && strings.TrimSpace(toolErr.Stderr) != "" {
		text += "\nstderr:\n" + strings.TrimRight(toolErr.Stderr, "\n")
	}

	return Finding{
		Job:       job,
		Text:      text,
		Timestamp: ts.UTC(),
		Status:    status,
	}
}

// TargetSet is a deduplicated, deterministically ordered set of ScanJobs.
// It is not safe for concurrent mutation; treat it as read-only once built.
type TargetSet struct {
	seen map[ScanJob]struct{}
	jobs []ScanJob
}

// NewTargetSet creates an empty TargetSet.
func NewTargetSet() *TargetSet {
	return &TargetSet{seen: make(map[ScanJob]struct{})}
}

// Add inserts job and reports whether it was new.
func (s *TargetSet) Add(job ScanJob) bool {
	if _, ok := s.seen[job]; ok {
		return false
	}
	s.seen[job] = struct{}{}
	s.jobs = append(s.jobs, job)
	return true
}

// Contains reports whether job is in the set.
func (s *TargetSet) Contains(job ScanJob) bool {
	_, ok := s.seen[job]
	return ok
}

// Len returns the number of distinct jobs.
func (s *TargetSet) Len() int {
	return len(s.jobs)
}

// Jobs returns the jobs ordered by address (numerically) and then by port.
func (s *TargetSet) Jobs() []ScanJob {
	jobs := slices.Clone(s.jobs)
	slices.SortFunc(jobs, compareJobs)
	return jobs
}

// Hosts returns the number of distinct addresses in the set.
func (s *TargetSet) Hosts() int {
	hosts := make(map[string]struct{}, len(s.jobs))
	for _, job := range s.jobs {
		hosts[job.Address] = struct{}{}
	}
	return len(hosts)
}

func compareJobs(a, b ScanJob) int {
	aa, aErr := netip.ParseAddr(a.Address)
	ba, bErr := netip.ParseAddr(b.Address)
	if aErr == nil && bErr == nil {
		if c := aa.Compare(ba); c != 0 {
			return c
		}
	} else if c := strings.Compare(a.Address, b.Address); c != 0 {
		return c
	}

	switch {
	case a.Port < b.Port:
		return -1
	case a.Port > b.Port:
		return 1
	default:
		return 0
	}
}
