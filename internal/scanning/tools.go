package scanning

import (
	stderrors "errors"
	"os/exec"
	"sync"

	"github.com/anstrom/reconpipe/internal/errors"
)

// DefaultStderrTail is how many trailing bytes of a tool's stderr are kept for error reports.
const DefaultStderrTail = 4096

// ResolveTool locates an executable on PATH, or checks an explicit path.
func ResolveTool(name string) (string, error) {
	if name == "" {
		return "", errors.ErrToolUnavailable(name, nil)
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", errors.ErrToolUnavailable(name, err)
	}
	return path, nil
}

// ExitCode extracts the process exit code from an exec error, or -1 when the
// process never ran or was killed by a signal.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// TailBuffer is an io.Writer that keeps only the last bytes written to it.
type TailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

// NewTailBuffer creates a TailBuffer keeping at most limit bytes.
func NewTailBuffer(limit int) *TailBuffer {
	if limit <= 0 {
		limit = DefaultStderrTail
	}
	return &TailBuffer{limit: limit}
}

// Write implements io.Writer and never fails.
func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

// String returns the retained bytes.
func (b *TailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
