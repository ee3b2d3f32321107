package sandbox

import (
	"bytes"
	"sync"

	"github.com/Frohrer/codux/internal/runner/sandbox/result"
)

const (
	streamStdout = "stdout"
	streamStderr = "stderr"
)

// outputCapture accumulates stage output with a per-stream ceiling.
type outputCapture struct {
	mu      sync.Mutex
	limit   int64
	stdout  bytes.Buffer
	stderr  bytes.Buffer
	output  bytes.Buffer
	status  result.Status
	message string
}

func newOutputCapture(limit int64) *outputCapture {
	return &outputCapture{limit: limit}
}

// write appends chunk to stream and reports whether the stream crossed its ceiling.
// Only the part of the chunk that fits is kept.
func (c *outputCapture) write(stream string, chunk []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := &c.stdout
	if stream == streamStderr {
		buf = &c.stderr
	}
	if c.limit <= 0 {
		buf.Write(chunk)
		c.output.Write(chunk)
		return false
	}
	room := c.limit - int64(buf.Len())
	if int64(len(chunk)) <= room {
		buf.Write(chunk)
		c.output.Write(chunk)
		return false
	}
	if room > 0 {
		buf.Write(chunk[:room])
		c.output.Write(chunk[:room])
	}
	if c.status == result.StatusNone {
		if stream == streamStderr {
			c.status = result.StatusStderrLimit
			c.message = "stderr length exceeded"
		} else {
			c.status = result.StatusStdoutLimit
			c.message = "stdout length exceeded"
		}
	}
	return true
}

func (c *outputCapture) snapshot() (stdout, stderr, output string, status result.Status, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stdout.String(), c.stderr.String(), c.output.String(), c.status, c.message
}
