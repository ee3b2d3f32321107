package job

import (
	"strings"
	"sync"

	"github.com/Frohrer/codux/internal/runner/event"
)

const (
	tracebackMarker    = "Traceback (most recent call last):"
	errorBufferLimit   = 16 * 1024
	errorQueueCapacity = 16
)

var errorPatterns = []string{
	"Exception: ",
	"Error: ",
	tracebackMarker,
	"RuntimeError: ",
	"ImportError: ",
	"ModuleNotFoundError: ",
}

// errorMonitor reports application errors seen in the output as error events
// without stopping the process. Bus handlers run under the bus lock, so
// reports are emitted from a separate goroutine.
type errorMonitor struct {
	bus *event.Bus

	mu     sync.Mutex
	buffer string

	reports chan string
	done    chan struct{}
	once    sync.Once
}

func newErrorMonitor(bus *event.Bus) *errorMonitor {
	m := &errorMonitor{
		bus:     bus,
		reports: make(chan string, errorQueueCapacity),
		done:    make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *errorMonitor) observe(ev event.Event) {
	if ev.Kind != event.KindStdout && ev.Kind != event.KindStderr {
		return
	}
	chunk := string(ev.Data)
	m.mu.Lock()
	m.buffer += chunk
	if over := len(m.buffer) - errorBufferLimit; over > 0 {
		m.buffer = m.buffer[over:]
	}
	if !containsErrorPattern(chunk) {
		m.mu.Unlock()
		return
	}
	message := parseError(m.buffer)
	m.buffer = ""
	m.mu.Unlock()

	select {
	case m.reports <- message:
	default:
	}
}

func (m *errorMonitor) loop() {
	for {
		select {
		case message := <-m.reports:
			m.bus.EmitError(message)
		case <-m.done:
			return
		}
	}
}

func (m *errorMonitor) Close() {
	m.once.Do(func() { close(m.done) })
}

func containsErrorPattern(text string) bool {
	for _, pattern := range errorPatterns {
		if strings.Contains(text, pattern) {
			return true
		}
	}
	return false
}

// parseError condenses a python traceback into one line, dropping the
// "File ..." frames. Other output is returned unchanged.
func parseError(buffer string) string {
	var b strings.Builder
	inTraceback := false
	for _, line := range strings.Split(buffer, "\n") {
		if strings.Contains(line, "Traceback (most recent call last)") {
			inTraceback = true
			b.Reset()
			b.WriteString("Python Error: ")
			continue
		}
		if !inTraceback {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "File") {
			continue
		}
		b.WriteString(trimmed)
		b.WriteString(" ")
	}
	if message := strings.TrimSpace(b.String()); message != "" {
		return message
	}
	return buffer
}
