package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"
)

// maxStderrLineWidth bounds one kept line. A worker that panics while
// printing a parsed pattern can write a very long line.
const maxStderrLineWidth = 512

// StderrLine is one line the worker wrote to stderr. Identical lines in
// a row are folded into one entry.
type StderrLine struct {
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	Repeats   int       `json:"repeats,omitempty"`
}

func (l StderrLine) String() string {
	if l.Repeats > 0 {
		return fmt.Sprintf("%s (x%d)", l.Data, l.Repeats+1)
	}
	return l.Data
}

// RingBuffer keeps the last lines of worker stderr for diagnostics
// after the worker fails.
type RingBuffer struct {
	mu    sync.RWMutex
	lines []StderrLine
	head  int // oldest entry
	count int
}

// NewRingBuffer creates a buffer holding capacity lines. A non-positive
// capacity keeps a single line.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{lines: make([]StderrLine, capacity)}
}

// Write records text seen at the given time. Trailing whitespace is
// dropped and overlong lines are cut.
func (rb *RingBuffer) Write(text string, at time.Time) {
	text = normalizeStderr(text)

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count > 0 {
		last := &rb.lines[(rb.head+rb.count-1)%len(rb.lines)]
		if last.Data == text {
			last.Repeats++
			last.Timestamp = at
			return
		}
	}

	line := StderrLine{Data: text, Timestamp: at}
	if rb.count < len(rb.lines) {
		rb.lines[(rb.head+rb.count)%len(rb.lines)] = line
		rb.count++
		return
	}
	rb.lines[rb.head] = line
	rb.head = (rb.head + 1) % len(rb.lines)
}

// ReadAll returns the kept lines, oldest first.
func (rb *RingBuffer) ReadAll() []StderrLine {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	out := make([]StderrLine, rb.count)
	for i := range out {
		out[i] = rb.lines[(rb.head+i)%len(rb.lines)]
	}
	return out
}

// Lines renders the kept lines for logs and error messages.
func (rb *RingBuffer) Lines() []string {
	entries := rb.ReadAll()
	out := make([]string, len(entries))
	for i, l := range entries {
		out[i] = l.String()
	}
	return out
}

func normalizeStderr(text string) string {
	text = strings.TrimRight(text, " \t\r")
	if runewidth.StringWidth(text) > maxStderrLineWidth {
		text = runewidth.Truncate(text, maxStderrLineWidth, "…")
	}
	return text
}
