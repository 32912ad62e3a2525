package session

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func writeLines(rb *RingBuffer, from, to int) {
	for i := from; i < to; i++ {
		rb.Write(fmt.Sprintf("line-%d", i), epoch.Add(time.Duration(i)*time.Second))
	}
}

func TestRingBuffer_EmptyRead(t *testing.T) {
	rb := NewRingBuffer(10)
	if lines := rb.ReadAll(); len(lines) != 0 {
		t.Errorf("expected empty buffer, got %d lines", len(lines))
	}
}

func TestRingBuffer_PartialFill(t *testing.T) {
	rb := NewRingBuffer(10)
	writeLines(rb, 0, 5)

	lines := rb.ReadAll()
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(lines))
	}
	for i, l := range lines {
		if want := fmt.Sprintf("line-%d", i); l.Data != want {
			t.Errorf("line %d: expected %s, got %s", i, want, l.Data)
		}
	}
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := NewRingBuffer(5)
	writeLines(rb, 0, 8)

	lines := rb.ReadAll()
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(lines))
	}
	// Oldest dropped: 3..7 remain.
	for i, l := range lines {
		if want := fmt.Sprintf("line-%d", i+3); l.Data != want {
			t.Errorf("line %d: expected %s, got %s", i, want, l.Data)
		}
	}
}

func TestRingBuffer_NonPositiveCapacity(t *testing.T) {
	rb := NewRingBuffer(0)
	writeLines(rb, 1, 3)

	lines := rb.ReadAll()
	if len(lines) != 1 || lines[0].Data != "line-2" {
		t.Errorf("expected only the newest line, got %+v", lines)
	}
}

func TestRingBuffer_FoldsRepeats(t *testing.T) {
	rb := NewRingBuffer(3)
	for range 4 {
		rb.Write("thread 'main' panicked", epoch)
	}
	rb.Write("note: run with RUST_BACKTRACE=1", epoch)

	got := rb.Lines()
	want := []string{"thread 'main' panicked (x4)", "note: run with RUST_BACKTRACE=1"}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %q", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestRingBuffer_NormalizesLines(t *testing.T) {
	rb := NewRingBuffer(2)
	rb.Write("error: bad flavor \r", epoch)
	rb.Write(strings.Repeat("x", 2*maxStderrLineWidth), epoch)

	lines := rb.ReadAll()
	if lines[0].Data != "error: bad flavor" {
		t.Errorf("trailing whitespace kept: %q", lines[0].Data)
	}
	if !strings.HasSuffix(lines[1].Data, "…") || len([]rune(lines[1].Data)) != maxStderrLineWidth {
		t.Errorf("long line not cut to %d cells: %d runes", maxStderrLineWidth, len([]rune(lines[1].Data)))
	}
}
