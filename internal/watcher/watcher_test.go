package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testDebounce = 50 * time.Millisecond

func writeExecutable(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}
}

func newTestWatcher(t *testing.T) (*Watcher, chan string) {
	t.Helper()
	fired := make(chan string, 10)
	w := New(testDebounce, nil, func(path string) { fired <- path })
	t.Cleanup(w.Shutdown)
	return w, fired
}

func expectFired(t *testing.T, fired chan string, want string) {
	t.Helper()
	select {
	case got := <-fired:
		if got != want {
			t.Errorf("callback for %s, want %s", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("callback not called")
	}
}

func expectQuiet(t *testing.T, fired chan string) {
	t.Helper()
	select {
	case got := <-fired:
		t.Fatalf("unexpected callback for %s", got)
	case <-time.After(10 * testDebounce):
	}
}

func TestWatcher_Overwrite(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "regex-railroad")
	writeExecutable(t, bin, "v1")

	w, fired := newTestWatcher(t)
	if err := w.Watch(bin); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	writeExecutable(t, bin, "version two")
	expectFired(t, fired, bin)
}

func TestWatcher_RenameOver(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "regex-railroad")
	writeExecutable(t, bin, "v1")

	w, fired := newTestWatcher(t)
	if err := w.Watch(bin); err != nil {
		t.Fatal(err)
	}

	tmp := filepath.Join(dir, "regex-railroad.download")
	writeExecutable(t, tmp, "new release")
	if err := os.Rename(tmp, bin); err != nil {
		t.Fatal(err)
	}
	expectFired(t, fired, bin)
}

func TestWatcher_MissingThenInstalled(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "regex-railroad")

	w, fired := newTestWatcher(t)
	if err := w.Watch(bin); err != nil {
		t.Fatal(err)
	}

	writeExecutable(t, bin, "installed")
	expectFired(t, fired, bin)
}

func TestWatcher_IgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "regex-railroad")
	writeExecutable(t, bin, "v1")

	w, fired := newTestWatcher(t)
	if err := w.Watch(bin); err != nil {
		t.Fatal(err)
	}

	writeExecutable(t, filepath.Join(dir, "other-tool"), "x")
	expectQuiet(t, fired)
}

func TestWatcher_RemovalAloneDoesNotFire(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "regex-railroad")
	writeExecutable(t, bin, "v1")

	w, fired := newTestWatcher(t)
	if err := w.Watch(bin); err != nil {
		t.Fatal(err)
	}

	os.Remove(bin)
	expectQuiet(t, fired)
}

func TestWatcher_Unwatch(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "regex-railroad")
	writeExecutable(t, bin, "v1")

	w, fired := newTestWatcher(t)
	if err := w.Watch(bin); err != nil {
		t.Fatal(err)
	}
	if err := w.Watch(bin); err != nil {
		t.Fatalf("second Watch should be a no-op: %v", err)
	}
	if len(w.Watched()) != 1 {
		t.Fatalf("expected 1 watch, got %d", len(w.Watched()))
	}

	w.Unwatch(bin)
	if len(w.Watched()) != 0 {
		t.Fatal("watch not removed")
	}

	writeExecutable(t, bin, "v2 after unwatch")
	expectQuiet(t, fired)
}

func TestWatcher_MissingDirectory(t *testing.T) {
	w, _ := newTestWatcher(t)
	if err := w.Watch(filepath.Join(t.TempDir(), "nope", "regex-railroad")); err == nil {
		t.Fatal("expected error for a missing directory")
	}
}
