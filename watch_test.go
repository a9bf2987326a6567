package langclient

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/zap"
)

func TestBatcherCoalesces(t *testing.T) {
	out := &fakeSender{}
	b := newFileEventBatcher(out, 50*time.Millisecond, zap.NewNop())

	b.add(uri.File("/a.go"), protocol.FileChangeTypeCreated)
	b.add(uri.File("/b.go"), protocol.FileChangeTypeChanged)
	b.add(uri.File("/a.go"), protocol.FileChangeTypeChanged)

	// The burst is still inside the window.
	if got := len(out.snapshot()); got != 0 {
		t.Fatalf("calls before window closed = %d, want 0", got)
	}

	calls := out.waitCalls(t, 1)
	if calls[0].method != protocol.MethodWorkspaceDidChangeWatchedFiles {
		t.Fatalf("method = %q, want didChangeWatchedFiles", calls[0].method)
	}
	params := calls[0].params.(*protocol.DidChangeWatchedFilesParams)
	if len(params.Changes) != 3 {
		t.Fatalf("batched %d events, want 3", len(params.Changes))
	}

	// Arrival order is preserved, duplicates included.
	wantURIs := []uri.URI{uri.File("/a.go"), uri.File("/b.go"), uri.File("/a.go")}
	for i, event := range params.Changes {
		if event.URI != wantURIs[i] {
			t.Errorf("event %d URI = %v, want %v", i, event.URI, wantURIs[i])
		}
	}
	if params.Changes[0].Type != protocol.FileChangeTypeCreated {
		t.Errorf("event 0 type = %v, want created", params.Changes[0].Type)
	}

	// One batch per burst.
	time.Sleep(100 * time.Millisecond)
	if got := len(out.snapshot()); got != 1 {
		t.Errorf("calls after settle = %d, want 1", got)
	}
}

func TestBatcherReArms(t *testing.T) {
	out := &fakeSender{}
	b := newFileEventBatcher(out, 60*time.Millisecond, zap.NewNop())

	// Keep touching files faster than the window closes.
	for i := 0; i < 4; i++ {
		b.add(uri.File("/a.go"), protocol.FileChangeTypeChanged)
		time.Sleep(20 * time.Millisecond)
	}
	if got := len(out.snapshot()); got != 0 {
		t.Fatalf("calls while active = %d, want 0", got)
	}

	calls := out.waitCalls(t, 1)
	params := calls[0].params.(*protocol.DidChangeWatchedFilesParams)
	if len(params.Changes) != 4 {
		t.Errorf("batched %d events, want all 4", len(params.Changes))
	}
}

func TestBatcherSeparateBursts(t *testing.T) {
	out := &fakeSender{}
	b := newFileEventBatcher(out, 40*time.Millisecond, zap.NewNop())

	b.add(uri.File("/a.go"), protocol.FileChangeTypeCreated)
	out.waitCalls(t, 1)

	// The second event lands after the first window closed, so it
	// flushes on its own.
	b.add(uri.File("/b.go"), protocol.FileChangeTypeChanged)
	calls := out.waitCalls(t, 2)

	first := calls[0].params.(*protocol.DidChangeWatchedFilesParams)
	second := calls[1].params.(*protocol.DidChangeWatchedFilesParams)
	if len(first.Changes) != 1 || first.Changes[0].URI != uri.File("/a.go") {
		t.Errorf("first batch = %+v, want only /a.go", first.Changes)
	}
	if len(second.Changes) != 1 || second.Changes[0].URI != uri.File("/b.go") {
		t.Errorf("second batch = %+v, want only /b.go", second.Changes)
	}
}

func TestBatcherStop(t *testing.T) {
	out := &fakeSender{}
	b := newFileEventBatcher(out, 30*time.Millisecond, zap.NewNop())

	b.add(uri.File("/a.go"), protocol.FileChangeTypeChanged)
	b.stop()

	time.Sleep(100 * time.Millisecond)
	if got := len(out.snapshot()); got != 0 {
		t.Fatalf("calls after stop = %d, want 0", got)
	}

	// stop does not retire the batcher; new events flow again.
	b.add(uri.File("/b.go"), protocol.FileChangeTypeCreated)
	out.waitCalls(t, 1)
}

func TestConvertChangeType(t *testing.T) {
	tests := []struct {
		op   fsnotify.Op
		want protocol.FileChangeType
	}{
		{fsnotify.Create, protocol.FileChangeTypeCreated},
		{fsnotify.Write, protocol.FileChangeTypeChanged},
		{fsnotify.Remove, protocol.FileChangeTypeDeleted},
		{fsnotify.Rename, protocol.FileChangeTypeDeleted},
		{fsnotify.Create | fsnotify.Write, protocol.FileChangeTypeCreated},
		{fsnotify.Chmod, 0},
	}
	for _, tt := range tests {
		if got := convertChangeType(tt.op); got != tt.want {
			t.Errorf("convertChangeType(%v) = %v, want %v", tt.op, got, tt.want)
		}
	}
}

func TestIsHidden(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/home/user/.git", true},
		{"/home/user/.config/settings.json", false},
		{"/home/user/main.go", false},
		{".hidden", true},
		{"visible.go", false},
	}
	for _, tt := range tests {
		if got := isHidden(tt.path); got != tt.want {
			t.Errorf("isHidden(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func collectEvents(t *testing.T, out *fakeSender, want int) []*protocol.FileEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var events []*protocol.FileEvent
		for _, call := range out.snapshot() {
			params := call.params.(*protocol.DidChangeWatchedFilesParams)
			events = append(events, params.Changes...)
		}
		if len(events) >= want {
			return events
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d file events", want)
	return nil
}

func TestWorkspaceWatcher(t *testing.T) {
	dir := t.TempDir()

	out := &fakeSender{}
	batch := newFileEventBatcher(out, 50*time.Millisecond, zap.NewNop())
	w, err := newWorkspaceWatcher(batch, zap.NewNop())
	if err != nil {
		t.Fatalf("newWorkspaceWatcher() error: %v", err)
	}
	defer w.close()

	if err := w.watchRecursive(dir); err != nil {
		t.Fatalf("watchRecursive() error: %v", err)
	}

	path := filepath.Join(dir, "main.go")
	if err := os.WriteFile(path, []byte("package main"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	events := collectEvents(t, out, 1)
	found := false
	for _, event := range events {
		if event.URI == uri.File(path) {
			found = true
		}
	}
	if !found {
		t.Errorf("no event for %s in %+v", path, events)
	}
}

func TestWorkspaceWatcherNewDirectory(t *testing.T) {
	dir := t.TempDir()

	out := &fakeSender{}
	batch := newFileEventBatcher(out, 50*time.Millisecond, zap.NewNop())
	w, err := newWorkspaceWatcher(batch, zap.NewNop())
	if err != nil {
		t.Fatalf("newWorkspaceWatcher() error: %v", err)
	}
	defer w.close()

	if err := w.watchRecursive(dir); err != nil {
		t.Fatalf("watchRecursive() error: %v", err)
	}

	// A directory created under a watched parent is watched too.
	sub := filepath.Join(dir, "pkg")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("Mkdir() error: %v", err)
	}
	collectEvents(t, out, 1)

	// Give the auto-watch a moment to take effect before writing inside.
	time.Sleep(100 * time.Millisecond)

	inner := filepath.Join(sub, "inner.go")
	if err := os.WriteFile(inner, []byte("package pkg"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, event := range collectEvents(t, out, 1) {
			if event.URI == uri.File(inner) {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("no event for file inside created directory")
}

func TestWorkspaceWatcherSkipsHidden(t *testing.T) {
	dir := t.TempDir()

	out := &fakeSender{}
	batch := newFileEventBatcher(out, 50*time.Millisecond, zap.NewNop())
	w, err := newWorkspaceWatcher(batch, zap.NewNop())
	if err != nil {
		t.Fatalf("newWorkspaceWatcher() error: %v", err)
	}
	defer w.close()

	if err := w.watchRecursive(dir); err != nil {
		t.Fatalf("watchRecursive() error: %v", err)
	}

	hidden := filepath.Join(dir, ".hidden")
	if err := os.WriteFile(hidden, []byte("secret"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	visible := filepath.Join(dir, "visible.go")
	if err := os.WriteFile(visible, []byte("package main"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	// Wait until the visible file shows up, then check nothing leaked
	// for the hidden one.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events := collectEvents(t, out, 1)
		seen := false
		for _, event := range events {
			if event.URI == uri.File(hidden) {
				t.Fatalf("hidden file produced event %+v", event)
			}
			if event.URI == uri.File(visible) {
				seen = true
			}
		}
		if seen {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("no event for visible file")
}

func TestWorkspaceWatcherClose(t *testing.T) {
	out := &fakeSender{}
	batch := newFileEventBatcher(out, 50*time.Millisecond, zap.NewNop())
	w, err := newWorkspaceWatcher(batch, zap.NewNop())
	if err != nil {
		t.Fatalf("newWorkspaceWatcher() error: %v", err)
	}

	if err := w.close(); err != nil {
		t.Errorf("close() error: %v", err)
	}
	if err := w.close(); err != nil {
		t.Errorf("second close() error: %v", err)
	}

	if err := w.watchRecursive(t.TempDir()); !errors.Is(err, ErrWatcherClosed) {
		t.Errorf("watchRecursive() after close = %v, want %v", err, ErrWatcherClosed)
	}
}
