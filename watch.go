package langclient

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/zap"
)

// fileEventBatcher coalesces filesystem events into a single
// workspace/didChangeWatchedFiles notification per quiet period. Every
// new event extends the window; the batch keeps arrival order, with
// every event it gathered.
type fileEventBatcher struct {
	mu     sync.Mutex
	out    sender
	logger *zap.Logger
	delay  time.Duration

	events []*protocol.FileEvent
	timer  *time.Timer
}

func newFileEventBatcher(out sender, delay time.Duration, logger *zap.Logger) *fileEventBatcher {
	return &fileEventBatcher{out: out, logger: logger, delay: delay}
}

// add records one file event and re-arms the batch window.
func (b *fileEventBatcher) add(u uri.URI, typ protocol.FileChangeType) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, &protocol.FileEvent{URI: u, Type: typ})

	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.delay, b.flush)
}

// flush takes the accumulated batch and sends it on the live connection
// as one notification. With no connection the batch is dropped; a fresh
// server learns the workspace state from its own scan, not from stale
// deltas.
func (b *fileEventBatcher) flush() {
	b.mu.Lock()
	events := b.events
	b.events = nil
	b.timer = nil
	b.mu.Unlock()

	if len(events) == 0 {
		return
	}

	params := &protocol.DidChangeWatchedFilesParams{Changes: events}
	if err := b.out.post(context.Background(), protocol.MethodWorkspaceDidChangeWatchedFiles, params); err != nil {
		b.logger.Warn("send watched file events", zap.Int("events", len(events)), zap.Error(err))
	}
}

// stop cancels a pending batch without sending it. New events arm the
// batcher again.
func (b *fileEventBatcher) stop() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.events = nil
	b.mu.Unlock()
}

// --- Workspace watching ---

// workspaceWatcher feeds filesystem activity under workspace roots into
// the event batch. Directories are watched recursively, hidden entries
// are skipped, and directories created under a watched parent are
// picked up automatically.
type workspaceWatcher struct {
	watcher *fsnotify.Watcher
	batch   *fileEventBatcher
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool

	closeCh  chan struct{}
	closedWg sync.WaitGroup
}

func newWorkspaceWatcher(batch *fileEventBatcher, logger *zap.Logger) (*workspaceWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &workspaceWatcher{
		watcher: fsw,
		batch:   batch,
		logger:  logger,
		closeCh: make(chan struct{}),
	}

	w.closedWg.Add(1)
	go w.processLoop()

	return w, nil
}

// watchRecursive watches a directory and all its subdirectories.
func (w *workspaceWatcher) watchRecursive(root string) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWatcherClosed
	}
	w.mu.Unlock()

	absPath, err := filepath.Abs(root)
	if err != nil {
		return err
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.watcher.Add(absPath)
	}

	return filepath.WalkDir(absPath, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip errors, continue walking
		}
		if p != absPath && isHidden(p) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		// Watching directories is enough; fsnotify reports changes to
		// their entries.
		if d.IsDir() {
			if watchErr := w.watcher.Add(p); watchErr != nil {
				w.logger.Warn("watch directory", zap.String("path", p), zap.Error(watchErr))
			}
		}
		return nil
	})
}

// processLoop drains fsnotify until the watcher closes.
func (w *workspaceWatcher) processLoop() {
	defer w.closedWg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("workspace watcher", zap.Error(err))
		}
	}
}

// handleEvent converts one fsnotify event and queues it for batching.
func (w *workspaceWatcher) handleEvent(event fsnotify.Event) {
	typ := convertChangeType(event.Op)
	if typ == 0 {
		return
	}
	if isHidden(event.Name) {
		return
	}

	w.batch.add(uri.File(event.Name), typ)

	// Auto-watch new directories so their contents are covered too.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.watcher.Add(event.Name)
		}
	}
}

// close stops the watcher. It is safe to call more than once.
func (w *workspaceWatcher) close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	w.mu.Unlock()

	w.closedWg.Wait()
	return w.watcher.Close()
}

// convertChangeType maps a filesystem operation to the protocol change
// type. Chmod-only events map to zero and are dropped.
func convertChangeType(op fsnotify.Op) protocol.FileChangeType {
	switch {
	case op.Has(fsnotify.Create):
		return protocol.FileChangeTypeCreated
	case op.Has(fsnotify.Write):
		return protocol.FileChangeTypeChanged
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return protocol.FileChangeTypeDeleted
	default:
		return 0
	}
}

// isHidden reports whether the path's base name starts with a dot.
func isHidden(path string) bool {
	base := filepath.Base(path)
	return len(base) > 0 && base[0] == '.'
}

// --- Workspace operations ---

// DidChangeWatchedFiles queues a watched-file event for the next batch.
// Rapid bursts collapse into one notification once the filesystem
// settles.
func (c *Client) DidChangeWatchedFiles(u uri.URI, typ protocol.FileChangeType) {
	c.watched.add(u, typ)
}

// WatchWorkspace watches a directory tree and forwards its file events
// to the server through the batch. It may be called for several roots.
func (c *Client) WatchWorkspace(root string) error {
	c.mu.Lock()
	if c.watcher == nil {
		w, err := newWorkspaceWatcher(c.watched, c.logger.Named("watcher"))
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.watcher = w
	}
	w := c.watcher
	c.mu.Unlock()

	return w.watchRecursive(root)
}

// DidChangeConfiguration pushes new workspace settings to the server.
func (c *Client) DidChangeConfiguration(ctx context.Context, settings interface{}) error {
	return c.notify(ctx, protocol.MethodWorkspaceDidChangeConfiguration, &protocol.DidChangeConfigurationParams{
		Settings: settings,
	})
}

// SetTrace adjusts the server's trace verbosity.
func (c *Client) SetTrace(ctx context.Context, value protocol.TraceValue) error {
	return c.notify(ctx, protocol.MethodSetTrace, &protocol.SetTraceParams{Value: value})
}
