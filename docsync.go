package langclient

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/zap"
)

// Document is the client's record of one open text document.
type Document struct {
	URI        uri.URI
	LanguageID string
	Version    int32
	Text       string
}

// TextChange is one edit to an open document. A nil Range replaces the
// whole document with Text; otherwise Text replaces the spanned region.
type TextChange struct {
	Range *protocol.Range

	// RangeLength is the length of the replaced span. Optional; it is
	// forwarded for servers that still read the deprecated field.
	RangeLength uint32

	Text string
}

// sender is the outbound path documentSync uses. The client's dispatch
// gate implements it; tests substitute a recorder.
type sender interface {
	// notify sends through the full dispatch gate, which awaits session
	// readiness and drains coalesced changes first.
	notify(ctx context.Context, method string, params interface{}) error

	// post sends on the live connection without passing the gate. Flush
	// and restart paths use it to avoid re-entering the gate.
	post(ctx context.Context, method string, params interface{}) error
}

// documentSync tracks open documents and synchronizes edits with the
// server according to the negotiated sync kind. Full sync coalesces
// rapid edits behind a short timer and sends only the latest snapshot;
// incremental sync forwards every change immediately and in order.
// Without a connection it only records state; reopenAll announces the
// current state of every tracked document once a connection is up.
type documentSync struct {
	mu       sync.Mutex
	out      sender
	logger   *zap.Logger
	selector DocumentSelector
	delay    time.Duration

	// Negotiated during the handshake; fixed for the connection's life.
	openClose bool
	kind      protocol.TextDocumentSyncKind
	save      *protocol.SaveOptions

	// connected gates every send: false until reopenAll runs against a
	// live connection, false again after disconnect.
	connected bool

	docs    map[uri.URI]*Document
	pending map[uri.URI]*time.Timer
	dirty   []uri.URI
}

func newDocumentSync(out sender, selector DocumentSelector, delay time.Duration, logger *zap.Logger) *documentSync {
	return &documentSync{
		out:      out,
		logger:   logger,
		selector: selector,
		delay:    delay,
		kind:     protocol.TextDocumentSyncKindNone,
		docs:     make(map[uri.URI]*Document),
		pending:  make(map[uri.URI]*time.Timer),
	}
}

// configure installs the sync behavior negotiated for the current
// connection.
func (ds *documentSync) configure(cfg syncConfig) {
	ds.mu.Lock()
	ds.openClose = cfg.openClose
	ds.kind = cfg.kind
	ds.save = cfg.save
	ds.mu.Unlock()
}

// didOpen registers a document and, once a connection is up, announces
// it to the server. Documents outside the selector are silently
// ignored; documents recorded before the connection exists are
// announced by reopenAll instead, exactly once.
func (ds *documentSync) didOpen(ctx context.Context, doc Document) error {
	if !ds.selector.Matches(doc) {
		return nil
	}

	ds.mu.Lock()
	if _, exists := ds.docs[doc.URI]; exists {
		ds.mu.Unlock()
		return ErrDocumentAlreadyOpen
	}
	if doc.Version == 0 {
		doc.Version = 1
	}
	stored := doc
	ds.docs[doc.URI] = &stored
	announce := ds.connected && ds.openClose
	ds.mu.Unlock()

	if !announce {
		return nil
	}
	return ds.out.notify(ctx, protocol.MethodTextDocumentDidOpen, openParams(doc))
}

// didChange records an edit. Untracked documents are ignored so callers
// can report every buffer edit without consulting the selector
// themselves.
func (ds *documentSync) didChange(ctx context.Context, u uri.URI, changes []TextChange) error {
	ds.mu.Lock()
	doc, exists := ds.docs[u]
	if !exists {
		ds.mu.Unlock()
		ds.logger.Debug("change for untracked document", zap.String("uri", string(u)))
		return nil
	}

	doc.Version++
	events := make([]protocol.TextDocumentContentChangeEvent, len(changes))
	for i, change := range changes {
		if change.Range == nil {
			// A whole-document replacement travels as an edit spanning
			// the current content.
			events[i] = protocol.TextDocumentContentChangeEvent{
				Range: wholeRange(doc.Text),
				Text:  change.Text,
			}
			doc.Text = change.Text
			continue
		}
		events[i] = protocol.TextDocumentContentChangeEvent{
			Range:       *change.Range,
			RangeLength: change.RangeLength,
			Text:        change.Text,
		}
		doc.Text = applyTextChange(doc.Text, *change.Range, change.Text)
	}

	if !ds.connected {
		ds.mu.Unlock()
		return nil
	}

	switch ds.kind {
	case protocol.TextDocumentSyncKindIncremental:
		params := &protocol.DidChangeTextDocumentParams{
			TextDocument: protocol.VersionedTextDocumentIdentifier{
				TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: u},
				Version:                doc.Version,
			},
			ContentChanges: events,
		}
		ds.mu.Unlock()
		return ds.out.notify(ctx, protocol.MethodTextDocumentDidChange, params)

	case protocol.TextDocumentSyncKindFull:
		ds.schedule(u)
		ds.mu.Unlock()
		return nil

	default:
		ds.mu.Unlock()
		return nil
	}
}

// didClose flushes anything still coalescing for the document, then
// announces the close and forgets it.
func (ds *documentSync) didClose(ctx context.Context, u uri.URI) error {
	ds.flushDocument(ctx, u)

	ds.mu.Lock()
	if _, exists := ds.docs[u]; !exists {
		ds.mu.Unlock()
		ds.logger.Debug("close for untracked document", zap.String("uri", string(u)))
		return nil
	}
	delete(ds.docs, u)
	if timer, ok := ds.pending[u]; ok {
		timer.Stop()
		delete(ds.pending, u)
		ds.removeDirty(u)
	}
	announce := ds.connected && ds.openClose
	ds.mu.Unlock()

	if !announce {
		return nil
	}
	return ds.out.notify(ctx, protocol.MethodTextDocumentDidClose, &protocol.DidCloseTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: u},
	})
}

// didSave flushes pending edits first so the server never sees a save
// for content it does not have yet. Text is attached when the server
// asked for it.
func (ds *documentSync) didSave(ctx context.Context, u uri.URI) error {
	ds.flushDocument(ctx, u)

	ds.mu.Lock()
	doc, exists := ds.docs[u]
	if !exists {
		ds.mu.Unlock()
		ds.logger.Debug("save for untracked document", zap.String("uri", string(u)))
		return nil
	}
	params := &protocol.DidSaveTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: u},
	}
	if ds.save != nil && ds.save.IncludeText {
		params.Text = doc.Text
	}
	announce := ds.connected && ds.openClose
	ds.mu.Unlock()

	if !announce {
		return nil
	}
	return ds.out.notify(ctx, protocol.MethodTextDocumentDidSave, params)
}

// document returns a copy of a tracked document.
func (ds *documentSync) document(u uri.URI) (Document, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	doc, exists := ds.docs[u]
	if !exists {
		return Document{}, ErrDocumentNotOpen
	}
	return *doc, nil
}

// schedule arms or re-arms the coalescing timer for a document. The
// caller holds ds.mu.
func (ds *documentSync) schedule(u uri.URI) {
	if timer, ok := ds.pending[u]; ok {
		timer.Stop()
	} else {
		ds.dirty = append(ds.dirty, u)
	}
	ds.pending[u] = time.AfterFunc(ds.delay, func() {
		ds.flushDocument(context.Background(), u)
	})
}

// flush drains every coalescing document in arrival order. The dispatch
// gate calls it before each outbound message so the server always sees
// edits before the request that depends on them.
func (ds *documentSync) flush(ctx context.Context) {
	ds.mu.Lock()
	uris := make([]uri.URI, len(ds.dirty))
	copy(uris, ds.dirty)
	ds.mu.Unlock()

	for _, u := range uris {
		ds.flushDocument(ctx, u)
	}
}

// flushDocument sends the latest snapshot of one coalescing document.
// It is a no-op when nothing is pending.
func (ds *documentSync) flushDocument(ctx context.Context, u uri.URI) {
	ds.mu.Lock()
	timer, ok := ds.pending[u]
	if !ok {
		ds.mu.Unlock()
		return
	}
	timer.Stop()
	delete(ds.pending, u)
	ds.removeDirty(u)

	doc, exists := ds.docs[u]
	if !exists {
		ds.mu.Unlock()
		return
	}
	params := &protocol.DidChangeTextDocumentParams{
		TextDocument: protocol.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: u},
			Version:                doc.Version,
		},
		ContentChanges: []protocol.TextDocumentContentChangeEvent{{Text: doc.Text}},
	}
	ds.mu.Unlock()

	if err := ds.out.post(ctx, protocol.MethodTextDocumentDidChange, params); err != nil {
		ds.logger.Warn("flush document change", zap.String("uri", string(u)), zap.Error(err))
	}
}

// removeDirty drops a URI from the arrival-order list. The caller holds
// ds.mu.
func (ds *documentSync) removeDirty(u uri.URI) {
	for i, d := range ds.dirty {
		if d == u {
			ds.dirty = append(ds.dirty[:i], ds.dirty[i+1:]...)
			break
		}
	}
}

// reopenAll opens the send path for a fresh connection and announces
// the current state of every tracked document to it, exactly once per
// document. It runs before the session is marked ready, so requests
// queued behind the start or restart observe the documents as open;
// opens that raced in ahead of it announce themselves instead.
func (ds *documentSync) reopenAll(ctx context.Context) {
	ds.mu.Lock()
	ds.connected = true
	announce := ds.openClose
	docs := make([]Document, 0, len(ds.docs))
	for _, doc := range ds.docs {
		docs = append(docs, *doc)
	}
	ds.mu.Unlock()

	if !announce {
		return
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].URI < docs[j].URI })

	for _, doc := range docs {
		if err := ds.out.post(ctx, protocol.MethodTextDocumentDidOpen, openParams(doc)); err != nil {
			ds.logger.Warn("reopen document", zap.String("uri", string(doc.URI)), zap.Error(err))
		}
	}
}

// disconnect closes the send path and stops the coalescing timers when
// the connection dies. Documents stay tracked so a restart can reopen
// them with their latest text.
func (ds *documentSync) disconnect() {
	ds.mu.Lock()
	ds.connected = false
	for u, timer := range ds.pending {
		timer.Stop()
		delete(ds.pending, u)
	}
	ds.dirty = ds.dirty[:0]
	ds.mu.Unlock()
}

func openParams(doc Document) *protocol.DidOpenTextDocumentParams {
	return &protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        doc.URI,
			LanguageID: protocol.LanguageIdentifier(doc.LanguageID),
			Version:    doc.Version,
			Text:       doc.Text,
		},
	}
}

// wholeRange spans all of content, so a full replacement can travel as
// an ordinary range edit.
func wholeRange(content string) protocol.Range {
	lines := splitLines(content)
	last := len(lines) - 1
	return protocol.Range{
		End: protocol.Position{Line: uint32(last), Character: uint32(len(lines[last]))},
	}
}

// applyTextChange applies an incremental text change to content.
func applyTextChange(content string, rng protocol.Range, newText string) string {
	lines := splitLines(content)

	startLine := int(rng.Start.Line)
	startChar := int(rng.Start.Character)
	endLine := int(rng.End.Line)
	endChar := int(rng.End.Character)

	if startLine >= len(lines) {
		// Appending past the end.
		return content + newText
	}
	if endLine >= len(lines) {
		endLine = len(lines) - 1
		endChar = len(lines[endLine])
	}

	// Clamp character positions to line lengths.
	if startChar > len(lines[startLine]) {
		startChar = len(lines[startLine])
	}
	if endChar > len(lines[endLine]) {
		endChar = len(lines[endLine])
	}

	var b strings.Builder
	for i := 0; i < startLine; i++ {
		b.WriteString(lines[i])
		b.WriteByte('\n')
	}
	b.WriteString(lines[startLine][:startChar])
	b.WriteString(newText)
	b.WriteString(lines[endLine][endChar:])
	if endLine < len(lines)-1 {
		b.WriteByte('\n')
	}
	for i := endLine + 1; i < len(lines); i++ {
		b.WriteString(lines[i])
		if i < len(lines)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// splitLines splits content into lines, preserving empty lines.
func splitLines(content string) []string {
	if content == "" {
		return []string{""}
	}
	return strings.Split(content, "\n")
}
