package langclient

import (
	"github.com/segmentio/encoding/json"
	"go.lsp.dev/protocol"
)

// syncConfig is the normalized form of the server's document-sync
// declaration, which arrives either as a bare sync-kind number or as
// structured options.
type syncConfig struct {
	openClose bool
	kind      protocol.TextDocumentSyncKind
	save      *protocol.SaveOptions
}

// resolveSyncConfig extracts the negotiated sync behavior from the
// capability record. Unknown or malformed declarations resolve to None.
// The legacy bare-number form implies open and close tracking whenever
// it names a sync kind at all.
func resolveSyncConfig(caps protocol.ServerCapabilities) syncConfig {
	switch v := caps.TextDocumentSync.(type) {
	case nil:
		return syncConfig{kind: protocol.TextDocumentSyncKindNone}
	case protocol.TextDocumentSyncKind:
		return syncConfig{openClose: v != protocol.TextDocumentSyncKindNone, kind: v}
	case float64:
		kind := protocol.TextDocumentSyncKind(v)
		return syncConfig{openClose: kind != protocol.TextDocumentSyncKindNone, kind: kind}
	case *protocol.TextDocumentSyncOptions:
		return syncConfig{openClose: v.OpenClose, kind: v.Change, save: v.Save}
	case protocol.TextDocumentSyncOptions:
		return syncConfig{openClose: v.OpenClose, kind: v.Change, save: v.Save}
	default:
		// Decoded over the wire the union is a plain map; round-trip it
		// through the protocol codec into the structured form.
		data, err := json.Marshal(v)
		if err != nil {
			return syncConfig{kind: protocol.TextDocumentSyncKindNone}
		}
		var opts protocol.TextDocumentSyncOptions
		if err := json.Unmarshal(data, &opts); err != nil {
			return syncConfig{kind: protocol.TextDocumentSyncKindNone}
		}
		return syncConfig{openClose: opts.OpenClose, kind: opts.Change, save: opts.Save}
	}
}

// capEnabled interprets the boolean-or-descriptor form shared by most
// capability fields: absent and false disable, true and any structured
// descriptor enable.
func capEnabled(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	default:
		return true
	}
}

// featureSet derives the dispatchable request methods from a capability
// record. It is a pure function of the record, computed once per
// successful handshake; the dispatch layer consults the result before
// every feature request.
func featureSet(caps protocol.ServerCapabilities) map[string]bool {
	set := make(map[string]bool)
	if caps.CompletionProvider != nil {
		set[protocol.MethodTextDocumentCompletion] = true
		if caps.CompletionProvider.ResolveProvider {
			set[protocol.MethodCompletionItemResolve] = true
		}
	}
	if capEnabled(caps.HoverProvider) {
		set[protocol.MethodTextDocumentHover] = true
	}
	if caps.SignatureHelpProvider != nil {
		set[protocol.MethodTextDocumentSignatureHelp] = true
	}
	if capEnabled(caps.DefinitionProvider) {
		set[protocol.MethodTextDocumentDefinition] = true
	}
	if capEnabled(caps.TypeDefinitionProvider) {
		set[protocol.MethodTextDocumentTypeDefinition] = true
	}
	if capEnabled(caps.ImplementationProvider) {
		set[protocol.MethodTextDocumentImplementation] = true
	}
	if capEnabled(caps.ReferencesProvider) {
		set[protocol.MethodTextDocumentReferences] = true
	}
	if capEnabled(caps.DocumentSymbolProvider) {
		set[protocol.MethodTextDocumentDocumentSymbol] = true
	}
	if capEnabled(caps.WorkspaceSymbolProvider) {
		set[protocol.MethodWorkspaceSymbol] = true
	}
	if capEnabled(caps.CodeActionProvider) {
		set[protocol.MethodTextDocumentCodeAction] = true
	}
	if capEnabled(caps.DocumentFormattingProvider) {
		set[protocol.MethodTextDocumentFormatting] = true
	}
	if capEnabled(caps.DocumentRangeFormattingProvider) {
		set[protocol.MethodTextDocumentRangeFormatting] = true
	}
	if capEnabled(caps.RenameProvider) {
		set[protocol.MethodTextDocumentRename] = true
	}
	if caps.ExecuteCommandProvider != nil {
		set[protocol.MethodWorkspaceExecuteCommand] = true
	}
	return set
}
