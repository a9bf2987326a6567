package langclient

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
	"go.lsp.dev/protocol"
)

// supported returns ErrNotSupported, wrapped with the method name, when
// the running server never declared the capability behind a request.
// Unsupported calls touch no transport at all.
func (c *Client) supported(method string) error {
	if !c.Supports(method) {
		return fmt.Errorf("%s: %w", method, ErrNotSupported)
	}
	return nil
}

// attachProgress mints a work-done token when a progress handler is
// installed, so the server can stream progress for the request.
func (c *Client) attachProgress(p *protocol.WorkDoneProgressParams) {
	if c.onProgress == nil || p.WorkDoneToken != nil {
		return
	}
	p.WorkDoneToken = protocol.NewProgressToken(uuid.NewString())
}

// Completion asks the server for completions at a position. Servers
// answer with either a completion list or a bare item array; both forms
// arrive as a CompletionList.
func (c *Client) Completion(ctx context.Context, params *protocol.CompletionParams) (*protocol.CompletionList, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	if err := c.supported(protocol.MethodTextDocumentCompletion); err != nil {
		return nil, err
	}
	c.attachProgress(&params.WorkDoneProgressParams)

	var raw json.RawMessage
	if err := c.call(ctx, protocol.MethodTextDocumentCompletion, params, &raw); err != nil {
		return nil, err
	}
	return parseCompletionResult(raw)
}

// ResolveCompletion fills in the expensive fields of a completion item.
func (c *Client) ResolveCompletion(ctx context.Context, item *protocol.CompletionItem) (*protocol.CompletionItem, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	if err := c.supported(protocol.MethodCompletionItemResolve); err != nil {
		return nil, err
	}

	var result protocol.CompletionItem
	if err := c.call(ctx, protocol.MethodCompletionItemResolve, item, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Hover asks for hover information at a position. A nil result means
// the server had nothing to show.
func (c *Client) Hover(ctx context.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	if err := c.supported(protocol.MethodTextDocumentHover); err != nil {
		return nil, err
	}
	c.attachProgress(&params.WorkDoneProgressParams)

	var result *protocol.Hover
	if err := c.call(ctx, protocol.MethodTextDocumentHover, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// SignatureHelp asks for signature information at a call site.
func (c *Client) SignatureHelp(ctx context.Context, params *protocol.SignatureHelpParams) (*protocol.SignatureHelp, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	if err := c.supported(protocol.MethodTextDocumentSignatureHelp); err != nil {
		return nil, err
	}
	c.attachProgress(&params.WorkDoneProgressParams)

	var result *protocol.SignatureHelp
	if err := c.call(ctx, protocol.MethodTextDocumentSignatureHelp, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Definition resolves the definition sites of the symbol at a position.
func (c *Client) Definition(ctx context.Context, params *protocol.DefinitionParams) ([]protocol.Location, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	if err := c.supported(protocol.MethodTextDocumentDefinition); err != nil {
		return nil, err
	}
	c.attachProgress(&params.WorkDoneProgressParams)

	return c.callLocations(ctx, protocol.MethodTextDocumentDefinition, params)
}

// TypeDefinition resolves the type definition sites of the symbol at a
// position.
func (c *Client) TypeDefinition(ctx context.Context, params *protocol.TypeDefinitionParams) ([]protocol.Location, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	if err := c.supported(protocol.MethodTextDocumentTypeDefinition); err != nil {
		return nil, err
	}
	c.attachProgress(&params.WorkDoneProgressParams)

	return c.callLocations(ctx, protocol.MethodTextDocumentTypeDefinition, params)
}

// Implementation resolves the implementation sites of the symbol at a
// position.
func (c *Client) Implementation(ctx context.Context, params *protocol.ImplementationParams) ([]protocol.Location, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	if err := c.supported(protocol.MethodTextDocumentImplementation); err != nil {
		return nil, err
	}
	c.attachProgress(&params.WorkDoneProgressParams)

	return c.callLocations(ctx, protocol.MethodTextDocumentImplementation, params)
}

// References lists every reference to the symbol at a position.
func (c *Client) References(ctx context.Context, params *protocol.ReferenceParams) ([]protocol.Location, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	if err := c.supported(protocol.MethodTextDocumentReferences); err != nil {
		return nil, err
	}
	c.attachProgress(&params.WorkDoneProgressParams)

	var result []protocol.Location
	if err := c.call(ctx, protocol.MethodTextDocumentReferences, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// DocumentSymbols lists the symbols of one document. Servers answer
// hierarchically or flat; flat results are lifted into the hierarchical
// shape with the symbol's own range as its selection range.
func (c *Client) DocumentSymbols(ctx context.Context, params *protocol.DocumentSymbolParams) ([]protocol.DocumentSymbol, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	if err := c.supported(protocol.MethodTextDocumentDocumentSymbol); err != nil {
		return nil, err
	}
	c.attachProgress(&params.WorkDoneProgressParams)

	var raw json.RawMessage
	if err := c.call(ctx, protocol.MethodTextDocumentDocumentSymbol, params, &raw); err != nil {
		return nil, err
	}
	return parseDocumentSymbolResult(raw)
}

// WorkspaceSymbols searches symbols across the workspace.
func (c *Client) WorkspaceSymbols(ctx context.Context, params *protocol.WorkspaceSymbolParams) ([]protocol.SymbolInformation, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	if err := c.supported(protocol.MethodWorkspaceSymbol); err != nil {
		return nil, err
	}
	c.attachProgress(&params.WorkDoneProgressParams)

	var result []protocol.SymbolInformation
	if err := c.call(ctx, protocol.MethodWorkspaceSymbol, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// CodeActions asks for the actions available on a range. Bare commands
// in the response are wrapped as command-only actions.
func (c *Client) CodeActions(ctx context.Context, params *protocol.CodeActionParams) ([]protocol.CodeAction, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	if err := c.supported(protocol.MethodTextDocumentCodeAction); err != nil {
		return nil, err
	}
	c.attachProgress(&params.WorkDoneProgressParams)

	var raw json.RawMessage
	if err := c.call(ctx, protocol.MethodTextDocumentCodeAction, params, &raw); err != nil {
		return nil, err
	}
	return parseCodeActionResult(raw)
}

// Formatting formats a whole document.
func (c *Client) Formatting(ctx context.Context, params *protocol.DocumentFormattingParams) ([]protocol.TextEdit, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	if err := c.supported(protocol.MethodTextDocumentFormatting); err != nil {
		return nil, err
	}
	c.attachProgress(&params.WorkDoneProgressParams)

	var result []protocol.TextEdit
	if err := c.call(ctx, protocol.MethodTextDocumentFormatting, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// RangeFormatting formats part of a document.
func (c *Client) RangeFormatting(ctx context.Context, params *protocol.DocumentRangeFormattingParams) ([]protocol.TextEdit, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	if err := c.supported(protocol.MethodTextDocumentRangeFormatting); err != nil {
		return nil, err
	}
	c.attachProgress(&params.WorkDoneProgressParams)

	var result []protocol.TextEdit
	if err := c.call(ctx, protocol.MethodTextDocumentRangeFormatting, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Rename computes the workspace edit for renaming the symbol at a
// position.
func (c *Client) Rename(ctx context.Context, params *protocol.RenameParams) (*protocol.WorkspaceEdit, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	if err := c.supported(protocol.MethodTextDocumentRename); err != nil {
		return nil, err
	}

	var result *protocol.WorkspaceEdit
	if err := c.call(ctx, protocol.MethodTextDocumentRename, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ExecuteCommand asks the server to run one of its declared commands.
func (c *Client) ExecuteCommand(ctx context.Context, params *protocol.ExecuteCommandParams) (interface{}, error) {
	if err := c.awaitReady(ctx); err != nil {
		return nil, err
	}
	if err := c.supported(protocol.MethodWorkspaceExecuteCommand); err != nil {
		return nil, err
	}
	c.attachProgress(&params.WorkDoneProgressParams)

	var result interface{}
	if err := c.call(ctx, protocol.MethodWorkspaceExecuteCommand, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// callLocations performs a request whose result is a location union:
// null, a single location, or an array.
func (c *Client) callLocations(ctx context.Context, method string, params interface{}) ([]protocol.Location, error) {
	var raw json.RawMessage
	if err := c.call(ctx, method, params, &raw); err != nil {
		return nil, err
	}
	return parseLocationResult(raw)
}

// --- Result normalization ---

// parseCompletionResult parses a completion response, which may be a
// list or a bare item array.
func parseCompletionResult(data json.RawMessage) (*protocol.CompletionList, error) {
	if len(data) == 0 {
		return &protocol.CompletionList{}, nil
	}

	var list protocol.CompletionList
	if err := json.Unmarshal(data, &list); err == nil && (list.Items != nil || list.IsIncomplete) {
		return &list, nil
	}

	var items []protocol.CompletionItem
	if err := json.Unmarshal(data, &items); err == nil {
		return &protocol.CompletionList{Items: items}, nil
	}

	return nil, fmt.Errorf("malformed completion result")
}

// parseLocationResult parses a location response, which may be null, a
// single location, or an array of locations.
func parseLocationResult(data json.RawMessage) ([]protocol.Location, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var loc protocol.Location
	if err := json.Unmarshal(data, &loc); err == nil && loc.URI != "" {
		return []protocol.Location{loc}, nil
	}

	var locs []protocol.Location
	if err := json.Unmarshal(data, &locs); err == nil {
		return locs, nil
	}

	return nil, fmt.Errorf("malformed location result")
}

// parseDocumentSymbolResult parses a document symbol response. The two
// wire shapes differ by field: hierarchical symbols carry
// selectionRange, flat ones carry location.
func parseDocumentSymbolResult(data json.RawMessage) ([]protocol.DocumentSymbol, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, fmt.Errorf("malformed document symbol result: %w", err)
	}
	if len(elems) == 0 {
		return nil, nil
	}

	if bytes.Contains(elems[0], []byte(`"selectionRange"`)) {
		var symbols []protocol.DocumentSymbol
		if err := json.Unmarshal(data, &symbols); err != nil {
			return nil, fmt.Errorf("malformed document symbol result: %w", err)
		}
		return symbols, nil
	}

	var infos []protocol.SymbolInformation
	if err := json.Unmarshal(data, &infos); err != nil {
		return nil, fmt.Errorf("malformed document symbol result: %w", err)
	}
	symbols := make([]protocol.DocumentSymbol, len(infos))
	for i, info := range infos {
		symbols[i] = protocol.DocumentSymbol{
			Name:           info.Name,
			Kind:           info.Kind,
			Deprecated:     info.Deprecated,
			Range:          info.Location.Range,
			SelectionRange: info.Location.Range,
		}
	}
	return symbols, nil
}

// parseCodeActionResult parses a code action response, wrapping bare
// commands as command-only actions.
func parseCodeActionResult(data json.RawMessage) ([]protocol.CodeAction, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, fmt.Errorf("malformed code action result: %w", err)
	}

	actions := make([]protocol.CodeAction, 0, len(elems))
	for _, elem := range elems {
		var action protocol.CodeAction
		if err := json.Unmarshal(elem, &action); err == nil {
			actions = append(actions, action)
			continue
		}

		var cmd protocol.Command
		if err := json.Unmarshal(elem, &cmd); err != nil {
			return nil, fmt.Errorf("malformed code action result: %w", err)
		}
		actions = append(actions, protocol.CodeAction{Title: cmd.Title, Command: &cmd})
	}
	return actions, nil
}
