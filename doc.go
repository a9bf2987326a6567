// Package langclient manages the client side of a Language Server
// Protocol (LSP) session.
//
// It launches a language server (gopls, rust-analyzer,
// typescript-language-server, etc.), performs the initialize handshake,
// and keeps the session healthy: documents are synchronized according
// to the negotiated sync kind, filesystem events are batched, requests
// are gated on capability support, and a crashed server is restarted
// until it crashes often enough to look hopeless.
//
// # Architecture
//
// The package is organized around these core components:
//
//   - Client: one server session, from launch to shutdown
//   - ServerOptions: how to reach the server (spawn or in-process stream)
//   - ErrorHandler: policy for transport errors and connection loss
//   - DocumentSelector: which documents the session cares about
//
// # Quick Start
//
// Create a client, start it, and open a document:
//
//	client := langclient.New("gopls", langclient.ServerOptions{
//	    Run: &langclient.Executable{Command: "gopls", Args: []string{"serve"}},
//	},
//	    langclient.WithRootPath("/path/to/project"),
//	    langclient.WithDocumentSelector(langclient.DocumentSelector{Languages: []string{"go"}}),
//	    langclient.WithDiagnosticsHandler(showDiagnostics),
//	)
//
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Stop(ctx)
//
//	client.DidOpen(ctx, langclient.Document{
//	    URI:        uri.File("/path/to/project/main.go"),
//	    LanguageID: "go",
//	    Text:       content,
//	})
//
//	list, err := client.Completion(ctx, &protocol.CompletionParams{ /* ... */ })
//
// Requests issued before Start are queued and released when the
// handshake completes, so callers never need to poll for readiness.
// Documents opened or edited early are recorded and announced to the
// server exactly once, as soon as the session is up.
//
// # Dispatch
//
// Every outbound message passes one gate: wait for readiness, confirm
// the session still runs, deliver pending coalesced edits, then send.
// The server therefore always observes document edits before any
// request that depends on them. Requests surface transport failures as
// errors; notifications log them and move on.
//
// # Crash Recovery
//
// A connection that drops while the session runs is restarted with a
// fresh server process, and open documents are replayed to it. Five
// crashes inside three minutes count as a crash loop: the session stops
// for good and the user is told. Both policies can be replaced through
// WithErrorHandler.
//
// # Thread Safety
//
// Client is safe for concurrent use. Handlers and callbacks are invoked
// from the connection's dispatch goroutine and must not block on calls
// back into the same session.
package langclient
