package langclient

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestServerOptionsExecutable(t *testing.T) {
	run := &Executable{Command: "gopls"}
	debug := &Executable{Command: "gopls", Args: []string{"-debug"}}

	tests := []struct {
		name string
		opts ServerOptions
		want *Executable
	}{
		{"run only", ServerOptions{Run: run}, run},
		{"debug only", ServerOptions{Debug: debug}, debug},
		{"both prefer run", ServerOptions{Run: run, Debug: debug}, run},
		{"both debug mode", ServerOptions{Run: run, Debug: debug, DebugMode: true}, debug},
		{"debug mode without debug", ServerOptions{Run: run, DebugMode: true}, run},
		{"nothing", ServerOptions{}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.opts.executable(); got != tt.want {
				t.Errorf("executable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServerOptionsValidate(t *testing.T) {
	empty := ServerOptions{}
	if err := empty.validate(); !errors.Is(err, ErrNoLaunchConfig) {
		t.Errorf("validate() = %v, want %v", err, ErrNoLaunchConfig)
	}

	withRun := ServerOptions{Run: &Executable{Command: "gopls"}}
	if err := withRun.validate(); err != nil {
		t.Errorf("validate() with Run = %v, want nil", err)
	}

	withStream := ServerOptions{Stream: func(ctx context.Context) (io.ReadWriteCloser, error) {
		return nil, errors.New("unused")
	}}
	if err := withStream.validate(); err != nil {
		t.Errorf("validate() with Stream = %v, want nil", err)
	}
}

func TestExecutableEnviron(t *testing.T) {
	t.Setenv("LANGCLIENT_TEST_VAR", "parent")

	exe := &Executable{
		Command: "server",
		Env:     map[string]string{"LANGCLIENT_TEST_VAR": "override"},
	}

	env := exe.environ()

	// Overrides are appended after the inherited environment, so the
	// last occurrence wins when the child process resolves it.
	last := ""
	for _, kv := range env {
		if strings.HasPrefix(kv, "LANGCLIENT_TEST_VAR=") {
			last = kv
		}
	}
	if last != "LANGCLIENT_TEST_VAR=override" {
		t.Errorf("last LANGCLIENT_TEST_VAR entry = %q, want override", last)
	}
}

func TestTransportKindString(t *testing.T) {
	tests := []struct {
		kind TransportKind
		want string
	}{
		{TransportStdio, "stdio"},
		{TransportSocket, "socket"},
		{TransportKind(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("TransportKind(%d).String() = %q, want %q", int(tt.kind), got, tt.want)
		}
	}
}
