package interp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/weaverlabs/ces/internal/event"
	"github.com/weaverlabs/ces/internal/protocol"
)

// writeStub installs a shell script that speaks just enough of the
// adapter protocol for handle-level tests, so they run without a Python
// toolchain.
func writeStub(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stub.sh")
	script := "#!/bin/sh\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}

const echoIdleStub = `
printf '%s\n' '{"channel":"status","state":"idle"}'
while read line; do
  printf '%s\n' '{"channel":"status","state":"idle"}'
done
`

func startHandle(t *testing.T, stubBody string) *Handle {
	t.Helper()
	stub := writeStub(t, stubBody)
	h := New(Options{
		Command:        "sh " + stub,
		StartupTimeout: 5 * time.Second,
		KillGrace:      time.Second,
	})
	if err := h.Start(context.Background(), t.TempDir()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(h.Kill)
	return h
}

func TestStartAndHandshake(t *testing.T) {
	h := startHandle(t, echoIdleStub)
	if !h.Alive() {
		t.Error("handle should be alive after start")
	}
	if h.PID() == 0 {
		t.Error("expected a pid")
	}
}

func TestStartWritesAdapter(t *testing.T) {
	stub := writeStub(t, echoIdleStub)
	workdir := t.TempDir()
	h := New(Options{Command: "sh " + stub, StartupTimeout: 5 * time.Second, KillGrace: time.Second})
	if err := h.Start(context.Background(), workdir); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Kill()

	if _, err := os.Stat(filepath.Join(workdir, ".ces", "adapter.py")); err != nil {
		t.Errorf("adapter not materialized: %v", err)
	}
}

func TestSubmitRoundTrip(t *testing.T) {
	h := startHandle(t, echoIdleStub)

	if err := h.Submit(protocol.Directive(protocol.DirectivePreExec, map[string]any{"exec_id": "e1"})); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := h.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Kind != event.KindStatus || ev.Payload != protocol.StateIdle {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestStderrForwarded(t *testing.T) {
	h := startHandle(t, `
printf '%s\n' '{"channel":"status","state":"idle"}'
read line
echo "interpreter noise" >&2
while read line; do :; done
`)
	// Trigger the stderr write after the handshake so ordering is fixed.
	if err := h.Submit(protocol.Directive(protocol.DirectivePreExec, nil)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := h.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Kind != event.KindStderr {
		t.Fatalf("expected stderr event, got %+v", ev)
	}
	if ev.Payload != "interpreter noise\n" {
		t.Errorf("payload %q", ev.Payload)
	}
}

func TestStrayOutputBecomesStdout(t *testing.T) {
	h := startHandle(t, `
printf '%s\n' '{"channel":"status","state":"idle"}'
printf '%s\n' 'this is not protocol json'
while read line; do :; done
`)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := h.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Kind != event.KindStdout {
		t.Fatalf("expected stdout fallback, got %+v", ev)
	}
}

func TestStartupFailure(t *testing.T) {
	h := New(Options{
		Command:        "sh -c exit",
		StartupTimeout: 2 * time.Second,
		KillGrace:      time.Second,
	})
	err := h.Start(context.Background(), t.TempDir())
	if !errors.Is(err, ErrStartupFailed) {
		t.Fatalf("expected ErrStartupFailed, got %v", err)
	}
}

func TestPeerGoneAfterExit(t *testing.T) {
	h := startHandle(t, `
printf '%s\n' '{"channel":"status","state":"idle"}'
exit 0
`)
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("handle did not observe exit")
	}

	ctx := context.Background()
	if _, err := h.Next(ctx); !errors.Is(err, ErrPeerGone) {
		t.Errorf("expected ErrPeerGone from Next, got %v", err)
	}
	if err := h.Submit(protocol.Code("e1", "pass")); !errors.Is(err, ErrPeerGone) {
		t.Errorf("expected ErrPeerGone from Submit, got %v", err)
	}
	if h.Alive() {
		t.Error("handle should not be alive")
	}
}

func TestKillIdempotent(t *testing.T) {
	h := startHandle(t, echoIdleStub)
	h.Kill()
	h.Kill()

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after kill")
	}
}
