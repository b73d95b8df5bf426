// Package interp supervises one interpreter subprocess per session.
//
// The handle owns the child's lifetime: it launches the interpreter with
// the control adapter, waits for the readiness handshake, frames tagged
// payloads onto stdin, and demultiplexes stdout/stderr into typed events.
// A broken output channel is terminal; once the handle observes it, every
// subsequent operation fails fast with ErrPeerGone.
package interp

import (
	"bufio"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/weaverlabs/ces/internal/event"
	"github.com/weaverlabs/ces/internal/protocol"
)

//go:embed adapter.py
var adapterSource []byte

var (
	ErrStartupFailed = errors.New("interpreter did not become ready")
	ErrPeerGone      = errors.New("interpreter process is gone")
)

// adapterDir holds the adapter script inside the session cwd. The leading
// dot keeps it out of artifact scans and file listings.
const adapterDir = ".ces"

// maxLine bounds one protocol line; display payloads are base64 and can
// be large.
const maxLine = 16 * 1024 * 1024

// Options configures a Handle.
type Options struct {
	// Command is the interpreter command line, e.g. "python3". It is split
	// on whitespace and the adapter path is appended as the last argument.
	Command string
	// StartupTimeout bounds the readiness handshake.
	StartupTimeout time.Duration
	// KillGrace bounds orderly shutdown before escalation.
	KillGrace time.Duration
}

func (o *Options) withDefaults() {
	if o.Command == "" {
		o.Command = "python3"
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = 30 * time.Second
	}
	if o.KillGrace <= 0 {
		o.KillGrace = 5 * time.Second
	}
}

// Handle supervises one interpreter subprocess.
type Handle struct {
	opts Options

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  *os.File
	exited bool

	events  chan event.Event
	done    chan struct{}
	closing chan struct{}

	killOnce sync.Once
}

// New returns an unstarted handle.
func New(opts Options) *Handle {
	opts.withDefaults()
	return &Handle{
		opts:    opts,
		events:  make(chan event.Event, 256),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
}

// Start launches the interpreter in workdir and waits for the readiness
// handshake (the adapter's first idle status). Failure is fatal to the
// session that owns the handle.
func (h *Handle) Start(ctx context.Context, workdir string) error {
	adapterPath := filepath.Join(workdir, adapterDir, "adapter.py")
	if err := os.MkdirAll(filepath.Dir(adapterPath), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrStartupFailed, err)
	}
	if err := os.WriteFile(adapterPath, adapterSource, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrStartupFailed, err)
	}

	parts := strings.Fields(h.opts.Command)
	args := append(parts[1:], adapterPath)
	cmd := exec.Command(parts[0], args...)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStartupFailed, err)
	}
	cmd.Stdin = stdinR

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return fmt.Errorf("%w: %v", ErrStartupFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return fmt.Errorf("%w: %v", ErrStartupFailed, err)
	}

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		return fmt.Errorf("%w: %v", ErrStartupFailed, err)
	}
	stdinR.Close()

	h.mu.Lock()
	h.cmd = cmd
	h.stdin = stdinW
	h.mu.Unlock()

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLine)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			h.deliver(protocol.DecodeMessage(line).Event())
		}
	}()
	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), maxLine)
		for scanner.Scan() {
			h.deliver(event.Event{Kind: event.KindStderr, Payload: scanner.Text() + "\n"})
		}
	}()
	go func() {
		readers.Wait()
		err := cmd.Wait()
		h.mu.Lock()
		h.exited = true
		h.mu.Unlock()
		if err != nil {
			log.Printf("[interp] pid %d exited: %v", cmd.Process.Pid, err)
		}
		close(h.events)
		close(h.done)
	}()

	// Readiness handshake: the adapter emits an idle status once it is
	// serving directives.
	handshake, cancel := context.WithTimeout(ctx, h.opts.StartupTimeout)
	defer cancel()
	for {
		ev, err := h.Next(handshake)
		if err != nil {
			h.Kill()
			return fmt.Errorf("%w: %v", ErrStartupFailed, err)
		}
		if ev.Kind == event.KindStatus && ev.Payload == protocol.StateIdle {
			return nil
		}
	}
}

// deliver hands an event to the consumer. After Kill there may be no
// consumer left, so delivery gives up rather than wedging the reader
// goroutines on a full channel.
func (h *Handle) deliver(ev event.Event) {
	select {
	case h.events <- ev:
	case <-h.closing:
	}
}

// Submit writes one tagged payload to the interpreter's stdin.
func (h *Handle) Submit(p protocol.Payload) error {
	data, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited || h.stdin == nil {
		return ErrPeerGone
	}
	if _, err := h.stdin.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerGone, err)
	}
	return nil
}

// Next returns the next decoded output event. It fails with ErrPeerGone
// once the output channel is drained after process exit, or with the
// context's error on deadline expiry.
func (h *Handle) Next(ctx context.Context) (event.Event, error) {
	select {
	case ev, ok := <-h.events:
		if !ok {
			return event.Event{}, ErrPeerGone
		}
		return ev, nil
	case <-ctx.Done():
		return event.Event{}, ctx.Err()
	}
}

// Interrupt delivers SIGINT; inside the adapter this aborts the running
// user code with a KeyboardInterrupt.
func (h *Handle) Interrupt() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited || h.cmd == nil || h.cmd.Process == nil {
		return ErrPeerGone
	}
	return h.cmd.Process.Signal(syscall.SIGINT)
}

// Kill terminates the interpreter: orderly shutdown by closing stdin (the
// adapter exits on EOF), SIGTERM at half the grace period, SIGKILL at the
// deadline. Idempotent.
func (h *Handle) Kill() {
	h.killOnce.Do(func() {
		close(h.closing)
		h.mu.Lock()
		stdin := h.stdin
		cmd := h.cmd
		h.stdin = nil
		h.mu.Unlock()

		if stdin != nil {
			stdin.Close()
		}
		if cmd == nil || cmd.Process == nil {
			return
		}

		grace := h.opts.KillGrace
		select {
		case <-h.done:
			return
		case <-time.After(grace / 2):
		}
		cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-h.done:
			return
		case <-time.After(grace - grace/2):
		}
		log.Printf("[interp] pid %d did not exit in %v, killing", cmd.Process.Pid, grace)
		cmd.Process.Kill()
	})
}

// Done closes when the interpreter process has exited and its output has
// been drained.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Alive reports whether the interpreter process is still running.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cmd != nil && !h.exited
}

// PID returns the interpreter's process ID, or 0 before Start.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}
