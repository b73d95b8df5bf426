// Package engine drives one execution round-trip through the control
// protocol: pre-exec framing, user code, output demultiplexing, post-exec
// inspection, and terminal signalling.
//
// Every consumed event is appended to the ExecutionResult accumulator and
// published to the execution's stream hub with a strictly increasing
// sequence number, so the synchronous caller and live subscribers observe
// the same stream.
package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/weaverlabs/ces/internal/event"
	"github.com/weaverlabs/ces/internal/fs"
	"github.com/weaverlabs/ces/internal/interp"
	"github.com/weaverlabs/ces/internal/protocol"
	"github.com/weaverlabs/ces/internal/stream"
)

var (
	// ErrInternalOrdering means the interpreter was busy when an
	// execution was admitted. The per-session serializer makes this
	// unreachable; seeing it is a bug, not an input error.
	ErrInternalOrdering = errors.New("interpreter busy at execution admission")

	// ErrInterruptTimeout means the interpreter ignored an interrupt
	// after the execution deadline. The session must kill it.
	ErrInterruptTimeout = errors.New("interpreter did not return to idle after interrupt")
)

// Interpreter is the slice of the interpreter handle the engine needs.
type Interpreter interface {
	Submit(protocol.Payload) error
	Next(ctx context.Context) (event.Event, error)
	Interrupt() error
}

// Options tunes the engine's deadlines.
type Options struct {
	// ExecTimeout bounds one execution end to end.
	ExecTimeout time.Duration
	// InterruptGrace bounds the drain after an interrupt.
	InterruptGrace time.Duration
	// IdleWait bounds the pre-exec and post-exec idle handshakes.
	IdleWait time.Duration
}

func (o *Options) withDefaults() {
	if o.ExecTimeout <= 0 {
		o.ExecTimeout = 300 * time.Second
	}
	if o.InterruptGrace <= 0 {
		o.InterruptGrace = 5 * time.Second
	}
	if o.IdleWait <= 0 {
		o.IdleWait = 10 * time.Second
	}
}

// Engine executes code units against interpreters.
type Engine struct {
	opts Options
}

// New returns an engine with the given options.
func New(opts Options) *Engine {
	opts.withDefaults()
	return &Engine{opts: opts}
}

// Request identifies one execution.
type Request struct {
	ExecID string
	Code   string
	Index  int
}

// run carries the mutable state of one Execute call.
type run struct {
	itp Interpreter
	hub *stream.Hub
	ws  *fs.Workspace
	res *event.ExecutionResult
	seq int64
}

func (r *run) publish(ev event.Event) {
	ev.Seq = r.seq
	r.seq++
	r.hub.Publish(ev)
}

// Execute drives one execution. The returned result is always non-nil and
// the hub always receives a terminal event, whatever went wrong. The error
// is nil for completed executions (including ones whose code failed); it is
// interp.ErrPeerGone, ErrInterruptTimeout, or ErrInternalOrdering when the
// session must react. An idle handshake that times out after the code has
// run returns the wrapped deadline error.
//
// The protocol deadline derives from ExecTimeout rather than the caller's
// context: a disconnected HTTP caller must not stop the engine from
// draining the interpreter's output.
func (e *Engine) Execute(itp Interpreter, hub *stream.Hub, ws *fs.Workspace, req Request) (*event.ExecutionResult, error) {
	r := &run{itp: itp, hub: hub, ws: ws, res: event.NewResult(req.ExecID, req.Code)}

	ctx, cancel := context.WithTimeout(context.Background(), e.opts.ExecTimeout)
	defer cancel()

	err := e.execute(ctx, r, req)
	r.res.Output = strings.Join(r.res.StdoutChunks, "")
	r.publish(event.Event{Kind: event.KindResult, Payload: r.res})
	r.publish(event.Event{Kind: event.KindStatus, Payload: "done", Terminal: true})
	return r.res, err
}

func (e *Engine) execute(ctx context.Context, r *run, req Request) error {
	// Frame the execution start.
	err := r.itp.Submit(protocol.Directive(protocol.DirectivePreExec, map[string]any{
		"exec_id": req.ExecID,
		"index":   req.Index,
	}))
	if err != nil {
		return r.peerGone()
	}
	if err := e.awaitIdle(ctx, r); err != nil {
		if errors.Is(err, interp.ErrPeerGone) {
			return r.peerGone()
		}
		return fmt.Errorf("%w: pre-exec handshake: %v", ErrInternalOrdering, err)
	}

	// Submit the user code and consume output until the execute reply.
	if err := r.itp.Submit(protocol.Code(req.ExecID, req.Code)); err != nil {
		return r.peerGone()
	}
	for {
		ev, err := r.itp.Next(ctx)
		if err != nil {
			if errors.Is(err, interp.ErrPeerGone) {
				return r.peerGone()
			}
			return e.interrupt(r)
		}
		r.consume(ev)
		if ev.Kind == event.KindReply {
			break
		}
	}
	// Absorb the idle that closes the busy phase so the post-exec
	// handshake below waits for its own idle, not this one.
	if err := e.awaitIdle(ctx, r); err != nil {
		if errors.Is(err, interp.ErrPeerGone) {
			return r.peerGone()
		}
		return fmt.Errorf("post-reply handshake: %w", err)
	}

	// Trigger the variable snapshot and artifact scan.
	err = r.itp.Submit(protocol.Directive(protocol.DirectivePostExec, map[string]any{
		"exec_id": req.ExecID,
		"index":   req.Index,
	}))
	if err != nil {
		return r.peerGone()
	}
	if err := e.awaitIdle(ctx, r); err != nil {
		if errors.Is(err, interp.ErrPeerGone) {
			return r.peerGone()
		}
		return fmt.Errorf("post-exec handshake: %w", err)
	}
	return nil
}

// awaitIdle consumes events until the interpreter reports idle, bounded
// by IdleWait on top of the surrounding deadline.
func (e *Engine) awaitIdle(ctx context.Context, r *run) error {
	ctx, cancel := context.WithTimeout(ctx, e.opts.IdleWait)
	defer cancel()
	for {
		ev, err := r.itp.Next(ctx)
		if err != nil {
			return err
		}
		r.consume(ev)
		if ev.Kind == event.KindStatus && ev.Payload == protocol.StateIdle {
			return nil
		}
	}
}

// interrupt handles execution-deadline expiry: deliver an interrupt and
// keep draining output so the interpreter does not block on a full pipe.
func (e *Engine) interrupt(r *run) error {
	log.Printf("[engine] execution %s hit its deadline, interrupting", r.res.ExecutionID)
	r.res.Success = false
	r.res.ErrorMessage = "timeout"
	r.publish(event.Event{Kind: event.KindError, Payload: event.ErrorPayload{Message: "timeout"}})

	if err := r.itp.Interrupt(); err != nil {
		return r.peerGone()
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.InterruptGrace)
	defer cancel()
	for {
		ev, err := r.itp.Next(ctx)
		if err != nil {
			if errors.Is(err, interp.ErrPeerGone) {
				return r.peerGone()
			}
			return ErrInterruptTimeout
		}
		r.consume(ev)
		if ev.Kind == event.KindStatus && ev.Payload == protocol.StateIdle {
			// The drained interrupt traceback must not displace the
			// timeout verdict.
			r.res.Success = false
			r.res.ErrorMessage = "timeout"
			return nil
		}
	}
}

// peerGone records an interpreter death as a synthetic error event and an
// unsuccessful result.
func (r *run) peerGone() error {
	r.res.Success = false
	if r.res.ErrorMessage == "" {
		r.res.ErrorMessage = "peer gone: interpreter died during execution"
	}
	r.publish(event.Event{Kind: event.KindError, Payload: event.ErrorPayload{
		Message: r.res.ErrorMessage,
	}})
	return interp.ErrPeerGone
}

// consume routes one interpreter event into the accumulator and the hub.
// The execute acknowledgement is protocol framing, not output: it is
// dropped here so subscribers see exactly one result event, the
// assembled ExecutionResult.
func (r *run) consume(ev event.Event) {
	switch ev.Kind {
	case event.KindReply:
		return
	case event.KindStdout:
		text, _ := ev.Payload.(string)
		if entry, ok := protocol.ParseLogLine(text); ok {
			r.res.LogEntries = append(r.res.LogEntries, entry)
			r.publish(event.Event{Kind: event.KindLog, Payload: entry})
			return
		}
		r.res.StdoutChunks = append(r.res.StdoutChunks, text)
	case event.KindStderr:
		text, _ := ev.Payload.(string)
		r.res.StderrChunks = append(r.res.StderrChunks, text)
	case event.KindError:
		p, _ := ev.Payload.(event.ErrorPayload)
		r.res.Success = false
		if len(p.Traceback) > 0 {
			r.res.ErrorMessage = strings.Join(p.Traceback, "\n")
		} else {
			r.res.ErrorMessage = p.Message
		}
	case event.KindDisplay:
		if art, ok := r.spillDisplay(ev); ok {
			r.res.Artifacts = append(r.res.Artifacts, art)
		}
	case event.KindVariables:
		vars, _ := ev.Payload.([]event.Variable)
		r.res.SurfacedVariables = vars
		if r.res.SurfacedVariables == nil {
			r.res.SurfacedVariables = []event.Variable{}
		}
	case event.KindArtifact:
		art, _ := ev.Payload.(event.Artifact)
		// The post-exec scan re-reports files the engine already spilled
		// from display payloads; keep one entry per file.
		for _, have := range r.res.Artifacts {
			if have.FileName == art.FileName {
				return
			}
		}
		r.res.Artifacts = append(r.res.Artifacts, art)
	}
	r.publish(ev)
}

// spillDisplay writes a rich display payload into the session cwd under a
// stable name derived from the execution id.
func (r *run) spillDisplay(ev event.Event) (event.Artifact, bool) {
	p, ok := ev.Payload.(map[string]string)
	if !ok {
		return event.Artifact{}, false
	}
	data, err := base64.StdEncoding.DecodeString(p["data"])
	if err != nil {
		log.Printf("[engine] dropping undecodable display payload for %s: %v", r.res.ExecutionID, err)
		return event.Artifact{}, false
	}
	name := fmt.Sprintf("%s-%d%s", r.res.ExecutionID, len(r.res.Artifacts), extForMime(p["mime"]))
	if err := r.ws.Write(name, data); err != nil {
		log.Printf("[engine] failed to spill display payload %s: %v", name, err)
		return event.Artifact{}, false
	}
	return event.Artifact{Name: name, MimeType: p["mime"], FileName: name}, true
}

var mimeExt = map[string]string{
	"image/png":        ".png",
	"image/jpeg":       ".jpg",
	"image/gif":        ".gif",
	"image/svg+xml":    ".svg",
	"text/html":        ".html",
	"text/plain":       ".txt",
	"application/json": ".json",
}

func extForMime(mime string) string {
	if ext, ok := mimeExt[mime]; ok {
		return ext
	}
	return ".bin"
}
