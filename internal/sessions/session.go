// Package sessions manages session lifecycle.
//
// A Session is the per-tenant aggregate: one interpreter, one working
// directory, the set of loaded extensions, and the stream hubs of its
// executions. All mutating operations pass through a per-session FIFO
// serializer, so at most one operation touches the interpreter at a time
// and operations run in admission order.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/weaverlabs/ces/internal/engine"
	"github.com/weaverlabs/ces/internal/event"
	"github.com/weaverlabs/ces/internal/fs"
	"github.com/weaverlabs/ces/internal/interp"
	"github.com/weaverlabs/ces/internal/protocol"
	"github.com/weaverlabs/ces/internal/stream"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrBadSessionID       = errors.New("invalid session id")
	ErrSessionExists      = errors.New("session already exists")
	ErrSessionStopped     = errors.New("session is stopped")
	ErrDuplicateExecution = errors.New("execution id already used")
	ErrExecutionNotFound  = errors.New("execution not found")
)

// Status is the session lifecycle state. Once stopped, a session never
// leaves that state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

// Extension is a named user code blob with its configuration; it carries
// no version. Immutable once registered.
type Extension struct {
	Name   string            `json:"name"`
	Source string            `json:"-"`
	Config map[string]string `json:"config"`
}

// retainedHubs bounds how many finished execution hubs a session keeps
// for late subscribers before pruning the oldest.
const retainedHubs = 8

// directiveTimeout bounds one control-directive round trip outside an
// execution (extension load, variable update, session init).
const directiveTimeout = 30 * time.Second

// opQueueCap is the serializer's queue depth; submitters block (with
// their context) once it fills, which is the flow control.
const opQueueCap = 64

// Session is the per-tenant aggregate and serialization point.
type Session struct {
	ID        string
	CreatedAt time.Time

	ws  *fs.Workspace
	itp *interp.Handle
	eng *engine.Engine

	hubBufferCap int
	hubQueueCap  int

	mu           sync.Mutex
	status       Status
	lastActivity time.Time
	execCount    int
	extensions   []Extension
	execIDs      map[string]struct{}
	hubs         map[string]*stream.Hub
	hubOrder     []string

	admit    sync.Mutex // serializes dup-check + enqueue so admission order is queue order
	ops      chan *op
	stopped  chan struct{}
	stopOnce sync.Once
}

type op struct {
	fn   func()
	done chan struct{}
}

func newSession(id string, ws *fs.Workspace, itp *interp.Handle, eng *engine.Engine, hubBufferCap, hubQueueCap int) *Session {
	s := &Session{
		ID:           id,
		CreatedAt:    time.Now(),
		ws:           ws,
		itp:          itp,
		eng:          eng,
		hubBufferCap: hubBufferCap,
		hubQueueCap:  hubQueueCap,
		status:       StatusStarting,
		lastActivity: time.Now(),
		execIDs:      make(map[string]struct{}),
		hubs:         make(map[string]*stream.Hub),
		ops:          make(chan *op, opQueueCap),
		stopped:      make(chan struct{}),
	}
	go s.run()
	return s
}

// run is the serializer: a single consumer draining the operation queue.
func (s *Session) run() {
	for {
		select {
		case o := <-s.ops:
			o.fn()
			close(o.done)
		case <-s.stopped:
			for {
				select {
				case o := <-s.ops:
					close(o.done)
				default:
					return
				}
			}
		}
	}
}

// start boots the interpreter and establishes session identity. Called
// once by the manager before the session is visible.
func (s *Session) start(ctx context.Context) error {
	if err := s.itp.Start(ctx, s.ws.Root()); err != nil {
		return err
	}
	if err := s.roundTrip(protocol.DirectiveSessionInit, map[string]any{
		"session_id": s.ID,
		"cwd":        s.ws.Root(),
	}); err != nil {
		s.itp.Kill()
		return fmt.Errorf("%w: session-init: %v", interp.ErrStartupFailed, err)
	}

	// An interpreter that dies on its own ends the session.
	go func() {
		<-s.itp.Done()
		s.mu.Lock()
		if s.status == StatusRunning {
			s.status = StatusStopped
			log.Printf("[sessions] %s: interpreter exited, session stopped", s.ID)
		}
		s.mu.Unlock()
	}()

	s.mu.Lock()
	s.status = StatusRunning
	s.mu.Unlock()
	return nil
}

// submit enqueues an operation and waits for it to finish.
func (s *Session) submit(ctx context.Context, fn func()) error {
	o, err := s.enqueue(ctx, fn)
	if err != nil {
		return err
	}
	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		// The operation still runs; only the wait is abandoned.
		return ctx.Err()
	}
}

// enqueue admits an operation to the serializer without waiting on it.
func (s *Session) enqueue(ctx context.Context, fn func()) (*op, error) {
	s.mu.Lock()
	if s.status == StatusStopping || s.status == StatusStopped {
		s.mu.Unlock()
		return nil, ErrSessionStopped
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()

	o := &op{fn: fn, done: make(chan struct{})}
	select {
	case s.ops <- o:
		return o, nil
	case <-s.stopped:
		return nil, ErrSessionStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Execute admits one execution. For stream=false it blocks until the
// result is assembled; for stream=true it returns as soon as the
// execution is queued, and the caller follows the hub.
func (s *Session) Execute(ctx context.Context, execID, code string, streaming bool) (*event.ExecutionResult, *stream.Hub, error) {
	s.admit.Lock()

	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		s.admit.Unlock()
		return nil, nil, ErrSessionStopped
	}
	if _, dup := s.execIDs[execID]; dup {
		s.mu.Unlock()
		s.admit.Unlock()
		return nil, nil, ErrDuplicateExecution
	}
	s.execIDs[execID] = struct{}{}
	index := s.execCount
	s.execCount++
	hub := stream.New(s.hubBufferCap, s.hubQueueCap)
	s.hubs[execID] = hub
	s.hubOrder = append(s.hubOrder, execID)
	s.pruneHubsLocked()
	s.mu.Unlock()

	var result *event.ExecutionResult
	fn := func() {
		res, err := s.eng.Execute(s.itp, hub, s.ws, engine.Request{
			ExecID: execID,
			Code:   code,
			Index:  index,
		})
		result = res
		if err != nil && (errors.Is(err, interp.ErrPeerGone) || errors.Is(err, engine.ErrInterruptTimeout)) {
			s.fatal(err)
		} else if err != nil {
			log.Printf("[sessions] %s: execution %s: %v", s.ID, execID, err)
		}
	}

	o, err := s.enqueue(ctx, fn)
	s.admit.Unlock()
	if err != nil {
		// The execution never ran; release its admission so the id can
		// be retried and the dead hub is not retained.
		s.mu.Lock()
		delete(s.execIDs, execID)
		delete(s.hubs, execID)
		if n := len(s.hubOrder); n > 0 && s.hubOrder[n-1] == execID {
			s.hubOrder = s.hubOrder[:n-1]
		}
		s.mu.Unlock()
		return nil, nil, err
	}
	if streaming {
		return nil, hub, nil
	}

	select {
	case <-o.done:
		return result, hub, nil
	case <-ctx.Done():
		return nil, hub, ctx.Err()
	}
}

// Hub returns the stream hub of an execution, if still retained.
func (s *Session) Hub(execID string) (*stream.Hub, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hub, ok := s.hubs[execID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return hub, nil
}

// pruneHubsLocked drops the oldest finished hubs beyond the retention
// window. Caller holds s.mu.
func (s *Session) pruneHubsLocked() {
	for len(s.hubOrder) > retainedHubs {
		oldest := s.hubOrder[0]
		hub := s.hubs[oldest]
		if hub != nil && !hub.Closed() {
			return
		}
		s.hubOrder = s.hubOrder[1:]
		delete(s.hubs, oldest)
	}
}

// LoadExtension registers and loads an extension. On failure the
// session's extension set is unchanged and the interpreter's error text
// is returned.
func (s *Session) LoadExtension(ctx context.Context, ext Extension) error {
	var loadErr error
	err := s.submit(ctx, func() {
		if err := s.roundTrip(protocol.DirectiveExtRegister, map[string]any{
			"name":   ext.Name,
			"source": ext.Source,
		}); err != nil {
			loadErr = err
			return
		}
		if err := s.roundTrip(protocol.DirectiveExtLoad, map[string]any{
			"name":   ext.Name,
			"config": ext.Config,
		}); err != nil {
			loadErr = err
			return
		}
		s.mu.Lock()
		s.extensions = append(s.extensions, ext)
		s.mu.Unlock()
	})
	if err != nil {
		return err
	}
	return loadErr
}

// UpdateVariables overwrites user-namespace bindings from outside.
func (s *Session) UpdateVariables(ctx context.Context, bindings map[string]any) error {
	var updErr error
	err := s.submit(ctx, func() {
		updErr = s.roundTrip(protocol.DirectiveVarUpdate, map[string]any{
			"bindings": bindings,
		})
	})
	if err != nil {
		return err
	}
	return updErr
}

// roundTrip sends one directive and consumes output until the following
// idle status. An error event seen on the way is returned as the
// directive's failure. Runs on the serializer goroutine only.
func (s *Session) roundTrip(name string, args map[string]any) error {
	if err := s.itp.Submit(protocol.Directive(name, args)); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), directiveTimeout)
	defer cancel()

	var failure error
	for {
		ev, err := s.itp.Next(ctx)
		if err != nil {
			return err
		}
		switch ev.Kind {
		case event.KindError:
			p, _ := ev.Payload.(event.ErrorPayload)
			failure = errors.New(p.Message)
		case event.KindStatus:
			if ev.Payload == protocol.StateIdle {
				return failure
			}
		}
	}
}

// fatal handles interpreter death or an unkillable execution: the
// interpreter is terminated and the session transitions to stopped.
func (s *Session) fatal(cause error) {
	log.Printf("[sessions] %s: fatal: %v", s.ID, cause)
	s.itp.Kill()
	s.mu.Lock()
	if s.status != StatusStopped {
		s.status = StatusStopped
	}
	s.mu.Unlock()
}

// Stop kills the interpreter and removes the working directory. It is
// admitted through the serializer, so operations already queued run
// first; operations submitted afterwards fail fast. Idempotent.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		if s.status != StatusStopped {
			s.status = StatusStopping
		}
		s.mu.Unlock()

		o := &op{done: make(chan struct{})}
		o.fn = func() {
			s.itp.Kill()
			if err := s.ws.Remove(); err != nil {
				log.Printf("[sessions] %s: workspace cleanup: %v", s.ID, err)
			}
			s.mu.Lock()
			s.status = StatusStopped
			s.mu.Unlock()
			close(s.stopped)
		}
		// Bypasses enqueue's status check: stop must be admissible on a
		// session that already failed.
		s.ops <- o
	})

	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceKill terminates the interpreter out of band, aborting any
// in-flight execution with a peer-gone error so a pending Stop can
// complete. Used by manager shutdown escalation.
func (s *Session) ForceKill() {
	s.itp.Kill()
}

// Info is the metadata snapshot served by list and detail endpoints.
type Info struct {
	ID             string    `json:"session_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Status         Status    `json:"status"`
	ExecutionCount int       `json:"execution_count"`
	Extensions     []string  `json:"extensions"`
	InterpreterUp  bool      `json:"interpreter_up"`
}

// Info returns a point-in-time metadata snapshot.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.extensions))
	for _, ext := range s.extensions {
		names = append(names, ext.Name)
	}
	return Info{
		ID:             s.ID,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.lastActivity,
		Status:         s.status,
		ExecutionCount: s.execCount,
		Extensions:     names,
		InterpreterUp:  s.itp.Alive(),
	}
}

// Workspace exposes the session's working directory for the file and
// artifact endpoints.
func (s *Session) Workspace() *fs.Workspace {
	return s.ws
}

// LastActivity returns the last admission time.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
