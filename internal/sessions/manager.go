package sessions

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weaverlabs/ces/internal/engine"
	"github.com/weaverlabs/ces/internal/fs"
	"github.com/weaverlabs/ces/internal/interp"
)

// Options configures a Manager.
type Options struct {
	// WorkspaceRoot holds one subdirectory per session.
	WorkspaceRoot string
	// Interpreter configures the per-session interpreter handle.
	Interpreter interp.Options
	// Engine configures execution deadlines.
	Engine engine.Options
	// IdleTimeout expires sessions with no activity; zero disables.
	IdleTimeout time.Duration
	// SweepPeriod is the idle-sweep interval.
	SweepPeriod time.Duration
	// StopTimeout bounds one session's graceful stop during shutdown.
	StopTimeout time.Duration
	// HubBufferCap and HubQueueCap size each execution's stream hub.
	HubBufferCap int
	HubQueueCap  int
}

func (o *Options) withDefaults() {
	if o.WorkspaceRoot == "" {
		o.WorkspaceRoot = "/tmp/ces-workspaces"
	}
	if o.SweepPeriod <= 0 {
		o.SweepPeriod = 60 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 15 * time.Second
	}
}

// Manager is the process-wide session registry.
type Manager struct {
	opts Options
	eng  *engine.Engine

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewManager creates a manager and starts its idle sweeper.
func NewManager(opts Options) *Manager {
	opts.withDefaults()
	m := &Manager{
		opts:      opts,
		eng:       engine.New(opts.Engine),
		sessions:  make(map[string]*Session),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// validSessionID accepts client-supplied identifiers that are safe as
// directory names and path segments.
func validSessionID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

// Create allocates a session, creates its working directory, and boots
// its interpreter. A failed boot is rolled back completely.
func (m *Manager) Create(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if !validSessionID(id) {
		return nil, fmt.Errorf("%w: %q", ErrBadSessionID, id)
	}

	cwd := filepath.Join(m.opts.WorkspaceRoot, id)
	if err := os.MkdirAll(cwd, 0o755); err != nil {
		return nil, err
	}

	ws := fs.NewWorkspace(cwd)
	s := newSession(id, ws, interp.New(m.opts.Interpreter), m.eng, m.opts.HubBufferCap, m.opts.HubQueueCap)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(s.stopped)
		os.RemoveAll(cwd)
		return nil, ErrSessionStopped
	}
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		close(s.stopped) // unwind the never-started serializer
		return nil, ErrSessionExists
	}
	m.sessions[id] = s
	m.mu.Unlock()

	if err := s.start(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		close(s.stopped)
		os.RemoveAll(cwd)
		return nil, err
	}

	log.Printf("[sessions] created %s (interpreter pid %d)", id, s.itp.PID())
	return s, nil
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// List returns a metadata snapshot of all sessions.
func (m *Manager) List() []Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Delete stops a session and removes it from the registry once the stop
// has completed.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	if err := s.Stop(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	log.Printf("[sessions] deleted %s", id)
	return nil
}

// sweepLoop periodically expires idle sessions.
func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)
	ticker := time.NewTicker(m.opts.SweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.sweepStop:
			return
		}
	}
}

func (m *Manager) sweep() {
	if m.opts.IdleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-m.opts.IdleTimeout)

	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		log.Printf("[sessions] sweeping idle session %s", id)
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.StopTimeout)
		if err := m.Delete(ctx, id); err != nil && err != ErrSessionNotFound {
			log.Printf("[sessions] sweep of %s failed: %v", id, err)
		}
		cancel()
	}
}

// Shutdown closes the registry and stops all sessions in parallel,
// escalating to a forced interpreter kill for any session whose graceful
// stop does not finish inside its deadline.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	alreadyClosed := m.closed
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	if !alreadyClosed {
		close(m.sweepStop)
	}
	<-m.sweepDone

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			stopCtx, cancel := context.WithTimeout(ctx, m.opts.StopTimeout)
			defer cancel()
			if err := s.Stop(stopCtx); err != nil {
				log.Printf("[sessions] %s: graceful stop failed (%v), forcing kill", s.ID, err)
				s.ForceKill()
				final, cancel2 := context.WithTimeout(context.Background(), m.opts.StopTimeout)
				defer cancel2()
				if err := s.Stop(final); err != nil {
					log.Printf("[sessions] %s: forced stop failed: %v", s.ID, err)
				}
			}
		}(s)
	}
	wg.Wait()

	if n := len(sessions); n > 0 {
		log.Printf("[sessions] shutdown complete, %d session(s) stopped", n)
	}
}
