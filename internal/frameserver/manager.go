// Package frameserver keeps the table of live frameserver sessions, drives
// their liveness checks each tick and respawns or retires the ones that die.
package frameserver

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/zsiec/fsrv/internal/event"
	"github.com/zsiec/fsrv/internal/eventq"
	"github.com/zsiec/fsrv/internal/session"
)

// Defaults.
const (
	DefaultQueueSize = 256
	// DefaultRespawnGuard is how long a looping session must have lived
	// before its death triggers a respawn.
	DefaultRespawnGuard = 1000 * time.Millisecond
)

// Journal records lifecycle transitions.
type Journal interface {
	Record(id int32, target string, transition Transition, detail string)
}

// Transition names a lifecycle change recorded in the journal.
type Transition string

const (
	TransitionSpawned    Transition = "spawned"
	TransitionFailed     Transition = "failed"
	TransitionLooped     Transition = "looped"
	TransitionResized    Transition = "resized"
	TransitionTerminated Transition = "terminated"
)

// Config configures a Manager. Session carries the options applied to every
// session; its ID, Default and Killer fields are filled in by the manager.
type Config struct {
	Session      session.Options
	QueueSize    int
	RespawnGuard time.Duration
	Journal      Journal
}

// Manager owns every frameserver session and the engine's default event
// queue. Spawn, Free, Tick and Stats run on the logic goroutine; Kill, Get
// and List may be called from anywhere.
type Manager struct {
	log   *slog.Logger
	cfg   Config
	queue *eventq.Queue

	mu       sync.RWMutex
	sessions map[int32]*session.Session
	nextID   int32
}

// NewManager creates a manager. If log is nil, slog.Default() is used.
func NewManager(cfg Config, log *slog.Logger) (*Manager, error) {
	if cfg.Session.Platform == nil || cfg.Session.Spawner == nil {
		return nil, fmt.Errorf("%w: platform and spawner are required", session.ErrBadArgument)
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.RespawnGuard <= 0 {
		cfg.RespawnGuard = DefaultRespawnGuard
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = log
	}
	return &Manager{
		log:      log.With("component", "frameserver-manager"),
		cfg:      cfg,
		queue:    eventq.NewLocal(cfg.QueueSize),
		sessions: make(map[int32]*session.Session),
		nextID:   1,
	}, nil
}

// Events returns the default event queue. Lifecycle notifications and the
// events sessions forward from their children all land here.
func (m *Manager) Events() *eventq.Queue { return m.queue }

// Spawn starts a new session for args.
func (m *Manager) Spawn(now int64, args session.SpawnArgs) (*session.Session, error) {
	m.mu.Lock()
	id := m.allocID()
	m.mu.Unlock()

	s, err := m.start(now, id, args)
	if err != nil {
		m.journal(id, args, TransitionFailed, err.Error())
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	m.journal(id, args, TransitionSpawned, s.Key())
	return s, nil
}

// allocID returns the next unused id. The caller holds m.mu.
func (m *Manager) allocID() int32 {
	for {
		id := m.nextID
		m.nextID++
		if m.nextID <= 0 {
			m.nextID = 1
		}
		if _, ok := m.sessions[id]; !ok {
			return id
		}
	}
}

func (m *Manager) start(now int64, id int32, args session.SpawnArgs) (*session.Session, error) {
	opts := m.cfg.Session
	opts.ID = id
	opts.Default = m.queue
	opts.Killer = m
	return session.Spawn(now, args, opts)
}

// Get returns the session with the given id.
func (m *Manager) Get(id int32) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %d", session.ErrNoSuchObject, id)
	}
	return s, nil
}

// List returns all live sessions ordered by id.
func (m *Manager) List() []*session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *session.Session) int { return int(a.ID() - b.ID()) })
	return out
}

// Kill marks a session fatal; it is torn down on the next Tick. It is the
// killswitch target of every session's shared event queue and is safe to
// call from any goroutine. Unknown ids are ignored.
func (m *Manager) Kill(id int32) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		s.Kill("event queue lock timed out")
	}
}

// Free tears a session down on request, without respawning it.
func (m *Manager) Free(id int32) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: session %d", session.ErrNoSuchObject, id)
	}
	m.retire(s, session.CauseRequested, "freed")
	return nil
}

// Tick runs one liveness pass over every session. Sessions reporting a fatal
// condition are flushed, announced and either respawned under the same id
// or freed. Non-fatal errors are logged.
func (m *Manager) Tick(now int64) {
	for _, s := range m.List() {
		err := s.Control(now)
		if err == nil {
			continue
		}
		if !session.IsFatal(err) {
			m.log.Debug("session control", "id", s.ID(), "error", err)
			continue
		}
		m.reap(now, s, err)
	}
}

func (m *Manager) reap(now int64, s *session.Session, cause error) {
	id, args := s.ID(), s.Args()
	m.log.Warn("frameserver died", "id", id, "error", cause)
	s.FlushEvents()

	age := time.Duration(now-s.Launched()) * time.Millisecond
	if args.Loop && age > m.cfg.RespawnGuard {
		next, err := m.start(now, id, args)
		if err == nil {
			m.emit(id, event.KindFrameserverLooped, session.CauseOf(cause))
			m.mu.Lock()
			m.sessions[id] = next
			m.mu.Unlock()
			s.Free()
			m.journal(id, args, TransitionLooped, cause.Error())
			m.log.Info("frameserver respawned", "id", id, "key", next.Key())
			return
		}
		m.log.Warn("respawn failed", "id", id, "error", err)
	} else if args.Loop {
		m.log.Warn("frameserver died too early to respawn", "id", id, "age", age)
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.retire(s, session.CauseOf(cause), cause.Error())
}

// retire announces a session's end and frees it. The session must already
// be out of the table.
func (m *Manager) retire(s *session.Session, cause session.Cause, detail string) {
	m.emit(s.ID(), event.KindFrameserverTerminated, cause)
	s.Free()
	m.journal(s.ID(), s.Args(), TransitionTerminated, detail)
}

func (m *Manager) emit(id int32, kind uint32, cause session.Cause) {
	ev := event.New(event.CategoryFrameserver, kind)
	ev.Source = id
	ev.SetFrameserver(event.FrameserverData{Reason: uint32(cause)})
	if err := m.queue.Enqueue(ev); err != nil {
		m.log.Warn("lifecycle event lost", "id", id, "event", ev.String(), "error", err)
	}
}

func (m *Manager) journal(id int32, args session.SpawnArgs, t Transition, detail string) {
	if m.cfg.Journal == nil {
		return
	}
	name := args.Name
	if name == "" {
		name = args.Binary
	}
	m.cfg.Journal.Record(id, name, t, detail)
}

// Record journals a transition observed outside the manager, such as a
// completed resize, for a live session.
func (m *Manager) Record(id int32, t Transition, detail string) {
	s, err := m.Get(id)
	if err != nil {
		return
	}
	m.journal(id, s.Args(), t, detail)
}

// Stats returns a snapshot of every live session.
func (m *Manager) Stats() []session.Stats {
	sessions := m.List()
	out := make([]session.Stats, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Stats())
	}
	return out
}

// Close frees every session.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[int32]*session.Session)
	m.mu.Unlock()

	for _, s := range sessions {
		m.retire(s, session.CauseRequested, "shutdown")
	}
}
