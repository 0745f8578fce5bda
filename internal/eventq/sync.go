package eventq

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/fsrv/internal/shm"
)

// DefaultSharedTimeout bounds a lock wait on a shared queue that has a
// killswitch attached.
const DefaultSharedTimeout = 500 * time.Millisecond

// Syncer guards a queue's indices and slots.
type Syncer interface {
	Acquire() error
	Release()
}

// LocalSync is a Syncer for queues that never leave the process.
type LocalSync struct {
	mu sync.Mutex
}

func (l *LocalSync) Acquire() error {
	l.mu.Lock()
	return nil
}

func (l *LocalSync) Release() { l.mu.Unlock() }

// Killer is implemented by whatever owns a table of sessions.
type Killer interface {
	Kill(id int32)
}

// Killswitch names the session that owns a shared queue by its table and
// id. It holds no reference to the session itself, so a session torn down
// while another goroutine waits on its queue leaves nothing dangling: the
// Kill call just finds no entry.
type Killswitch struct {
	Table Killer
	ID    int32
}

// SharedSync is a Syncer backed by a named semaphore that both processes
// open. Without a killswitch Acquire waits forever; with one it waits at
// most the configured timeout and then fires the killswitch.
type SharedSync struct {
	sem     shm.Semaphore
	timeout time.Duration
	kill    *Killswitch
	fired   atomic.Bool
}

// NewSharedSync returns a SharedSync on sem. A non-positive timeout selects
// DefaultSharedTimeout; kill may be nil.
func NewSharedSync(sem shm.Semaphore, timeout time.Duration, kill *Killswitch) *SharedSync {
	if timeout <= 0 {
		timeout = DefaultSharedTimeout
	}
	return &SharedSync{sem: sem, timeout: timeout, kill: kill}
}

func (s *SharedSync) Acquire() error {
	if s.kill == nil {
		return s.sem.Wait(-1)
	}
	if s.fired.Load() {
		return ErrTimeout
	}
	err := s.sem.Wait(s.timeout)
	if err == nil {
		return nil
	}
	if errors.Is(err, shm.ErrTimeout) {
		if s.fired.CompareAndSwap(false, true) {
			s.kill.Table.Kill(s.kill.ID)
		}
		return ErrTimeout
	}
	return err
}

func (s *SharedSync) Release() {
	_ = s.sem.Post()
}

// Fired reports whether the killswitch has been triggered.
func (s *SharedSync) Fired() bool { return s.fired.Load() }
