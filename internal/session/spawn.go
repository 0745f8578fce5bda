package session

import (
	"errors"
	"strconv"
	"time"

	"github.com/zsiec/fsrv/internal/shm"
)

// SpawnArgs describes what a session runs. A respawned session reuses them
// unchanged.
type SpawnArgs struct {
	// Name is the launch target this was started from, if any.
	Name string
	// Kind names the frameserver role, e.g. "decode" or "hijack".
	Kind string
	// Binary is the executable to start.
	Binary string
	// Resource is handed to the child, typically a media path or URL.
	Resource string
	Args     []string
	// Hijack, when set, is a shared library preloaded into Binary, which is
	// then an unmodified program rather than a frameserver.
	Hijack string
	Env    []string
	// Loop asks for a respawn when the child dies.
	Loop bool
	// Autoplay starts playback as soon as the first resize completes.
	Autoplay bool
	// NoPTS bypasses the frame queues: each video frame is handed over
	// through the single shared buffer as soon as it is ready.
	NoPTS bool
}

// Validate checks that the arguments describe something runnable.
func (a SpawnArgs) Validate() error {
	if a.Binary == "" {
		return errors.New("session: spawn without binary")
	}
	return nil
}

// Environ returns the environment entries that tell a child where its
// segment is.
func (a SpawnArgs) Environ(key string, size int) []string {
	env := []string{
		shm.EnvKey + "=" + key,
		shm.EnvSize + "=" + strconv.Itoa(size),
		shm.EnvKind + "=" + a.Kind,
		shm.EnvResource + "=" + a.Resource,
	}
	if a.Loop {
		env = append(env, shm.EnvLoop+"=1")
	}
	if a.Hijack != "" {
		env = append(env, "LD_PRELOAD="+a.Hijack)
	}
	return append(env, a.Env...)
}

// Argv returns the child's argument vector.
func (a SpawnArgs) Argv() []string {
	argv := []string{a.Binary}
	if a.Hijack == "" && a.Resource != "" {
		argv = append(argv, a.Resource)
	}
	return append(argv, a.Args...)
}

// Spawner starts child processes.
type Spawner interface {
	Start(key string, size int, args SpawnArgs) (Process, error)
}

// Process is a started child.
type Process interface {
	Pid() int
	// Exited checks without blocking whether the child has exited. The
	// returned error describes an abnormal exit.
	Exited() (bool, error)
	// Terminate asks the child to exit, escalates after grace, and reaps it.
	Terminate(grace time.Duration) error
}
