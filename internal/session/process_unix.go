//go:build unix

package session

import (
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ExecSpawner starts children with os.StartProcess. Liveness is checked with
// a non-blocking wait4 so the logic goroutine never blocks on a child.
type ExecSpawner struct {
	// Stderr receives the child's stderr; nil discards it.
	Stderr *os.File
}

func (e *ExecSpawner) Start(key string, size int, args SpawnArgs) (Process, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}
	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return nil, err
	}
	defer devnull.Close()

	stderr := e.Stderr
	if stderr == nil {
		stderr = devnull
	}
	env := append(os.Environ(), args.Environ(key, size)...)
	p, err := os.StartProcess(args.Binary, args.Argv(), &os.ProcAttr{
		Env:   env,
		Files: []*os.File{devnull, devnull, stderr},
	})
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", args.Binary, err)
	}
	pid := p.Pid
	// Reaping goes through wait4 below, not os.Process.
	_ = p.Release()
	return &execProcess{pid: pid, wait: unix.Wait4}, nil
}

type waitFunc func(pid int, ws *unix.WaitStatus, options int, ru *unix.Rusage) (int, error)

type execProcess struct {
	pid  int
	wait waitFunc

	mu     sync.Mutex
	exited bool
	status unix.WaitStatus
}

func (p *execProcess) Pid() int { return p.pid }

func (p *execProcess) Exited() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pollLocked(unix.WNOHANG)
}

func (p *execProcess) pollLocked(options int) (bool, error) {
	if !p.exited {
		var ws unix.WaitStatus
		wpid, err := p.wait(p.pid, &ws, options, nil)
		switch {
		case err == unix.EINTR:
			return false, nil
		case err == unix.ECHILD:
			p.exited = true
		case err != nil:
			return false, err
		case wpid == p.pid:
			p.exited = true
			p.status = ws
		default:
			return false, nil
		}
	}
	return true, p.exitErr()
}

func (p *execProcess) exitErr() error {
	switch {
	case p.status.Signaled():
		return fmt.Errorf("killed by %v", p.status.Signal())
	case p.status.Exited() && p.status.ExitStatus() != 0:
		return fmt.Errorf("exit status %d", p.status.ExitStatus())
	}
	return nil
}

func (p *execProcess) Terminate(grace time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return nil
	}
	if err := unix.Kill(p.pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		return err
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if done, _ := p.pollLocked(unix.WNOHANG); done {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := unix.Kill(p.pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return err
	}
	for {
		done, err := p.pollLocked(0)
		if done {
			return nil
		}
		if err != nil {
			return fmt.Errorf("wait %d: %w", p.pid, err)
		}
	}
}
