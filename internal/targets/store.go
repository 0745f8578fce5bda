// Package targets persists launch targets, the named recipes a frameserver
// is spawned from, and a journal of session lifecycle transitions.
package targets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zsiec/fsrv/internal/session"
)

var (
	ErrNotFound = errors.New("targets: not found")
	ErrExists   = errors.New("targets: already exists")
	ErrInvalid  = errors.New("targets: invalid target")
)

// Store is the persistence interface for launch targets and the launch
// journal. Implementations must be safe for concurrent use.
type Store interface {
	CreateTarget(ctx context.Context, t *Target) error
	GetTarget(ctx context.Context, name string) (*Target, error)
	ListTargets(ctx context.Context) ([]*Target, error)
	DeleteTarget(ctx context.Context, name string) error

	RecordLaunch(ctx context.Context, l *Launch) error
	// ListLaunches returns the newest journal entries first. An empty target
	// matches every target; limit <= 0 means no limit.
	ListLaunches(ctx context.Context, target string, limit int) ([]*Launch, error)

	Close() error
}

// Target is a named launch recipe.
type Target struct {
	Name string `json:"name" yaml:"name"`
	// Kind names the frameserver role, e.g. "decode" or "hijack".
	Kind string `json:"kind" yaml:"kind"`
	// Binary is empty to use the configured default frameserver.
	Binary   string    `json:"binary,omitempty" yaml:"binary,omitempty"`
	Resource string    `json:"resource" yaml:"resource"`
	Args     []string  `json:"args,omitempty" yaml:"args,omitempty"`
	Env      []string  `json:"env,omitempty" yaml:"env,omitempty"`
	Hijack   string    `json:"hijack,omitempty" yaml:"hijack,omitempty"`
	Loop     bool      `json:"loop" yaml:"loop"`
	Autoplay bool      `json:"autoplay" yaml:"autoplay"`
	NoPTS    bool      `json:"nopts" yaml:"nopts"`
	Created  time.Time `json:"created" yaml:"-"`
}

// Validate checks the fields a store requires.
func (t *Target) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if t.Kind == "hijack" && t.Hijack == "" {
		return fmt.Errorf("%w: hijack target %q needs a library", ErrInvalid, t.Name)
	}
	return nil
}

// SpawnArgs turns the target into session arguments, running defaultBinary
// when the target names none.
func (t *Target) SpawnArgs(defaultBinary string) session.SpawnArgs {
	bin := t.Binary
	if bin == "" {
		bin = defaultBinary
	}
	return session.SpawnArgs{
		Name:     t.Name,
		Kind:     t.Kind,
		Binary:   bin,
		Resource: t.Resource,
		Args:     append([]string(nil), t.Args...),
		Hijack:   t.Hijack,
		Env:      append([]string(nil), t.Env...),
		Loop:     t.Loop,
		Autoplay: t.Autoplay,
		NoPTS:    t.NoPTS,
	}
}

// Launch is one journal entry.
type Launch struct {
	ID         int64     `json:"id"`
	Session    int32     `json:"session"`
	Target     string    `json:"target"`
	Transition string    `json:"transition"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}
