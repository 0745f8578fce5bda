// Package config holds the engine's tunables. Values start from defaults in
// code, are overlaid by an optional YAML file and finally by FSRV_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/fsrv/internal/clock"
	"github.com/zsiec/fsrv/internal/eventq"
	"github.com/zsiec/fsrv/internal/frameserver"
	"github.com/zsiec/fsrv/internal/framequeue"
	"github.com/zsiec/fsrv/internal/netbridge"
	"github.com/zsiec/fsrv/internal/session"
	"github.com/zsiec/fsrv/internal/shm"
	"github.com/zsiec/fsrv/internal/targets"
)

// EnvConfig names the environment variable holding the config file path.
const EnvConfig = "FSRV_CONFIG"

var ErrInvalid = errors.New("config: invalid value")

// Config is the complete engine configuration.
type Config struct {
	// ShmDir is where segments and semaphores are created.
	ShmDir      string `yaml:"shm_dir"`
	SegmentSize int    `yaml:"segment_size"`
	// QueueSize is the default event queue capacity.
	QueueSize  int     `yaml:"queue_size"`
	Saturation float64 `yaml:"saturation"`

	ResynchMs      int64 `yaml:"resynch_ms"`
	SkipMs         int64 `yaml:"skip_ms"`
	SemTimeoutMs   int64 `yaml:"sem_timeout_ms"`
	TickMs         int64 `yaml:"tick_ms"`
	RespawnGuardMs int64 `yaml:"respawn_guard_ms"`
	ExitGraceMs    int64 `yaml:"exit_grace_ms"`

	VideoCells int `yaml:"video_cells"`
	AudioCells int `yaml:"audio_cells"`

	// Frameserver is the binary run for targets that do not name their own.
	Frameserver string `yaml:"frameserver"`
	// DB is the launch target database path.
	DB string `yaml:"db"`

	Net NetConfig `yaml:"net"`

	// Targets are created in the database at startup if missing.
	Targets []targets.Target `yaml:"targets"`
	// Autostart names targets spawned at startup.
	Autostart []string `yaml:"autostart"`
}

// NetConfig configures the network event bridge. An empty Listen and no
// Remotes disables it.
type NetConfig struct {
	Listen  string             `yaml:"listen"`
	Remotes []netbridge.Remote `yaml:"remotes"`
}

// Enabled reports whether any bridge transport is configured.
func (n NetConfig) Enabled() bool { return n.Listen != "" || len(n.Remotes) > 0 }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ShmDir:         shm.DefaultDir,
		SegmentSize:    shm.DefaultSegmentSize,
		QueueSize:      frameserver.DefaultQueueSize,
		Saturation:     session.DefaultSaturation,
		ResynchMs:      clock.DefaultResynchThreshold,
		SkipMs:         clock.DefaultSkipThreshold,
		SemTimeoutMs:   eventq.DefaultSharedTimeout.Milliseconds(),
		TickMs:         25,
		RespawnGuardMs: frameserver.DefaultRespawnGuard.Milliseconds(),
		ExitGraceMs:    session.DefaultExitGrace.Milliseconds(),
		VideoCells:     framequeue.DefaultVideoCells,
		AudioCells:     framequeue.DefaultAudioCells,
		Frameserver:    "fsrv-testsrc",
		DB:             "fsrv.db",
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty) and the process environment.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays FSRV_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	integer := func(name string, dst *int64) {
		v, ok := lookup(name)
		if !ok || v == "" {
			return
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = n
	}

	str(shm.EnvDir, &c.ShmDir)
	str("FSRV_FRAMESERVER", &c.Frameserver)
	str("FSRV_DB", &c.DB)
	str("FSRV_NET_ADDR", &c.Net.Listen)

	seg, queue := int64(c.SegmentSize), int64(c.QueueSize)
	integer("FSRV_SHM_SIZE", &seg)
	integer("FSRV_QUEUE_SIZE", &queue)
	c.SegmentSize, c.QueueSize = int(seg), int(queue)

	integer("FSRV_RESYNCH_MS", &c.ResynchMs)
	integer("FSRV_SKIP_MS", &c.SkipMs)
	integer("FSRV_SEM_TIMEOUT_MS", &c.SemTimeoutMs)
	integer("FSRV_TICK_MS", &c.TickMs)

	if v, ok := lookup("FSRV_SATURATION"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("FSRV_SATURATION: %w", err))
		} else {
			c.Saturation = f
		}
	}
	return errors.Join(errs...)
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	if c.SegmentSize < shm.ControlSize+shm.AudioBufferSize {
		bad("segment_size %d is smaller than the control block and audio buffer", c.SegmentSize)
	}
	if c.QueueSize <= 1 {
		bad("queue_size %d must be at least 2", c.QueueSize)
	}
	if c.Saturation < 0.5 || c.Saturation > 1.0 {
		bad("saturation %g outside [0.5, 1.0]", c.Saturation)
	}
	if c.ResynchMs <= 0 || c.SkipMs <= 0 {
		bad("resynch_ms and skip_ms must be positive")
	}
	if c.SkipMs >= c.ResynchMs {
		bad("skip_ms %d must be below resynch_ms %d", c.SkipMs, c.ResynchMs)
	}
	if c.SemTimeoutMs <= 0 {
		bad("sem_timeout_ms must be positive")
	}
	if c.TickMs <= 0 {
		bad("tick_ms must be positive")
	}
	if c.RespawnGuardMs < 0 || c.ExitGraceMs < 0 {
		bad("respawn_guard_ms and exit_grace_ms must not be negative")
	}
	if c.VideoCells < 2 || c.VideoCells > framequeue.MaxCells ||
		c.AudioCells < 2 || c.AudioCells > framequeue.MaxCells {
		bad("cell counts must be within [2, %d]", framequeue.MaxCells)
	}
	seen := make(map[string]bool, len(c.Targets))
	for i := range c.Targets {
		t := &c.Targets[i]
		if err := t.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[t.Name] {
			bad("target %q defined twice", t.Name)
		}
		seen[t.Name] = true
	}
	return errors.Join(errs...)
}

// Tick returns the logic tick period.
func (c *Config) Tick() time.Duration { return time.Duration(c.TickMs) * time.Millisecond }

// SessionOptions returns the per-session settings. Platform, Spawner and
// the collaborators are filled in by the caller.
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		Clock: clock.Config{
			ResynchThreshold: c.ResynchMs,
			SkipThreshold:    c.SkipMs,
		},
		SegmentSize: c.SegmentSize,
		LockTimeout: time.Duration(c.SemTimeoutMs) * time.Millisecond,
		Saturation:  c.Saturation,
		VideoCells:  c.VideoCells,
		AudioCells:  c.AudioCells,
		ExitGrace:   time.Duration(c.ExitGraceMs) * time.Millisecond,
	}
}

// ManagerConfig returns the frameserver manager settings.
func (c *Config) ManagerConfig() frameserver.Config {
	return frameserver.Config{
		Session:      c.SessionOptions(),
		QueueSize:    c.QueueSize,
		RespawnGuard: time.Duration(c.RespawnGuardMs) * time.Millisecond,
	}
}
