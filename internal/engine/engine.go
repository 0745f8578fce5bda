// Package engine runs the logic goroutine: a fixed-rate tick that drives
// frameserver liveness, pulls audio and video from every session for the
// output, and drains the default event queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/fsrv/internal/event"
	"github.com/zsiec/fsrv/internal/frameserver"
	"github.com/zsiec/fsrv/internal/netbridge"
	"github.com/zsiec/fsrv/internal/session"
)

// Defaults.
const (
	DefaultTick       = 25 * time.Millisecond
	DefaultAudioChunk = 4096
)

// callQueueSize bounds the number of pending Do calls.
const callQueueSize = 16

var ErrStopped = errors.New("engine: stopped")

// Output is where presented media goes, typically a compositor and mixer.
// Frame data is only valid for the duration of the call.
type Output interface {
	Video(id int32, f session.Frame)
	Audio(id int32, pcm []byte)
}

// Bridge is the subset of netbridge.Registry the engine forwards session
// events to.
type Bridge interface {
	Broadcast(ev event.Event) int
}

// Config configures an Engine.
type Config struct {
	Tick time.Duration
	// AudioChunk is the most audio, in bytes, pulled from one session per
	// tick.
	AudioChunk int
	// Bridge, when set, receives NET and EXTERNAL events from sessions.
	Bridge Bridge
	// Handler sees every event drained from the default queue, after the
	// engine's own routing.
	Handler func(now int64, ev event.Event)
}

// DebugStats holds the engine's counters.
type DebugStats struct {
	Ticks           int64 `json:"ticks"`
	FramesPresented int64 `json:"framesPresented"`
	AudioBytes      int64 `json:"audioBytes"`
	EventsHandled   int64 `json:"eventsHandled"`
	BridgedOut      int64 `json:"bridgedOut"`
	BridgedIn       int64 `json:"bridgedIn"`
	QueueDepth      int   `json:"queueDepth"`
}

// Engine drives a frameserver Manager from a single goroutine.
type Engine struct {
	log   *slog.Logger
	mgr   *frameserver.Manager
	out   Output
	cfg   Config
	epoch time.Time
	calls chan func(now int64)
	audio []byte
	done  chan struct{}

	ticks           atomic.Int64
	framesPresented atomic.Int64
	audioBytes      atomic.Int64
	eventsHandled   atomic.Int64
	bridgedOut      atomic.Int64
	bridgedIn       atomic.Int64
}

// New creates an Engine for mgr. out may be nil to discard media. If log is
// nil, slog.Default() is used.
func New(mgr *frameserver.Manager, out Output, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.AudioChunk <= 0 {
		cfg.AudioChunk = DefaultAudioChunk
	}
	return &Engine{
		log:   log.With("component", "engine"),
		mgr:   mgr,
		out:   out,
		cfg:   cfg,
		epoch: time.Now(),
		calls: make(chan func(now int64), callQueueSize),
		audio: make([]byte, cfg.AudioChunk),
		done:  make(chan struct{}),
	}
}

// Now returns the engine clock in milliseconds.
func (e *Engine) Now() int64 { return time.Since(e.epoch).Milliseconds() }

// Manager returns the manager the engine drives.
func (e *Engine) Manager() *frameserver.Manager { return e.mgr }

// Run ticks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	t := time.NewTicker(e.cfg.Tick)
	defer t.Stop()

	e.log.Info("engine running", "tick", e.cfg.Tick)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine stopped", "ticks", e.ticks.Load())
			return nil
		case <-t.C:
			e.Step(e.Now())
		}
	}
}

// Do schedules fn to run on the logic goroutine at the start of the next
// tick. Everything that touches sessions from elsewhere goes through here.
func (e *Engine) Do(ctx context.Context, fn func(now int64)) error {
	select {
	case <-e.done:
		return ErrStopped
	default:
	}
	select {
	case e.calls <- fn:
		return nil
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Step runs one tick at now. Run calls it; tests drive it directly.
func (e *Engine) Step(now int64) {
	tick := e.ticks.Add(1)
	e.mgr.Events().SetTick(uint32(tick))

	for pending := len(e.calls); pending > 0; pending-- {
		(<-e.calls)(now)
	}
	e.mgr.Tick(now)
	e.present(now)
	e.drain(now)
}

func (e *Engine) present(now int64) {
	for _, s := range e.mgr.List() {
		f, err := s.VideoFrame(now)
		if err == nil {
			e.framesPresented.Add(1)
			if e.out != nil {
				e.out.Video(s.ID(), f)
			}
		}

		n, err := s.AudioFeed(e.audio)
		if err == nil {
			e.audioBytes.Add(int64(n))
			if e.out != nil {
				e.out.Audio(s.ID(), e.audio[:n])
			}
		}
	}
}

// drain empties the default queue. Events enqueued while draining wait for
// the next tick once a queue's worth has been handled.
func (e *Engine) drain(now int64) {
	q := e.mgr.Events()
	for i := q.Cap(); i > 0; i-- {
		ev, ok := q.Poll()
		if !ok {
			return
		}
		e.route(ev)
		e.eventsHandled.Add(1)
		if e.cfg.Handler != nil {
			e.cfg.Handler(now, ev)
		}
	}
}

// route applies the engine's own handling. Session ids are positive and
// bridge peer ids negative, which is what tells the two directions apart.
func (e *Engine) route(ev event.Event) {
	switch {
	case ev.Category == event.CategoryFrameserver && ev.Kind&event.KindFrameserverResized != 0:
		fs := ev.Frameserver()
		e.mgr.Record(ev.Source, frameserver.TransitionResized, fmt.Sprintf("%dx%d", fs.Width, fs.Height))

	case ev.Category&netbridge.Categories != 0 && ev.Source > 0:
		if e.cfg.Bridge != nil && e.cfg.Bridge.Broadcast(ev) > 0 {
			e.bridgedOut.Add(1)
		}

	case ev.Category == event.CategoryNet && ev.Kind&event.KindNetMessage != 0 && ev.Source < 0:
		for _, s := range e.mgr.List() {
			if err := s.Send(ev); err != nil {
				e.log.Debug("bridged event not delivered", "id", s.ID(), "error", err)
				continue
			}
			e.bridgedIn.Add(1)
		}
	}
}

// Debug returns the engine's counters. It is safe to call from any
// goroutine.
func (e *Engine) Debug() DebugStats {
	return DebugStats{
		Ticks:           e.ticks.Load(),
		FramesPresented: e.framesPresented.Load(),
		AudioBytes:      e.audioBytes.Load(),
		EventsHandled:   e.eventsHandled.Load(),
		BridgedOut:      e.bridgedOut.Load(),
		BridgedIn:       e.bridgedIn.Load(),
		QueueDepth:      e.mgr.Events().Len(),
	}
}
