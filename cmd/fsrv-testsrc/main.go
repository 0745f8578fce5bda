// Command fsrv-testsrc is a frameserver that produces a test pattern and a
// sine tone. It is started by fsrvd and attaches to the segment named in its
// environment; FSRV_RESOURCE picks the pattern ("bars" or "gradient").
package main

import (
	"errors"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/zsiec/fsrv/internal/event"
	"github.com/zsiec/fsrv/internal/shm"
	"github.com/zsiec/fsrv/internal/shmif"
)

type options struct {
	width, height int
	fps           int
	samplerate    int
	channels      int
	freq          float64
	frames        int
}

func main() {
	var o options
	flag.IntVar(&o.width, "width", 320, "frame width")
	flag.IntVar(&o.height, "height", 240, "frame height")
	flag.IntVar(&o.fps, "fps", 25, "frames per second")
	flag.IntVar(&o.samplerate, "samplerate", 48000, "audio samplerate, 0 for no audio")
	flag.IntVar(&o.channels, "channels", 2, "audio channels")
	flag.Float64Var(&o.freq, "tone", 440, "tone frequency in Hz")
	flag.IntVar(&o.frames, "frames", 0, "stop after this many frames, 0 to run until told to exit")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
		With("component", "testsrc", "pid", os.Getpid()))

	if err := run(o); err != nil {
		slog.Error("testsrc failed", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(o options) error {
	if o.fps <= 0 {
		return errors.New("fps must be positive")
	}
	conn, err := shmif.AttachEnv(shm.NewNative(envOr(shm.EnvDir, shm.DefaultDir)), shmif.Options{})
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Resize(o.width, o.height, o.samplerate, o.channels, shmif.DefaultResizeTimeout); err != nil {
		return err
	}
	slog.Info("negotiated", "width", o.width, "height", o.height,
		"samplerate", o.samplerate, "channels", o.channels, "loop", conn.Loop())

	ident := event.New(event.CategoryExternal, event.KindExternalIdent)
	ident.SetMessage("testsrc " + envOr(shm.EnvResource, "bars"))
	if err := conn.Send(ident); err != nil {
		return err
	}

	p := newProducer(o, os.Getenv(shm.EnvResource))
	interval := time.Second / time.Duration(o.fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for ev, ok := conn.Poll(); ok; ev, ok = conn.Poll() {
			if p.handle(ev) {
				slog.Info("exit requested")
				return nil
			}
		}
		if !conn.Alive() {
			return shmif.ErrParentGone
		}
		<-ticker.C
		if p.paused {
			continue
		}

		video, audio, pts := p.next()
		if err := conn.SubmitVideo(video, pts, interval); err != nil {
			if !errors.Is(err, shmif.ErrDropped) {
				return err
			}
			slog.Debug("frame dropped", "pts", pts)
		}
		if len(audio) > 0 {
			if err := conn.SubmitAudio(audio, pts, interval); err != nil && !errors.Is(err, shmif.ErrDropped) {
				return err
			}
		}

		if o.frames > 0 && p.count >= o.frames {
			slog.Info("stream complete", "frames", p.count)
			return conn.Send(event.New(event.CategoryExternal, event.KindExternalStreamEnd))
		}
	}
}

// producer generates the frames and audio and tracks playback state driven
// by TARGET commands.
type producer struct {
	o      options
	draw   func(frame []byte, w, h, offset int)
	frame  []byte
	audio  []byte
	phase  float64
	pts    int64
	count  int
	paused bool
}

func newProducer(o options, pattern string) *producer {
	p := &producer{
		o:     o,
		draw:  drawBars,
		frame: make([]byte, o.width*o.height*4),
	}
	if pattern == "gradient" {
		p.draw = drawGradient
	}
	if o.samplerate > 0 && o.channels > 0 {
		p.audio = make([]byte, o.samplerate/o.fps*o.channels*2)
	}
	return p
}

// next renders the next frame and its audio and returns them with their pts
// in milliseconds.
func (p *producer) next() (video, audio []byte, pts int64) {
	pts = p.pts
	p.draw(p.frame, p.o.width, p.o.height, p.count)
	p.phase = tone(p.audio, p.o.samplerate, p.o.channels, p.o.freq, p.phase)
	p.count++
	p.pts += int64(1000 / p.o.fps)
	return p.frame, p.audio, pts
}

// handle applies a command from the parent and reports whether it asked the
// frameserver to exit.
func (p *producer) handle(ev event.Event) bool {
	if ev.Category != event.CategoryTarget {
		return false
	}
	switch {
	case ev.Kind&event.KindTargetExit != 0:
		return true
	case ev.Kind&event.KindTargetPause != 0:
		p.paused = true
	case ev.Kind&event.KindTargetUnpause != 0:
		p.paused = false
	case ev.Kind&event.KindTargetSeek != 0:
		p.pts += int64(ev.Target().Values[0])
		if p.pts < 0 {
			p.pts = 0
		}
	case ev.Kind&event.KindTargetReset != 0:
		p.pts, p.count = 0, 0
	}
	return false
}
