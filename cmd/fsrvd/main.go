package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/fsrv/internal/config"
	"github.com/zsiec/fsrv/internal/engine"
	"github.com/zsiec/fsrv/internal/event"
	"github.com/zsiec/fsrv/internal/frameserver"
	"github.com/zsiec/fsrv/internal/netbridge"
	"github.com/zsiec/fsrv/internal/session"
	"github.com/zsiec/fsrv/internal/shm"
	"github.com/zsiec/fsrv/internal/targets"
)

var version = "dev"

// statsInterval is how often engine counters are logged at debug level.
const statsInterval = 30 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvConfig), "YAML configuration file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config file] [target ...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(*configPath, flag.Args()); err != nil {
		slog.Error("fsrvd failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, launch []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	store, err := targets.NewSQLiteStore(cfg.DB)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := seedTargets(ctx, store, cfg.Targets); err != nil {
		return err
	}

	mcfg := cfg.ManagerConfig()
	mcfg.Session.Platform = shm.NewNative(cfg.ShmDir)
	mcfg.Session.Spawner = &session.ExecSpawner{Stderr: os.Stderr}
	mcfg.Journal = targets.NewJournal(store, nil)
	mgr, err := frameserver.NewManager(mcfg, nil)
	if err != nil {
		return err
	}

	slog.Info("fsrvd starting",
		"version", version,
		"shm_dir", cfg.ShmDir,
		"db", cfg.DB,
		"tick", cfg.Tick(),
		"frameserver", cfg.Frameserver,
		"net", cfg.Net.Listen,
	)

	g, ctx := errgroup.WithContext(ctx)

	a := &app{store: store, cfg: cfg}
	ecfg := engine.Config{Tick: cfg.Tick(), Handler: a.handleEvent}

	var caller *netbridge.Caller
	if cfg.Net.Enabled() {
		registry := netbridge.NewRegistry(mgr.Events(), nil)
		ecfg.Bridge = registry
		caller = netbridge.NewCaller(registry, nil)
		if cfg.Net.Listen != "" {
			srv := netbridge.NewServer(cfg.Net.Listen, registry, nil)
			g.Go(func() error { return srv.Start(ctx) })
		}
	}

	a.eng = engine.New(mgr, nil, ecfg, nil)
	g.Go(func() error {
		err := a.eng.Run(ctx)
		mgr.Close()
		return err
	})

	for _, r := range cfg.Net.Remotes {
		g.Go(func() error {
			if err := caller.Connect(ctx, r); err != nil {
				slog.Warn("bridge link failed", "name", r.Name, "address", r.Address, "error", err)
			}
			return nil
		})
	}

	for _, name := range append(cfg.Autostart, launch...) {
		if err := a.eng.Do(ctx, func(now int64) { a.launch(ctx, now, name) }); err != nil {
			slog.Warn("launch not scheduled", "name", name, "error", err)
			break
		}
	}

	g.Go(func() error {
		t := time.NewTicker(statsInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				d := a.eng.Debug()
				slog.Debug("engine stats",
					"ticks", d.Ticks,
					"frames", d.FramesPresented,
					"audio_bytes", d.AudioBytes,
					"events", d.EventsHandled,
					"bridged_out", d.BridgedOut,
					"bridged_in", d.BridgedIn,
					"queue_depth", d.QueueDepth,
				)
			}
		}
	})

	return g.Wait()
}

// seedTargets creates configured targets that are not in the database yet.
func seedTargets(ctx context.Context, store targets.Store, list []targets.Target) error {
	for i := range list {
		err := store.CreateTarget(ctx, &list[i])
		switch {
		case err == nil:
			slog.Info("target created", "name", list[i].Name)
		case errors.Is(err, targets.ErrExists):
		default:
			return fmt.Errorf("seed target %q: %w", list[i].Name, err)
		}
	}
	return nil
}

type app struct {
	cfg   *config.Config
	store targets.Store
	eng   *engine.Engine
}

// launch spawns the named target. It runs on the logic goroutine.
func (a *app) launch(ctx context.Context, now int64, name string) {
	t, err := a.store.GetTarget(ctx, name)
	if err != nil {
		slog.Error("cannot launch target", "name", name, "error", err)
		return
	}
	s, err := a.eng.Manager().Spawn(now, t.SpawnArgs(a.cfg.Frameserver))
	if err != nil {
		slog.Error("spawn failed", "name", name, "error", err)
		return
	}
	slog.Info("target launched", "name", name, "id", s.ID(), "pid", s.Pid())
}

// handleEvent starts playback once a session has negotiated and logs
// lifecycle changes. It runs on the logic goroutine.
func (a *app) handleEvent(now int64, ev event.Event) {
	switch ev.Category {
	case event.CategoryFrameserver:
		fs := ev.Frameserver()
		switch {
		case ev.Kind&event.KindFrameserverResized != 0:
			s, err := a.eng.Manager().Get(ev.Source)
			if err != nil {
				return
			}
			if s.State() == session.Passive {
				if err := s.Play(now); err != nil {
					slog.Warn("play failed", "id", ev.Source, "error", err)
				}
			}
		case ev.Kind&event.KindFrameserverLooped != 0:
			slog.Info("frameserver looped", "id", ev.Source, "cause", session.Cause(fs.Reason))
		case ev.Kind&event.KindFrameserverTerminated != 0:
			slog.Info("frameserver terminated", "id", ev.Source, "cause", session.Cause(fs.Reason))
		}
	case event.CategoryExternal:
		if ev.Kind&event.KindExternalFailure != 0 {
			slog.Warn("frameserver reported failure", "id", ev.Source, "message", ev.Message())
		}
	case event.CategoryNet:
		switch {
		case ev.Kind&event.KindNetConnected != 0:
			slog.Info("bridge peer connected", "peer", ev.Source, "name", ev.Message())
		case ev.Kind&event.KindNetDisconnected != 0:
			slog.Info("bridge peer disconnected", "peer", ev.Source, "name", ev.Message())
		}
	}
}
