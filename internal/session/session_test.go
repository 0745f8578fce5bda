package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/fsrv/internal/event"
	"github.com/zsiec/fsrv/internal/eventq"
	"github.com/zsiec/fsrv/internal/shm"
	"github.com/zsiec/fsrv/internal/shmif"
)

type fakeProcess struct {
	pid        int
	exited     atomic.Bool
	terminated atomic.Bool
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Exited() (bool, error) { return p.exited.Load(), nil }

func (p *fakeProcess) Terminate(time.Duration) error {
	p.terminated.Store(true)
	p.exited.Store(true)
	return nil
}

type fakeSpawner struct {
	mu    sync.Mutex
	keys  []string
	args  []SpawnArgs
	procs []*fakeProcess
	err   error
}

func (f *fakeSpawner) Start(key string, _ int, args SpawnArgs) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakeProcess{pid: 1000 + len(f.procs)}
	f.keys = append(f.keys, key)
	f.args = append(f.args, args)
	f.procs = append(f.procs, p)
	return p, nil
}

type fakeAudio struct {
	mu      sync.Mutex
	bound   []int32
	stopped []uint32
}

func (a *fakeAudio) Bind(session int32, _, _ int) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bound = append(a.bound, session)
	return 7, nil
}

func (a *fakeAudio) Stop(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = append(a.stopped, id)
}

// sessionKiller routes killswitch calls to a single session.
type sessionKiller struct {
	s   *Session
	ids []int32
}

func (k *sessionKiller) Kill(id int32) {
	k.ids = append(k.ids, id)
	k.s.Kill("event queue stalled")
}

type testEnv struct {
	s     *Session
	sp    *fakeSpawner
	mem   *shm.Memory
	def   *eventq.Queue
	audio *fakeAudio
}

func newTestSession(t *testing.T, args SpawnArgs, mods ...func(*Options)) *testEnv {
	t.Helper()
	env := &testEnv{
		sp:    &fakeSpawner{},
		mem:   shm.NewMemory(),
		def:   eventq.NewLocal(64),
		audio: &fakeAudio{},
	}
	if args.Binary == "" {
		args.Binary = "/usr/libexec/fsrv-testsrc"
	}
	opts := Options{
		ID:          3,
		Platform:    env.mem,
		Spawner:     env.sp,
		Default:     env.def,
		Audio:       env.audio,
		SegmentSize: 1 << 20,
	}
	for _, m := range mods {
		m(&opts)
	}
	s, err := Spawn(0, args, opts)
	if err != nil {
		t.Fatal(err)
	}
	env.s = s
	t.Cleanup(s.Free)
	return env
}

func (e *testEnv) attach(t *testing.T) *shmif.Conn {
	t.Helper()
	c, err := shmif.Attach(e.mem, e.s.Key(), shmif.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// negotiate runs a child resize against the parent's Control loop and
// returns the child's result and the last Control error.
func (e *testEnv) negotiate(t *testing.T, c *shmif.Conn, now int64, w, h, sr, ch int) (childErr, controlErr error) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Resize(w, h, sr, ch, 2*time.Second) }()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := e.s.Control(now); err != nil {
			controlErr = err
		}
		select {
		case err := <-done:
			return err, controlErr
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("resize did not complete")
		}
		time.Sleep(time.Millisecond)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSpawnPlaceholder(t *testing.T) {
	t.Parallel()
	env := newTestSession(t, SpawnArgs{Kind: "decode", Resource: "clip.ts", Loop: true})
	s := env.s

	if s.State() != Spawning {
		t.Fatalf("state = %v, want spawning", s.State())
	}
	if l := s.Layout(); l.Width != shm.PlaceholderDimension || l.Height != shm.PlaceholderDimension {
		t.Fatalf("layout = %dx%d, want placeholder", l.Width, l.Height)
	}
	if segs, sems := env.mem.Objects(); segs != 1 || sems != 3 {
		t.Fatalf("objects = %d segments, %d semaphores; want 1, 3", segs, sems)
	}
	if len(env.sp.keys) != 1 || env.sp.keys[0] != s.Key() {
		t.Fatalf("spawner saw keys %v, want [%s]", env.sp.keys, s.Key())
	}
	if s.Pid() != 1000 {
		t.Fatalf("pid = %d, want 1000", s.Pid())
	}
}

func TestSpawnFailureReleasesObjects(t *testing.T) {
	t.Parallel()
	mem := shm.NewMemory()
	sp := &fakeSpawner{err: errors.New("exec format error")}
	_, err := Spawn(0, SpawnArgs{Binary: "/bin/false"}, Options{
		Platform: mem,
		Spawner:  sp,
		Default:  eventq.NewLocal(8),
	})
	if err == nil {
		t.Fatal("expected spawn error")
	}
	if segs, sems := mem.Objects(); segs != 0 || sems != 0 {
		t.Fatalf("leaked %d segments, %d semaphores", segs, sems)
	}
}

func TestSpawnRequiresCollaborators(t *testing.T) {
	t.Parallel()
	_, err := Spawn(0, SpawnArgs{Binary: "/bin/true"}, Options{})
	if !errors.Is(err, ErrBadArgument) {
		t.Fatalf("err = %v, want ErrBadArgument", err)
	}
}

func TestAttachHandshake(t *testing.T) {
	t.Parallel()
	env := newTestSession(t, SpawnArgs{})
	if err := env.s.Control(10); err != nil {
		t.Fatal(err)
	}
	if env.s.State() != Spawning {
		t.Fatalf("state = %v before attach", env.s.State())
	}
	env.attach(t)
	if err := env.s.Control(20); err != nil {
		t.Fatal(err)
	}
	if env.s.State() != Passive {
		t.Fatalf("state = %v, want passive", env.s.State())
	}
}

func TestResizeRenegotiation(t *testing.T) {
	t.Parallel()
	env := newTestSession(t, SpawnArgs{Autoplay: true})
	c := env.attach(t)

	childErr, controlErr := env.negotiate(t, c, 100, 64, 48, 48000, 2)
	if childErr != nil || controlErr != nil {
		t.Fatalf("resize: child %v, control %v", childErr, controlErr)
	}
	l := env.s.Layout()
	if l.Width != 64 || l.Height != 48 || l.VideoSize != 64*48*4 {
		t.Fatalf("layout = %+v", l)
	}
	if env.s.State() != Playing {
		t.Fatalf("state = %v, want playing after autoplay", env.s.State())
	}
	if got := env.s.Timing().BPMS * 192000; got < 999.999 || got > 1000.001 {
		t.Fatalf("one second of audio = %vms, want 1000", got)
	}

	ev, ok := env.def.PollMasked(event.CategoryFrameserver, event.KindFrameserverResized)
	if !ok {
		t.Fatal("no resized event")
	}
	fs := ev.Frameserver()
	if fs.Width != 64 || fs.Height != 48 || fs.AudioID != 7 {
		t.Fatalf("resized payload = %+v", fs)
	}
	if ev.Source != env.s.ID() {
		t.Fatalf("source = %d, want %d", ev.Source, env.s.ID())
	}
	if st := env.s.Stats(); st.Video == nil || st.Audio == nil {
		t.Fatal("frame queues not allocated")
	}
}

func TestResizeRefused(t *testing.T) {
	t.Parallel()
	env := newTestSession(t, SpawnArgs{})
	c := env.attach(t)

	childErr, controlErr := env.negotiate(t, c, 100, 4096, 4096, 0, 0)
	if !errors.Is(childErr, shmif.ErrResizeRefused) {
		t.Fatalf("child err = %v, want ErrResizeRefused", childErr)
	}
	if !errors.Is(controlErr, ErrBadArgument) {
		t.Fatalf("control err = %v, want ErrBadArgument", controlErr)
	}
	if l := env.s.Layout(); l.Width != shm.PlaceholderDimension {
		t.Fatalf("layout changed to %dx%d", l.Width, l.Height)
	}
	if _, ok := env.def.PollMasked(event.CategoryFrameserver, 0); ok {
		t.Fatal("refused resize must not emit an event")
	}
}

func TestVideoPresentationAndSkip(t *testing.T) {
	t.Parallel()
	env := newTestSession(t, SpawnArgs{Autoplay: true})
	c := env.attach(t)
	if childErr, _ := env.negotiate(t, c, 1000, 64, 48, 0, 0); childErr != nil {
		t.Fatal(childErr)
	}

	go func() {
		frame := make([]byte, 64*48*4)
		for i, pts := range []int64{0, 40, 80} {
			frame[0] = byte(i + 1)
			if err := c.SubmitVideo(frame, pts, 2*time.Second); err != nil {
				return
			}
		}
	}()
	waitFor(t, "three queued frames", func() bool {
		st := env.s.Stats()
		return st.Video != nil && st.Video.Ready == 3
	})

	f, err := env.s.VideoFrame(1000)
	if err != nil {
		t.Fatal(err)
	}
	if f.PTS != 0 || f.Data[0] != 1 || f.Width != 64 || f.Height != 48 {
		t.Fatalf("frame pts=%d first=%d size=%dx%d", f.PTS, f.Data[0], f.Width, f.Height)
	}

	// pts 40 is 85ms late and skipped; pts 80 is 45ms late and shown.
	f, err = env.s.VideoFrame(1125)
	if err != nil {
		t.Fatal(err)
	}
	if f.PTS != 80 || f.Data[0] != 3 {
		t.Fatalf("frame pts=%d first=%d, want 80, 3", f.PTS, f.Data[0])
	}
	if _, err := env.s.VideoFrame(1130); !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	st := env.s.Stats()
	if st.FramesPresented != 2 || st.FramesDropped != 1 {
		t.Fatalf("presented %d dropped %d, want 2, 1", st.FramesPresented, st.FramesDropped)
	}
}

func TestVideoFrameNotReadyBeforePlay(t *testing.T) {
	t.Parallel()
	env := newTestSession(t, SpawnArgs{})
	if _, err := env.s.VideoFrame(0); !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
}

func TestDirectFrameMode(t *testing.T) {
	t.Parallel()
	env := newTestSession(t, SpawnArgs{Autoplay: true, NoPTS: true})
	c := env.attach(t)
	if childErr, _ := env.negotiate(t, c, 0, 32, 32, 0, 0); childErr != nil {
		t.Fatal(childErr)
	}
	if env.s.Stats().Video != nil {
		t.Fatal("nopts mode must not allocate a video queue")
	}

	frame := make([]byte, 32*32*4)
	frame[0] = 9
	if err := c.SubmitVideo(frame, 5, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := c.SubmitVideo(frame, 6, 10*time.Millisecond); !errors.Is(err, shmif.ErrDropped) {
		t.Fatalf("second submit err = %v, want ErrDropped", err)
	}

	f, err := env.s.VideoFrame(0)
	if err != nil {
		t.Fatal(err)
	}
	if f.PTS != 5 || f.Data[0] != 9 {
		t.Fatalf("frame pts=%d first=%d, want 5, 9", f.PTS, f.Data[0])
	}
	if _, err := env.s.VideoFrame(0); !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	if err := c.SubmitVideo(frame, 7, time.Second); err != nil {
		t.Fatalf("submit after release: %v", err)
	}
}

func TestAudioFeed(t *testing.T) {
	t.Parallel()
	env := newTestSession(t, SpawnArgs{Autoplay: true})
	c := env.attach(t)
	if childErr, _ := env.negotiate(t, c, 0, 32, 32, 48000, 2); childErr != nil {
		t.Fatal(childErr)
	}

	samples := make([]byte, 1920)
	for i := range samples {
		samples[i] = byte(i % 251)
	}
	if err := c.SubmitAudio(samples, 0, time.Second); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "queued audio", func() bool {
		st := env.s.Stats()
		return st.Audio != nil && st.Audio.Ready == 1
	})

	dst := make([]byte, 1000)
	if n, err := env.s.AudioFeed(dst); err != nil || n != 1000 {
		t.Fatalf("first feed = %d, %v", n, err)
	}
	if dst[999] != byte(999%251) {
		t.Fatalf("dst[999] = %d", dst[999])
	}
	n, err := env.s.AudioFeed(dst)
	if err != nil || n != 920 {
		t.Fatalf("second feed = %d, %v, want 920", n, err)
	}
	if dst[0] != byte(1000%251) {
		t.Fatalf("second feed starts at %d, want %d", dst[0], 1000%251)
	}
	if _, err := env.s.AudioFeed(dst); !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}

	if got := env.s.Timing().AudioClock; got < 9.99 || got > 10.01 {
		t.Fatalf("audio clock = %v, want 10", got)
	}
	if st := env.s.Stats(); st.AudioBytes != 1920 {
		t.Fatalf("audio bytes = %d, want 1920", st.AudioBytes)
	}
}

func TestControlIntegrityFailure(t *testing.T) {
	t.Parallel()
	env := newTestSession(t, SpawnArgs{})
	seg, err := env.mem.MapSegment(env.s.Key())
	if err != nil {
		t.Fatal(err)
	}
	shm.NewHeader(seg.Bytes()).Corrupt()

	err = env.s.Control(0)
	if !IsFatal(err) || !errors.Is(err, shm.ErrBadMagic) {
		t.Fatalf("err = %v, want fatal ErrBadMagic", err)
	}
}

func TestControlChildExit(t *testing.T) {
	t.Parallel()
	env := newTestSession(t, SpawnArgs{})
	env.sp.procs[0].exited.Store(true)
	if err := env.s.Control(0); !IsFatal(err) {
		t.Fatalf("err = %v, want fatal", err)
	}
}

func TestKillIsFatal(t *testing.T) {
	t.Parallel()
	env := newTestSession(t, SpawnArgs{})
	env.s.Kill("operator")
	env.s.Kill("again")

	var fe *FatalError
	if err := env.s.Control(0); !errors.As(err, &fe) || fe.Reason != "operator" {
		t.Fatalf("err = %v, want fatal with first reason", err)
	}
	if err := env.s.Send(event.New(event.CategoryTarget, event.KindTargetExit)); !errors.Is(err, ErrUnacceptedState) {
		t.Fatalf("send err = %v, want ErrUnacceptedState", err)
	}
}

func TestKillswitchOnStalledLock(t *testing.T) {
	t.Parallel()
	killer := &sessionKiller{}
	env := newTestSession(t, SpawnArgs{}, func(o *Options) {
		o.Killer = killer
		o.LockTimeout = 20 * time.Millisecond
	})
	killer.s = env.s
	c := env.attach(t)
	if err := c.Send(event.New(event.CategoryExternal, event.KindExternalNotice)); err != nil {
		t.Fatal(err)
	}

	// Hold the event lock the way a wedged child would.
	_, _, ename := shm.SemaphoreNames(env.s.Key())
	esem, err := env.mem.OpenSemaphore(ename)
	if err != nil {
		t.Fatal(err)
	}
	if err := esem.Wait(time.Second); err != nil {
		t.Fatal(err)
	}

	if err := env.s.Control(0); err != nil {
		t.Fatalf("first control: %v", err)
	}
	if len(killer.ids) != 1 || killer.ids[0] != env.s.ID() {
		t.Fatalf("killswitch fired for %v, want [%d]", killer.ids, env.s.ID())
	}
	if err := env.s.Control(0); !IsFatal(err) {
		t.Fatalf("err = %v, want fatal", err)
	}
}

func TestEventForwardingRewritesSource(t *testing.T) {
	t.Parallel()
	env := newTestSession(t, SpawnArgs{})
	c := env.attach(t)

	spoofed := event.New(event.CategoryExternal, event.KindExternalIdent)
	spoofed.Source = 99
	spoofed.SetMessage("decoder")
	for _, ev := range []event.Event{
		event.New(event.CategoryIO, event.KindIOKeyPress),
		spoofed,
		event.New(event.CategoryNet, event.KindNetConnected),
	} {
		if err := c.Send(ev); err != nil {
			t.Fatal(err)
		}
	}
	if err := env.s.Control(0); err != nil {
		t.Fatal(err)
	}

	got, ok := env.def.Poll()
	if !ok || got.Category != event.CategoryExternal || got.Message() != "decoder" {
		t.Fatalf("first forwarded = %v, %v", got, ok)
	}
	if got.Source != env.s.ID() {
		t.Fatalf("source = %d, want %d", got.Source, env.s.ID())
	}
	got, ok = env.def.Poll()
	if !ok || got.Category != event.CategoryNet || got.Source != env.s.ID() {
		t.Fatalf("second forwarded = %v, %v", got, ok)
	}
	if _, ok := env.def.Poll(); ok {
		t.Fatal("io event from child must not be forwarded")
	}
}

func TestForgedLifecycleEventNotForwarded(t *testing.T) {
	t.Parallel()
	env := newTestSession(t, SpawnArgs{})
	c := env.attach(t)

	forged := event.New(event.CategoryExternal|event.CategoryFrameserver, event.KindFrameserverTerminated)
	forged.Source = 99
	notice := event.New(event.CategoryExternal, event.KindExternalNotice)
	notice.SetMessage("after")
	for _, ev := range []event.Event{forged, notice} {
		if err := c.Send(ev); err != nil {
			t.Fatal(err)
		}
	}
	if err := env.s.Control(0); err != nil {
		t.Fatal(err)
	}

	got, ok := env.def.Poll()
	if !ok || got.Category != event.CategoryExternal || got.Message() != "after" {
		t.Fatalf("forwarded = %v, %v", got, ok)
	}
	if _, ok := env.def.Poll(); ok {
		t.Fatal("composite category reached the default queue")
	}
	if env.s.State() == Terminated {
		t.Fatal("forged event changed session state")
	}
}

func TestStreamEndFinishes(t *testing.T) {
	t.Parallel()
	env := newTestSession(t, SpawnArgs{Autoplay: true})
	c := env.attach(t)
	if childErr, _ := env.negotiate(t, c, 0, 32, 32, 48000, 2); childErr != nil {
		t.Fatal(childErr)
	}
	env.def.PollMasked(event.CategoryFrameserver, 0)

	if err := c.Send(event.New(event.CategoryExternal, event.KindExternalStreamEnd)); err != nil {
		t.Fatal(err)
	}
	if err := env.s.Control(0); err != nil {
		t.Fatal(err)
	}
	if env.s.State() != Finished {
		t.Fatalf("state = %v, want finished", env.s.State())
	}
	ev, ok := env.def.PollMasked(event.CategoryAudio, event.KindAudioPlaybackFinished)
	if !ok || ev.Audio().ID != 7 {
		t.Fatalf("playback finished event = %v, %v", ev, ok)
	}
}

func TestPlayStateTransitions(t *testing.T) {
	t.Parallel()
	env := newTestSession(t, SpawnArgs{})
	s := env.s
	c := env.attach(t)
	if childErr, _ := env.negotiate(t, c, 0, 32, 32, 0, 0); childErr != nil {
		t.Fatal(childErr)
	}

	steps := []struct {
		name string
		op   func() error
		err  error
		want State
	}{
		{"resume passive", func() error { return s.Resume(10) }, ErrUnacceptedState, Passive},
		{"pause passive", func() error { return s.Pause(10) }, ErrUnacceptedState, Passive},
		{"play", func() error { return s.Play(10) }, nil, Playing},
		{"play twice", func() error { return s.Play(20) }, ErrUnacceptedState, Playing},
		{"pause", func() error { return s.Pause(30) }, nil, Paused},
		{"resume", func() error { return s.Resume(80) }, nil, Playing},
		{"suspend", func() error { return s.Suspend(90) }, nil, Suspended},
		{"pause suspended", func() error { return s.Pause(95) }, ErrUnacceptedState, Suspended},
		{"resume suspended", func() error { return s.Resume(100) }, nil, Playing},
	}
	for _, st := range steps {
		if err := st.op(); !errors.Is(err, st.err) {
			t.Fatalf("%s: err = %v, want %v", st.name, err, st.err)
		}
		if s.State() != st.want {
			t.Fatalf("%s: state = %v, want %v", st.name, s.State(), st.want)
		}
	}

	// Paused for 50ms, then suspended for 10ms.
	if got := s.Timing().StartTime; got != 10+50+10 {
		t.Fatalf("start time = %d, want 70", got)
	}

	var kinds []uint32
	for {
		ev, ok := c.Poll()
		if !ok {
			break
		}
		kinds = append(kinds, ev.Kind)
	}
	want := []uint32{event.KindTargetPause, event.KindTargetUnpause, event.KindTargetPause, event.KindTargetUnpause}
	if len(kinds) != len(want) {
		t.Fatalf("child saw %d target events, want %d", len(kinds), len(want))
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("target event %d = %#x, want %#x", i, kinds[i], want[i])
		}
	}
}

func TestFreeReleasesEverything(t *testing.T) {
	t.Parallel()
	env := newTestSession(t, SpawnArgs{Autoplay: true})
	c := env.attach(t)
	if childErr, _ := env.negotiate(t, c, 0, 32, 32, 44100, 1); childErr != nil {
		t.Fatal(childErr)
	}

	env.s.Free()
	env.s.Free()

	if env.s.State() != Terminated {
		t.Fatalf("state = %v, want terminated", env.s.State())
	}
	if segs, sems := env.mem.Objects(); segs != 0 || sems != 0 {
		t.Fatalf("leaked %d segments, %d semaphores", segs, sems)
	}
	if !env.sp.procs[0].terminated.Load() {
		t.Fatal("child not terminated")
	}
	if len(env.audio.stopped) != 1 || env.audio.stopped[0] != 7 {
		t.Fatalf("audio stopped = %v, want [7]", env.audio.stopped)
	}
	if _, ok := env.def.PollMasked(event.CategoryAudio, event.KindAudioObjectGone); !ok {
		t.Fatal("no audio object gone event")
	}
	if c.Alive() {
		t.Fatal("child still sees a live parent")
	}
	if err := env.s.Control(0); !errors.Is(err, ErrUnacceptedState) {
		t.Fatalf("control after free = %v, want ErrUnacceptedState", err)
	}
}

func TestSpawnArgsEnviron(t *testing.T) {
	t.Parallel()
	args := SpawnArgs{Kind: "hijack", Binary: "/usr/bin/game", Hijack: "/usr/lib/fsrv_hijack.so", Loop: true}
	env := args.Environ("fsrv_abc", 4096)
	want := map[string]bool{
		"FSRV_SHMKEY=fsrv_abc":               true,
		"FSRV_SHMSIZE=4096":                  true,
		"FSRV_LOOP=1":                        true,
		"LD_PRELOAD=/usr/lib/fsrv_hijack.so": true,
	}
	for _, kv := range env {
		delete(want, kv)
	}
	if len(want) != 0 {
		t.Fatalf("missing env entries: %v", want)
	}
	if argv := args.Argv(); len(argv) != 1 || argv[0] != "/usr/bin/game" {
		t.Fatalf("argv = %v", argv)
	}
}
