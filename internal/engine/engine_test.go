package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsiec/fsrv/internal/event"
	"github.com/zsiec/fsrv/internal/frameserver"
	"github.com/zsiec/fsrv/internal/session"
	"github.com/zsiec/fsrv/internal/shm"
	"github.com/zsiec/fsrv/internal/shmif"
)

type fakeProcess struct{ exited atomic.Bool }

func (p *fakeProcess) Pid() int                      { return 99 }
func (p *fakeProcess) Exited() (bool, error)         { return p.exited.Load(), nil }
func (p *fakeProcess) Terminate(time.Duration) error { p.exited.Store(true); return nil }

type fakeSpawner struct{}

func (fakeSpawner) Start(string, int, session.SpawnArgs) (session.Process, error) {
	return &fakeProcess{}, nil
}

type recordingOutput struct {
	mu     sync.Mutex
	frames []session.Frame
	audio  int
}

func (o *recordingOutput) Video(_ int32, f session.Frame) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f.Data = append([]byte(nil), f.Data...)
	o.frames = append(o.frames, f)
}

func (o *recordingOutput) Audio(_ int32, pcm []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.audio += len(pcm)
}

func (o *recordingOutput) frameCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

type recordingBridge struct{ events []event.Event }

func (b *recordingBridge) Broadcast(ev event.Event) int {
	b.events = append(b.events, ev)
	return 1
}

type memJournal struct {
	mu      sync.Mutex
	details []string
}

func (j *memJournal) Record(_ int32, _ string, t frameserver.Transition, detail string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if t == frameserver.TransitionResized {
		j.details = append(j.details, detail)
	}
}

type testEnv struct {
	mem     *shm.Memory
	mgr     *frameserver.Manager
	eng     *Engine
	out     *recordingOutput
	bridge  *recordingBridge
	journal *memJournal
	handled []event.Event
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		mem:     shm.NewMemory(),
		out:     &recordingOutput{},
		bridge:  &recordingBridge{},
		journal: &memJournal{},
	}
	mgr, err := frameserver.NewManager(frameserver.Config{
		Session: session.Options{
			Platform:    env.mem,
			Spawner:     fakeSpawner{},
			SegmentSize: 1 << 20,
			LockTimeout: 50 * time.Millisecond,
		},
		QueueSize: 64,
		Journal:   env.journal,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mgr.Close)
	env.mgr = mgr
	env.eng = New(mgr, env.out, Config{
		Bridge: env.bridge,
		Handler: func(_ int64, ev event.Event) {
			env.handled = append(env.handled, ev)
		},
	}, nil)
	return env
}

func (env *testEnv) spawn(t *testing.T, args session.SpawnArgs) (*session.Session, *shmif.Conn) {
	t.Helper()
	args.Binary = "/bin/testsrc"
	s, err := env.mgr.Spawn(0, args)
	if err != nil {
		t.Fatal(err)
	}
	c, err := shmif.Attach(env.mem, s.Key(), shmif.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return s, c
}

// stepUntil steps the engine at now until cond holds.
func (env *testEnv) stepUntil(t *testing.T, now int64, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		env.eng.Step(now)
		time.Sleep(time.Millisecond)
	}
}

func TestEnginePresentsVideo(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	_, c := env.spawn(t, session.SpawnArgs{Autoplay: true})

	resized := make(chan error, 1)
	go func() { resized <- c.Resize(32, 16, 0, 0, 2*time.Second) }()
	var resizeErr error
	env.stepUntil(t, 100, "resize", func() bool {
		select {
		case resizeErr = <-resized:
			return true
		default:
			return false
		}
	})
	if resizeErr != nil {
		t.Fatal(resizeErr)
	}

	go func() {
		frame := make([]byte, 32*16*4)
		frame[0] = 0xAB
		c.SubmitVideo(frame, 0, 2*time.Second)
	}()
	env.stepUntil(t, 100, "a presented frame", func() bool { return env.out.frameCount() > 0 })

	f := env.out.frames[0]
	if f.Width != 32 || f.Height != 16 || f.Data[0] != 0xAB {
		t.Fatalf("frame %dx%d first=%#x", f.Width, f.Height, f.Data[0])
	}
	if d := env.eng.Debug(); d.FramesPresented != 1 || d.Ticks == 0 {
		t.Fatalf("debug = %+v", d)
	}
	env.journal.mu.Lock()
	defer env.journal.mu.Unlock()
	if len(env.journal.details) != 1 || env.journal.details[0] != "32x16" {
		t.Fatalf("resize journal = %v", env.journal.details)
	}
}

func TestEngineForwardsSessionEventsToBridge(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, c := env.spawn(t, session.SpawnArgs{})

	msg := event.New(event.CategoryNet, event.KindNetMessage)
	msg.Source = 12345
	msg.SetMessage("score 3")
	if err := c.Send(msg); err != nil {
		t.Fatal(err)
	}
	env.eng.Step(10)

	if len(env.bridge.events) != 1 {
		t.Fatalf("bridge got %d events, want 1", len(env.bridge.events))
	}
	if got := env.bridge.events[0]; got.Source != s.ID() || got.Message() != "score 3" {
		t.Fatalf("bridged %v", got)
	}
	if len(env.handled) != 1 || env.handled[0].Kind != event.KindNetMessage {
		t.Fatalf("handler saw %v", env.handled)
	}
	if d := env.eng.Debug(); d.BridgedOut != 1 || d.EventsHandled != 1 {
		t.Fatalf("debug = %+v", d)
	}
}

func TestEngineDeliversPeerMessagesToSessions(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	_, c1 := env.spawn(t, session.SpawnArgs{})
	_, c2 := env.spawn(t, session.SpawnArgs{})

	msg := event.New(event.CategoryNet, event.KindNetMessage)
	msg.Source = -1
	msg.SetMessage("hello")
	if err := env.mgr.Events().Enqueue(msg); err != nil {
		t.Fatal(err)
	}
	env.eng.Step(10)

	for i, c := range []*shmif.Conn{c1, c2} {
		ev, ok := c.Poll()
		if !ok {
			t.Fatalf("child %d got nothing", i)
		}
		if ev.Message() != "hello" {
			t.Fatalf("child %d got %v", i, ev)
		}
	}
	if len(env.bridge.events) != 0 {
		t.Fatal("peer event echoed back to the bridge")
	}
	if d := env.eng.Debug(); d.BridgedIn != 2 {
		t.Fatalf("bridged in = %d, want 2", d.BridgedIn)
	}
}

func TestEngineDoRunsOnStep(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	var got int64 = -1
	if err := env.eng.Do(context.Background(), func(now int64) { got = now }); err != nil {
		t.Fatal(err)
	}
	env.eng.Step(42)
	if got != 42 {
		t.Fatalf("call ran with now=%d, want 42", got)
	}
}

func TestEngineRunStops(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.eng.cfg.Tick = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- env.eng.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for env.eng.Debug().Ticks < 3 {
		if time.Now().After(deadline) {
			t.Fatal("engine did not tick")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
	if err := env.eng.Do(context.Background(), func(int64) {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Do after stop = %v, want ErrStopped", err)
	}
}
