package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/fsrv/internal/clock"
	"github.com/zsiec/fsrv/internal/event"
	"github.com/zsiec/fsrv/internal/eventq"
	"github.com/zsiec/fsrv/internal/framequeue"
	"github.com/zsiec/fsrv/internal/shm"
)

// Default tunables.
const (
	DefaultSaturation = 0.75
	DefaultExitGrace  = time.Second
)

// ForwardCategories are the event categories a child may deliver to the
// engine; everything else it enqueues is dropped.
const ForwardCategories = event.CategoryExternal | event.CategoryNet

// AudioSink is the audio collaborator a session binds to once the child has
// negotiated an audio format.
type AudioSink interface {
	Bind(session int32, samplerate, channels int) (uint32, error)
	Stop(audioID uint32)
}

// Options configures a session.
type Options struct {
	ID       int32
	Platform shm.Platform
	Spawner  Spawner
	// Default receives lifecycle events and events forwarded from the child.
	Default *eventq.Queue
	// Killer is the killswitch target for a stalled shared queue lock. With
	// a nil Killer lock waits are unbounded.
	Killer      eventq.Killer
	Audio       AudioSink
	Clock       clock.Config
	SegmentSize int
	LockTimeout time.Duration
	Saturation  float64
	VideoCells  int
	AudioCells  int
	ExitGrace   time.Duration
	Logger      *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.SegmentSize <= 0 {
		o.SegmentSize = shm.DefaultSegmentSize
	}
	if o.Clock == (clock.Config{}) {
		o.Clock = clock.DefaultConfig()
	}
	if o.Saturation == 0 {
		o.Saturation = DefaultSaturation
	}
	if o.VideoCells <= 0 {
		o.VideoCells = framequeue.DefaultVideoCells
	}
	if o.AudioCells <= 0 {
		o.AudioCells = framequeue.DefaultAudioCells
	}
	if o.ExitGrace <= 0 {
		o.ExitGrace = DefaultExitGrace
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Session is the parent side of one frameserver.
type Session struct {
	id   int32
	args SpawnArgs
	opts Options
	log  *slog.Logger

	key        string
	seg        shm.Segment
	hdr        shm.Header
	vsem       shm.Semaphore
	asem       shm.Semaphore
	esem       shm.Semaphore
	esync      *eventq.SharedSync
	inq        *eventq.Queue
	outq       *eventq.Queue
	proc       Process
	launched   int64
	state      atomic.Int32
	killReason atomic.Pointer[string]

	layout     shm.Layout
	samplerate int
	channels   int
	audioID    uint32
	timing     clock.Timing
	pausedAt   int64
	streamEnd  bool

	vsrc, asrc *bufferSource
	vq, aq     *framequeue.FrameQueue
	current    *framequeue.Cell
	direct     []byte

	stats    counters
	freeOnce sync.Once
}

// Spawn creates the segment and semaphores, starts the child and returns
// without waiting for it. The session reports placeholder dimensions until
// the child's first resize has been negotiated.
func Spawn(now int64, args SpawnArgs, opts Options) (*Session, error) {
	if opts.Platform == nil || opts.Spawner == nil || opts.Default == nil {
		return nil, fmt.Errorf("%w: platform, spawner and default queue are required", ErrBadArgument)
	}
	if err := args.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArgument, err)
	}
	opts.applyDefaults()
	if opts.SegmentSize < shm.ComputeLayout(shm.PlaceholderDimension, shm.PlaceholderDimension).End() {
		return nil, fmt.Errorf("%w: segment size %d too small", ErrBadArgument, opts.SegmentSize)
	}

	s := &Session{
		id:       opts.ID,
		args:     args,
		opts:     opts,
		key:      shm.NewKey(),
		launched: now,
		layout:   shm.ComputeLayout(shm.PlaceholderDimension, shm.PlaceholderDimension),
	}
	s.log = opts.Logger.With("component", "session", "id", s.id, "kind", args.Kind)
	s.state.Store(int32(Spawning))

	if err := s.allocate(); err != nil {
		s.release()
		return nil, err
	}
	proc, err := opts.Spawner.Start(s.key, opts.SegmentSize, args)
	if err != nil {
		s.release()
		return nil, fmt.Errorf("spawn %s: %w", args.Binary, err)
	}
	s.proc = proc
	s.log.Info("spawned frameserver", "pid", proc.Pid(), "key", s.key, "resource", args.Resource)
	return s, nil
}

func (s *Session) allocate() error {
	p := s.opts.Platform
	seg, err := p.CreateSegment(s.key, s.opts.SegmentSize)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	s.seg = seg
	s.hdr = shm.NewHeader(seg.Bytes())
	s.hdr.Init(os.Getpid(), s.opts.SegmentSize, s.args.Loop)

	vname, aname, ename := shm.SemaphoreNames(s.key)
	if s.vsem, err = p.CreateSemaphore(vname, 1); err != nil {
		return fmt.Errorf("create video semaphore: %w", err)
	}
	if s.asem, err = p.CreateSemaphore(aname, 1); err != nil {
		return fmt.Errorf("create audio semaphore: %w", err)
	}
	if s.esem, err = p.CreateSemaphore(ename, 1); err != nil {
		return fmt.Errorf("create event semaphore: %w", err)
	}

	var kill *eventq.Killswitch
	if s.opts.Killer != nil {
		kill = &eventq.Killswitch{Table: s.opts.Killer, ID: s.id}
	}
	s.esync = eventq.NewSharedSync(s.esem, s.opts.LockTimeout, kill)

	in, err := eventq.NewShmStorage(shm.ChildQueue(seg.Bytes()))
	if err != nil {
		return err
	}
	out, err := eventq.NewShmStorage(shm.ParentQueue(seg.Bytes()))
	if err != nil {
		return err
	}
	s.inq = eventq.New(in, s.esync)
	s.outq = eventq.New(out, s.esync)
	return nil
}

// release drops every OS object the session created. It tolerates a
// partially allocated session.
func (s *Session) release() {
	p := s.opts.Platform
	vname, aname, ename := shm.SemaphoreNames(s.key)
	for _, sem := range []struct {
		name string
		sem  shm.Semaphore
	}{{vname, s.vsem}, {aname, s.asem}, {ename, s.esem}} {
		if sem.sem == nil {
			continue
		}
		_ = sem.sem.Close()
		if err := p.RemoveSemaphore(sem.name); err != nil {
			s.log.Debug("remove semaphore", "name", sem.name, "error", err)
		}
	}
	if s.seg != nil {
		_ = s.seg.Close()
		if err := p.RemoveSegment(s.key); err != nil {
			s.log.Debug("remove segment", "key", s.key, "error", err)
		}
	}
}

func (s *Session) ID() int32            { return s.id }
func (s *Session) Key() string          { return s.key }
func (s *Session) Args() SpawnArgs      { return s.args }
func (s *Session) Launched() int64      { return s.launched }
func (s *Session) State() State         { return State(s.state.Load()) }
func (s *Session) setState(st State)    { s.state.Store(int32(st)) }
func (s *Session) AudioID() uint32      { return s.audioID }
func (s *Session) Layout() shm.Layout   { return s.layout }
func (s *Session) Timing() clock.Timing { return s.timing }

// Pid returns the child's process id.
func (s *Session) Pid() int {
	if s.proc == nil {
		return 0
	}
	return s.proc.Pid()
}

// Kill marks the session fatal. The next Control reports it and the owner
// tears the session down from its own goroutine. Kill is safe to call from
// any goroutine, including one blocked in the session's queue lock.
func (s *Session) Kill(reason string) {
	if s.killReason.CompareAndSwap(nil, &reason) {
		s.log.Warn("session killed", "reason", reason)
	}
}

// Killed reports whether Kill has been called.
func (s *Session) Killed() bool { return s.killReason.Load() != nil }

// Control runs the per-tick liveness check. It returns a *FatalError when the
// session must be torn down, in the order killswitch, header integrity,
// child exit. Otherwise it completes the attach handshake, services a
// pending resize and forwards the child's events to the default queue.
func (s *Session) Control(now int64) error {
	if s.State() == Terminated {
		return ErrUnacceptedState
	}
	if s.esync.Fired() {
		return &FatalError{Cause: CauseStalled, Reason: "event queue lock timed out", Err: eventq.ErrTimeout}
	}
	if r := s.killReason.Load(); r != nil {
		return &FatalError{Cause: CauseKilled, Reason: *r}
	}
	if err := s.hdr.Verify(); err != nil {
		return &FatalError{Cause: CauseIntegrity, Reason: "segment integrity", Err: err}
	}
	if exited, err := s.proc.Exited(); exited {
		return &FatalError{Cause: CauseExited, Reason: "frameserver exited", Err: err}
	}

	if s.State() == Spawning && s.hdr.Ready() {
		s.setState(Passive)
		s.log.Info("frameserver attached")
	}

	var rerr error
	if s.hdr.Resized() {
		rerr = s.renegotiate(now)
		if IsFatal(rerr) {
			return rerr
		}
	}

	s.pumpEvents()
	return rerr
}

func (s *Session) pumpEvents() {
	n, err := eventq.TransferFunc(s.opts.Default, s.inq, ForwardCategories, s.opts.Saturation, s.id, s.observe)
	s.stats.eventsIn.Add(int64(n))
	if err != nil {
		s.log.Debug("event transfer stopped", "error", err)
	}
	if s.streamEnd {
		s.streamEnd = false
		s.finish()
	}
}

func (s *Session) observe(ev event.Event) {
	if ev.Category == event.CategoryExternal && ev.Kind&event.KindExternalStreamEnd != 0 {
		s.streamEnd = true
	}
}

func (s *Session) finish() {
	switch s.State() {
	case Finished, Terminated:
		return
	}
	s.setState(Finished)
	s.log.Info("stream finished")
	if s.audioID != 0 {
		ev := event.New(event.CategoryAudio, event.KindAudioPlaybackFinished)
		ev.SetAudio(event.AudioData{ID: s.audioID})
		s.emit(ev)
	}
}

// FlushEvents moves every pending child event to the default queue,
// ignoring saturation. It is used right before teardown.
func (s *Session) FlushEvents() int {
	n, err := eventq.TransferFunc(s.opts.Default, s.inq, ForwardCategories, eventq.MaxSaturation, s.id, nil)
	if err != nil && !errors.Is(err, eventq.ErrTimeout) {
		s.log.Debug("event flush stopped", "error", err)
	}
	return n
}

// emit enqueues ev on the default queue with this session as its source.
func (s *Session) emit(ev event.Event) {
	ev.Source = s.id
	if err := s.opts.Default.Enqueue(ev); err != nil {
		s.log.Warn("lifecycle event lost", "event", ev.String(), "error", err)
	}
}

// renegotiate applies the dimensions and audio format the child published
// with its resize request. A request that does not fit the segment is
// refused: the previous values are written back before the flag is cleared,
// so the child sees the refusal.
func (s *Session) renegotiate(now int64) error {
	w, h := s.hdr.StorageSize()
	sr, ch := s.hdr.AudioFormat()
	layout := shm.ComputeLayout(w, h)
	if err := validateResize(layout, s.opts.SegmentSize, sr, ch); err != nil {
		s.stats.rejected.Add(1)
		s.log.Warn("resize refused", "width", w, "height", h, "samplerate", sr, "channels", ch, "error", err)
		s.hdr.SetStorageSize(s.layout.Width, s.layout.Height)
		s.hdr.SetAudioFormat(s.samplerate, s.channels)
		s.hdr.SetResized(false)
		return fmt.Errorf("%w: %v", ErrBadArgument, err)
	}

	s.closeQueues()

	s.layout = layout
	s.samplerate, s.channels = sr, ch

	s.timing.BPMS = clock.BPMS(sr, ch)
	s.timing.Reclock = true

	if err := s.openQueues(); err != nil {
		return &FatalError{Cause: CauseResource, Reason: "frame queue allocation", Err: err}
	}
	if sr > 0 && s.audioID == 0 && s.opts.Audio != nil {
		id, err := s.opts.Audio.Bind(s.id, sr, ch)
		if err != nil {
			s.log.Warn("audio bind failed", "error", err)
		} else {
			s.audioID = id
		}
	}

	ev := event.New(event.CategoryFrameserver, event.KindFrameserverResized)
	ev.SetFrameserver(event.FrameserverData{Width: int32(w), Height: int32(h), AudioID: s.audioID})
	s.emit(ev)
	s.stats.resizes.Add(1)
	s.log.Info("resized", "width", w, "height", h, "samplerate", sr, "channels", ch)

	if s.State() == Spawning {
		s.setState(Passive)
	}
	if s.args.Autoplay && s.State() == Passive {
		_ = s.Play(now)
	}

	s.hdr.SetResized(false)
	return nil
}

func validateResize(l shm.Layout, segSize, samplerate, channels int) error {
	if err := l.Validate(segSize); err != nil {
		return err
	}
	if samplerate < 0 || samplerate > shm.MaxSampleRate {
		return fmt.Errorf("samplerate %d out of range", samplerate)
	}
	if samplerate > 0 && (channels <= 0 || channels > shm.MaxChannels) {
		return fmt.Errorf("channel count %d out of range", channels)
	}
	return nil
}

// openQueues starts the frame queues for the current layout. In nopts mode
// video bypasses its queue.
func (s *Session) openQueues() error {
	mem := s.seg.Bytes()
	s.vsrc = &bufferSource{
		hdr: s.hdr,
		buf: mem[s.layout.VideoOffset : s.layout.VideoOffset+s.layout.VideoSize],
		sem: s.vsem,
	}
	if !s.args.NoPTS {
		vq, err := framequeue.New(s.vsrc, framequeue.Options{
			Name:     "video",
			Cells:    s.opts.VideoCells,
			CellSize: s.layout.VideoSize,
			Read:     s.vsrc.read,
			Logger:   s.log,
		})
		if err != nil {
			return err
		}
		s.vq = vq
	}

	s.asrc = &bufferSource{
		hdr:   s.hdr,
		buf:   mem[s.layout.AudioOffset : s.layout.AudioOffset+s.layout.AudioSize],
		sem:   s.asem,
		audio: true,
	}
	if s.samplerate > 0 {
		aq, err := framequeue.New(s.asrc, framequeue.Options{
			Name:     "audio",
			Cells:    s.opts.AudioCells,
			CellSize: s.layout.AudioSize,
			Variable: true,
			Read:     s.asrc.read,
			Logger:   s.log,
		})
		if err != nil {
			return err
		}
		s.aq = aq
	}
	return nil
}

// closeQueues stops both frame queues and drops any buffer the child has
// handed over but nobody has read, since it was laid out for the old size.
func (s *Session) closeQueues() {
	if s.vq != nil {
		s.vq.Release(s.current)
		s.current = nil
		_ = s.vq.Close()
		s.vq = nil
	}
	if s.aq != nil {
		_ = s.aq.Close()
		s.aq = nil
	}
	if s.vsrc != nil {
		s.vsrc.discard()
	}
	if s.asrc != nil {
		s.asrc.discard()
	}
}

// Free tears the session down: playback stops, the audio binding is
// released, the frame queues are closed, the child is signalled and reaped,
// and the segment and semaphores are removed. Free is idempotent.
func (s *Session) Free() {
	s.freeOnce.Do(func() {
		if st := s.State(); st == Playing || st == Finished {
			s.setState(Paused)
		}
		if s.audioID != 0 && s.opts.Audio != nil {
			s.opts.Audio.Stop(s.audioID)
			ev := event.New(event.CategoryAudio, event.KindAudioObjectGone)
			ev.SetAudio(event.AudioData{ID: s.audioID})
			s.emit(ev)
			s.audioID = 0
		}
		s.closeQueues()
		s.hdr.SetDMS(false)
		if s.proc != nil {
			if err := s.proc.Terminate(s.opts.ExitGrace); err != nil {
				s.log.Debug("terminate frameserver", "error", err)
			}
		}
		s.release()
		s.setState(Terminated)
		s.log.Info("session freed")
	})
}
