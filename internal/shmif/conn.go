// Package shmif is the child side of the frameserver transport. A
// frameserver binary attaches to the segment its parent created, negotiates
// its frame size and then submits video and audio buffers and exchanges
// events through it.
package shmif

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/zsiec/fsrv/internal/event"
	"github.com/zsiec/fsrv/internal/eventq"
	"github.com/zsiec/fsrv/internal/shm"
)

var (
	ErrNoKey         = errors.New("shmif: no segment key in environment")
	ErrParentGone    = errors.New("shmif: parent gone")
	ErrDropped       = errors.New("shmif: buffer busy, frame dropped")
	ErrResizeRefused = errors.New("shmif: resize refused by parent")
	ErrTimeout       = errors.New("shmif: timed out")
)

// DefaultResizeTimeout bounds the wait for the parent to acknowledge a
// resize.
const DefaultResizeTimeout = 5 * time.Second

// Options configures a connection.
type Options struct {
	// LockTimeout bounds waits on the shared event queue lock; a timeout
	// marks the parent as gone.
	LockTimeout time.Duration
	Logger      *slog.Logger
}

// Conn is an attached child's view of its segment.
type Conn struct {
	log  *slog.Logger
	key  string
	seg  shm.Segment
	hdr  shm.Header
	vsem shm.Semaphore
	asem shm.Semaphore
	esem shm.Semaphore
	in   *eventq.Queue
	out  *eventq.Queue

	layout shm.Layout
	dead   atomic.Bool
}

// AttachEnv attaches to the segment named by the environment the parent set.
func AttachEnv(p shm.Platform, opts Options) (*Conn, error) {
	key := os.Getenv(shm.EnvKey)
	if key == "" {
		return nil, ErrNoKey
	}
	return Attach(p, key, opts)
}

// Attach maps the segment key, verifies its header and opens the semaphores.
// It marks the connection ready, which completes the parent's handshake.
func Attach(p shm.Platform, key string, opts Options) (*Conn, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	seg, err := p.MapSegment(key)
	if err != nil {
		return nil, fmt.Errorf("map segment %s: %w", key, err)
	}
	c := &Conn{
		log: log.With("component", "shmif", "key", key),
		key: key,
		seg: seg,
		hdr: shm.NewHeader(seg.Bytes()),
	}
	if err := c.hdr.Verify(); err != nil {
		seg.Close()
		return nil, err
	}
	if size := c.hdr.SegmentSize(); size != len(seg.Bytes()) {
		seg.Close()
		return nil, fmt.Errorf("%w: header says %d, mapped %d", shm.ErrSegmentSize, size, len(seg.Bytes()))
	}

	vname, aname, ename := shm.SemaphoreNames(key)
	if c.vsem, err = p.OpenSemaphore(vname); err != nil {
		c.Close()
		return nil, err
	}
	if c.asem, err = p.OpenSemaphore(aname); err != nil {
		c.Close()
		return nil, err
	}
	if c.esem, err = p.OpenSemaphore(ename); err != nil {
		c.Close()
		return nil, err
	}

	// A stalled parent kills this connection rather than the child hanging.
	sync := eventq.NewSharedSync(c.esem, opts.LockTimeout, &eventq.Killswitch{Table: c})
	in, err := eventq.NewShmStorage(shm.ParentQueue(seg.Bytes()))
	if err != nil {
		c.Close()
		return nil, err
	}
	out, err := eventq.NewShmStorage(shm.ChildQueue(seg.Bytes()))
	if err != nil {
		c.Close()
		return nil, err
	}
	c.in = eventq.New(in, sync)
	c.out = eventq.New(out, sync)

	w, h := c.hdr.StorageSize()
	c.layout = shm.ComputeLayout(w, h)
	c.hdr.SetReady(true)
	c.log.Debug("attached", "parent", c.hdr.ParentPID())
	return c, nil
}

// Kill is the killswitch for the shared event lock.
func (c *Conn) Kill(int32) {
	if c.dead.CompareAndSwap(false, true) {
		c.log.Warn("parent stopped servicing the event queue")
	}
}

// Alive reports whether the parent still holds the segment open.
func (c *Conn) Alive() bool {
	return !c.dead.Load() && c.hdr.Verify() == nil
}

// Loop reports whether the parent will respawn this frameserver.
func (c *Conn) Loop() bool { return c.hdr.Loop() }

// Size returns the negotiated storage size.
func (c *Conn) Size() (w, h int) { return c.layout.Width, c.layout.Height }

// AudioFormat returns the negotiated samplerate and channel count.
func (c *Conn) AudioFormat() (samplerate, channels int) { return c.hdr.AudioFormat() }

// Resize asks the parent for new buffer dimensions and audio format and
// waits until it has renegotiated. Every frame submitted afterwards must be
// w*h*4 bytes.
func (c *Conn) Resize(w, h, samplerate, channels int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultResizeTimeout
	}
	c.hdr.SetStorageSize(w, h)
	c.hdr.SetDisplaySize(w, h)
	c.hdr.SetAudioFormat(samplerate, channels)
	c.hdr.SetResized(true)

	deadline := time.Now().Add(timeout)
	for c.hdr.Resized() {
		if !c.Alive() {
			return ErrParentGone
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
	if gw, gh := c.hdr.StorageSize(); gw != w || gh != h {
		return fmt.Errorf("%w: %dx%d", ErrResizeRefused, w, h)
	}
	c.layout = shm.ComputeLayout(w, h)
	return nil
}

// VideoBuffer returns the shared video buffer for the current size.
func (c *Conn) VideoBuffer() []byte {
	return c.seg.Bytes()[c.layout.VideoOffset : c.layout.VideoOffset+c.layout.VideoSize]
}

// SubmitVideo copies frame into the shared video buffer and marks it ready.
// It first waits up to timeout for the parent to release the previous frame
// (a negative timeout waits forever); when that wait expires the frame is
// dropped and ErrDropped returned.
func (c *Conn) SubmitVideo(frame []byte, pts int64, timeout time.Duration) error {
	if !c.Alive() {
		return ErrParentGone
	}
	if err := c.vsem.Wait(timeout); err != nil {
		if errors.Is(err, shm.ErrTimeout) {
			return ErrDropped
		}
		return err
	}
	copy(c.VideoBuffer(), frame)
	c.hdr.SetVPTS(pts)
	c.hdr.SetVReady(true)
	return nil
}

// SubmitAudio copies interleaved s16 samples into the shared audio buffer,
// splitting them over several handovers when they do not fit in one.
func (c *Conn) SubmitAudio(samples []byte, pts int64, timeout time.Duration) error {
	region := c.seg.Bytes()[c.layout.AudioOffset : c.layout.AudioOffset+c.layout.AudioSize]
	for len(samples) > 0 {
		if !c.Alive() {
			return ErrParentGone
		}
		if err := c.asem.Wait(timeout); err != nil {
			if errors.Is(err, shm.ErrTimeout) {
				return ErrDropped
			}
			return err
		}
		n := copy(region, samples)
		samples = samples[n:]
		c.hdr.SetAPTS(pts)
		c.hdr.SetABufUsed(n)
		c.hdr.SetAReady(true)
	}
	return nil
}

// Send enqueues ev for the parent.
func (c *Conn) Send(ev event.Event) error {
	if c.dead.Load() {
		return ErrParentGone
	}
	return c.out.Enqueue(ev)
}

// Poll returns the next event from the parent.
func (c *Conn) Poll() (event.Event, bool) {
	if c.dead.Load() {
		return event.Event{}, false
	}
	return c.in.Poll()
}

// Close releases the mapping. The parent owns the names and removes them.
func (c *Conn) Close() error {
	for _, sem := range []shm.Semaphore{c.vsem, c.asem, c.esem} {
		if sem != nil {
			_ = sem.Close()
		}
	}
	return c.seg.Close()
}
