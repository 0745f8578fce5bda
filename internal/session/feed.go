package session

import (
	"github.com/zsiec/fsrv/internal/event"
)

// Frame is a video frame ready for presentation. Data is owned by the
// session and stays valid until the next VideoFrame call.
type Frame struct {
	Data   []byte
	PTS    int64
	Width  int
	Height int
}

// feedable checks whether frames may be pulled in the current state.
func (s *Session) feedable() error {
	if s.Killed() {
		return ErrUnacceptedState
	}
	switch s.State() {
	case Playing, Finished:
		return nil
	case Terminated:
		return ErrUnacceptedState
	}
	return ErrNotReady
}

// VideoFrame returns the frame to present at now. Stale frames are dropped
// and timeline discontinuities rebased on the way. ErrNotReady means there
// is nothing to show on this tick.
func (s *Session) VideoFrame(now int64) (Frame, error) {
	if err := s.feedable(); err != nil {
		return Frame{}, err
	}
	if s.args.NoPTS {
		return s.directFrame()
	}
	if s.vq == nil {
		return Frame{}, ErrNotReady
	}
	if s.current != nil {
		s.vq.Release(s.current)
		s.current = nil
	}

	d := s.opts.Clock.Select(&s.timing, now, s.vq)
	if d.Dropped > 0 {
		s.stats.dropped.Add(int64(d.Dropped))
		s.log.Debug("dropped stale frames", "count", d.Dropped)
	}
	if d.Rebased {
		s.stats.rebases.Add(1)
		s.log.Debug("timeline rebased", "pts", d.PTS, "start", s.timing.StartTime)
	}
	if !d.Present {
		return Frame{}, ErrNotReady
	}
	cell, ok := s.vq.Dequeue()
	if !ok {
		return Frame{}, ErrNotReady
	}
	s.current = cell
	s.stats.presented.Add(1)
	return Frame{Data: cell.Buffer, PTS: cell.Tag, Width: s.layout.Width, Height: s.layout.Height}, nil
}

// directFrame services nopts mode: the shared buffer is copied out the
// moment the child marks it ready, and handed straight back.
func (s *Session) directFrame() (Frame, error) {
	if s.vsrc == nil || !s.hdr.VReady() {
		return Frame{}, ErrNotReady
	}
	if len(s.direct) != s.layout.VideoSize {
		s.direct = make([]byte, s.layout.VideoSize)
	}
	n, pts := s.vsrc.take(s.direct)
	s.timing.LastPTS = pts
	s.stats.presented.Add(1)
	return Frame{Data: s.direct[:n], PTS: pts, Width: s.layout.Width, Height: s.layout.Height}, nil
}

// AudioFeed fills dst with queued audio and advances the audio clock by the
// amount consumed. A cell only partly consumed stays at the front of the
// queue for the next call.
func (s *Session) AudioFeed(dst []byte) (int, error) {
	if err := s.feedable(); err != nil {
		return 0, err
	}
	if s.aq == nil {
		return 0, ErrNotReady
	}

	n := 0
	for n < len(dst) {
		c, ok := s.aq.Peek()
		if !ok {
			break
		}
		k := copy(dst[n:], c.Remaining())
		c.Offset += uint32(k)
		n += k
		if len(c.Remaining()) == 0 {
			if done, ok := s.aq.Dequeue(); ok {
				s.aq.Release(done)
			}
		}
	}
	if n == 0 {
		return 0, ErrNotReady
	}
	s.opts.Clock.PullAudio(&s.timing, n)
	s.stats.audioBytes.Add(int64(n))
	return n, nil
}

// Play starts presentation of a negotiated session.
func (s *Session) Play(now int64) error {
	if s.State() != Passive {
		return ErrUnacceptedState
	}
	s.timing.Reset(now)
	s.setState(Playing)
	return nil
}

// Pause stops presentation and asks the child to pause.
func (s *Session) Pause(now int64) error {
	if s.State() != Playing {
		return ErrUnacceptedState
	}
	s.pausedAt = now
	s.setState(Paused)
	return s.sendTarget(event.KindTargetPause, 0)
}

// Resume continues a paused or suspended session. The timeline is shifted
// by the time spent paused.
func (s *Session) Resume(now int64) error {
	if st := s.State(); st != Paused && st != Suspended {
		return ErrUnacceptedState
	}
	s.timing.StartTime += now - s.pausedAt
	s.timing.Reclock = true
	s.setState(Playing)
	return s.sendTarget(event.KindTargetUnpause, 0)
}

// Suspend pauses the session and drops everything it has buffered.
func (s *Session) Suspend(now int64) error {
	st := s.State()
	if st != Playing && st != Paused {
		return ErrUnacceptedState
	}
	s.Flush()
	s.setState(Suspended)
	if st == Playing {
		s.pausedAt = now
		return s.sendTarget(event.KindTargetPause, 0)
	}
	return nil
}

// Seek asks the child to seek by offset milliseconds and drops frames
// buffered from before the seek.
func (s *Session) Seek(offset int32) error {
	if st := s.State(); st == Terminated || st == Spawning {
		return ErrUnacceptedState
	}
	s.Flush()
	return s.sendTarget(event.KindTargetSeek, offset)
}

// Flush drops every buffered frame and schedules an audio reclock.
func (s *Session) Flush() {
	if s.vq != nil {
		s.vq.Release(s.current)
		s.current = nil
		s.vq.Flush()
	}
	if s.aq != nil {
		s.aq.Flush()
	}
	s.timing.Reclock = true
}

func (s *Session) sendTarget(kind uint32, value int32) error {
	ev := event.New(event.CategoryTarget, kind)
	ev.SetTarget(event.TargetData{Values: [4]int32{value}})
	return s.Send(ev)
}

// Send enqueues ev for the child.
func (s *Session) Send(ev event.Event) error {
	if s.Killed() || s.State() == Terminated {
		return ErrUnacceptedState
	}
	if err := s.outq.Enqueue(ev); err != nil {
		return err
	}
	s.stats.eventsOut.Add(1)
	return nil
}
