package session

import (
	"sync/atomic"

	"github.com/zsiec/fsrv/internal/framequeue"
)

type counters struct {
	presented  atomic.Int64
	dropped    atomic.Int64
	rebases    atomic.Int64
	resizes    atomic.Int64
	rejected   atomic.Int64
	audioBytes atomic.Int64
	eventsIn   atomic.Int64
	eventsOut  atomic.Int64
}

// Stats is a snapshot of a session for debugging.
type Stats struct {
	ID              int32             `json:"id"`
	Kind            string            `json:"kind"`
	State           string            `json:"state"`
	Key             string            `json:"key"`
	Pid             int               `json:"pid"`
	Width           int               `json:"width"`
	Height          int               `json:"height"`
	Samplerate      int               `json:"samplerate"`
	Channels        int               `json:"channels"`
	FramesPresented int64             `json:"frames_presented"`
	FramesDropped   int64             `json:"frames_dropped"`
	Rebases         int64             `json:"rebases"`
	Resizes         int64             `json:"resizes"`
	ResizesRefused  int64             `json:"resizes_refused"`
	AudioBytes      int64             `json:"audio_bytes"`
	EventsIn        int64             `json:"events_in"`
	EventsOut       int64             `json:"events_out"`
	Video           *framequeue.Stats `json:"video,omitempty"`
	Audio           *framequeue.Stats `json:"audio,omitempty"`
}

// Stats returns a snapshot of the session's counters. Layout and queue
// fields are only coherent when called from the logic goroutine.
func (s *Session) Stats() Stats {
	st := Stats{
		ID:              s.id,
		Kind:            s.args.Kind,
		State:           s.State().String(),
		Key:             s.key,
		Pid:             s.Pid(),
		Width:           s.layout.Width,
		Height:          s.layout.Height,
		Samplerate:      s.samplerate,
		Channels:        s.channels,
		FramesPresented: s.stats.presented.Load(),
		FramesDropped:   s.stats.dropped.Load(),
		Rebases:         s.stats.rebases.Load(),
		Resizes:         s.stats.resizes.Load(),
		ResizesRefused:  s.stats.rejected.Load(),
		AudioBytes:      s.stats.audioBytes.Load(),
		EventsIn:        s.stats.eventsIn.Load(),
		EventsOut:       s.stats.eventsOut.Load(),
	}
	if s.vq != nil {
		v := s.vq.Stats()
		st.Video = &v
	}
	if s.aq != nil {
		a := s.aq.Stats()
		st.Audio = &a
	}
	return st
}
