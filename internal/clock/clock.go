// Package clock decides which queued video frame to present on a tick and
// keeps the audio clock aligned with the video clock.
//
// All times are milliseconds on the caller's monotonic timeline. The
// functions here hold no state of their own; they read and update the
// [Timing] fields owned by a session.
package clock

import "math"

// Default thresholds in milliseconds.
const (
	DefaultResynchThreshold = 1000
	DefaultSkipThreshold    = 60
)

// Config holds the synchronizer tunables.
type Config struct {
	// ResynchThreshold is the |delta| above which a timing gap is a
	// discontinuity and the timeline is rebased.
	ResynchThreshold int64
	// SkipThreshold is the delta above which a frame is stale and dropped.
	SkipThreshold int64
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		ResynchThreshold: DefaultResynchThreshold,
		SkipThreshold:    DefaultSkipThreshold,
	}
}

// Timing is the per-session clock state.
type Timing struct {
	StartTime  int64
	LastPTS    int64
	AudioClock float64
	// BPMS is milliseconds of playback per audio byte.
	BPMS float64
	// Reclock snaps the audio clock to LastPTS on the next pull.
	Reclock bool
}

// Reset starts a fresh timeline at now.
func (t *Timing) Reset(now int64) {
	*t = Timing{StartTime: now, BPMS: t.BPMS}
}

// Queue is the view of a frame queue the synchronizer needs.
type Queue interface {
	// Front returns the PTS of the oldest queued frame.
	Front() (pts int64, ok bool)
	// Discard drops the oldest queued frame.
	Discard() bool
}

// Decision is the outcome of Select.
type Decision struct {
	// Present is set when the front frame should be shown now.
	Present bool
	PTS     int64
	// Dropped counts stale frames discarded to get here.
	Dropped int
	// Rebased is set when the timeline was shifted.
	Rebased bool
}

// Delta returns how far behind schedule a frame with the given pts is.
// Positive values are late, negative values early.
func (t *Timing) Delta(now, pts int64) int64 {
	return (now - t.StartTime) - pts
}

// Select picks the frame to present at now.
//
// A delta beyond ResynchThreshold in either direction rebases StartTime so
// the front frame is exactly on time. Otherwise frames later than
// SkipThreshold are discarded until one is fresh enough or the queue runs
// out. Each frame reached that way is checked against ResynchThreshold
// again. The presented frame is left at the front of q for the caller to
// dequeue.
func (c Config) Select(t *Timing, now int64, q Queue) Decision {
	var d Decision
	pts, ok := q.Front()
	if !ok {
		return d
	}

	for {
		delta := t.Delta(now, pts)
		if abs(delta) > c.ResynchThreshold {
			t.StartTime += delta
			t.Reclock = true
			d.Rebased = true
			break
		}
		if delta <= c.SkipThreshold {
			break
		}
		q.Discard()
		d.Dropped++
		if pts, ok = q.Front(); !ok {
			return d
		}
	}

	t.LastPTS = pts
	d.Present = true
	d.PTS = pts
	return d
}

// BPMS returns the milliseconds of playback represented by one byte of
// interleaved signed 16-bit PCM.
func BPMS(samplerate, channels int) float64 {
	if samplerate <= 0 || channels <= 0 {
		return 0
	}
	return (1000.0 / float64(samplerate)) / float64(channels) * 0.5
}

// PullAudio advances the audio clock for n consumed bytes and returns the
// new value. A pending reclock, or drift from the video clock beyond
// ResynchThreshold, first snaps the audio clock to LastPTS.
func (c Config) PullAudio(t *Timing, n int) float64 {
	if t.LastPTS > 0 && math.Abs(t.Drift()) > float64(c.ResynchThreshold) {
		t.Reclock = true
	}
	if t.Reclock {
		t.AudioClock = float64(t.LastPTS)
		t.Reclock = false
	}
	t.AudioClock += t.BPMS * float64(n)
	return t.AudioClock
}

// Drift returns how far the audio clock is ahead of the video clock.
func (t *Timing) Drift() float64 {
	return t.AudioClock - float64(t.LastPTS)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
