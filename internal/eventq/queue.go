package eventq

import (
	"errors"
	"sync/atomic"

	"github.com/zsiec/fsrv/internal/event"
)

// Queue errors.
var (
	ErrOutOfSpace = errors.New("eventq: queue full")
	ErrTimeout    = errors.New("eventq: lock wait timed out")
)

// Queue is a fixed-capacity FIFO of events. Storage with N slots holds at
// most N-1 pending events so that front == back always means empty; Cap
// reports that usable count.
type Queue struct {
	store Storage
	sync  Syncer
	mask  atomic.Uint32
	tick  atomic.Uint32
}

// New returns a queue over store guarded by s.
func New(store Storage, s Syncer) *Queue {
	return &Queue{store: store, sync: s}
}

// NewLocal returns a heap-backed, mutex-guarded queue that holds up to
// capacity pending events.
func NewLocal(capacity int) *Queue {
	return New(NewMemStorage(capacity+1), &LocalSync{})
}

// Cap returns the maximum number of pending events.
func (q *Queue) Cap() int { return q.store.Cap() - 1 }

// Len returns the number of pending events. It is a snapshot and may be
// stale by the time the caller acts on it.
func (q *Queue) Len() int {
	n := q.store.Cap()
	return (q.store.Back() - q.store.Front() + n) % n
}

// SetTick sets the tick counter stamped into enqueued events.
func (q *Queue) SetTick(t uint32) { q.tick.Store(t) }

// Tick returns the current tick counter.
func (q *Queue) Tick() uint32 { return q.tick.Load() }

// Mask returns the categories currently filtered out on enqueue.
func (q *Queue) Mask() event.Category { return event.Category(q.mask.Load()) }

// SetMask filters out every category in m on later enqueues.
func (q *Queue) SetMask(m event.Category) error {
	if err := q.sync.Acquire(); err != nil {
		return err
	}
	q.mask.Store(uint32(m))
	q.sync.Release()
	return nil
}

// ClearMask removes the enqueue filter.
func (q *Queue) ClearMask() error {
	return q.SetMask(0)
}

// Enqueue appends ev, stamping it with the current tick. Events whose
// category intersects the mask are dropped silently and nil is returned. A
// full queue returns ErrOutOfSpace; a timed-out shared lock returns
// ErrTimeout.
func (q *Queue) Enqueue(ev event.Event) error {
	if ev.Category&q.Mask() != 0 {
		return nil
	}
	if err := q.sync.Acquire(); err != nil {
		return err
	}
	defer q.sync.Release()

	n := q.store.Cap()
	back := q.store.Back()
	if (back+1)%n == q.store.Front() {
		return ErrOutOfSpace
	}
	ev.Tickstamp = q.tick.Load()
	q.store.Store(back, &ev)
	q.store.SetBack((back + 1) % n)
	return nil
}

// Poll removes and returns the oldest event. An empty queue is detected
// without taking the lock. A lock failure is reported as empty; on shared
// queues the killswitch has already dealt with the owner by then.
func (q *Queue) Poll() (event.Event, bool) {
	if q.store.Front() == q.store.Back() {
		return event.Event{}, false
	}
	if err := q.sync.Acquire(); err != nil {
		return event.Event{}, false
	}
	defer q.sync.Release()

	front := q.store.Front()
	if front == q.store.Back() {
		return event.Event{}, false
	}
	ev := q.store.Load(front)
	q.store.SetFront((front + 1) % q.store.Cap())
	return ev, true
}

// PollMasked returns the next event whose category intersects cat and whose
// kind intersects kind (a zero kind mask accepts every kind). Events that do
// not match are consumed and discarded.
func (q *Queue) PollMasked(cat event.Category, kind uint32) (event.Event, bool) {
	for {
		ev, ok := q.Poll()
		if !ok {
			return ev, false
		}
		if ev.Category&cat != 0 && (kind == 0 || ev.Kind&kind != 0) {
			return ev, true
		}
	}
}

// Erase removes every pending event whose category intersects cat and whose
// Source equals source, compacting the survivors in place so their relative
// order is kept. It returns the number of events removed.
func (q *Queue) Erase(cat event.Category, source int32) (int, error) {
	if err := q.sync.Acquire(); err != nil {
		return 0, err
	}
	defer q.sync.Release()

	n := q.store.Cap()
	front, back := q.store.Front(), q.store.Back()
	w := front
	removed := 0
	for r := front; r != back; r = (r + 1) % n {
		ev := q.store.Load(r)
		if ev.Category&cat != 0 && ev.Source == source {
			removed++
			continue
		}
		if w != r {
			q.store.Store(w, &ev)
		}
		w = (w + 1) % n
	}
	q.store.SetBack(w)
	return removed, nil
}

// Saturation limits for Transfer.
const (
	MinSaturation = 0.5
	MaxSaturation = 1.0
)

// Transfer moves events from src to dst while src is non-empty and dst holds
// fewer than Cap(dst)*saturation events. Events outside allowed, or whose
// category is not exactly one known bit, are consumed and dropped. EXTERNAL and NET events have their Source overwritten with
// source, so a frameserver cannot claim to be another session. It returns
// the number of events written to dst.
func Transfer(dst, src *Queue, allowed event.Category, saturation float64, source int32) (int, error) {
	return TransferFunc(dst, src, allowed, saturation, source, nil)
}

// TransferFunc is Transfer with a callback invoked for every event about to
// be written to dst, after its Source has been rewritten. No queue lock is
// held while fn runs.
func TransferFunc(dst, src *Queue, allowed event.Category, saturation float64, source int32, fn func(event.Event)) (int, error) {
	saturation = min(max(saturation, MinSaturation), MaxSaturation)
	limit := int(float64(dst.Cap()) * saturation)

	moved := 0
	for dst.Len() < limit {
		ev, ok := src.Poll()
		if !ok {
			break
		}
		if !ev.Category.Valid() || ev.Category&allowed == 0 {
			continue
		}
		if ev.Category&(event.CategoryExternal|event.CategoryNet) != 0 {
			ev.Source = source
		}
		if fn != nil {
			fn(ev)
		}
		if err := dst.Enqueue(ev); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}
