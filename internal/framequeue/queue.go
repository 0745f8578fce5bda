package framequeue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("framequeue: closed")

// ReadFunc fills dst from src and returns the number of valid bytes along
// with the cell tag. A non-nil error stops the I/O goroutine; bytes returned
// alongside it are still committed.
type ReadFunc func(ctx context.Context, src io.Reader, dst []byte) (n int, tag int64, err error)

// Options configures a FrameQueue.
type Options struct {
	// Name identifies the queue in logs.
	Name string
	// Cells is the arena size, clamped to [2, MaxCells].
	Cells int
	// CellSize is the capacity of each cell's buffer.
	CellSize int
	// Variable allows short reads: each cell holds whatever a single Read
	// returns. Fixed queues fill every cell completely.
	Variable bool
	// Read overrides the default reader.
	Read ReadFunc
	Logger *slog.Logger
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Cells    int   `json:"cells"`
	Ready    int   `json:"ready"`
	Free     int   `json:"free"`
	Produced int64 `json:"produced"`
	Consumed int64 `json:"consumed"`
	Dropped  int64 `json:"dropped"`
	Alive    bool  `json:"alive"`
}

// FrameQueue is a bounded producer/consumer buffer of cells.
type FrameQueue struct {
	log  *slog.Logger
	src  io.Reader
	read ReadFunc

	mu    sync.Mutex
	cond  *sync.Cond
	cells []Cell
	free  []int
	ready indexRing
	alive bool
	err   error

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	produced atomic.Int64
	consumed atomic.Int64
	dropped  atomic.Int64
}

// New allocates the arena and starts the I/O goroutine reading from src.
func New(src io.Reader, opts Options) (*FrameQueue, error) {
	if src == nil {
		return nil, errors.New("framequeue: nil source")
	}
	if opts.CellSize <= 0 {
		return nil, fmt.Errorf("framequeue: invalid cell size %d", opts.CellSize)
	}
	n := min(max(opts.Cells, 2), MaxCells)

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "framequeue")
	if opts.Name != "" {
		log = log.With("queue", opts.Name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &FrameQueue{
		log:    log,
		src:    src,
		read:   opts.Read,
		cells:  make([]Cell, n),
		free:   make([]int, 0, n),
		ready:  newIndexRing(n),
		alive:  true,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	if q.read == nil {
		q.read = sequenceReader(opts.Variable)
	}

	arena := make([]byte, n*opts.CellSize)
	for i := range q.cells {
		q.cells[i] = Cell{
			Buffer: arena[i*opts.CellSize : (i+1)*opts.CellSize : (i+1)*opts.CellSize],
			index:  i,
		}
		q.free = append(q.free, i)
	}

	go q.run()
	return q, nil
}

// sequenceReader tags cells with an increasing sequence number.
func sequenceReader(variable bool) ReadFunc {
	var seq int64
	return func(_ context.Context, src io.Reader, dst []byte) (int, int64, error) {
		var n int
		var err error
		if variable {
			n, err = src.Read(dst)
		} else {
			n, err = io.ReadFull(src, dst)
			if err == io.ErrUnexpectedEOF {
				// A torn final frame is useless to a fixed-size consumer.
				n, err = 0, io.EOF
			}
		}
		seq++
		return n, seq, err
	}
}

func (q *FrameQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for q.alive && len(q.free) == 0 {
			q.cond.Wait()
		}
		if !q.alive {
			q.mu.Unlock()
			return
		}
		idx := q.free[len(q.free)-1]
		q.free = q.free[:len(q.free)-1]
		c := &q.cells[idx]
		c.WriteOnly = true
		buf := c.Buffer[:cap(c.Buffer)]
		q.mu.Unlock()

		n, tag, err := q.read(q.ctx, q.src, buf)

		q.mu.Lock()
		c.WriteOnly = false
		if n > 0 && q.alive {
			c.Buffer = buf[:n]
			c.Tag = tag
			c.Offset = 0
			q.ready.push(idx)
			q.produced.Add(1)
		} else {
			c.Buffer = buf[:0]
			q.free = append(q.free, idx)
		}
		if err != nil {
			stopping := !q.alive
			q.alive = false
			if !stopping && !errors.Is(err, io.EOF) && q.ctx.Err() == nil {
				q.err = err
			}
			q.mu.Unlock()
			if q.err != nil {
				q.log.Warn("read failed", "error", err)
			} else {
				q.log.Debug("source finished")
			}
			return
		}
		q.mu.Unlock()
	}
}

// Dequeue removes the front ready cell and hands it to the caller, who must
// return it with Release. It never blocks.
func (q *FrameQueue) Dequeue() (*Cell, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ready.count == 0 {
		return nil, false
	}
	q.consumed.Add(1)
	return &q.cells[q.ready.pop()], true
}

// Peek returns the front ready cell without removing it. The cell stays
// valid until the next Dequeue, Discard or Flush.
func (q *FrameQueue) Peek() (*Cell, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ready.count == 0 {
		return nil, false
	}
	return &q.cells[q.ready.front()], true
}

// Front returns the tag of the front ready cell.
func (q *FrameQueue) Front() (int64, bool) {
	c, ok := q.Peek()
	if !ok {
		return 0, false
	}
	return c.Tag, true
}

// Discard drops the front ready cell, reporting whether one was dropped.
func (q *FrameQueue) Discard() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ready.count == 0 {
		return false
	}
	q.releaseLocked(q.ready.pop())
	q.dropped.Add(1)
	return true
}

// Release returns a dequeued cell to the free list.
func (q *FrameQueue) Release(c *Cell) {
	if c == nil {
		return
	}
	q.mu.Lock()
	q.releaseLocked(c.index)
	q.mu.Unlock()
}

func (q *FrameQueue) releaseLocked(idx int) {
	c := &q.cells[idx]
	c.Buffer = c.Buffer[:0]
	c.Offset = 0
	c.Tag = 0
	q.free = append(q.free, idx)
	q.cond.Signal()
}

// Flush drops every ready cell and returns how many were dropped.
func (q *FrameQueue) Flush() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for q.ready.count > 0 {
		q.releaseLocked(q.ready.pop())
		n++
	}
	q.dropped.Add(int64(n))
	return n
}

// Len returns the number of ready cells.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.count
}

// Alive reports whether the I/O goroutine is still running.
func (q *FrameQueue) Alive() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.alive
}

// Finished reports whether the source is exhausted and every ready cell has
// been consumed.
func (q *FrameQueue) Finished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.alive && q.ready.count == 0
}

// Err returns the error that stopped the I/O goroutine, if any. End of
// stream and Close are not errors.
func (q *FrameQueue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Done is closed when the I/O goroutine has exited.
func (q *FrameQueue) Done() <-chan struct{} { return q.done }

// Close stops the I/O goroutine and waits for it. A source that implements
// io.Closer is closed to unblock a pending read. Close is idempotent.
func (q *FrameQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.alive = false
		q.cond.Broadcast()
		q.mu.Unlock()

		q.cancel()
		if c, ok := q.src.(io.Closer); ok {
			err = c.Close()
		}
		<-q.done

		q.mu.Lock()
		for q.ready.count > 0 {
			q.releaseLocked(q.ready.pop())
		}
		q.mu.Unlock()
	})
	return err
}

// Stats returns a snapshot of the queue counters.
func (q *FrameQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Cells:    len(q.cells),
		Ready:    q.ready.count,
		Free:     len(q.free),
		Produced: q.produced.Load(),
		Consumed: q.consumed.Load(),
		Dropped:  q.dropped.Load(),
		Alive:    q.alive,
	}
}
