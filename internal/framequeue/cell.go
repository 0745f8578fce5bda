package framequeue

// Default cell counts, sized for a few frames of video and a few hundred
// milliseconds of audio.
const (
	DefaultVideoCells = 4
	DefaultAudioCells = 12
	MaxCells          = 64
)

// Cell is one buffered payload.
type Cell struct {
	// Tag is the presentation timestamp, or an opaque sequence number when
	// the source has none.
	Tag int64
	// Offset is how far the consumer has read into Buffer, for consumers
	// that drain a cell over several calls.
	Offset uint32
	// Buffer holds the valid payload bytes.
	Buffer []byte
	// WriteOnly is set while the I/O goroutine is filling the cell.
	WriteOnly bool

	index int
}

// Remaining returns the unread part of the buffer.
func (c *Cell) Remaining() []byte {
	if int(c.Offset) >= len(c.Buffer) {
		return nil
	}
	return c.Buffer[c.Offset:]
}

// indexRing is a FIFO of arena indices with fixed capacity.
type indexRing struct {
	buf   []int
	head  int
	count int
}

func newIndexRing(n int) indexRing {
	return indexRing{buf: make([]int, n)}
}

func (r *indexRing) push(i int) {
	r.buf[(r.head+r.count)%len(r.buf)] = i
	r.count++
}

func (r *indexRing) front() int {
	return r.buf[r.head]
}

func (r *indexRing) pop() int {
	i := r.buf[r.head]
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return i
}
