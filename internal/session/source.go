package session

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/zsiec/fsrv/internal/shm"
)

// pollInterval is how often a frame queue's I/O goroutine checks the ready
// flag of its transfer buffer.
const pollInterval = time.Millisecond

// bufferSource feeds a frame queue from one of the segment's transfer
// buffers. The child sets the ready flag after filling the buffer; the
// source copies it out, clears the flag and posts the semaphore the child
// waits on before writing again.
type bufferSource struct {
	hdr    shm.Header
	buf    []byte
	sem    shm.Semaphore
	audio  bool
	closed atomic.Bool
}

func (b *bufferSource) ready() bool {
	if b.audio {
		return b.hdr.AReady()
	}
	return b.hdr.VReady()
}

// take copies the pending buffer into dst and hands the buffer back to the
// child.
func (b *bufferSource) take(dst []byte) (int, int64) {
	var n int
	var pts int64
	if b.audio {
		used := min(max(b.hdr.ABufUsed(), 0), len(b.buf))
		n = copy(dst, b.buf[:used])
		pts = b.hdr.APTS()
		b.hdr.SetABufUsed(0)
		b.hdr.SetAReady(false)
	} else {
		n = copy(dst, b.buf)
		pts = b.hdr.VPTS()
		b.hdr.SetVReady(false)
	}
	_ = b.sem.Post()
	return n, pts
}

// discard drops a pending buffer without reading it.
func (b *bufferSource) discard() {
	if b.ready() {
		b.take(nil)
	}
}

func (b *bufferSource) read(ctx context.Context, _ io.Reader, dst []byte) (int, int64, error) {
	if !b.ready() {
		t := time.NewTicker(pollInterval)
		defer t.Stop()
		for !b.ready() {
			if b.closed.Load() {
				return 0, 0, io.EOF
			}
			select {
			case <-ctx.Done():
				return 0, 0, ctx.Err()
			case <-t.C:
			}
		}
	}
	n, pts := b.take(dst)
	return n, pts, nil
}

func (b *bufferSource) Read(p []byte) (int, error) {
	n, _, err := b.read(context.Background(), nil, p)
	return n, err
}

func (b *bufferSource) Close() error {
	b.closed.Store(true)
	return nil
}
