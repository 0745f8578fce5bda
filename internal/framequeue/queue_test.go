package framequeue

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFixedCellsInOrder(t *testing.T) {
	t.Parallel()
	src := bytes.NewReader([]byte("aaaabbbbccccdd"))
	q, err := New(src, Options{Cells: 4, CellSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	<-q.Done()
	want := []string{"aaaa", "bbbb", "cccc"}
	for i, w := range want {
		c, ok := q.Dequeue()
		if !ok {
			t.Fatalf("cell %d: queue empty", i)
		}
		if got := string(c.Buffer); got != w {
			t.Fatalf("cell %d = %q, want %q", i, got, w)
		}
		if c.Tag != int64(i+1) {
			t.Fatalf("cell %d tag = %d, want %d", i, c.Tag, i+1)
		}
		q.Release(c)
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatal("torn trailing frame should not be queued")
	}
	if !q.Finished() {
		t.Fatal("expected queue to be finished")
	}
	if err := q.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil at end of stream", err)
	}
}

func TestBackpressure(t *testing.T) {
	t.Parallel()
	pr, pw := io.Pipe()
	q, err := New(pr, Options{Cells: 2, CellSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	written := make(chan int, 1)
	go func() {
		n := 0
		for i := 0; i < 3; i++ {
			if _, err := pw.Write([]byte{byte(i)}); err != nil {
				break
			}
			n++
		}
		written <- n
	}()

	waitFor(t, "two ready cells", func() bool { return q.Len() == 2 })
	select {
	case n := <-written:
		t.Fatalf("writer finished %d writes while every cell was busy", n)
	case <-time.After(20 * time.Millisecond):
	}

	c, _ := q.Dequeue()
	q.Release(c)
	if n := <-written; n != 3 {
		t.Fatalf("wrote %d, want 3", n)
	}
}

func TestPeekDiscard(t *testing.T) {
	t.Parallel()
	q, err := New(bytes.NewReader([]byte("xyz")), Options{Cells: 4, CellSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	<-q.Done()

	c, ok := q.Peek()
	if !ok || string(c.Buffer) != "x" {
		t.Fatalf("Peek() = %v, %v", c, ok)
	}
	if q.Len() != 3 {
		t.Fatalf("Len() = %d after Peek, want 3", q.Len())
	}
	if !q.Discard() {
		t.Fatal("Discard() = false")
	}
	tag, ok := q.Front()
	if !ok || tag != 2 {
		t.Fatalf("Front() = %d, %v, want 2, true", tag, ok)
	}
	if st := q.Stats(); st.Dropped != 1 {
		t.Fatalf("Dropped = %d, want 1", st.Dropped)
	}
}

func TestFlush(t *testing.T) {
	t.Parallel()
	q, err := New(bytes.NewReader(make([]byte, 12)), Options{Cells: 4, CellSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	<-q.Done()

	if n := q.Flush(); n != 3 {
		t.Fatalf("Flush() = %d, want 3", n)
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatal("queue not empty after flush")
	}
	if st := q.Stats(); st.Free != 4 {
		t.Fatalf("Free = %d, want 4", st.Free)
	}
}

func TestVariableCells(t *testing.T) {
	t.Parallel()
	pr, pw := io.Pipe()
	q, err := New(pr, Options{Cells: 4, CellSize: 64, Variable: true})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	go func() {
		pw.Write([]byte("short"))
		pw.Write([]byte("a somewhat longer chunk"))
		pw.Close()
	}()

	<-q.Done()
	for _, want := range []string{"short", "a somewhat longer chunk"} {
		c, ok := q.Dequeue()
		if !ok {
			t.Fatal("queue empty")
		}
		if got := string(c.Buffer); got != want {
			t.Fatalf("cell = %q, want %q", got, want)
		}
		q.Release(c)
	}
}

func TestCustomReadTags(t *testing.T) {
	t.Parallel()
	// Each record is an 8-byte pts followed by a 4-byte payload.
	var stream bytes.Buffer
	for _, pts := range []int64{40, 80, 120} {
		binary.Write(&stream, binary.LittleEndian, pts)
		stream.WriteString("data")
	}
	read := func(_ context.Context, src io.Reader, dst []byte) (int, int64, error) {
		var pts int64
		if err := binary.Read(src, binary.LittleEndian, &pts); err != nil {
			return 0, 0, err
		}
		n, err := io.ReadFull(src, dst[:4])
		return n, pts, err
	}
	q, err := New(&stream, Options{Cells: 4, CellSize: 16, Read: read})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	<-q.Done()

	for _, want := range []int64{40, 80, 120} {
		c, ok := q.Dequeue()
		if !ok {
			t.Fatal("queue empty")
		}
		if c.Tag != want {
			t.Fatalf("tag = %d, want %d", c.Tag, want)
		}
		q.Release(c)
	}
}

func TestReadErrorReported(t *testing.T) {
	t.Parallel()
	boom := errors.New("device lost")
	pr, pw := io.Pipe()
	q, err := New(pr, Options{Cells: 2, CellSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	pw.CloseWithError(boom)
	<-q.Done()
	if !errors.Is(q.Err(), boom) {
		t.Fatalf("Err() = %v, want %v", q.Err(), boom)
	}
	if q.Alive() {
		t.Fatal("queue still alive after read error")
	}
}

func TestCloseUnblocksReader(t *testing.T) {
	t.Parallel()
	pr, _ := io.Pipe()
	q, err := New(pr, Options{Cells: 2, CellSize: 4})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		q.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second Close() = %v", err)
	}
	if q.Err() != nil {
		t.Fatalf("Err() = %v after Close, want nil", q.Err())
	}
}

func TestRemaining(t *testing.T) {
	t.Parallel()
	c := Cell{Buffer: []byte("abcdef")}
	c.Offset = 4
	if got := string(c.Remaining()); got != "ef" {
		t.Fatalf("Remaining() = %q, want %q", got, "ef")
	}
	c.Offset = 6
	if c.Remaining() != nil {
		t.Fatal("Remaining() should be nil when drained")
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	if _, err := New(nil, Options{CellSize: 4}); err == nil {
		t.Fatal("expected error for nil source")
	}
	if _, err := New(bytes.NewReader(nil), Options{}); err == nil {
		t.Fatal("expected error for zero cell size")
	}
}
