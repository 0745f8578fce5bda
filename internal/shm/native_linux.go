//go:build linux

package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultDir is where Native places its objects unless told otherwise.
const DefaultDir = "/dev/shm"

const (
	futexWait = 0
	futexWake = 1
)

// Native is the Linux Platform. Segments are files under Dir mapped
// MAP_SHARED; semaphores are 4-byte segments whose count is driven with
// futex(2), which works across processes because the word lives in a shared
// mapping.
type Native struct {
	Dir string
}

// NewNative returns a Native platform rooted at dir, or DefaultDir if dir is
// empty.
func NewNative(dir string) *Native {
	if dir == "" {
		dir = DefaultDir
	}
	return &Native{Dir: dir}
}

func (n *Native) path(key string) (string, error) {
	if !validKey(key) {
		return "", ErrInvalidKey
	}
	return filepath.Join(n.Dir, key), nil
}

func (n *Native) CreateSegment(key string, size int) (Segment, error) {
	p, err := n.path(key)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, fmt.Errorf("shm: invalid segment size %d", size)
	}
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrExists
		}
		return nil, fmt.Errorf("shm: create %s: %w", key, err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		os.Remove(p)
		return nil, fmt.Errorf("shm: truncate %s: %w", key, err)
	}
	return mapFile(key, f, size, p)
}

func (n *Native) MapSegment(key string) (Segment, error) {
	p, err := n.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("shm: open %s: %w", key, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("shm: stat %s: %w", key, err)
	}
	return mapFile(key, f, int(st.Size()), "")
}

func mapFile(key string, f *os.File, size int, cleanup string) (*nativeSegment, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		if cleanup != "" {
			os.Remove(cleanup)
		}
		return nil, fmt.Errorf("shm: mmap %s: %w", key, err)
	}
	return &nativeSegment{key: key, mem: mem}, nil
}

func (n *Native) RemoveSegment(key string) error {
	p, err := n.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("shm: remove %s: %w", key, err)
	}
	return nil
}

func (n *Native) CreateSemaphore(name string, value uint32) (Semaphore, error) {
	seg, err := n.CreateSegment(name, 8)
	if err != nil {
		return nil, err
	}
	s := newFutexSemaphore(seg.(*nativeSegment))
	atomic.StoreUint32(s.word, value)
	return s, nil
}

func (n *Native) OpenSemaphore(name string) (Semaphore, error) {
	seg, err := n.MapSegment(name)
	if err != nil {
		return nil, err
	}
	if len(seg.Bytes()) < 4 {
		seg.Close()
		return nil, fmt.Errorf("shm: semaphore %s is truncated", name)
	}
	return newFutexSemaphore(seg.(*nativeSegment)), nil
}

func (n *Native) RemoveSemaphore(name string) error {
	return n.RemoveSegment(name)
}

type nativeSegment struct {
	key string
	mem []byte
}

func (s *nativeSegment) Key() string   { return s.key }
func (s *nativeSegment) Bytes() []byte { return s.mem }

func (s *nativeSegment) Close() error {
	if s.mem == nil {
		return nil
	}
	err := unix.Munmap(s.mem)
	s.mem = nil
	return err
}

type futexSemaphore struct {
	seg  *nativeSegment
	word *uint32
}

func newFutexSemaphore(seg *nativeSegment) *futexSemaphore {
	return &futexSemaphore{seg: seg, word: (*uint32)(unsafe.Pointer(&seg.mem[0]))}
}

func (s *futexSemaphore) TryWait() bool {
	for {
		v := atomic.LoadUint32(s.word)
		if v == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(s.word, v, v-1) {
			return true
		}
	}
}

func (s *futexSemaphore) Wait(timeout time.Duration) error {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if s.TryWait() {
			return nil
		}
		if timeout < 0 {
			s.sleep(-1)
			continue
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return ErrTimeout
		}
		s.sleep(remain)
	}
}

// sleep blocks while the count is zero, for at most d (forever if d < 0).
// Spurious wakeups are fine: Wait re-checks the count and the deadline.
func (s *futexSemaphore) sleep(d time.Duration) {
	addr := uintptr(unsafe.Pointer(s.word))
	if d < 0 {
		unix.Syscall6(unix.SYS_FUTEX, addr, futexWait, 0, 0, 0, 0)
		return
	}
	ts := unix.NsecToTimespec(d.Nanoseconds())
	unix.Syscall6(unix.SYS_FUTEX, addr, futexWait, 0, uintptr(unsafe.Pointer(&ts)), 0, 0)
}

func (s *futexSemaphore) Post() error {
	atomic.AddUint32(s.word, 1)
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(unsafe.Pointer(s.word)), futexWake, 1, 0, 0, 0)
	if errno != 0 {
		return fmt.Errorf("shm: futex wake: %w", errno)
	}
	return nil
}

func (s *futexSemaphore) Close() error {
	return s.seg.Close()
}
