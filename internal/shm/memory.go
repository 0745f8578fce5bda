package shm

import (
	"errors"
	"sync"
	"time"
	"unsafe"
)

// Memory is an in-process Platform. Segments are heap buffers shared by
// every caller that maps the same key, and semaphores are channels, so a
// parent and a child running as goroutines see exactly what two processes
// would see through a real segment.
type Memory struct {
	mu   sync.Mutex
	segs map[string][]byte
	sems map[string]*memSemaphore
}

// NewMemory returns an empty in-process platform.
func NewMemory() *Memory {
	return &Memory{
		segs: make(map[string][]byte),
		sems: make(map[string]*memSemaphore),
	}
}

func (m *Memory) CreateSegment(key string, size int) (Segment, error) {
	if !validKey(key) || size <= 0 {
		return nil, ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.segs[key]; ok {
		return nil, ErrExists
	}
	// Back the buffer with uint64s so header words are 8-byte aligned.
	words := make([]uint64, (size+7)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	m.segs[key] = mem
	return &memSegment{key: key, mem: mem}, nil
}

func (m *Memory) MapSegment(key string) (Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.segs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &memSegment{key: key, mem: mem}, nil
}

func (m *Memory) RemoveSegment(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.segs[key]; !ok {
		return ErrNotFound
	}
	delete(m.segs, key)
	return nil
}

func (m *Memory) CreateSemaphore(name string, value uint32) (Semaphore, error) {
	if !validKey(name) {
		return nil, ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sems[name]; ok {
		return nil, ErrExists
	}
	s := &memSemaphore{ch: make(chan struct{}, memSemaphoreMax)}
	for i := uint32(0); i < value; i++ {
		s.ch <- struct{}{}
	}
	m.sems[name] = s
	return s, nil
}

func (m *Memory) OpenSemaphore(name string) (Semaphore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sems[name]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *Memory) RemoveSemaphore(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sems[name]; !ok {
		return ErrNotFound
	}
	delete(m.sems, name)
	return nil
}

// Objects returns the number of live segments and semaphores.
func (m *Memory) Objects() (segments, semaphores int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.segs), len(m.sems)
}

type memSegment struct {
	key string
	mem []byte
}

func (s *memSegment) Key() string   { return s.key }
func (s *memSegment) Bytes() []byte { return s.mem }
func (s *memSegment) Close() error  { return nil }

const memSemaphoreMax = 1 << 12

var errSemaphoreOverflow = errors.New("shm: semaphore count overflow")

type memSemaphore struct {
	ch chan struct{}
}

func (s *memSemaphore) Wait(timeout time.Duration) error {
	if timeout < 0 {
		<-s.ch
		return nil
	}
	select {
	case <-s.ch:
		return nil
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.ch:
		return nil
	case <-t.C:
		return ErrTimeout
	}
}

func (s *memSemaphore) TryWait() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

func (s *memSemaphore) Post() error {
	select {
	case s.ch <- struct{}{}:
		return nil
	default:
		return errSemaphoreOverflow
	}
}

func (s *memSemaphore) Close() error { return nil }
