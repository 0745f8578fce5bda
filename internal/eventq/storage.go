package eventq

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/zsiec/fsrv/internal/event"
)

// Storage holds a queue's slots and its front/back indices. Index reads and
// writes are atomic so the emptiness check in Poll can run unlocked; slot
// access always happens under the queue's Syncer.
type Storage interface {
	Cap() int
	Front() int
	Back() int
	SetFront(i int)
	SetBack(i int)
	Load(i int) event.Event
	Store(i int, ev *event.Event)
}

// MemStorage keeps slots on the heap.
type MemStorage struct {
	slots []event.Event
	front atomic.Uint32
	back  atomic.Uint32
}

// NewMemStorage returns heap storage with capacity slots.
func NewMemStorage(capacity int) *MemStorage {
	if capacity < 2 {
		capacity = 2
	}
	return &MemStorage{slots: make([]event.Event, capacity)}
}

func (m *MemStorage) Cap() int                     { return len(m.slots) }
func (m *MemStorage) Front() int                   { return int(m.front.Load()) }
func (m *MemStorage) Back() int                    { return int(m.back.Load()) }
func (m *MemStorage) SetFront(i int)               { m.front.Store(uint32(i)) }
func (m *MemStorage) SetBack(i int)                { m.back.Store(uint32(i)) }
func (m *MemStorage) Load(i int) event.Event       { return m.slots[i] }
func (m *MemStorage) Store(i int, ev *event.Event) { m.slots[i] = *ev }

// ShmStorage lays a queue over a shared-memory region: front (u32) and back
// (u32) followed by fixed-size event slots.
type ShmStorage struct {
	region []byte
	n      int
}

// NewShmStorage wraps region, which must hold the two indices and at least
// two slots. The region is not cleared; a freshly initialized segment
// already has zero indices.
func NewShmStorage(region []byte) (*ShmStorage, error) {
	n := (len(region) - 8) / event.SlotSize
	if n < 2 {
		return nil, fmt.Errorf("eventq: region of %d bytes holds %d slots", len(region), n)
	}
	return &ShmStorage{region: region, n: n}, nil
}

func (s *ShmStorage) index(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.region[off]))
}

func (s *ShmStorage) slot(i int) []byte {
	off := 8 + i*event.SlotSize
	return s.region[off : off+event.SlotSize]
}

func (s *ShmStorage) Cap() int { return s.n }

// Indices come from another process, so they are clamped into range before
// use; a hostile child can garble its own queue but not index outside it.
func (s *ShmStorage) Front() int { return int(atomic.LoadUint32(s.index(0))) % s.n }
func (s *ShmStorage) Back() int  { return int(atomic.LoadUint32(s.index(4))) % s.n }

func (s *ShmStorage) SetFront(i int) { atomic.StoreUint32(s.index(0), uint32(i)) }
func (s *ShmStorage) SetBack(i int)  { atomic.StoreUint32(s.index(4), uint32(i)) }

func (s *ShmStorage) Load(i int) event.Event       { return event.DecodeSlot(s.slot(i)) }
func (s *ShmStorage) Store(i int, ev *event.Event) { event.EncodeSlot(s.slot(i), ev) }
