package shm

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Platform errors.
var (
	ErrTimeout     = errors.New("shm: semaphore wait timed out")
	ErrExists      = errors.New("shm: object already exists")
	ErrNotFound    = errors.New("shm: no such object")
	ErrInvalidKey  = errors.New("shm: invalid key")
	ErrUnsupported = errors.New("shm: platform not supported")
)

// Segment is a mapped shared-memory region.
type Segment interface {
	Key() string
	Bytes() []byte
	// Close unmaps the region. It does not remove the name.
	Close() error
}

// Semaphore is a named counting semaphore shared between processes.
type Semaphore interface {
	// Wait decrements the count, blocking while it is zero. A negative
	// timeout waits forever; otherwise ErrTimeout is returned once it
	// elapses.
	Wait(timeout time.Duration) error
	// TryWait decrements the count if it is positive and reports whether it
	// did.
	TryWait() bool
	Post() error
	Close() error
}

// Platform creates and opens the named OS objects a session needs.
type Platform interface {
	CreateSegment(key string, size int) (Segment, error)
	MapSegment(key string) (Segment, error)
	RemoveSegment(key string) error
	CreateSemaphore(name string, value uint32) (Semaphore, error)
	OpenSemaphore(name string) (Semaphore, error)
	RemoveSemaphore(name string) error
}

// Semaphore suffixes appended to a segment key.
const (
	SuffixVideo = "v"
	SuffixAudio = "a"
	SuffixEvent = "e"
)

// SemaphoreNames returns the video, audio and event semaphore names for a
// segment key.
func SemaphoreNames(key string) (video, audio, ev string) {
	return key + SuffixVideo, key + SuffixAudio, key + SuffixEvent
}

// NewKey generates a fresh segment key.
func NewKey() string {
	id := uuid.New()
	return "fsrv_" + strings.ReplaceAll(id.String(), "-", "")[:20]
}

func validKey(key string) bool {
	return key != "" && !strings.ContainsAny(key, "/\x00") && key != "." && key != ".."
}
