//go:build !linux

package shm

// DefaultDir is unused off Linux.
const DefaultDir = ""

// Native is unavailable on this platform; every method returns
// ErrUnsupported. Use Memory instead.
type Native struct {
	Dir string
}

func NewNative(dir string) *Native { return &Native{Dir: dir} }

func (n *Native) CreateSegment(string, int) (Segment, error)        { return nil, ErrUnsupported }
func (n *Native) MapSegment(string) (Segment, error)                { return nil, ErrUnsupported }
func (n *Native) RemoveSegment(string) error                        { return ErrUnsupported }
func (n *Native) CreateSemaphore(string, uint32) (Semaphore, error) { return nil, ErrUnsupported }
func (n *Native) OpenSemaphore(string) (Semaphore, error)           { return nil, ErrUnsupported }
func (n *Native) RemoveSemaphore(string) error                      { return ErrUnsupported }
