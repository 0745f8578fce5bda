package shm

import (
	"encoding/binary"
	"fmt"

	"github.com/zsiec/fsrv/internal/event"
)

// Protocol version carried in the header. A child refuses to attach to a
// segment with a different major version.
const (
	VersionMajor = 1
	VersionMinor = 0
)

// Magic identifies a frameserver segment ("FSRV").
const Magic uint32 = 0x56525346

// Fixed geometry of the control area.
const (
	// HeaderSize is the size of the atomic header at offset 0.
	HeaderSize = 128

	// QueueCapacity is the slot count of each shared event queue. One slot
	// is always left free, so at most QueueCapacity-1 events are pending.
	QueueCapacity = 32

	// QueueRegionSize is the size of one queue region: front and back
	// indices (u32 each) followed by the slots, padded to 64 bytes.
	QueueRegionSize = (8 + QueueCapacity*event.SlotSize + 63) &^ 63

	// ChildQueueOffset holds events written by the child for the parent.
	ChildQueueOffset = HeaderSize

	// ParentQueueOffset holds events written by the parent for the child.
	ParentQueueOffset = ChildQueueOffset + QueueRegionSize

	// ControlSize is the size of header plus both queue regions; the video
	// buffer starts here.
	ControlSize = ParentQueueOffset + QueueRegionSize
)

// Buffer geometry.
const (
	BytesPerPixel   = 4
	AudioBufferSize = 64 * 1024
	MaxDimension    = 8192
	MaxSampleRate   = 192000
	MaxChannels     = 8

	// PlaceholderDimension is the storage size a segment starts with, before
	// the child has negotiated its real dimensions.
	PlaceholderDimension = 32

	// DefaultSegmentSize fits a 1920x1080 frame plus the audio buffer.
	DefaultSegmentSize = 8 << 20
)

// Layout describes where the video and audio buffers live for a given set
// of storage dimensions.
type Layout struct {
	Width       int
	Height      int
	VideoOffset int
	VideoSize   int
	AudioOffset int
	AudioSize   int
}

// End returns the first byte past the audio buffer.
func (l Layout) End() int {
	return l.AudioOffset + l.AudioSize
}

// ComputeLayout returns the buffer layout for a width x height frame. It does
// not check the result against a segment size; use [Layout.Validate].
func ComputeLayout(width, height int) Layout {
	l := Layout{
		Width:       width,
		Height:      height,
		VideoOffset: ControlSize,
		VideoSize:   width * height * BytesPerPixel,
	}
	l.AudioOffset = align64(l.VideoOffset + l.VideoSize)
	l.AudioSize = AudioBufferSize
	return l
}

// Validate checks that the layout has sane dimensions and fits a segment of
// segSize bytes.
func (l Layout) Validate(segSize int) error {
	if l.Width <= 0 || l.Height <= 0 || l.Width > MaxDimension || l.Height > MaxDimension {
		return fmt.Errorf("shm: invalid dimensions %dx%d", l.Width, l.Height)
	}
	if l.End() > segSize {
		return fmt.Errorf("shm: %dx%d needs %d bytes, segment has %d", l.Width, l.Height, l.End(), segSize)
	}
	return nil
}

// Cookie is a checksum over the layout constants. It is stamped into every
// header by the parent and verified by both sides, so a child built against
// a different layout is detected before it writes anything.
var Cookie = layoutCookie()

func layoutCookie() uint32 {
	fields := []uint32{
		VersionMajor, HeaderSize, QueueCapacity, event.SlotSize,
		ChildQueueOffset, ParentQueueOffset, ControlSize,
		BytesPerPixel, AudioBufferSize,
		offDMS, offResized, offVReady, offAReady, offVPTS, offABufUsed,
	}
	buf := make([]byte, 4*len(fields))
	for i, f := range fields {
		binary.BigEndian.PutUint32(buf[i*4:], f)
	}
	return checksum(buf)
}

func align64(n int) int {
	return (n + 63) &^ 63
}

// MPEG-2 CRC32 with polynomial 0x04C11DB7.
var crcTable = func() (t [256]uint32) {
	for i := range t {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}()

func checksum(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc = (crc << 8) ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}
