package shm

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

// Header word offsets. Every field is a naturally aligned 32- or 64-bit word
// accessed atomically, since both processes touch the header concurrently.
const (
	offMagic      = 0
	offVersion    = 4
	offCookie     = 8
	offParentPID  = 12
	offDMS        = 16
	offReady      = 20
	offResized    = 24
	offVReady     = 28
	offAReady     = 32
	offLoop       = 36
	offStorageW   = 40
	offStorageH   = 44
	offDisplayW   = 48
	offDisplayH   = 52
	offSampleRate = 56
	offChannels   = 60
	offVPTS       = 64
	offAPTS       = 72
	offABufUsed   = 80
	offSegSize    = 84
)

// Integrity errors reported by [Header.Verify].
var (
	ErrBadMagic    = errors.New("shm: bad magic")
	ErrBadVersion  = errors.New("shm: version mismatch")
	ErrBadCookie   = errors.New("shm: layout cookie mismatch")
	ErrDeadSwitch  = errors.New("shm: dead man's switch released")
	ErrSegmentSize = errors.New("shm: segment size mismatch")
)

// Header is a view over the first HeaderSize bytes of a segment.
type Header struct {
	mem []byte
}

// NewHeader returns a header view over mem, which must be at least
// ControlSize bytes and 8-byte aligned.
func NewHeader(mem []byte) Header {
	_ = mem[ControlSize-1]
	return Header{mem: mem}
}

func (h Header) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&h.mem[off]))
}

func (h Header) dword(off int) *int64 {
	return (*int64)(unsafe.Pointer(&h.mem[off]))
}

func (h Header) load(off int) uint32     { return atomic.LoadUint32(h.word(off)) }
func (h Header) store(off int, v uint32) { atomic.StoreUint32(h.word(off), v) }

func (h Header) flag(off int) bool { return h.load(off) != 0 }

func (h Header) setFlag(off int, v bool) {
	var w uint32
	if v {
		w = 1
	}
	h.store(off, w)
}

// Init stamps a fresh header: magic, version, cookie, parent pid, the
// placeholder storage size and an armed dead man's switch.
func (h Header) Init(parentPID int, segSize int, loop bool) {
	clear(h.mem[:ControlSize])
	h.store(offVersion, VersionMajor<<16|VersionMinor)
	h.store(offCookie, Cookie)
	h.store(offParentPID, uint32(parentPID))
	h.store(offSegSize, uint32(segSize))
	h.setFlag(offLoop, loop)
	h.store(offStorageW, PlaceholderDimension)
	h.store(offStorageH, PlaceholderDimension)
	h.store(offDisplayW, PlaceholderDimension)
	h.store(offDisplayH, PlaceholderDimension)
	h.setFlag(offDMS, true)
	// Magic last: a child polling for it sees a complete header.
	h.store(offMagic, Magic)
}

// Verify checks magic, version, layout cookie and the dead man's switch.
func (h Header) Verify() error {
	if h.load(offMagic) != Magic {
		return ErrBadMagic
	}
	if h.load(offVersion)>>16 != VersionMajor {
		return ErrBadVersion
	}
	if h.load(offCookie) != Cookie {
		return ErrBadCookie
	}
	if !h.flag(offDMS) {
		return ErrDeadSwitch
	}
	return nil
}

// Corrupt invalidates the magic word, making every later Verify fail.
func (h Header) Corrupt() { h.store(offMagic, 0) }

func (h Header) ParentPID() int   { return int(h.load(offParentPID)) }
func (h Header) SegmentSize() int { return int(h.load(offSegSize)) }
func (h Header) Loop() bool       { return h.flag(offLoop) }

func (h Header) DMS() bool       { return h.flag(offDMS) }
func (h Header) SetDMS(v bool)   { h.setFlag(offDMS, v) }
func (h Header) Ready() bool     { return h.flag(offReady) }
func (h Header) SetReady(v bool) { h.setFlag(offReady, v) }

func (h Header) Resized() bool     { return h.flag(offResized) }
func (h Header) SetResized(v bool) { h.setFlag(offResized, v) }

func (h Header) VReady() bool     { return h.flag(offVReady) }
func (h Header) SetVReady(v bool) { h.setFlag(offVReady, v) }
func (h Header) AReady() bool     { return h.flag(offAReady) }
func (h Header) SetAReady(v bool) { h.setFlag(offAReady, v) }

// StorageSize is the size of the frames the child writes.
func (h Header) StorageSize() (w, hgt int) {
	return int(h.load(offStorageW)), int(h.load(offStorageH))
}

func (h Header) SetStorageSize(w, hgt int) {
	h.store(offStorageW, uint32(w))
	h.store(offStorageH, uint32(hgt))
}

// DisplaySize is the size the child wants its frames presented at.
func (h Header) DisplaySize() (w, hgt int) {
	return int(h.load(offDisplayW)), int(h.load(offDisplayH))
}

func (h Header) SetDisplaySize(w, hgt int) {
	h.store(offDisplayW, uint32(w))
	h.store(offDisplayH, uint32(hgt))
}

// AudioFormat returns the negotiated samplerate and channel count; zero
// samplerate means the child produces no audio.
func (h Header) AudioFormat() (samplerate, channels int) {
	return int(h.load(offSampleRate)), int(h.load(offChannels))
}

func (h Header) SetAudioFormat(samplerate, channels int) {
	h.store(offSampleRate, uint32(samplerate))
	h.store(offChannels, uint32(channels))
}

func (h Header) VPTS() int64       { return atomic.LoadInt64(h.dword(offVPTS)) }
func (h Header) SetVPTS(pts int64) { atomic.StoreInt64(h.dword(offVPTS), pts) }
func (h Header) APTS() int64       { return atomic.LoadInt64(h.dword(offAPTS)) }
func (h Header) SetAPTS(pts int64) { atomic.StoreInt64(h.dword(offAPTS), pts) }

// ABufUsed is the number of valid bytes in the audio buffer.
func (h Header) ABufUsed() int     { return int(h.load(offABufUsed)) }
func (h Header) SetABufUsed(n int) { h.store(offABufUsed, uint32(n)) }

// ChildQueue returns the region of the queue the child writes into.
func ChildQueue(mem []byte) []byte {
	return mem[ChildQueueOffset : ChildQueueOffset+QueueRegionSize]
}

// ParentQueue returns the region of the queue the parent writes into.
func ParentQueue(mem []byte) []byte {
	return mem[ParentQueueOffset : ParentQueueOffset+QueueRegionSize]
}
