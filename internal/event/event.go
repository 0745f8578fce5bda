package event

import (
	"bytes"
	"fmt"
	"math/bits"
)

// Category is a single-bit event class. Consumers filter with a bitwise AND
// against a mask built from several categories.
type Category uint32

// Event categories.
const (
	CategoryIO          Category = 1 << 0
	CategoryVideo       Category = 1 << 1
	CategoryAudio       Category = 1 << 2
	CategoryTarget      Category = 1 << 3
	CategoryFrameserver Category = 1 << 4
	CategoryExternal    Category = 1 << 5
	CategoryNet         Category = 1 << 6
	CategorySystem      Category = 1 << 7
	CategoryTimer       Category = 1 << 8

	// CategoryAll matches every recognized category.
	CategoryAll = CategoryIO | CategoryVideo | CategoryAudio | CategoryTarget |
		CategoryFrameserver | CategoryExternal | CategoryNet | CategorySystem | CategoryTimer
)

// Valid reports whether c is exactly one recognized category bit.
func (c Category) Valid() bool {
	return c != 0 && c&^CategoryAll == 0 && bits.OnesCount32(uint32(c)) == 1
}

func (c Category) String() string {
	switch c {
	case CategoryIO:
		return "io"
	case CategoryVideo:
		return "video"
	case CategoryAudio:
		return "audio"
	case CategoryTarget:
		return "target"
	case CategoryFrameserver:
		return "frameserver"
	case CategoryExternal:
		return "external"
	case CategoryNet:
		return "net"
	case CategorySystem:
		return "system"
	case CategoryTimer:
		return "timer"
	}
	return fmt.Sprintf("category(%#x)", uint32(c))
}

// Kind values are bit flags scoped to their category so that PollMasked can
// match several kinds with one mask.
const (
	KindIOButtonPress   uint32 = 1 << 0
	KindIOButtonRelease uint32 = 1 << 1
	KindIOMotion        uint32 = 1 << 2
	KindIOKeyPress      uint32 = 1 << 3
	KindIOKeyRelease    uint32 = 1 << 4
	KindIOAnalog        uint32 = 1 << 5
)

const (
	KindVideoExpire  uint32 = 1 << 0
	KindVideoMoved   uint32 = 1 << 1
	KindVideoResized uint32 = 1 << 2
)

const (
	KindAudioPlaybackFinished uint32 = 1 << 0
	KindAudioObjectGone       uint32 = 1 << 1
	KindAudioBufferUnderrun   uint32 = 1 << 2
)

// Target kinds are commands sent from the engine to a frameserver.
const (
	KindTargetPause   uint32 = 1 << 0
	KindTargetUnpause uint32 = 1 << 1
	KindTargetExit    uint32 = 1 << 2
	KindTargetSeek    uint32 = 1 << 3
	KindTargetReset   uint32 = 1 << 4
)

// Frameserver kinds are lifecycle notifications surfaced to collaborators.
const (
	KindFrameserverResized    uint32 = 1 << 0
	KindFrameserverTerminated uint32 = 1 << 1
	KindFrameserverLooped     uint32 = 1 << 2
)

const (
	KindExternalNotice     uint32 = 1 << 0
	KindExternalIdent      uint32 = 1 << 1
	KindExternalStreamInfo uint32 = 1 << 2
	KindExternalFailure    uint32 = 1 << 3
	KindExternalStreamEnd  uint32 = 1 << 4
)

const (
	KindNetConnected    uint32 = 1 << 0
	KindNetDisconnected uint32 = 1 << 1
	KindNetMessage      uint32 = 1 << 2
)

const (
	KindSystemExit uint32 = 1 << 0
)

const (
	KindTimerTick uint32 = 1 << 0
)

// LabelSize is the fixed length of an event label.
const LabelSize = 16

// PayloadSize is the fixed length of the payload area.
const PayloadSize = 96

// Event is the unit exchanged through every event queue. Source identifies
// the frameserver session (or network peer) an EXTERNAL/NET/FRAMESERVER
// event belongs to; for events arriving from a child it is always rewritten
// by the receiving side.
type Event struct {
	Category  Category
	Kind      uint32
	Label     [LabelSize]byte
	Tickstamp uint32
	Source    int32
	Data      [PayloadSize]byte
}

// New returns an event of the given category and kind with an empty payload.
func New(cat Category, kind uint32) Event {
	return Event{Category: cat, Kind: kind}
}

// SetLabel copies s into the label, truncating it to LabelSize bytes.
func (e *Event) SetLabel(s string) {
	e.Label = [LabelSize]byte{}
	copy(e.Label[:], s)
}

// LabelString returns the label up to its first NUL byte.
func (e *Event) LabelString() string {
	if i := bytes.IndexByte(e.Label[:], 0); i >= 0 {
		return string(e.Label[:i])
	}
	return string(e.Label[:])
}

// Matches reports whether the event's category intersects mask.
func (e *Event) Matches(mask Category) bool {
	return e.Category&mask != 0
}

func (e Event) String() string {
	return fmt.Sprintf("%s:%#x src=%d tick=%d", e.Category, e.Kind, e.Source, e.Tickstamp)
}
