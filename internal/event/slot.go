package event

import "encoding/binary"

// SlotSize is the size of one event slot in a shared-memory queue.
//
// Slot layout (little endian):
//
//	0   category  u32
//	4   kind      u32
//	8   label     [16]byte
//	24  tickstamp u32
//	28  source    i32
//	32  payload   [96]byte
const SlotSize = 32 + PayloadSize

// EncodeSlot writes ev into dst, which must be at least SlotSize bytes.
func EncodeSlot(dst []byte, ev *Event) {
	_ = dst[SlotSize-1]
	binary.LittleEndian.PutUint32(dst[0:], uint32(ev.Category))
	binary.LittleEndian.PutUint32(dst[4:], ev.Kind)
	copy(dst[8:24], ev.Label[:])
	binary.LittleEndian.PutUint32(dst[24:], ev.Tickstamp)
	binary.LittleEndian.PutUint32(dst[28:], uint32(ev.Source))
	copy(dst[32:SlotSize], ev.Data[:])
}

// DecodeSlot reads an event from src, which must be at least SlotSize bytes.
func DecodeSlot(src []byte) Event {
	_ = src[SlotSize-1]
	var ev Event
	ev.Category = Category(binary.LittleEndian.Uint32(src[0:]))
	ev.Kind = binary.LittleEndian.Uint32(src[4:])
	copy(ev.Label[:], src[8:24])
	ev.Tickstamp = binary.LittleEndian.Uint32(src[24:])
	ev.Source = int32(binary.LittleEndian.Uint32(src[28:]))
	copy(ev.Data[:], src[32:SlotSize])
	return ev
}
