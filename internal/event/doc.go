// Package event defines the fixed-layout [Event] record that travels between
// the engine and its frameservers, together with its two encodings: the
// 128-byte slot layout used inside shared-memory event queues
// ([EncodeSlot], [DecodeSlot]) and the varint-framed socket encoding used to
// forward NET and EXTERNAL events between hosts ([Pack], [Unpack],
// [WriteEvent], [ReadEvent]).
//
// Events are plain values with no owned pointers, so copying one is always a
// full copy of its payload.
package event
