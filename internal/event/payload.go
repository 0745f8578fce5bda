package event

import (
	"bytes"
	"encoding/binary"
	"math"
)

// The payload area is a tagged union keyed by Category. Each typed view below
// reads or writes a fixed little-endian layout inside Event.Data.

// FrameserverData is the payload of CategoryFrameserver events.
type FrameserverData struct {
	Width   int32
	Height  int32
	AudioID uint32
	// Reason is a short code describing why a session ended.
	Reason uint32
}

// SetFrameserver stores d in the payload.
func (e *Event) SetFrameserver(d FrameserverData) {
	e.Data = [PayloadSize]byte{}
	binary.LittleEndian.PutUint32(e.Data[0:], uint32(d.Width))
	binary.LittleEndian.PutUint32(e.Data[4:], uint32(d.Height))
	binary.LittleEndian.PutUint32(e.Data[8:], d.AudioID)
	binary.LittleEndian.PutUint32(e.Data[12:], d.Reason)
}

// Frameserver decodes the payload as FrameserverData.
func (e *Event) Frameserver() FrameserverData {
	return FrameserverData{
		Width:   int32(binary.LittleEndian.Uint32(e.Data[0:])),
		Height:  int32(binary.LittleEndian.Uint32(e.Data[4:])),
		AudioID: binary.LittleEndian.Uint32(e.Data[8:]),
		Reason:  binary.LittleEndian.Uint32(e.Data[12:]),
	}
}

// IOData is the payload of CategoryIO events.
type IOData struct {
	DevID  int32
	SubID  int32
	Active bool
	Value  float32
}

// SetIO stores d in the payload.
func (e *Event) SetIO(d IOData) {
	e.Data = [PayloadSize]byte{}
	binary.LittleEndian.PutUint32(e.Data[0:], uint32(d.DevID))
	binary.LittleEndian.PutUint32(e.Data[4:], uint32(d.SubID))
	if d.Active {
		e.Data[8] = 1
	}
	binary.LittleEndian.PutUint32(e.Data[12:], math.Float32bits(d.Value))
}

// IO decodes the payload as IOData.
func (e *Event) IO() IOData {
	return IOData{
		DevID:  int32(binary.LittleEndian.Uint32(e.Data[0:])),
		SubID:  int32(binary.LittleEndian.Uint32(e.Data[4:])),
		Active: e.Data[8] != 0,
		Value:  math.Float32frombits(binary.LittleEndian.Uint32(e.Data[12:])),
	}
}

// AudioData is the payload of CategoryAudio events.
type AudioData struct {
	ID uint32
}

// SetAudio stores d in the payload.
func (e *Event) SetAudio(d AudioData) {
	e.Data = [PayloadSize]byte{}
	binary.LittleEndian.PutUint32(e.Data[0:], d.ID)
}

// Audio decodes the payload as AudioData.
func (e *Event) Audio() AudioData {
	return AudioData{ID: binary.LittleEndian.Uint32(e.Data[0:])}
}

// TargetData is the payload of CategoryTarget commands.
type TargetData struct {
	Values [4]int32
}

// SetTarget stores d in the payload.
func (e *Event) SetTarget(d TargetData) {
	e.Data = [PayloadSize]byte{}
	for i, v := range d.Values {
		binary.LittleEndian.PutUint32(e.Data[i*4:], uint32(v))
	}
}

// Target decodes the payload as TargetData.
func (e *Event) Target() TargetData {
	var d TargetData
	for i := range d.Values {
		d.Values[i] = int32(binary.LittleEndian.Uint32(e.Data[i*4:]))
	}
	return d
}

// SetMessage stores a NUL-terminated text message in the payload, as used by
// EXTERNAL and NET events. Messages longer than PayloadSize-1 are truncated.
func (e *Event) SetMessage(msg string) {
	e.Data = [PayloadSize]byte{}
	copy(e.Data[:PayloadSize-1], msg)
}

// Message returns the payload text up to its first NUL byte.
func (e *Event) Message() string {
	if i := bytes.IndexByte(e.Data[:], 0); i >= 0 {
		return string(e.Data[:i])
	}
	return string(e.Data[:])
}
