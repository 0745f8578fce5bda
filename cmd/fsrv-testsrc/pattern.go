package main

import (
	"encoding/binary"
	"math"
)

// barColors are the classic 75% colour bars, RGBA.
var barColors = [...][4]byte{
	{191, 191, 191, 255},
	{191, 191, 0, 255},
	{0, 191, 191, 255},
	{0, 191, 0, 255},
	{191, 0, 191, 255},
	{191, 0, 0, 255},
	{0, 0, 191, 255},
}

// drawBars fills an RGBA frame with vertical colour bars shifted left by
// offset pixels.
func drawBars(frame []byte, w, h, offset int) {
	if w <= 0 {
		return
	}
	for x := 0; x < w; x++ {
		c := barColors[((x+offset)%w)*len(barColors)/w]
		for y := 0; y < h; y++ {
			copy(frame[(y*w+x)*4:], c[:])
		}
	}
}

// drawGradient fills an RGBA frame with a diagonal gradient whose phase
// moves with offset.
func drawGradient(frame []byte, w, h, offset int) {
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 4
			frame[i] = byte(x + offset)
			frame[i+1] = byte(y + offset)
			frame[i+2] = byte(x + y)
			frame[i+3] = 255
		}
	}
}

// tone fills buf with interleaved signed 16-bit little-endian samples of a
// sine at freq Hz, the same value on every channel. It returns the phase to
// continue from.
func tone(buf []byte, samplerate, channels int, freq, phase float64) float64 {
	if samplerate <= 0 || channels <= 0 {
		return phase
	}
	step := 2 * math.Pi * freq / float64(samplerate)
	frame := 2 * channels
	for i := 0; i+frame <= len(buf); i += frame {
		v := int16(math.Sin(phase) * 0.25 * math.MaxInt16)
		for c := 0; c < channels; c++ {
			binary.LittleEndian.PutUint16(buf[i+2*c:], uint16(v))
		}
		phase += step
		if phase > 2*math.Pi {
			phase -= 2 * math.Pi
		}
	}
	return phase
}
