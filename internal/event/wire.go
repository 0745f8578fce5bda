package event

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/quic-go/quic-go/quicvarint"
)

// MaxFrameSize bounds the body of a packed event. A well-formed event never
// comes close; anything larger is treated as a corrupt or hostile stream.
const MaxFrameSize = 1024

// Pack serializes ev for transmission over a socket.
//
// Wire format: [body_length (varint)] [body], where body is
// [category (varint)] [kind (varint)] [label (varint-length bytes)]
// [tickstamp (varint)] [source (zigzag varint)] [payload (varint-length bytes)]
// followed by zero padding. Label and payload are sent without trailing NULs.
// When pad > 0 the body is zero-padded so the whole frame is at least pad
// bytes, which lets datagram transports send fixed-size units.
func Pack(ev Event, pad int) []byte {
	var body []byte
	body = quicvarint.Append(body, uint64(ev.Category))
	body = quicvarint.Append(body, uint64(ev.Kind))
	body = appendVarIntBytes(body, bytes.TrimRight(ev.Label[:], "\x00"))
	body = quicvarint.Append(body, uint64(ev.Tickstamp))
	body = quicvarint.Append(body, zigzag(ev.Source))
	body = appendVarIntBytes(body, bytes.TrimRight(ev.Data[:], "\x00"))

	for pad > 0 && quicvarint.Len(uint64(len(body)))+len(body) < pad {
		body = append(body, 0)
	}

	buf := make([]byte, 0, quicvarint.Len(uint64(len(body)))+len(body))
	buf = quicvarint.Append(buf, uint64(len(body)))
	return append(buf, body...)
}

// Unpack decodes one packed event from the start of b and returns it along
// with the number of bytes consumed, padding included.
func Unpack(b []byte) (Event, int, error) {
	length, n, err := quicvarint.Parse(b)
	if err != nil {
		return Event{}, 0, &ParseError{Field: "length", Err: err}
	}
	if length > MaxFrameSize {
		return Event{}, 0, &ParseError{Field: "length", Err: ErrFrameTooLarge}
	}
	end := n + int(length)
	if end > len(b) {
		return Event{}, 0, &ParseError{Field: "body", Err: io.ErrUnexpectedEOF}
	}
	ev, err := parseBody(b[n:end])
	if err != nil {
		return Event{}, 0, err
	}
	return ev, end, nil
}

func parseBody(body []byte) (Event, error) {
	r := newBufReader(body)
	var ev Event

	cat, err := r.readVarint()
	if err != nil {
		return ev, &ParseError{Field: "category", Err: err}
	}
	if cat > math.MaxUint32 {
		return ev, &ParseError{Field: "category", Err: ErrInvalidCategory}
	}
	ev.Category = Category(cat)
	if !ev.Category.Valid() {
		return ev, &ParseError{Field: "category", Err: ErrInvalidCategory}
	}

	kind, err := r.readVarint()
	if err != nil {
		return ev, &ParseError{Field: "kind", Err: err}
	}
	if kind > math.MaxUint32 {
		return ev, &ParseError{Field: "kind", Err: ErrValueRange}
	}
	ev.Kind = uint32(kind)

	label, err := r.readVarIntBytes()
	if err != nil {
		return ev, &ParseError{Field: "label", Err: err}
	}
	if len(label) > LabelSize {
		return ev, &ParseError{Field: "label", Err: fmt.Errorf("length %d exceeds %d", len(label), LabelSize)}
	}
	copy(ev.Label[:], label)

	tick, err := r.readVarint()
	if err != nil {
		return ev, &ParseError{Field: "tickstamp", Err: err}
	}
	if tick > math.MaxUint32 {
		return ev, &ParseError{Field: "tickstamp", Err: ErrValueRange}
	}
	ev.Tickstamp = uint32(tick)

	src, err := r.readVarint()
	if err != nil {
		return ev, &ParseError{Field: "source", Err: err}
	}
	if src > math.MaxUint32 {
		return ev, &ParseError{Field: "source", Err: ErrValueRange}
	}
	ev.Source = unzigzag(src)

	data, err := r.readVarIntBytes()
	if err != nil {
		return ev, &ParseError{Field: "payload", Err: err}
	}
	if len(data) > PayloadSize {
		return ev, &ParseError{Field: "payload", Err: fmt.Errorf("length %d exceeds %d", len(data), PayloadSize)}
	}
	copy(ev.Data[:], data)

	// Remaining bytes are padding.
	return ev, nil
}

// WriteEvent writes one packed event to w as a single Write call.
func WriteEvent(w io.Writer, ev Event) error {
	_, err := w.Write(Pack(ev, 0))
	return err
}

// Decoder reads a stream of packed events. It buffers the underlying reader,
// so one Decoder must be used for the lifetime of the stream.
type Decoder struct {
	br *bufio.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	if br, ok := r.(*bufio.Reader); ok {
		return &Decoder{br: br}
	}
	return &Decoder{br: bufio.NewReader(r)}
}

// Decode reads the next event. It returns io.EOF only on a clean frame
// boundary.
func (d *Decoder) Decode() (Event, error) {
	length, err := quicvarint.Read(d.br)
	if err != nil {
		if err == io.EOF {
			return Event{}, io.EOF
		}
		return Event{}, fmt.Errorf("read event length: %w", err)
	}
	if length > MaxFrameSize {
		return Event{}, &ParseError{Field: "length", Err: ErrFrameTooLarge}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(d.br, body); err != nil {
		return Event{}, fmt.Errorf("read event body: %w", err)
	}
	return parseBody(body)
}

func zigzag(v int32) uint64 {
	return uint64(uint32((v << 1) ^ (v >> 31)))
}

func unzigzag(v uint64) int32 {
	u := uint32(v)
	return int32(u>>1) ^ -int32(u&1)
}

// appendVarIntBytes appends a varint-length-prefixed byte string to buf.
func appendVarIntBytes(buf []byte, data []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(data)))
	buf = append(buf, data...)
	return buf
}

// bufReader wraps a byte slice for sequential varint/byte reading.
type bufReader struct {
	data []byte
	pos  int
}

func newBufReader(data []byte) *bufReader {
	return &bufReader{data: data}
}

func (b *bufReader) readVarint() (uint64, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	val, n, err := quicvarint.Parse(b.data[b.pos:])
	if err != nil {
		return 0, err
	}
	b.pos += n
	return val, nil
}

func (b *bufReader) readVarIntBytes() ([]byte, error) {
	length, err := b.readVarint()
	if err != nil {
		return nil, err
	}
	end := b.pos + int(length)
	if end > len(b.data) || end < b.pos {
		return nil, io.ErrUnexpectedEOF
	}
	val := b.data[b.pos:end]
	b.pos = end
	return val, nil
}
