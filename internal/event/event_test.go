package event

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/quic-go/quic-go/quicvarint"
)

func testEvent() Event {
	ev := New(CategoryExternal, KindExternalIdent)
	ev.SetLabel("ident")
	ev.Tickstamp = 4242
	ev.Source = -17
	ev.SetMessage("decoder ready")
	return ev
}

func TestCategoryValid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		cat  Category
		want bool
	}{
		{CategoryIO, true},
		{CategoryTimer, true},
		{CategoryNet, true},
		{0, false},
		{CategoryIO | CategoryNet, false},
		{1 << 20, false},
	}
	for _, tt := range tests {
		if got := tt.cat.Valid(); got != tt.want {
			t.Errorf("%s.Valid() = %v, want %v", tt.cat, got, tt.want)
		}
	}
}

func TestLabelTruncates(t *testing.T) {
	t.Parallel()
	var ev Event
	ev.SetLabel("a-label-much-longer-than-sixteen")
	if got := ev.LabelString(); got != "a-label-much-lon" {
		t.Fatalf("label = %q, want %q", got, "a-label-much-lon")
	}
	ev.SetLabel("short")
	if got := ev.LabelString(); got != "short" {
		t.Fatalf("label = %q, want %q", got, "short")
	}
}

func TestFrameserverPayload(t *testing.T) {
	t.Parallel()
	ev := New(CategoryFrameserver, KindFrameserverResized)
	ev.SetFrameserver(FrameserverData{Width: 640, Height: -1, AudioID: 9, Reason: 3})
	got := ev.Frameserver()
	if got.Width != 640 || got.Height != -1 || got.AudioID != 9 || got.Reason != 3 {
		t.Fatalf("payload = %+v", got)
	}
}

func TestIOPayload(t *testing.T) {
	t.Parallel()
	ev := New(CategoryIO, KindIOAnalog)
	ev.SetIO(IOData{DevID: 2, SubID: 5, Active: true, Value: -0.5})
	got := ev.IO()
	if got.DevID != 2 || got.SubID != 5 || !got.Active || got.Value != -0.5 {
		t.Fatalf("payload = %+v", got)
	}
}

func TestSlotRoundTrip(t *testing.T) {
	t.Parallel()
	ev := testEvent()
	buf := make([]byte, SlotSize)
	EncodeSlot(buf, &ev)
	if got := DecodeSlot(buf); got != ev {
		t.Fatalf("slot round trip mismatch:\n got %+v\nwant %+v", got, ev)
	}
}

func TestPackUnpack(t *testing.T) {
	t.Parallel()
	ev := testEvent()
	b := Pack(ev, 0)

	got, n, err := Unpack(b)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(b) {
		t.Fatalf("consumed %d bytes, want %d", n, len(b))
	}
	if got != ev {
		t.Fatalf("unpacked %+v, want %+v", got, ev)
	}
}

func TestPackPadding(t *testing.T) {
	t.Parallel()
	ev := testEvent()
	for _, pad := range []int{64, 128, 200} {
		b := Pack(ev, pad)
		if len(b) < pad {
			t.Fatalf("pad %d: frame is %d bytes", pad, len(b))
		}
		got, n, err := Unpack(b)
		if err != nil {
			t.Fatalf("pad %d: %v", pad, err)
		}
		if n != len(b) {
			t.Fatalf("pad %d: consumed %d of %d", pad, n, len(b))
		}
		if got != ev {
			t.Fatalf("pad %d: event mismatch", pad)
		}
	}
}

func TestUnpackRejectsInvalidCategory(t *testing.T) {
	t.Parallel()
	ev := testEvent()
	ev.Category = CategoryIO | CategoryNet
	_, _, err := Unpack(Pack(ev, 0))
	if !errors.Is(err, ErrInvalidCategory) {
		t.Fatalf("err = %v, want ErrInvalidCategory", err)
	}
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Field != "category" {
		t.Fatalf("expected ParseError on category, got %v", err)
	}
}

func TestUnpackRejectsWideFields(t *testing.T) {
	t.Parallel()

	const wide = uint64(1)<<32 | uint64(CategoryExternal)
	body := func(cat, kind, tick, src uint64) []byte {
		b := quicvarint.Append(nil, cat)
		b = quicvarint.Append(b, kind)
		b = appendVarIntBytes(b, nil)
		b = quicvarint.Append(b, tick)
		b = quicvarint.Append(b, src)
		b = appendVarIntBytes(b, nil)
		return appendVarIntBytes(nil, b)
	}
	ext := uint64(CategoryExternal)

	tests := []struct {
		name  string
		frame []byte
		field string
		want  error
	}{
		{name: "category", frame: body(wide, 1, 0, 0), field: "category", want: ErrInvalidCategory},
		{name: "kind", frame: body(ext, wide, 0, 0), field: "kind", want: ErrValueRange},
		{name: "tickstamp", frame: body(ext, 1, wide, 0), field: "tickstamp", want: ErrValueRange},
		{name: "source", frame: body(ext, 1, 0, wide), field: "source", want: ErrValueRange},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := Unpack(tc.frame)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			var pe *ParseError
			if !errors.As(err, &pe) || pe.Field != tc.field {
				t.Fatalf("expected ParseError on %s, got %v", tc.field, err)
			}
		})
	}

	if _, _, err := Unpack(body(ext, 1, 0, 0)); err != nil {
		t.Fatalf("32-bit fields rejected: %v", err)
	}
}

func TestUnpackTruncated(t *testing.T) {
	t.Parallel()
	b := Pack(testEvent(), 0)
	if _, _, err := Unpack(b[:len(b)-3]); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestUnpackOversizedFrame(t *testing.T) {
	t.Parallel()
	b := quicvarint.Append(nil, MaxFrameSize+1)
	if _, _, err := Unpack(b); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestDecoderStream(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	want := make([]Event, 5)
	for i := range want {
		ev := New(CategoryNet, KindNetMessage)
		ev.Source = int32(i)
		ev.SetMessage("msg")
		want[i] = ev
		if err := WriteEvent(&buf, ev); err != nil {
			t.Fatal(err)
		}
	}

	dec := NewDecoder(&buf)
	for i, w := range want {
		got, err := dec.Decode()
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if got != w {
			t.Fatalf("event %d: got %+v, want %+v", i, got, w)
		}
	}
	if _, err := dec.Decode(); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestZigzag(t *testing.T) {
	t.Parallel()
	for _, v := range []int32{0, 1, -1, 63, -64, 1 << 30, -(1 << 31)} {
		if got := unzigzag(zigzag(v)); got != v {
			t.Errorf("zigzag(%d) round trip = %d", v, got)
		}
	}
}
