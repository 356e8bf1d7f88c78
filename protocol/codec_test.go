package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func drawMessage(t *rapid.T) *Message {
	msg := &Message{
		Type:     rapid.Int32().Draw(t, "type"),
		Category: Category(rapid.IntRange(0, int(CategoryServerStatus)).Draw(t, "category")),
		ErrCode:  rapid.Int32().Draw(t, "errCode"),
		Payload:  rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "payload"),
	}
	if rapid.Bool().Draw(t, "compressed") {
		msg.Flags |= FlagCompressed
	}
	return msg
}

// Feature: envelope-framing, Property 1: Framing Round-Trip
// *For any* type and payload, Disassemble(Assemble(m)) yields the same
// type, category, error code and payload, with or without compression.
func TestFramingRoundTrip_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msg := drawMessage(t)

		decoded, err := Disassemble(Assemble(msg))
		if err != nil {
			t.Fatalf("Disassemble failed: %v", err)
		}
		if decoded.Type != msg.Type || decoded.Category != msg.Category || decoded.ErrCode != msg.ErrCode {
			t.Fatalf("header mismatch: got %+v, want %+v", decoded, msg)
		}
		if decoded.Flags != msg.Flags {
			t.Fatalf("flags mismatch: got %#x, want %#x", decoded.Flags, msg.Flags)
		}
		if !bytes.Equal(decoded.Payload, msg.Payload) {
			t.Fatalf("payload mismatch: got %d bytes, want %d bytes", len(decoded.Payload), len(msg.Payload))
		}
	})
}

// Feature: envelope-framing, Property 2: Declared Length Matches Payload
// *For any* message, the declared length of the assembled frame equals the
// number of payload bytes that follow the header.
func TestDeclaredLength_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		frame := Assemble(drawMessage(t))
		declared := binary.BigEndian.Uint32(frame[16:20])
		if int(declared) != len(frame)-HeaderSize {
			t.Fatalf("declared %d, actual %d", declared, len(frame)-HeaderSize)
		}
	})
}

// Feature: envelope-framing, Property 3: Stream Round-Trip
// *For any* sequence of messages written back to back, ReadFrame returns
// them in order.
func TestStreamRoundTrip_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msgs := rapid.SliceOfN(rapid.Custom(drawMessage), 1, 8).Draw(t, "messages")

		var buf bytes.Buffer
		for _, msg := range msgs {
			if err := WriteFrame(&buf, msg); err != nil {
				t.Fatalf("WriteFrame failed: %v", err)
			}
		}
		for i, want := range msgs {
			got, err := ReadFrame(&buf, 0)
			if err != nil {
				t.Fatalf("ReadFrame %d failed: %v", i, err)
			}
			if got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
				t.Fatalf("message %d mismatch", i)
			}
		}
		if _, err := ReadFrame(&buf, 0); !errors.Is(err, io.EOF) {
			t.Fatalf("expected io.EOF after last frame, got %v", err)
		}
	})
}

func TestDisassemble_Rejects(t *testing.T) {
	valid := Assemble(&Message{Type: 7, Payload: []byte("hello")})

	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"short", valid[:HeaderSize-1], ErrShortFrame},
		{"truncated payload", valid[:len(valid)-1], ErrLengthMismatch},
		{"trailing bytes", append(bytes.Clone(valid), 'x'), ErrLengthMismatch},
		{"bad magic", append([]byte("XXXX"), valid[4:]...), ErrBadMagic},
		{"bad category", func() []byte {
			f := bytes.Clone(valid)
			f[8] = 0x7f
			return f
		}(), ErrBadCategory},
		{"corrupt compressed payload", func() []byte {
			f := bytes.Clone(valid)
			f[9] = FlagCompressed
			return f
		}(), ErrCorruptPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Disassemble(tt.frame)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestReadRawFrame_TooLarge(t *testing.T) {
	frame := Assemble(&Message{Type: 1, Payload: make([]byte, 100)})

	_, err := ReadRawFrame(bytes.NewReader(frame), 50)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	raw, err := ReadRawFrame(bytes.NewReader(frame), 100)
	require.NoError(t, err)
	assert.Equal(t, frame, raw)
}

func TestReadFrame_TruncatedStream(t *testing.T) {
	frame := Assemble(&Message{Type: 1, Payload: []byte("abcdef")})

	_, err := ReadFrame(bytes.NewReader(frame[:HeaderSize+2]), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestCompressAbove(t *testing.T) {
	msg := &Message{Payload: bytes.Repeat([]byte("a"), 1000)}
	CompressAbove(msg, 0)
	assert.Zero(t, msg.Flags&FlagCompressed)

	CompressAbove(msg, 2000)
	assert.Zero(t, msg.Flags&FlagCompressed)

	CompressAbove(msg, 512)
	assert.NotZero(t, msg.Flags&FlagCompressed)

	frame := Assemble(msg)
	assert.Less(t, len(frame), HeaderSize+len(msg.Payload), "repetitive payload should shrink")
}

func TestReplyKeepsTypeAndCompression(t *testing.T) {
	req := &Message{Type: 42, Category: CategoryServiceSpecific, Flags: FlagCompressed, Payload: []byte("x")}
	reply := req.Reply(CodeOK, []byte("y"))

	assert.Equal(t, int32(42), reply.Type)
	assert.Equal(t, CategoryServiceSpecific, reply.Category)
	assert.Equal(t, FlagCompressed, reply.Flags)
	assert.Equal(t, []byte("y"), reply.Payload)
}

func BenchmarkWriteFrame(b *testing.B) {
	msg := &Message{Type: 1, Payload: make([]byte, 1024)}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if err := WriteFrame(io.Discard, msg); err != nil {
			b.Fatal(err)
		}
	}
}
