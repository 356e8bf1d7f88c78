package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire format:
// [4 bytes magic "DSM1"][4 bytes type][1 byte category][1 byte flags]
// [2 bytes reserved][4 bytes error code][4 bytes payload length][payload]
// All integers are big-endian.

const (
	HeaderSize   = 20
	MaxFrameSize = 64 * 1024 * 1024
)

var magic = [4]byte{'D', 'S', 'M', '1'}

var (
	ErrShortFrame     = errors.New("frame shorter than header")
	ErrBadMagic       = errors.New("bad frame magic")
	ErrBadCategory    = errors.New("unknown message category")
	ErrLengthMismatch = errors.New("declared payload length disagrees with frame size")
	ErrFrameTooLarge  = errors.New("frame exceeds size limit")
	ErrCorruptPayload = errors.New("corrupt payload")
)

type header struct {
	msgType  int32
	category Category
	flags    uint8
	errCode  int32
	length   uint32
}

func putHeader(b []byte, h header) {
	copy(b[0:4], magic[:])
	binary.BigEndian.PutUint32(b[4:8], uint32(h.msgType))
	b[8] = byte(h.category)
	b[9] = h.flags
	b[10], b[11] = 0, 0
	binary.BigEndian.PutUint32(b[12:16], uint32(h.errCode))
	binary.BigEndian.PutUint32(b[16:20], h.length)
}

func parseHeader(b []byte) (header, error) {
	if len(b) < HeaderSize {
		return header{}, ErrShortFrame
	}
	if !bytes.Equal(b[0:4], magic[:]) {
		return header{}, ErrBadMagic
	}
	h := header{
		msgType:  int32(binary.BigEndian.Uint32(b[4:8])),
		category: Category(b[8]),
		flags:    b[9],
		errCode:  int32(binary.BigEndian.Uint32(b[12:16])),
		length:   binary.BigEndian.Uint32(b[16:20]),
	}
	if !h.category.Valid() {
		return header{}, fmt.Errorf("%w: %d", ErrBadCategory, b[8])
	}
	return h, nil
}

func wirePayload(msg *Message) []byte {
	if msg.Flags&FlagCompressed != 0 {
		return compressPayload(msg.Payload)
	}
	return msg.Payload
}

func appendFrame(buf *bytes.Buffer, msg *Message) {
	payload := wirePayload(msg)
	var hdr [HeaderSize]byte
	putHeader(hdr[:], header{
		msgType:  msg.Type,
		category: msg.Category,
		flags:    msg.Flags,
		errCode:  msg.ErrCode,
		length:   uint32(len(payload)),
	})
	buf.Grow(HeaderSize + len(payload))
	buf.Write(hdr[:])
	buf.Write(payload)
}

// Assemble encodes msg into a single frame. The declared length always
// equals the encoded payload length.
func Assemble(msg *Message) []byte {
	var buf bytes.Buffer
	appendFrame(&buf, msg)
	return buf.Bytes()
}

// Disassemble decodes one complete frame. The frame must contain exactly
// the declared number of payload bytes.
func Disassemble(frame []byte) (*Message, error) {
	h, err := parseHeader(frame)
	if err != nil {
		return nil, err
	}
	if got := len(frame) - HeaderSize; uint64(got) != uint64(h.length) {
		return nil, fmt.Errorf("%w: declared %d, received %d", ErrLengthMismatch, h.length, got)
	}

	msg := &Message{
		Type:     h.msgType,
		Category: h.category,
		ErrCode:  h.errCode,
		Flags:    h.flags,
	}
	payload := frame[HeaderSize:]
	if h.flags&FlagCompressed != 0 {
		if msg.Payload, err = decompressPayload(payload); err != nil {
			return nil, err
		}
	} else {
		msg.Payload = bytes.Clone(payload)
	}
	return msg, nil
}

// WriteFrame writes msg to w with a single Write call using a pooled buffer.
func WriteFrame(w io.Writer, msg *Message) error {
	buf := GetBufferWithSize(HeaderSize + len(msg.Payload))
	defer PutBuffer(buf)

	appendFrame(buf, msg)
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadRawFrame reads one frame from r and returns its bytes unmodified.
// The header is validated and the length bounded by maxLen before the
// payload is allocated. A non-positive maxLen means MaxFrameSize.
func ReadRawFrame(r io.Reader, maxLen int) ([]byte, error) {
	if maxLen <= 0 || maxLen > MaxFrameSize {
		maxLen = MaxFrameSize
	}

	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	h, err := parseHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	if uint64(h.length) > uint64(maxLen) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.length)
	}

	frame := make([]byte, HeaderSize+int(h.length))
	copy(frame, hdr[:])
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return frame, nil
}

// IsDecodeError reports whether err means bytes arrived but did not form a
// valid frame, as opposed to a transport failure.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrShortFrame) ||
		errors.Is(err, ErrBadMagic) ||
		errors.Is(err, ErrBadCategory) ||
		errors.Is(err, ErrLengthMismatch) ||
		errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrCorruptPayload)
}

// ReadFrame reads and decodes one frame from r.
func ReadFrame(r io.Reader, maxLen int) (*Message, error) {
	frame, err := ReadRawFrame(r, maxLen)
	if err != nil {
		return nil, err
	}
	return Disassemble(frame)
}
