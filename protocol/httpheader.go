package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"
)

var ErrMalformedHeader = errors.New("malformed http header")

// MaxHTTPHeaderSize bounds the response header a tunnel or proxy may send.
const MaxHTTPHeaderSize = 64 << 10

// HTTPHeader is a parsed HTTP response header as returned by a tunnel or
// proxy in front of a service.
type HTTPHeader struct {
	Proto  string
	Status int
	Reason string
	Fields textproto.MIMEHeader
}

// OK reports whether the status is 2xx.
func (h *HTTPHeader) OK() bool {
	return h.Status >= 200 && h.Status < 300
}

// ContentLength returns the Content-Length field, or -1 when absent or invalid.
func (h *HTTPHeader) ContentLength() int64 {
	raw := h.Fields.Get("Content-Length")
	if raw == "" {
		return -1
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// ReadHTTPHeader reads a status line and header fields up to and including
// the blank line. r is left positioned at the first body byte.
func ReadHTTPHeader(r *bufio.Reader) (*HTTPHeader, error) {
	block, err := readHeaderBlock(r)
	if err != nil {
		return nil, err
	}
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(block)))

	line, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read status line: %w", err)
	}
	h, err := parseStatusLine(line)
	if err != nil {
		return nil, err
	}

	fields, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	h.Fields = fields
	return h, nil
}

// readHeaderBlock consumes r up to and including the first blank line,
// failing once more than MaxHTTPHeaderSize bytes arrived without one.
func readHeaderBlock(r *bufio.Reader) ([]byte, error) {
	var block []byte
	lines, lineStart := 0, 0
	for {
		chunk, err := r.ReadSlice('\n')
		block = append(block, chunk...)
		if len(block) > MaxHTTPHeaderSize {
			return nil, fmt.Errorf("%w: larger than %d bytes", ErrMalformedHeader, MaxHTTPHeaderSize)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if lines == 0 {
				return nil, fmt.Errorf("read status line: %w", err)
			}
			return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
		}

		line := block[lineStart:]
		lines++
		lineStart = len(block)
		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			return block, nil
		}
	}
}

func parseStatusLine(line string) (*HTTPHeader, error) {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return nil, fmt.Errorf("%w: status line %q", ErrMalformedHeader, line)
	}
	code, reason, _ := strings.Cut(strings.TrimLeft(rest, " "), " ")
	if len(code) != 3 {
		return nil, fmt.Errorf("%w: status code %q", ErrMalformedHeader, code)
	}
	status, err := strconv.Atoi(code)
	if err != nil || status < 100 {
		return nil, fmt.Errorf("%w: status code %q", ErrMalformedHeader, code)
	}
	return &HTTPHeader{Proto: proto, Status: status, Reason: reason}, nil
}
