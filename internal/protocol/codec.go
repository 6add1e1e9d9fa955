// Package protocol implements the delimiter-joined ASCII messages spoken
// over the device manager socket.
//
// A message is a command followed by zero or more arguments joined by a
// single delimiter byte. On the wire every message is terminated by a
// newline, so message content itself may never contain one.
package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Requests.
const (
	CmdHello       = "hello"
	CmdCheckDevice = "check-device"
	CmdGetDevice   = "get-device"
	CmdStop        = "stop"
)

// Responses.
const (
	RespOK           = "ok"
	RespSubstitute   = "substitute"
	RespUnresolvable = "unresolvable"
	RespInvalid      = "invalid"
)

const (
	DefaultDelimiter      = ','
	DefaultMaxMessageSize = 1024

	terminator = '\n'
)

var (
	ErrMalformed = errors.New("malformed message")
	ErrTooLarge  = errors.New("message exceeds maximum size")
)

type Message struct {
	Command string
	Args    []string
}

// NewMessage builds a message from a command and its arguments.
func NewMessage(command string, args ...string) Message {
	return Message{Command: command, Args: args}
}

// Fields is the total field count, command included.
func (m Message) Fields() int {
	return 1 + len(m.Args)
}

// Arg returns the i-th argument or "" when absent.
func (m Message) Arg(i int) string {
	if i < 0 || i >= len(m.Args) {
		return ""
	}
	return m.Args[i]
}

type Codec struct {
	Delimiter      byte
	MaxMessageSize int
}

func Default() Codec {
	return Codec{Delimiter: DefaultDelimiter, MaxMessageSize: DefaultMaxMessageSize}
}

func (c Codec) delimiter() byte {
	if c.Delimiter == 0 {
		return DefaultDelimiter
	}
	return c.Delimiter
}

func (c Codec) maxSize() int {
	if c.MaxMessageSize <= 0 {
		return DefaultMaxMessageSize
	}
	return c.MaxMessageSize
}

// Encode renders m as one framed message.
func (c Codec) Encode(m Message) ([]byte, error) {
	if m.Command == "" {
		return nil, fmt.Errorf("%w: empty command", ErrMalformed)
	}
	delim := c.delimiter()
	var buf bytes.Buffer
	for i, field := range append([]string{m.Command}, m.Args...) {
		if strings.IndexByte(field, delim) >= 0 || strings.IndexByte(field, terminator) >= 0 {
			return nil, fmt.Errorf("%w: field %q contains a reserved byte", ErrMalformed, field)
		}
		if i > 0 {
			buf.WriteByte(delim)
		}
		buf.WriteString(field)
	}
	buf.WriteByte(terminator)
	if buf.Len() > c.maxSize() {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, buf.Len(), c.maxSize())
	}
	return buf.Bytes(), nil
}

// Decode parses one message, with or without its terminator.
func (c Codec) Decode(frame []byte) (Message, error) {
	frame = bytes.TrimSuffix(frame, []byte{terminator})
	frame = bytes.TrimSuffix(frame, []byte{'\r'})
	if len(frame) == 0 {
		return Message{}, fmt.Errorf("%w: empty message", ErrMalformed)
	}
	if len(frame) > c.maxSize() {
		return Message{}, ErrTooLarge
	}
	for _, b := range frame {
		if b > 0x7f || (b < 0x20 && b != c.delimiter()) {
			return Message{}, fmt.Errorf("%w: non-printable byte 0x%02x", ErrMalformed, b)
		}
	}
	parts := strings.Split(string(frame), string(c.delimiter()))
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if parts[0] == "" {
		return Message{}, fmt.Errorf("%w: empty command", ErrMalformed)
	}
	return Message{Command: parts[0], Args: parts[1:]}, nil
}

// FrameReader reads terminated frames from a stream. Bytes of a frame that
// arrive across a read timeout are kept until the terminator shows up, so
// callers may poll with short deadlines.
type FrameReader struct {
	codec    Codec
	r        *bufio.Reader
	partial  []byte
	skipping bool
}

func (c Codec) NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{codec: c, r: bufio.NewReaderSize(r, c.maxSize()+1)}
}

// Next returns the next complete frame. A frame longer than the maximum
// message size fails with ErrTooLarge and is skipped up to its terminator so
// the stream stays aligned.
func (f *FrameReader) Next() ([]byte, error) {
	for {
		chunk, err := f.r.ReadSlice(terminator)
		if f.skipping {
			if err == nil {
				f.skipping = false
				continue
			}
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			return nil, err
		}
		f.partial = append(f.partial, chunk...)
		if len(f.partial) > f.codec.maxSize()+1 || errors.Is(err, bufio.ErrBufferFull) {
			f.partial = f.partial[:0]
			f.skipping = err != nil
			return nil, ErrTooLarge
		}
		if err != nil {
			return nil, err
		}
		frame := append([]byte(nil), f.partial...)
		f.partial = f.partial[:0]
		return frame, nil
	}
}
