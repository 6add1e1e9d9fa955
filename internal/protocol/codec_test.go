package protocol_test

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keepsake/internal/protocol"
)

func TestEncodeJoinsFieldsWithDelimiter(t *testing.T) {
	c := protocol.Default()
	frame, err := c.Encode(protocol.NewMessage(protocol.CmdCheckDevice, "/dev1", "10"))
	require.NoError(t, err)
	assert.Equal(t, "check-device,/dev1,10\n", string(frame))

	c.Delimiter = '|'
	frame, err = c.Encode(protocol.NewMessage(protocol.RespSubstitute, "/dev2"))
	require.NoError(t, err)
	assert.Equal(t, "substitute|/dev2\n", string(frame))
}

func TestEncodeRejectsReservedBytes(t *testing.T) {
	c := protocol.Default()
	_, err := c.Encode(protocol.NewMessage(protocol.CmdCheckDevice, "/mnt/a,b", "10"))
	assert.ErrorIs(t, err, protocol.ErrMalformed)
	_, err = c.Encode(protocol.NewMessage(protocol.CmdHello, "tx\n1"))
	assert.ErrorIs(t, err, protocol.ErrMalformed)
	_, err = c.Encode(protocol.Message{})
	assert.ErrorIs(t, err, protocol.ErrMalformed)
}

func TestEncodeRespectsMaxSize(t *testing.T) {
	c := protocol.Codec{Delimiter: ',', MaxMessageSize: 32}
	_, err := c.Encode(protocol.NewMessage(protocol.CmdCheckDevice, strings.Repeat("a", 40), "1"))
	assert.ErrorIs(t, err, protocol.ErrTooLarge)
}

func TestDecode(t *testing.T) {
	c := protocol.Default()
	msg, err := c.Decode([]byte("check-device,/dev1,10\n"))
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdCheckDevice, msg.Command)
	assert.Equal(t, []string{"/dev1", "10"}, msg.Args)
	assert.Equal(t, 3, msg.Fields())
	assert.Equal(t, "", msg.Arg(5))

	msg, err = c.Decode([]byte("stop"))
	require.NoError(t, err)
	assert.Equal(t, 1, msg.Fields())

	_, err = c.Decode([]byte("\n"))
	assert.ErrorIs(t, err, protocol.ErrMalformed)
	_, err = c.Decode([]byte(",x\n"))
	assert.ErrorIs(t, err, protocol.ErrMalformed)
	_, err = c.Decode([]byte("hello,\x01\n"))
	assert.ErrorIs(t, err, protocol.ErrMalformed)
}

func TestFrameReaderSplitsStream(t *testing.T) {
	c := protocol.Default()
	fr := c.NewFrameReader(strings.NewReader("hello,abc\nget-device,5\nstop\n"))
	var got []string
	for {
		frame, err := fr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, string(frame))
	}
	assert.Equal(t, []string{"hello,abc\n", "get-device,5\n", "stop\n"}, got)
}

func TestFrameReaderSkipsOversizedFrame(t *testing.T) {
	c := protocol.Codec{Delimiter: ',', MaxMessageSize: 16}
	var stream bytes.Buffer
	stream.WriteString(strings.Repeat("x", 40) + "\n")
	stream.WriteString("stop\n")
	fr := c.NewFrameReader(&stream)

	_, err := fr.Next()
	require.ErrorIs(t, err, protocol.ErrTooLarge)
	frame, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, "stop\n", string(frame))
}

type stutterReader struct {
	chunks []string
}

var errTimeout = errors.New("timeout")

// Read returns one chunk per call and a timeout between chunks.
func (s *stutterReader) Read(p []byte) (int, error) {
	if len(s.chunks) == 0 {
		return 0, io.EOF
	}
	next := s.chunks[0]
	s.chunks = s.chunks[1:]
	if next == "" {
		return 0, errTimeout
	}
	return copy(p, next), nil
}

func TestFrameReaderKeepsPartialFrameAcrossTimeouts(t *testing.T) {
	c := protocol.Default()
	fr := c.NewFrameReader(&stutterReader{chunks: []string{"check-de", "", "vice,/dev1,10\n"}})
	_, err := fr.Next()
	require.ErrorIs(t, err, errTimeout)
	frame, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, "check-device,/dev1,10\n", string(frame))
}
