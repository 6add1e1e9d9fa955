package devicemgr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"keepsake/internal/protocol"
)

// Reply kinds a client can receive.
const (
	ReplyOK           = protocol.RespOK
	ReplySubstitute   = protocol.RespSubstitute
	ReplyUnresolvable = protocol.RespUnresolvable
)

// Reply is the manager's answer to a device query. Path is set only for
// substitutions.
type Reply struct {
	Kind string
	Path string
}

func (r Reply) String() string {
	if r.Path != "" {
		return r.Kind + " " + r.Path
	}
	return r.Kind
}

const defaultRequestTimeout = 5 * time.Second

// ErrDisconnected marks a request that never reached the manager because
// the connection was already gone. Such a request reserved nothing.
var ErrDisconnected = errors.New("device manager connection lost")

// Client holds one transaction with a running manager. Requests are
// serialized. After a transport error, or a reply that did not arrive in
// time, the client is broken and refuses further requests; open a new one.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	codec  protocol.Codec
	frames *protocol.FrameReader
	txid   string
	closed bool
	broken error
}

// Dial connects and opens a transaction under a fresh txid.
func Dial(ctx context.Context, socketPath string, codec protocol.Codec) (*Client, error) {
	return DialTransaction(ctx, socketPath, codec, uuid.NewString())
}

// DialTransaction connects and opens a transaction under txid. The manager
// answers hello only when it rejects it, so a refused hello surfaces as an
// invalid reply to the first request and shifts every later reply by one.
// The manager refuses only a txid already in use; Dial always picks a fresh
// one.
func DialTransaction(ctx context.Context, socketPath string, codec protocol.Codec, txid string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to device manager at %s: %w", socketPath, err)
	}
	c := &Client{conn: conn, codec: codec, frames: codec.NewFrameReader(conn), txid: txid}
	if err := c.send(ctx, protocol.NewMessage(protocol.CmdHello, txid)); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) TxID() string { return c.txid }

// Broken reports the error that made the client unusable, if any.
func (c *Client) Broken() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

// CheckDevice asks to reserve size bytes on the device mounted at path.
func (c *Client) CheckDevice(ctx context.Context, path string, size uint64) (Reply, error) {
	return c.request(ctx, protocol.NewMessage(protocol.CmdCheckDevice, path, strconv.FormatUint(size, 10)))
}

// GetDevice asks which device could hold size bytes. Nothing is reserved.
func (c *Client) GetDevice(ctx context.Context, size uint64) (Reply, error) {
	return c.request(ctx, protocol.NewMessage(protocol.CmdGetDevice, strconv.FormatUint(size, 10)))
}

// Close ends the transaction.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	sendErr := c.sendLocked(context.Background(), protocol.NewMessage(protocol.CmdStop))
	closeErr := c.conn.Close()
	if sendErr != nil && !isExpectedCloseError(sendErr) {
		return sendErr
	}
	return closeErr
}

func (c *Client) request(ctx context.Context, msg protocol.Message) (Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Reply{}, fmt.Errorf("%w: client closed", ErrDisconnected)
	}
	if c.broken != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrDisconnected, c.broken)
	}
	if err := c.sendLocked(ctx, msg); err != nil {
		if !errors.Is(err, protocol.ErrMalformed) && !errors.Is(err, protocol.ErrTooLarge) {
			c.broken = err
			if isExpectedCloseError(err) {
				err = fmt.Errorf("%w: %w", ErrDisconnected, err)
			}
		}
		return Reply{}, err
	}
	c.conn.SetReadDeadline(deadline(ctx))
	frame, err := c.frames.Next()
	if err != nil {
		c.broken = err
		if isExpectedCloseError(err) {
			// Closed before answering: the request was not handled.
			return Reply{}, fmt.Errorf("%w: reading %s reply: %w", ErrDisconnected, msg.Command, err)
		}
		return Reply{}, fmt.Errorf("reading %s reply: %w", msg.Command, err)
	}
	resp, err := c.codec.Decode(frame)
	if err != nil {
		c.broken = err
		return Reply{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	switch resp.Command {
	case protocol.RespOK, protocol.RespUnresolvable:
		return Reply{Kind: resp.Command}, nil
	case protocol.RespSubstitute:
		if resp.Arg(0) == "" {
			return Reply{}, fmt.Errorf("%w: substitute without a path", ErrProtocol)
		}
		return Reply{Kind: resp.Command, Path: resp.Arg(0)}, nil
	case protocol.RespInvalid:
		return Reply{}, fmt.Errorf("%w: %s rejected as invalid", ErrProtocol, msg.Command)
	default:
		return Reply{}, fmt.Errorf("%w: unexpected reply %q", ErrProtocol, resp.Command)
	}
}

func (c *Client) send(ctx context.Context, msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(ctx, msg)
}

func (c *Client) sendLocked(ctx context.Context, msg protocol.Message) error {
	frame, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(deadline(ctx))
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("sending %s: %w", msg.Command, err)
	}
	return nil
}

func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(defaultRequestTimeout)
}

// ControlTokenPath is where a manager listening on socketPath keeps its
// control token.
func ControlTokenPath(socketPath string) string {
	return socketPath + ".control"
}

// ReadControlToken loads the control token of the manager on socketPath.
func ReadControlToken(socketPath string) (string, error) {
	raw, err := os.ReadFile(ControlTokenPath(socketPath))
	if err != nil {
		return "", fmt.Errorf("reading control token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", fmt.Errorf("control token file %s is empty", ControlTokenPath(socketPath))
	}
	return token, nil
}

// StopManager opens the control channel with token and stops the manager.
func StopManager(ctx context.Context, socketPath string, codec protocol.Codec, token string) error {
	c, err := DialTransaction(ctx, socketPath, codec, token)
	if err != nil {
		return err
	}
	return c.Close()
}
