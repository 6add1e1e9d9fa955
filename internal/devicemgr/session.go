package devicemgr

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"keepsake/internal/protocol"
)

// Session allocates devices for a long-lived caller such as the shell. It
// keeps one transaction open and replaces it when the manager has dropped
// it, for example after the idle timeout.
type Session struct {
	socketPath string
	codec      protocol.Codec

	mu     sync.Mutex
	client *Client
	closed bool
}

func NewSession(socketPath string, codec protocol.Codec) *Session {
	return &Session{socketPath: socketPath, codec: codec}
}

// CheckDevice asks to reserve size bytes on the device mounted at path.
func (s *Session) CheckDevice(ctx context.Context, path string, size uint64) (Reply, error) {
	return s.do(ctx, func(c *Client) (Reply, error) { return c.CheckDevice(ctx, path, size) })
}

// GetDevice asks which device could hold size bytes.
func (s *Session) GetDevice(ctx context.Context, size uint64) (Reply, error) {
	return s.do(ctx, func(c *Client) (Reply, error) { return c.GetDevice(ctx, size) })
}

// TxID is the current transaction, empty before the first request.
func (s *Session) TxID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return ""
	}
	return s.client.TxID()
}

// Close ends the current transaction. Later requests fail.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// do runs fn on a live transaction. A request that was lost with a dropped
// connection is sent again once on a fresh one; it reserved nothing.
func (s *Session) do(ctx context.Context, fn func(*Client) (Reply, error)) (Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Reply{}, fmt.Errorf("%w: session closed", ErrDisconnected)
	}
	for attempt := 0; ; attempt++ {
		fresh := false
		if s.client == nil || s.client.Broken() != nil {
			if err := s.redial(ctx); err != nil {
				return Reply{}, err
			}
			fresh = true
		}
		r, err := fn(s.client)
		if err == nil || fresh || attempt > 0 || !errors.Is(err, ErrDisconnected) {
			return r, err
		}
	}
}

func (s *Session) redial(ctx context.Context) error {
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	c, err := Dial(ctx, s.socketPath, s.codec)
	if err != nil {
		return err
	}
	s.client = c
	return nil
}
