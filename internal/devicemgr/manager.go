// Package devicemgr runs the device manager: a Unix socket service that
// arbitrates which device a backup should land on and how much of each
// device's free space has already been promised.
package devicemgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"keepsake/internal/domain"
	"keepsake/internal/ledger"
	"keepsake/internal/protocol"
)

var (
	ErrProtocol     = errors.New("device manager protocol error")
	ErrUnresolvable = errors.New("no device can satisfy the request")
	// ErrRunning means another manager already answers on the socket.
	ErrRunning = errors.New("device manager already running")
)

// DeviceSource lists the registered devices. The manager calls it once, at
// startup.
type DeviceSource interface {
	ListDevices(ctx context.Context) ([]domain.Device, error)
}

// FreeSpaceFunc reports the free bytes under a mount path.
type FreeSpaceFunc func(mountPath string) (uint64, error)

type Config struct {
	SocketPath           string
	Codec                protocol.Codec
	ConnectionTimeout    time.Duration
	MessageTimeout       time.Duration
	CloseConnectionAfter time.Duration
	// ControlToken is the txid that marks a connection as the control
	// channel. Generated when empty.
	ControlToken string
}

func (c Config) withDefaults() Config {
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = time.Second
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = 100 * time.Millisecond
	}
	if c.ControlToken == "" {
		c.ControlToken = uuid.NewString()
	}
	return c
}

// Manager owns the listening socket, the ledger and every open transaction.
type Manager struct {
	cfg       Config
	source    DeviceSource
	freeSpace FreeSpaceFunc
	clock     clock.Clock
	logger    *slog.Logger

	ledger   *ledger.Ledger
	listener *net.UnixListener

	mu    sync.Mutex
	txs   map[string]*Transaction
	conns map[net.Conn]struct{}

	started  bool
	stopOnce sync.Once
	stopping chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

func New(cfg Config, source DeviceSource, freeSpace FreeSpaceFunc, clk clock.Clock, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg.withDefaults(),
		source:    source,
		freeSpace: freeSpace,
		clock:     clk,
		logger:    logger,
		txs:       make(map[string]*Transaction),
		conns:     make(map[net.Conn]struct{}),
		stopping:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (m *Manager) SocketPath() string   { return m.cfg.SocketPath }
func (m *Manager) ControlToken() string { return m.cfg.ControlToken }

// Start seeds the ledger, binds the socket and begins serving in the
// background. A returned error means the manager never listened.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("device manager already started")
	}
	m.started = true
	m.mu.Unlock()

	devices, err := m.source.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}
	entries := make([]ledger.Entry, 0, len(devices))
	for _, d := range devices {
		var free uint64
		if m.freeSpace != nil {
			free, err = m.freeSpace(d.MountPath)
			if err != nil {
				m.logger.Warn("free space unavailable, device treated as full",
					"device", d.Name, "mount_path", d.MountPath, "error", err)
				free = 0
			}
		}
		entries = append(entries, ledger.Entry{Device: d, Available: free})
	}
	m.ledger = ledger.New(entries)

	if live, err := net.DialTimeout("unix", m.cfg.SocketPath, m.cfg.ConnectionTimeout); err == nil {
		live.Close()
		return fmt.Errorf("%w on %s", ErrRunning, m.cfg.SocketPath)
	}
	if err := os.Remove(m.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", m.cfg.SocketPath, err)
	}
	addr := &net.UnixAddr{Name: m.cfg.SocketPath, Net: "unix"}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", m.cfg.SocketPath, err)
	}
	m.listener = listener
	if err := os.WriteFile(ControlTokenPath(m.cfg.SocketPath), []byte(m.cfg.ControlToken+"\n"), 0o600); err != nil {
		listener.Close()
		os.Remove(m.cfg.SocketPath)
		return fmt.Errorf("writing control token: %w", err)
	}

	m.logger.Info("device manager listening",
		"path", m.cfg.SocketPath, "devices", m.ledger.Len())

	go func() {
		select {
		case <-ctx.Done():
			m.Stop()
		case <-m.stopping:
		}
	}()
	m.wg.Add(1)
	go m.acceptLoop()
	go m.finish()
	return nil
}

// Serve starts the manager and blocks until it has stopped.
func (m *Manager) Serve(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	<-m.done
	return nil
}

// Stop ends the accept loop and closes every connection. Safe to call more
// than once and from any goroutine; Done reports when teardown finished.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopping)
		if m.listener != nil {
			m.listener.Close()
		}
		m.mu.Lock()
		for conn := range m.conns {
			conn.Close()
		}
		m.mu.Unlock()
	})
}

func (m *Manager) Done() <-chan struct{} { return m.done }

func (m *Manager) finish() {
	<-m.stopping
	m.wg.Wait()
	os.Remove(m.cfg.SocketPath)
	os.Remove(ControlTokenPath(m.cfg.SocketPath))
	m.logger.Info("device manager stopped", "path", m.cfg.SocketPath)
	close(m.done)
}

func (m *Manager) isStopping() bool {
	select {
	case <-m.stopping:
		return true
	default:
		return false
	}
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		if m.isStopping() {
			return
		}
		m.listener.SetDeadline(time.Now().Add(m.cfg.ConnectionTimeout))
		conn, err := m.listener.Accept()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if m.isStopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Error("accept failed", "error", err)
			continue
		}
		m.mu.Lock()
		if m.isStopping() {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.conns[conn] = struct{}{}
		m.mu.Unlock()

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.serveConn(conn)
		}()
	}
}

// session is the per-connection state.
type session struct {
	conn         net.Conn
	tx           *Transaction
	control      bool
	lastActivity time.Time
}

func (m *Manager) serveConn(conn net.Conn) {
	s := &session{conn: conn, lastActivity: m.clock.Now()}
	defer m.closeSession(s)

	frames := m.cfg.Codec.NewFrameReader(conn)
	for {
		if m.isStopping() {
			return
		}
		conn.SetReadDeadline(time.Now().Add(m.cfg.MessageTimeout))
		frame, err := frames.Next()
		switch {
		case err == nil:
		case errors.Is(err, os.ErrDeadlineExceeded):
			if m.cfg.CloseConnectionAfter > 0 && m.clock.Now().Sub(s.lastActivity) >= m.cfg.CloseConnectionAfter {
				m.logger.Info("closing idle connection", "txid", s.logID(),
					"idle", m.clock.Now().Sub(s.lastActivity).String())
				return
			}
			continue
		case errors.Is(err, protocol.ErrTooLarge):
			s.lastActivity = m.clock.Now()
			m.reject(s, "message too large")
			continue
		case isExpectedCloseError(err):
			return
		default:
			m.logger.Error("connection read failed", "txid", s.logID(), "error", err)
			return
		}

		s.lastActivity = m.clock.Now()
		if s.tx != nil {
			s.tx.touch(s.lastActivity)
		}
		msg, err := m.cfg.Codec.Decode(frame)
		if err != nil {
			m.reject(s, err.Error())
			continue
		}
		if !m.dispatch(s, msg) {
			return
		}
	}
}

// dispatch handles one request and reports whether the connection stays
// open.
func (m *Manager) dispatch(s *session, msg protocol.Message) bool {
	if msg.Command != protocol.CmdHello && msg.Command != protocol.CmdStop && s.tx == nil {
		m.reject(s, "no transaction")
		return true
	}
	if s.tx != nil {
		s.tx.addMessage(m.clock.Now(), "received "+msg.Command+" "+fmt.Sprint(msg.Args))
	}

	switch msg.Command {
	case protocol.CmdHello:
		m.hello(s, msg)
	case protocol.CmdCheckDevice:
		m.checkDevice(s, msg)
	case protocol.CmdGetDevice:
		m.getDevice(s, msg)
	case protocol.CmdStop:
		if s.control {
			m.logger.Info("stop requested on control channel")
			m.Stop()
		}
		return false
	default:
		m.reject(s, "unknown command "+strconv.Quote(msg.Command))
	}
	return true
}

func (m *Manager) hello(s *session, msg protocol.Message) {
	txid := msg.Arg(0)
	if msg.Fields() != 2 || txid == "" {
		m.reject(s, "malformed hello")
		return
	}
	if s.tx != nil {
		m.reject(s, "transaction already open")
		return
	}
	m.mu.Lock()
	if _, taken := m.txs[txid]; taken {
		m.mu.Unlock()
		m.reject(s, "duplicate txid")
		return
	}
	tx := newTransaction(txid, m.clock.Now())
	m.txs[txid] = tx
	m.mu.Unlock()

	s.tx = tx
	s.control = txid == m.cfg.ControlToken
	tx.addMessage(m.clock.Now(), "transaction opened")
	m.logger.Debug("transaction opened", "txid", s.logID())
}

func (m *Manager) checkDevice(s *session, msg protocol.Message) {
	if msg.Fields() < 3 {
		m.reject(s, "insufficient parameters")
		return
	}
	path := msg.Arg(0)
	if !m.ledger.Known(path) {
		m.reject(s, "unknown device "+path)
		return
	}
	size, ok := parseSize(msg.Arg(1))
	if !ok {
		m.reject(s, "invalid size "+strconv.Quote(msg.Arg(1)))
		return
	}
	reserved, err := m.ledger.Reserve(path, size)
	if err != nil {
		m.reject(s, err.Error())
		return
	}
	if reserved {
		s.tx.addMessage(m.clock.Now(), fmt.Sprintf("reserved %d bytes on %s", size, path))
		m.reply(s, protocol.NewMessage(protocol.RespOK))
		return
	}
	m.offerSubstitute(s, size)
}

func (m *Manager) getDevice(s *session, msg protocol.Message) {
	if msg.Fields() < 2 {
		m.reject(s, "insufficient parameters")
		return
	}
	size, ok := parseSize(msg.Arg(0))
	if !ok {
		m.reject(s, "invalid size "+strconv.Quote(msg.Arg(0)))
		return
	}
	m.offerSubstitute(s, size)
}

func (m *Manager) offerSubstitute(s *session, size uint64) {
	if d, ok := m.ledger.Substitute(size); ok {
		s.tx.addMessage(m.clock.Now(), fmt.Sprintf("offered %s for %d bytes", d.MountPath, size))
		m.reply(s, protocol.NewMessage(protocol.RespSubstitute, d.MountPath))
		return
	}
	s.tx.addMessage(m.clock.Now(), fmt.Sprintf("no device has %d bytes free", size))
	m.reply(s, protocol.NewMessage(protocol.RespUnresolvable))
}

func parseSize(raw string) (uint64, bool) {
	size, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || size == 0 {
		return 0, false
	}
	return size, true
}

// reject answers invalid and records why against the transaction.
func (m *Manager) reject(s *session, reason string) {
	if s.tx != nil {
		s.tx.addError(m.clock.Now(), reason)
	} else {
		m.logger.Debug("request rejected outside a transaction", "reason", reason)
	}
	m.reply(s, protocol.NewMessage(protocol.RespInvalid))
}

func (m *Manager) reply(s *session, msg protocol.Message) {
	frame, err := m.cfg.Codec.Encode(msg)
	if err != nil {
		m.logger.Error("encoding reply", "txid", s.logID(), "error", err)
		return
	}
	s.conn.SetWriteDeadline(time.Now().Add(m.cfg.ConnectionTimeout))
	if _, err := s.conn.Write(frame); err != nil && !isExpectedCloseError(err) {
		m.logger.Warn("writing reply", "txid", s.logID(), "error", err)
	}
}

func (m *Manager) closeSession(s *session) {
	s.conn.Close()
	m.mu.Lock()
	delete(m.conns, s.conn)
	if s.tx != nil {
		delete(m.txs, s.tx.ID)
	}
	m.mu.Unlock()
	if s.tx != nil {
		s.tx.flush(m.logger, s.logID())
	}
}

func (s *session) logID() string {
	switch {
	case s.tx == nil:
		return ""
	case s.control:
		return "control"
	default:
		return s.tx.ID
	}
}

// Devices returns the ledger in scan order.
func (m *Manager) Devices() []ledger.Entry {
	if m.ledger == nil {
		return nil
	}
	return m.ledger.Snapshot()
}

// Transactions returns the ids of the open transactions, sorted.
func (m *Manager) Transactions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.txs))
	for id := range m.txs {
		if id == m.cfg.ControlToken {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// TransactionLog copies the logs of an open transaction.
func (m *Manager) TransactionLog(id string) (TransactionSnapshot, bool) {
	m.mu.Lock()
	tx, ok := m.txs[id]
	m.mu.Unlock()
	if !ok {
		return TransactionSnapshot{}, false
	}
	return tx.snapshot(), true
}

// isExpectedCloseError reports a normal peer disconnect.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
