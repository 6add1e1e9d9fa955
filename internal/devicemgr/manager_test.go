package devicemgr_test

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keepsake/internal/devicemgr"
	"keepsake/internal/domain"
	"keepsake/internal/protocol"
)

type fakeSource struct {
	devices []domain.Device
	calls   atomic.Int32
}

func (f *fakeSource) ListDevices(context.Context) ([]domain.Device, error) {
	f.calls.Add(1)
	return f.devices, nil
}

func freeSpace(sizes map[string]uint64) devicemgr.FreeSpaceFunc {
	return func(path string) (uint64, error) {
		size, ok := sizes[path]
		if !ok {
			return 0, errors.New("no such mount")
		}
		return size, nil
	}
}

func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ks")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "dm.sock")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	m      *devicemgr.Manager
	source *fakeSource
	socket string
}

func start(t *testing.T, clk clock.Clock, idle time.Duration) harness {
	t.Helper()
	source := &fakeSource{devices: []domain.Device{
		{Name: "dev1", MountPath: "/dev1"},
		{Name: "dev2", MountPath: "/dev2"},
		{Name: "dev3", MountPath: "/dev3"},
		{Name: "gone", MountPath: "/gone"},
	}}
	socket := socketPath(t)
	m := devicemgr.New(devicemgr.Config{
		SocketPath:           socket,
		Codec:                protocol.Default(),
		ConnectionTimeout:    20 * time.Millisecond,
		MessageTimeout:       10 * time.Millisecond,
		CloseConnectionAfter: idle,
	}, source, freeSpace(map[string]uint64{"/dev1": 10, "/dev2": 100, "/dev3": 150}), clk, discardLogger())
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		m.Stop()
		<-m.Done()
	})
	return harness{m: m, source: source, socket: socket}
}

func dial(t *testing.T, h harness) *devicemgr.Client {
	t.Helper()
	c, err := devicemgr.Dial(context.Background(), h.socket, protocol.Default())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func allocated(h harness, path string) uint64 {
	for _, e := range h.m.Devices() {
		if e.Device.MountPath == path {
			return e.Allocated
		}
	}
	return 0
}

func TestCheckDeviceReservesOrSubstitutes(t *testing.T) {
	h := start(t, clock.WallClock, 0)
	c := dial(t, h)
	ctx := context.Background()

	r, err := c.CheckDevice(ctx, "/dev1", 10)
	require.NoError(t, err)
	assert.Equal(t, devicemgr.Reply{Kind: devicemgr.ReplyOK}, r)

	r, err = c.CheckDevice(ctx, "/dev1", 10)
	require.NoError(t, err)
	assert.Equal(t, devicemgr.Reply{Kind: devicemgr.ReplySubstitute, Path: "/dev2"}, r)

	r, err = c.CheckDevice(ctx, "/dev1", 101)
	require.NoError(t, err)
	assert.Equal(t, devicemgr.Reply{Kind: devicemgr.ReplySubstitute, Path: "/dev3"}, r)

	assert.Equal(t, uint64(10), allocated(h, "/dev1"))
	assert.Zero(t, allocated(h, "/dev2"))
	assert.Zero(t, allocated(h, "/dev3"))

	r, err = c.CheckDevice(ctx, "/dev2", 100)
	require.NoError(t, err)
	assert.Equal(t, devicemgr.ReplyOK, r.Kind)
	r, err = c.CheckDevice(ctx, "/dev2", 151)
	require.NoError(t, err)
	assert.Equal(t, devicemgr.ReplyUnresolvable, r.Kind)
}

func TestCumulativeRequestsWithinCapacityAreGranted(t *testing.T) {
	h := start(t, clock.WallClock, 0)
	c := dial(t, h)
	var total uint64
	for _, size := range []uint64{1, 49, 25, 25, 50} {
		r, err := c.CheckDevice(context.Background(), "/dev3", size)
		require.NoError(t, err)
		require.Equal(t, devicemgr.ReplyOK, r.Kind)
		total += size
	}
	assert.Equal(t, total, allocated(h, "/dev3"))
}

func TestInvalidRequestsNeverMutateLedger(t *testing.T) {
	h := start(t, clock.WallClock, 0)
	c := dial(t, h)
	ctx := context.Background()
	before := h.m.Devices()

	_, err := c.CheckDevice(ctx, "/dev1", 0)
	assert.ErrorIs(t, err, devicemgr.ErrProtocol)
	_, err = c.CheckDevice(ctx, "/nowhere", 5)
	assert.ErrorIs(t, err, devicemgr.ErrProtocol)
	_, err = c.GetDevice(ctx, 0)
	assert.ErrorIs(t, err, devicemgr.ErrProtocol)

	assert.Equal(t, before, h.m.Devices())

	log, ok := h.m.TransactionLog(c.TxID())
	require.True(t, ok)
	require.Len(t, log.Errors, 3)
	assert.Contains(t, log.Errors[1].Text, "unknown device")

	r, err := c.CheckDevice(ctx, "/dev1", 5)
	require.NoError(t, err, "connection stays open after a protocol error")
	assert.Equal(t, devicemgr.ReplyOK, r.Kind)
}

func TestRawProtocolViolations(t *testing.T) {
	h := start(t, clock.WallClock, 0)
	conn, err := net.Dial("unix", h.socket)
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)
	roundTrip := func(line string) string {
		t.Helper()
		_, err := conn.Write([]byte(line))
		require.NoError(t, err)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		got, err := reader.ReadString('\n')
		require.NoError(t, err)
		return got
	}

	assert.Equal(t, "invalid\n", roundTrip("check-device,/dev1,1\n"), "no transaction yet")
	assert.Equal(t, "invalid\n", roundTrip("hello\n"))
	_, err = conn.Write([]byte("hello,raw-tx\n"))
	require.NoError(t, err)
	assert.Equal(t, "invalid\n", roundTrip("check-device,/dev1\n"))
	assert.Equal(t, "invalid\n", roundTrip("check-device,/dev1,ten\n"))
	assert.Equal(t, "invalid\n", roundTrip("frobnicate\n"))
	assert.Equal(t, "substitute,/dev2\n", roundTrip("get-device,50\n"))
	assert.Equal(t, "unresolvable\n", roundTrip("get-device,1000\n"))
	assert.Equal(t, "ok\n", roundTrip("check-device,/dev1,10\n"))
}

func TestDevicesLoadedOnceAndUnreadableMountIsFull(t *testing.T) {
	h := start(t, clock.WallClock, 0)
	for i := 0; i < 3; i++ {
		c := dial(t, h)
		_, err := c.GetDevice(context.Background(), 1)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), h.source.calls.Load())

	entries := h.m.Devices()
	require.Len(t, entries, 4)
	assert.Equal(t, "/gone", entries[3].Device.MountPath)
	assert.Zero(t, entries[3].Available)
}

func TestIdleConnectionClosed(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	h := start(t, clk, 300*time.Second)
	c := dial(t, h)

	require.Eventually(t, func() bool {
		return len(h.m.Transactions()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{c.TxID()}, h.m.Transactions())

	clk.Advance(299 * time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.m.Transactions(), 1)

	clk.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		return len(h.m.Transactions()) == 0
	}, 2*time.Second, 5*time.Millisecond)
	_, ok := h.m.TransactionLog(c.TxID())
	assert.False(t, ok)
}

func TestControlChannelStopsManager(t *testing.T) {
	h := start(t, clock.WallClock, 0)
	_ = dial(t, h)

	token, err := devicemgr.ReadControlToken(h.socket)
	require.NoError(t, err)
	assert.Equal(t, h.m.ControlToken(), token)
	info, err := os.Stat(devicemgr.ControlTokenPath(h.socket))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, devicemgr.StopManager(context.Background(), h.socket, protocol.Default(), token))
	select {
	case <-h.m.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("manager did not stop")
	}
	_, err = os.Stat(h.socket)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(devicemgr.ControlTokenPath(h.socket))
	assert.True(t, os.IsNotExist(err))
}

func TestStopOnOrdinaryConnectionOnlyClosesIt(t *testing.T) {
	h := start(t, clock.WallClock, 0)
	c := dial(t, h)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	other := dial(t, h)
	r, err := other.GetDevice(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, devicemgr.ReplySubstitute, r.Kind)
}

func TestStopIsIdempotent(t *testing.T) {
	h := start(t, clock.WallClock, 0)
	h.m.Stop()
	h.m.Stop()
	select {
	case <-h.m.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("manager did not stop")
	}
}

func TestBindFailureIsReturned(t *testing.T) {
	m := devicemgr.New(devicemgr.Config{
		SocketPath: filepath.Join(t.TempDir(), "missing", "dm.sock"),
		Codec:      protocol.Default(),
	}, &fakeSource{}, nil, nil, discardLogger())
	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listening on")
}

func TestStartRefusesLiveSocket(t *testing.T) {
	h := start(t, clock.WallClock, time.Minute)
	other := devicemgr.New(devicemgr.Config{
		SocketPath: h.socket,
		Codec:      protocol.Default(),
	}, &fakeSource{}, nil, nil, discardLogger())
	err := other.Start(context.Background())
	require.ErrorIs(t, err, devicemgr.ErrRunning)

	c := dial(t, h)
	reply, err := c.CheckDevice(context.Background(), "/dev2", 5)
	require.NoError(t, err)
	assert.Equal(t, devicemgr.ReplyOK, reply.Kind, "first manager keeps serving")
}
