package devicemgr_test

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keepsake/internal/command"
	"keepsake/internal/devicemgr"
	"keepsake/internal/domain"
	"keepsake/internal/protocol"
)

type addCatalog struct{ devices []domain.Device }

func (c addCatalog) ListDevices(context.Context) ([]domain.Device, error) {
	return c.devices, nil
}

func (addCatalog) FileExists(context.Context, string) (bool, error) {
	return false, nil
}

func (addCatalog) FoldersUnder(context.Context, string) ([]domain.Folder, error) {
	return nil, nil
}

func (addCatalog) RecordFile(_ context.Context, f domain.File) (domain.File, error) {
	return f, nil
}

func (addCatalog) RecordFolder(_ context.Context, f domain.Folder) (domain.Folder, error) {
	return f, nil
}

func TestSessionSurvivesIdleClose(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	h := start(t, clk, 300*time.Second)
	ctx := context.Background()

	plain := dial(t, h)
	session := devicemgr.NewSession(h.socket, protocol.Default())
	t.Cleanup(func() { session.Close() })

	r, err := session.CheckDevice(ctx, "/dev3", 1)
	require.NoError(t, err)
	assert.Equal(t, devicemgr.ReplyOK, r.Kind)
	first := session.TxID()
	require.Eventually(t, func() bool { return len(h.m.Transactions()) == 2 }, 2*time.Second, 5*time.Millisecond)

	clk.Advance(301 * time.Second)
	require.Eventually(t, func() bool { return len(h.m.Transactions()) == 0 }, 2*time.Second, 5*time.Millisecond)

	_, err = plain.CheckDevice(ctx, "/dev3", 1)
	require.ErrorIs(t, err, devicemgr.ErrDisconnected)
	require.Error(t, plain.Broken())
	_, err = plain.CheckDevice(ctx, "/dev3", 1)
	require.ErrorIs(t, err, devicemgr.ErrDisconnected)

	src := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))
	add := &command.Add{
		Files:     []string{src},
		Devices:   []string{"dev3"},
		Allocator: session,
		Catalog:   addCatalog{devices: []domain.Device{{ID: "3", Name: "dev3", MountPath: "/dev3"}}},
	}
	add.Validate(ctx)
	actions := add.Actions(ctx)
	require.NoError(t, add.Err())
	assert.Len(t, actions, 1)

	assert.NotEqual(t, first, session.TxID())
	assert.Equal(t, uint64(6), allocated(h, "/dev3"))
}

func TestClosedSessionRefusesRequests(t *testing.T) {
	h := start(t, testclock.NewClock(time.Now()), 0)
	session := devicemgr.NewSession(h.socket, protocol.Default())
	_, err := session.GetDevice(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, session.Close())
	_, err = session.GetDevice(context.Background(), 1)
	assert.ErrorIs(t, err, devicemgr.ErrDisconnected)
}

func TestClientUnusableAfterLateReply(t *testing.T) {
	socket := socketPath(t)
	ln, err := net.Listen("unix", socket)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	received := make(chan string, 8)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			received <- strings.TrimSpace(line)
			if strings.HasPrefix(line, protocol.CmdCheckDevice) {
				time.Sleep(100 * time.Millisecond)
				conn.Write([]byte("ok\n"))
			}
		}
	}()

	c, err := devicemgr.Dial(context.Background(), socket, protocol.Default())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.CheckDevice(ctx, "/dev1", 5)
	require.Error(t, err)
	assert.NotErrorIs(t, err, devicemgr.ErrDisconnected, "the request may have been handled")
	require.Error(t, c.Broken())

	_, err = c.GetDevice(context.Background(), 5)
	require.ErrorIs(t, err, devicemgr.ErrDisconnected)

	time.Sleep(150 * time.Millisecond)
	require.Len(t, received, 2)
	assert.True(t, strings.HasPrefix(<-received, protocol.CmdHello+","))
	assert.Equal(t, "check-device,/dev1,5", <-received)
}
