package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keepsake/internal/db"
	"keepsake/internal/domain"
	"keepsake/internal/engine"
	"keepsake/internal/events"
	"keepsake/internal/migrate"
	"keepsake/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	eng := engine.New(conn)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) device(t *testing.T, name, mount string) domain.Device {
	t.Helper()
	d, err := env.Engine.RegisterDevice(env.Ctx, engine.DeviceOptions{Name: name, MountPath: mount})
	require.NoError(t, err, "register %s", name)
	return d
}

func TestRegisterDeviceValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RegisterDevice(env.Ctx, engine.DeviceOptions{MountPath: "/mnt/a"})
	assert.Error(t, err, "missing name")
	_, err = env.Engine.RegisterDevice(env.Ctx, engine.DeviceOptions{Name: "a", MountPath: "relative"})
	assert.Error(t, err, "relative path")
	_, err = env.Engine.RegisterDevice(env.Ctx, engine.DeviceOptions{Name: "a", MountPath: "/mnt/a", IdentifierType: "color"})
	assert.Error(t, err, "identifier type")

	d := env.device(t, "a", "/mnt/a")
	assert.Equal(t, "path", d.IdentifierType)
	assert.Equal(t, "/mnt/a", d.Identifier)

	_, err = env.Engine.RegisterDevice(env.Ctx, engine.DeviceOptions{Name: "a", MountPath: "/mnt/b"})
	assert.Error(t, err, "duplicate name")
}

func TestListDevicesKeepsRegistrationOrder(t *testing.T) {
	env := newTestEnv(t)
	env.device(t, "dev1", "/dev1")
	env.device(t, "dev2", "/dev2")
	env.device(t, "dev3", "/dev3")
	devices, err := env.Engine.ListDevices(env.Ctx)
	require.NoError(t, err)
	require.Len(t, devices, 3)
	for i, want := range []string{"/dev1", "/dev2", "/dev3"} {
		assert.Equal(t, want, devices[i].MountPath, "device %d", i)
	}
}

func TestRecordFileRejectsDuplicateOnDevice(t *testing.T) {
	env := newTestEnv(t)
	d := env.device(t, "a", "/mnt/a")
	f := domain.File{Path: "/home/u/notes.txt", DeviceID: d.ID, BackupPath: "/mnt/a/home/u/notes.txt", Checksum: "abc", Size: 3}
	_, err := env.Engine.RecordFile(env.Ctx, f)
	require.NoError(t, err)

	exists, err := env.Engine.FileExists(env.Ctx, f.Path)
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = env.Engine.RecordFile(env.Ctx, f)
	require.ErrorIs(t, err, engine.ErrAlreadyRecorded)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, 0, events.FileRecorded)
	require.NoError(t, err)
	assert.Len(t, evts, 1, "a single file.recorded event")
}

func TestListFilesByDevice(t *testing.T) {
	env := newTestEnv(t)
	a := env.device(t, "a", "/mnt/a")
	b := env.device(t, "b", "/mnt/b")
	for _, f := range []domain.File{
		{Path: "/home/u/1", DeviceID: a.ID, BackupPath: "/mnt/a/home/u/1", Checksum: "c1", Size: 1},
		{Path: "/home/u/2", DeviceID: a.ID, BackupPath: "/mnt/a/home/u/2", Checksum: "c2", Size: 2},
		{Path: "/home/u/3", DeviceID: b.ID, BackupPath: "/mnt/b/home/u/3", Checksum: "c3", Size: 3},
	} {
		_, err := env.Engine.RecordFile(env.Ctx, f)
		require.NoError(t, err, "record %s", f.Path)
	}

	all, err := env.Engine.ListFiles(env.Ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	onA, err := env.Engine.ListFiles(env.Ctx, "/mnt/a", 0)
	require.NoError(t, err)
	assert.Len(t, onA, 2)

	limited, err := env.Engine.ListFiles(env.Ctx, "b", 5)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "/home/u/3", limited[0].Path)

	_, err = env.Engine.ListFiles(env.Ctx, "missing", 0)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestFoldersUnder(t *testing.T) {
	env := newTestEnv(t)
	d := env.device(t, "a", "/mnt/a")
	for _, p := range []string{"/data", "/data/photos", "/data/photos/2023", "/database"} {
		_, err := env.Engine.RecordFolder(env.Ctx, domain.Folder{Path: p, DeviceID: d.ID, BackupPath: "/mnt/a" + p})
		require.NoError(t, err, "record %s", p)
	}
	folders, err := env.Engine.FoldersUnder(env.Ctx, "/data")
	require.NoError(t, err)
	require.Len(t, folders, 3)
	for _, f := range folders {
		assert.NotEqual(t, "/database", f.Path, "sibling with shared prefix")
	}

	_, err = env.Engine.RecordFolder(env.Ctx, domain.Folder{Path: "/data", DeviceID: d.ID, BackupPath: "/mnt/a/data"})
	assert.ErrorIs(t, err, engine.ErrAlreadyRecorded)
}

func TestRemoveDeviceCascades(t *testing.T) {
	env := newTestEnv(t)
	d := env.device(t, "a", "/mnt/a")
	_, err := env.Engine.RecordFile(env.Ctx, domain.File{Path: "/x", DeviceID: d.ID, BackupPath: "/mnt/a/x", Checksum: "c"})
	require.NoError(t, err)
	require.NoError(t, env.Engine.RemoveDevice(env.Ctx, "a"))

	exists, _ := env.Engine.FileExists(env.Ctx, "/x")
	assert.False(t, exists, "file entries go with the device")

	assert.ErrorIs(t, env.Engine.RemoveDevice(env.Ctx, "a"), repo.ErrNotFound)
}

func TestRecordActionOutcome(t *testing.T) {
	env := newTestEnv(t)
	err := env.Engine.RecordActionOutcome(env.Ctx, engine.ActionOutcome{
		ID: "a1", Name: "backup /x", Succeeded: false, Duration: time.Second, Errors: []string{"checksum mismatch"},
	})
	require.NoError(t, err)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, 0, "")
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, events.ActionFailed, evts[0].Type)
	assert.Equal(t, "a1", evts[0].EntityID)
}
