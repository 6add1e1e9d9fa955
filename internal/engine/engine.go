package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"keepsake/internal/domain"
	"keepsake/internal/events"
	"keepsake/internal/repo"
)

// ErrAlreadyRecorded is returned when a file or folder is already in the
// catalog for the target device.
var ErrAlreadyRecorded = errors.New("already recorded")

// Engine is the catalog service: every write goes through a transaction
// that also appends an event.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

// DeviceOptions are parameters for registering a device.
type DeviceOptions struct {
	Name           string
	MountPath      string
	IdentifierType string
	Identifier     string
}

var identifierTypes = map[string]bool{"uuid": true, "label": true, "serial": true, "path": true}

// RegisterDevice adds a backup target to the catalog.
func (e Engine) RegisterDevice(ctx context.Context, opts DeviceOptions) (domain.Device, error) {
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		return domain.Device{}, errors.New("device name is required")
	}
	if opts.MountPath == "" {
		return domain.Device{}, errors.New("mount path is required")
	}
	if !filepath.IsAbs(opts.MountPath) {
		return domain.Device{}, fmt.Errorf("mount path %s must be absolute", opts.MountPath)
	}
	if opts.IdentifierType == "" {
		opts.IdentifierType = "path"
	}
	if !identifierTypes[opts.IdentifierType] {
		return domain.Device{}, fmt.Errorf("invalid identifier type %q", opts.IdentifierType)
	}
	if opts.Identifier == "" {
		opts.Identifier = opts.MountPath
	}
	d := domain.Device{
		ID:             uuid.NewString(),
		Name:           opts.Name,
		MountPath:      filepath.Clean(opts.MountPath),
		IdentifierType: opts.IdentifierType,
		Identifier:     opts.Identifier,
		CreatedAt:      e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Device{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDevice(ctx, tx, d); err != nil {
		return domain.Device{}, fmt.Errorf("insert device: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.DeviceRegistered, "device", d.ID, events.EventPayload{
		"name": d.Name, "mount_path": d.MountPath,
	}); err != nil {
		return domain.Device{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Device{}, err
	}
	return d, nil
}

// RemoveDevice deletes a device and, by cascade, its catalog entries.
func (e Engine) RemoveDevice(ctx context.Context, nameOrPath string) error {
	d, err := e.Repo.FindDevice(ctx, nameOrPath)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteDevice(ctx, tx, d.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.DeviceRemoved, "device", d.ID, events.EventPayload{"name": d.Name}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) ListDevices(ctx context.Context) ([]domain.Device, error) {
	return e.Repo.ListDevices(ctx)
}

func (e Engine) FindDevice(ctx context.Context, nameOrPath string) (domain.Device, error) {
	return e.Repo.FindDevice(ctx, nameOrPath)
}

// ListFiles returns the newest catalog entries, restricted to one device
// when device names one.
func (e Engine) ListFiles(ctx context.Context, device string, limit int) ([]domain.File, error) {
	deviceID := ""
	if device != "" {
		d, err := e.FindDevice(ctx, device)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", device, err)
		}
		deviceID = d.ID
	}
	return e.Repo.ListFiles(ctx, deviceID, limit)
}

func (e Engine) FileExists(ctx context.Context, path string) (bool, error) {
	return e.Repo.FileExists(ctx, path)
}

func (e Engine) FoldersUnder(ctx context.Context, path string) ([]domain.Folder, error) {
	return e.Repo.FoldersUnder(ctx, path)
}

// RecordFile stores a backed up file. A file already recorded on the same
// device is rejected with ErrAlreadyRecorded.
func (e Engine) RecordFile(ctx context.Context, f domain.File) (domain.File, error) {
	if f.Path == "" || f.DeviceID == "" {
		return domain.File{}, errors.New("file path and device are required")
	}
	if f.Checksum == "" {
		return domain.File{}, errors.New("file checksum is required")
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.CreatedAt = e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.File{}, err
	}
	defer tx.Rollback()
	exists, err := e.Repo.FileOnDevice(ctx, tx, f.Path, f.DeviceID)
	if err != nil {
		return domain.File{}, err
	}
	if exists {
		return domain.File{}, fmt.Errorf("file %s: %w", f.Path, ErrAlreadyRecorded)
	}
	if err := e.Repo.InsertFile(ctx, tx, f); err != nil {
		return domain.File{}, fmt.Errorf("insert file: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.FileRecorded, "file", f.ID, events.EventPayload{
		"path": f.Path, "device_id": f.DeviceID, "checksum": f.Checksum, "size": f.Size,
	}); err != nil {
		return domain.File{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.File{}, err
	}
	return f, nil
}

// RecordFolder stores a backed up folder.
func (e Engine) RecordFolder(ctx context.Context, f domain.Folder) (domain.Folder, error) {
	if f.Path == "" || f.DeviceID == "" {
		return domain.Folder{}, errors.New("folder path and device are required")
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.CreatedAt = e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Folder{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertFolder(ctx, tx, f); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return domain.Folder{}, fmt.Errorf("folder %s: %w", f.Path, ErrAlreadyRecorded)
		}
		return domain.Folder{}, fmt.Errorf("insert folder: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.FolderRecorded, "folder", f.ID, events.EventPayload{
		"path": f.Path, "device_id": f.DeviceID,
	}); err != nil {
		return domain.Folder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Folder{}, err
	}
	return f, nil
}

// ActionOutcome summarises a finished queue action for the event log.
type ActionOutcome struct {
	ID        string
	Name      string
	Succeeded bool
	Duration  time.Duration
	Errors    []string
}

// RecordActionOutcome appends an action.succeeded or action.failed event.
func (e Engine) RecordActionOutcome(ctx context.Context, o ActionOutcome) error {
	evtType := events.ActionSucceeded
	if !o.Succeeded {
		evtType = events.ActionFailed
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	payload := events.EventPayload{"name": o.Name, "duration_ns": o.Duration.Nanoseconds()}
	if len(o.Errors) > 0 {
		payload["errors"] = o.Errors
	}
	if err := e.Events.Append(ctx, tx, evtType, "action", o.ID, payload); err != nil {
		return err
	}
	return tx.Commit()
}
