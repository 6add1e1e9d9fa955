package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"keepsake/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) on(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

const deviceColumns = `id,name,mount_path,identifier_type,identifier,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (domain.Device, error) {
	var d domain.Device
	err := row.Scan(&d.ID, &d.Name, &d.MountPath, &d.IdentifierType, &d.Identifier, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) InsertDevice(ctx context.Context, tx *sql.Tx, d domain.Device) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO devices(`+deviceColumns+`) VALUES (?,?,?,?,?,?)`,
		d.ID, d.Name, d.MountPath, d.IdentifierType, d.Identifier, d.CreatedAt)
	return err
}

func (r Repo) GetDevice(ctx context.Context, id string) (domain.Device, error) {
	return scanDevice(r.DB.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id=?`, id))
}

// FindDevice resolves a device by name or mount path.
func (r Repo) FindDevice(ctx context.Context, nameOrPath string) (domain.Device, error) {
	return scanDevice(r.DB.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE name=? OR mount_path=? LIMIT 1`,
		nameOrPath, nameOrPath))
}

// ListDevices returns devices in registration order, which is the order
// the device manager scans for substitutes.
func (r Repo) ListDevices(ctx context.Context) ([]domain.Device, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY created_at, rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) DeleteDevice(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM devices WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertFile(ctx context.Context, tx *sql.Tx, f domain.File) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO files(id,path,device_id,backup_path,checksum,size,permissions,owner,grp,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.Path, f.DeviceID, f.BackupPath, f.Checksum, f.Size, f.Security.Permissions, f.Security.Owner, f.Security.Group, f.CreatedAt)
	return err
}

// FileExists reports whether path is recorded on any device.
func (r Repo) FileExists(ctx context.Context, path string) (bool, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM files WHERE path=?`, path).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// FileOnDevice reports whether path is already recorded on the given device.
func (r Repo) FileOnDevice(ctx context.Context, tx *sql.Tx, path, deviceID string) (bool, error) {
	var n int
	if err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM files WHERE path=? AND device_id=?`, path, deviceID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) ListFiles(ctx context.Context, deviceID string, limit int) ([]domain.File, error) {
	clauses := []string{"1=1"}
	var args []any
	if deviceID != "" {
		clauses = append(clauses, "device_id=?")
		args = append(args, deviceID)
	}
	query := `SELECT id,path,device_id,backup_path,checksum,size,permissions,owner,grp,created_at FROM files WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.File
	for rows.Next() {
		var f domain.File
		if err := rows.Scan(&f.ID, &f.Path, &f.DeviceID, &f.BackupPath, &f.Checksum, &f.Size,
			&f.Security.Permissions, &f.Security.Owner, &f.Security.Group, &f.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

func (r Repo) InsertFolder(ctx context.Context, tx *sql.Tx, f domain.Folder) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO folders(id,path,device_id,backup_path,permissions,owner,grp,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		f.ID, f.Path, f.DeviceID, f.BackupPath, f.Security.Permissions, f.Security.Owner, f.Security.Group, f.CreatedAt)
	return err
}

// FoldersUnder returns recorded folders equal to or nested below path.
func (r Repo) FoldersUnder(ctx context.Context, path string) ([]domain.Folder, error) {
	prefix := strings.TrimRight(path, "/") + "/"
	rows, err := r.DB.QueryContext(ctx, `SELECT id,path,device_id,backup_path,permissions,owner,grp,created_at FROM folders
WHERE path=? OR substr(path,1,?)=? ORDER BY path`, path, len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Folder
	for rows.Next() {
		var f domain.Folder
		if err := rows.Scan(&f.ID, &f.Path, &f.DeviceID, &f.BackupPath,
			&f.Security.Permissions, &f.Security.Owner, &f.Security.Group, &f.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// CountFilesByDevice returns the number of recorded files per device id.
func (r Repo) CountFilesByDevice(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT device_id, COUNT(1) FROM files GROUP BY device_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

const eventColumns = `id,ts,type,entity_kind,COALESCE(entity_id,''),payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns the newest events first, optionally filtered by type
// and starting below the cursor id.
func (r Repo) LatestEvents(ctx context.Context, limit int, beforeID int64, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if beforeID > 0 {
		clauses = append(clauses, "id < ?")
		args = append(args, beforeID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with id greater than afterID, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}
