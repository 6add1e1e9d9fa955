package action

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"keepsake/internal/domain"
	"keepsake/internal/fsutil"
)

var ErrChecksumMismatch = errors.New("checksum mismatch after copy")

// Catalog records finished backups.
type Catalog interface {
	RecordFile(ctx context.Context, f domain.File) (domain.File, error)
	RecordFolder(ctx context.Context, f domain.Folder) (domain.Folder, error)
}

// BackupPath is where source lands on a device: the source's absolute path
// re-rooted under the mount path.
func BackupPath(device domain.Device, source string) string {
	clean := filepath.Clean(source)
	return filepath.Join(device.MountPath, strings.TrimPrefix(clean, string(filepath.Separator)))
}

// FileBackup copies one file to a device, verifies the copy and records it.
type FileBackup struct {
	Source  string
	Device  domain.Device
	Catalog Catalog
	// Hash defaults to fsutil.Checksum.
	Hash func(path string) (string, error)
}

func (b FileBackup) Name() string {
	return fmt.Sprintf("backup file %s to %s", b.Source, b.Device.Name)
}

func (b FileBackup) hash(path string) (string, error) {
	if b.Hash != nil {
		return b.Hash(path)
	}
	return fsutil.Checksum(path)
}

func (b FileBackup) Run(ctx context.Context, log *Log) Result {
	source := filepath.Clean(b.Source)
	sum, err := b.hash(source)
	if err != nil {
		return Fail(fmt.Errorf("checksum %s: %w", source, err))
	}
	sec, err := fsutil.SecurityMetadata(source)
	if err != nil {
		return Fail(fmt.Errorf("reading metadata of %s: %w", source, err))
	}
	dst := BackupPath(b.Device, source)
	n, err := fsutil.CopyFile(source, dst)
	if err != nil {
		return Fail(err)
	}
	log.Message("copied %s to %s (%s)", source, dst, humanize.IBytes(uint64(n)))

	copySum, err := b.hash(dst)
	if err != nil {
		os.Remove(dst)
		return Fail(fmt.Errorf("checksum %s: %w", dst, err))
	}
	if copySum != sum {
		os.Remove(dst)
		return Fail(fmt.Errorf("%w: %s", ErrChecksumMismatch, dst))
	}

	_, err = b.Catalog.RecordFile(ctx, domain.File{
		Path:       source,
		DeviceID:   b.Device.ID,
		BackupPath: dst,
		Checksum:   sum,
		Size:       n,
		Security:   sec,
	})
	if err != nil {
		os.Remove(dst)
		return Fail(fmt.Errorf("recording %s: %w", source, err))
	}
	log.Message("recorded %s with checksum %s", source, sum)
	return Succeed()
}

// FolderBackup creates a folder on a device and records it.
type FolderBackup struct {
	Source  string
	Device  domain.Device
	Catalog Catalog
}

func (b FolderBackup) Name() string {
	return fmt.Sprintf("backup folder %s to %s", b.Source, b.Device.Name)
}

func (b FolderBackup) Run(ctx context.Context, log *Log) Result {
	source := filepath.Clean(b.Source)
	info, err := os.Stat(source)
	if err != nil {
		return Fail(err)
	}
	if !info.IsDir() {
		return Fail(fmt.Errorf("%s is not a folder", source))
	}
	sec, err := fsutil.SecurityMetadata(source)
	if err != nil {
		return Fail(fmt.Errorf("reading metadata of %s: %w", source, err))
	}
	dst := BackupPath(b.Device, source)
	_, statErr := os.Stat(dst)
	created := os.IsNotExist(statErr)
	if err := os.MkdirAll(dst, info.Mode().Perm()|0o700); err != nil {
		return Fail(fmt.Errorf("creating %s: %w", dst, err))
	}
	_, err = b.Catalog.RecordFolder(ctx, domain.Folder{
		Path:       source,
		DeviceID:   b.Device.ID,
		BackupPath: dst,
		Security:   sec,
	})
	if err != nil {
		if created {
			os.Remove(dst)
		}
		return Fail(fmt.Errorf("recording %s: %w", source, err))
	}
	log.Message("created %s", dst)
	return Succeed()
}
