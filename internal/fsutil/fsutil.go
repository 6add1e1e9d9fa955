// Package fsutil holds the filesystem primitives backups are built from:
// content digests, ownership metadata, free space and copying.
package fsutil

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"

	"keepsake/internal/domain"
)

// Checksum returns the hex BLAKE3 digest of the file at path.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SecurityMetadata returns the permission bits and owner/group names of
// path. Ids with no name are reported numerically.
func SecurityMetadata(path string) (domain.Security, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return domain.Security{}, err
	}
	sec := domain.Security{Permissions: fmt.Sprintf("%04o", info.Mode().Perm())}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return sec, nil
	}
	uid := strconv.FormatUint(uint64(st.Uid), 10)
	gid := strconv.FormatUint(uint64(st.Gid), 10)
	sec.Owner, sec.Group = uid, gid
	if u, err := user.LookupId(uid); err == nil {
		sec.Owner = u.Username
	}
	if g, err := user.LookupGroupId(gid); err == nil {
		sec.Group = g.Name
	}
	return sec, nil
}

// FreeSpace reports the bytes available to an unprivileged writer on the
// filesystem holding mountPath.
func FreeSpace(mountPath string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(mountPath, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", mountPath, err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}

// CopyFile copies src to dst, creating parent directories and keeping the
// source permission bits. A partially written dst is removed on failure.
func CopyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", src)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return n, fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return n, nil
}

// FileSize returns the size of a regular file.
func FileSize(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", path)
	}
	return uint64(info.Size()), nil
}
