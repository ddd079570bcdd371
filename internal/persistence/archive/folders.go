// Package archive moves world folders between the live root and cold
// storage and packages them for export. Everything here blocks on disk I/O
// and must run off the control loop.
package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

const (
	sessionLock = "session.lock"
	uidFile     = "uid.dat"
)

// SkipOnClone lists engine bookkeeping files that must not follow a world
// into a new identity.
var SkipOnClone = map[string]bool{
	sessionLock: true,
	uidFile:     true,
}

// CopyTree copies the directory src to dst. Files whose base name is in skip
// are left behind. Non-regular files other than directories are ignored.
func CopyTree(src, dst string, skip map[string]bool) error {
	st, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("copy tree: %s is not a directory", src)
	}
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		}
		if skip[d.Name()] || !d.Type().IsRegular() {
			return nil
		}
		return copyFile(p, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// MoveDir moves src to dst, replacing anything already at dst. A rename that
// crosses filesystems falls back to copy then remove.
func MoveDir(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return err
	}
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("clear %s: %w", dst, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}
	if err := CopyTree(src, dst, nil); err != nil {
		return fmt.Errorf("cross-device copy %s: %w", src, err)
	}
	return os.RemoveAll(src)
}

// Exists reports whether p is an existing directory.
func Exists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.IsDir()
}
