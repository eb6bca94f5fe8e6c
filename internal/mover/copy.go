package mover

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// treeSize returns the number of bytes held by regular files at or below
// path. Symlinks are not followed.
func treeSize(path string) (int64, error) {
	var size int64

	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		size += info.Size()

		return nil
	})

	return size, err
}

// copyTree copies the file or directory at src to dst, preserving
// permission bits and symlinks. dst must not exist.
func copyTree(ctx context.Context, src, dst string, onCopied func(n int64)) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}

			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target, info.Mode().Perm(), onCopied)
		default:
			return fmt.Errorf("unsupported file type %s at %s", d.Type(), path)
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode, onCopied func(n int64)) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}

	var reader io.Reader = in
	if onCopied != nil {
		reader = newProgressReader(in, progressInterval, onCopied)
	}

	if _, err := io.Copy(out, reader); err != nil {
		out.Close()

		return err
	}

	if err := out.Sync(); err != nil {
		out.Close()

		return err
	}

	return out.Close()
}
