// Package mover relocates a torrent's content into its destination
// directory, falling back to copy-then-delete across filesystems.
package mover

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/seedbox_mover/internal/logctx"
)

const (
	dirPerm          = 0o755
	partialSuffix    = ".partial"
	progressInterval = int64(100 * 1024 * 1024) // 100MB
)

// Result describes a finished move.
type Result struct {
	Destination string // Final path of the moved file or directory
	Skipped     bool   // Destination already existed, nothing was touched
	CrossVolume bool   // Content was copied and the source removed
	Bytes       int64  // Size of the content
}

// Mover moves files and directory trees. The zero value is not usable; use
// New.
type Mover struct {
	rename    func(oldpath, newpath string) error
	copyTree  func(ctx context.Context, src, dst string, onCopied func(int64)) error
	freeSpace func(path string) (uint64, error)
}

// New returns a Mover backed by the local filesystem.
func New() *Mover {
	return &Mover{
		rename:    os.Rename,
		copyTree:  copyTree,
		freeSpace: availableBytes,
	}
}

// Move places source inside destinationDir, keeping its base name. If the
// final path already exists the move is skipped and reported as successful;
// the existing content is left untouched. Failures are returned as
// *MoveError and nothing is retried here.
func (m *Mover) Move(ctx context.Context, source, destinationDir string) (Result, error) {
	source = filepath.Clean(source)
	dest := filepath.Join(destinationDir, filepath.Base(source))

	logger := logctx.LoggerFromContext(ctx).With("source", source, "destination", dest)

	if _, err := os.Lstat(dest); err == nil {
		logger.InfoContext(ctx, "destination already exists, skipping move")

		return Result{Destination: dest, Skipped: true}, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return Result{}, newMoveError(classify(err), source, dest, err)
	}

	if _, err := os.Lstat(source); err != nil {
		return Result{}, newMoveError(classify(err), source, dest, err)
	}

	size, err := treeSize(source)
	if err != nil {
		return Result{}, newMoveError(classify(err), source, dest, fmt.Errorf("failed to measure source: %w", err))
	}

	if err := os.MkdirAll(destinationDir, dirPerm); err != nil {
		kind := classify(err)
		if kind == ErrSourceNotFound {
			kind = ErrMoveFailed
		}

		return Result{}, newMoveError(kind, source, dest, fmt.Errorf("failed to create destination directory: %w", err))
	}

	err = m.rename(source, dest)
	if err == nil {
		logger.DebugContext(ctx, "renamed in place", "size", humanize.Bytes(uint64(size)))

		return Result{Destination: dest, Bytes: size}, nil
	}

	if !isCrossDevice(err) {
		return Result{}, newMoveError(classify(err), source, dest, err)
	}

	if err := m.copyAcross(ctx, source, dest, size); err != nil {
		return Result{}, err
	}

	return Result{Destination: dest, CrossVolume: true, Bytes: size}, nil
}

// copyAcross copies source into a sibling of dest, verifies the copy, puts
// it in place and only then removes source.
func (m *Mover) copyAcross(ctx context.Context, source, dest string, size int64) error {
	logger := logctx.LoggerFromContext(ctx).With("source", source, "destination", dest)

	if err := m.ensureSpace(ctx, filepath.Dir(dest), size); err != nil {
		return newMoveError(ErrInsufficientSpace, source, dest, err)
	}

	partial := dest + partialSuffix

	// Leftover from an interrupted copy.
	if err := os.RemoveAll(partial); err != nil {
		return newMoveError(classify(err), source, dest, fmt.Errorf("failed to clear stale partial copy: %w", err))
	}

	logger.InfoContext(ctx, "copying across filesystems", "size", humanize.Bytes(uint64(size)))

	var copied int64

	onCopied := func(delta int64) {
		copied += delta

		if size > 0 {
			logger.DebugContext(ctx, "copy progress",
				"copied", humanize.Bytes(uint64(copied)),
				"total", humanize.Bytes(uint64(size)),
				"percent", humanize.FtoaWithDigits(float64(copied)*100/float64(size), 2))
		}
	}

	fail := func(err error) error {
		if rmErr := os.RemoveAll(partial); rmErr != nil {
			logger.ErrorContext(ctx, "failed to remove partial copy", "partial", partial, "err", rmErr)
		}

		return newMoveError(ErrCrossVolumeCopyFailed, source, dest, err)
	}

	if err := m.copyTree(ctx, source, partial, onCopied); err != nil {
		return fail(err)
	}

	copiedSize, err := treeSize(partial)
	if err != nil {
		return fail(fmt.Errorf("failed to measure copy: %w", err))
	}

	if copiedSize != size {
		return fail(fmt.Errorf("size mismatch: copied %d of %d bytes", copiedSize, size))
	}

	if err := m.rename(partial, dest); err != nil {
		return fail(fmt.Errorf("failed to put copy in place: %w", err))
	}

	if err := os.RemoveAll(source); err != nil {
		// The content is complete at the destination; the next cycle sees it
		// and reports the move as done.
		logger.WarnContext(ctx, "copied but failed to remove source", "err", err)
	}

	logger.InfoContext(ctx, "copied across filesystems", "size", humanize.Bytes(uint64(size)))

	return nil
}

func (m *Mover) ensureSpace(ctx context.Context, dir string, need int64) error {
	free, err := m.freeSpace(dir)
	if err != nil {
		if !errors.Is(err, errors.ErrUnsupported) {
			logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to check free space", "dir", dir, "err", err)
		}

		return nil
	}

	if need > 0 && free < uint64(need) {
		return fmt.Errorf("need %s, %s available on %s",
			humanize.Bytes(uint64(need)), humanize.Bytes(free), dir)
	}

	return nil
}
