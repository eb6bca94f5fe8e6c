// Package resolver decides where a completed torrent's content lives
// locally and where it should be moved to.
package resolver

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/italolelis/seedbox_mover/internal/config"
	"github.com/italolelis/seedbox_mover/internal/transfer"
)

// ErrUnmappedCategory matches every *UnmappedCategoryError.
var ErrUnmappedCategory = errors.New("unmapped category")

// UnmappedCategoryError is returned when a torrent's category is empty or has
// no destination in the server's category map. Such torrents stay pending.
type UnmappedCategoryError struct {
	Server   string
	Category string
}

func (e *UnmappedCategoryError) Error() string {
	if e.Category == "" {
		return fmt.Sprintf("torrent on server %s has no category", e.Server)
	}

	return fmt.Sprintf("category %q is not mapped on server %s", e.Category, e.Server)
}

func (e *UnmappedCategoryError) Is(target error) bool {
	return target == ErrUnmappedCategory
}

// Resolution is where a torrent's content is and where it should go.
type Resolution struct {
	Source         string // Local path of the file or directory the torrent produced
	DestinationDir string // Directory the content is moved into
}

// Resolve returns the destination directory mapped to category on server.
func Resolve(category string, server config.Server) (string, error) {
	if category == "" {
		return "", &UnmappedCategoryError{Server: server.Name}
	}

	dir, ok := server.Categories[category]
	if !ok || dir == "" {
		return "", &UnmappedCategoryError{Server: server.Name, Category: category}
	}

	return filepath.Clean(dir), nil
}

// LocalPath translates a path reported by the remote client into the path
// visible to this process. When remotePath is root_path or lies beneath it,
// that leading part is replaced with path_prefix. Matching is done on whole
// path components, so /downloads2 is not under /downloads.
func LocalPath(remotePath string, server config.Server) string {
	cleaned := filepath.Clean(remotePath)

	if server.RootPath == "" || server.PathPrefix == "" {
		return cleaned
	}

	root := filepath.Clean(server.RootPath)

	rel, ok := under(cleaned, root)
	if !ok {
		return cleaned
	}

	return filepath.Join(filepath.Clean(server.PathPrefix), rel)
}

// Plan resolves both ends of a move for t without touching the filesystem.
func Plan(t transfer.Torrent, server config.Server) (Resolution, error) {
	dir, err := Resolve(t.Category, server)
	if err != nil {
		return Resolution{}, err
	}

	remote := t.RemotePath()
	if remote == "" {
		return Resolution{}, fmt.Errorf("torrent %s reports no save path", t.Hash)
	}

	return Resolution{
		Source:         LocalPath(remote, server),
		DestinationDir: dir,
	}, nil
}

func under(path, root string) (string, bool) {
	if path == root {
		return ".", true
	}

	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}

	if !strings.HasPrefix(path, prefix) {
		return "", false
	}

	return strings.TrimPrefix(path, prefix), true
}
