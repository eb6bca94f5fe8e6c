package transfer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/italolelis/seedbox_mover/internal/logctx"
)

// State is the completion state of a torrent as seen by the mover.
type State string

const (
	StateDownloading State = "downloading"
	StateCompleted   State = "completed"
)

// TorrentClient is the capability the poller needs from a remote torrent
// client instance. Implementations own their session state.
type TorrentClient interface {
	// Authenticate establishes or refreshes the session. It is safe to call
	// repeatedly.
	Authenticate(ctx context.Context) error
	// ListTorrents returns a fresh snapshot of every torrent in one round trip.
	ListTorrents(ctx context.Context) ([]*Torrent, error)
}

// TorrentRemover is implemented by clients that can forget a torrent
// without deleting its data.
type TorrentRemover interface {
	RemoveTorrent(ctx context.Context, hash string) error
}

// ErrRemoveUnsupported is returned when a client cannot remove torrents.
var ErrRemoveUnsupported = errors.New("torrent removal not supported by client")

// Torrent is a point-in-time snapshot of one torrent.
type Torrent struct {
	Hash     string
	Name     string
	Category string
	State    State
	// SavePath is the directory the client saves into, as the client sees it.
	SavePath string
	// ContentPath is the file or directory the torrent produced, as the
	// client sees it. Empty when the client does not report it.
	ContentPath string
	Size        int64
}

func (t *Torrent) IsCompleted() bool {
	return t.State == StateCompleted
}

// RemotePath returns the location of the torrent's content as reported by
// the client.
func (t *Torrent) RemotePath() string {
	if t.ContentPath != "" {
		return t.ContentPath
	}

	return filepath.Join(t.SavePath, t.Name)
}

// ListWithReauth lists torrents and, if the session turned out to be
// expired, authenticates once and retries once.
func ListWithReauth(ctx context.Context, c TorrentClient) ([]*Torrent, error) {
	torrents, err := c.ListTorrents(ctx)
	if err == nil {
		return torrents, nil
	}

	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		return nil, err
	}

	logctx.LoggerFromContext(ctx).Info("session rejected, authenticating again", "err", err)

	if err := c.Authenticate(ctx); err != nil {
		return nil, fmt.Errorf("failed to re-authenticate: %w", err)
	}

	return c.ListTorrents(ctx)
}
