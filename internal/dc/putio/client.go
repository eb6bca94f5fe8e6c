// Package putio exposes put.io transfers as torrents. Transfers live in the
// cloud, so content paths are reported relative to the put.io root ("/"),
// and root_path/path_prefix map them onto a local mount of the account.
package putio

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"sync"

	"github.com/putdotio/go-putio"
	"golang.org/x/oauth2"

	"github.com/italolelis/seedbox_mover/internal/logctx"
	"github.com/italolelis/seedbox_mover/internal/transfer"
)

var completedStatuses = map[string]bool{
	"COMPLETED":   true,
	"SEEDING":     true,
	"SEEDINGWAIT": true,
	"FINISHED":    true,
}

// ErrTransferNotFound is wrapped when a hash matches no transfer.
var ErrTransferNotFound = errors.New("transfer not found")

type Client struct {
	putioClient *putio.Client
	gate        transfer.Gate

	mu          sync.Mutex
	fileNames   map[int64]string
	transferIDs map[string]int64
}

type Option func(*Client)

// WithGate paces the follow-up requests a single operation makes. The first
// request of each operation is expected to be paced by the caller, usually a
// transfer.GatedTorrentClient sharing the same gate.
func WithGate(gate transfer.Gate) Option {
	return func(c *Client) {
		c.gate = gate
	}
}

// NewClient returns a put.io client authenticated with token. Requests go
// through httpClient's transport when it is not nil.
func NewClient(token string, httpClient *http.Client, opts ...Option) *Client {
	ctx := context.Background()
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}

	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	oauthClient := oauth2.NewClient(ctx, tokenSource)

	return newClient(putio.NewClient(oauthClient), opts...)
}

func newClient(putioClient *putio.Client, opts ...Option) *Client {
	c := &Client{
		putioClient: putioClient,
		fileNames:   make(map[int64]string),
		transferIDs: make(map[string]int64),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Ensure Client implements the transfer interfaces.
var (
	_ transfer.TorrentClient  = (*Client)(nil)
	_ transfer.TorrentRemover = (*Client)(nil)
)

func (c *Client) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	user, err := c.putioClient.Account.Info(ctx)
	if err != nil {
		return classify("account_info", err)
	}

	logger.DebugContext(ctx, "authenticated with Put.io", "user", user.Username)

	return nil
}

// ListTorrents lists every transfer. The category of a transfer is the name
// of the folder it is saved into. Folder names are read once per listing and
// the file names of completed transfers are kept for the client's lifetime.
func (c *Client) ListTorrents(ctx context.Context) ([]*transfer.Torrent, error) {
	logger := logctx.LoggerFromContext(ctx)

	transfers, err := c.putioClient.Transfers.List(ctx)
	if err != nil {
		return nil, classify("list_transfers", err)
	}

	c.rememberTransfers(transfers)

	parents := make(map[int64]string)
	torrents := make([]*transfer.Torrent, 0, len(transfers))

	for _, t := range transfers {
		category, err := c.parentName(ctx, parents, t.SaveParentID)
		if err != nil {
			if !skippable(err) {
				return nil, err
			}

			logger.WarnContext(ctx, "failed to get parent folder", "transfer_id", t.ID, "save_parent_id", t.SaveParentID, "err", err)

			continue
		}

		torrent := &transfer.Torrent{
			Hash:     hashID(t.ID),
			Name:     t.Name,
			Category: category,
			State:    transfer.StateDownloading,
			SavePath: "/" + category,
			Size:     int64(t.Size),
		}

		// Only completed transfers have a file to point at.
		if completedStatuses[t.Status] && t.FileID != 0 {
			name, err := c.fileName(ctx, t.FileID)
			switch {
			case err == nil:
				torrent.State = transfer.StateCompleted
				torrent.ContentPath = path.Join(torrent.SavePath, name)
			case !skippable(err):
				return nil, err
			default:
				logger.WarnContext(ctx, "failed to get transfer file", "transfer_id", t.ID, "file_id", t.FileID, "err", err)
			}
		}

		torrents = append(torrents, torrent)
	}

	logger.DebugContext(ctx, "listed transfers", "count", len(torrents))

	return torrents, nil
}

// RemoveTorrent cancels the transfer whose hash matches. The files stay in
// the account. Transfers seen by the last listing are cancelled in one
// request; others are looked up first.
func (c *Client) RemoveTorrent(ctx context.Context, hash string) error {
	id, ok := c.transferID(hash)
	if !ok {
		transfers, err := c.putioClient.Transfers.List(ctx)
		if err != nil {
			return classify("list_transfers", err)
		}

		c.rememberTransfers(transfers)

		if id, ok = c.transferID(hash); !ok {
			return &transfer.NetworkError{
				Operation:  "cancel_transfer",
				APIMessage: fmt.Sprintf("no transfer with hash %s", hash),
				Err:        ErrTransferNotFound,
			}
		}

		if err := c.acquire(ctx); err != nil {
			return err
		}
	}

	if err := c.putioClient.Transfers.Cancel(ctx, id); err != nil {
		return classify("cancel_transfer", err)
	}

	c.mu.Lock()
	delete(c.transferIDs, hash)
	c.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "transfer removed from Put.io", "transfer_id", id)

	return nil
}

func (c *Client) parentName(ctx context.Context, cache map[int64]string, id int64) (string, error) {
	// Transfers saved to the account root have no category.
	if id == 0 {
		return "", nil
	}

	if name, ok := cache[id]; ok {
		return name, nil
	}

	if err := c.acquire(ctx); err != nil {
		return "", err
	}

	parent, err := c.putioClient.Files.Get(ctx, id)
	if err != nil {
		return "", classify("get_file", err)
	}

	name := ""
	if parent.IsDir() {
		name = parent.Name
	}

	cache[id] = name

	return name, nil
}

// fileName returns the name of a transfer's file. A completed transfer's
// file does not change, so successful lookups are cached.
func (c *Client) fileName(ctx context.Context, id int64) (string, error) {
	c.mu.Lock()
	name, ok := c.fileNames[id]
	c.mu.Unlock()

	if ok {
		return name, nil
	}

	if err := c.acquire(ctx); err != nil {
		return "", err
	}

	file, err := c.putioClient.Files.Get(ctx, id)
	if err != nil {
		return "", classify("get_file", err)
	}

	c.mu.Lock()
	c.fileNames[id] = file.Name
	c.mu.Unlock()

	return file.Name, nil
}

func (c *Client) rememberTransfers(transfers []putio.Transfer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.transferIDs)

	for _, t := range transfers {
		c.transferIDs[hashID(t.ID)] = t.ID
	}
}

func (c *Client) transferID(hash string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.transferIDs[hash]

	return id, ok
}

// skippable reports whether a lookup failed on the remote side, so only the
// transfer it belongs to is left out of the listing.
func skippable(err error) bool {
	var netErr *transfer.NetworkError

	return errors.As(err, &netErr)
}

func (c *Client) acquire(ctx context.Context) error {
	if c.gate == nil {
		return ctx.Err()
	}

	return c.gate.Acquire(ctx)
}

// hashID derives a stable torrent identity from a transfer ID, since put.io
// does not expose info hashes.
func hashID(id int64) string {
	sum := sha1.Sum([]byte(strconv.FormatInt(id, 10)))

	return hex.EncodeToString(sum[:])
}

func classify(operation string, err error) error {
	var errResp *putio.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		status := errResp.Response.StatusCode
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return &transfer.AuthenticationError{Operation: operation, Err: err}
		}

		return &transfer.NetworkError{Operation: operation, StatusCode: status, APIMessage: errResp.Message, Err: err}
	}

	return &transfer.NetworkError{Operation: operation, APIMessage: err.Error(), Err: err}
}
