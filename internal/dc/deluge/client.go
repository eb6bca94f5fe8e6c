package deluge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/italolelis/seedbox_mover/internal/logctx"
	"github.com/italolelis/seedbox_mover/internal/transfer"
)

const (
	sessionCookie = "_session_id"

	// Deluge's web UI reports this code when the session is missing or
	// expired.
	errCodeNotAuthenticated = 1
)

var statusFields = []string{"name", "progress", "label", "save_path", "total_size", "state"}

type Client struct {
	BaseURL  string
	APIPath  string
	Username string
	Password string

	httpClient *http.Client
	cookie     string // session cookie
	requestID  atomic.Int64
}

// Torrent is one entry of core.get_torrents_status.
type Torrent struct {
	Name      string  `json:"name"`
	Progress  float64 `json:"progress"`
	Label     string  `json:"label"`
	SavePath  string  `json:"save_path"`
	TotalSize int64   `json:"total_size"`
	State     string  `json:"state"`
}

type rpcError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("deluge error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     int64           `json:"id"`
}

// NewClient returns a client for the Deluge web UI at baseURL. A nil
// httpClient gets a default one with a 10s timeout.
func NewClient(baseURL, apiPath, username, password string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIPath:    apiPath,
		Username:   username,
		Password:   password,
		httpClient: httpClient,
	}
}

// Ensure Client implements the transfer interfaces.
var (
	_ transfer.TorrentClient  = (*Client)(nil)
	_ transfer.TorrentRemover = (*Client)(nil)
)

func (c *Client) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("method", "auth.login")

	var ok bool
	if err := c.call(ctx, "auth.login", []any{c.Password}, &ok); err != nil {
		return err
	}

	if !ok {
		return &transfer.AuthenticationError{Operation: "auth.login", Err: fmt.Errorf("invalid password")}
	}

	logger.DebugContext(ctx, "logged in")

	return nil
}

func (c *Client) ListTorrents(ctx context.Context) ([]*transfer.Torrent, error) {
	logger := logctx.LoggerFromContext(ctx).With("method", "core.get_torrents_status")

	var result map[string]Torrent
	if err := c.call(ctx, "core.get_torrents_status", []any{map[string]any{}, statusFields}, &result); err != nil {
		return nil, err
	}

	torrents := make([]*transfer.Torrent, 0, len(result))
	for hash, t := range result {
		torrents = append(torrents, t.toTransfer(hash))
	}

	// Deluge returns an object keyed by hash; keep cycles deterministic.
	slices.SortFunc(torrents, func(a, b *transfer.Torrent) int {
		return strings.Compare(a.Hash, b.Hash)
	})

	logger.DebugContext(ctx, "listed torrents", "count", len(torrents))

	return torrents, nil
}

// RemoveTorrent removes the torrent from Deluge but keeps its data.
func (c *Client) RemoveTorrent(ctx context.Context, hash string) error {
	var removed bool
	if err := c.call(ctx, "core.remove_torrent", []any{hash, false}, &removed); err != nil {
		return err
	}

	if !removed {
		return &transfer.NetworkError{Operation: "core.remove_torrent", APIMessage: "deluge refused to remove " + hash}
	}

	return nil
}

// call performs one JSON-RPC request against the web UI and decodes the
// result into out.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	payload := map[string]any{
		"id":     c.requestID.Add(1),
		"method": method,
		"params": params,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	url := fmt.Sprintf("%s%s", c.BaseURL, c.APIPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}

	req.Header.Set("Content-Type", "application/json")

	if c.cookie != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: c.cookie})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &transfer.NetworkError{Operation: method, APIMessage: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return &transfer.NetworkError{Operation: method, StatusCode: resp.StatusCode, APIMessage: strings.TrimSpace(string(b))}
	}

	for _, cookie := range resp.Cookies() {
		if cookie.Name == sessionCookie {
			c.cookie = cookie.Value
		}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return &transfer.NetworkError{Operation: method, StatusCode: resp.StatusCode, APIMessage: "invalid response body", Err: err}
	}

	if rpcResp.Error != nil {
		if rpcResp.Error.Code == errCodeNotAuthenticated {
			c.cookie = ""

			return &transfer.AuthenticationError{Operation: method, Err: rpcResp.Error}
		}

		return &transfer.NetworkError{Operation: method, StatusCode: resp.StatusCode, APIMessage: rpcResp.Error.Message, Err: rpcResp.Error}
	}

	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}

	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return &transfer.NetworkError{Operation: method, StatusCode: resp.StatusCode, APIMessage: "unexpected result", Err: err}
	}

	return nil
}

func (t Torrent) toTransfer(hash string) *transfer.Torrent {
	state := transfer.StateDownloading
	if t.Progress >= 100 && t.State != "Checking" && t.State != "Error" && t.State != "Moving" {
		state = transfer.StateCompleted
	}

	var contentPath string
	if t.SavePath != "" && t.Name != "" {
		contentPath = path.Join(t.SavePath, t.Name)
	}

	return &transfer.Torrent{
		Hash:        hash,
		Name:        t.Name,
		Category:    t.Label,
		State:       state,
		SavePath:    t.SavePath,
		ContentPath: contentPath,
		Size:        t.TotalSize,
	}
}
