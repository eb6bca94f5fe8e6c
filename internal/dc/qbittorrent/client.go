// Package qbittorrent talks to a qBittorrent instance through WebAPI v2.
package qbittorrent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/italolelis/seedbox_mover/internal/logctx"
	"github.com/italolelis/seedbox_mover/internal/transfer"
)

const (
	loginPath  = "/api/v2/auth/login"
	listPath   = "/api/v2/torrents/info"
	deletePath = "/api/v2/torrents/delete"

	// maxErrorBody caps how much of an error response ends up in logs.
	maxErrorBody = 512
)

// Torrents in these states have all their data and are not being touched
// by the client.
var seedingStates = map[string]bool{
	"uploading": true,
	"stalledUP": true,
	"pausedUP":  true,
	"stoppedUP": true,
	"queuedUP":  true,
	"forcedUP":  true,
}

type Client struct {
	BaseURL  string
	Username string
	Password string

	httpClient *http.Client
	cookies    []*http.Cookie // session cookies from the last login
}

// Torrent is the subset of /api/v2/torrents/info the mover reads.
type Torrent struct {
	Hash        string  `json:"hash"`
	Name        string  `json:"name"`
	Category    string  `json:"category"`
	State       string  `json:"state"`
	Progress    float64 `json:"progress"`
	SavePath    string  `json:"save_path"`
	ContentPath string  `json:"content_path"`
	Size        int64   `json:"size"`
}

// NewClient returns a client for the instance at baseURL. A nil httpClient
// gets a default one with a 10s timeout.
func NewClient(baseURL, username, password string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
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

	form := url.Values{}
	form.Set("username", c.Username)
	form.Set("password", c.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+loginPath, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create login request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	// qBittorrent rejects logins whose Referer/Origin does not match the host.
	req.Header.Set("Referer", c.BaseURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &transfer.NetworkError{Operation: "login", APIMessage: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	text := strings.TrimSpace(string(body))

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return &transfer.AuthenticationError{Operation: "login", Err: fmt.Errorf("client refused login: %s", text)}
	case resp.StatusCode != http.StatusOK:
		return &transfer.NetworkError{Operation: "login", StatusCode: resp.StatusCode, APIMessage: text}
	case text != "Ok.":
		return &transfer.AuthenticationError{Operation: "login", Err: fmt.Errorf("invalid credentials: %s", text)}
	}

	if len(resp.Cookies()) == 0 {
		return &transfer.AuthenticationError{Operation: "login", Err: fmt.Errorf("no session cookie in response")}
	}

	c.cookies = resp.Cookies()

	logger.DebugContext(ctx, "logged in")

	return nil
}

func (c *Client) ListTorrents(ctx context.Context) ([]*transfer.Torrent, error) {
	logger := logctx.LoggerFromContext(ctx).With("method", "torrents.info")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+listPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create list request: %w", err)
	}

	var torrents []Torrent
	if err := c.do(req, "list_torrents", &torrents); err != nil {
		return nil, err
	}

	result := make([]*transfer.Torrent, 0, len(torrents))
	for _, t := range torrents {
		result = append(result, t.toTransfer())
	}

	logger.DebugContext(ctx, "listed torrents", "count", len(result))

	return result, nil
}

// RemoveTorrent removes the torrent from the client but keeps its data.
func (c *Client) RemoveTorrent(ctx context.Context, hash string) error {
	form := url.Values{}
	form.Set("hashes", hash)
	form.Set("deleteFiles", "false")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+deletePath, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create delete request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.do(req, "remove_torrent", nil)
}

// do sends an authenticated request and decodes a JSON body into out when
// out is not nil.
func (c *Client) do(req *http.Request, operation string, out any) error {
	for _, cookie := range c.cookies {
		req.AddCookie(cookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &transfer.NetworkError{Operation: operation, APIMessage: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		c.cookies = nil

		return &transfer.AuthenticationError{Operation: operation, Err: fmt.Errorf("session rejected with HTTP %d", resp.StatusCode)}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return &transfer.NetworkError{Operation: operation, StatusCode: resp.StatusCode, APIMessage: strings.TrimSpace(string(body))}
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &transfer.NetworkError{Operation: operation, StatusCode: resp.StatusCode, APIMessage: "invalid response body", Err: err}
	}

	return nil
}

func (t Torrent) toTransfer() *transfer.Torrent {
	state := transfer.StateDownloading
	if t.Progress >= 1 && seedingStates[t.State] {
		state = transfer.StateCompleted
	}

	return &transfer.Torrent{
		Hash:        t.Hash,
		Name:        t.Name,
		Category:    t.Category,
		State:       state,
		SavePath:    t.SavePath,
		ContentPath: t.ContentPath,
		Size:        t.Size,
	}
}
