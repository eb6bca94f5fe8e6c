package deluge_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/seedbox_mover/internal/dc/deluge"
	"github.com/italolelis/seedbox_mover/internal/transfer"
)

type rpcRequest struct {
	ID     int64             `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeDeluge serves the Deluge web JSON-RPC endpoint with one valid
// session.
type fakeDeluge struct {
	session string
	calls   []string
	removed []string
}

func (f *fakeDeluge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)

		return
	}

	f.calls = append(f.calls, req.Method)

	reply := func(result any, rpcErr map[string]any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": req.ID, "result": result, "error": rpcErr})
	}

	if req.Method == "auth.login" {
		var password string
		_ = json.Unmarshal(req.Params[0], &password)

		if password != "deluge" {
			reply(false, nil)

			return
		}

		f.session = "cookie-1"
		http.SetCookie(w, &http.Cookie{Name: "_session_id", Value: f.session})
		reply(true, nil)

		return
	}

	if c, err := r.Cookie("_session_id"); err != nil || f.session == "" || c.Value != f.session {
		reply(nil, map[string]any{"message": "Not authenticated", "code": 1})

		return
	}

	switch req.Method {
	case "core.get_torrents_status":
		reply(map[string]any{
			"abc123": map[string]any{
				"name": "ubuntu.iso", "progress": 100.0, "label": "distros",
				"save_path": "/downloads", "total_size": 4096, "state": "Seeding",
			},
			"def456": map[string]any{
				"name": "debian", "progress": 40.5, "label": "distros",
				"save_path": "/downloads", "total_size": 8192, "state": "Downloading",
			},
		}, nil)
	case "core.remove_torrent":
		var hash string
		var removeData bool
		_ = json.Unmarshal(req.Params[0], &hash)
		_ = json.Unmarshal(req.Params[1], &removeData)

		if removeData {
			reply(nil, map[string]any{"message": "data removal not expected", "code": 2})

			return
		}

		f.removed = append(f.removed, hash)
		reply(true, nil)
	default:
		reply(nil, map[string]any{"message": "unknown method", "code": 2})
	}
}

func newTestClient(t *testing.T, password string) (*deluge.Client, *fakeDeluge) {
	t.Helper()

	fake := &fakeDeluge{}
	ts := httptest.NewServer(fake)
	t.Cleanup(ts.Close)

	return deluge.NewClient(ts.URL, "/json", "", password, ts.Client()), fake
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name     string
		baseURL  string
		apiPath  string
		username string
		password string
		wantURL  string
	}{
		{"basic", "http://localhost/", "/json", "user", "pass", "http://localhost"},
		{"empty", "", "", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := deluge.NewClient(tt.baseURL, tt.apiPath, tt.username, tt.password, nil)
			assert.Equal(t, tt.wantURL, client.BaseURL)
			assert.Equal(t, tt.apiPath, client.APIPath)
			assert.Equal(t, tt.username, client.Username)
			assert.Equal(t, tt.password, client.Password)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	client, _ := newTestClient(t, "deluge")
	require.NoError(t, client.Authenticate(context.Background()))

	bad, _ := newTestClient(t, "wrong")
	err := bad.Authenticate(context.Background())

	var authErr *transfer.AuthenticationError
	require.True(t, errors.As(err, &authErr))
}

func TestAuthenticate_HTTPError(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
	}{
		{"unauthorized", http.StatusUnauthorized},
		{"bad gateway", http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer ts.Close()

			err := deluge.NewClient(ts.URL, "/json", "", "pass", nil).Authenticate(context.Background())

			var netErr *transfer.NetworkError
			require.True(t, errors.As(err, &netErr))
			assert.Equal(t, tt.statusCode, netErr.StatusCode)
		})
	}
}

func TestListTorrents(t *testing.T) {
	client, _ := newTestClient(t, "deluge")
	ctx := context.Background()

	require.NoError(t, client.Authenticate(ctx))

	torrents, err := client.ListTorrents(ctx)
	require.NoError(t, err)
	require.Len(t, torrents, 2)

	assert.Equal(t, &transfer.Torrent{
		Hash:        "abc123",
		Name:        "ubuntu.iso",
		Category:    "distros",
		State:       transfer.StateCompleted,
		SavePath:    "/downloads",
		ContentPath: "/downloads/ubuntu.iso",
		Size:        4096,
	}, torrents[0])
	assert.Equal(t, transfer.StateDownloading, torrents[1].State)
}

func TestListTorrents_NotAuthenticated(t *testing.T) {
	client, fake := newTestClient(t, "deluge")
	ctx := context.Background()

	_, err := client.ListTorrents(ctx)

	var authErr *transfer.AuthenticationError
	require.True(t, errors.As(err, &authErr))

	torrents, err := transfer.ListWithReauth(ctx, client)
	require.NoError(t, err)
	assert.Len(t, torrents, 2)
	assert.Equal(t, []string{"core.get_torrents_status", "core.get_torrents_status", "auth.login", "core.get_torrents_status"}, fake.calls)
}

func TestRemoveTorrent(t *testing.T) {
	client, fake := newTestClient(t, "deluge")
	ctx := context.Background()

	require.NoError(t, client.Authenticate(ctx))
	require.NoError(t, client.RemoveTorrent(ctx, "abc123"))
	assert.Equal(t, []string{"abc123"}, fake.removed)
}
