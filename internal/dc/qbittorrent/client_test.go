package qbittorrent_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/seedbox_mover/internal/dc/qbittorrent"
	"github.com/italolelis/seedbox_mover/internal/transfer"
)

const torrentsJSON = `[
	{"hash":"abc123","name":"ubuntu.iso","category":"distros","state":"stalledUP","progress":1,
	 "save_path":"/downloads/","content_path":"/downloads/ubuntu.iso","size":4096},
	{"hash":"def456","name":"debian","category":"distros","state":"downloading","progress":0.4,
	 "save_path":"/downloads/","content_path":"/downloads/debian","size":8192},
	{"hash":"ghi789","name":"fedora","category":"","state":"checkingUP","progress":1,
	 "save_path":"/downloads/","content_path":"/downloads/fedora","size":1}
]`

// fakeQbit is a minimal qBittorrent WebAPI that tracks one session.
type fakeQbit struct {
	sid         string
	logins      int
	deleted     []string
	deleteFiles []string
}

func (f *fakeQbit) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v2/auth/login", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NotEmpty(t, r.Header.Get("Referer"))
		require.NoError(t, r.ParseForm())

		if r.PostForm.Get("username") != "admin" || r.PostForm.Get("password") != "secret" {
			fmt.Fprint(w, "Fails.")

			return
		}

		f.logins++
		f.sid = fmt.Sprintf("session-%d", f.logins)

		http.SetCookie(w, &http.Cookie{Name: "SID", Value: f.sid})
		fmt.Fprint(w, "Ok.")
	})

	authorized := func(r *http.Request) bool {
		c, err := r.Cookie("SID")

		return err == nil && f.sid != "" && c.Value == f.sid
	}

	mux.HandleFunc("/api/v2/torrents/info", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			w.WriteHeader(http.StatusForbidden)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, torrentsJSON)
	})

	mux.HandleFunc("/api/v2/torrents/delete", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(r) {
			w.WriteHeader(http.StatusForbidden)

			return
		}

		require.NoError(t, r.ParseForm())
		f.deleted = append(f.deleted, r.PostForm.Get("hashes"))
		f.deleteFiles = append(f.deleteFiles, r.PostForm.Get("deleteFiles"))
	})

	return mux
}

func newTestClient(t *testing.T, password string) (*qbittorrent.Client, *fakeQbit) {
	t.Helper()

	fake := &fakeQbit{}
	ts := httptest.NewServer(fake.handler(t))
	t.Cleanup(ts.Close)

	return qbittorrent.NewClient(ts.URL+"/", "admin", password, ts.Client()), fake
}

func TestNewClient(t *testing.T) {
	client := qbittorrent.NewClient("http://localhost:8080/", "admin", "secret", nil)
	assert.Equal(t, "http://localhost:8080", client.BaseURL)
	assert.Equal(t, "admin", client.Username)
}

func TestAuthenticate(t *testing.T) {
	client, fake := newTestClient(t, "secret")

	require.NoError(t, client.Authenticate(context.Background()))
	assert.Equal(t, 1, fake.logins)
}

func TestAuthenticate_BadCredentials(t *testing.T) {
	client, _ := newTestClient(t, "wrong")

	err := client.Authenticate(context.Background())
	require.Error(t, err)

	var authErr *transfer.AuthenticationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "login", authErr.Operation)
}

func TestAuthenticate_Status(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantAuth bool
	}{
		{"banned", http.StatusForbidden, true},
		{"server error", http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, "nope")
			}))
			defer ts.Close()

			err := qbittorrent.NewClient(ts.URL, "admin", "secret", nil).Authenticate(context.Background())
			require.Error(t, err)

			var authErr *transfer.AuthenticationError
			assert.Equal(t, tt.wantAuth, errors.As(err, &authErr))

			var netErr *transfer.NetworkError
			if !tt.wantAuth {
				require.True(t, errors.As(err, &netErr))
				assert.Equal(t, tt.status, netErr.StatusCode)
			}
		})
	}
}

func TestListTorrents(t *testing.T) {
	client, _ := newTestClient(t, "secret")
	ctx := context.Background()

	require.NoError(t, client.Authenticate(ctx))

	torrents, err := client.ListTorrents(ctx)
	require.NoError(t, err)
	require.Len(t, torrents, 3)

	assert.Equal(t, &transfer.Torrent{
		Hash:        "abc123",
		Name:        "ubuntu.iso",
		Category:    "distros",
		State:       transfer.StateCompleted,
		SavePath:    "/downloads/",
		ContentPath: "/downloads/ubuntu.iso",
		Size:        4096,
	}, torrents[0])

	assert.Equal(t, transfer.StateDownloading, torrents[1].State)
	assert.Equal(t, transfer.StateDownloading, torrents[2].State, "torrents being checked are not complete")
}

func TestListTorrents_WithoutSessionIsAuthError(t *testing.T) {
	client, _ := newTestClient(t, "secret")

	_, err := client.ListTorrents(context.Background())
	require.Error(t, err)

	var authErr *transfer.AuthenticationError
	assert.True(t, errors.As(err, &authErr))
}

func TestListTorrents_ExpiredSessionRecoversWithReauth(t *testing.T) {
	client, fake := newTestClient(t, "secret")
	ctx := context.Background()

	require.NoError(t, client.Authenticate(ctx))

	// The client restarted and forgot every session.
	fake.sid = "rotated"

	torrents, err := transfer.ListWithReauth(ctx, client)
	require.NoError(t, err)
	assert.Len(t, torrents, 3)
	assert.Equal(t, 2, fake.logins)
}

func TestListTorrents_NetworkErrors(t *testing.T) {
	t.Run("bad status", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer ts.Close()

		_, err := qbittorrent.NewClient(ts.URL, "", "", nil).ListTorrents(context.Background())

		var netErr *transfer.NetworkError
		require.True(t, errors.As(err, &netErr))
		assert.Equal(t, http.StatusBadGateway, netErr.StatusCode)
	})

	t.Run("bad body", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, "{not json")
		}))
		defer ts.Close()

		_, err := qbittorrent.NewClient(ts.URL, "", "", nil).ListTorrents(context.Background())

		var netErr *transfer.NetworkError
		require.True(t, errors.As(err, &netErr))
		assert.Error(t, netErr.Err)
	})

	t.Run("unreachable", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		url := ts.URL
		ts.Close()

		_, err := qbittorrent.NewClient(url, "", "", nil).ListTorrents(context.Background())

		var netErr *transfer.NetworkError
		require.True(t, errors.As(err, &netErr))
		assert.Equal(t, 0, netErr.StatusCode)
	})
}

func TestRemoveTorrent(t *testing.T) {
	client, fake := newTestClient(t, "secret")
	ctx := context.Background()

	require.NoError(t, client.Authenticate(ctx))
	require.NoError(t, client.RemoveTorrent(ctx, "abc123"))

	assert.Equal(t, []string{"abc123"}, fake.deleted)
	assert.Equal(t, []string{"false"}, fake.deleteFiles)
}
