package poller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/seedbox_mover/internal/config"
	"github.com/italolelis/seedbox_mover/internal/mover"
	"github.com/italolelis/seedbox_mover/internal/storage"
	"github.com/italolelis/seedbox_mover/internal/storage/sqlite"
	"github.com/italolelis/seedbox_mover/internal/transfer"
)

type fakeClient struct {
	mu       sync.Mutex
	torrents []*transfer.Torrent
	listErr  error
	authErr  error
	panics   int
	auths    int
	lists    int
	removed  []string
}

func (c *fakeClient) Authenticate(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.auths++

	return c.authErr
}

func (c *fakeClient) ListTorrents(_ context.Context) ([]*transfer.Torrent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lists++

	if c.panics > 0 {
		c.panics--
		panic("client exploded")
	}

	if c.listErr != nil {
		return nil, c.listErr
	}

	return c.torrents, nil
}

func (c *fakeClient) RemoveTorrent(_ context.Context, hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removed = append(c.removed, hash)

	return nil
}

func (c *fakeClient) listCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lists
}

type countingLimiter struct {
	acquired int
}

func (l *countingLimiter) Acquire(ctx context.Context) error {
	l.acquired++

	return ctx.Err()
}

type countingMover struct {
	mover  *mover.Mover
	calls  int
	before func()
}

func (m *countingMover) Move(ctx context.Context, source, destinationDir string) (mover.Result, error) {
	m.calls++

	if m.before != nil {
		m.before()
	}

	return m.mover.Move(ctx, source, destinationDir)
}

type recordingNotifier struct {
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, content string) error {
	n.messages = append(n.messages, content)

	return nil
}

type env struct {
	server    config.Server
	downloads string
	data      string
	client    *fakeClient
	ledger    *storage.Ledger
	limiter   *countingLimiter
	mover     *countingMover
}

func newEnv(t *testing.T) *env {
	t.Helper()

	root := t.TempDir()
	downloads := filepath.Join(root, "downloads")
	data := filepath.Join(root, "data")
	require.NoError(t, os.MkdirAll(downloads, 0o755))

	db, err := sqlite.InitDB(filepath.Join(root, "moves.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &env{
		server: config.Server{
			Name:       "home",
			Type:       config.ClientQBittorrent,
			Categories: map[string]string{"distros": filepath.Join(data, "distros")},
			RootPath:   "/downloads",
			PathPrefix: downloads,
		},
		downloads: downloads,
		data:      data,
		client:    &fakeClient{},
		ledger:    storage.NewLedger(sqlite.NewMoveRepository(db), "home"),
		limiter:   &countingLimiter{},
		mover:     &countingMover{mover: mover.New()},
	}
}

func (e *env) poller(opts ...Option) *Poller {
	return New(e.server, e.client, e.ledger, e.limiter, e.mover, opts...)
}

func (e *env) addTorrent(t *testing.T, hash, name, category string, state transfer.State) {
	t.Helper()

	if state == transfer.StateCompleted {
		require.NoError(t, os.WriteFile(filepath.Join(e.downloads, name), []byte("content of "+name), 0o644))
	}

	e.client.torrents = append(e.client.torrents, &transfer.Torrent{
		Hash:        hash,
		Name:        name,
		Category:    category,
		State:       state,
		SavePath:    "/downloads",
		ContentPath: "/downloads/" + name,
	})
}

func TestRunCycle_MovesCompletedTorrent(t *testing.T) {
	e := newEnv(t)

	require.NoError(t, os.MkdirAll(filepath.Join(e.downloads, "abc123"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(e.downloads, "abc123", "file.iso"), []byte("iso"), 0o644))

	e.client.torrents = append(e.client.torrents, &transfer.Torrent{
		Hash:        "abc123",
		Name:        "file.iso",
		Category:    "distros",
		State:       transfer.StateCompleted,
		SavePath:    "/downloads/abc123",
		ContentPath: "/downloads/abc123/file.iso",
	})
	e.addTorrent(t, "def456", "debian.iso", "distros", transfer.StateDownloading)

	ctx := context.Background()
	p := e.poller()

	report, err := p.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, CycleReport{Seen: 2, Completed: 1, Moved: 1}, report)

	destination := filepath.Join(e.data, "distros", "file.iso")
	assert.FileExists(t, destination)
	assert.NoFileExists(t, filepath.Join(e.downloads, "abc123", "file.iso"))

	record, err := e.ledger.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, record.Moved)
	assert.Equal(t, destination, record.Destination)

	_, err = e.ledger.Get(ctx, "def456")
	assert.ErrorIs(t, err, storage.ErrNotFound, "torrents still downloading are not recorded")

	report, err = p.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, CycleReport{Seen: 2, Completed: 1, AlreadyMoved: 1}, report)
	assert.Equal(t, 1, e.mover.calls, "moved torrents are never moved again")
	assert.Equal(t, 1, e.client.auths, "the session is reused between cycles")
}

func TestRunCycle_UnmappedCategoryStaysPending(t *testing.T) {
	e := newEnv(t)
	e.addTorrent(t, "abc123", "mystery.bin", "unknown", transfer.StateCompleted)
	e.addTorrent(t, "fff000", "loose.bin", "", transfer.StateCompleted)

	ctx := context.Background()
	p := e.poller()

	for range 2 {
		report, err := p.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, report.Failed)
		assert.Zero(t, report.Moved)
	}

	record, err := e.ledger.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.False(t, record.Moved)
	assert.Equal(t, 2, record.RetryCount)
	assert.Contains(t, record.LastError, `category "unknown" is not mapped`)

	assert.Zero(t, e.mover.calls)
	assert.FileExists(t, filepath.Join(e.downloads, "mystery.bin"))
}

func TestRunCycle_DestinationAlreadyExists(t *testing.T) {
	e := newEnv(t)
	e.addTorrent(t, "abc123", "ubuntu.iso", "distros", transfer.StateCompleted)

	destination := filepath.Join(e.data, "distros", "ubuntu.iso")
	require.NoError(t, os.MkdirAll(filepath.Dir(destination), 0o755))
	require.NoError(t, os.WriteFile(destination, []byte("moved before a crash"), 0o644))

	ctx := context.Background()

	report, err := e.poller().RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Failed)

	moved, err := e.ledger.IsMoved(ctx, "abc123")
	require.NoError(t, err)
	assert.True(t, moved)

	content, err := os.ReadFile(destination)
	require.NoError(t, err)
	assert.Equal(t, "moved before a crash", string(content), "existing destinations are never overwritten")
}

func TestRunCycle_FailureIsIsolated(t *testing.T) {
	e := newEnv(t)
	e.addTorrent(t, "gone", "vanished.iso", "distros", transfer.StateCompleted)
	require.NoError(t, os.Remove(filepath.Join(e.downloads, "vanished.iso")))
	e.addTorrent(t, "abc123", "ubuntu.iso", "distros", transfer.StateCompleted)

	notes := &recordingNotifier{}
	ctx := context.Background()

	report, err := e.poller(WithNotifier(notes)).RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Moved)

	record, err := e.ledger.Get(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, record.Moved)
	assert.Equal(t, 1, record.RetryCount)
	assert.Contains(t, record.LastError, "source not found")

	require.Len(t, notes.messages, 2)
	assert.Contains(t, notes.messages[0], "Failed to move **vanished.iso**")
	assert.Contains(t, notes.messages[1], "Moved **ubuntu.iso**")
}

func TestRunCycle_ListFailureSkipsCycle(t *testing.T) {
	e := newEnv(t)
	e.addTorrent(t, "abc123", "ubuntu.iso", "distros", transfer.StateCompleted)
	e.client.listErr = &transfer.NetworkError{Operation: "list_torrents", StatusCode: 502, APIMessage: "bad gateway"}

	ctx := context.Background()

	_, err := e.poller().RunCycle(ctx)

	var netErr *transfer.NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.Zero(t, e.mover.calls)

	records, err := e.ledger.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRunCycle_AuthenticationFailure(t *testing.T) {
	e := newEnv(t)
	e.addTorrent(t, "abc123", "ubuntu.iso", "distros", transfer.StateCompleted)
	e.client.authErr = &transfer.AuthenticationError{Operation: "login"}

	ctx := context.Background()
	p := e.poller()

	_, err := p.RunCycle(ctx)

	var authErr *transfer.AuthenticationError
	require.True(t, errors.As(err, &authErr))
	assert.Zero(t, e.client.lists)

	e.client.authErr = nil

	report, err := p.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Moved)
	assert.Equal(t, 2, e.client.auths)
}

func TestRunCycle_ExpiredSessionLogsInAgain(t *testing.T) {
	e := newEnv(t)
	e.client.listErr = &transfer.AuthenticationError{Operation: "list_torrents"}

	ctx := context.Background()
	p := e.poller()

	_, err := p.RunCycle(ctx)
	require.Error(t, err)
	assert.Equal(t, 2, e.client.auths, "one login for the session, one retry after the rejected list")

	e.client.listErr = nil

	_, err = p.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, e.client.auths, "a rejected session forces a new login on the next cycle")
}

func TestRunCycle_RemoveAfterMove(t *testing.T) {
	e := newEnv(t)
	e.server.RemoveAfterMove = true
	e.addTorrent(t, "abc123", "ubuntu.iso", "distros", transfer.StateCompleted)
	e.addTorrent(t, "zzz999", "other.bin", "unknown", transfer.StateCompleted)

	_, err := e.poller().RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"abc123"}, e.client.removed, "only moved torrents are removed")
}

type failingLedger struct {
	Ledger
	hash string
}

func (l failingLedger) IsMoved(ctx context.Context, hash string) (bool, error) {
	if hash == l.hash {
		return false, errors.New("database is locked")
	}

	return l.Ledger.IsMoved(ctx, hash)
}

func TestRunCycle_LedgerReadErrorSkipsTorrent(t *testing.T) {
	e := newEnv(t)
	e.addTorrent(t, "bad", "broken.iso", "distros", transfer.StateCompleted)
	e.addTorrent(t, "abc123", "ubuntu.iso", "distros", transfer.StateCompleted)

	p := New(e.server, e.client, failingLedger{Ledger: e.ledger, hash: "bad"}, e.limiter, e.mover)

	report, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Moved)
	assert.Equal(t, 1, e.mover.calls)
	assert.FileExists(t, filepath.Join(e.downloads, "broken.iso"))
}

func TestRunCycle_EveryMoveIsPaced(t *testing.T) {
	e := newEnv(t)
	e.addTorrent(t, "a", "a.iso", "distros", transfer.StateCompleted)
	e.addTorrent(t, "b", "b.iso", "distros", transfer.StateCompleted)
	e.addTorrent(t, "c", "c.iso", "distros", transfer.StateDownloading)

	ctx := context.Background()
	p := e.poller()

	_, err := p.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, e.limiter.acquired)

	_, err = p.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, e.limiter.acquired, "already moved torrents do not wait on the limiter")
}

func TestRunCycle_CancelBetweenTorrents(t *testing.T) {
	e := newEnv(t)
	e.addTorrent(t, "first", "first.iso", "distros", transfer.StateCompleted)
	e.addTorrent(t, "second", "second.iso", "distros", transfer.StateCompleted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.mover.before = cancel

	report, err := e.poller().RunCycle(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.Moved, "a started move finishes")
	assert.Equal(t, 1, e.mover.calls)

	moved, err := e.ledger.IsMoved(context.Background(), "first")
	require.NoError(t, err)
	assert.True(t, moved)

	_, err = e.ledger.Get(context.Background(), "second")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.FileExists(t, filepath.Join(e.downloads, "second.iso"))
}

func TestRun_StopsOnCancel(t *testing.T) {
	e := newEnv(t)
	interval := config.Duration(time.Hour)
	e.server.PollInterval = &interval

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- e.poller().Run(ctx) }()

	assert.Eventually(t, func() bool { return e.client.listCount() == 1 }, time.Second, 5*time.Millisecond,
		"a cycle runs as soon as the poller starts")

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestRun_RecoversFromPanic(t *testing.T) {
	e := newEnv(t)
	interval := config.Duration(time.Hour)
	e.server.PollInterval = &interval
	e.client.panics = 1

	p := e.poller()
	p.restartDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- p.Run(ctx) }()

	assert.Eventually(t, func() bool { return e.client.listCount() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestName(t *testing.T) {
	assert.Equal(t, "home", newEnv(t).poller().Name())
}
