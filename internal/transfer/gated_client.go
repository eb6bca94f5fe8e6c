package transfer

import "context"

// Gate paces calls. It is satisfied by *ratelimit.Limiter.
type Gate interface {
	Acquire(ctx context.Context) error
}

// GatedTorrentClient passes every remote call through a Gate first, so one
// server's API is never called faster than its limiter allows.
type GatedTorrentClient struct {
	client TorrentClient
	gate   Gate
}

func NewGatedTorrentClient(client TorrentClient, gate Gate) *GatedTorrentClient {
	return &GatedTorrentClient{client: client, gate: gate}
}

func (c *GatedTorrentClient) Authenticate(ctx context.Context) error {
	if err := c.gate.Acquire(ctx); err != nil {
		return err
	}

	return c.client.Authenticate(ctx)
}

func (c *GatedTorrentClient) ListTorrents(ctx context.Context) ([]*Torrent, error) {
	if err := c.gate.Acquire(ctx); err != nil {
		return nil, err
	}

	return c.client.ListTorrents(ctx)
}

func (c *GatedTorrentClient) RemoveTorrent(ctx context.Context, hash string) error {
	remover, ok := c.client.(TorrentRemover)
	if !ok {
		return ErrRemoveUnsupported
	}

	if err := c.gate.Acquire(ctx); err != nil {
		return err
	}

	return remover.RemoveTorrent(ctx, hash)
}
