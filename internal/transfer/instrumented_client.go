package transfer

import (
	"context"

	"github.com/italolelis/seedbox_mover/internal/telemetry"
)

// InstrumentedTorrentClient wraps TorrentClient with telemetry.
type InstrumentedTorrentClient struct {
	client     TorrentClient
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedTorrentClient creates a new instrumented torrent client.
func NewInstrumentedTorrentClient(client TorrentClient, tel *telemetry.Telemetry, clientType string) *InstrumentedTorrentClient {
	return &InstrumentedTorrentClient{
		client:     client,
		telemetry:  tel,
		clientType: clientType,
	}
}

// Authenticate authenticates with the torrent client with telemetry.
func (c *InstrumentedTorrentClient) Authenticate(ctx context.Context) error {
	return c.telemetry.InstrumentClientOperation(ctx, c.clientType, "authenticate", func(ctx context.Context) error {
		return c.client.Authenticate(ctx)
	})
}

// ListTorrents retrieves the torrent snapshot with telemetry.
func (c *InstrumentedTorrentClient) ListTorrents(ctx context.Context) ([]*Torrent, error) {
	var result []*Torrent

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "list_torrents", func(ctx context.Context) error {
		var err error

		result, err = c.client.ListTorrents(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// RemoveTorrent removes a torrent with telemetry, if the wrapped client
// supports it.
func (c *InstrumentedTorrentClient) RemoveTorrent(ctx context.Context, hash string) error {
	remover, ok := c.client.(TorrentRemover)
	if !ok {
		return ErrRemoveUnsupported
	}

	return c.telemetry.InstrumentClientOperation(ctx, c.clientType, "remove_torrent", func(ctx context.Context) error {
		return remover.RemoveTorrent(ctx, hash)
	})
}
