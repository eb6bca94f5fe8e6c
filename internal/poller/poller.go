// Package poller runs the per-server synchronization loop: list torrents,
// pick the completed ones that were not moved yet, move them and record the
// outcome.
package poller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/seedbox_mover/internal/config"
	"github.com/italolelis/seedbox_mover/internal/logctx"
	"github.com/italolelis/seedbox_mover/internal/mover"
	"github.com/italolelis/seedbox_mover/internal/notifier"
	"github.com/italolelis/seedbox_mover/internal/resolver"
	"github.com/italolelis/seedbox_mover/internal/telemetry"
	"github.com/italolelis/seedbox_mover/internal/transfer"
)

// Ledger is the part of storage.Ledger the poller uses.
type Ledger interface {
	IsMoved(ctx context.Context, hash string) (bool, error)
	RecordAttempt(ctx context.Context, hash, destination string, cause error) error
	RecordSuccess(ctx context.Context, hash, destination string) error
}

// Limiter paces moves on one server.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Mover relocates a torrent's content.
type Mover interface {
	Move(ctx context.Context, source, destinationDir string) (mover.Result, error)
}

// CycleReport summarizes one polling cycle.
type CycleReport struct {
	Seen         int // Torrents returned by the client
	Completed    int // Of those, torrents that finished downloading
	AlreadyMoved int // Completed torrents the ledger already marks as moved
	Moved        int // Torrents moved during this cycle
	Skipped      int // Torrents whose destination already existed
	Failed       int // Torrents left pending for the next cycle
}

type Poller struct {
	server    config.Server
	client    transfer.TorrentClient
	ledger    Ledger
	limiter   Limiter
	mover     Mover
	notifier  notifier.Notifier
	telemetry *telemetry.Telemetry

	interval      time.Duration
	restartDelay  time.Duration
	authenticated bool
}

// Option configures a Poller.
type Option func(*Poller)

// WithNotifier sends a message for every move and every failed move.
func WithNotifier(n notifier.Notifier) Option {
	return func(p *Poller) {
		p.notifier = n
	}
}

// WithTelemetry records move and cycle metrics.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(p *Poller) {
		p.telemetry = t
	}
}

// New returns a poller for server. The client should already be gated by
// the server's rate limiter; limiter itself paces the moves.
func New(server config.Server, client transfer.TorrentClient, ledger Ledger, limiter Limiter, m Mover, opts ...Option) *Poller {
	p := &Poller{
		server:       server,
		client:       client,
		ledger:       ledger,
		limiter:      limiter,
		mover:        m,
		interval:     server.Interval(),
		restartDelay: time.Second,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Name returns the name of the server this poller watches.
func (p *Poller) Name() string {
	return p.server.Name
}

// Run runs a cycle immediately and then on every tick until ctx is done.
// A panic inside a cycle is logged and the loop starts over.
func (p *Poller) Run(ctx context.Context) error {
	ctx, logger := logctx.With(ctx, "server", p.server.Name)

	logger.InfoContext(ctx, "poller started", "interval", p.interval, "rate_limit_delay", p.server.RateLimit())

	for {
		err := p.loop(ctx)
		if err == nil || ctx.Err() != nil {
			logger.InfoContext(ctx, "poller shutdown", "reason", "context_cancelled")

			return nil
		}

		logger.InfoContext(ctx, "restarting poller after panic")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.restartDelay):
		}
	}
}

func (p *Poller) loop(ctx context.Context) (err error) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "poller panic",
				"operation", "run_cycle",
				"panic", r,
				"stack", string(debug.Stack()))
			p.telemetry.RecordSystemError(ctx, "poller", "panic")

			err = fmt.Errorf("poller panic: %v", r)
		}
	}()

	p.runOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *Poller) runOnce(ctx context.Context) {
	if _, err := p.RunCycle(ctx); err != nil && ctx.Err() == nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "poll cycle failed", "err", err)
	}
}

// RunCycle performs one full cycle. It returns an error only when the
// torrent list could not be fetched or ctx was cancelled; per-torrent
// failures are counted in the report and retried next cycle.
func (p *Poller) RunCycle(ctx context.Context) (CycleReport, error) {
	logger := logctx.LoggerFromContext(ctx)

	var report CycleReport

	torrents, err := p.fetch(ctx)
	if err != nil {
		p.telemetry.RecordPollCycle(ctx, p.server.Name, "error")

		return report, fmt.Errorf("failed to fetch torrents: %w", err)
	}

	report.Seen = len(torrents)

	for _, t := range torrents {
		if err := ctx.Err(); err != nil {
			p.telemetry.RecordPollCycle(ctx, p.server.Name, "cancelled")

			return report, err
		}

		if !t.IsCompleted() {
			continue
		}

		report.Completed++

		if err := p.process(ctx, t, &report); err != nil {
			p.telemetry.RecordPollCycle(ctx, p.server.Name, "cancelled")

			return report, err
		}
	}

	p.telemetry.RecordPendingMoves(ctx, p.server.Name, report.Failed)
	p.telemetry.RecordPollCycle(ctx, p.server.Name, "success")

	logger.InfoContext(ctx, "poll cycle finished",
		"seen", report.Seen,
		"completed", report.Completed,
		"already_moved", report.AlreadyMoved,
		"moved", report.Moved,
		"skipped", report.Skipped,
		"failed", report.Failed)

	return report, nil
}

func (p *Poller) fetch(ctx context.Context) ([]*transfer.Torrent, error) {
	if !p.authenticated {
		if err := p.client.Authenticate(ctx); err != nil {
			return nil, err
		}

		p.authenticated = true
	}

	torrents, err := transfer.ListWithReauth(ctx, p.client)
	if err != nil {
		var authErr *transfer.AuthenticationError
		if errors.As(err, &authErr) {
			p.authenticated = false
		}

		return nil, err
	}

	return torrents, nil
}

// process handles one completed torrent. It only returns an error when ctx
// was cancelled before the move started.
func (p *Poller) process(ctx context.Context, t *transfer.Torrent, report *CycleReport) error {
	ctx, logger := logctx.With(ctx, "hash", t.Hash, "category", t.Category)

	moved, err := p.ledger.IsMoved(ctx, t.Hash)
	if err != nil {
		logger.ErrorContext(ctx, "failed to read ledger, skipping torrent", "err", err)
		report.Failed++

		return nil
	}

	if moved {
		report.AlreadyMoved++

		return nil
	}

	if err := p.limiter.Acquire(ctx); err != nil {
		return err
	}

	plan, err := resolver.Plan(*t, p.server)
	if err != nil {
		logger.WarnContext(ctx, "cannot resolve destination, leaving torrent pending", "name", t.Name, "err", err)
		p.recordFailure(ctx, t.Hash, "", err)
		report.Failed++

		return nil
	}

	if err := p.ledger.RecordAttempt(ctx, t.Hash, plan.DestinationDir, nil); err != nil {
		logger.ErrorContext(ctx, "failed to record move attempt, skipping torrent", "err", err)
		report.Failed++

		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// The move and the ledger writes that follow it run to completion even
	// during shutdown.
	moveCtx := context.WithoutCancel(ctx)

	var result mover.Result

	err = p.telemetry.InstrumentMove(moveCtx, p.server.Name, func(ctx context.Context) error {
		var err error

		result, err = p.mover.Move(ctx, plan.Source, plan.DestinationDir)

		return err
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to move torrent, will retry next cycle",
			"source", plan.Source, "destination_dir", plan.DestinationDir, "err", err)
		p.recordFailure(moveCtx, t.Hash, plan.DestinationDir, err)
		p.notify(moveCtx, fmt.Sprintf("Failed to move **%s** (%s): %v", t.Name, p.server.Name, err))
		report.Failed++

		return nil
	}

	if err := p.ledger.RecordSuccess(moveCtx, t.Hash, result.Destination); err != nil {
		// The content is in place, so the next cycle finds the destination
		// and records the move then.
		logger.ErrorContext(ctx, "moved torrent but failed to record it", "destination", result.Destination, "err", err)
		report.Failed++

		return nil
	}

	if result.Skipped {
		report.Skipped++
	} else {
		report.Moved++
		p.telemetry.RecordMovedBytes(moveCtx, p.server.Name, result.Bytes)
	}

	logger.InfoContext(ctx, "torrent moved",
		"name", t.Name,
		"destination", result.Destination,
		"skipped", result.Skipped,
		"cross_volume", result.CrossVolume,
		"size", humanize.Bytes(uint64(result.Bytes)))

	p.removeFromClient(ctx, t)
	p.notify(moveCtx, fmt.Sprintf("Moved **%s** to `%s` (%s)", t.Name, result.Destination, p.server.Name))

	return nil
}

func (p *Poller) recordFailure(ctx context.Context, hash, destination string, cause error) {
	if err := p.ledger.RecordAttempt(ctx, hash, destination, cause); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to record failed attempt", "err", err)
	}
}

func (p *Poller) removeFromClient(ctx context.Context, t *transfer.Torrent) {
	if !p.server.RemoveAfterMove {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	remover, ok := p.client.(transfer.TorrentRemover)
	if !ok {
		logger.WarnContext(ctx, "client cannot remove torrents, leaving it in place")

		return
	}

	if err := remover.RemoveTorrent(ctx, t.Hash); err != nil {
		if errors.Is(err, transfer.ErrRemoveUnsupported) {
			logger.WarnContext(ctx, "client cannot remove torrents, leaving it in place")

			return
		}

		logger.ErrorContext(ctx, "failed to remove torrent from client", "err", err)

		return
	}

	logger.InfoContext(ctx, "torrent removed from client")
}

func (p *Poller) notify(ctx context.Context, content string) {
	if p.notifier == nil {
		return
	}

	if err := p.notifier.Notify(ctx, content); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to send notification", "err", err)
	}
}
