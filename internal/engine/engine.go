// Package engine runs one poller per configured server and waits for all of
// them to stop.
package engine

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/italolelis/seedbox_mover/internal/logctx"
)

var ErrNoServers = errors.New("no servers configured")

// Runner is a long-running unit of work bound to one server.
type Runner interface {
	Name() string
	Run(ctx context.Context) error
}

type Engine struct {
	runners []Runner
}

func New(runners ...Runner) *Engine {
	return &Engine{runners: runners}
}

// Run starts every runner and blocks until all of them returned. A runner
// that fails does not stop the others; its error is logged and the first
// one is returned once everything stopped.
func (e *Engine) Run(ctx context.Context) error {
	if len(e.runners) == 0 {
		return ErrNoServers
	}

	logger := logctx.LoggerFromContext(ctx)

	var g errgroup.Group

	for _, r := range e.runners {
		g.Go(func() error {
			if err := r.Run(ctx); err != nil {
				logger.ErrorContext(ctx, "server stopped with error", "server", r.Name(), "err", err)

				return fmt.Errorf("server %s: %w", r.Name(), err)
			}

			return nil
		})
	}

	logger.InfoContext(ctx, "engine started", "servers", len(e.runners))

	err := g.Wait()

	logger.InfoContext(ctx, "engine stopped")

	return err
}
