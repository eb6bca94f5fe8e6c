package storage

import (
	"context"
	"fmt"
)

// Ledger is one server's partition of the move records. Calls for the same
// hash are serialized; calls for different hashes run independently.
type Ledger struct {
	repo   MoveRepository
	server string
	locks  *keyLock
}

// NewLedger returns the partition of repo that belongs to server.
func NewLedger(repo MoveRepository, server string) *Ledger {
	return &Ledger{
		repo:   repo,
		server: server,
		locks:  newKeyLock(),
	}
}

// Server returns the server this ledger belongs to.
func (l *Ledger) Server() string {
	return l.server
}

// IsMoved reports whether hash was already moved.
func (l *Ledger) IsMoved(ctx context.Context, hash string) (bool, error) {
	defer l.locks.Lock(hash)()

	moved, err := l.repo.IsMoved(ctx, l.server, hash)
	if err != nil {
		return false, fmt.Errorf("failed to check move state of %s: %w", hash, err)
	}

	return moved, nil
}

// RecordAttempt stores a pending attempt. It never clears the moved flag.
func (l *Ledger) RecordAttempt(ctx context.Context, hash, destination string, cause error) error {
	defer l.locks.Lock(hash)()

	if err := l.repo.RecordAttempt(ctx, l.server, hash, destination, cause); err != nil {
		return fmt.Errorf("failed to record move attempt of %s: %w", hash, err)
	}

	return nil
}

// RecordSuccess marks hash as moved to destination.
func (l *Ledger) RecordSuccess(ctx context.Context, hash, destination string) error {
	defer l.locks.Lock(hash)()

	if err := l.repo.RecordSuccess(ctx, l.server, hash, destination); err != nil {
		return fmt.Errorf("failed to record move of %s: %w", hash, err)
	}

	return nil
}

// Get returns the record for hash, or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, hash string) (*MoveRecord, error) {
	defer l.locks.Lock(hash)()

	return l.repo.GetMove(ctx, l.server, hash)
}

// List returns every record of this server.
func (l *Ledger) List(ctx context.Context) ([]MoveRecord, error) {
	return l.repo.ListMoves(ctx, l.server)
}
