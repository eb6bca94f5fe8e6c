package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no move record exists for a hash.
var ErrNotFound = errors.New("move record not found")

// MoveRecord is the persisted state of one torrent on one server.
type MoveRecord struct {
	Server      string     `json:"server"`
	Hash        string     `json:"hash"`
	Moved       bool       `json:"moved"`
	Destination string     `json:"destination,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	RetryCount  int        `json:"retry_count"`
	FirstSeenAt time.Time  `json:"first_seen_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	MovedAt     *time.Time `json:"moved_at,omitempty"`
}

// MoveReadRepository reads move records. Records are namespaced by server
// because hashes are only unique within one client instance.
type MoveReadRepository interface {
	IsMoved(ctx context.Context, server, hash string) (bool, error)
	GetMove(ctx context.Context, server, hash string) (*MoveRecord, error)
	ListMoves(ctx context.Context, server string) ([]MoveRecord, error)
}

// MoveWriteRepository mutates move records. Once a record is moved no write
// changes it again.
type MoveWriteRepository interface {
	// RecordAttempt creates or updates a pending record. A non-nil cause is
	// stored as the last error and increments the retry count. An empty
	// destination keeps the previously recorded one.
	RecordAttempt(ctx context.Context, server, hash, destination string, cause error) error
	// RecordSuccess marks the record as moved.
	RecordSuccess(ctx context.Context, server, hash, destination string) error
}

type MoveRepository interface {
	MoveReadRepository
	MoveWriteRepository
}
