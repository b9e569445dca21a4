// Package session manages analysis sessions: named histories of analysis
// results that accumulate across clips and feed cross-turn insights.
//
// A session admits at most one in-flight analysis at a time. The pipeline
// brackets each run with [Store.Acquire] and [Store.Release]; a second
// concurrent acquire fails with [ErrAnalysisInProgress] so two runs can never
// interleave their appends. Appended results are immutable and all-or-nothing:
// a failed run appends nothing.
//
// Two implementations exist: [MemStore] (in-process, TTL-evicted) and the
// PostgreSQL-backed store in the postgres subpackage.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/candorlab/candor/pkg/analysis"
)

var (
	// ErrNotFound is returned for operations on a session ID that does not
	// exist (never created, expired, or deleted).
	ErrNotFound = errors.New("session: not found")

	// ErrAnalysisInProgress is returned by Acquire while another analysis
	// holds the session.
	ErrAnalysisInProgress = errors.New("session: analysis already in progress")
)

// Info is the metadata of one session.
type Info struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	// TurnCount is the number of results appended so far.
	TurnCount int `json:"turn_count"`
}

// Store is the session lifecycle contract shared by the in-memory and
// PostgreSQL implementations. All methods are safe for concurrent use.
type Store interface {
	// Create registers a new empty session and returns its metadata.
	Create(ctx context.Context) (Info, error)

	// Get returns the session's metadata, or ErrNotFound.
	Get(ctx context.Context, id string) (Info, error)

	// Acquire marks the session as having an analysis in flight. It returns
	// ErrNotFound for unknown sessions and ErrAnalysisInProgress when the
	// session is already held.
	Acquire(ctx context.Context, id string) error

	// Release clears the in-flight mark. Releasing an unknown or unheld
	// session is a no-op.
	Release(ctx context.Context, id string)

	// Append adds a completed result to the session's history. The append is
	// atomic: either the whole result is recorded or nothing is.
	Append(ctx context.Context, id string, result analysis.Result) error

	// History returns the session's results oldest-first. The slice is never
	// nil — an empty session yields an empty slice. The caller owns the
	// returned slice.
	History(ctx context.Context, id string) ([]analysis.Result, error)

	// Delete removes the session and its history. Deleting an unknown
	// session is not an error.
	Delete(ctx context.Context, id string) error

	// Close releases the store's resources. The store must not be used
	// afterwards.
	Close() error
}
