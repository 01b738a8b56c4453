// Package state persists the ingestion checkpoint between runs.
package state

import (
	"context"
	"errors"

	"github.com/Lllllllleong/servicerequestflow/internal/models"
)

// ErrNoState is returned by Read when no run has ever committed a checkpoint.
var ErrNoState = errors.New("state: no previous ingestion state")

// Store reads and writes the single checkpoint record. Writes are plain
// upserts: there is no versioning and the last writer wins.
type Store interface {
	Read(ctx context.Context) (*models.IngestionState, error)
	Write(ctx context.Context, timestamp string) error
}
