package job

import (
	"context"
	"time"
)

// Store persists the history of batches and their items.
type Store interface {
	CreateBatch(ctx context.Context, b *Batch) error
	GetBatch(ctx context.Context, id string) (*Batch, error)
	MarkRunning(ctx context.Context, itemID string, at time.Time) error
	FinishItem(ctx context.Context, itemID string, status Status, message string, at time.Time) error
	Settle(ctx context.Context, s Settlement) error
	// ResetRunning fails every item still "running" and aborts its batch.
	// Called at startup to close out batches interrupted by a crash.
	ResetRunning(ctx context.Context) ([]string, error)
	// ListBatches returns a page of batches ordered by started_at DESC, plus the total count.
	ListBatches(ctx context.Context, limit, offset int) ([]*Batch, int, error)
	DeleteSettledBefore(ctx context.Context, before time.Time) (int64, error)
}
