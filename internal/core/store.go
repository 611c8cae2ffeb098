package core

import (
	"context"

	"beamlinecore/pkg/domain"
)

// QueueStore keeps the task queue across restarts. Load reports false when no
// snapshot has been saved yet.
type QueueStore interface {
	Load(ctx context.Context) (domain.QueueSnapshot, bool, error)
	Save(ctx context.Context, snap domain.QueueSnapshot) error
	Close() error
}

// QueueArchive stores named queue exports.
type QueueArchive interface {
	Export(ctx context.Context, name string, snap domain.QueueSnapshot) (domain.ArchiveEntry, error)
	Import(ctx context.Context, key string) (domain.QueueSnapshot, error)
	List(ctx context.Context) ([]domain.ArchiveEntry, error)
}
