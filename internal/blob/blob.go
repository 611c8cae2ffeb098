// Package blob is the entry point to object storage. Callers depend on the
// Store interface; concrete backends live under internal/infra/blob and are
// only reachable through this package.
package blob

import (
	"context"
	"fmt"

	"beamlinecore/internal/blob/core"
	"beamlinecore/internal/infra/blob/fs"
	"beamlinecore/internal/infra/blob/memory"
	"beamlinecore/internal/infra/blob/s3"
)

type (
	// Driver identifies a backend.
	Driver = core.Driver
	// PutOptions configures a write.
	PutOptions = core.PutOptions
	// Info describes a stored object.
	Info = core.Info
	// Store is the object storage contract.
	Store = core.Store
	// S3Config holds bucket coordinates for the s3 driver.
	S3Config = s3.Config
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrNotFound   = core.ErrNotFound
	ErrExists     = core.ErrExists
	ErrInvalidKey = core.ErrInvalidKey
)

// Config selects a backend. An empty driver selects the filesystem.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// Open constructs the configured store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFilesystem:
		return NewFilesystem(cfg.FSRoot)
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

// NewFilesystem returns a store rooted at root.
func NewFilesystem(root string) (Store, error) { return fs.New(root) }

// NewMemory returns an in-memory store.
func NewMemory() Store { return memory.New() }

// NewS3 returns a store backed by an S3-compatible bucket.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) { return s3.New(ctx, cfg) }

// NewMockS3 returns an S3 store talking to an in-process fake bucket, for
// tests in other packages.
func NewMockS3() Store { return s3.NewMock() }
