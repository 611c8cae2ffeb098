package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"beamlinecore/pkg/domain"
)

// DefaultArchivePrefix is the key prefix under which queue exports are kept.
const DefaultArchivePrefix = "queues/"

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// QueueArchive stores named task queue exports as JSON objects. Every export
// gets a fresh key, so exporting the same name twice keeps both copies.
type QueueArchive struct {
	store  Store
	prefix string
	newID  func() string
}

// NewQueueArchive wraps store. An empty prefix uses DefaultArchivePrefix.
func NewQueueArchive(store Store, prefix string) *QueueArchive {
	if prefix == "" {
		prefix = DefaultArchivePrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &QueueArchive{store: store, prefix: prefix, newID: uuid.NewString}
}

// Export validates and writes snap under a key derived from name.
func (a *QueueArchive) Export(ctx context.Context, name string, snap domain.QueueSnapshot) (domain.ArchiveEntry, error) {
	slug := strings.Trim(unsafeName.ReplaceAllString(strings.TrimSpace(name), "-"), "-.")
	if slug == "" {
		return domain.ArchiveEntry{}, fmt.Errorf("%w: archive name %q", ErrInvalidKey, name)
	}
	if err := snap.Validate(); err != nil {
		return domain.ArchiveEntry{}, fmt.Errorf("export queue: %w", err)
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return domain.ArchiveEntry{}, fmt.Errorf("encode queue: %w", err)
	}
	tasks := 0
	for _, list := range snap.Tasks {
		tasks += len(list)
	}
	key := a.prefix + slug + "-" + a.newID() + ".json"
	info, err := a.store.Put(ctx, key, bytes.NewReader(raw), PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"name": name, "tasks": strconv.Itoa(tasks)},
	})
	if err != nil {
		return domain.ArchiveEntry{}, err
	}
	return entryFor(info), nil
}

// Import reads and validates the export stored at key.
func (a *QueueArchive) Import(ctx context.Context, key string) (domain.QueueSnapshot, error) {
	if !strings.HasPrefix(key, a.prefix) {
		return domain.QueueSnapshot{}, fmt.Errorf("%w: %q is not a queue archive", ErrInvalidKey, key)
	}
	_, rc, err := a.store.Get(ctx, key)
	if err != nil {
		return domain.QueueSnapshot{}, err
	}
	defer rc.Close()
	var snap domain.QueueSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return domain.QueueSnapshot{}, fmt.Errorf("%w: queue archive %s: %v", domain.ErrMalformedPayload, key, err)
	}
	if err := snap.Validate(); err != nil {
		return domain.QueueSnapshot{}, fmt.Errorf("queue archive %s: %w", key, err)
	}
	return snap, nil
}

// List returns the stored exports ordered by key.
func (a *QueueArchive) List(ctx context.Context) ([]domain.ArchiveEntry, error) {
	infos, err := a.store.List(ctx, a.prefix)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ArchiveEntry, len(infos))
	for i, info := range infos {
		out[i] = entryFor(info)
	}
	return out, nil
}

// Delete removes an export. It reports false when key was not stored.
func (a *QueueArchive) Delete(ctx context.Context, key string) (bool, error) {
	if !strings.HasPrefix(key, a.prefix) {
		return false, fmt.Errorf("%w: %q is not a queue archive", ErrInvalidKey, key)
	}
	return a.store.Delete(ctx, key)
}

func entryFor(info Info) domain.ArchiveEntry {
	return domain.ArchiveEntry{Key: info.Key, Size: info.Size, CreatedAt: info.LastModified}
}
