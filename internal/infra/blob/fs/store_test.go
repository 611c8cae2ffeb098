package fs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"beamlinecore/internal/blob/core"
)

func newTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestStorePutGetListDelete(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	payload := []byte(`{"tasks":{"s1":[]}}`)

	info, err := store.Put(ctx, "queues/night.json", bytes.NewReader(payload), core.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"name": "night"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	sum := sha256.Sum256(payload)
	if info.Size != int64(len(payload)) || info.ETag != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, "queues/night.json", bytes.NewReader(nil), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	got, rc, err := store.Get(ctx, "queues/night.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	if err := rc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !bytes.Equal(body, payload) || got.ETag != info.ETag || got.Metadata["name"] != "night" || got.ContentType != "application/json" {
		t.Fatalf("unexpected object %q %+v", body, got)
	}

	if _, err := store.Put(ctx, "queues/day.json", bytes.NewReader([]byte("{}")), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Put(ctx, "other.json", bytes.NewReader([]byte("{}")), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	list, err := store.List(ctx, "queues/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Key != "queues/day.json" || list[1].Key != "queues/night.json" {
		t.Fatalf("unexpected list %+v", list)
	}

	ok, err := store.Delete(ctx, "queues/night.json")
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "queues", "night.json"+metaSuffix)); !os.IsNotExist(err) {
		t.Fatalf("sidecar not removed: %v", err)
	}
	if ok, err := store.Delete(ctx, "queues/night.json"); ok || err != nil {
		t.Fatalf("second delete: %v %v", ok, err)
	}
	if _, _, err := store.Get(ctx, "queues/night.json"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreRejectsUnsafeKeys(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	for _, key := range []string{"", "  ", "/etc/passwd", "../escape", "a/../../b", "queues/x.meta"} {
		if _, err := store.Put(ctx, key, bytes.NewReader([]byte("x")), core.PutOptions{}); !errors.Is(err, core.ErrInvalidKey) {
			t.Fatalf("key %q: expected ErrInvalidKey, got %v", key, err)
		}
		if _, _, err := store.Get(ctx, key); !errors.Is(err, core.ErrInvalidKey) {
			t.Fatalf("key %q: expected ErrInvalidKey on get, got %v", key, err)
		}
	}
}

func TestStoreReportsCorruptSidecar(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	if _, err := store.Put(ctx, "queues/a.json", bytes.NewReader([]byte("{}")), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	meta := filepath.Join(store.Root(), "queues", "a.json"+metaSuffix)
	if err := os.WriteFile(meta, []byte("not json"), 0o644); err != nil {
		t.Fatalf("corrupt sidecar: %v", err)
	}
	if _, _, err := store.Get(ctx, "queues/a.json"); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := store.List(ctx, ""); err == nil {
		t.Fatalf("expected list to surface the decode error")
	}
}

func TestNewDefaultsRoot(t *testing.T) {
	wd, _ := os.Getwd()
	dir := t.TempDir()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	store, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if store.Root() != "./archive" {
		t.Fatalf("unexpected default root %s", store.Root())
	}
	if _, err := os.Stat(filepath.Join(dir, "archive")); err != nil {
		t.Fatalf("default root not created: %v", err)
	}
}
