package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"beamlinecore/internal/blob/core"
)

func TestMockStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMock()
	if store.Driver() != core.DriverS3 || store.Bucket() != "mock-bucket" {
		t.Fatalf("unexpected store %s/%s", store.Driver(), store.Bucket())
	}

	info, err := store.Put(ctx, "queues/night.json", bytes.NewReader([]byte(`{"tasks":{}}`)), core.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"name": "night"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "queues/night.json" || info.Size != 12 || info.ContentType != "application/json" {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.Metadata["name"] != "night" {
		t.Fatalf("metadata lost: %+v", info.Metadata)
	}
	if _, err := store.Put(ctx, "queues/night.json", bytes.NewReader([]byte("x")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	_, rc, err := store.Get(ctx, "queues/night.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != `{"tasks":{}}` {
		t.Fatalf("unexpected body %q", body)
	}
	if _, _, err := store.Get(ctx, "queues/missing.json"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	ok, err := store.Delete(ctx, "queues/night.json")
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := store.Delete(ctx, "queues/night.json"); ok || err != nil {
		t.Fatalf("second delete: %v %v", ok, err)
	}
}

func TestMockStoreListFollowsContinuation(t *testing.T) {
	ctx := context.Background()
	store := NewMock()
	for i := 3; i >= 1; i-- {
		key := fmt.Sprintf("queues/q%d.json", i)
		if _, err := store.Put(ctx, key, bytes.NewReader([]byte("{}")), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	if _, err := store.Put(ctx, "other/x.json", bytes.NewReader([]byte("{}")), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}

	list, err := store.List(ctx, "queues/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 objects across pages, got %+v", list)
	}
	for i, info := range list {
		if want := fmt.Sprintf("queues/q%d.json", i+1); info.Key != want || info.Size != 2 {
			t.Fatalf("entry %d = %+v, want %s", i, info, want)
		}
	}
}

func TestPutRejectsEmptyKey(t *testing.T) {
	if _, err := NewMock().Put(context.Background(), "", bytes.NewReader(nil), core.PutOptions{}); !errors.Is(err, core.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
	store, err := New(context.Background(), Config{
		Bucket:          "archive",
		Endpoint:        "http://127.0.0.1:9000",
		AccessKeyID:     "minio",
		SecretAccessKey: "minio123",
		PathStyle:       true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if store.Bucket() != "archive" {
		t.Fatalf("unexpected bucket %s", store.Bucket())
	}
}
