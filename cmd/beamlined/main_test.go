package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"beamlinecore/internal/core"
	"beamlinecore/pkg/domain"
)

// lockedBuffer serializes writes from the logger and the tracer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("BEAMLINECORE_CONFIG", "")
	t.Setenv("BEAMLINECORE_ARCHIVE_DRIVER", "memory")
	t.Setenv("BEAMLINECORE_SERVER_ADDR", "127.0.0.1:0")
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	isolateEnv(t)
	t.Setenv("BEAMLINECORE_STORAGE_DRIVER", "floppy")

	var stderr bytes.Buffer
	err := run(context.Background(), nil, &stderr)
	if err == nil || !strings.Contains(err.Error(), "storage.driver") {
		t.Fatalf("expected storage driver error, got %v", err)
	}
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	isolateEnv(t)
	var stderr bytes.Buffer
	if err := run(context.Background(), []string{"-bogus"}, &stderr); err == nil {
		t.Fatalf("expected flag error")
	}
}

func TestRunStartsAndStopsOnCancel(t *testing.T) {
	isolateEnv(t)
	device := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/beamline/"):
			_, _ = w.Write([]byte(`{"attributes":[{"name":"energy","value":12.7,"state":"READY"}]}`))
		case strings.HasSuffix(r.URL.Path, "/get_initial_state"):
			_, _ = w.Write([]byte(`{"state":"READY","loaded_sample":{"address":"","barcode":""},"contents":{"name":"SC","children":[]},"msg":""}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer device.Close()
	t.Setenv("BEAMLINECORE_DEVICE_BASE_URL", device.URL+"/api/")

	ctx, cancel := context.WithCancel(context.Background())
	stderr := &lockedBuffer{}
	done := make(chan error, 1)
	go func() { done <- run(ctx, []string{"-trace"}, stderr) }()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context cancelled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}
	if !strings.Contains(stderr.String(), `"operation":"fetch_attributes"`) {
		t.Fatalf("expected command spans in output, got %q", stderr.String())
	}
}

func TestOperatorTaskCreatorNotifies(t *testing.T) {
	log := core.NewNotificationLog(nil, nil, 4)
	creator := operatorTaskCreator(log)
	req := domain.TaskRequest{
		Kind:       domain.KindInterleaved,
		SampleIDs:  []string{"s1"},
		Parameters: map[string]any{"taskIndexList": []int{0, 1}},
		Index:      -1,
	}
	if err := creator.CreateTask(context.Background(), req); err != nil {
		t.Fatalf("create task: %v", err)
	}
	entries := log.Entries()
	if len(entries) != 1 || entries[0].Operation != "create_task" || entries[0].Severity != core.SeverityInfo {
		t.Fatalf("unexpected notifications %+v", entries)
	}
	var got domain.TaskRequest
	if err := json.Unmarshal([]byte(entries[0].Message), &got); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if got.Kind != domain.KindInterleaved || got.Index != -1 || len(got.SampleIDs) != 1 {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger("warn", &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("unexpected log output %q", out)
	}
}
