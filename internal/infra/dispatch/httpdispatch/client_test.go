package httpdispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"beamlinecore/pkg/domain"
)

type recordedRequest struct {
	method, path, requestID, contentType string
	body                                 string
}

type recorder struct {
	mu   sync.Mutex
	reqs []recordedRequest
}

func (r *recorder) first() recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reqs[0]
}

func newServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *recorder) {
	t.Helper()
	seen := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen.mu.Lock()
		defer seen.mu.Unlock()
		seen.reqs = append(seen.reqs, recordedRequest{
			method:      r.Method,
			path:        r.URL.Path,
			requestID:   r.Header.Get(RequestIDHeader),
			contentType: r.Header.Get("Content-Type"),
			body:        string(body),
		})
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	n := 0
	client, err := New(srv.URL+"/mxcube/api/v0.1", WithRequestIDs(func() string {
		n++
		return "req-" + string(rune('0'+n))
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client, seen
}

func TestDispatchSuccess(t *testing.T) {
	client, seen := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"SC","children":[]}`))
	})

	resp, err := client.Dispatch(context.Background(), domain.Command{
		Operation: "mount",
		Method:    http.MethodPost,
		Path:      "sample_changer/mount",
		Body:      domain.SampleData{SampleID: "ABC1", Location: "1:01"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !resp.OK || resp.Status != http.StatusOK || string(resp.Payload) != `{"name":"SC","children":[]}` {
		t.Fatalf("unexpected response %+v", resp)
	}
	got := seen.first()
	if got.method != http.MethodPost || got.path != "/mxcube/api/v0.1/sample_changer/mount" {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.requestID != "req-1" || got.contentType != "application/json" {
		t.Fatalf("missing headers %+v", got)
	}
	var sent domain.SampleData
	if err := json.Unmarshal([]byte(got.body), &sent); err != nil || sent.Location != "1:01" {
		t.Fatalf("unexpected body %s", got.body)
	}
}

func TestDispatchForwardsCommandRequestID(t *testing.T) {
	client, seen := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if _, err := client.Dispatch(context.Background(), domain.Command{Operation: "abort", Path: "sample_changer/send_command/abort", RequestID: "core-7"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := seen.first().requestID; got != "core-7" {
		t.Fatalf("expected command request id to be forwarded, got %q", got)
	}
}

func TestDispatchWithoutBody(t *testing.T) {
	client, seen := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("done"))
	})
	resp, err := client.Dispatch(context.Background(), domain.Command{Operation: "abort", Path: "/sample_changer/send_command/abort"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if string(resp.Payload) != `"done"` {
		t.Fatalf("plain text should be wrapped as a JSON string, got %s", resp.Payload)
	}
	if got := seen.first(); got.method != http.MethodGet || got.contentType != "" || got.body != "" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestDispatchRejections(t *testing.T) {
	cases := []struct {
		name    string
		handler func(w http.ResponseWriter)
		status  int
		message string
	}{
		{"header", func(w http.ResponseWriter) {
			w.Header().Set(MessageHeader, "Cannot load sample")
			w.WriteHeader(http.StatusConflict)
		}, http.StatusConflict, "Cannot load sample"},
		{"json body", func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"value out of range"}`))
		}, http.StatusBadRequest, "value out of range"},
		{"text body", func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("robot offline\n"))
		}, http.StatusInternalServerError, "robot offline"},
		{"empty", func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusNotAcceptable)
		}, http.StatusNotAcceptable, "Not Acceptable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) { tc.handler(w) })
			resp, err := client.Dispatch(context.Background(), domain.Command{Operation: "op", Path: "x"})
			if err != nil {
				t.Fatalf("rejections are not transport errors: %v", err)
			}
			if resp.OK || resp.Status != tc.status || resp.Message != tc.message {
				t.Fatalf("unexpected response %+v", resp)
			}
		})
	}
}

func TestDispatchTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()
	client, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := client.Dispatch(ctx, domain.Command{Operation: "slow", Path: "beamline/"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	closed := httptest.NewServer(http.NotFoundHandler())
	url := closed.URL
	closed.Close()
	client, _ = New(url)
	if _, err := client.Dispatch(context.Background(), domain.Command{Operation: "gone", Path: "beamline/"}); err == nil {
		t.Fatalf("expected connection error")
	}
}

func TestNewValidatesBaseURL(t *testing.T) {
	for _, raw := range []string{"ftp://host", "://bad", "localhost:8081"} {
		if _, err := New(raw); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}

func TestDispatchRejectsUnencodableBody(t *testing.T) {
	client, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {})
	if _, err := client.Dispatch(context.Background(), domain.Command{Operation: "bad", Path: "x", Body: make(chan int)}); err == nil {
		t.Fatalf("expected encode error")
	}
}
