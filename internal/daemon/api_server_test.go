package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clawd/internal/audit"
	"clawd/internal/lifecycle"
	"clawd/internal/testsupport"
)

type memoryAudit struct {
	entries []audit.Entry
}

func (m *memoryAudit) Record(_ context.Context, e audit.Entry) error {
	m.entries = append(m.entries, e)
	return nil
}

func (m *memoryAudit) Recent(_ context.Context, since time.Time, limit int) ([]audit.Entry, error) {
	var out []audit.Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].Timestamp.Before(since) {
			continue
		}
		out = append(out, m.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func newInternalDaemon(t *testing.T, opts ...Option) *Daemon {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	opts = append([]Option{WithPowerMonitor(false)}, opts...)
	d, err := New(cfg, nil, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestNewAPIServerDisabledWithoutBind(t *testing.T) {
	d := newInternalDaemon(t)
	srv, err := newAPIServer(d.cfg, d, nil)
	if err != nil || srv != nil {
		t.Fatalf("expected no server without api_bind, got %v, %v", srv, err)
	}
	if err := srv.start(context.Background()); err != nil {
		t.Fatalf("nil start: %v", err)
	}
	srv.stop()
	if srv.Addr() != "" {
		t.Fatal("nil server should have no address")
	}
}

func TestAPIServerHandleStatus(t *testing.T) {
	d := newInternalDaemon(t)
	srv := &apiServer{daemon: d, logger: d.logger}

	w := httptest.NewRecorder()
	srv.handleStatus(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", w.Code)
	}
	var status Status
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if status.Running {
		t.Fatal("unstarted daemon should not report running")
	}
	if status.LockFilePath != d.LockPath() {
		t.Fatalf("unexpected lock path %q", status.LockFilePath)
	}

	w = httptest.NewRecorder()
	srv.handleStatus(w, httptest.NewRequest(http.MethodPost, "/api/status", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestAPIServerHandleComponents(t *testing.T) {
	d := newInternalDaemon(t)
	if _, err := lifecycle.Borrow[Engine](d.Components(), ComponentVoice); err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	srv := &apiServer{daemon: d, logger: d.logger}

	w := httptest.NewRecorder()
	srv.handleComponents(w, httptest.NewRequest(http.MethodGet, "/api/components", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", w.Code)
	}
	var stats lifecycle.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if stats.TotalComponents != 2 || stats.LoadedComponents != 1 {
		t.Fatalf("unexpected component stats %+v", stats)
	}
}

func TestAPIServerHandleAudit(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		d := newInternalDaemon(t)
		srv := &apiServer{daemon: d, logger: d.logger}
		w := httptest.NewRecorder()
		srv.handleAudit(w, httptest.NewRequest(http.MethodGet, "/api/audit", nil))
		if w.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", w.Code)
		}
	})

	t.Run("entries", func(t *testing.T) {
		log := &memoryAudit{entries: []audit.Entry{
			{Timestamp: time.Now().Add(-48 * time.Hour), Action: "old"},
			{Timestamp: time.Now().Add(-time.Minute), Action: "recent"},
		}}
		d := newInternalDaemon(t, WithAuditLog(log))
		srv := &apiServer{daemon: d, logger: d.logger}

		w := httptest.NewRecorder()
		srv.handleAudit(w, httptest.NewRequest(http.MethodGet, "/api/audit?hours=1", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200 OK, got %d", w.Code)
		}
		var resp struct {
			Entries []audit.Entry `json:"entries"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(resp.Entries) != 1 || resp.Entries[0].Action != "recent" {
			t.Fatalf("unexpected entries %+v", resp.Entries)
		}
	})

	t.Run("bad hours", func(t *testing.T) {
		d := newInternalDaemon(t, WithAuditLog(&memoryAudit{}))
		srv := &apiServer{daemon: d, logger: d.logger}
		w := httptest.NewRecorder()
		srv.handleAudit(w, httptest.NewRequest(http.MethodGet, "/api/audit?hours=-2", nil))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", w.Code)
		}
	})
}

func TestAuthMiddleware(t *testing.T) {
	ok := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }

	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"open without token", "", "", http.StatusNoContent},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"wrong token", "s3cret", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "s3cret", "Basic s3cret", http.StatusUnauthorized},
		{"valid token", "s3cret", "Bearer s3cret", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			authMiddleware(tt.token, ok)(w, req)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestAPIServerTracedEchoesRequestID(t *testing.T) {
	d := newInternalDaemon(t)
	srv := &apiServer{daemon: d, logger: d.logger}
	handler := srv.traced(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	handler(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("expected echoed request id, got %q", got)
	}

	w = httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if got := w.Header().Get("X-Request-ID"); len(got) != 36 {
		t.Fatalf("expected generated uuid request id, got %q", got)
	}
}

func TestAPIServerServesOverTCP(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithAPIBind("127.0.0.1:0", "tok"))
	d, err := New(cfg, nil, WithPowerMonitor(false))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop(time.Second)

	addr := d.api.Addr()
	if addr == "" {
		t.Fatal("expected api server address")
	}
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	req, _ := http.NewRequest(http.MethodGet, "http://"+addr+"/api/status", nil)
	req.Header.Set("Authorization", "Bearer tok")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var status Status
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Running {
		t.Fatal("expected running status over HTTP")
	}
}
