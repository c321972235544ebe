package main

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"clawd/internal/testsupport"
)

func TestTestNotifyDisabled(t *testing.T) {
	_, configPath := setupOfflineEnv(t)

	out, _, err := runCLI(t, []string{"test-notify"}, "", configPath)
	if err != nil {
		t.Fatalf("test-notify: %v", err)
	}
	requireContains(t, out, "Notifications are disabled")
}

func TestTestNotifySends(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if got := r.Header.Get("Title"); got != "clawd - Test" {
			t.Errorf("unexpected title %q", got)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Notifications.NtfyTopic = server.URL
	configPath := writeTestConfig(t, cfg)

	out, _, err := runCLI(t, []string{"test-notify"}, "", configPath)
	if err != nil {
		t.Fatalf("test-notify: %v", err)
	}
	requireContains(t, out, "Test notification sent")
	if hits.Load() != 1 {
		t.Fatalf("expected one publish, got %d", hits.Load())
	}
}
