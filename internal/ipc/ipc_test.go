package ipc_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"clawd/internal/daemon"
	"clawd/internal/events"
	"clawd/internal/ipc"
	"clawd/internal/logging"
	"clawd/internal/testsupport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	daemon *daemon.Daemon
	client *ipc.Client
	socket string
}

func newHarness(t *testing.T, handled chan<- *events.Event, opts ...daemon.Option) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithoutPowerOptimization())
	logger := logging.NewNop()

	if handled != nil {
		opts = append(opts, daemon.WithComponent(daemon.ComponentBrain, func() (any, error) {
			return daemon.EngineFunc(func(_ context.Context, ev *events.Event) error {
				handled <- ev
				return nil
			}), nil
		}, nil))
	}
	opts = append(opts, daemon.WithPowerMonitor(false))
	d, err := daemon.New(cfg, logger, opts...)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() {
		_ = d.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logPath := cfg.LogPath()
	if err := os.WriteFile(logPath, []byte("first\nsecond\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	socket := cfg.SocketPath()
	srv, err := ipc.NewServer(ctx, socket, d, logger, ipc.WithLogPath(logPath))
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping IPC server test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	t.Cleanup(srv.Close)

	client, err := ipc.Dial(socket)
	if err != nil {
		t.Fatalf("ipc.Dial: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return &harness{daemon: d, client: client, socket: socket}
}

func TestIPCServerClient(t *testing.T) {
	handled := make(chan *events.Event, 1)
	h := newHarness(t, handled)

	startResp, err := h.client.Start()
	if err != nil {
		t.Fatalf("Start RPC failed: %v", err)
	}
	if !startResp.Started {
		t.Fatalf("expected Started=true, message=%s", startResp.Message)
	}

	status, err := h.client.Status()
	if err != nil {
		t.Fatalf("Status RPC failed: %v", err)
	}
	if !status.Running {
		t.Fatal("expected running status")
	}
	if status.State != "idle" {
		t.Fatalf("expected idle state, got %q", status.State)
	}
	if len(status.Components) != 2 {
		t.Fatalf("expected brain and voice components, got %+v", status.Components)
	}
	if status.PID != os.Getpid() {
		t.Fatalf("unexpected pid %d", status.PID)
	}

	emitResp, err := h.client.Emit(ipc.EmitRequest{
		Kind:     "user",
		Priority: "high",
		Payload:  map[string]string{"text": "hello"},
		ID:       "tg-1001",
	})
	if err != nil {
		t.Fatalf("Emit RPC failed: %v", err)
	}
	if emitResp.ID != "tg-1001" || emitResp.Kind != "user" || emitResp.Priority != "high" {
		t.Fatalf("unexpected emit response %+v", emitResp)
	}
	select {
	case ev := <-handled:
		if ev.ID != emitResp.ID {
			t.Fatalf("handled %s, emitted %s", ev.ID, emitResp.ID)
		}
		payload := ev.Payload.(map[string]string)
		if payload["text"] != "hello" || payload["source"] != "ipc" {
			t.Fatalf("unexpected payload %#v", payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("emitted event was not handled")
	}

	unloadResp, err := h.client.Unload(daemon.ComponentBrain)
	if err != nil {
		t.Fatalf("Unload RPC failed: %v", err)
	}
	if !unloadResp.Unloaded {
		t.Fatal("expected brain to be unloaded after handling")
	}
	if _, err := h.client.Unload("missing"); err == nil {
		t.Fatal("expected error unloading unknown component")
	}

	wakeResp, err := h.client.Wake()
	if err != nil {
		t.Fatalf("Wake RPC failed: %v", err)
	}
	if wakeResp.Woke {
		t.Fatal("idle daemon should not report waking")
	}

	stopResp, err := h.client.Stop(time.Second)
	if err != nil {
		t.Fatalf("Stop RPC failed: %v", err)
	}
	if !stopResp.Stopped {
		t.Fatal("expected Stopped=true")
	}
	status, err = h.client.Status()
	if err != nil {
		t.Fatalf("Status RPC failed: %v", err)
	}
	if status.Running {
		t.Fatal("expected stopped status")
	}
}

func TestIPCEmitRejectsUnknownKind(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.client.Emit(ipc.EmitRequest{Kind: "fax"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if _, err := h.client.Emit(ipc.EmitRequest{Kind: "user", Priority: "urgent-ish"}); err == nil {
		t.Fatal("expected error for unknown priority")
	}
}

func TestIPCAuditTail(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.client.AuditTail(1, 10); err == nil || !strings.Contains(err.Error(), "audit") {
		t.Fatalf("expected audit disabled error, got %v", err)
	}
}

func TestIPCAuditTailWithStore(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenAudit(t, cfg)
	h := newHarness(t, nil, daemon.WithAuditLog(store))

	if _, err := h.client.Start(); err != nil {
		t.Fatalf("Start RPC failed: %v", err)
	}
	resp, err := h.client.AuditTail(0, 0)
	if err != nil {
		t.Fatalf("AuditTail RPC failed: %v", err)
	}
	found := false
	for _, e := range resp.Entries {
		if e.Action == "daemon_start" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected daemon_start entry, got %+v", resp.Entries)
	}
}

func TestIPCLogTail(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := h.client.LogTail(ipc.LogTailRequest{Offset: -1, Limit: 1})
	if err != nil {
		t.Fatalf("LogTail RPC failed: %v", err)
	}
	if len(resp.Lines) != 1 || resp.Lines[0] != "second" {
		t.Fatalf("unexpected lines %#v", resp.Lines)
	}
	if resp.Offset == 0 {
		t.Fatal("expected offset to advance")
	}
}

func TestServerRemovesSocketOnClose(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, err := daemon.New(cfg, nil, daemon.WithPowerMonitor(false))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	socket := filepath.Join(cfg.Paths.LogDir, "close.sock")
	if err := os.WriteFile(socket, []byte("stale"), 0o600); err != nil {
		t.Fatalf("write stale socket: %v", err)
	}
	srv, err := ipc.NewServer(context.Background(), socket, d, nil)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping IPC server test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	client, err := ipc.Dial(socket)
	if err != nil {
		t.Fatalf("ipc.Dial: %v", err)
	}
	srv.Close()
	_ = client.Close()
	if _, err := os.Stat(socket); !os.IsNotExist(err) {
		t.Fatalf("expected socket removed, stat err=%v", err)
	}
}

func TestNewServerRequiresDaemon(t *testing.T) {
	if _, err := ipc.NewServer(context.Background(), filepath.Join(t.TempDir(), "x.sock"), nil, nil); err == nil {
		t.Fatal("expected error without daemon")
	}
}
