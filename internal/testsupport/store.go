package testsupport

import (
	"testing"

	"clawd/internal/audit"
	"clawd/internal/config"
)

// MustOpenAudit opens the audit store under cfg's state directory and
// registers cleanup.
func MustOpenAudit(t testing.TB, cfg *config.Config) *audit.Store {
	t.Helper()

	store, err := audit.Open(cfg.AuditPath())
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
