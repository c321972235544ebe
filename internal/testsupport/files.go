package testsupport

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteMarker drops a signal marker named name into dir. Markers are written
// under a temporary name and renamed so watchers never see a partial file.
func WriteMarker(t testing.TB, dir, name string) string {
	t.Helper()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	target := filepath.Join(dir, name)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write %s: %v", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		t.Fatalf("rename %s: %v", target, err)
	}
	return target
}
