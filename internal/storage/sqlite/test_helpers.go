package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

// NewTestStore opens a file-backed WAL store in a temp dir that is closed when
// the test ends.
func NewTestStore(t testing.TB) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
