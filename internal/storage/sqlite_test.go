package storage

import (
	"context"
	"path/filepath"
	"testing"

	"genbot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "genbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteStore(t *testing.T) {
	runStoreChecks(t, openTestStore)
}

func TestExactAmount(t *testing.T) {
	for s, want := range map[string]bool{"1": true, "0.1234": true, "2.50000": true, "0.12345": false, "-0.00001": false} {
		if got := ExactAmount(dec(s)); got != want {
			t.Fatalf("ExactAmount(%s) = %v, want %v", s, got, want)
		}
	}
}
