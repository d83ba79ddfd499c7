package agents

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"penny/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "penny.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

// fakeSignals counts scheduler notifications.
type fakeSignals struct {
	messages   atomic.Int32
	startCount atomic.Int32
	endCount   atomic.Int32
}

func (f *fakeSignals) NotifyMessage()         { f.messages.Add(1) }
func (f *fakeSignals) NotifyForegroundStart() { f.startCount.Add(1) }
func (f *fakeSignals) NotifyForegroundEnd()   { f.endCount.Add(1) }

// fakeSearcher returns a canned response and records queries.
type fakeSearcher struct {
	response string
	urls     []string
	queries  []string
}

func (f *fakeSearcher) Search(_ context.Context, query string) (string, []string, error) {
	f.queries = append(f.queries, query)
	return f.response, f.urls, nil
}
