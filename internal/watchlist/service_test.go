package watchlist

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptosim/internal/exception"
	"cryptosim/internal/store"
	"cryptosim/logger"
	"cryptosim/models"
)

type recordingFeed struct {
	mu     sync.Mutex
	calls  []string
	active map[string]bool
}

func newRecordingFeed() *recordingFeed {
	return &recordingFeed{active: make(map[string]bool)}
}

func (f *recordingFeed) Subscribe(symbol string, intervals []string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("+%s%v", symbol, intervals))
	f.active[symbol] = true
	return nil
}

func (f *recordingFeed) Unsubscribe(symbol string, intervals []string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("-%s%v", symbol, intervals))
	delete(f.active, symbol)
	return nil
}

func (f *recordingFeed) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestService(t *testing.T, st store.Store, feed Subscriber, pinned ...string) *Service {
	t.Helper()
	n := 0
	s, err := NewService(st, feed, Options{
		Intervals: []string{"1m", "1h"},
		Pinned:    pinned,
		Logger:    logger.Discard(),
		NewID: func() string {
			n++
			return fmt.Sprintf("wl-%d", n)
		},
	})
	require.NoError(t, err)
	return s
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(nil, newRecordingFeed(), Options{})
	assert.Error(t, err)
	_, err = NewService(store.NewMemory(), nil, Options{})
	assert.Error(t, err)
}

func TestWatchlistLifecycle(t *testing.T) {
	ctx := context.Background()
	feed := newRecordingFeed()
	s := newTestService(t, store.NewMemory(), feed)

	w, err := s.Create(ctx, "alice", "majors")
	require.NoError(t, err)
	assert.Equal(t, "wl-1", w.ID)
	assert.Equal(t, []string{}, w.Symbols)

	w, err = s.AddSymbol(ctx, "alice", w.ID, "btcusdt")
	require.NoError(t, err)
	_, err = s.AddSymbol(ctx, "alice", w.ID, "ETHUSDT")
	require.NoError(t, err)
	w, err = s.AddSymbol(ctx, "alice", w.ID, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, w.Symbols)
	assert.Equal(t, []string{"+BTCUSDT[1m 1h]", "+ETHUSDT[1m 1h]"}, feed.history())

	w, err = s.RemoveSymbol(ctx, "alice", w.ID, "ethusdt")
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT"}, w.Symbols)
	assert.Equal(t, "-ETHUSDT[1m 1h]", feed.history()[2])

	lists, err := s.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, lists, 1)
	assert.Equal(t, "majors", lists[0].Name)

	require.NoError(t, s.Delete(ctx, "alice", w.ID))
	lists, err = s.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, lists)
	assert.Empty(t, feed.active)
}

func TestSharedSymbolStaysSubscribed(t *testing.T) {
	ctx := context.Background()
	feed := newRecordingFeed()
	s := newTestService(t, store.NewMemory(), feed)

	a, err := s.Create(ctx, "alice", "a")
	require.NoError(t, err)
	b, err := s.Create(ctx, "bob", "b")
	require.NoError(t, err)
	_, err = s.AddSymbol(ctx, "alice", a.ID, "SOLUSDT")
	require.NoError(t, err)
	_, err = s.AddSymbol(ctx, "bob", b.ID, "SOLUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Watched("solusdt"))
	assert.Len(t, feed.history(), 1)

	require.NoError(t, s.Delete(ctx, "alice", a.ID))
	assert.True(t, feed.active["SOLUSDT"])
	assert.Equal(t, 1, s.Watched("SOLUSDT"))

	_, err = s.RemoveSymbol(ctx, "bob", b.ID, "SOLUSDT")
	require.NoError(t, err)
	assert.False(t, feed.active["SOLUSDT"])
	assert.Equal(t, 0, s.Watched("SOLUSDT"))
}

func TestPinnedSymbolIsNeverUnsubscribed(t *testing.T) {
	ctx := context.Background()
	feed := newRecordingFeed()
	s := newTestService(t, store.NewMemory(), feed, "btcusdt")

	w, err := s.Create(ctx, "alice", "a")
	require.NoError(t, err)
	_, err = s.AddSymbol(ctx, "alice", w.ID, "BTCUSDT")
	require.NoError(t, err)
	_, err = s.RemoveSymbol(ctx, "alice", w.ID, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, feed.history())
}

func TestOwnershipAndValidation(t *testing.T) {
	ctx := context.Background()
	feed := newRecordingFeed()
	s := newTestService(t, store.NewMemory(), feed)

	_, err := s.Create(ctx, "alice", "  ")
	assert.ErrorIs(t, err, exception.ErrInvalidWatchlist)
	_, err = s.Create(ctx, "", "x")
	assert.ErrorIs(t, err, exception.ErrInvalidWatchlist)

	w, err := s.Create(ctx, "alice", "a")
	require.NoError(t, err)

	_, err = s.AddSymbol(ctx, "mallory", w.ID, "BTCUSDT")
	assert.ErrorIs(t, err, exception.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "mallory", w.ID), exception.ErrNotFound)
	_, err = s.AddSymbol(ctx, "alice", w.ID, "BTCEUR")
	assert.ErrorIs(t, err, exception.ErrInvalidWatchlist)
	assert.True(t, IsInvalid(err))
	assert.Empty(t, feed.history())
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, store.NewMemory(), newRecordingFeed())

	lists, err := s.Apply(ctx, Request{Action: ActionCreate, UserID: "alice", Name: "majors"})
	require.NoError(t, err)
	require.Len(t, lists, 1)

	lists, err = s.Apply(ctx, Request{Action: ActionAdd, UserID: "alice", WatchlistID: lists[0].ID, Symbol: "ethusdt"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ETHUSDT"}, lists[0].Symbols)

	lists, err = s.Apply(ctx, Request{Action: ActionList, UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, lists, 1)

	_, err = s.Apply(ctx, Request{Action: "rename", UserID: "alice"})
	assert.ErrorIs(t, err, exception.ErrInvalidWatchlist)
}

func TestRestoreSubscribesStoredSymbols(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	for i, user := range []string{"alice", "bob"} {
		_, err := st.CreateWatchlist(ctx, models.Watchlist{ID: fmt.Sprintf("w%d", i), UserID: user, Name: "x"})
		require.NoError(t, err)
		_, _, err = st.AddWatchlistSymbol(ctx, user, fmt.Sprintf("w%d", i), "BTCUSDT")
		require.NoError(t, err)
	}

	feed := newRecordingFeed()
	s := newTestService(t, st, feed)
	require.NoError(t, s.Restore(ctx))
	assert.Equal(t, []string{"+BTCUSDT[1m 1h]"}, feed.history())
	assert.Equal(t, 2, s.Watched("BTCUSDT"))
}
