package tracker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "meetings.json")
	ctx := context.Background()

	tr, err := New(ctx, NewFileStore(path), WithClock(func() time.Time { return day }))
	require.NoError(t, err)
	m, err := tr.Upsert(ctx, Meeting{
		Interval:     iv(14, 0, 15, 0),
		State:        StateConfirmed,
		Participants: []string{"alice@example.com"},
		EventID:      "evt-1",
	})
	require.NoError(t, err)

	reloaded, err := New(ctx, NewFileStore(path))
	require.NoError(t, err)
	got, err := reloaded.Get(m.ID)
	require.NoError(t, err)
	assert.True(t, got.Interval.Equal(m.Interval))
	assert.Equal(t, StateConfirmed, got.State)
	assert.Equal(t, "evt-1", got.EventID)
	assert.True(t, got.UpdatedAt.Equal(day))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileStore_PruneSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meetings.json")
	ctx := context.Background()
	now := day

	tr, err := New(ctx, NewFileStore(path), WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	old, err := tr.Upsert(ctx, Meeting{Interval: iv(9, 0, 10, 0), State: StateCancelled})
	require.NoError(t, err)
	kept, err := tr.Upsert(ctx, Meeting{Interval: iv(14, 0, 15, 0), State: StateConfirmed})
	require.NoError(t, err)

	now = day.Add(DefaultRetention + time.Hour)
	reloaded, err := New(ctx, NewFileStore(path), WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	_, err = reloaded.Get(old.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	s := NewFileStore(path)
	stored, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, kept.ID, stored[0].ID)
	require.NoError(t, s.Delete(ctx, "missing"))
}

func TestFileStore_MissingFileIsEmpty(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "none.json"))
	got, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meetings.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := New(context.Background(), NewFileStore(path))
	var storeErr *StoreError
	assert.True(t, errors.As(err, &storeErr))
}

type fakeHash struct {
	data map[string]map[string]string
	err  error
}

func (f *fakeHash) HSet(_ context.Context, key, field, value string) error {
	if f.err != nil {
		return f.err
	}
	if f.data[key] == nil {
		f.data[key] = map[string]string{}
	}
	f.data[key][field] = value
	return nil
}

func (f *fakeHash) HGetAll(_ context.Context, key string) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.data[key], nil
}

func (f *fakeHash) HDel(_ context.Context, key, field string) error {
	if f.err != nil {
		return f.err
	}
	delete(f.data[key], field)
	return nil
}

func (f *fakeHash) Close() {}

func TestValkeyStore_RoundTrip(t *testing.T) {
	client := &fakeHash{data: map[string]map[string]string{}}
	ctx := context.Background()

	tr, err := New(ctx, newValkeyStore(client, "", "work"))
	require.NoError(t, err)
	m, err := tr.Upsert(ctx, Meeting{Interval: iv(9, 0, 9, 30), State: StatePendingConfirm})
	require.NoError(t, err)
	assert.Contains(t, client.data, "inboxmeet:meetings:work")

	reloaded, err := New(ctx, newValkeyStore(client, "", "work"))
	require.NoError(t, err)
	got, err := reloaded.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePendingConfirm, got.State)

	other, err := New(ctx, newValkeyStore(client, "", "personal"))
	require.NoError(t, err)
	assert.Empty(t, other.List())

	require.NoError(t, newValkeyStore(client, "", "work").Delete(ctx, m.ID))
	assert.Empty(t, client.data["inboxmeet:meetings:work"])
}

func TestValkeyStore_Errors(t *testing.T) {
	client := &fakeHash{data: map[string]map[string]string{}, err: errors.New("connection refused")}
	_, err := New(context.Background(), newValkeyStore(client, "", "work"))
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	s, closeFn, err := OpenStore(StoreConfig{Dir: t.TempDir()}, "work")
	require.NoError(t, err)
	defer closeFn()
	fs, ok := s.(*FileStore)
	require.True(t, ok)
	assert.Equal(t, "meetings-work.json", filepath.Base(fs.Path()))

	s, _, err = OpenStore(StoreConfig{Type: StoreTypeMemory}, "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, _, err = OpenStore(StoreConfig{Type: StoreTypeValkey}, "work")
	assert.Error(t, err)

	_, _, err = OpenStore(StoreConfig{Type: "sqlite"}, "work")
	assert.Error(t, err)
}
