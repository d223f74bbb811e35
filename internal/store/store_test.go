package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abelbrown/blockgraph/internal/model"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func records(n int) []model.Record {
	out := make([]model.Record, n)
	for i := range out {
		out[i] = model.Record{
			AccountID: fmt.Sprint(i),
			Username:  fmt.Sprintf("user%d", i),
			Email:     fmt.Sprintf("user%d@example.com", i),
			Password:  fmt.Sprintf("pw%010d", i),
			Hint:      "hint",
		}
	}
	return out
}

func TestOpenCreatesUsersTable(t *testing.T) {
	st := openTemp(t)
	var name string
	err := st.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='users'").Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "users", name)
}

func TestSaveAndIterateInOrder(t *testing.T) {
	ctx := context.Background()
	st := openTemp(t)

	n, err := st.SaveRecords(ctx, records(25))
	require.NoError(t, err)
	assert.Equal(t, 25, n)

	count, err := st.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 25, count)

	var sizes []int
	var got []model.Record
	err = st.Iterate(ctx, 10, func(batch []model.Record) error {
		sizes = append(sizes, len(batch))
		got = append(got, batch...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{10, 10, 5}, sizes)
	assert.Equal(t, records(25), got)
}

func TestIterateExactMultiple(t *testing.T) {
	ctx := context.Background()
	st := openTemp(t)
	_, err := st.SaveRecords(ctx, records(20))
	require.NoError(t, err)

	calls := 0
	require.NoError(t, st.Iterate(ctx, 10, func([]model.Record) error {
		calls++
		return nil
	}))
	assert.Equal(t, 2, calls)
}

func TestIterateStopAndError(t *testing.T) {
	ctx := context.Background()
	st := openTemp(t)
	_, err := st.SaveRecords(ctx, records(30))
	require.NoError(t, err)

	calls := 0
	require.NoError(t, st.Iterate(ctx, 10, func([]model.Record) error {
		calls++
		return ErrStop
	}))
	assert.Equal(t, 1, calls)

	boom := errors.New("boom")
	assert.ErrorIs(t, st.Iterate(ctx, 10, func([]model.Record) error { return boom }), boom)
}

func TestSaveEmptyAndMemory(t *testing.T) {
	st, err := Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	n, err := st.SaveRecords(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	calls := 0
	require.NoError(t, st.Iterate(context.Background(), 0, func([]model.Record) error {
		calls++
		return nil
	}))
	assert.Zero(t, calls)
}

func TestNullColumnsReadAsEmpty(t *testing.T) {
	st := openTemp(t)
	_, err := st.db.Exec("INSERT INTO users (account_id) VALUES ('42')")
	require.NoError(t, err)

	var got []model.Record
	require.NoError(t, st.Iterate(context.Background(), 5, func(b []model.Record) error {
		got = append(got, b...)
		return nil
	}))
	assert.Equal(t, []model.Record{{AccountID: "42"}}, got)
}
