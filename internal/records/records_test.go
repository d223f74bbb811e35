package records

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abelbrown/blockgraph/internal/model"
	"github.com/abelbrown/blockgraph/internal/store"
)

func collect(t *testing.T, src Source, batch int) ([]model.Record, []int) {
	t.Helper()
	var out []model.Record
	var sizes []int
	err := src.Each(context.Background(), batch, func(b []model.Record) error {
		sizes = append(sizes, len(b))
		out = append(out, b...)
		return nil
	})
	require.NoError(t, err)
	return out, sizes
}

func TestParseCredLine(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		want      model.Record
		ok        bool
		truncated bool
	}{
		{
			name: "full row with trailer",
			line: "103238704-|--|-jmyirvine@gmail.com-|-abcdefghijkl-|-dog name|--\n",
			want: model.Record{AccountID: "103238704", Email: "jmyirvine@gmail.com", Password: "abcdefghijkl", Hint: "dog name"},
			ok:   true,
		},
		{
			name: "empty hint",
			line: "1-|-u-|-e@x-|-pw-|-|--",
			want: model.Record{AccountID: "1", Username: "u", Email: "e@x", Password: "pw"},
			ok:   true,
		},
		{
			name:      "extra fields dropped",
			line:      "1-|-u-|-e@x-|-pw-|-hint-|-junk|--",
			want:      model.Record{AccountID: "1", Username: "u", Email: "e@x", Password: "pw", Hint: "hint"},
			ok:        true,
			truncated: true,
		},
		{
			name: "field whitespace kept",
			line: "  7-|-u-|-e@x-|-pw-|-big dog  |--\r\n",
			want: model.Record{AccountID: "  7", Username: "u", Email: "e@x", Password: "pw", Hint: "big dog  "},
			ok:   true,
		},
		{name: "too few fields", line: "1-|-u-|-e@x|--"},
		{name: "blank", line: "   "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, truncated := ParseCredLine(tt.line)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.truncated, truncated)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCredReaderBatchesAndStats(t *testing.T) {
	var lines []string
	for i := 0; i < 7; i++ {
		lines = append(lines, "1-|-u-|-e-|-abcdefghijkl-|-h|--")
	}
	lines = append(lines, "", "garbage", "1-|-u-|-e-|-p-|-h-|-x|--")
	src := NewCredReader(strings.NewReader(strings.Join(lines, "\n")))

	recs, sizes := collect(t, src, 3)
	assert.Len(t, recs, 8)
	assert.Equal(t, []int{3, 3, 2}, sizes)
	assert.Equal(t, Stats{Rows: 10, Records: 8, Skipped: 2, Truncated: 1}, src.Stats())
	assert.NoError(t, src.Close())
}

func TestCredReaderSkipsOverlongRows(t *testing.T) {
	dump := "1-|-u-|-e-|-p-|-h|--\n" +
		"2-|-u-|-e-|-p-|-" + strings.Repeat("x", 2<<20) + "|--\n" +
		"3-|-u-|-e-|-p-|-h|--\n" +
		strings.Repeat("y", maxLine+1)
	src := NewCredReader(strings.NewReader(dump))

	recs, _ := collect(t, src, 10)
	require.Len(t, recs, 2)
	assert.Equal(t, "1", recs[0].AccountID)
	assert.Equal(t, "3", recs[1].AccountID)
	assert.Equal(t, Stats{Rows: 4, Records: 2, Skipped: 2}, src.Stats())
}

func TestCredReaderStop(t *testing.T) {
	src := NewCredReader(strings.NewReader("1-|-u-|-e-|-p-|-h\n2-|-u-|-e-|-p-|-h\n"))
	calls := 0
	err := src.Each(context.Background(), 1, func([]model.Record) error {
		calls++
		return store.ErrStop
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestCSVReader(t *testing.T) {
	data := `"1","u1","a@x","abcdefghijkl","dog"
"2","u2","b@x","pw","cat, with comma"
"3","short"
"4","u4","d@x","pw","h","extra"
`
	src := NewCSVReader(strings.NewReader(data))
	recs, _ := collect(t, src, 10)
	assert.Equal(t, []model.Record{
		{AccountID: "1", Username: "u1", Email: "a@x", Password: "abcdefghijkl", Hint: "dog"},
		{AccountID: "2", Username: "u2", Email: "b@x", Password: "pw", Hint: "cat, with comma"},
	}, recs)
	assert.Equal(t, Stats{Rows: 4, Records: 2, Skipped: 2}, src.Stats())
}

func TestOpenFormats(t *testing.T) {
	dir := t.TempDir()
	cred := filepath.Join(dir, "cred")
	require.NoError(t, os.WriteFile(cred, []byte("1-|-u-|-e-|-p-|-h|--\n"), 0o644))

	src, err := Open(cred, FormatCred)
	require.NoError(t, err)
	recs, _ := collect(t, src, 0)
	assert.Len(t, recs, 1)
	require.NoError(t, src.Close())

	db := filepath.Join(dir, "records.db")
	st, err := store.Open(db)
	require.NoError(t, err)
	_, err = st.SaveRecords(context.Background(), recs)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	src, err = Open(db, FormatSQLite)
	require.NoError(t, err)
	got, _ := collect(t, src, 0)
	assert.Equal(t, recs, got)
	assert.Equal(t, int64(1), src.Stats().Records)
	require.NoError(t, src.Close())

	_, err = Open(cred, "xml")
	assert.ErrorIs(t, err, ErrFormat)
	_, err = Open(filepath.Join(dir, "missing"), FormatCSV)
	assert.Error(t, err)
}

func TestCanceledRead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewCredReader(strings.NewReader("1-|-u-|-e-|-p-|-h\n")).Each(ctx, 1, func([]model.Record) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
