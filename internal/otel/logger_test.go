package otel

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var decoded map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &decoded))
		out = append(out, decoded)
	}
	return out
}

func TestEmitWritesValidJSONL(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)
	l.Emit(Event{Kind: KindBulkChunk, Level: LevelInfo, Comp: "bulk", Collection: "related", Count: 1000})
	l.Close()

	got := lines(t, &buf)
	require.Len(t, got, 1)
	assert.Equal(t, "bulk.chunk", got[0]["kind"])
	assert.Equal(t, "info", got[0]["level"])
	assert.Equal(t, "related", got[0]["collection"])
	assert.Equal(t, float64(1000), got[0]["count"])
}

func TestEmitSetsTimeAndRunID(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)
	before := time.Now()
	l.Emit(Event{Kind: KindStartup})
	l.Emit(Event{Kind: KindShutdown})
	l.Close()

	var ev Event
	first := strings.SplitN(strings.TrimSpace(buf.String()), "\n", 2)[0]
	require.NoError(t, json.Unmarshal([]byte(first), &ev))
	assert.False(t, ev.Time.Before(before))
	assert.Equal(t, l.RunID(), ev.RunID)
	assert.Len(t, ev.RunID, 36)

	got := lines(t, &buf)
	require.Len(t, got, 2)
	assert.Equal(t, got[0]["run_id"], got[1]["run_id"])
}

func TestDurToMs(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)
	l.Emit(Event{Kind: KindBuildDone, Dur: 1500 * time.Millisecond})
	l.Close()

	got := lines(t, &buf)
	require.Len(t, got, 1)
	assert.Equal(t, float64(1500), got[0]["dur_ms"])
}

func TestOmitempty(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)
	l.Emit(Event{Kind: KindStartup})
	l.Close()

	line := buf.String()
	for _, field := range []string{"dur_ms", "count", "shard", "block", "collection", "attempt", "err", "msg", "extra"} {
		assert.NotContains(t, line, `"`+field+`"`)
	}
}

func TestConcurrentEmit(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Emit(Event{Kind: KindFetchRetry, Shard: "s0"})
		}()
	}
	wg.Wait()
	l.Close()

	assert.Len(t, lines(t, &buf), 100)
}

func TestCloseIsIdempotentAndDropsLateEvents(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)
	l.Emit(Event{Kind: KindStartup})
	l.Close()
	l.Close()

	l.Emit(Event{Kind: KindShutdown})
	assert.Equal(t, uint64(1), l.Dropped())
	assert.Len(t, lines(t, &buf), 1)
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Emit(Event{Kind: KindStartup})
	l.Info(KindStartup, "main", "x")
	l.Close()
	assert.Zero(t, l.Dropped())
	assert.Empty(t, l.RunID())
}

type blockingWriter struct {
	started chan struct{}
	block   chan struct{}
	once    sync.Once
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	w.once.Do(func() {
		close(w.started)
		<-w.block
	})
	return len(p), nil
}

func TestDropCounter(t *testing.T) {
	bw := &blockingWriter{started: make(chan struct{}), block: make(chan struct{})}
	l := NewLogger(bw)

	l.Emit(Event{Kind: KindBuildBlock})
	<-bw.started

	for i := 0; i < writerChanSize+10; i++ {
		l.Emit(Event{Kind: KindBuildBlock})
	}
	assert.NotZero(t, l.Dropped())

	close(bw.block)
	l.Close()
}

func TestConvenienceHelpers(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)
	l.Info(KindStartup, "main", "starting")
	l.Warn(KindFetchError, "fetch", "shard down")
	l.Error(KindError, "coord", errors.New("disk full"))
	l.Close()

	got := lines(t, &buf)
	require.Len(t, got, 3)
	assert.Equal(t, []any{"info", "warn", "error"}, []any{got[0]["level"], got[1]["level"], got[2]["level"]})
	assert.Equal(t, "fetch.error", got[1]["kind"])
	assert.Equal(t, "disk full", got[2]["err"])
}

func TestRingBufferReceivesEvents(t *testing.T) {
	l := NewNullLogger()
	rb := NewRingBuffer(8)
	l.SetRingBuffer(rb)

	l.Emit(Event{Kind: KindBulkChunk, Dur: time.Second})
	l.Emit(Event{Kind: KindBulkRetry})
	l.Close()

	got := rb.Last(10)
	require.Len(t, got, 2)
	assert.Equal(t, time.Second, got[0].Dur)
	assert.Equal(t, KindBulkRetry, got[1].Kind)
}
