package coord

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abelbrown/blockgraph/internal/logging"
)

// Stage names a pipeline stage.
type Stage string

const (
	StageIdle  Stage = "idle"
	StageLoad  Stage = "load"
	StageIDs   Stage = "ids"
	StageBuild Stage = "build"
	StageDone  Stage = "done"
)

// Progress is a point-in-time view of the running stage.
type Progress struct {
	Stage     Stage
	Started   time.Time
	Done      int64 // records read (load) or blocks built (build)
	Total     int64 // blocks scheduled; 0 when unknown
	Partial   int64 // blocks built with a shard missing
	Documents int64 // documents accepted by replicas
	Failed    int64 // failed build tasks
}

// Percent returns Done as a share of Total, or 0 when Total is unknown.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	return 100 * float64(p.Done) / float64(p.Total)
}

// Elapsed returns the time spent in the stage.
func (p Progress) Elapsed() time.Duration {
	if p.Started.IsZero() {
		return 0
	}
	return time.Since(p.Started)
}

// tracker holds the counters workers bump. Only stage changes take the lock.
type tracker struct {
	mu      sync.RWMutex
	stage   Stage
	started time.Time

	done      atomic.Int64
	total     atomic.Int64
	partial   atomic.Int64
	documents atomic.Int64
	failed    atomic.Int64
}

func (t *tracker) begin(s Stage, total int64) {
	t.mu.Lock()
	t.stage = s
	t.started = time.Now()
	t.mu.Unlock()
	t.done.Store(0)
	t.total.Store(total)
	t.partial.Store(0)
	t.documents.Store(0)
	t.failed.Store(0)
}

func (t *tracker) finish() {
	t.mu.Lock()
	t.stage = StageDone
	t.mu.Unlock()
}

func (t *tracker) snapshot() Progress {
	t.mu.RLock()
	stage, started := t.stage, t.started
	t.mu.RUnlock()
	if stage == "" {
		stage = StageIdle
	}
	return Progress{
		Stage:     stage,
		Started:   started,
		Done:      t.done.Load(),
		Total:     t.total.Load(),
		Partial:   t.partial.Load(),
		Documents: t.documents.Load(),
		Failed:    t.failed.Load(),
	}
}

// report logs progress every interval until the returned stop is called.
func (t *tracker) report(ctx context.Context, interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p := t.snapshot()
				if p.Total > 0 {
					logging.Info("progress", "stage", p.Stage, "done", p.Done, "total", p.Total,
						"pct", int(p.Percent()), "partial", p.Partial, "docs", p.Documents)
				} else {
					logging.Info("progress", "stage", p.Stage, "done", p.Done)
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}
