// Package work runs the pipeline's task stages on a fixed-size worker pool.
//
// Tasks are submitted through a bounded queue, so a producer that outpaces the
// workers blocks instead of buffering the whole run in memory. State changes
// are published to subscribers (the progress view) and logged through
// internal/logging.
package work

import (
	"context"
	"fmt"
	"time"

	"github.com/abelbrown/blockgraph/internal/logging"
)

// LogEvent logs a work event.
func LogEvent(event Event) {
	item := event.Item
	switch event.Change {
	case ChangeStarted:
		logging.Debug("Work started",
			"id", item.ID,
			"type", item.Type,
			"desc", item.Description)
	case ChangeCompleted:
		logging.Debug("Work completed",
			"id", item.ID,
			"type", item.Type,
			"result", item.Result,
			"duration", item.Duration())
	case ChangeFailed:
		logging.Warn("Work failed",
			"id", item.ID,
			"type", item.Type,
			"desc", item.Description,
			"error", item.Error,
			"duration", item.Duration())
	}
}

// Type categorizes work items.
type Type string

const (
	TypeLoad  Type = "load"  // aggregate and store a record batch
	TypeIDs   Type = "ids"   // scan one shard's counts
	TypeBuild Type = "build" // fetch, split and write a range of blocks
	TypeOther Type = "other"
)

// Icon returns a display icon for the work type.
func (t Type) Icon() string {
	switch t {
	case TypeLoad:
		return "↓"
	case TypeIDs:
		return "#"
	case TypeBuild:
		return "◈"
	default:
		return "○"
	}
}

// Status is the lifecycle state of a work item.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Func is the body of a work item. The returned string is a short
// human-readable result ("1000 blocks, 4211 docs").
type Func func(ctx context.Context) (string, error)

// Item is a unit of work. Items handed to subscribers and snapshots are
// copies; mutating them has no effect on the pool.
type Item struct {
	ID          string
	Type        Type
	Status      Status
	Description string

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	Result string
	Error  error

	fn Func
}

// Duration returns how long the work took (or has been running).
func (i Item) Duration() time.Duration {
	if i.FinishedAt.IsZero() {
		if i.StartedAt.IsZero() {
			return 0
		}
		return time.Since(i.StartedAt)
	}
	return i.FinishedAt.Sub(i.StartedAt)
}

// StatusIcon returns a display icon for the current status.
func (i Item) StatusIcon() string {
	switch i.Status {
	case StatusPending:
		return "○"
	case StatusActive:
		return "●"
	case StatusComplete:
		return "✓"
	case StatusFailed:
		return "✗"
	default:
		return "?"
	}
}

// Change names a state transition.
type Change string

const (
	ChangeCreated   Change = "created"
	ChangeStarted   Change = "started"
	ChangeCompleted Change = "completed"
	ChangeFailed    Change = "failed"
)

// Event is sent to subscribers when work state changes.
type Event struct {
	Item   Item
	Change Change
}

// Snapshot is the current state of the pool.
type Snapshot struct {
	Active    []Item
	Completed []Item // newest first
	Stats     Stats
}

// Stats tracks pool counters.
type Stats struct {
	TotalCreated   int64
	TotalCompleted int64
	TotalFailed    int64
	WorkersActive  int
	WorkersTotal   int
	PendingCount   int
}

// Done returns the number of finished items.
func (s Stats) Done() int64 {
	return s.TotalCompleted + s.TotalFailed
}

func (s Stats) String() string {
	return fmt.Sprintf("Active: %d  Pending: %d  Done: %d  Failed: %d",
		s.WorkersActive, s.PendingCount, s.TotalCompleted, s.TotalFailed)
}
