package work

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abelbrown/blockgraph/internal/logging"
)

// ErrClosed is returned by Submit once Wait or Stop has been called.
var ErrClosed = errors.New("work: pool closed")

// Pool runs submitted items on a fixed number of workers.
type Pool struct {
	workers int

	// stateMu guards the lifecycle; mu guards the active set.
	stateMu sync.RWMutex
	closed  bool
	started bool

	mu sync.RWMutex

	queue     chan *Item
	active    map[string]*Item
	completed *RingBuffer

	subscribers   []chan Event
	subscribersMu sync.RWMutex

	totalCreated   atomic.Int64
	totalCompleted atomic.Int64
	totalFailed    atomic.Int64
	nextID         atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool with the given number of workers and queue depth.
// workers <= 0 uses runtime.NumCPU(); queue <= 0 uses twice the workers.
func NewPool(workers, queue int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queue <= 0 {
		queue = 2 * workers
	}
	return &Pool{
		workers:   workers,
		queue:     make(chan *Item, queue),
		active:    make(map[string]*Item),
		completed: NewRingBuffer(100),
	}
}

// Start launches the workers. Items receive a context derived from ctx.
func (p *Pool) Start(ctx context.Context) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logging.Info("Work pool started", "workers", p.workers, "queue", cap(p.queue))
}

// Submit queues fn, blocking while the queue is full. It returns the item id.
func (p *Pool) Submit(ctx context.Context, typ Type, desc string, fn Func) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("work: no work function for %q", desc)
	}
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	if p.closed || !p.started {
		return "", ErrClosed
	}

	item := &Item{
		ID:          p.generateID(),
		Type:        typ,
		Status:      StatusPending,
		Description: desc,
		CreatedAt:   time.Now(),
		fn:          fn,
	}
	p.totalCreated.Add(1)
	select {
	case p.queue <- item:
	case <-ctx.Done():
		p.totalCreated.Add(-1)
		return "", ctx.Err()
	case <-p.ctx.Done():
		p.totalCreated.Add(-1)
		return "", p.ctx.Err()
	}
	p.notify(Event{Item: *item, Change: ChangeCreated})
	return item.ID, nil
}

// Wait stops intake and blocks until every queued item has finished.
func (p *Pool) Wait() {
	p.stateMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	started := p.started
	p.stateMu.Unlock()
	if !started {
		return
	}
	p.wg.Wait()
	p.cancel()
	logging.Info("Work pool drained",
		"created", p.totalCreated.Load(),
		"completed", p.totalCompleted.Load(),
		"failed", p.totalFailed.Load())
}

// Stop cancels running items, fails the queued ones and waits for the
// workers to exit.
func (p *Pool) Stop() {
	p.stateMu.RLock()
	cancel := p.cancel
	p.stateMu.RUnlock()
	if cancel != nil {
		cancel()
	}
	p.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	logging.Debug("Worker started", "worker", id)
	for item := range p.queue {
		if err := p.ctx.Err(); err != nil {
			p.complete(item, "", err)
			continue
		}
		p.execute(item)
	}
	logging.Debug("Worker stopped", "worker", id)
}

func (p *Pool) execute(item *Item) {
	p.mu.Lock()
	item.Status = StatusActive
	item.StartedAt = time.Now()
	p.active[item.ID] = item
	started := *item
	p.mu.Unlock()
	p.notify(Event{Item: started, Change: ChangeStarted})

	result, err := p.run(item)
	p.complete(item, result, err)
}

func (p *Pool) run(item *Item) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Work panicked", "id", item.ID, "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return item.fn(p.ctx)
}

func (p *Pool) complete(item *Item, result string, err error) {
	p.mu.Lock()
	item.FinishedAt = time.Now()
	item.Result = result
	item.Error = err
	item.fn = nil
	change := ChangeCompleted
	if err != nil {
		item.Status = StatusFailed
		p.totalFailed.Add(1)
		change = ChangeFailed
	} else {
		item.Status = StatusComplete
		p.totalCompleted.Add(1)
	}
	delete(p.active, item.ID)
	done := *item
	p.mu.Unlock()

	p.completed.Push(done)
	p.notify(Event{Item: done, Change: change})
}

// Snapshot returns the current state for display.
func (p *Pool) Snapshot() Snapshot {
	p.mu.RLock()
	active := make([]Item, 0, len(p.active))
	for _, item := range p.active {
		active = append(active, *item)
	}
	p.mu.RUnlock()
	return Snapshot{
		Active:    active,
		Completed: p.completed.All(),
		Stats:     p.Stats(),
	}
}

// Subscribe returns a channel that receives work events. Events are dropped
// for a subscriber that does not keep up.
func (p *Pool) Subscribe() <-chan Event {
	ch := make(chan Event, 100)
	p.subscribersMu.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.subscribersMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (p *Pool) Unsubscribe(ch <-chan Event) {
	p.subscribersMu.Lock()
	defer p.subscribersMu.Unlock()
	for i, sub := range p.subscribers {
		if sub == ch {
			p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

func (p *Pool) notify(event Event) {
	LogEvent(event)

	p.subscribersMu.RLock()
	defer p.subscribersMu.RUnlock()
	for _, ch := range p.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func (p *Pool) generateID() string {
	return fmt.Sprintf("w%d", p.nextID.Add(1))
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{
		TotalCreated:   p.totalCreated.Load(),
		TotalCompleted: p.totalCompleted.Load(),
		TotalFailed:    p.totalFailed.Load(),
		WorkersActive:  len(p.active),
		WorkersTotal:   p.workers,
		PendingCount:   len(p.queue),
	}
}
