package reconcile

import (
	"context"
	"sync"
	"time"

	"ngoportal.org/internal/ids"
	"ngoportal.org/internal/obs"
)

const (
	defaultQueueSize   = 256
	defaultMaxAttempts = 5
	defaultBackoff     = 2 * time.Second
	defaultTaskTimeout = 10 * time.Second
)

// Task is one queued reconciliation.
type Task struct {
	ID         string
	IdentityID string
	Reason     string
	Attempt    int
	QueuedAt   time.Time
}

// Queue runs repairs for scheduled identities on a single worker. It
// implements auth.ReconcileScheduler.
type Queue struct {
	rec          *Reconciler
	tasks        chan Task
	maxAttempts  int
	backoff      time.Duration
	taskTimeout  time.Duration
	scanInterval time.Duration

	mu      sync.Mutex
	pending map[string]bool
}

// QueueOption configures Queue.
type QueueOption func(*Queue)

// WithQueueSize bounds the number of waiting tasks.
func WithQueueSize(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.tasks = make(chan Task, n)
		}
	}
}

// WithRetry sets attempts per identity and the delay between them.
func WithRetry(maxAttempts int, backoff time.Duration) QueueOption {
	return func(q *Queue) {
		if maxAttempts > 0 {
			q.maxAttempts = maxAttempts
		}
		if backoff >= 0 {
			q.backoff = backoff
		}
	}
}

// WithScanInterval adds a periodic full repair scan to Run.
func WithScanInterval(d time.Duration) QueueOption {
	return func(q *Queue) {
		q.scanInterval = d
	}
}

func NewQueue(rec *Reconciler, opts ...QueueOption) *Queue {
	q := &Queue{
		rec:         rec,
		tasks:       make(chan Task, defaultQueueSize),
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		taskTimeout: defaultTaskTimeout,
		pending:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// ScheduleReconcile queues identityID unless it is already waiting. A full
// queue drops the task; the periodic scan still converges it.
func (q *Queue) ScheduleReconcile(_ context.Context, identityID, reason string) {
	q.enqueue(Task{ID: ids.WithPrefix("rcn"), IdentityID: identityID, Reason: reason, Attempt: 1, QueuedAt: time.Now().UTC()})
}

func (q *Queue) enqueue(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[t.IdentityID] {
		return false
	}
	select {
	case q.tasks <- t:
		q.pending[t.IdentityID] = true
		obs.SetReconcileQueueDepth(len(q.tasks))
		return true
	default:
		obs.Warn("reconcile_queue_full", map[string]any{"user_id": t.IdentityID, "reason": t.Reason})
		return false
	}
}

// Pending returns the number of waiting tasks.
func (q *Queue) Pending() int {
	return len(q.tasks)
}

// Run processes tasks until ctx ends.
func (q *Queue) Run(ctx context.Context) error {
	var scan <-chan time.Time
	if q.scanInterval > 0 {
		ticker := time.NewTicker(q.scanInterval)
		defer ticker.Stop()
		scan = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-q.tasks:
			q.process(ctx, t)
		case <-scan:
			sum, err := q.rec.Scan(ctx, true)
			if err != nil {
				obs.Error("reconcile_scan_failed", map[string]any{"error": err})
				continue
			}
			if sum.Inconsistent > 0 {
				obs.Info("reconcile_scan", map[string]any{"checked": sum.Checked, "inconsistent": sum.Inconsistent, "repaired": sum.Repaired})
			}
		}
	}
}

// RunOnce processes the tasks queued at call time and returns how many ran.
func (q *Queue) RunOnce(ctx context.Context) int {
	n := len(q.tasks)
	for i := 0; i < n; i++ {
		select {
		case t := <-q.tasks:
			q.process(ctx, t)
		default:
			return i
		}
	}
	return n
}

func (q *Queue) process(ctx context.Context, t Task) {
	q.mu.Lock()
	delete(q.pending, t.IdentityID)
	obs.SetReconcileQueueDepth(len(q.tasks))
	q.mu.Unlock()

	tctx, cancel := context.WithTimeout(ctx, q.taskTimeout)
	rep, err := q.rec.Repair(tctx, t.IdentityID)
	cancel()
	fields := map[string]any{
		"task_id": t.ID,
		"user_id": t.IdentityID,
		"reason":  t.Reason,
		"attempt": t.Attempt,
	}
	if err == nil {
		if !rep.Consistent() {
			fields["missing"] = rep.Missing
			fields["stale"] = len(rep.Stale)
			obs.Info("partition_repaired", fields)
		}
		return
	}
	fields["error"] = err
	if t.Attempt >= q.maxAttempts {
		obs.Alert("partition_repair_abandoned", fields)
		return
	}
	obs.Warn("partition_repair_failed", fields)
	retry := t
	retry.Attempt++
	if q.backoff == 0 {
		q.enqueue(retry)
		return
	}
	time.AfterFunc(q.backoff*time.Duration(t.Attempt), func() {
		if ctx.Err() == nil {
			q.enqueue(retry)
		}
	})
}
