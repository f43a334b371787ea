package service

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akylbek/payment-system/escrow-engine/internal/apperr"
	"github.com/akylbek/payment-system/escrow-engine/internal/interfaces"
	"github.com/akylbek/payment-system/escrow-engine/internal/telemetry"
)

const (
	schedulerActor    = "scheduler"
	schedulerLeaseKey = "escrow:auto-release"
)

type SchedulerConfig struct {
	// Interval is the recovery scan period and the longest the loop sleeps.
	Interval time.Duration
	Batch    int
}

// Scheduler releases held escrow payments once their deadline passes. The
// in-memory heap only decides when to wake; the persisted held_until index
// decides what is due, so a restart loses nothing.
type Scheduler struct {
	ledger *Ledger
	lease  interfaces.Lease
	cfg    SchedulerConfig
	now    func() time.Time

	mu    sync.Mutex
	queue wakeQueue
	items map[string]*wakeItem
	wake  chan struct{}
}

func NewScheduler(ledger *Ledger, lease interfaces.Lease, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &Scheduler{
		ledger: ledger,
		lease:  lease,
		cfg:    cfg,
		now:    time.Now,
		items:  make(map[string]*wakeItem),
		wake:   make(chan struct{}, 1),
	}
}

// Track schedules a wake-up for paymentID at heldUntil.
func (s *Scheduler) Track(paymentID string, heldUntil time.Time) {
	s.mu.Lock()
	if it, ok := s.items[paymentID]; ok {
		it.at = heldUntil
		heap.Fix(&s.queue, it.index)
	} else {
		it := &wakeItem{paymentID: paymentID, at: heldUntil}
		heap.Push(&s.queue, it)
		s.items[paymentID] = it
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel drops a pending wake-up, e.g. when a dispute opens.
func (s *Scheduler) Cancel(paymentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[paymentID]; ok {
		heap.Remove(&s.queue, it.index)
		delete(s.items, paymentID)
	}
}

// Pending reports how many wake-ups are queued.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

func (s *Scheduler) nextWake(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.cfg.Interval
	if s.queue.Len() > 0 {
		if until := s.queue[0].at.Sub(now); until < d {
			d = until
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (s *Scheduler) dropDue(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.queue.Len() > 0 && !s.queue[0].at.After(now) {
		it := heap.Pop(&s.queue).(*wakeItem)
		delete(s.items, it.paymentID)
	}
}

// Tick releases every held payment due at now and returns how many it
// released. A payment that moved on since the scan is skipped.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	defer s.dropDue(now)
	if s.lease != nil {
		release, ok, err := s.lease.Acquire(ctx, schedulerLeaseKey, s.cfg.Interval)
		if err != nil {
			// the lease only avoids duplicate work, so sweep anyway
			telemetry.Logger.Warn("Scheduler lease unavailable", zap.Error(err))
		} else if !ok {
			return 0, nil
		} else {
			defer release()
		}
	}

	released := 0
	for {
		due, err := s.ledger.ListDueHeld(ctx, now, s.cfg.Batch)
		if err != nil {
			return released, apperr.Wrap("list due held payments", err)
		}

		progressed := 0
		for _, p := range due {
			if ctx.Err() != nil {
				return released, ctx.Err()
			}
			_, err := s.ledger.ReleaseSnapshot(ctx, p, schedulerActor)
			switch kind := apperr.KindOf(err); {
			case err == nil:
				released++
				progressed++
				telemetry.AutoReleases.WithLabelValues("released").Inc()
			case kind == apperr.Conflict || kind == apperr.InvalidTransition:
				progressed++
				telemetry.AutoReleases.WithLabelValues("skipped").Inc()
				telemetry.Logger.Info("Auto-release skipped, payment moved on",
					zap.String("payment_id", p.ID),
					zap.Error(err),
				)
			default:
				telemetry.AutoReleases.WithLabelValues("error").Inc()
				telemetry.Logger.Error("Auto-release failed",
					zap.String("payment_id", p.ID),
					zap.Error(err),
				)
			}
		}
		if len(due) < s.cfg.Batch || progressed == 0 {
			break
		}
	}

	if released > 0 {
		telemetry.Logger.Info("Escrow auto-release sweep finished", zap.Int("released", released))
	}
	return released, nil
}

// Run sweeps once for recovery, then wakes at the earlier of the next tracked
// deadline and the recovery interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	telemetry.Logger.Info("Escrow scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("batch", s.cfg.Batch),
	)
	for {
		if _, err := s.Tick(ctx, s.now()); err != nil && ctx.Err() == nil {
			telemetry.Logger.Error("Escrow sweep failed", zap.Error(err))
		}

		if err := s.sleep(ctx); err != nil {
			telemetry.Logger.Info("Escrow scheduler stopped")
			return err
		}
	}
}

// sleep waits for the next deadline, re-arming whenever Track adds one.
func (s *Scheduler) sleep(ctx context.Context) error {
	for {
		timer := time.NewTimer(s.nextWake(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			return nil
		}
	}
}

type wakeItem struct {
	paymentID string
	at        time.Time
	index     int
}

// wakeQueue is a min-heap on deadline.
type wakeQueue []*wakeItem

func (q wakeQueue) Len() int           { return len(q) }
func (q wakeQueue) Less(i, j int) bool { return q[i].at.Before(q[j].at) }
func (q wakeQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *wakeQueue) Push(x any) {
	it := x.(*wakeItem)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *wakeQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}
