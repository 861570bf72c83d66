// Package outbox delivers pending outbox events to an external consumer
// with bounded retries and exponential backoff.
package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"reqflow/internal/domain"
	"reqflow/internal/observability"
	"reqflow/internal/repo"
)

const (
	DefaultInterval  = 10 * time.Second
	DefaultLease     = 30 * time.Second
	DefaultBatchSize = 100

	lockKey        = "reqflow:outbox:dispatch"
	maxErrorLength = 1000
)

// Options tunes a Dispatcher. Zero values fall back to defaults. LockTTL
// bounds how long the cross-process lock is held and defaults to Lease.
// RatePerSec caps deliveries per second; zero means unlimited.
type Options struct {
	Interval    time.Duration
	Timeout     time.Duration
	Lease       time.Duration
	LockTTL     time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	BatchSize   int
	RatePerSec  float64
}

// Stats summarizes one dispatch cycle.
type Stats struct {
	Due       int `json:"due"`
	Sent      int `json:"sent"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Contended int `json:"contended"`
}

// Dispatcher polls the outbox on an interval. At most one cycle runs at a
// time per process; a tick that finds a cycle in progress is skipped. With a
// Locker set, the same holds across processes.
type Dispatcher struct {
	Repo      repo.Repo
	Deliverer Deliverer
	Locker    Locker
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Now       func() time.Time

	opts    Options
	backoff Backoff
	limiter *rate.Limiter

	cycle sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

func New(r repo.Repo, d Deliverer, opts Options) *Dispatcher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultDeliveryTimeout
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.Lease < opts.Timeout {
		opts.Lease = 2 * opts.Timeout
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = opts.Lease
	}
	disp := &Dispatcher{
		Repo:      r,
		Deliverer: d,
		Logger:    slog.Default(),
		Now:       time.Now,
		opts:      opts,
		backoff:   Backoff{Base: opts.BackoffBase, Max: opts.BackoffMax},
	}
	if opts.RatePerSec > 0 {
		burst := int(opts.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		disp.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	return disp
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d *Dispatcher) log() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Start launches the polling loop. It returns an error if already running.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return errors.New("outbox dispatcher already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.loop(runCtx, d.done)
	d.log().Info("outbox dispatcher started", "interval", d.opts.Interval.String(), "batch_size", d.opts.BatchSize)
	return nil
}

// Stop cancels the loop and waits for in-flight cycles to return.
// Deliveries interrupted by Stop keep their lease and are retried later.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	d.wg.Wait()
	d.log().Info("outbox dispatcher stopped")
}

func (d *Dispatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				if _, _, err := d.Tick(ctx); err != nil && ctx.Err() == nil {
					d.log().Error("outbox dispatch cycle failed", "error", err)
				}
			}()
		}
	}
}

// Tick runs one cycle unless one is already in progress here or, with a
// Locker, in another process. ran is false when the tick was skipped.
func (d *Dispatcher) Tick(ctx context.Context) (stats Stats, ran bool, err error) {
	if !d.cycle.TryLock() {
		d.Metrics.TickSkipped(ctx)
		d.log().Debug("outbox tick skipped", "reason", "cycle in progress")
		return Stats{}, false, nil
	}
	defer d.cycle.Unlock()
	if d.Locker != nil {
		release, ok, err := d.Locker.TryLock(ctx, lockKey, d.opts.LockTTL)
		if err != nil {
			return Stats{}, false, err
		}
		if !ok {
			d.Metrics.TickSkipped(ctx)
			d.log().Debug("outbox tick skipped", "reason", "lock held elsewhere")
			return Stats{}, false, nil
		}
		defer release()
	}
	stats, err = d.RunOnce(ctx)
	return stats, true, err
}

// RunOnce delivers every due event once. Callers must not run it
// concurrently with itself; Tick enforces that.
func (d *Dispatcher) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	now := d.now()
	due, err := d.Repo.DueOutbox(ctx, repo.Timestamp(now), d.opts.BatchSize)
	if err != nil {
		return stats, err
	}
	stats.Due = len(due)
	for _, ev := range due {
		if ctx.Err() != nil {
			break
		}
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				break
			}
		}
		claimedAt := d.now()
		ok, err := d.Repo.ClaimOutbox(ctx, ev.ID, ev.RetryCount, repo.Timestamp(claimedAt), repo.Timestamp(claimedAt.Add(d.opts.Lease)))
		if err != nil {
			return stats, err
		}
		if !ok {
			stats.Contended++
			continue
		}
		d.deliver(ctx, ev, &stats)
	}
	if stats.Due > 0 {
		d.log().Info("outbox cycle finished", "due", stats.Due, "sent", stats.Sent, "retried", stats.Retried, "failed", stats.Failed)
	}
	return stats, nil
}

func (d *Dispatcher) deliver(ctx context.Context, ev domain.OutboxEvent, stats *Stats) {
	log := d.log().With("event_id", ev.ID, "event_type", ev.EventType, "program_id", ev.ProgramID)
	dctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	start := time.Now()
	err := d.Deliverer.Deliver(dctx, ev)
	cancel()
	took := time.Since(start)

	if err != nil && ctx.Err() != nil {
		// Shutting down: the lease lapses and the event comes around again.
		log.Warn("outbox delivery interrupted", "error", err)
		return
	}
	store := context.WithoutCancel(ctx)
	if err == nil {
		if merr := d.Repo.MarkOutboxSent(store, ev.ID, ev.RetryCount, repo.Timestamp(d.now())); merr != nil {
			log.Error("outbox mark sent failed", "error", merr)
			return
		}
		stats.Sent++
		d.Metrics.Delivered(ctx, string(ev.EventType), took)
		log.Debug("outbox event delivered", "duration", took.String())
		return
	}

	maxRetries := ev.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	attempts := ev.RetryCount + 1
	msg := truncate(err.Error(), maxErrorLength)
	if attempts >= maxRetries {
		if merr := d.Repo.MarkOutboxFailed(store, ev.ID, attempts, msg); merr != nil {
			log.Error("outbox mark failed failed", "error", merr)
			return
		}
		stats.Failed++
		d.Metrics.DeadLettered(ctx, string(ev.EventType))
		log.Error("outbox event failed permanently", "retry_count", attempts, "error", msg)
		return
	}
	next := d.now().Add(d.backoff.Delay(attempts))
	if merr := d.Repo.MarkOutboxRetry(store, ev.ID, attempts, repo.Timestamp(next), msg); merr != nil {
		log.Error("outbox mark retry failed", "error", merr)
		return
	}
	stats.Retried++
	d.Metrics.Retried(ctx, string(ev.EventType))
	log.Warn("outbox delivery failed, will retry", "retry_count", attempts, "next_retry_at", repo.Timestamp(next), "error", msg)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
