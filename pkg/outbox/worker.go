package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/uniassist/gateway/pkg/broker"
	"github.com/uniassist/gateway/pkg/config"
	"github.com/uniassist/gateway/pkg/metrics"
	"github.com/uniassist/gateway/pkg/models"
	"github.com/uniassist/gateway/pkg/store"
)

// Pool drains the outbox with a fixed set of claim-dispatch workers plus a
// watchdog that reclaims rows held by crashed workers and sweeps terminal
// rows past the retention window.
type Pool struct {
	store   store.Store
	broker  broker.Broker
	cfg     config.OutboxConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	instanceID string
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewPool builds a worker pool. instanceID distinguishes this process's
// claims in locked_by.
func NewPool(st store.Store, b broker.Broker, cfg config.OutboxConfig, instanceID string, m *metrics.Metrics, logger *slog.Logger) *Pool {
	return &Pool{
		store:      st,
		broker:     b,
		cfg:        cfg,
		metrics:    m,
		logger:     logger.With("component", "outbox_worker"),
		instanceID: instanceID,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the workers and the watchdog.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-w%d", p.instanceID, i)
		p.wg.Add(1)
		go p.runWorker(workerID)
	}
	p.wg.Add(1)
	go p.runWatchdog()
	p.logger.Info("outbox pool started", "workers", p.cfg.WorkerCount)
}

// Stop signals the pool and waits for in-flight dispatches to settle. Each
// worker releases its remaining claims so another instance can pick them up
// without waiting for the stale-lock window.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.logger.Info("outbox pool stopped")
}

func (p *Pool) runWorker(workerID string) {
	defer p.wg.Done()
	defer p.releaseClaims(workerID)

	for {
		select {
		case <-p.stopCh:
			return
		case <-time.After(p.jitteredInterval()):
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PollInterval+10*time.Second)
		n := p.drainOnce(ctx, workerID)
		cancel()

		// Keep claiming without the poll delay while the backlog lasts.
		for n == p.cfg.BatchSize {
			select {
			case <-p.stopCh:
				return
			default:
			}
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PollInterval+10*time.Second)
			n = p.drainOnce(ctx, workerID)
			cancel()
		}
	}
}

// drainOnce claims one batch and dispatches every row, returning how many
// rows were claimed.
func (p *Pool) drainOnce(ctx context.Context, workerID string) int {
	rows, err := p.store.ClaimOutbox(ctx, workerID, p.cfg.BatchSize, time.Now())
	if err != nil {
		p.logger.Error("outbox claim failed", "worker_id", workerID, "error", err)
		return 0
	}
	for _, row := range rows {
		p.dispatch(ctx, row)
	}
	return len(rows)
}

func (p *Pool) dispatch(ctx context.Context, row *models.OutboxRow) {
	var env models.StreamEnvelope
	if err := json.Unmarshal(row.Payload, &env); err != nil {
		// Undecodable payloads can never succeed; dead-letter directly.
		p.logger.Error("dead-lettering undecodable outbox row",
			"outbox_id", row.ID, "event_id", row.EventID, "error", err)
		p.markFailed(ctx, row, fmt.Sprintf("undecodable payload: %v", err), true)
		return
	}

	if err := p.broker.Publish(ctx, &env); err != nil {
		dead := row.Attempts >= row.MaxAttempts
		p.logger.Warn("outbox dispatch failed",
			"outbox_id", row.ID,
			"event_id", row.EventID,
			"attempts", row.Attempts,
			"dead_letter", dead,
			"error", err)
		p.markFailed(ctx, row, err.Error(), dead)
		return
	}

	if err := p.store.MarkOutboxDelivered(ctx, row.ID, time.Now()); err != nil {
		p.metrics.PersistenceErrors.Inc()
		p.logger.Error("failed to mark outbox row delivered",
			"outbox_id", row.ID, "error", err)
		return
	}
	p.metrics.OutboxDelivered.Inc()
}

func (p *Pool) markFailed(ctx context.Context, row *models.OutboxRow, lastError string, dead bool) {
	next := time.Now().Add(Backoff(p.cfg.BackoffBase, p.cfg.BackoffMax, row.Attempts))
	if err := p.store.MarkOutboxFailed(ctx, row.ID, lastError, next, dead); err != nil {
		p.metrics.PersistenceErrors.Inc()
		p.logger.Error("failed to mark outbox row failed",
			"outbox_id", row.ID, "error", err)
		return
	}
	if dead {
		p.metrics.OutboxDeadLettered.Inc()
	} else {
		p.metrics.OutboxFailed.Inc()
	}
}

func (p *Pool) releaseClaims(workerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := p.store.ReleaseOutboxClaims(ctx, workerID)
	if err != nil {
		p.logger.Error("failed to release outbox claims", "worker_id", workerID, "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("released outbox claims", "worker_id", workerID, "count", n)
	}
}

// runWatchdog periodically reclaims stale processing rows and purges
// terminal rows past the retention window.
func (p *Pool) runWatchdog() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.StaleLockScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

		reclaimed, err := p.store.ReclaimStaleOutbox(ctx, time.Now().Add(-p.cfg.StaleLockThreshold))
		if err != nil {
			p.logger.Error("stale outbox reclaim failed", "error", err)
		} else if reclaimed > 0 {
			p.metrics.OutboxReclaimed.Add(float64(reclaimed))
			p.logger.Warn("reclaimed stale outbox rows", "count", reclaimed)
		}

		purged, err := p.store.PurgeTerminalOutbox(ctx, time.Now().Add(-p.cfg.RetentionWindow))
		if err != nil {
			p.logger.Error("outbox retention sweep failed", "error", err)
		} else if purged > 0 {
			p.logger.Info("purged terminal outbox rows", "count", purged)
		}

		cancel()
	}
}

// jitteredInterval spreads worker wakeups so they do not claim in lockstep.
func (p *Pool) jitteredInterval() time.Duration {
	if p.cfg.PollIntervalJitter <= 0 {
		return p.cfg.PollInterval
	}
	return p.cfg.PollInterval + time.Duration(rand.Int63n(int64(p.cfg.PollIntervalJitter)))
}

// Backoff computes the retry delay for the given attempt count: exponential
// from base, capped at max, with ±25% jitter.
func Backoff(base, max time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	jitter := time.Duration(float64(d) * 0.25 * (rand.Float64()*2 - 1))
	return d + jitter
}
