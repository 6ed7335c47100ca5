// Package tasks runs the persistence fan-out: graph upserts, alias
// recording and ingest runs happen here so the request path never waits on
// them. Losing a task costs freshness, never correctness, so the pool drops
// work rather than block when it is full.
package tasks

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tyqqj0/Paper-Parser/internal/metrics"
)

type Pool struct {
	g      *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 15
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &errgroup.Group{}
	g.SetLimit(size)
	return &Pool{g: g, ctx: ctx, cancel: cancel}
}

// Submit schedules fn on the pool. When every worker is busy the task is
// dropped and logged; callers must not rely on it running.
func (p *Pool) Submit(name string, fn func(ctx context.Context) error) {
	metrics.TasksSubmitted.Inc()
	started := p.g.TryGo(func() error {
		defer func() {
			if r := recover(); r != nil {
				metrics.TaskPanics.Inc()
				log.WithFields(log.Fields{
					"task":  name,
					"panic": fmt.Sprint(r),
					"stack": string(debug.Stack()),
				}).Error("background task panicked")
			}
		}()
		if err := fn(p.ctx); err != nil {
			log.WithFields(log.Fields{"task": name, "err": err}).Warn("background task failed")
		}
		return nil
	})
	if !started {
		metrics.TasksDropped.Inc()
		log.WithField("task", name).Warn("task pool saturated, dropping task")
	}
}

// Shutdown waits for running tasks to drain, up to the context deadline.
// Tasks still running then lose their context and wind down on their own.
func (p *Pool) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.g.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("task pool shutdown: %w", ctx.Err())
	}
}

// Drain is Shutdown with a fixed grace period, for the CLIs.
func (p *Pool) Drain(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return p.Shutdown(ctx)
}
