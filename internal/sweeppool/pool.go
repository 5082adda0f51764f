// Package sweeppool runs an Orchestrator's ready-queue and in-flight-queue
// sweeps concurrently as named worker groups, the same per-queue worker
// count shape as worker.Pool, generalized from dequeuing one job at a time
// to repeatedly invoking a no-argument sweep function until stopped.
package sweeppool

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// SweepFunc runs one sweep tick and reports whether it found work, the way
// Orchestrator.sweepReady/sweepInFlight report progress so a caller can
// back off when a queue is empty.
type SweepFunc func(ctx context.Context) (bool, error)

// Config configures the pool the way worker.Config configures queue
// worker counts, here one entry per named sweep rather than one per queue.
type Config struct {
	Sweeps       map[string]SweepConfig
	IdleBackoff  time.Duration // sleep after a tick that found nothing
	ErrorBackoff time.Duration // sleep after a tick that errored
}

type SweepConfig struct {
	Fn      SweepFunc
	Workers int
}

func DefaultConfig(ready, inFlight SweepFunc) Config {
	return Config{
		Sweeps: map[string]SweepConfig{
			"ready":     {Fn: ready, Workers: 4},
			"in_flight": {Fn: inFlight, Workers: 4},
		},
		IdleBackoff:  250 * time.Millisecond,
		ErrorBackoff: 2 * time.Second,
	}
}

// Pool runs every configured sweep's workers until Stop is called.
type Pool struct {
	cfg    Config
	logger *logrus.Entry
	stop   chan struct{}
	done   chan struct{}
}

func New(cfg Config, logger *logrus.Entry) *Pool {
	return &Pool{cfg: cfg, logger: logger, stop: make(chan struct{})}
}

func (p *Pool) Start(ctx context.Context) {
	var total int
	for _, sc := range p.cfg.Sweeps {
		total += sc.Workers
	}
	p.done = make(chan struct{}, total)

	for name, sc := range p.cfg.Sweeps {
		for i := 0; i < sc.Workers; i++ {
			go p.runWorker(ctx, name, i, sc.Fn)
		}
	}
}

func (p *Pool) Stop() {
	close(p.stop)
}

func (p *Pool) runWorker(ctx context.Context, name string, id int, fn SweepFunc) {
	log := p.logger.WithFields(logrus.Fields{"sweep": name, "worker": id})
	log.Info("sweep worker started")
	defer func() {
		log.Info("sweep worker stopped")
		if p.done != nil {
			p.done <- struct{}{}
		}
	}()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		found, err := fn(ctx)
		if err != nil {
			log.WithError(err).Error("sweep tick failed")
			select {
			case <-time.After(p.cfg.ErrorBackoff):
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		if !found {
			select {
			case <-time.After(p.cfg.IdleBackoff):
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}
