// Package concurrency wraps the pond worker pool behind the fleet's
// configuration and logging conventions. Node watch loops run on a pool
// so a panic in one loop is recovered and logged instead of killing the
// process.
package concurrency

import (
	"fmt"
	"time"

	"github.com/alitto/pond"

	"taskfleet/internal/core"
)

// PoolConfig sizes a worker pool. Zero values take safe defaults.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration

	// NonBlocking makes Submit fail fast when the queue is full instead
	// of blocking the caller.
	NonBlocking bool
}

func (cfg PoolConfig) normalized() PoolConfig {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Minute
	}
	return cfg
}

// WorkerPool runs submitted functions on pond workers.
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger core.ILogger
}

// NewWorkerPool builds a pool from cfg. Panics raised by submitted
// functions are recovered and logged with the pool name.
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	cfg = cfg.normalized()

	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			logger.Error("Worker pool panic recovered", "pool", cfg.Name, "panic", p)
		}),
	)

	return &WorkerPool{
		pool:   pool,
		config: cfg,
		logger: logger.WithField("component", "worker_pool").WithField("pool", cfg.Name),
	}
}

// Submit schedules task on the pool. In NonBlocking mode a full queue
// returns an error; otherwise Submit blocks until the queue accepts it.
func (wp *WorkerPool) Submit(task func()) error {
	if wp.config.NonBlocking {
		if !wp.pool.TrySubmit(task) {
			return fmt.Errorf("pool %s at capacity %d", wp.config.Name, wp.config.MaxCapacity)
		}
		return nil
	}
	wp.pool.Submit(task)
	return nil
}

// SubmitAndWait schedules task and blocks until it returns. The done
// channel closes via defer so a panicking task cannot strand the caller.
func (wp *WorkerPool) SubmitAndWait(task func()) {
	done := make(chan struct{})
	wp.pool.Submit(func() {
		defer close(done)
		task()
	})
	<-done
}

// Stop waits for queued tasks to finish and releases the workers.
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}
