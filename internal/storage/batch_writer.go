package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chainsight/internal/metrics"
)

// insertTimeout bounds one batch insert attempt against ClickHouse.
const insertTimeout = 30 * time.Second

// BatchWriterConfig holds buffering and retry settings shared by the
// incident and decision writers.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// insertFunc writes one buffered batch to its table.
type insertFunc[T any] func(ctx context.Context, client *ClickHouseClient, rows []T) error

// BatchWriter accumulates rows for one ClickHouse table and flushes when
// the buffer reaches BatchSize or the flush interval elapses. Failed
// flushes are retried with linearly growing delays; rows from a batch that
// exhausts its retries are dropped and counted, never re-buffered.
type BatchWriter[T any] struct {
	client *ClickHouseClient
	config BatchWriterConfig
	table  string
	insert insertFunc[T]

	mu     sync.Mutex
	buffer []T

	flushTimer *time.Timer
	closed     bool

	written atomic.Uint64
	failed  atomic.Uint64
	batches atomic.Uint64
}

func newBatchWriter[T any](client *ClickHouseClient, cfg BatchWriterConfig, table string, insert insertFunc[T]) *BatchWriter[T] {
	def := DefaultBatchWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}

	w := &BatchWriter[T]{
		client: client,
		config: cfg,
		table:  table,
		insert: insert,
		buffer: make([]T, 0, cfg.BatchSize),
	}
	w.flushTimer = time.AfterFunc(cfg.FlushInterval, w.timerFlush)
	return w
}

// Write adds a row to the batch, flushing synchronously when the buffer
// fills.
func (w *BatchWriter[T]) Write(row T) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return NewStorageError("Write", w.table, ErrWriterClosed)
	}

	w.buffer = append(w.buffer, row)

	if len(w.buffer) >= w.config.BatchSize {
		return w.flushLocked()
	}
	return nil
}

// timerFlush is called by the flush timer.
func (w *BatchWriter[T]) timerFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	if len(w.buffer) > 0 {
		if err := w.flushLocked(); err != nil {
			slog.Error("timer flush failed", "table", w.table, "error", err)
		}
	}

	w.flushTimer.Reset(w.config.FlushInterval)
}

// flushLocked flushes the buffer. Caller must hold the lock.
func (w *BatchWriter[T]) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}

	rows := w.buffer
	w.buffer = make([]T, 0, w.config.BatchSize)

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(w.config.RetryDelay * time.Duration(attempt))
		}

		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		err := w.insert(ctx, w.client, rows)
		cancel()
		if err != nil {
			lastErr = err
			slog.Warn("batch insert failed, retrying",
				"table", w.table,
				"attempt", attempt+1,
				"max_retries", w.config.MaxRetries,
				"error", err,
			)
			continue
		}

		w.written.Add(uint64(len(rows)))
		w.batches.Add(1)
		metrics.StorageFlushDuration.Observe(time.Since(start).Seconds())
		return nil
	}

	w.failed.Add(uint64(len(rows)))
	metrics.StorageErrors.Inc()
	return NewStorageErrorWithRetries("Flush", w.table,
		fmt.Errorf("%w: %v", ErrBatchInsertFailed, lastErr), w.config.MaxRetries)
}

// Flush forces a flush of the current buffer.
func (w *BatchWriter[T]) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// Close stops the flush timer and drains the remaining buffer.
func (w *BatchWriter[T]) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	err := w.flushLocked()
	w.mu.Unlock()

	w.flushTimer.Stop()
	return err
}

// Table returns the table this writer feeds.
func (w *BatchWriter[T]) Table() string {
	return w.table
}

// Metrics returns batch writer statistics.
func (w *BatchWriter[T]) Metrics() BatchWriterMetrics {
	w.mu.Lock()
	pending := len(w.buffer)
	w.mu.Unlock()

	return BatchWriterMetrics{
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Batches: w.batches.Load(),
		Pending: pending,
	}
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
