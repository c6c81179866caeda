package persistence

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// WriteOp is one buffered statement.
type WriteOp struct {
	Query string
	Args  []any
}

// BatchWriter batches append-only writes (audit rows) into one transaction
// per flush. It must not be used for state that has to be durable before it
// is acted on.
type BatchWriter struct {
	db          *sql.DB
	log         *zap.Logger
	buffer      []WriteOp
	mu          sync.Mutex
	flushMu     sync.Mutex
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup

	totalWrites  atomic.Uint64
	totalBatches atomic.Uint64
	totalErrors  atomic.Uint64
	dropped      atomic.Uint64
}

// Metrics provides statistics about batch operations.
type Metrics struct {
	TotalWrites  uint64 `json:"total_writes"`
	TotalBatches uint64 `json:"total_batches"`
	TotalErrors  uint64 `json:"total_errors"`
	Dropped      uint64 `json:"dropped"`
	Pending      int    `json:"pending"`
}

// NewBatchWriter creates a batch writer that flushes every interval or once
// maxSize operations are buffered.
func NewBatchWriter(db *sql.DB, maxSize int, interval time.Duration, log *zap.Logger) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}

	bw := &BatchWriter{
		db:          db,
		log:         log,
		buffer:      make([]WriteOp, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// Write adds a write operation to the batch.
func (bw *BatchWriter) Write(query string, args ...any) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, WriteOp{Query: query, Args: args})
	shouldFlush := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if shouldFlush {
		_ = bw.Flush(context.Background())
	}
}

// Flush immediately writes all buffered operations to the database.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.executeBatch(ctx, ops)
}

// executeBatch runs ops in one transaction. If any row fails the batch is
// replayed row by row so one bad row does not cost the others.
func (bw *BatchWriter) executeBatch(ctx context.Context, ops []WriteOp) error {
	bw.totalWrites.Add(uint64(len(ops)))
	bw.totalBatches.Add(1)

	err := bw.execTx(ctx, ops)
	if err == nil {
		bw.log.Debug("batch writer: flushed", zap.Int("ops", len(ops)))
		return nil
	}
	bw.totalErrors.Add(1)
	bw.log.Warn("batch writer: batch failed, writing rows singly", zap.Int("ops", len(ops)), zap.Error(err))

	var firstErr error
	for _, op := range ops {
		if _, err := bw.db.ExecContext(ctx, op.Query, op.Args...); err != nil {
			bw.dropped.Add(1)
			bw.log.Error("batch writer: row dropped", zap.String("query", op.Query), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (bw *BatchWriter) execTx(ctx context.Context, ops []WriteOp) error {
	tx, err := bw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, op.Query, op.Args...); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// backgroundFlush periodically flushes the buffer.
func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(context.Background()); err != nil {
				bw.log.Warn("batch writer: background flush", zap.Error(err))
			}
		case <-bw.done:
			if err := bw.Flush(context.Background()); err != nil {
				bw.log.Warn("batch writer: final flush", zap.Error(err))
			}
			return
		}
	}
}

// Metrics returns counters for the monitoring endpoint.
func (bw *BatchWriter) Metrics() Metrics {
	bw.mu.Lock()
	pending := len(bw.buffer)
	bw.mu.Unlock()
	return Metrics{
		TotalWrites:  bw.totalWrites.Load(),
		TotalBatches: bw.totalBatches.Load(),
		TotalErrors:  bw.totalErrors.Load(),
		Dropped:      bw.dropped.Load(),
		Pending:      pending,
	}
}

// Close flushes what is buffered and stops the background loop.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
