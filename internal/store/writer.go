package store

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/formdeck/internal/collab"
	"go.uber.org/zap"
)

const (
	defaultQueueSize    = 256
	defaultWorkers      = 2
	defaultMaxRetry     = 5
	defaultBaseBackoff  = 100 * time.Millisecond
	defaultMaxBackoff   = 5 * time.Second
	writeAttemptTimeout = 5 * time.Second
)

// OperationApplier is the write-through target; satisfied by *Store.
type OperationApplier interface {
	ApplyOperation(ctx context.Context, documentID string, op collab.Operation) error
}

// WriterConfig tunes the asynchronous write-through queue.
type WriterConfig struct {
	Applier     OperationApplier
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      *zap.Logger
}

type writeJob struct {
	documentID string
	op         collab.Operation
}

// Writer drains accepted operations to the document store on a bounded queue
// with retrying workers. The live room state is the source of truth for the
// session: a write failure is retried with backoff and eventually dropped
// with an error log, never rolled back or surfaced to collaborators.
type Writer struct {
	applier     OperationApplier
	queue       chan writeJob
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	logger      *zap.Logger
}

// NewWriter constructs a Writer and starts its workers.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.Applier == nil {
		return nil, newStoreError("store.writer.new", "missing_applier", errMissingDatabase)
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	maxRetry := cfg.MaxRetry
	if maxRetry <= 0 {
		maxRetry = defaultMaxRetry
	}
	baseBackoff := cfg.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = defaultBaseBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	w := &Writer{
		applier:     cfg.Applier,
		queue:       make(chan writeJob, queueSize),
		maxRetry:    maxRetry,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		logger:      logger,
	}
	for i := 0; i < workers; i++ {
		go w.workerLoop()
	}
	return w, nil
}

// Enqueue hands an accepted operation to the background workers. It never
// blocks the room's serialization point: when the queue is full the write is
// dropped and logged.
func (w *Writer) Enqueue(documentID string, op collab.Operation) {
	select {
	case w.queue <- writeJob{documentID: documentID, op: op}:
	default:
		w.logger.Error("write-through queue full, dropping operation",
			zap.String("document_id", documentID),
			zap.String("operation_id", op.ID))
	}
}

// Close stops accepting writes and lets in-flight jobs finish.
func (w *Writer) Close() {
	close(w.queue)
}

func (w *Writer) workerLoop() {
	for job := range w.queue {
		w.applyWithRetry(job)
	}
}

func (w *Writer) applyWithRetry(job writeJob) {
	for attempt := 0; attempt <= w.maxRetry; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), writeAttemptTimeout)
		err := w.applier.ApplyOperation(ctx, job.documentID, job.op)
		cancel()
		if err == nil {
			return
		}

		if attempt == w.maxRetry {
			w.logger.Error("write-through failed, dropping operation",
				zap.String("document_id", job.documentID),
				zap.String("operation_id", job.op.ID),
				zap.Int("attempts", attempt+1),
				zap.Error(err))
			return
		}

		backoff := w.baseBackoff * time.Duration(1<<attempt)
		if backoff > w.maxBackoff {
			backoff = w.maxBackoff
		}
		w.logger.Warn("write-through attempt failed, backing off",
			zap.String("document_id", job.documentID),
			zap.String("operation_id", job.op.ID),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		time.Sleep(backoff)
	}
}
