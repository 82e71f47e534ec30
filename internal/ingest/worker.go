package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wolfman30/saathi-ai-platform/internal/memory"
	"github.com/wolfman30/saathi-ai-platform/internal/observability/metrics"
	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
)

// Processor is the ingestion work a job performs.
type Processor interface {
	IngestDocument(ctx context.Context, doc Document) (int, error)
	IngestTurn(ctx context.Context, ownerID, text string) (int, error)
}

// ErrRetryable marks a job that failed on a transient backend error and
// should be redelivered.
var ErrRetryable = errors.New("ingest: retryable failure")

const (
	defaultWorkerCount   = 2
	defaultWaitSeconds   = 2
	defaultBatchSize     = 5
	maxWaitSeconds       = 20
	maxReceiveBatchSize  = 10
	deleteTimeoutSeconds = 5
)

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
	metrics          *metrics.PipelineMetrics
}

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the long-poll wait, capped at the SQS maximum.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

func WithWorkerMetrics(m *metrics.PipelineMetrics) WorkerOption {
	return func(cfg *workerConfig) { cfg.metrics = m }
}

// Worker consumes ingestion jobs from the queue.
type Worker struct {
	processor Processor
	queue     queueClient
	jobs      JobUpdater
	logger    *logging.Logger
	cfg       workerConfig
	wg        sync.WaitGroup
}

// NewWorker accepts a nil queue when jobs only arrive through Process.
func NewWorker(processor Processor, queue queueClient, jobs JobUpdater, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if processor == nil {
		panic("ingest: processor cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Worker{processor: processor, queue: queue, jobs: jobs, logger: logger, cfg: cfg}
}

// Start launches the consumer goroutines. It is a no-op without a queue.
func (w *Worker) Start(ctx context.Context) {
	if w.queue == nil {
		return
	}
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("ingest worker started", "worker_id", workerID)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("ingest worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			w.logger.Error("failed to receive ingest jobs", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg queueMessage) {
	if err := w.Process(ctx, msg.Body); errors.Is(err, ErrRetryable) {
		w.logger.Warn("ingest job left for redelivery", "error", err, "msg_id", msg.ID)
		return
	}
	w.deleteMessage(context.WithoutCancel(ctx), msg.ReceiptHandle)
}

// Process runs one encoded job. Only transient failures are returned, wrapped
// in ErrRetryable; permanent ones are recorded on the job and swallowed.
func (w *Worker) Process(ctx context.Context, body string) error {
	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		w.logger.Error("failed to decode ingest job", "error", err)
		w.cfg.metrics.ObserveIngestJob("malformed")
		return nil
	}
	w.logger.Info("worker processing ingest job", "job_id", job.ID, "kind", job.Kind, "owner_id", job.OwnerID)
	ctx = memory.WithRequestedAt(ctx, job.EnqueuedAt)

	var (
		chunks int
		err    error
	)
	switch job.Kind {
	case JobKindDocument:
		if job.Document == nil {
			err = &IngestionError{Source: job.ID, Reason: "document job without document"}
			break
		}
		doc := *job.Document
		if doc.OwnerID == "" {
			doc.OwnerID = job.OwnerID
		}
		chunks, err = w.processor.IngestDocument(ctx, doc)
	case JobKindTurn:
		chunks, err = w.processor.IngestTurn(ctx, job.OwnerID, job.Text)
	default:
		err = &IngestionError{Source: job.ID, Reason: fmt.Sprintf("unknown job kind %q", job.Kind)}
	}

	var backendErr *memory.RetrievalBackendError
	switch {
	case err == nil:
		w.cfg.metrics.ObserveIngestJob(string(JobStatusCompleted))
		w.cfg.metrics.ObserveIngestedChunks(string(job.Kind), chunks)
		w.updateJob(ctx, job, func(ctx context.Context) error {
			return w.jobs.MarkCompleted(ctx, job.ID, chunks)
		})
		return nil
	case errors.As(err, &backendErr), errors.Is(err, context.DeadlineExceeded):
		w.cfg.metrics.ObserveIngestJob("retry")
		w.logger.Warn("ingest job hit a transient failure", "error", err, "job_id", job.ID)
		return fmt.Errorf("%w: %v", ErrRetryable, err)
	default:
		w.cfg.metrics.ObserveIngestJob(string(JobStatusFailed))
		w.logger.Error("ingest job failed", "error", err, "job_id", job.ID, "kind", job.Kind)
		w.updateJob(ctx, job, func(ctx context.Context) error {
			return w.jobs.MarkFailed(ctx, job.ID, err.Error())
		})
		return nil
	}
}

func (w *Worker) updateJob(ctx context.Context, job Job, fn func(context.Context) error) {
	if !job.TrackStatus || w.jobs == nil {
		return
	}
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		w.logger.Error("failed to update ingest job status", "error", err, "job_id", job.ID)
	}
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}
	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeoutSeconds*time.Second)
	defer cancel()
	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete ingest job", "error", err)
	}
}
