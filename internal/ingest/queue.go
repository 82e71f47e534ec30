package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
)

type queueClient interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type queueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// JobKind distinguishes uploaded documents from recorded conversation turns.
type JobKind string

const (
	JobKindDocument JobKind = "document"
	JobKindTurn     JobKind = "turn"
)

// Job is the queue payload.
type Job struct {
	ID          string    `json:"id"`
	Kind        JobKind   `json:"kind"`
	OwnerID     string    `json:"owner_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Document    *Document `json:"document,omitempty"`
	Text        string    `json:"text,omitempty"`
	TrackStatus bool      `json:"track_status"`
	// EnqueuedAt lets the worker drop jobs that predate an owner erasure.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func encodeJob(job Job) (Job, string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return Job{}, "", fmt.Errorf("ingest: failed to encode job: %w", err)
	}
	return job, string(body), nil
}

// SQSQueue implements queueClient backed by AWS/LocalStack SQS.
type SQSQueue struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSQueue(client *sqs.Client, queueURL string) *SQSQueue {
	if client == nil {
		panic("ingest: SQS client cannot be nil")
	}
	if queueURL == "" {
		panic("ingest: SQS queueURL cannot be empty")
	}
	return &SQSQueue{client: client, queueURL: queueURL}
}

func (q *SQSQueue) Send(ctx context.Context, body string) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("ingest: failed to send SQS message: %w", err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error) {
	output, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(maxMessages),
		WaitTimeSeconds:     int32(waitSeconds),
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: failed to receive SQS messages: %w", err)
	}
	messages := make([]queueMessage, 0, len(output.Messages))
	for _, msg := range output.Messages {
		messages = append(messages, queueMessage{
			ID:            aws.ToString(msg.MessageId),
			Body:          aws.ToString(msg.Body),
			ReceiptHandle: aws.ToString(msg.ReceiptHandle),
		})
	}
	return messages, nil
}

func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	if receiptHandle == "" {
		return nil
	}
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("ingest: failed to delete SQS message: %w", err)
	}
	return nil
}

// MemoryQueue is a queueClient backed by a buffered channel, for local runs.
type MemoryQueue struct {
	ch chan queueMessage
}

func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 128
	}
	return &MemoryQueue{ch: make(chan queueMessage, buffer)}
}

// Send enqueues a payload or blocks until ctx is done.
func (q *MemoryQueue) Send(ctx context.Context, body string) error {
	msg := queueMessage{ID: uuid.NewString(), Body: body, ReceiptHandle: uuid.NewString()}
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until a message arrives, ctx is done, or waitSeconds elapses.
func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	var timeout <-chan time.Time
	if waitSeconds > 0 {
		timer := time.NewTimer(time.Duration(waitSeconds) * time.Second)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, nil
	case msg := <-q.ch:
		messages := []queueMessage{msg}
		for len(messages) < maxMessages {
			select {
			case next := <-q.ch:
				messages = append(messages, next)
			default:
				return messages, nil
			}
		}
		return messages, nil
	}
}

// Delete is a no-op for the in-memory queue.
func (q *MemoryQueue) Delete(context.Context, string) error { return nil }

// Publisher enqueues ingestion jobs and tracks their status when asked.
type Publisher struct {
	queue queueClient
	jobs  JobRecorder
}

// NewPublisher accepts a nil job recorder; tracked jobs then fail.
func NewPublisher(queue queueClient, jobs JobRecorder) *Publisher {
	if queue == nil {
		panic("ingest: queue cannot be nil")
	}
	return &Publisher{queue: queue, jobs: jobs}
}

// Enqueue sends job and returns its id. Tracked jobs get a pending record first.
func (p *Publisher) Enqueue(ctx context.Context, job Job) (string, error) {
	job, body, err := encodeJob(job)
	if err != nil {
		return "", err
	}
	if job.TrackStatus {
		if p.jobs == nil {
			return "", fmt.Errorf("ingest: job tracking is not configured")
		}
		record := &JobRecord{JobID: job.ID, Kind: job.Kind, OwnerID: job.OwnerID}
		if job.Document != nil {
			record.Filename = job.Document.Filename
		}
		if err := p.jobs.PutPending(ctx, record); err != nil {
			return "", err
		}
	}
	if err := p.queue.Send(ctx, body); err != nil {
		return "", fmt.Errorf("ingest: failed to enqueue job: %w", err)
	}
	return job.ID, nil
}
