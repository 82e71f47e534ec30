package ingest

import (
	"context"

	"github.com/wolfman30/saathi-ai-platform/internal/pipeline"
)

type enqueuer interface {
	Enqueue(ctx context.Context, job Job) (string, error)
}

// QueueTurnRecorder hands finished turns to the ingest queue so memory writes
// stay off the chat request path.
type QueueTurnRecorder struct {
	queue enqueuer
}

var _ pipeline.TurnRecorder = (*QueueTurnRecorder)(nil)

func NewQueueTurnRecorder(queue enqueuer) *QueueTurnRecorder {
	if queue == nil {
		panic("ingest: publisher cannot be nil")
	}
	return &QueueTurnRecorder{queue: queue}
}

func (r *QueueTurnRecorder) RecordTurn(ctx context.Context, turn pipeline.Turn) error {
	_, err := r.queue.Enqueue(ctx, Job{
		Kind:      JobKindTurn,
		OwnerID:   turn.OwnerID,
		SessionID: turn.SessionID,
		Text:      turn.Text(),
	})
	return err
}
