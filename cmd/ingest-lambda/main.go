package main

import (
	"context"
	"errors"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/wolfman30/saathi-ai-platform/cmd/mainconfig"
	"github.com/wolfman30/saathi-ai-platform/internal/app/bootstrap"
	"github.com/wolfman30/saathi-ai-platform/internal/ingest"
	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
)

// jobProcessor runs one queued ingest job body.
type jobProcessor interface {
	Process(ctx context.Context, body string) error
}

func main() {
	cfg := mainconfig.LoadEnv()
	logger := logging.New(cfg.LogLevel)

	awsConfig, err := mainconfig.LoadAWSConfig(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	app, err := bootstrap.Build(context.Background(), cfg, awsConfig, logger, bootstrap.Options{SkipConversations: true})
	if err != nil {
		logger.Error("failed to build ingest lambda", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	worker := app.IngestWorker()
	lambda.Start(func(ctx context.Context, evt events.SQSEvent) (events.SQSEventResponse, error) {
		return handle(ctx, worker, logger, evt), nil
	})
}

// handle reports only retryable failures back to SQS so the rest of the batch
// is deleted. Permanent failures are already recorded on the job.
func handle(ctx context.Context, processor jobProcessor, logger *logging.Logger, evt events.SQSEvent) events.SQSEventResponse {
	var resp events.SQSEventResponse
	for _, record := range evt.Records {
		err := processor.Process(ctx, record.Body)
		if err == nil {
			continue
		}
		if errors.Is(err, ingest.ErrRetryable) || ctx.Err() != nil {
			logger.Warn("ingest message returned to queue", "message_id", record.MessageId, "error", err)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
			continue
		}
		logger.Error("ingest message dropped", "message_id", record.MessageId, "error", err)
	}
	return resp
}
