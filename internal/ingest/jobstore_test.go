package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/saathi-ai-platform/pkg/logging"
)

type mockDynamo struct {
	putInput     *dynamodb.PutItemInput
	updateInputs []*dynamodb.UpdateItemInput
	getOutput    *dynamodb.GetItemOutput
	err          error
}

func (m *mockDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.putInput = in
	return &dynamodb.PutItemOutput{}, m.err
}

func (m *mockDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	m.updateInputs = append(m.updateInputs, in)
	return &dynamodb.UpdateItemOutput{}, m.err
}

func (m *mockDynamo) GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.getOutput == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	return m.getOutput, nil
}

func TestJobStorePutPendingSetsDefaults(t *testing.T) {
	mock := &mockDynamo{}
	store := NewJobStore(mock, "ingest_jobs", logging.Default())

	require.NoError(t, store.PutPending(context.Background(), &JobRecord{JobID: "job-1", Kind: JobKindDocument, OwnerID: "o"}))
	require.NotNil(t, mock.putInput)

	var stored JobRecord
	require.NoError(t, attributevalue.UnmarshalMap(mock.putInput.Item, &stored))
	assert.Equal(t, JobStatusPending, stored.Status)
	assert.NotEmpty(t, stored.CreatedAt)
	assert.Equal(t, stored.CreatedAt, stored.UpdatedAt)
	assert.Greater(t, stored.ExpiresAt, time.Now().Unix())
	assert.Equal(t, "attribute_not_exists(jobId)", aws.ToString(mock.putInput.ConditionExpression))
}

func TestJobStorePutPendingNil(t *testing.T) {
	store := NewJobStore(&mockDynamo{}, "ingest_jobs", nil)
	assert.Error(t, store.PutPending(context.Background(), nil))
}

func TestJobStoreMarkCompleted(t *testing.T) {
	mock := &mockDynamo{}
	store := NewJobStore(mock, "ingest_jobs", nil)

	require.NoError(t, store.MarkCompleted(context.Background(), "job-1", 4))
	require.Len(t, mock.updateInputs, 1)
	update := mock.updateInputs[0]
	assert.Equal(t, "attribute_exists(jobId)", aws.ToString(update.ConditionExpression))
	assert.Equal(t, "status", update.ExpressionAttributeNames["#status"])
	assert.Equal(t, &types.AttributeValueMemberS{Value: string(JobStatusCompleted)}, update.ExpressionAttributeValues[":status"])
	assert.Equal(t, &types.AttributeValueMemberN{Value: "4"}, update.ExpressionAttributeValues[":chunks"])
}

func TestJobStoreMarkFailed(t *testing.T) {
	mock := &mockDynamo{}
	store := NewJobStore(mock, "ingest_jobs", nil)

	require.NoError(t, store.MarkFailed(context.Background(), "job-1", "unsupported document type"))
	update := mock.updateInputs[0]
	assert.Equal(t, &types.AttributeValueMemberS{Value: "unsupported document type"}, update.ExpressionAttributeValues[":error"])
	assert.Error(t, store.MarkFailed(context.Background(), "", "x"))
}

func TestJobStoreGetJob(t *testing.T) {
	item, err := attributevalue.MarshalMap(JobRecord{JobID: "job-1", Status: JobStatusCompleted, ChunksIngested: 2})
	require.NoError(t, err)
	store := NewJobStore(&mockDynamo{getOutput: &dynamodb.GetItemOutput{Item: item}}, "ingest_jobs", nil)

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.ChunksIngested)
}

func TestJobStoreGetJobMissing(t *testing.T) {
	store := NewJobStore(&mockDynamo{}, "ingest_jobs", nil)
	_, err := store.GetJob(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)

	store = NewJobStore(&mockDynamo{err: errors.New("throttled")}, "ingest_jobs", nil)
	_, err = store.GetJob(context.Background(), "job-1")
	assert.ErrorContains(t, err, "throttled")
}

func TestMemoryJobStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryJobStore()
	require.NoError(t, store.PutPending(ctx, &JobRecord{JobID: "j", OwnerID: "o"}))
	assert.Error(t, store.PutPending(ctx, &JobRecord{JobID: "j"}))

	require.NoError(t, store.MarkCompleted(ctx, "j", 3))
	job, err := store.GetJob(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.ChunksIngested)

	assert.ErrorIs(t, store.MarkFailed(ctx, "missing", "x"), ErrJobNotFound)
}
