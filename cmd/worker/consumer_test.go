package main

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab-backend/internal/queue"
	"lab-backend/internal/shared/storage/object/local"
	"lab-backend/internal/workerproc"
	"lab-backend/internal/workflow"
)

// fakeSQS serves each batch once and then reports cancellation through onEmpty.
type fakeSQS struct {
	mu         sync.Mutex
	batches    [][]sqstypes.Message
	receiveErr error
	deleted    []string
	onEmpty    func()
	inputs     []*sqs.ReceiveMessageInput
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, params)
	if f.receiveErr != nil {
		err := f.receiveErr
		f.receiveErr = nil
		return nil, err
	}
	if len(f.batches) == 0 {
		if f.onEmpty != nil {
			f.onEmpty()
		}
		return &sqs.ReceiveMessageOutput{}, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return &sqs.ReceiveMessageOutput{Messages: batch}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) deletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type fakeRunner struct {
	result workflow.CompleteResult
}

func (f fakeRunner) RunComplete(ctx context.Context, in workflow.CompleteInput) workflow.CompleteResult {
	res := f.result
	res.WorkflowID = in.WorkflowID
	return res
}

func newConsumer(t *testing.T, client *fakeSQS, result workflow.CompleteResult) (*consumer, *local.Store) {
	t.Helper()
	store := local.New(t.TempDir())
	return &consumer{
		client:      client,
		queueURL:    "queue",
		proc:        &workerproc.Processor{Runner: fakeRunner{result: result}, Store: store},
		concurrency: 2,
		visibility:  15 * time.Minute,
		waitTime:    20 * time.Second,
	}, store
}

func stage(t *testing.T, store *local.Store) string {
	t.Helper()
	key, _, _, err := store.Save(context.Background(), "user-1", "notes.txt", bytes.NewReader([]byte("notes")))
	require.NoError(t, err)
	return key
}

func sqsMessage(t *testing.T, id string, msg queue.Message) sqstypes.Message {
	t.Helper()
	body, err := queue.EncodeMessage(msg)
	require.NoError(t, err)
	return sqstypes.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("r-" + id),
		Body:          aws.String(string(body)),
		Attributes:    map[string]string{receiveCountAttr: "1"},
	}
}

func TestHandleDeletesMessageOnSuccess(t *testing.T) {
	client := &fakeSQS{}
	c, store := newConsumer(t, client, workflow.CompleteResult{Success: true})
	msg := sqsMessage(t, "m1", queue.Message{WorkflowID: "wf-1", RequestID: "req-1", Version: 1, Job: queue.WorkflowJob{AudioKey: stage(t, store)}})

	c.handle(context.Background(), msg)

	assert.Equal(t, []string{"r-m1"}, client.deletedHandles())
}

func TestHandleKeepsMessageOnOrchestrationFailure(t *testing.T) {
	client := &fakeSQS{}
	c, store := newConsumer(t, client, workflow.CompleteResult{Err: workflow.ErrOrchestration})
	msg := sqsMessage(t, "m2", queue.Message{WorkflowID: "wf-2", Version: 1, Job: queue.WorkflowJob{AudioKey: stage(t, store)}})

	c.handle(context.Background(), msg)

	assert.Empty(t, client.deletedHandles())
}

func TestHandleDeletesWhenAudioIsGone(t *testing.T) {
	client := &fakeSQS{}
	c, _ := newConsumer(t, client, workflow.CompleteResult{Success: true})
	msg := sqsMessage(t, "m3", queue.Message{WorkflowID: "wf-3", Version: 1, Job: queue.WorkflowJob{AudioKey: "gone/notes.txt"}})

	c.handle(context.Background(), msg)

	assert.Len(t, client.deletedHandles(), 1)
}

func TestHandleDeletesInvalidJSON(t *testing.T) {
	client := &fakeSQS{}
	c, _ := newConsumer(t, client, workflow.CompleteResult{})
	c.handle(context.Background(), sqstypes.Message{
		MessageId:     aws.String("m4"),
		ReceiptHandle: aws.String("r4"),
		Body:          aws.String("{bad-json"),
	})

	assert.Equal(t, []string{"r4"}, client.deletedHandles())
}

func TestParseFailureEvent(t *testing.T) {
	fields := map[string]any{}
	assert.Equal(t, "worker.workflow.empty_body", parseFailureEvent(workerproc.ErrEmptyBody{}, fields))
	assert.Equal(t, "worker.workflow.missing_id", parseFailureEvent(workerproc.ErrMissingWorkflowID{}, fields))
	assert.Equal(t, "worker.workflow.unsupported_version", parseFailureEvent(workerproc.ErrUnsupportedVersion{Version: 9}, fields))
	assert.Equal(t, 9, fields["version"])
	assert.Equal(t, "worker.workflow.decode_failed", parseFailureEvent(workerproc.ErrDecode{Err: errors.New("eof")}, fields))
	assert.Equal(t, "eof", fields["error"])
}

func TestRunProcessesBatchesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &fakeSQS{receiveErr: errors.New("throttled"), onEmpty: cancel}
	c, store := newConsumer(t, client, workflow.CompleteResult{Success: true})
	client.batches = [][]sqstypes.Message{
		{
			sqsMessage(t, "a", queue.Message{WorkflowID: "wf-a", Version: 1, Job: queue.WorkflowJob{AudioKey: stage(t, store)}}),
			sqsMessage(t, "b", queue.Message{WorkflowID: "wf-b", Version: 1, Job: queue.WorkflowJob{AudioKey: stage(t, store)}}),
		},
		{
			sqsMessage(t, "c", queue.Message{WorkflowID: "wf-c", Version: 1, Job: queue.WorkflowJob{AudioKey: stage(t, store)}}),
		},
	}

	require.NoError(t, c.run(ctx))

	assert.ElementsMatch(t, []string{"r-a", "r-b", "r-c"}, client.deletedHandles())
	require.NotEmpty(t, client.inputs)
	assert.Equal(t, int32(900), client.inputs[0].VisibilityTimeout)
	assert.Equal(t, int32(20), client.inputs[0].WaitTimeSeconds)
}

func TestReceiveCount(t *testing.T) {
	assert.Equal(t, 3, receiveCount(sqstypes.Message{Attributes: map[string]string{receiveCountAttr: "3"}}))
	assert.Equal(t, 0, receiveCount(sqstypes.Message{}))
}
