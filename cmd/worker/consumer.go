package main

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"

	"lab-backend/internal/shared/metrics"
	"lab-backend/internal/shared/telemetry"
	"lab-backend/internal/workerproc"
)

const receiveCountAttr = "ApproximateReceiveCount"

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// consumer long-polls the workflow queue and hands each message to the
// processor. A message is deleted once it completed or can never succeed;
// anything else is left for redelivery after the visibility timeout.
type consumer struct {
	client      sqsAPI
	queueURL    string
	proc        *workerproc.Processor
	concurrency int
	visibility  time.Duration
	waitTime    time.Duration
	// backoff after a failed receive
	errPause time.Duration
}

// run polls until ctx is cancelled, then waits for in-flight messages.
// Messages already received finish even after cancellation.
func (c *consumer) run(ctx context.Context) error {
	jobCtx := context.WithoutCancel(ctx)
	var jobs errgroup.Group
	jobs.SetLimit(max(1, c.concurrency))

	for ctx.Err() == nil {
		resp, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     int32(c.waitTime / time.Second),
			VisibilityTimeout:   int32(c.visibility / time.Second),
			MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
				sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
			},
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				break
			}
			telemetry.Error("worker.receive_failed", map[string]any{"error": err.Error()})
			c.pause(ctx)
			continue
		}

		for _, msg := range resp.Messages {
			if ctx.Err() != nil {
				break
			}
			metrics.IncWorkflowJobs("received")
			msg := msg
			jobs.Go(func() error {
				c.handle(jobCtx, msg)
				return nil
			})
		}
	}
	return jobs.Wait()
}

func (c *consumer) pause(ctx context.Context) {
	if c.errPause <= 0 {
		return
	}
	t := time.NewTimer(c.errPause)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *consumer) handle(ctx context.Context, msg sqstypes.Message) {
	body := aws.ToString(msg.Body)
	decoded, meta, err := workerproc.ParseMessage(body)
	fields := logFields(msg, decoded.WorkflowID, decoded.RequestID)
	if err != nil {
		fields["body_len"] = meta.BodyLen
		if meta.BodySHA != "" {
			fields["body_sha256"] = meta.BodySHA
		}
		telemetry.Error(parseFailureEvent(err, fields), fields)
		if c.delete(ctx, msg, fields) {
			metrics.IncWorkflowJobs("discarded")
		}
		return
	}

	telemetry.Info("worker.workflow.received", fields)

	err = workerproc.HandleMessage(workerproc.WithParsedMessage(ctx, decoded), c.proc, body)
	switch {
	case err == nil:
		if c.delete(ctx, msg, fields) {
			telemetry.Info("worker.workflow.completed", fields)
			metrics.IncWorkflowJobs("completed")
		}
	case workerproc.Unrecoverable(err):
		fields["error"] = err.Error()
		telemetry.Error("worker.workflow.unrecoverable", fields)
		if c.delete(ctx, msg, fields) {
			metrics.IncWorkflowJobs("discarded")
		}
	default:
		var procErr workerproc.ErrProcess
		if errors.As(err, &procErr) && procErr.Err != nil {
			fields["error"] = procErr.Err.Error()
		} else {
			fields["error"] = err.Error()
		}
		telemetry.Error("worker.workflow.failed", fields)
		metrics.IncWorkflowJobs("failed")
	}
}

func parseFailureEvent(err error, fields map[string]any) string {
	switch e := err.(type) {
	case workerproc.ErrEmptyBody:
		return "worker.workflow.empty_body"
	case workerproc.ErrMissingWorkflowID:
		return "worker.workflow.missing_id"
	case workerproc.ErrUnsupportedVersion:
		fields["version"] = e.Version
		return "worker.workflow.unsupported_version"
	case workerproc.ErrDecode:
		if e.Err != nil {
			fields["error"] = e.Err.Error()
		}
	default:
		fields["error"] = err.Error()
	}
	return "worker.workflow.decode_failed"
}

// delete removes the message even when shutdown has begun.
func (c *consumer) delete(ctx context.Context, msg sqstypes.Message, fields map[string]any) bool {
	receipt := aws.ToString(msg.ReceiptHandle)
	if receipt == "" {
		telemetry.Error("worker.workflow.delete_failed", withError(fields, "missing receipt handle"))
		return false
	}
	_, err := c.client.DeleteMessage(context.WithoutCancel(ctx), &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		telemetry.Error("worker.workflow.delete_failed", withError(fields, err.Error()))
		return false
	}
	return true
}

func withError(fields map[string]any, msg string) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["error"] = msg
	return out
}

func logFields(msg sqstypes.Message, workflowID, requestID string) map[string]any {
	fields := map[string]any{
		"workflow_id":    workflowID,
		"sqs_message_id": aws.ToString(msg.MessageId),
		"receive_count":  receiveCount(msg),
	}
	if strings.TrimSpace(requestID) != "" {
		fields["request_id"] = requestID
	}
	return fields
}

func receiveCount(msg sqstypes.Message) int {
	n, err := strconv.Atoi(msg.Attributes[receiveCountAttr])
	if err != nil {
		return 0
	}
	return n
}
