package queue

import "context"

// Client hands a workflow job to the worker fleet. Implementations deliver
// at least once; workers tolerate redelivery of the same workflow id.
type Client interface {
	Send(ctx context.Context, msg Message) error
}
