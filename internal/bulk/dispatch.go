package bulk

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"lab-backend/internal/shared/telemetry"
)

const (
	DefaultBatchSize = 10
	DefaultPause     = 200 * time.Millisecond
)

// Target is one recipient of a bulk dispatch.
type Target struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

type Success struct {
	TargetID   string `json:"targetId"`
	ArtifactID string `json:"artifactId"`
}

type Failure struct {
	TargetID string `json:"targetId"`
	Error    string `json:"error"`
}

// Report lists every target exactly once, in target order.
type Report struct {
	Total     int       `json:"total"`
	Succeeded []Success `json:"succeeded"`
	Failed    []Failure `json:"failed"`
}

// Dispatcher controls batching. The zero value uses the defaults; a negative
// Pause runs batches back to back.
type Dispatcher struct {
	BatchSize int
	Pause     time.Duration
	Sleep     func(ctx context.Context, d time.Duration) error
}

type outcome struct {
	artifactID string
	err        error
}

// Dispatch runs op for every target. Targets within a batch run concurrently and
// a batch starts only after the previous one has finished. Failures are reported
// per target and never abort siblings.
func Dispatch[A any](ctx context.Context, d Dispatcher, artifact A, targets []Target, op func(context.Context, A, Target) (string, error)) Report {
	batchSize := d.BatchSize
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	pause := d.Pause
	switch {
	case pause == 0:
		pause = DefaultPause
	case pause < 0:
		pause = 0
	}
	sleep := d.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	outcomes := make([]outcome, len(targets))
	next := 0
	for start := 0; start < len(targets); start += batchSize {
		if start > 0 && pause > 0 {
			if err := sleep(ctx, pause); err != nil {
				break
			}
		}
		if err := ctx.Err(); err != nil {
			break
		}
		end := start + batchSize
		if end > len(targets) {
			end = len(targets)
		}

		// Per-item errors are kept in outcomes; the group only joins the batch.
		var g errgroup.Group
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				outcomes[i] = runOne(ctx, artifact, targets[i], op)
				return nil
			})
		}
		_ = g.Wait()
		next = end
	}
	for i := next; i < len(targets); i++ {
		err := ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		outcomes[i] = outcome{err: err}
	}

	report := Report{
		Total:     len(targets),
		Succeeded: make([]Success, 0, len(targets)),
		Failed:    make([]Failure, 0),
	}
	for i, o := range outcomes {
		if o.err != nil {
			report.Failed = append(report.Failed, Failure{TargetID: targets[i].ID, Error: o.err.Error()})
			continue
		}
		report.Succeeded = append(report.Succeeded, Success{TargetID: targets[i].ID, ArtifactID: o.artifactID})
	}
	telemetry.Info("bulk.dispatch", map[string]any{
		"total":     report.Total,
		"succeeded": len(report.Succeeded),
		"failed":    len(report.Failed),
	})
	return report
}

func runOne[A any](ctx context.Context, artifact A, target Target, op func(context.Context, A, Target) (string, error)) (out outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			out = outcome{err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	id, err := op(ctx, artifact, target)
	if err != nil {
		telemetry.Error("bulk.item_failed", map[string]any{
			"target_id": target.ID,
			"error":     err.Error(),
		})
		return outcome{err: err}
	}
	return outcome{artifactID: id}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
