package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

var durationBuckets = []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000, 120000}

var (
	stepStarted   = newCounterVec()
	stepCompleted = newCounterVec()
	stepFailed    = newCounterVec()
	stepRetries   = newCounterVec()
	rateLimited   = newCounterVec()
	workflowJobs  = newCounterVec()
	httpPanics    = newCounterVec()

	bulkSucceededTotal atomic.Uint64
	bulkFailedTotal    atomic.Uint64

	durationMu    sync.Mutex
	stepDurations = map[string]*histogram{}
)

// IncStepStarted counts a step entering processing.
func IncStepStarted(stage string) { stepStarted.inc(stage) }

// IncStepCompleted counts a step that finished successfully.
func IncStepCompleted(stage string) { stepCompleted.inc(stage) }

// IncStepFailed counts a step that finished as failed.
func IncStepFailed(stage string) { stepFailed.inc(stage) }

// IncStepRetry counts one retry of a provider call.
func IncStepRetry(stage string) { stepRetries.inc(stage) }

// IncRateLimited counts a request rejected by the limiter.
func IncRateLimited(group string) { rateLimited.inc(group) }

// IncWorkflowJobs counts queued workflow jobs by status.
func IncWorkflowJobs(status string) { workflowJobs.inc(status) }

// IncPanics counts a handler panic recovered by the router.
func IncPanics(route string) { httpPanics.inc(route) }

// AddBulkResults records per-target delivery outcomes.
func AddBulkResults(succeeded, failed int) {
	if succeeded > 0 {
		bulkSucceededTotal.Add(uint64(succeeded))
	}
	if failed > 0 {
		bulkFailedTotal.Add(uint64(failed))
	}
}

// ObserveStepDurationMs records a step duration in milliseconds.
func ObserveStepDurationMs(stage string, value float64) {
	if value < 0 {
		value = 0
	}
	durationMu.Lock()
	h, ok := stepDurations[stage]
	if !ok {
		h = newHistogram(durationBuckets)
		stepDurations[stage] = h
	}
	durationMu.Unlock()
	h.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounterVec(&buf, "workflow_step_started_total", "Workflow steps started", "stage", stepStarted)
	writeCounterVec(&buf, "workflow_step_completed_total", "Workflow steps completed", "stage", stepCompleted)
	writeCounterVec(&buf, "workflow_step_failed_total", "Workflow steps failed", "stage", stepFailed)
	writeCounterVec(&buf, "workflow_step_retries_total", "Provider call retries", "stage", stepRetries)
	writeCounterVec(&buf, "rate_limited_total", "Requests rejected by the rate limiter", "group", rateLimited)
	writeCounterVec(&buf, "workflow_jobs_total", "Queued workflow jobs handled by workers", "status", workflowJobs)
	writeCounterVec(&buf, "http_panics_total", "Handler panics recovered", "route", httpPanics)
	writeCounter(&buf, "bulk_delivery_succeeded_total", "Bulk delivery targets succeeded", bulkSucceededTotal.Load())
	writeCounter(&buf, "bulk_delivery_failed_total", "Bulk delivery targets failed", bulkFailedTotal.Load())

	durationMu.Lock()
	stages := make([]string, 0, len(stepDurations))
	for stage := range stepDurations {
		stages = append(stages, stage)
	}
	durationMu.Unlock()
	sort.Strings(stages)
	fmt.Fprintf(&buf, "# HELP workflow_step_duration_ms Workflow step duration in milliseconds\n")
	fmt.Fprintf(&buf, "# TYPE workflow_step_duration_ms histogram\n")
	for _, stage := range stages {
		durationMu.Lock()
		h := stepDurations[stage]
		durationMu.Unlock()
		writeHistogram(&buf, "workflow_step_duration_ms", fmt.Sprintf("stage=%q", stage), h.Snapshot())
	}
	return buf.String()
}

type counterVec struct {
	mu     sync.Mutex
	values map[string]uint64
}

func newCounterVec() *counterVec {
	return &counterVec{values: map[string]uint64{}}
}

func (v *counterVec) inc(label string) {
	v.mu.Lock()
	v.values[label]++
	v.mu.Unlock()
}

func (v *counterVec) snapshot() map[string]uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]uint64, len(v.values))
	for k, val := range v.values {
		out[k] = val
	}
	return out
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// Observe stores value in its own bucket; writeHistogram accumulates.
func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
			return
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeCounterVec(buf *bytes.Buffer, name, help, label string, vec *counterVec) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	values := vec.snapshot()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(buf, "%s{%s=%q} %d\n", name, label, k, values[k])
	}
}

func writeHistogram(buf *bytes.Buffer, name, labels string, snap histogramSnapshot) {
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{%s,le=\"%s\"} %d\n", name, labels, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, snap.count)
	fmt.Fprintf(buf, "%s_sum{%s} %s\n", name, labels, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count{%s} %d\n", name, labels, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}
