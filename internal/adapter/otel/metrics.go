package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "pipelineforge"

// Metrics holds all PipelineForge metric instruments.
type Metrics struct {
	RunsStarted    metric.Int64Counter
	RunsCompleted  metric.Int64Counter
	RunsFailed     metric.Int64Counter
	StageAttempts  metric.Int64Counter
	StageRetries   metric.Int64Counter
	StageDegraded  metric.Int64Counter
	Revisions      metric.Int64Counter
	EditConflicts  metric.Int64Counter
	AuditEvents    metric.Int64Counter
	RunDuration    metric.Float64Histogram
	StageDuration  metric.Float64Histogram
	ActiveSessions metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.RunsStarted, "pipelineforge.runs.started", "Number of runs started"},
		{&m.RunsCompleted, "pipelineforge.runs.completed", "Number of runs completed"},
		{&m.RunsFailed, "pipelineforge.runs.failed", "Number of runs failed"},
		{&m.StageAttempts, "pipelineforge.stage.attempts", "Number of stage invocations"},
		{&m.StageRetries, "pipelineforge.stage.retries", "Number of transient stage failures retried"},
		{&m.StageDegraded, "pipelineforge.stage.degraded", "Number of stage outputs produced by a fallback"},
		{&m.Revisions, "pipelineforge.revisions", "Number of quality gate revisions"},
		{&m.EditConflicts, "pipelineforge.collab.edit_conflicts", "Number of rejected collaborative edits"},
		{&m.AuditEvents, "pipelineforge.audit.events", "Number of audit events emitted"},
	}
	for _, c := range counters {
		ctr, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = ctr
	}

	var err error
	m.RunDuration, err = meter.Float64Histogram("pipelineforge.run.duration_seconds",
		metric.WithDescription("Run duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.StageDuration, err = meter.Float64Histogram("pipelineforge.stage.duration_seconds",
		metric.WithDescription("Stage attempt duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("pipelineforge.collab.active_sessions",
		metric.WithDescription("Collaboration sessions not yet finalized or expired"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
