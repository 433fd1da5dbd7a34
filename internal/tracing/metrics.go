package tracing

import "go.opentelemetry.io/otel/metric"

// Metrics holds the orchestrator's metric instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	TaskDuration     metric.Float64Histogram
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	ActiveTasks      metric.Int64UpDownCounter
	JobsDispatched   metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.RequestDuration, err = meter.Float64Histogram("relaytask.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.TaskDuration, err = meter.Float64Histogram("relaytask.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.ToolCallDuration, err = meter.Float64Histogram("relaytask.tool.duration",
		metric.WithDescription("MCP tool call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.ToolCallErrors, err = meter.Int64Counter("relaytask.tool.errors",
		metric.WithDescription("MCP tool call error count"),
	); err != nil {
		return nil, err
	}

	if m.ActiveTasks, err = meter.Int64UpDownCounter("relaytask.task.active",
		metric.WithDescription("Number of currently running tasks"),
	); err != nil {
		return nil, err
	}

	if m.JobsDispatched, err = meter.Int64Counter("relaytask.job.dispatched",
		metric.WithDescription("Total scheduled jobs dispatched"),
	); err != nil {
		return nil, err
	}

	if m.RateLimitRejects, err = meter.Int64Counter("relaytask.ratelimit.rejects",
		metric.WithDescription("Requests rejected by the rate limiter"),
	); err != nil {
		return nil, err
	}

	return m, nil
}
