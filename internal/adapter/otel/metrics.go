package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "corebase"

// Metrics holds all corebase metric instruments.
type Metrics struct {
	EnvironmentsStarted   metric.Int64Counter
	EnvironmentsStopped   metric.Int64Counter
	EnvironmentsFailed    metric.Int64Counter
	EnvironmentsReclaimed metric.Int64Counter
	PoolHits              metric.Int64Counter
	PoolMisses            metric.Int64Counter
	ProvisionDuration     metric.Float64Histogram
	Execs                 metric.Int64Counter
	ExecTimeouts          metric.Int64Counter
	ExecDuration          metric.Float64Histogram
	SessionsJoined        metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.EnvironmentsStarted, err = meter.Int64Counter("corebase.environments.started",
		metric.WithDescription("Number of environments started"))
	if err != nil {
		return nil, err
	}

	m.EnvironmentsStopped, err = meter.Int64Counter("corebase.environments.stopped",
		metric.WithDescription("Number of environments stopped"))
	if err != nil {
		return nil, err
	}

	m.EnvironmentsFailed, err = meter.Int64Counter("corebase.environments.failed",
		metric.WithDescription("Number of environments that entered the error state"))
	if err != nil {
		return nil, err
	}

	m.EnvironmentsReclaimed, err = meter.Int64Counter("corebase.environments.reclaimed",
		metric.WithDescription("Number of idle environments reclaimed"))
	if err != nil {
		return nil, err
	}

	m.PoolHits, err = meter.Int64Counter("corebase.pool.hits",
		metric.WithDescription("Number of acquisitions served from the warm pool"))
	if err != nil {
		return nil, err
	}

	m.PoolMisses, err = meter.Int64Counter("corebase.pool.misses",
		metric.WithDescription("Number of acquisitions that required a cold provision"))
	if err != nil {
		return nil, err
	}

	m.ProvisionDuration, err = meter.Float64Histogram("corebase.provision.duration_seconds",
		metric.WithDescription("Cold provision duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.Execs, err = meter.Int64Counter("corebase.execs",
		metric.WithDescription("Number of command executions"))
	if err != nil {
		return nil, err
	}

	m.ExecTimeouts, err = meter.Int64Counter("corebase.exec.timeouts",
		metric.WithDescription("Number of command executions abandoned at their timeout"))
	if err != nil {
		return nil, err
	}

	m.ExecDuration, err = meter.Float64Histogram("corebase.exec.duration_seconds",
		metric.WithDescription("Command execution duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.SessionsJoined, err = meter.Int64Counter("corebase.sessions.joined",
		metric.WithDescription("Number of participants joined to collaboration sessions"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
