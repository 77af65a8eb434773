// Package metrics defines Prometheus metrics for newtlife runs.
//
// newtlife is a CLI, not a daemon, so nothing is scraped. Metrics are kept
// in a private registry and written once at the end of a run in the
// node_exporter textfile format.
//
// Metric naming follows Prometheus conventions:
//   - newtlife_ prefix for all metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/newtron-network/newtlife/pkg/pipeline"
)

// Metrics holds the collectors of one process.
type Metrics struct {
	Registry *prometheus.Registry

	// PhasesTotal counts finished phases by workflow, phase and status.
	PhasesTotal *prometheus.CounterVec

	// PhaseDurationSeconds is a histogram of phase duration.
	PhaseDurationSeconds *prometheus.HistogramVec

	// RunsTotal counts device runs by workflow and outcome.
	RunsTotal *prometheus.CounterVec

	// RunDurationSeconds is a histogram of device run duration.
	RunDurationSeconds *prometheus.HistogramVec

	// LoginsTotal counts successful logins by credential tier, with
	// fallback="true" when a tier other than the device's first was used.
	LoginsTotal *prometheus.CounterVec

	// ScanResultsTotal counts scanned addresses by result.
	ScanResultsTotal *prometheus.CounterVec

	// BytesTransferredTotal counts image bytes copied to devices.
	BytesTransferredTotal prometheus.Counter

	// LastRunTimestamp is the unix time the last run of a workflow ended.
	LastRunTimestamp *prometheus.GaugeVec
}

// New creates and registers a fresh set of collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		PhasesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newtlife_phases_total",
				Help: "Total phases finished by workflow, phase and status.",
			},
			[]string{"workflow", "phase", "status"},
		),
		PhaseDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "newtlife_phase_duration_seconds",
				Help:    "Duration of phases in seconds.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
			},
			[]string{"workflow", "phase"},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newtlife_runs_total",
				Help: "Total device runs by workflow and outcome.",
			},
			[]string{"workflow", "outcome"},
		),
		RunDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "newtlife_run_duration_seconds",
				Help:    "Duration of device runs in seconds.",
				Buckets: []float64{5, 30, 60, 300, 600, 1200, 2400, 3600},
			},
			[]string{"workflow"},
		),
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newtlife_logins_total",
				Help: "Total successful logins by credential tier.",
			},
			[]string{"tier", "fallback"},
		),
		ScanResultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newtlife_scan_results_total",
				Help: "Total scanned addresses by result.",
			},
			[]string{"result"},
		),
		BytesTransferredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "newtlife_bytes_transferred_total",
				Help: "Total image bytes copied to devices.",
			},
		),
		LastRunTimestamp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "newtlife_last_run_timestamp_seconds",
				Help: "Unix time the last run of a workflow finished.",
			},
			[]string{"workflow"},
		),
	}
	m.Registry.MustRegister(
		m.PhasesTotal,
		m.PhaseDurationSeconds,
		m.RunsTotal,
		m.RunDurationSeconds,
		m.LoginsTotal,
		m.ScanResultsTotal,
		m.BytesTransferredTotal,
		m.LastRunTimestamp,
	)
	return m
}

// RecordLogin records a successful login. fallback is true when the tier
// was not the device's first.
func (m *Metrics) RecordLogin(tier string, fallback bool) {
	f := "false"
	if fallback {
		f = "true"
	}
	m.LoginsTotal.WithLabelValues(tier, f).Inc()
}

// RecordScan records the totals of one scan.
func (m *Metrics) RecordScan(reachable, unreachable, failed int) {
	m.ScanResultsTotal.WithLabelValues("reachable").Add(float64(reachable))
	m.ScanResultsTotal.WithLabelValues("unreachable").Add(float64(unreachable))
	m.ScanResultsTotal.WithLabelValues("failed").Add(float64(failed))
}

// AddTransferred counts bytes copied to a device.
func (m *Metrics) AddTransferred(n int64) {
	if n > 0 {
		m.BytesTransferredTotal.Add(float64(n))
	}
}

// RecordOutcome records a device handled outside a pipeline, such as a
// backup.
func (m *Metrics) RecordOutcome(workflow, outcome string, took time.Duration) {
	m.RunsTotal.WithLabelValues(workflow, outcome).Inc()
	m.RunDurationSeconds.WithLabelValues(workflow).Observe(took.Seconds())
}

// Finish stamps the end of a workflow run.
func (m *Metrics) Finish(workflow string) {
	m.LastRunTimestamp.WithLabelValues(workflow).Set(float64(time.Now().Unix()))
}

// WriteTextfile writes every metric to path in the textfile collector
// format. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}

// Recorder returns a pipeline.Recorder labelling everything with workflow.
func (m *Metrics) Recorder(workflow string) pipeline.Recorder {
	return &recorder{m: m, workflow: workflow}
}

type recorder struct {
	m        *Metrics
	workflow string
}

func (r *recorder) RecordPhase(_ context.Context, _ string, _ pipeline.Device, res pipeline.PhaseResult) {
	r.m.PhasesTotal.WithLabelValues(r.workflow, res.Name, string(res.Status)).Inc()
	if res.Status != pipeline.StatusSkip {
		r.m.PhaseDurationSeconds.WithLabelValues(r.workflow, res.Name).Observe(res.Duration.Seconds())
	}
}

func (r *recorder) RecordRun(_ context.Context, rep *pipeline.Report) {
	outcome := "COMPLETED"
	switch {
	case rep.Completed():
	case rep.Declined():
		outcome = "DECLINED"
	default:
		outcome = "ABORTED"
	}
	r.m.RecordOutcome(r.workflow, outcome, rep.Duration)
	if label := rep.Device.CredentialLabel; label != "" {
		r.m.RecordLogin(label, len(rep.Device.Credentials) > 0 && rep.Device.Credentials[0].Label != label)
	}
}
