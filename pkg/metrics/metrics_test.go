package metrics

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/newtron-network/newtlife/pkg/credential"
	"github.com/newtron-network/newtlife/pkg/pipeline"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getHistogramCount(hv *prometheus.HistogramVec, labels ...string) uint64 {
	m := &dto.Metric{}
	if h, ok := hv.WithLabelValues(labels...).(prometheus.Metric); ok {
		if err := h.Write(m); err != nil {
			return 0
		}
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func TestRecorder(t *testing.T) {
	m := New()
	rec := m.Recorder("upgrade")
	ctx := context.Background()
	dev := pipeline.Device{
		Name:            "leaf1",
		Credentials:     []credential.Set{{Label: "PRIMARY"}, {Label: "BACKUP"}},
		CredentialLabel: "BACKUP",
	}

	rec.RecordPhase(ctx, "r1", dev, pipeline.PhaseResult{Name: "install", Status: pipeline.StatusPass, Duration: 3 * time.Second})
	rec.RecordPhase(ctx, "r1", dev, pipeline.PhaseResult{Name: "cleanup", Status: pipeline.StatusSkip})
	rec.RecordRun(ctx, &pipeline.Report{Device: dev, State: pipeline.StateCompleted, Duration: time.Minute})
	rec.RecordRun(ctx, &pipeline.Report{Device: dev, State: pipeline.StateAborted})

	if v := getCounterValue(m.PhasesTotal, "upgrade", "install", "PASS"); v != 1 {
		t.Errorf("install PASS = %v", v)
	}
	if n := getHistogramCount(m.PhaseDurationSeconds, "upgrade", "cleanup"); n != 0 {
		t.Errorf("skipped phase observed %d times", n)
	}
	if n := getHistogramCount(m.PhaseDurationSeconds, "upgrade", "install"); n != 1 {
		t.Errorf("install observations = %d", n)
	}
	if v := getCounterValue(m.RunsTotal, "upgrade", "COMPLETED"); v != 1 {
		t.Errorf("COMPLETED = %v", v)
	}
	if v := getCounterValue(m.RunsTotal, "upgrade", "ABORTED"); v != 1 {
		t.Errorf("ABORTED = %v", v)
	}
	if v := getCounterValue(m.LoginsTotal, "BACKUP", "true"); v != 2 {
		t.Errorf("BACKUP fallback logins = %v", v)
	}
}

func TestRecordScanAndTransfer(t *testing.T) {
	m := New()
	m.RecordScan(3, 250, 1)
	m.AddTransferred(1024)
	m.AddTransferred(-1)

	if v := getCounterValue(m.ScanResultsTotal, "unreachable"); v != 250 {
		t.Errorf("unreachable = %v", v)
	}
	d := &dto.Metric{}
	if err := m.BytesTransferredTotal.Write(d); err != nil {
		t.Fatal(err)
	}
	if v := d.GetCounter().GetValue(); v != 1024 {
		t.Errorf("bytes = %v", v)
	}
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.RecordOutcome("backup", "COMPLETED", 2*time.Second)
	m.Finish("backup")

	path := filepath.Join(t.TempDir(), "newtlife.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`newtlife_runs_total{outcome="COMPLETED",workflow="backup"} 1`,
		"newtlife_last_run_timestamp_seconds",
		"# TYPE newtlife_run_duration_seconds histogram",
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("textfile missing %q", want)
		}
	}
}
