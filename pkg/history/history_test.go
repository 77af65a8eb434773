package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/newtron-network/newtlife/pkg/pipeline"
)

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndList(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	entries := []Entry{
		{RunID: "r1", Workflow: "upgrade", Device: "leaf1", Outcome: OutcomeCompleted, Started: base, Duration: 90 * time.Second},
		{RunID: "r1", Workflow: "upgrade", Device: "leaf2", Outcome: OutcomeAborted, AbortedAt: "install", Started: base.Add(time.Minute)},
		{RunID: "r2", Workflow: "backup", Device: "leaf1", Outcome: OutcomeCompleted, Credential: "BACKUP", Started: base.Add(2 * time.Minute)},
	}
	for i := range entries {
		if err := s.Insert(ctx, &entries[i]); err != nil {
			t.Fatal(err)
		}
		if entries[i].ID == 0 {
			t.Errorf("entry %d has no ID", i)
		}
	}

	all, err := s.ListRecent(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].RunID != "r2" || all[2].Device != "leaf1" {
		t.Fatalf("ListRecent = %+v", all)
	}
	if !all[2].Started.Equal(base) || all[2].Duration != 90*time.Second {
		t.Errorf("round trip = %v %v", all[2].Started, all[2].Duration)
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"device", Filter{Device: "leaf1"}, 2},
		{"workflow", Filter{Workflow: "upgrade"}, 2},
		{"both", Filter{Device: "leaf1", Workflow: "backup"}, 1},
		{"limit", Filter{Limit: 1}, 1},
		{"none", Filter{Device: "spine1"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListRecent(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d entries, want %d", len(got), tt.want)
			}
		})
	}
}

func TestPrune(t *testing.T) {
	s := openMem(t)
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 5; i++ {
		e := Entry{RunID: "r", Workflow: "scan", Device: "d", Outcome: OutcomeCompleted, Started: base.Add(time.Duration(i) * time.Second)}
		if err := s.Insert(ctx, &e); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.Prune(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("pruned %d, want 3", n)
	}
	left, _ := s.ListRecent(ctx, Filter{})
	if len(left) != 2 {
		t.Errorf("left %d", len(left))
	}
}

func TestRecordRun(t *testing.T) {
	s := openMem(t)
	rec := s.ForWorkflow("upgrade")
	reports := []*pipeline.Report{
		{RunID: "r9", Device: pipeline.Device{Name: "leaf1", CredentialLabel: "PRIMARY", Version: "21.4R3"}, State: pipeline.StateCompleted, Started: time.Now()},
		{RunID: "r9", Device: pipeline.Device{Name: "leaf2"}, State: pipeline.StateAborted, AbortedAt: "install",
			Phases: []pipeline.PhaseResult{{Name: "install", Status: pipeline.StatusDeclined}}, Started: time.Now()},
		{RunID: "r9", Device: pipeline.Device{Name: "leaf3"}, State: pipeline.StateAborted, AbortedAt: "verify", Reason: "running 20.4", Started: time.Now()},
	}
	for _, r := range reports {
		rec.RecordRun(context.Background(), r)
	}

	got, err := s.ListRecent(context.Background(), Filter{Workflow: "upgrade"})
	if err != nil {
		t.Fatal(err)
	}
	outcomes := make(map[string]Entry)
	for _, e := range got {
		outcomes[e.Device] = e
	}
	if e := outcomes["leaf1"]; e.Outcome != OutcomeCompleted || e.Credential != "PRIMARY" || e.Version != "21.4R3" {
		t.Errorf("leaf1 = %+v", e)
	}
	if outcomes["leaf2"].Outcome != OutcomeDeclined {
		t.Errorf("leaf2 = %+v", outcomes["leaf2"])
	}
	if e := outcomes["leaf3"]; e.Outcome != OutcomeAborted || e.AbortedAt != "verify" || e.Reason != "running 20.4" {
		t.Errorf("leaf3 = %+v", e)
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	e := Entry{RunID: "r", Workflow: "backup", Device: "d", Outcome: OutcomeCompleted}
	if err := s.Insert(context.Background(), &e); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, err := s.ListRecent(context.Background(), Filter{})
	if err != nil || len(got) != 1 {
		t.Errorf("reopened: %v %v", got, err)
	}
}
