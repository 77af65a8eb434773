package runstate

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/newtron-network/newtlife/pkg/pipeline"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := &FileStore{Dir: t.TempDir()}

	s := &RunState{ID: NewID(), Workflow: "upgrade", Status: StatusRunning, Started: time.Now(),
		Devices: []DeviceState{{Name: "leaf1", Status: "running", CurrentPhase: "install"}}}
	if err := st.Save(ctx, s); err != nil {
		t.Fatal(err)
	}
	if s.Updated.IsZero() {
		t.Error("Save did not stamp Updated")
	}

	got, err := st.Load(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Workflow != "upgrade" || len(got.Devices) != 1 || got.Devices[0].CurrentPhase != "install" {
		t.Errorf("Load = %+v", got)
	}

	missing, err := st.Load(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("Load(missing) = %v, %v", missing, err)
	}

	if err := st.Remove(s.ID); err != nil {
		t.Fatal(err)
	}
	ids, _ := st.List(ctx)
	if len(ids) != 0 {
		t.Errorf("List after Remove = %v", ids)
	}
}

func TestFileStoreListMissingDir(t *testing.T) {
	st := &FileStore{Dir: t.TempDir() + "/absent"}
	ids, err := st.List(context.Background())
	if err != nil || ids != nil {
		t.Errorf("List = %v, %v", ids, err)
	}
}

func TestRecentNewestFirst(t *testing.T) {
	ctx := context.Background()
	st := &FileStore{Dir: t.TempDir()}
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"b", "c", "a"} {
		s := &RunState{ID: id, Workflow: "backup", Started: base.Add(time.Duration(i) * time.Minute)}
		if err := st.Save(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := Recent(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 || runs[0].ID != "a" || runs[2].ID != "b" {
		t.Errorf("Recent order = %v, %v, %v", runs[0].ID, runs[1].ID, runs[2].ID)
	}
}

func TestStale(t *testing.T) {
	tests := []struct {
		name  string
		state RunState
		want  bool
	}{
		{"running live", RunState{Status: StatusRunning, PID: os.Getpid()}, false},
		{"running dead", RunState{Status: StatusRunning, PID: 0}, true},
		{"finished", RunState{Status: StatusComplete}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.Stale(); got != tt.want {
				t.Errorf("Stale() = %v, want %v", got, tt.want)
			}
		})
	}
}

type brokenStore struct{ saves int }

func (b *brokenStore) Save(context.Context, *RunState) error { b.saves++; return errors.New("down") }
func (b *brokenStore) Load(context.Context, string) (*RunState, error) {
	return nil, errors.New("down")
}
func (b *brokenStore) List(context.Context) ([]string, error) { return nil, errors.New("down") }

func TestMirrorIgnoresMirrorFailures(t *testing.T) {
	ctx := context.Background()
	primary := &FileStore{Dir: t.TempDir()}
	broken := &brokenStore{}
	m := &Mirror{Primary: primary, Mirrors: []Store{broken}}

	s := &RunState{ID: "r1", Workflow: "scan"}
	if err := m.Save(ctx, s); err != nil {
		t.Fatalf("Save = %v", err)
	}
	if broken.saves != 1 {
		t.Errorf("mirror saves = %d", broken.saves)
	}
	if got, err := m.Load(ctx, "r1"); err != nil || got == nil {
		t.Errorf("Load = %v, %v", got, err)
	}

	bad := &Mirror{Primary: broken}
	if err := bad.Save(ctx, s); err == nil {
		t.Error("primary failure should be returned")
	}
}

func TestTrackerFollowsPipeline(t *testing.T) {
	ctx := context.Background()
	st := &FileStore{Dir: t.TempDir()}
	tr, err := NewTracker(ctx, st, "run-1", "upgrade", []DeviceRef{{Name: "leaf1"}, {Name: "leaf2"}})
	if err != nil {
		t.Fatal(err)
	}

	pass := func(name string) pipeline.Phase {
		return pipeline.Phase{Name: name, Run: func(context.Context, pipeline.Device, pipeline.Outputs) pipeline.Outcome {
			dev := pipeline.Device{CredentialLabel: "BACKUP"}
			return pipeline.Outcome{Status: pipeline.StatusPass, Device: &dev}
		}}
	}
	fail := pipeline.Phase{Name: "install", Run: func(context.Context, pipeline.Device, pipeline.Outputs) pipeline.Outcome {
		return pipeline.Fail(errors.New("error: not enough space"), "")
	}}

	c := &pipeline.Controller{RunID: "run-1", Progress: tr, Recorders: []pipeline.Recorder{tr}}
	if _, err := c.Run(ctx, pipeline.Device{Name: "leaf1"}, []pipeline.Phase{pass("discovery"), pass("stage")}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(ctx, pipeline.Device{Name: "leaf2"}, []pipeline.Phase{pass("discovery"), fail}, nil); err != nil {
		t.Fatal(err)
	}
	tr.SetDevice(ctx, "leaf3", "FAILED", "", "unreachable", time.Second)
	tr.Finish(ctx, StatusAborted)

	got, err := st.Load(ctx, "run-1")
	if err != nil || got == nil {
		t.Fatalf("Load = %v, %v", got, err)
	}
	if got.Status != StatusAborted || got.PID != 0 || got.Finished.IsZero() {
		t.Errorf("run = %+v", got)
	}
	if len(got.Devices) != 3 {
		t.Fatalf("devices = %+v", got.Devices)
	}
	leaf1, leaf2 := got.Devices[0], got.Devices[1]
	if leaf1.Status != "COMPLETED" || leaf1.Credential != "BACKUP" || len(leaf1.Phases) != 2 || leaf1.TotalPhases != 2 {
		t.Errorf("leaf1 = %+v", leaf1)
	}
	if leaf2.Status != "ABORTED" || leaf2.Reason != "error: not enough space" || leaf2.Phases[1].Status != "FAIL" {
		t.Errorf("leaf2 = %+v", leaf2)
	}
	if got.Devices[2].Reason != "unreachable" {
		t.Errorf("leaf3 = %+v", got.Devices[2])
	}
}
