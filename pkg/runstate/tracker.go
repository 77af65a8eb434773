package runstate

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/newtron-network/newtlife/pkg/pipeline"
	"github.com/newtron-network/newtlife/pkg/util"
)

// Tracker keeps a RunState current as a pipeline run progresses. It is a
// pipeline.ProgressReporter and a pipeline.Recorder; save errors are
// logged and never stop the run.
type Tracker struct {
	store Store

	mu    sync.Mutex
	state *RunState
}

// DeviceRef names a device taking part in a run.
type DeviceRef struct {
	Name    string
	Address string
}

// NewTracker starts tracking a run of workflow over devices and saves the
// initial state.
func NewTracker(ctx context.Context, store Store, id, workflow string, devices []DeviceRef) (*Tracker, error) {
	s := &RunState{
		ID:       id,
		Workflow: workflow,
		PID:      os.Getpid(),
		Status:   StatusRunning,
		Started:  time.Now(),
	}
	for _, d := range devices {
		s.Devices = append(s.Devices, DeviceState{Name: d.Name, Address: d.Address})
	}
	if err := store.Save(ctx, s); err != nil {
		return nil, err
	}
	return &Tracker{store: store, state: s}, nil
}

// State returns a copy of the current state.
func (t *Tracker) State() RunState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := *t.state
	s.Devices = append([]DeviceState(nil), t.state.Devices...)
	return s
}

// update applies fn to the state and saves it.
func (t *Tracker) update(ctx context.Context, fn func(s *RunState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.state)
	if err := t.store.Save(ctx, t.state); err != nil {
		util.Logger.Warnf("saving run state: %v", err)
	}
}

func (t *Tracker) device(s *RunState, name string) *DeviceState {
	for i := range s.Devices {
		if s.Devices[i].Name == name {
			return &s.Devices[i]
		}
	}
	s.Devices = append(s.Devices, DeviceState{Name: name})
	return &s.Devices[len(s.Devices)-1]
}

// RunStart implements pipeline.ProgressReporter.
func (t *Tracker) RunStart(dev pipeline.Device, phases []pipeline.Phase) {
	t.update(context.Background(), func(s *RunState) {
		d := t.device(s, dev.DisplayName())
		d.Address = dev.Address
		d.Status = "running"
		d.TotalPhases = len(phases)
		d.Phases = nil
	})
}

// PhaseStart implements pipeline.ProgressReporter.
func (t *Tracker) PhaseStart(dev pipeline.Device, phase string, index, total int) {
	t.update(context.Background(), func(s *RunState) {
		d := t.device(s, dev.DisplayName())
		d.CurrentPhase = phase
		d.PhaseIndex = index
		d.TotalPhases = total
	})
}

// PhaseEnd implements pipeline.ProgressReporter. Results are stored by
// RecordPhase.
func (t *Tracker) PhaseEnd(pipeline.Device, pipeline.PhaseResult, int, int) {}

// RunEnd implements pipeline.ProgressReporter. Results are stored by
// RecordRun.
func (t *Tracker) RunEnd(*pipeline.Report) {}

// RecordPhase implements pipeline.Recorder.
func (t *Tracker) RecordPhase(ctx context.Context, _ string, dev pipeline.Device, r pipeline.PhaseResult) {
	t.update(ctx, func(s *RunState) {
		d := t.device(s, dev.DisplayName())
		d.Credential = dev.CredentialLabel
		d.Phases = append(d.Phases, PhaseState{
			Name:     r.Name,
			Status:   string(r.Status),
			Duration: pipeline.FormatDuration(r.Duration),
			Message:  r.Message,
		})
	})
}

// RecordRun implements pipeline.Recorder.
func (t *Tracker) RecordRun(ctx context.Context, r *pipeline.Report) {
	t.update(ctx, func(s *RunState) {
		d := t.device(s, r.Device.DisplayName())
		d.CurrentPhase = ""
		d.Credential = r.Device.CredentialLabel
		d.Duration = pipeline.FormatDuration(r.Duration)
		d.Reason = r.Reason
		switch {
		case r.Completed():
			d.Status = "COMPLETED"
		case r.Declined():
			d.Status = "DECLINED"
		default:
			d.Status = "ABORTED"
		}
	})
}

// SetDevice records the outcome of a device handled outside a pipeline,
// such as a backup.
func (t *Tracker) SetDevice(ctx context.Context, name, status, credential, reason string, took time.Duration) {
	t.update(ctx, func(s *RunState) {
		d := t.device(s, name)
		d.Status = status
		d.Credential = credential
		d.Reason = reason
		d.Duration = pipeline.FormatDuration(took)
	})
}

// Finish marks the run done.
func (t *Tracker) Finish(ctx context.Context, status Status) {
	t.update(ctx, func(s *RunState) {
		s.Status = status
		s.Finished = time.Now()
		s.PID = 0
	})
}
