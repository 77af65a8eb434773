package audit

import (
	"context"
	"os/user"

	"github.com/newtron-network/newtlife/pkg/pipeline"
	"github.com/newtron-network/newtlife/pkg/util"
)

// Recorder writes an event for every finished phase and run. It is a
// pipeline.Recorder; write errors are logged and never stop the run.
type Recorder struct {
	Logger   Logger
	Workflow string
	User     string
}

// NewRecorder returns a Recorder attributing events to the current OS user.
func NewRecorder(l Logger, workflow string) *Recorder {
	return &Recorder{Logger: l, Workflow: workflow, User: CurrentUser()}
}

// CurrentUser returns the login name of the invoking user, or "unknown".
func CurrentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

// RecordPhase implements pipeline.Recorder.
func (r *Recorder) RecordPhase(_ context.Context, runID string, dev pipeline.Device, res pipeline.PhaseResult) {
	e := NewEvent(r.User, r.Workflow, dev.DisplayName(), EventTypePhase).
		WithRun(runID).
		WithPhase(res.Name, string(res.Status)).
		WithCredential(dev.CredentialLabel).
		WithDuration(res.Duration)
	e.Address = dev.Address
	e.Message = res.Message
	e.LogPath = res.LogPath
	switch res.Status {
	case pipeline.StatusPass, pipeline.StatusSkip:
		e.WithSuccess()
	default:
		e.WithError(res.Err)
	}
	r.log(e)
}

// RecordRun implements pipeline.Recorder.
func (r *Recorder) RecordRun(_ context.Context, rep *pipeline.Report) {
	status := "COMPLETED"
	switch {
	case rep.Completed():
	case rep.Declined():
		status = "DECLINED"
	default:
		status = "ABORTED"
	}
	e := NewEvent(r.User, r.Workflow, rep.Device.DisplayName(), EventTypeRun).
		WithRun(rep.RunID).
		WithPhase(rep.AbortedAt, status).
		WithCredential(rep.Device.CredentialLabel).
		WithDuration(rep.Duration)
	e.Address = rep.Device.Address
	e.Message = rep.Reason
	if rep.Completed() {
		e.WithSuccess()
	} else {
		e.WithError(rep.Err())
	}
	r.log(e)
}

// Log writes an event built outside a pipeline, such as a backup.
func (r *Recorder) Log(e *Event) {
	r.log(e)
}

func (r *Recorder) log(e *Event) {
	if r.Logger == nil {
		return
	}
	if err := r.Logger.Log(e); err != nil {
		util.WithDevice(e.Device).Warnf("audit: %v", err)
	}
}
