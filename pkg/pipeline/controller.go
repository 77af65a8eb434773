package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/newtron-network/newtlife/pkg/util"
)

// PhaseLogger persists the diagnostic output of one phase execution and
// returns where it was written.
type PhaseLogger interface {
	WritePhaseLog(device, phase string, at time.Time, output string) (string, error)
}

// Recorder observes finished phases and runs. Recorders must not fail the
// run; errors are theirs to log.
type Recorder interface {
	RecordPhase(ctx context.Context, runID string, dev Device, result PhaseResult)
	RecordRun(ctx context.Context, report *Report)
}

// Controller runs phases against one device at a time.
type Controller struct {
	RunID     string
	Confirmer Confirmer
	Logs      PhaseLogger
	Progress  ProgressReporter
	Recorders []Recorder
}

// Validate checks a phase list and skip set before anything runs.
func Validate(phases []Phase, skip map[string]bool) error {
	vb := &util.ValidationBuilder{}
	seen := make(map[string]bool)
	for i, p := range phases {
		if p.Name == "" {
			vb.AddErrorf("phase %d has no name", i)
			continue
		}
		if seen[p.Name] {
			vb.AddErrorf("duplicate phase %q", p.Name)
		}
		seen[p.Name] = true
		if p.Run == nil && p.Confirm == nil {
			vb.AddErrorf("phase %q has nothing to run", p.Name)
		}
	}
	for name, on := range skip {
		if !on {
			continue
		}
		found := false
		for _, p := range phases {
			if p.Name != name {
				continue
			}
			found = true
			if !p.Skippable {
				vb.AddErrorf("phase %q cannot be skipped", name)
			}
		}
		if !found {
			vb.AddErrorf("unknown phase %q in skip list", name)
		}
	}
	return vb.Build()
}

// Run executes phases against dev. The returned error is non-nil only when
// the phase list or skip set is invalid; phase failures are reported in the
// Report.
func (c *Controller) Run(ctx context.Context, dev Device, phases []Phase, skip map[string]bool) (*Report, error) {
	if err := Validate(phases, skip); err != nil {
		return nil, err
	}

	report := &Report{
		RunID:   c.RunID,
		Device:  dev,
		State:   StateNotStarted,
		Started: time.Now(),
	}
	if c.Progress != nil {
		c.Progress.RunStart(dev, phases)
	}

	outputs := make(Outputs)
	current := dev
	report.State = StateRunning

	for i, phase := range phases {
		if err := ctx.Err(); err != nil {
			c.abort(report, phase.Name, "canceled: "+err.Error())
			break
		}

		if c.Progress != nil {
			c.Progress.PhaseStart(current, phase.Name, i, len(phases))
		}
		result := c.runPhase(ctx, &current, phase, i, outputs, skip[phase.Name])
		report.Phases = append(report.Phases, result)
		report.Device = current

		if c.Progress != nil {
			c.Progress.PhaseEnd(current, result, i, len(phases))
		}
		for _, r := range c.Recorders {
			r.RecordPhase(ctx, c.RunID, current, result)
		}

		if halts(phase, result.Status) {
			c.abort(report, phase.Name, abortReason(result))
			break
		}
	}

	if report.State == StateRunning {
		report.State = StateCompleted
	}
	report.Duration = time.Since(report.Started)

	if c.Progress != nil {
		c.Progress.RunEnd(report)
	}
	for _, r := range c.Recorders {
		r.RecordRun(ctx, report)
	}
	return report, nil
}

func (c *Controller) runPhase(ctx context.Context, dev *Device, phase Phase, ordinal int, outputs Outputs, skipped bool) PhaseResult {
	log := util.WithPhase(dev.DisplayName(), phase.Name)
	result := PhaseResult{Name: phase.Name, Ordinal: ordinal, Started: time.Now()}

	if skipped {
		var arts Artifacts
		if phase.OnSkip != nil {
			next, a := phase.OnSkip(*dev, outputs)
			c.enrich(dev, next)
			arts = a
		}
		outputs[phase.Name] = arts
		result.Status = StatusSkip
		result.Message = "skipped by operator"
		result.Artifacts = arts
		log.Info("skipped")
		return result
	}

	var gateLog string
	if phase.Confirm != nil {
		action := phase.Confirm(*dev, outputs)
		ok, err := c.confirm(ctx, Prompt{Device: dev.DisplayName(), Phase: phase.Name, Action: action})
		if err != nil {
			log.Warnf("confirmation failed: %v", err)
		}
		if !ok {
			result.Status = StatusDeclined
			result.Message = "not confirmed: " + action
			result.Err = util.ErrNotConfirmed
			result.Duration = time.Since(result.Started)
			return result
		}
		gateLog = fmt.Sprintf("confirmed: %s\n", action)
	}

	var outcome Outcome
	if phase.Run == nil {
		outcome = Pass("confirmed", gateLog)
	} else {
		outcome = c.call(ctx, phase, *dev, outputs)
		if gateLog != "" {
			outcome.Log = gateLog + outcome.Log
		}
	}

	if outcome.Device != nil {
		c.enrich(dev, *outcome.Device)
	}
	outputs[phase.Name] = outcome.Artifacts

	result.Status = outcome.Status
	if result.Status == "" {
		result.Status = StatusPass
	}
	result.Message = outcome.Message
	result.Artifacts = outcome.Artifacts
	result.Err = outcome.Err
	result.Duration = time.Since(result.Started)
	if result.Status != StatusPass && result.Status != StatusSkip {
		result.Excerpt = Excerpt(outcome.Log, ExcerptLines)
	}

	if c.Logs != nil {
		body := outcome.Log
		if body == "" {
			body = fmt.Sprintf("%s %s\n", result.Status, result.Message)
		}
		path, err := c.Logs.WritePhaseLog(dev.DisplayName(), phase.Name, result.Started, body)
		if err != nil {
			log.Warnf("writing phase log: %v", err)
		} else {
			result.LogPath = path
		}
	}

	switch result.Status {
	case StatusPass:
		log.Infof("passed in %s", result.Duration.Round(time.Millisecond))
	default:
		log.Warnf("%s: %s", result.Status, result.Message)
	}
	return result
}

// call runs the phase, converting a panic into a failed outcome.
func (c *Controller) call(ctx context.Context, phase Phase, dev Device, outputs Outputs) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Fail(fmt.Errorf("phase %s panicked: %v", phase.Name, r), "")
		}
	}()
	return phase.Run(ctx, dev, outputs)
}

// enrich copies discovered attributes from next into dev. Inventory
// attributes are never overwritten.
func (c *Controller) enrich(dev *Device, next Device) {
	if next.Model != "" {
		dev.Model = next.Model
	}
	if next.Hostname != "" {
		dev.Hostname = next.Hostname
	}
	if next.Version != "" {
		dev.Version = next.Version
	}
	if next.CredentialLabel != "" {
		dev.CredentialLabel = next.CredentialLabel
	}
}

func (c *Controller) confirm(ctx context.Context, p Prompt) (bool, error) {
	if c.Confirmer == nil {
		return false, fmt.Errorf("no confirmer configured for %s", p.Phase)
	}
	return c.Confirmer.Confirm(ctx, p)
}

func (c *Controller) abort(r *Report, phase, reason string) {
	r.State = StateAborted
	r.AbortedAt = phase
	r.Reason = reason
}

func halts(phase Phase, status Status) bool {
	switch status {
	case StatusPass, StatusSkip:
		return false
	case StatusDeclined:
		return true
	default:
		return !(phase.Skippable && phase.ContinueOnFailure)
	}
}

func abortReason(r PhaseResult) string {
	msg := strings.TrimSpace(r.Message)
	if msg == "" && r.Err != nil {
		msg = r.Err.Error()
	}
	if r.Status == StatusUnconfirmed {
		return "manual verification required: " + msg
	}
	return msg
}
