// Package pipeline runs an ordered list of phases against one device.
//
// Phases run strictly in order. Each receives the device as enriched by the
// phases before it plus their artifacts, and returns its own enrichment.
// Nothing is shared between phases except what the controller threads
// through explicitly.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/newtron-network/newtlife/pkg/credential"
)

// Device is the target of a run. Name, Address and Credentials come from
// inventory and never change during a run; Model, Hostname, Version and
// CredentialLabel are filled in by phases.
type Device struct {
	Name        string
	Address     string
	Credentials []credential.Set
	Site        string
	Role        string

	Model           string
	Hostname        string
	Version         string
	CredentialLabel string
}

// DisplayName prefers the inventory name, then the discovered hostname.
func (d Device) DisplayName() string {
	switch {
	case d.Name != "":
		return d.Name
	case d.Hostname != "":
		return d.Hostname
	default:
		return d.Address
	}
}

// Artifacts are named string outputs of one phase.
type Artifacts map[string]string

// Outputs holds the artifacts of every phase run so far, keyed by phase name.
type Outputs map[string]Artifacts

// Get returns artifact key of phase, or "".
func (o Outputs) Get(phase, key string) string {
	return o[phase][key]
}

// Status is the result category of one phase.
type Status string

const (
	StatusPass        Status = "PASS"
	StatusFail        Status = "FAIL"
	StatusSkip        Status = "SKIP"
	StatusUnconfirmed Status = "UNCONFIRMED"
	StatusDeclined    Status = "DECLINED"
)

// Outcome is what a phase returns.
type Outcome struct {
	Status Status
	// Device, when non-nil, replaces the device passed to later phases.
	Device    *Device
	Artifacts Artifacts
	// Log is the raw diagnostic output persisted for this phase.
	Log     string
	Message string
	Err     error
}

// Pass builds a successful outcome.
func Pass(message, log string) Outcome {
	return Outcome{Status: StatusPass, Message: message, Log: log}
}

// Fail builds a failed outcome.
func Fail(err error, log string) Outcome {
	return Outcome{Status: StatusFail, Err: err, Message: err.Error(), Log: log}
}

// RunFunc executes a phase.
type RunFunc func(ctx context.Context, dev Device, prior Outputs) Outcome

// Phase is one step of a device workflow.
type Phase struct {
	Name string

	// Skippable phases may be skipped by operator request.
	Skippable bool

	// ContinueOnFailure lets the run go on after this phase fails. It is
	// only honored for skippable phases.
	ContinueOnFailure bool

	// Confirm, when set, describes the action for the confirmation gate
	// that runs before the phase. A phase with Confirm and no Run is a
	// standalone gate.
	Confirm func(dev Device, prior Outputs) string

	Run RunFunc

	// OnSkip supplies fallback enrichment when the phase is skipped.
	OnSkip func(dev Device, prior Outputs) (Device, Artifacts)
}

// GatePhase returns a standalone confirmation phase.
func GatePhase(name string, describe func(dev Device, prior Outputs) string) Phase {
	return Phase{Name: name, Confirm: describe}
}

// State is the overall state of a run.
type State string

const (
	StateNotStarted State = "not-started"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateAborted    State = "aborted"
)

// PhaseResult records one phase of a run.
type PhaseResult struct {
	Name      string
	Ordinal   int
	Status    Status
	Message   string
	Artifacts Artifacts
	LogPath   string
	// Excerpt is the tail of the phase's device output, kept for results
	// other than PASS and SKIP.
	Excerpt  string
	Started  time.Time
	Duration time.Duration
	Err      error
}

// ExcerptLines is how much device output a failed phase carries.
const ExcerptLines = 8

// Excerpt returns the last n non-blank lines of output.
func Excerpt(output string, n int) string {
	var lines []string
	for _, l := range strings.Split(strings.ReplaceAll(output, "\r", ""), "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, strings.TrimRight(l, " \t"))
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// Report is the outcome of a run against one device.
type Report struct {
	RunID     string
	Device    Device
	State     State
	Phases    []PhaseResult
	AbortedAt string
	Reason    string
	Started   time.Time
	Duration  time.Duration
}

// Completed reports whether every phase ran or was skipped.
func (r *Report) Completed() bool {
	return r.State == StateCompleted
}

// Declined reports whether the run stopped at a declined confirmation.
func (r *Report) Declined() bool {
	for _, p := range r.Phases {
		if p.Status == StatusDeclined {
			return true
		}
	}
	return false
}

// Phase returns the result of the named phase, or nil.
func (r *Report) Phase(name string) *PhaseResult {
	for i := range r.Phases {
		if r.Phases[i].Name == name {
			return &r.Phases[i]
		}
	}
	return nil
}

// LogCount is the number of phase logs written.
func (r *Report) LogCount() int {
	n := 0
	for _, p := range r.Phases {
		if p.LogPath != "" {
			n++
		}
	}
	return n
}

// PhaseError describes the phase that stopped a run.
type PhaseError struct {
	Device  string
	Phase   string
	Status  Status
	Reason  string
	Excerpt string
	Err     error
}

func (e *PhaseError) Error() string {
	msg := fmt.Sprintf("%s: %s %s: %s", e.Device, e.Phase, e.Status, e.Reason)
	if e.Excerpt == "" {
		return msg
	}
	return msg + "\n  | " + strings.ReplaceAll(e.Excerpt, "\n", "\n  | ")
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// Err returns a *PhaseError for an aborted run, or nil.
func (r *Report) Err() error {
	if r.State != StateAborted {
		return nil
	}
	pe := &PhaseError{Device: r.Device.DisplayName(), Phase: r.AbortedAt, Reason: r.Reason}
	if p := r.Phase(r.AbortedAt); p != nil {
		pe.Status = p.Status
		pe.Excerpt = p.Excerpt
		pe.Err = p.Err
	}
	return pe
}
