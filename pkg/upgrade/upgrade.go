// Package upgrade is the software upgrade workflow: discovery, storage
// cleanup, image staging, install, reboot and post-upgrade verification.
//
// A Workflow holds what is shared across devices. Each device gets its own
// Run, which owns the device session for the length of the pipeline.
package upgrade

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/newtron-network/newtlife/pkg/classify"
	"github.com/newtron-network/newtlife/pkg/credential"
	"github.com/newtron-network/newtlife/pkg/facts"
	"github.com/newtron-network/newtlife/pkg/inventory"
	"github.com/newtron-network/newtlife/pkg/pipeline"
	"github.com/newtron-network/newtlife/pkg/reach"
	"github.com/newtron-network/newtlife/pkg/session"
	"github.com/newtron-network/newtlife/pkg/stage"
	"github.com/newtron-network/newtlife/pkg/util"
)

// Phase names.
const (
	PhaseDiscovery = "discovery"
	PhaseCleanup   = "cleanup"
	PhaseStage     = "stage"
	PhaseInstall   = "install"
	PhaseConfirm   = "confirm"
	PhaseReboot    = "reboot"
	PhaseVerify    = "verify"
)

// Device commands.
const (
	CleanupCommand = "request system storage cleanup no-confirm"
	InstallCommand = "request system software add %s no-copy"
	RebootCommand  = "request system reboot"
	RebootAnswer   = "yes"
)

// DefaultRemoteDir is where packages are staged on the device.
const DefaultRemoteDir = "/var/tmp"

// Artifact keys.
const (
	ArtifactImage      = "image"
	ArtifactLocalPath  = "local_path"
	ArtifactRemotePath = "remote_path"
	ArtifactVersion    = "version"
)

// FSOpener opens a remote filesystem over an established session. The
// returned function releases it.
type FSOpener func(s session.Session) (stage.RemoteFS, func() error, error)

// SFTPOpener opens an SFTP subsystem on the session's SSH connection.
func SFTPOpener(s session.Session) (stage.RemoteFS, func() error, error) {
	c, ok := s.(interface{ SSHClient() *ssh.Client })
	if !ok {
		return nil, nil, fmt.Errorf("session does not support file transfer")
	}
	fs, err := stage.NewSFTP(c.SSHClient())
	if err != nil {
		return nil, nil, err
	}
	return fs, fs.Close, nil
}

// Workflow builds upgrade phases for devices.
type Workflow struct {
	Config   inventory.UpgradeConfig
	Resolver *credential.Resolver
	Facts    facts.Collector
	Patterns *classify.Table
	OpenFS   FSOpener
	Prober   reach.Prober
	Wait     reach.WaitOptions

	// Choose picks among candidate images; nil picks the newest.
	Choose ChooseFunc
	// ChunkSize is the transfer write size.
	ChunkSize int
	// OnTransfer receives staging progress.
	OnTransfer func(device string, done, total int64)
	// OnTransition receives reachability changes while waiting for a reboot.
	OnTransition func(device string, tr reach.Transition)
}

// Run is the upgrade of one device.
type Run struct {
	w     *Workflow
	sess  session.Session
	image Image
}

// NewRun starts the upgrade state for one device. Close must be called when
// the pipeline is done.
func (w *Workflow) NewRun() *Run {
	return &Run{w: w}
}

// Close releases the device session, if one is open.
func (r *Run) Close() error {
	if r.sess == nil {
		return nil
	}
	err := r.sess.Close()
	r.sess = nil
	return err
}

// Phases returns the upgrade phases in execution order.
func (r *Run) Phases() []pipeline.Phase {
	return []pipeline.Phase{
		{Name: PhaseDiscovery, Run: r.discover},
		{Name: PhaseCleanup, Skippable: true, ContinueOnFailure: true, Run: r.cleanup},
		{Name: PhaseStage, Skippable: true, Run: r.stage, OnSkip: r.skipStage},
		{Name: PhaseInstall, Confirm: r.describeInstall, Run: r.install},
		pipeline.GatePhase(PhaseConfirm, r.describeReboot),
		{Name: PhaseReboot, Run: r.reboot},
		{Name: PhaseVerify, Run: r.verify},
	}
}

func (r *Run) connect(ctx context.Context, dev pipeline.Device) (pipeline.Device, error) {
	if err := r.Close(); err != nil {
		util.WithDevice(dev.DisplayName()).Debugf("closing previous session: %v", err)
	}
	s, label, err := r.w.Resolver.Authenticate(ctx, dev.Address, dev.Credentials)
	if err != nil {
		return dev, err
	}
	r.sess = s
	dev.CredentialLabel = label
	return dev, nil
}

func (r *Run) discover(ctx context.Context, dev pipeline.Device, _ pipeline.Outputs) pipeline.Outcome {
	dev, err := r.connect(ctx, dev)
	if err != nil {
		return pipeline.Fail(err, "")
	}
	f, err := r.w.Facts.Facts(ctx, r.sess)
	if err != nil {
		return pipeline.Fail(fmt.Errorf("collecting facts: %w", err), "")
	}
	if f.Model != "" {
		dev.Model = f.Model
	}
	dev.Hostname = f.Hostname
	dev.Version = f.Version

	msg := fmt.Sprintf("%s %s running %s (credentials %s)", dev.Hostname, dev.Model, dev.Version, dev.CredentialLabel)
	if r.atTarget(dev.Version) {
		msg += ", already at target version"
	}
	log := fmt.Sprintf("hostname: %s\nmodel: %s\nversion: %s\ncredentials: %s\ntarget: %s\n",
		dev.Hostname, dev.Model, dev.Version, dev.CredentialLabel, r.w.Config.TargetVersion)
	return pipeline.Outcome{
		Status:    pipeline.StatusPass,
		Device:    &dev,
		Artifacts: pipeline.Artifacts{ArtifactVersion: dev.Version},
		Message:   msg,
		Log:       log,
	}
}

func (r *Run) cleanup(ctx context.Context, dev pipeline.Device, _ pipeline.Outputs) pipeline.Outcome {
	return r.classified(ctx, dev, classify.OpCleanup, CleanupCommand)
}

// classified runs command and turns its output into an outcome using the
// pattern set for operation on the device's model.
func (r *Run) classified(ctx context.Context, dev pipeline.Device, operation, command string) pipeline.Outcome {
	if r.sess == nil {
		return pipeline.Fail(fmt.Errorf("%s: no session", operation), "")
	}
	set, ok := r.w.Patterns.Lookup(operation, dev.Model)
	if !ok {
		return pipeline.Fail(fmt.Errorf("no %s patterns for model %q: %w", operation, dev.Model, util.ErrUnsupportedDeviceModel), "")
	}
	res, err := r.sess.Execute(ctx, command, classify.Until(set), set.Timeout)
	log := command + "\n" + res.Output
	if err != nil {
		return pipeline.Fail(fmt.Errorf("%s: %w", operation, err), log)
	}
	return outcomeFor(dev, operation, classify.Evaluate(res, set), log)
}

func outcomeFor(dev pipeline.Device, operation string, v classify.Verdict, log string) pipeline.Outcome {
	switch v.Kind {
	case classify.Succeeded:
		return pipeline.Pass("device reported: "+v.Phrase, log)
	case classify.Failed:
		return pipeline.Fail(util.NewDeviceFailureError(dev.DisplayName(), operation, v.Phrase), log)
	default:
		return pipeline.Outcome{
			Status:  pipeline.StatusUnconfirmed,
			Message: v.Reason,
			Err:     fmt.Errorf("%s: %w", operation, util.ErrCommandTimeout),
			Log:     log,
		}
	}
}

func (r *Run) remoteDir() string {
	if r.w.Config.RemoteDir != "" {
		return r.w.Config.RemoteDir
	}
	return DefaultRemoteDir
}

func (r *Run) stage(ctx context.Context, dev pipeline.Device, _ pipeline.Outputs) pipeline.Outcome {
	img, err := SelectImage(r.w.Config, dev.Model, r.w.Choose)
	if err != nil {
		return pipeline.Fail(err, "")
	}
	r.image = img
	if r.sess == nil {
		return pipeline.Fail(fmt.Errorf("stage: no session"), "")
	}
	if r.w.OpenFS == nil {
		return pipeline.Fail(fmt.Errorf("stage: no remote filesystem configured"), "")
	}
	rfs, release, err := r.w.OpenFS(r.sess)
	if err != nil {
		return pipeline.Fail(fmt.Errorf("opening remote filesystem: %w", err), "")
	}
	defer release()

	name := dev.DisplayName()
	st := &stage.Stager{ChunkSize: r.w.ChunkSize}
	if r.w.OnTransfer != nil {
		st.Progress = func(done, total int64) { r.w.OnTransfer(name, done, total) }
	}
	remote := stage.RemotePath(r.remoteDir(), img.Path)
	res := st.Stage(ctx, rfs, img.Path, remote)

	log := fmt.Sprintf("local: %s (%d bytes)\nremote: %s\nstatus: %s\nwritten: %d bytes in %s\n",
		img.Path, img.Size, remote, res.Status, res.Bytes, res.Duration.Round(time.Millisecond))
	if res.Status == stage.Failed {
		return pipeline.Fail(res.Err, log)
	}
	msg := "transferred " + img.Name
	if res.Status == stage.Staged {
		msg = img.Name + " already on device"
	}
	return pipeline.Outcome{
		Status:  pipeline.StatusPass,
		Message: msg,
		Log:     log,
		Artifacts: pipeline.Artifacts{
			ArtifactImage:      img.Name,
			ArtifactLocalPath:  img.Path,
			ArtifactRemotePath: remote,
		},
	}
}

// skipStage names the artifact the operator says is already on the
// device: the configured image, or else the one staging would have picked.
func (r *Run) skipStage(dev pipeline.Device, _ pipeline.Outputs) (pipeline.Device, pipeline.Artifacts) {
	name := path.Base(r.w.Config.Image)
	if r.w.Config.Image == "" {
		img, err := SelectImage(r.w.Config, dev.Model, r.w.Choose)
		if err != nil {
			util.WithPhase(dev.DisplayName(), PhaseStage).Warnf("no image to assume on device: %v", err)
			return dev, nil
		}
		r.image = img
		name = img.Name
	}
	return dev, pipeline.Artifacts{
		ArtifactImage:      name,
		ArtifactRemotePath: path.Join(r.remoteDir(), name),
	}
}

func (r *Run) describeInstall(dev pipeline.Device, prior pipeline.Outputs) string {
	return fmt.Sprintf("install %s on %s (%s, %s -> %s)",
		prior.Get(PhaseStage, ArtifactRemotePath), dev.DisplayName(), dev.Model, dev.Version, r.w.Config.TargetVersion)
}

func (r *Run) install(ctx context.Context, dev pipeline.Device, prior pipeline.Outputs) pipeline.Outcome {
	remote := prior.Get(PhaseStage, ArtifactRemotePath)
	if remote == "" {
		return pipeline.Fail(fmt.Errorf("install: no staged image"), "")
	}
	return r.classified(ctx, dev, classify.OpInstall, fmt.Sprintf(InstallCommand, remote))
}

func (r *Run) describeReboot(dev pipeline.Device, prior pipeline.Outputs) string {
	return fmt.Sprintf("reboot %s to activate %s", dev.DisplayName(), prior.Get(PhaseStage, ArtifactImage))
}

func (r *Run) reboot(ctx context.Context, dev pipeline.Device, _ pipeline.Outputs) pipeline.Outcome {
	if r.sess == nil {
		return pipeline.Fail(fmt.Errorf("reboot: no session"), "")
	}
	prompt, ok := r.w.Patterns.Lookup(classify.OpRebootPrompt, dev.Model)
	if !ok {
		return pipeline.Fail(fmt.Errorf("no reboot prompt patterns: %w", util.ErrInvalidConfig), "")
	}
	going, ok := r.w.Patterns.Lookup(classify.OpReboot, dev.Model)
	if !ok {
		return pipeline.Fail(fmt.Errorf("no reboot patterns: %w", util.ErrInvalidConfig), "")
	}
	res, err := r.sess.Execute(ctx, RebootCommand, classify.Until(prompt), prompt.Timeout)
	var log strings.Builder
	log.WriteString(RebootCommand + "\n" + res.Output)
	if err != nil {
		return pipeline.Fail(fmt.Errorf("reboot: %w", err), log.String())
	}
	switch v := classify.Evaluate(res, prompt); v.Kind {
	case classify.Succeeded:
		// The device must acknowledge the answer, by printing a shutdown
		// marker or by dropping the session, before we start waiting.
		ack, err := r.sess.Execute(ctx, RebootAnswer, classify.Until(going), going.Timeout)
		fmt.Fprintf(&log, "\n> %s\n%s", RebootAnswer, ack.Output)
		if err != nil {
			return pipeline.Fail(fmt.Errorf("answering reboot prompt: %w", err), log.String())
		}
		switch av := classify.Classify(ack.Output, going); {
		case av.Kind == classify.Failed:
			return pipeline.Fail(util.NewDeviceFailureError(dev.DisplayName(), classify.OpReboot, av.Phrase), log.String())
		case av.Kind == classify.Succeeded, ack.Closed:
		default:
			return pipeline.Outcome{
				Status:  pipeline.StatusUnconfirmed,
				Message: fmt.Sprintf("reboot not acknowledged within %s; check whether %s is restarting", going.Timeout, dev.DisplayName()),
				Err:     fmt.Errorf("reboot: %w", util.ErrCommandTimeout),
				Log:     log.String(),
			}
		}
	case classify.Failed:
		return pipeline.Fail(util.NewDeviceFailureError(dev.DisplayName(), classify.OpReboot, v.Phrase), log.String())
	default:
		// Some releases reboot without asking.
		if classify.Classify(res.Output, going).Kind != classify.Succeeded {
			return pipeline.Outcome{
				Status:  pipeline.StatusUnconfirmed,
				Message: "reboot prompt not seen; " + v.Reason,
				Log:     log.String(),
			}
		}
	}
	// The device drops the connection on its way down.
	r.Close()

	name := dev.DisplayName()
	opts := r.w.Wait
	opts.OnTransition = func(tr reach.Transition) {
		fmt.Fprintf(&log, "%s %s -> %s\n", tr.At.Format(time.RFC3339), tr.From, tr.To)
		if r.w.OnTransition != nil {
			r.w.OnTransition(name, tr)
		}
	}
	wr, err := reach.WaitForReboot(ctx, r.w.Prober, dev.Address, opts)
	if wr != nil {
		fmt.Fprintf(&log, "probes: %d, failed probes: %d, elapsed: %s\n", wr.Probes, wr.Failures, wr.Elapsed.Round(time.Second))
	}
	if err != nil {
		return pipeline.Fail(fmt.Errorf("waiting for reboot: %w", err), log.String())
	}
	return pipeline.Pass(fmt.Sprintf("back up after %s", wr.Elapsed.Round(time.Second)), log.String())
}

func (r *Run) verify(ctx context.Context, dev pipeline.Device, _ pipeline.Outputs) pipeline.Outcome {
	dev, err := r.connect(ctx, dev)
	if err != nil {
		return pipeline.Fail(fmt.Errorf("reconnecting: %w", err), "")
	}
	defer r.Close()

	f, err := r.w.Facts.Facts(ctx, r.sess)
	if err != nil {
		return pipeline.Fail(fmt.Errorf("collecting facts: %w", err), "")
	}
	dev.Version = f.Version
	log := fmt.Sprintf("version: %s\ntarget: %s\n", f.Version, r.w.Config.TargetVersion)
	out := pipeline.Outcome{Device: &dev, Artifacts: pipeline.Artifacts{ArtifactVersion: f.Version}, Log: log}
	if !r.atTarget(f.Version) {
		err := fmt.Errorf("running %s, want %s", f.Version, r.w.Config.TargetVersion)
		out.Status = pipeline.StatusFail
		out.Err = err
		out.Message = err.Error()
		return out
	}
	out.Status = pipeline.StatusPass
	out.Message = "running " + f.Version
	return out
}

func (r *Run) atTarget(version string) bool {
	target := strings.TrimSpace(r.w.Config.TargetVersion)
	return target != "" && strings.EqualFold(strings.TrimSpace(version), target)
}

// Upgrade runs the workflow against each device in turn. Devices are
// upgraded one at a time so that confirmations stay attributable.
func (w *Workflow) Upgrade(ctx context.Context, ctrl *pipeline.Controller, devices []inventory.Device, skip map[string]bool) ([]*pipeline.Report, error) {
	var reports []*pipeline.Report
	for _, d := range devices {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		run := w.NewRun()
		report, err := ctrl.Run(ctx, d.Target(), run.Phases(), skip)
		run.Close()
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}
