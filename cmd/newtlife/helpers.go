package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/newtron-network/newtlife/pkg/audit"
	"github.com/newtron-network/newtlife/pkg/credential"
	"github.com/newtron-network/newtlife/pkg/history"
	"github.com/newtron-network/newtlife/pkg/inventory"
	"github.com/newtron-network/newtlife/pkg/metrics"
	"github.com/newtron-network/newtlife/pkg/phaselog"
	"github.com/newtron-network/newtlife/pkg/pipeline"
	"github.com/newtron-network/newtlife/pkg/runstate"
	"github.com/newtron-network/newtlife/pkg/session"
	"github.com/newtron-network/newtlife/pkg/util"
)

// PromptTierLabel labels the credential tier entered with --ask-pass.
const PromptTierLabel = "PROMPT"

// loadInventory loads the inventory named by -i or settings, adding the
// prompted tier when --ask-pass is set.
func loadInventory() (*inventory.Inventory, error) {
	if inventoryPath == "" {
		return nil, fmt.Errorf("%w: no inventory: pass -i or run 'newtlife settings set inventory <path>'", util.ErrInvalidConfig)
	}
	inv, err := inventory.Load(inventoryPath)
	if err != nil {
		return nil, err
	}
	if askPass {
		set, err := promptCredentials()
		if err != nil {
			return nil, err
		}
		inv.AppendTier(set)
	}
	return inv, nil
}

// promptCredentials reads a username and password from the terminal.
func promptCredentials() (credential.Set, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return credential.Set{}, fmt.Errorf("%w: --ask-pass needs a terminal", util.ErrInvalidConfig)
	}
	fmt.Fprint(os.Stderr, "Username: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return credential.Set{}, fmt.Errorf("reading username: %w", err)
	}
	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return credential.Set{}, fmt.Errorf("reading password: %w", err)
	}
	set := credential.Set{Label: PromptTierLabel, Principal: strings.TrimSpace(line), Secret: string(pw)}
	if set.Principal == "" || set.Secret == "" {
		return credential.Set{}, fmt.Errorf("%w: empty username or password", util.ErrInvalidConfig)
	}
	return set, nil
}

// newResolver builds an SSH credential resolver. Failed tiers are logged so
// fallbacks show up in verbose output.
func newResolver(opts session.Options) *credential.Resolver {
	opts.KnownHostsFile = knownHostsFile
	r := credential.NewResolver(credential.SSHDialer{Options: opts})
	r.OnAttempt = func(address string, a credential.Attempt) {
		if a.Err != nil {
			util.WithDevice(address).Debugf("credential tier %s failed: %v", a.Label, a.Err)
		}
	}
	return r
}

// runEnv is everything a workflow run records to: phase logs, history,
// audit trail, live run state and metrics. Every sink but the log
// directory is optional; one that cannot be opened is skipped with a
// warning.
type runEnv struct {
	workflow string
	runID    string
	started  time.Time
	dir      string

	logs    *phaselog.Writer
	history *history.Store
	audit   *audit.FileLogger
	auditor *audit.Recorder
	metrics *metrics.Metrics
	tracker *runstate.Tracker
	redis   *runstate.RedisStore
}

func openRunEnv(ctx context.Context, workflow string, devices []runstate.DeviceRef) *runEnv {
	e := &runEnv{
		workflow: workflow,
		runID:    runstate.NewID(),
		started:  time.Now(),
		metrics:  metrics.New(),
	}
	e.dir = filepath.Join(logDir, workflow+"-"+e.started.Format(phaselog.FileTimeFormat))
	e.logs = phaselog.NewWriter(e.dir)

	if h, err := history.Open(userSettings.GetHistoryDB()); err != nil {
		util.Warnf("Could not open run history: %v", err)
	} else {
		e.history = h
	}

	auditLogger, err := openAuditLog()
	if err != nil {
		util.Warnf("Could not initialize audit logging: %v", err)
	} else {
		e.audit = auditLogger
		e.auditor = audit.NewRecorder(auditLogger, workflow)
	}

	e.tracker = e.openTracker(ctx, devices)
	return e
}

func (e *runEnv) openTracker(ctx context.Context, devices []runstate.DeviceRef) *runstate.Tracker {
	dir, err := runstate.DefaultDir()
	if err != nil {
		util.Warnf("Could not track run state: %v", err)
		return nil
	}
	var store runstate.Store = &runstate.FileStore{Dir: dir}
	if addr := userSettings.RedisAddr; addr != "" {
		rs := runstate.NewRedisStore(addr, 0)
		if err := rs.Connect(ctx); err != nil {
			util.Warnf("Redis %s unavailable, run state kept locally: %v", addr, err)
			rs.Close()
		} else {
			e.redis = rs
			store = &runstate.Mirror{Primary: store, Mirrors: []runstate.Store{rs}}
		}
	}
	t, err := runstate.NewTracker(ctx, store, e.runID, e.workflow, devices)
	if err != nil {
		util.Warnf("Could not track run state: %v", err)
		return nil
	}
	return t
}

// controller returns a pipeline controller wired to every sink.
func (e *runEnv) controller(confirmer pipeline.Confirmer) *pipeline.Controller {
	recorders := []pipeline.Recorder{e.metrics.Recorder(e.workflow)}
	progress := []pipeline.ProgressReporter{pipeline.NewConsoleProgress(os.Stdout, verbose)}
	if e.history != nil {
		recorders = append(recorders, e.history.ForWorkflow(e.workflow))
	}
	if e.auditor != nil {
		recorders = append(recorders, e.auditor)
	}
	if e.tracker != nil {
		recorders = append(recorders, e.tracker)
		progress = append(progress, e.tracker)
	}
	return &pipeline.Controller{
		RunID:     e.runID,
		Confirmer: confirmer,
		Logs:      e.logs,
		Progress:  pipeline.MultiProgress(progress...),
		Recorders: recorders,
	}
}

// finish records the final run status, writes metrics and closes sinks.
func (e *runEnv) finish(ctx context.Context, status runstate.Status) {
	if e.tracker != nil {
		e.tracker.Finish(ctx, status)
	}
	e.metrics.Finish(e.workflow)
	if metricsFile != "" {
		if err := e.metrics.WriteTextfile(metricsFile); err != nil {
			util.Warnf("Could not write metrics: %v", err)
		}
	}
	if e.history != nil {
		e.history.Close()
	}
	if e.audit != nil {
		e.audit.Close()
	}
	if e.redis != nil {
		e.redis.Close()
	}
}

// deviceRefs lists devices for run state tracking.
func deviceRefs(devices []inventory.Device) []runstate.DeviceRef {
	refs := make([]runstate.DeviceRef, len(devices))
	for i, d := range devices {
		refs[i] = runstate.DeviceRef{Name: d.Name, Address: d.Address}
	}
	return refs
}

// reportsErr returns the error of the first run that did not complete.
func reportsErr(reports []*pipeline.Report) error {
	var failed []string
	var first error
	for _, r := range reports {
		if err := r.Err(); err != nil {
			failed = append(failed, r.Device.DisplayName())
			if first == nil {
				first = err
			}
		}
	}
	if first == nil {
		return nil
	}
	if len(failed) == 1 {
		return first
	}
	return fmt.Errorf("%d devices did not complete (%s); first: %w", len(failed), strings.Join(failed, ", "), first)
}

// runStatus maps the outcome of a workflow to a run state status.
func runStatus(ctx context.Context, err error) runstate.Status {
	switch {
	case ctx.Err() != nil:
		return runstate.StatusInterrupted
	case err != nil:
		return runstate.StatusAborted
	default:
		return runstate.StatusComplete
	}
}
