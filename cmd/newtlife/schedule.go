package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/newtron-network/newtlife/pkg/util"
)

// runScheduled runs job now when schedule is empty; otherwise on every tick
// of the standard cron expression until ctx is canceled. A tick that
// arrives while the previous run is still going is skipped. Errors of
// scheduled runs are logged, not returned.
func runScheduled(ctx context.Context, schedule, name string, job func(ctx context.Context) error) error {
	if schedule == "" {
		return job(ctx)
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return fmt.Errorf("%w: schedule %q: %v", util.ErrInvalidConfig, schedule, err)
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	c.Schedule(sched, cron.FuncJob(func() {
		util.Infof("%s: scheduled run starting", name)
		if err := job(ctx); err != nil {
			util.Errorf("%s: scheduled run failed: %v", name, err)
		}
	}))
	c.Start()
	fmt.Printf("%s scheduled (%s), next run %s. Ctrl-C to stop.\n",
		name, schedule, sched.Next(time.Now()).Format(time.DateTime))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
