package service

import (
	"context"
	"fmt"
	"time"

	"github.com/deltaquant/optioncollector/internal/config"
	"github.com/deltaquant/optioncollector/pkg/utils/zaplogger"
	"github.com/robfig/cron/v3"
)

// CronService schedules the recurring collector jobs: universe
// reconciliation, rebalance evaluation and depth sweeps.
type CronService struct {
	cfg              *config.Config
	c                *cron.Cron
	lifecycleService *LifecycleService
	snapshotService  *SnapshotService
}

// NewCronService creates a new CronService
func NewCronService(cfg *config.Config, lifecycleService *LifecycleService, snapshotService *SnapshotService) *CronService {
	return &CronService{
		cfg:              cfg,
		c:                cron.New(),
		lifecycleService: lifecycleService,
		snapshotService:  snapshotService,
	}
}

// Start starts the cron service
func (cs *CronService) Start(ctx context.Context) {
	// Log the initialization to logger
	zaplogger.Info("Initializing CronService")

	// ------------------------------------------------------------
	// Add your SCHEDULED jobs here
	// ------------------------------------------------------------
	cs.addScheduledJob("Universe RECONCILE Job", func() { cs.reconcileJob(ctx) }, everySpec(cs.cfg.LifecycleIntervalSec))
	cs.addScheduledJob("Session REBALANCE Job", cs.rebalanceJob, everySpec(cs.cfg.RebalanceIntervalSec))
	cs.addScheduledJob("Depth SWEEP Job", func() { cs.sweepJob(ctx) }, everySpec(cs.cfg.DepthIntervalSec))

	// ------------------------------------------------------------
	// Add your STARTUP jobs here
	// ------------------------------------------------------------
	cs.addStartupJob("Universe RECONCILE Job", func() { cs.reconcileJob(ctx) }, 2*time.Second)
	cs.addStartupJob("Depth SWEEP Job", func() { cs.sweepJob(ctx) }, 30*time.Second)
	// ------------------------------------------------------------

	cs.c.Start()
}

// Stop stops the scheduler and waits for running jobs
func (cs *CronService) Stop() {
	<-cs.c.Stop().Done()
}

func everySpec(seconds int) string {
	return fmt.Sprintf("@every %ds", seconds)
}

// addStartupJob adds a startup job to the cron service
func (cs *CronService) addStartupJob(name string, job func(), delay time.Duration) {
	go func() {
		time.Sleep(delay)
		zaplogger.Info("STARTED STARTUP job", zaplogger.Fields{
			"job": name,
		})
		job()
		zaplogger.Info("COMPLETED STARTUP job", zaplogger.Fields{
			"job": name,
		})
	}()
	zaplogger.Info("QUEUED STARTUP job", zaplogger.Fields{
		"job": name,
	})
}

func (cs *CronService) addScheduledJob(name string, job func(), schedule string) {
	_, err := cs.c.AddFunc(schedule, func() {
		zaplogger.Info("STARTED SCHEDULED JOB", zaplogger.Fields{
			"job": name,
		})
		job()
		zaplogger.Info("COMPLETED SCHEDULED JOB", zaplogger.Fields{
			"job": name,
		})
	})
	if err != nil {
		zaplogger.Error("FAILED TO QUEUE SCHEDULED JOB", zaplogger.Fields{
			"job":   name,
			"error": err.Error(),
		})
		return
	}
	zaplogger.Info("QUEUED SCHEDULED job", zaplogger.Fields{
		"job": name,
	})
}

// reconcileJob runs one universe reconciliation pass
func (cs *CronService) reconcileJob(ctx context.Context) {
	jobName := "Universe RECONCILE Job "

	if err := cs.lifecycleService.Reconcile(ctx); err != nil {
		zaplogger.Error(jobName, zaplogger.Fields{
			"error": err.Error(),
		})
	}
}

// rebalanceJob evaluates session skew
func (cs *CronService) rebalanceJob() {
	cs.lifecycleService.RunRebalance()
}

// sweepJob runs one full depth sweep
func (cs *CronService) sweepJob(ctx context.Context) {
	cs.snapshotService.Sweep(ctx)
}
