// Package jobs runs the collections service's background work.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"invoicing/api_collections/internal/store"
	"invoicing/pkg/logging"
	"invoicing/pkg/models"
)

// Default intervals.
const (
	DefaultAccountRefreshInterval = 15 * time.Minute
	DefaultSessionSweepInterval   = time.Minute
	DefaultAccountBatchSize       = 100
)

// AccountRefresher re-reads an account's onboarding status from the processor.
type AccountRefresher interface {
	RefreshStatus(ctx context.Context, account *models.ConnectedAccount) (*models.ConnectedAccount, error)
}

// Sweeper drops expired in-memory state and reports how much it removed.
type Sweeper interface {
	Sweep() int
}

// Config tunes the job intervals. Zero values take the defaults.
type Config struct {
	AccountRefreshInterval time.Duration
	SessionSweepInterval   time.Duration
	AccountBatchSize       int
}

// Metrics counts job runs.
type Metrics struct {
	Runs *prometheus.CounterVec
}

// NewMetrics creates and registers the job collectors. reg may be nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bursar_job_runs_total",
			Help: "Background job runs by job and outcome",
		}, []string{"job", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.Runs)
	}
	return m
}

// JobManager handles background collection jobs: polling connected accounts that are still
// onboarding and expiring idle collection sessions.
type JobManager struct {
	accounts  store.AccountPoller
	refresher AccountRefresher
	sessions  Sweeper
	cfg       Config
	metrics   *Metrics
	logger    logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJobManager creates a job manager. sessions and metrics may be nil.
func NewJobManager(accounts store.AccountPoller, refresher AccountRefresher, sessions Sweeper, cfg Config, metrics *Metrics, logger logging.Logger) *JobManager {
	if cfg.AccountRefreshInterval <= 0 {
		cfg.AccountRefreshInterval = DefaultAccountRefreshInterval
	}
	if cfg.SessionSweepInterval <= 0 {
		cfg.SessionSweepInterval = DefaultSessionSweepInterval
	}
	if cfg.AccountBatchSize <= 0 {
		cfg.AccountBatchSize = DefaultAccountBatchSize
	}
	return &JobManager{
		accounts:  accounts,
		refresher: refresher,
		sessions:  sessions,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
	}
}

// Start begins all background jobs. They stop when ctx is done or Stop is called.
func (jm *JobManager) Start(ctx context.Context) {
	jm.logger.Info("Starting collections job manager")
	ctx, jm.cancel = context.WithCancel(ctx)

	jm.run(ctx, jm.cfg.AccountRefreshInterval, func(ctx context.Context) { jm.RefreshPendingAccounts(ctx) })
	if jm.sessions != nil {
		jm.run(ctx, jm.cfg.SessionSweepInterval, func(context.Context) { jm.SweepSessions() })
	}
}

// Stop cancels the jobs and waits for the running ones to return.
func (jm *JobManager) Stop() {
	jm.logger.Info("Stopping collections job manager")
	if jm.cancel != nil {
		jm.cancel()
	}
	jm.wg.Wait()
}

func (jm *JobManager) run(ctx context.Context, interval time.Duration, job func(context.Context)) {
	jm.wg.Add(1)
	go func() {
		defer jm.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				job(ctx)
			}
		}
	}()
}

// RefreshPendingAccounts polls the processor for accounts still onboarding, in case the
// account.updated webhook was missed. It returns how many accounts changed status.
func (jm *JobManager) RefreshPendingAccounts(ctx context.Context) int {
	accounts, err := jm.accounts.ListConnectedAccountsByStatus(ctx, jm.cfg.AccountBatchSize,
		models.OnboardingPending, models.OnboardingIncomplete)
	if err != nil {
		jm.logger.WithError(err).Error("Failed to list connected accounts awaiting onboarding")
		jm.record("account_refresh", "error")
		return 0
	}

	changed := 0
	for _, account := range accounts {
		if ctx.Err() != nil {
			break
		}
		updated, err := jm.refresher.RefreshStatus(ctx, account)
		if err != nil {
			jm.logger.WithFields(logging.Fields{
				"owner_user_id":        account.OwnerUserID,
				"processor_account_id": account.ProcessorID(),
			}).WithError(err).Warn("Failed to refresh connected account")
			continue
		}
		if updated.OnboardingStatus != account.OnboardingStatus {
			changed++
		}
	}

	if len(accounts) > 0 {
		jm.logger.WithFields(logging.Fields{
			"checked": len(accounts),
			"changed": changed,
		}).Info("Refreshed connected accounts awaiting onboarding")
	}
	jm.record("account_refresh", "success")
	return changed
}

// SweepSessions expires idle collection sessions.
func (jm *JobManager) SweepSessions() int {
	n := jm.sessions.Sweep()
	if n > 0 {
		jm.logger.WithField("expired", n).Debug("Expired idle collection sessions")
	}
	jm.record("session_sweep", "success")
	return n
}

func (jm *JobManager) record(job, outcome string) {
	if jm.metrics != nil {
		jm.metrics.Runs.WithLabelValues(job, outcome).Inc()
	}
}
