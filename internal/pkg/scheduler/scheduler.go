package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/pixmuse/PixMuse/app/models"
)

const (
	defaultSweepInterval    = time.Minute
	defaultPlanSyncInterval = 6 * time.Hour
	sweepTimeout            = 5 * time.Minute
)

// ExpiryProcessor drives the subscription expiry sweep. Implemented by
// entitlement.Service.
type ExpiryProcessor interface {
	ProcessExpiredSubscriptions(ctx context.Context) error
}

// CreditResetter performs the daily free-credit reset. Implemented by
// credits.Service.
type CreditResetter interface {
	ResetDailyCredits(ctx context.Context) error
}

// PlanSyncer refreshes the plan catalog from one billing provider.
// Implemented by plancatalog.Service.
type PlanSyncer interface {
	SyncFromProvider(ctx context.Context, provider string) error
}

// ProviderReconciler compares local subscriptions against the billing
// providers. Implemented by reconcile.Reconciler.
type ProviderReconciler interface {
	SyncAll(ctx context.Context) error
}

// Manager runs the periodic billing maintenance tasks: the
// expiry/reconcile sweep, provider plan catalog sync and the daily
// credit reset. A sweep that is still running when the next tick fires
// is skipped, not stacked.
type Manager struct {
	expiry     ExpiryProcessor
	credits    CreditResetter
	plans      PlanSyncer
	reconciler ProviderReconciler

	sweepInterval    time.Duration
	planSyncInterval time.Duration

	sweepTicker    *time.Ticker
	planSyncTicker *time.Ticker
	stopCh         chan struct{}
	wg             sync.WaitGroup
	mu             sync.Mutex
	running        bool
	sweeping       bool
}

// NewManager creates a scheduler. Any collaborator may be nil; its task
// is then skipped.
func NewManager(expiry ExpiryProcessor, credits CreditResetter, plans PlanSyncer, reconciler ProviderReconciler) *Manager {
	return &Manager{
		expiry:           expiry,
		credits:          credits,
		plans:            plans,
		reconciler:       reconciler,
		sweepInterval:    defaultSweepInterval,
		planSyncInterval: defaultPlanSyncInterval,
	}
}

// Start launches the background workers. Calling Start on a running
// manager is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[Scheduler] Starting billing maintenance tasks")

	m.sweepTicker = time.NewTicker(m.sweepInterval)
	m.wg.Add(1)
	go m.sweepWorker()

	m.planSyncTicker = time.NewTicker(m.planSyncInterval)
	m.wg.Add(1)
	go m.planSyncWorker()

	m.wg.Add(1)
	go m.midnightWorker()

	log.Info("[Scheduler] Started successfully")
}

// Stop signals the workers and waits for them to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}

	log.Info("[Scheduler] Stopping billing maintenance tasks...")

	if m.sweepTicker != nil {
		m.sweepTicker.Stop()
	}
	if m.planSyncTicker != nil {
		m.planSyncTicker.Stop()
	}

	close(m.stopCh)
	m.running = false
	// Release the lock before waiting: an in-flight sweep needs it to
	// clear its sweeping flag.
	m.mu.Unlock()

	m.wg.Wait()

	log.Info("[Scheduler] Stopped successfully")
}

// sweepWorker periodically runs the expiry sweep, the provider
// reconciliation and the (idempotent) credit reset.
func (m *Manager) sweepWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[Scheduler] Sweep worker stopping")
			return
		case <-m.sweepTicker.C:
			m.RunSweep()
		}
	}
}

// RunSweep executes one maintenance sweep. If a previous sweep is still
// running the call is skipped.
func (m *Manager) RunSweep() {
	m.mu.Lock()
	if m.sweeping {
		m.mu.Unlock()
		log.Info("[Scheduler] Previous sweep still running, skipping this tick")
		return
	}
	m.sweeping = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.sweeping = false
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	if m.reconciler != nil {
		if err := m.reconciler.SyncAll(ctx); err != nil {
			log.Errorf("[Scheduler] Provider reconciliation failed: %v", err)
		}
	}
	if m.expiry != nil {
		if err := m.expiry.ProcessExpiredSubscriptions(ctx); err != nil {
			log.Errorf("[Scheduler] Expiry processing failed: %v", err)
		}
	}
	// The reset tracks last_credit_reset per user, so running it every
	// sweep only touches users that have not been reset today.
	if m.credits != nil {
		if err := m.credits.ResetDailyCredits(ctx); err != nil {
			log.Errorf("[Scheduler] Daily credit reset failed: %v", err)
		}
	}
}

func (m *Manager) planSyncWorker() {
	defer m.wg.Done()

	// Sync once on startup so a fresh instance has a catalog before the
	// first tick.
	m.RunPlanSync()

	for {
		select {
		case <-m.stopCh:
			log.Info("[Scheduler] Plan sync worker stopping")
			return
		case <-m.planSyncTicker.C:
			m.RunPlanSync()
		}
	}
}

// RunPlanSync refreshes the plan catalog from every configured
// provider. Provider failures are logged per provider and do not block
// the other.
func (m *Manager) RunPlanSync() {
	if m.plans == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	for _, provider := range []string{models.ProviderGooglePlay, models.ProviderApple} {
		if err := m.plans.SyncFromProvider(ctx, provider); err != nil {
			log.Errorf("[Scheduler] Plan sync for %s failed: %v", provider, err)
		}
	}
}

// midnightWorker fires the credit reset right after local midnight, in
// addition to the sweep's safety-net path.
func (m *Manager) midnightWorker() {
	defer m.wg.Done()
	for {
		timer := time.NewTimer(durationUntilMidnight(time.Now()))
		select {
		case <-m.stopCh:
			timer.Stop()
			log.Info("[Scheduler] Midnight worker stopping")
			return
		case <-timer.C:
			if m.credits == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			if err := m.credits.ResetDailyCredits(ctx); err != nil {
				log.Errorf("[Scheduler] Midnight credit reset failed: %v", err)
			}
			cancel()
		}
	}
}

func durationUntilMidnight(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Add(24 * time.Hour)
	return next.Sub(now)
}
