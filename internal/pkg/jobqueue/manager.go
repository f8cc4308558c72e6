package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PixelBooth/internal/pkg/env"
)

const (
	DefaultReconcileInterval = 5 * time.Minute
	DefaultReconcileBatch    = 50
)

// Sweeper finds approved payments whose follow-up steps never finished
// and completes them.
type Sweeper interface {
	ReconcileIncomplete(ctx context.Context, limit int) (int, error)
}

// Manager runs the job queue together with the periodic reconcile sweep
type Manager struct {
	queue           *Queue
	sweeper         Sweeper
	interval        time.Duration
	batch           int
	reconcileTicker *time.Ticker
	stopCh          chan struct{}
	wg              sync.WaitGroup
	mu              sync.Mutex
	running         bool
}

// NewManager wires a queue and a sweeper. A nil sweeper disables the sweep.
func NewManager(queue *Queue, sweeper Sweeper, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return &Manager{
		queue:    queue,
		sweeper:  sweeper,
		interval: interval,
		batch:    DefaultReconcileBatch,
		stopCh:   make(chan struct{}),
	}
}

// ReconcileIntervalFromEnv reads RECONCILE_INTERVAL.
func ReconcileIntervalFromEnv() time.Duration {
	return env.GetEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval)
}

// WorkersFromEnv reads JOBQUEUE_WORKERS.
func WorkersFromEnv() int {
	return env.GetEnvInt("JOBQUEUE_WORKERS", 3)
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	if m.queue != nil {
		m.queue.Start()
	}

	if m.sweeper != nil {
		m.reconcileTicker = time.NewTicker(m.interval)
		m.wg.Add(1)
		go m.reconcileWorker(m.stopCh, m.reconcileTicker)
	}

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.reconcileTicker != nil {
		m.reconcileTicker.Stop()
	}

	close(m.stopCh)
	m.running = false

	m.wg.Wait()

	if m.queue != nil {
		m.queue.Stop()
	}

	log.Info("[JobQueue Manager] Stopped successfully")
}

// reconcileWorker periodically finishes incomplete approvals
func (m *Manager) reconcileWorker(stopCh <-chan struct{}, ticker *time.Ticker) {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started reconcile worker (interval: %s)", m.interval)

	for {
		select {
		case <-stopCh:
			log.Info("[JobQueue Manager] Reconcile worker stopping")
			return
		case <-ticker.C:
			if _, err := m.RunReconcileOnce(context.Background()); err != nil {
				log.Errorf("[JobQueue Manager] Reconcile sweep error: %v", err)
			}
		}
	}
}

// RunReconcileOnce runs a single sweep and returns how many payments were completed.
func (m *Manager) RunReconcileOnce(ctx context.Context) (int, error) {
	if m.sweeper == nil {
		return 0, nil
	}
	n, err := m.sweeper.ReconcileIncomplete(ctx, m.batch)
	if n > 0 {
		log.Infof("[JobQueue Manager] Reconciled %d payment(s)", n)
	}
	return n, err
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
