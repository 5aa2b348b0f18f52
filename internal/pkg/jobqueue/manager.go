package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// DueLister finds users whose cached period end has passed without a provider update.
type DueLister interface {
	ListDueForReconcile(ctx context.Context, before time.Time, limit int) ([]string, error)
}

const DefaultSweepBatch = 500

// Manager owns the job queue and the periodic reconcile sweep
type Manager struct {
	queue           *Queue
	lister          DueLister
	sweepInterval   time.Duration
	sweepBatch      int
	reconcileTicker *time.Ticker
	stopCh          chan struct{}
	wg              sync.WaitGroup
	mu              sync.Mutex
	running         bool
}

// NewManager wires a queue to a reconciler and the source of due users.
func NewManager(queue *Queue, reconciler Reconciler, lister DueLister, sweepInterval time.Duration) *Manager {
	if sweepInterval <= 0 {
		sweepInterval = 15 * time.Minute
	}
	queue.Handle(JobTypeReconcileEntitlement, ReconcileHandler(reconciler))
	return &Manager{
		queue:         queue,
		lister:        lister,
		sweepInterval: sweepInterval,
		sweepBatch:    DefaultSweepBatch,
		stopCh:        make(chan struct{}),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and the sweep ticker
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and reconcile sweep")

	m.queue.Start()

	m.reconcileTicker = time.NewTicker(m.sweepInterval)
	m.wg.Add(1)
	go m.reconcileWorker(m.reconcileTicker, m.stopCh)

	log.Infof("[JobQueue Manager] Started (sweep every %s)", m.sweepInterval)
}

// Stop stops the sweep and the job queue
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

	m.queue.Stop()
	log.Info("[JobQueue Manager] Stopped successfully")
}

func (m *Manager) reconcileWorker(ticker *time.Ticker, stopCh chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-stopCh:
			log.Info("[JobQueue Manager] Reconcile sweep stopping")
			return
		case <-ticker.C:
			if _, err := m.SweepOnce(context.Background()); err != nil {
				log.Errorf("[JobQueue Manager] Reconcile sweep error: %v", err)
			}
		}
	}
}

// SweepOnce enqueues a reconcile job for every user whose period end is in the past.
// It returns the number of jobs created.
func (m *Manager) SweepOnce(ctx context.Context) (int, error) {
	ids, err := m.lister.ListDueForReconcile(ctx, time.Now().UTC(), m.sweepBatch)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, id := range ids {
		ok, err := m.queue.EnqueueReconcile(id, "sweep")
		if err != nil {
			log.Errorf("[JobQueue Manager] Failed to enqueue reconcile for %s: %v", id, err)
			continue
		}
		if ok {
			created++
		}
	}
	if len(ids) > 0 {
		log.Infof("[JobQueue Manager] Reconcile sweep: %d due, %d enqueued", len(ids), created)
	}
	return created, nil
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
