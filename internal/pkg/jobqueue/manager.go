package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"

	"github.com/ManuelReschke/RedeemFox/internal/pkg/env"
)

// Sweeper drops empty pools from the index.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// ManagerConfig holds the background schedule.
type ManagerConfig struct {
	Workers          int
	SweepInterval    time.Duration
	RolloverSchedule string
}

// LoadManagerConfig reads JOBQUEUE_WORKERS, POOL_SWEEP_INTERVAL and
// PLAN_ROLLOVER_SCHEDULE.
func LoadManagerConfig() ManagerConfig {
	return ManagerConfig{
		Workers:          env.GetEnvInt("JOBQUEUE_WORKERS", 5),
		SweepInterval:    env.GetEnvDuration("POOL_SWEEP_INTERVAL", time.Minute),
		RolloverSchedule: env.GetEnv("PLAN_ROLLOVER_SCHEDULE", "0 0 * * *"),
	}
}

// Manager owns the job queue plus the periodic pool sweep and plan rollover.
type Manager struct {
	queue       *Queue
	sweeper     Sweeper
	rollover    func(ctx context.Context) error
	cfg         ManagerConfig
	sweepTicker *time.Ticker
	cron        *cron.Cron
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

// NewManager wires the queue with its background tasks. sweeper and rollover
// may be nil to disable the respective task.
func NewManager(queue *Queue, sweeper Sweeper, rollover func(ctx context.Context) error, cfg ManagerConfig) *Manager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Manager{
		queue:    queue,
		sweeper:  sweeper,
		rollover: rollover,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	var c *cron.Cron
	if m.rollover != nil && m.cfg.RolloverSchedule != "" {
		c = cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(cronLogger{}))))
		if _, err := c.AddFunc(m.cfg.RolloverSchedule, m.runRollover); err != nil {
			return fmt.Errorf("schedule plan rollover %q: %w", m.cfg.RolloverSchedule, err)
		}
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	if m.sweeper != nil {
		m.sweepTicker = time.NewTicker(m.cfg.SweepInterval)
		m.wg.Add(1)
		go m.sweepWorker(m.sweepTicker, m.stopCh)
	}

	if c != nil {
		m.cron = c
		m.cron.Start()
		log.Infof("[JobQueue Manager] Plan rollover scheduled (%s)", m.cfg.RolloverSchedule)
	}

	log.Info("[JobQueue Manager] Started successfully")
	return nil
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.sweepTicker != nil {
		m.sweepTicker.Stop()
	}
	if m.cron != nil {
		// wait for a rollover that is already running
		<-m.cron.Stop().Done()
		m.cron = nil
	}

	close(m.stopCh)
	m.running = false
	m.wg.Wait()

	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) sweepWorker(ticker *time.Ticker, stopCh chan struct{}) {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started pool sweep worker (interval: %s)", m.cfg.SweepInterval)

	for {
		select {
		case <-stopCh:
			log.Info("[JobQueue Manager] Pool sweep worker stopping")
			return
		case <-ticker.C:
			m.sweepOnce(context.Background())
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	n, err := m.sweeper.Sweep(ctx)
	if err != nil {
		log.Errorf("[JobQueue Manager] Pool sweep error: %v", err)
		return
	}
	if n > 0 {
		log.Debugf("[JobQueue Manager] Swept %d empty pools", n)
	}
}

func (m *Manager) runRollover() {
	start := time.Now()
	if err := m.rollover(context.Background()); err != nil {
		log.Errorf("[JobQueue Manager] Plan rollover failed: %v", err)
		return
	}
	log.Infof("[JobQueue Manager] Plan rollover finished in %s", time.Since(start))
}

type cronLogger struct{}

func (cronLogger) Printf(format string, args ...interface{}) {
	log.Infof("[Cron] "+format, args...)
}
