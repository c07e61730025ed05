package indexer

import (
	"context"
	"log"
	"sync"
	"time"
)

// DefaultRefreshInterval is the period between scheduled refreshes.
const DefaultRefreshInterval = 5 * time.Minute

// RefreshFunc runs one refresh for a trigger.
type RefreshFunc func(ctx context.Context, trigger Trigger)

// Scheduler runs a startup refresh, then scheduled refreshes on a ticker.
// Nudges from the file watcher request an early scheduled refresh; any number of
// nudges received while a refresh runs collapse into one pending refresh.
type Scheduler struct {
	refresh  RefreshFunc
	interval time.Duration
	startup  bool
	nudge    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. When startup is true the loop begins with a
// TriggerStartup refresh.
func NewScheduler(interval time.Duration, startup bool, refresh RefreshFunc) *Scheduler {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		refresh:  refresh,
		interval: interval,
		startup:  startup,
		nudge:    make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the background loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop cancels any running refresh and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Nudge requests a scheduled refresh as soon as the current one finishes.
// It never blocks.
func (s *Scheduler) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	log.Printf("🔄 Refresh scheduler started (interval: %v)", s.interval)

	if s.startup {
		s.refresh(s.ctx, TriggerStartup)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Println("🛑 Refresh scheduler stopped")
			return

		case <-ticker.C:
			s.refresh(s.ctx, TriggerScheduled)

		case <-s.nudge:
			s.refresh(s.ctx, TriggerScheduled)
			ticker.Reset(s.interval)
		}
	}
}
