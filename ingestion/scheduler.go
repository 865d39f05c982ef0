package ingestion

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron"

	"langtest-server/db"
)

// Scheduler re-syncs reference data on a fixed interval.
type Scheduler struct {
	cron  *gocron.Scheduler
	store db.Store
	path  string
}

func NewScheduler(store db.Store, path string) *Scheduler {
	return &Scheduler{
		cron:  gocron.NewScheduler(time.UTC),
		store: store,
		path:  path,
	}
}

// Start runs a sync immediately and then every interval, without blocking.
func (s *Scheduler) Start(interval time.Duration) error {
	if _, err := s.cron.Every(interval).Do(s.sync); err != nil {
		return err
	}
	s.cron.StartAsync()
	return nil
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
}

func (s *Scheduler) sync() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := SyncReferenceData(ctx, s.store, s.path); err != nil {
		log.Printf("ERROR: Scheduled reference data sync failed: %v", err)
	}
}
