package cleanup

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Pruner deletes history older than a cutoff.
type Pruner interface {
	DeleteOlderThan(cutoff time.Time) (int64, error)
}

// Service handles the automatic cleanup of old prediction history.
type Service struct {
	store         Pruner
	retentionDays int
	checkInterval time.Duration
	stopChan      chan struct{} // Channel to signal stopping the background routine
	stopOnce      sync.Once
	wg            sync.WaitGroup
	now           func() time.Time
}

// NewService creates a new cleanup Service. It returns nil when cleanup is
// disabled; all methods are safe on a nil Service.
func NewService(store Pruner, retentionDays int, checkInterval time.Duration) *Service {
	if retentionDays <= 0 {
		log.Info("Automatic cleanup disabled (retention_days <= 0).")
		return nil
	}
	if store == nil {
		log.Error("Cannot initialize cleanup service: history store is nil")
		return nil
	}
	if checkInterval <= 0 {
		checkInterval = 24 * time.Hour
	}
	log.Infof("Initializing cleanup service: RetentionDays=%d, CheckInterval=%s", retentionDays, checkInterval)
	return &Service{
		store:         store,
		retentionDays: retentionDays,
		checkInterval: checkInterval,
		stopChan:      make(chan struct{}),
		now:           time.Now,
	}
}

// StartBackgroundCleanup runs one cycle immediately and then one per interval.
func (s *Service) StartBackgroundCleanup() {
	if s == nil {
		return
	}
	log.Info("Starting background cleanup routine...")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Info("Running initial cleanup check on startup...")
		s.RunCleanupCycle()

		ticker := time.NewTicker(s.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				log.Info("Running scheduled cleanup cycle...")
				s.RunCleanupCycle()
			case <-s.stopChan:
				log.Info("Stopping background cleanup routine.")
				return
			}
		}
	}()
}

// StopBackgroundCleanup stops the routine and waits for a running cycle.
func (s *Service) StopBackgroundCleanup() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

// RunCleanupCycle deletes history older than the retention period and
// returns the number of removed records.
func (s *Service) RunCleanupCycle() int64 {
	if s == nil || s.retentionDays <= 0 {
		log.Debug("Skipping cleanup cycle: service not initialized or cleanup disabled.")
		return 0
	}

	cutoff := s.now().AddDate(0, 0, -s.retentionDays)
	log.Infof("Cleanup: Deleting records older than %s", cutoff.Format(time.RFC3339))

	deleted, err := s.store.DeleteOlderThan(cutoff)
	if err != nil {
		log.Errorf("Cleanup: Error deleting old records: %v", err)
		return 0
	}
	if deleted == 0 {
		log.Info("Cleanup: No old records found to delete.")
		return 0
	}
	log.Infof("Cleanup cycle finished. Deleted %d record(s).", deleted)
	return deleted
}
