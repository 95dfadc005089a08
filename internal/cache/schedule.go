package cache

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// SchedulePrune runs Prune on a standard cron schedule until the returned
// stop function is called. stop waits for a running prune to finish.
func (s *Store) SchedulePrune(schedule string) (stop func(), err error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if _, err := s.Prune(); err != nil {
			s.logger.Warn("Scheduled cache prune failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("cache prune schedule %q: %w", schedule, err)
	}
	c.Start()
	s.logger.Debug("Scheduled cache prune", "schedule", schedule)
	return func() { <-c.Stop().Done() }, nil
}
