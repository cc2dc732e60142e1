package analytics

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ScheduleCompaction runs Store.Compact every 6 hours, per spec §4.7.
// Returns the running *cron.Cron so the caller can Stop() it at shutdown.
func ScheduleCompaction(s *Store, logger *zap.Logger) (*cron.Cron, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := cron.New()
	_, err := c.AddFunc("@every 6h", func() {
		if err := s.Compact(time.Now()); err != nil {
			logger.Error("analytics compaction failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
