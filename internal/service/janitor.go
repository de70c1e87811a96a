package service

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// DefaultJanitorInterval is how often expired idempotency records and undo tokens are swept.
const DefaultJanitorInterval = time.Minute

// RunJanitor sweeps the registered sweepers until ctx is done.
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Service) sweep() int {
	names := make([]string, 0, len(s.sweepers))
	for name := range s.sweepers {
		names = append(names, name)
	}
	sort.Strings(names)

	total := 0
	for _, name := range names {
		removed := s.sweepers[name].Sweep()
		if removed > 0 {
			s.log.Debug("janitor sweep", zap.String("target", name), zap.Int("removed", removed))
		}
		total += removed
	}
	return total
}
