package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/gradolab/tagline/internal/pipeline"
)

const sweepLockKey = "tagline:sweep:lock"

// Scheduler drives periodic orchestrator sweeps. Cadence comes from a
// 5-field cron expression; a redis lock keeps replicas from sweeping
// concurrently.
type Scheduler struct {
	Pipeline *pipeline.Pipeline
	Rdb      *redis.Client
	Cron     string
	LockTTL  time.Duration
	Stop     chan struct{}

	Logger  *log.Logger
	lastRun *time.Time
}

func (s *Scheduler) Start() {
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SWEEP] ", log.LstdFlags)
	}
	ticker := time.NewTicker(30 * time.Second)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	if !isDue(s.Cron, s.lastRun) {
		return
	}
	ctx := context.Background()

	if s.Rdb != nil {
		ttl := s.LockTTL
		if ttl <= 0 {
			ttl = 2 * time.Minute
		}
		ok, err := s.Rdb.SetNX(ctx, sweepLockKey, "1", ttl).Result()
		if err != nil {
			s.Logger.Printf("sweep lock: %v", err)
			return
		}
		if !ok {
			return
		}
		defer s.Rdb.Del(ctx, sweepLockKey)
	}

	// jitter to avoid stampedes across restarts
	time.Sleep(time.Duration(250+int64(time.Now().UnixNano()%250)) * time.Millisecond)

	now := time.Now()
	s.lastRun = &now
	report, err := s.Pipeline.Sweep(ctx, pipeline.SweepOptions{})
	if err != nil {
		s.Logger.Printf("sweep failed: %v", err)
		return
	}
	if len(report.Assignments)+len(report.Merges)+len(report.Abilities) > 0 {
		s.Logger.Printf("sweep: %d assignments, %d merges, %d ability runs, %d rollups",
			len(report.Assignments), len(report.Merges), len(report.Abilities), report.Rollups)
	}
}

// isDue reports whether the cron cadence elapsed since the last run.
// Supports "@hourly", "@daily", and standard 5-field expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			if last == nil {
				return true
			}
			return now.Sub(*last) >= time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
