package logic

import "go.uber.org/atomic"

// Stats counts segment traffic of one peer. Both duties update it
// concurrently.
type Stats struct {
	Served   atomic.Int64
	Refused  atomic.Int64
	Fetched  atomic.Int64
	Attempts atomic.Int64
}

type StatsSnapshot struct {
	Served   int64
	Refused  int64
	Fetched  int64
	Attempts int64
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Served:   s.Served.Load(),
		Refused:  s.Refused.Load(),
		Fetched:  s.Fetched.Load(),
		Attempts: s.Attempts.Load(),
	}
}
