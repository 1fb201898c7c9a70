package iothub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"rosrelay/relay"

	"github.com/beevik/ntp"
)

const (
	defaultNTPPool     = "pool.ntp.org"
	defaultNTPInterval = 10 * time.Minute

	// SAS tokens embed an absolute expiry, so local clock drift on this
	// order starts producing tokens the hub rejects as already expired.
	defaultSkewThreshold = 5 * time.Minute
)

type SkewStatus struct {
	Offset    time.Duration
	Healthy   bool
	Error     string
	CheckedAt time.Time
}

// SkewChecker periodically compares the local clock against an NTP pool.
// Token signing keeps using the local clock either way; transitions in
// and out of tolerance are logged so operators can tie hub
// authentication failures back to clock drift.
type SkewChecker struct {
	mu        sync.RWMutex
	status    SkewStatus
	checked   bool
	pool      string
	interval  time.Duration
	threshold time.Duration
	clock     relay.Clock
	log       *slog.Logger
	query     func(host string) (*ntp.Response, error)
}

func NewSkewChecker(clock relay.Clock, log *slog.Logger) *SkewChecker {
	if log == nil {
		log = slog.Default()
	}
	return &SkewChecker{
		pool:      defaultNTPPool,
		interval:  defaultNTPInterval,
		threshold: defaultSkewThreshold,
		clock:     clock,
		log:       log,
		query:     ntp.Query,
	}
}

func (s *SkewChecker) Run(ctx context.Context) {
	s.check()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.check()
		}
	}
}

func (s *SkewChecker) check() {
	resp, err := s.query(s.pool)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	prev := s.status
	wasChecked := s.checked
	s.checked = true

	if err != nil {
		s.status = SkewStatus{
			Error:     err.Error(),
			Healthy:   false,
			CheckedAt: now,
		}
		if !wasChecked || prev.Healthy {
			s.log.Warn("clock skew check failed, SAS token validity unverified",
				"pool", s.pool, "err", err)
		}
		return
	}

	offset := resp.ClockOffset
	if offset < 0 {
		offset = -offset
	}

	s.status = SkewStatus{
		Offset:    resp.ClockOffset,
		Healthy:   offset < s.threshold,
		CheckedAt: now,
	}

	switch {
	case !s.status.Healthy && (!wasChecked || prev.Healthy):
		s.log.Warn("local clock skew exceeds SAS token tolerance, hub may reject authentication",
			"offset", resp.ClockOffset, "threshold", s.threshold)
	case s.status.Healthy && wasChecked && !prev.Healthy:
		s.log.Info("local clock back within SAS token tolerance",
			"offset", resp.ClockOffset)
	}
}

func (s *SkewChecker) Status() SkewStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}
