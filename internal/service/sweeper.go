package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ledgerly/be-om-lineedits/internal/editlock"
)

// Sweeper periodically reclaims expired edit locks and processes overdue
// approvals. It only ever moves entries already past their deadline, through
// compare-and-transition operations, so overlapping runs are harmless.
type Sweeper struct {
	locks     editlock.Manager
	approvals *ApprovalService
	interval  time.Duration
	log       zerolog.Logger
}

// NewSweeper creates a new Sweeper.
func NewSweeper(locks editlock.Manager, approvals *ApprovalService, interval time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		locks:     locks,
		approvals: approvals,
		interval:  interval,
		log:       log,
	}
}

// Run loops until ctx is cancelled. Intended for a single background
// goroutine started from main.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass. Exposed for tests and manual triggering.
func (s *Sweeper) Sweep(ctx context.Context) {
	reclaimed, err := s.locks.SweepExpired(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("lock sweep failed")
	} else if reclaimed > 0 {
		s.log.Info().Int("reclaimed", reclaimed).Msg("expired edit locks reclaimed")
	}

	escalated, expired, err := s.approvals.ExpireOverdue(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("approval sweep failed")
		return
	}
	if escalated > 0 || expired > 0 {
		s.log.Info().
			Int("escalated", escalated).
			Int("expired", expired).
			Msg("overdue approvals processed")
	}
}
