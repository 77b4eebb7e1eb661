/*
sweeper.go - Background subscription expiry sweep

PURPOSE:
  Periodically looks for subscriptions whose paid period (plus the
  payment-failure grace window) has run out and forfeits their remaining
  credits. Expiration of individual sources never needs a sweep - it is
  a query filter - but forfeiture on subscription end is an action, and
  something has to trigger it when no webhook arrives.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - A profile is swept when its status is cancelled or past_due and its
    expiry (plus grace for past_due) is behind now
  - ForfeitAllCredits is idempotent on an empty balance, so sweeping the
    same profile twice is harmless

USAGE:
  sweeper := NewExpirySweeper(profiles, lifecycle, metrics, log)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - credits/subscription.go: forfeiture and the grace window
  - handlers.go: Forfeit endpoint (manual path)
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hoangthanh168/clippizo/credits"
)

// ExpirySweeper forfeits credits for subscriptions that ended without a
// revocation webhook.
type ExpirySweeper struct {
	Profiles      credits.ProfileStore
	Lifecycle     *credits.Lifecycle
	Metrics       *Metrics
	Log           zerolog.Logger
	CheckInterval time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewExpirySweeper creates a sweeper with a 1 hour check interval.
func NewExpirySweeper(profiles credits.ProfileStore, lifecycle *credits.Lifecycle, metrics *Metrics, log zerolog.Logger) *ExpirySweeper {
	return &ExpirySweeper{
		Profiles:      profiles,
		Lifecycle:     lifecycle,
		Metrics:       metrics,
		Log:           log,
		CheckInterval: 1 * time.Hour,
		stop:          make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (s *ExpirySweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)
	go s.run()

	s.Log.Info().Dur("interval", s.CheckInterval).Msg("expiry sweeper started")
}

// Stop stops the sweep loop and waits for an in-flight sweep to finish.
func (s *ExpirySweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.Log.Info().Msg("expiry sweeper stopped")
	}
}

func (s *ExpirySweeper) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.Sweep(context.Background())

	for {
		select {
		case <-s.ticker.C:
			s.Sweep(context.Background())
		case <-s.stop:
			return
		}
	}
}

// Sweep runs one pass. Exported for tests and admin triggering.
func (s *ExpirySweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	profiles, err := s.Profiles.ExpiringSubscriptions(ctx, now)
	if err != nil {
		s.Log.Error().Err(err).Msg("sweep: listing expiring subscriptions failed")
		return
	}

	swept := 0
	for _, p := range profiles {
		if !s.shouldSweep(p, now) {
			continue
		}

		result, err := s.Lifecycle.ForfeitAllCredits(ctx, p.ID, credits.ReasonSubscriptionEnded)
		if err != nil {
			s.Log.Error().Err(err).Str("profile_id", p.ID).Msg("sweep: forfeiture failed")
			continue
		}
		if result.CreditsForfeited == 0 {
			continue
		}

		if s.Metrics != nil {
			s.Metrics.CreditsForfeited.Add(float64(result.CreditsForfeited))
		}
		s.Log.Info().
			Str("profile_id", p.ID).
			Int64("credits_forfeited", result.CreditsForfeited).
			Msg("sweep: credits forfeited")
		swept++
	}

	if swept > 0 {
		s.Log.Info().Int("profiles", swept).Msg("sweep completed")
	}
}

// shouldSweep applies the lifecycle rules: cancelled subscriptions sweep
// at expiry, past_due ones after the grace window. Active subscriptions
// past expiry are left alone; the renewal webhook may simply be late.
func (s *ExpirySweeper) shouldSweep(p credits.Profile, now time.Time) bool {
	if p.SubscriptionExpiresAt.IsZero() {
		return false
	}

	switch p.SubscriptionStatus {
	case credits.StatusCancelled, credits.StatusExpired:
		return !p.SubscriptionExpiresAt.After(now)
	case credits.StatusPastDue:
		graceEnd := p.SubscriptionExpiresAt.AddDate(0, 0, credits.GracePeriodDays)
		return !graceEnd.After(now)
	default:
		return false
	}
}
