package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/jrsteele09/campus-attendance/sessions"
	"github.com/jrsteele09/campus-attendance/token"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// TokenIssuer signs a token for an Active session.
type TokenIssuer interface {
	IssueToken(session *sessions.Session, now time.Time) (*token.Token, error)
}

// Publisher receives the token of every session refreshed by the cadence job.
type Publisher interface {
	Publish(t *token.Token)
}

type Config struct {
	RefreshCadence time.Duration // epoch rotation interval
	Retention      time.Duration // how long Closed sessions are kept
	JobTimeout     time.Duration
}

type job struct {
	spec string
	run  func(context.Context) error
}

// Scheduler runs the periodic session jobs: epoch rotation at the refresh
// cadence, window-driven open/close, and archive purge.
type Scheduler struct {
	cron      *cron.Cron
	registry  *sessions.Registry
	issuer    TokenIssuer
	publisher Publisher
	cfg       Config
}

func New(registry *sessions.Registry, issuer TokenIssuer, publisher Publisher, cfg Config) (*Scheduler, error) {
	if registry == nil || issuer == nil {
		return nil, errors.New("[scheduler.New] registry and issuer are required")
	}
	// cron schedules at one second resolution.
	if cfg.RefreshCadence < time.Second {
		return nil, errors.Errorf("[scheduler.New] refresh cadence %s is below one second", cfg.RefreshCadence)
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}

	logger := cron.PrintfLogger(&log.Logger)
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		registry:  registry,
		issuer:    issuer,
		publisher: publisher,
		cfg:       cfg,
	}

	jobs := []job{
		{fmt.Sprintf("@every %s", cfg.RefreshCadence), s.Refresh},
		{"@every 1m", s.Maintain},
	}
	if cfg.Retention > 0 {
		jobs = append(jobs, job{"@every 1h", s.Purge})
	}

	for _, j := range jobs {
		run := j.run
		if _, err := s.cron.AddFunc(j.spec, func() { s.runJob(run) }); err != nil {
			return nil, errors.Wrapf(err, "scheduler add %s", j.spec)
		}
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info().Dur("cadence", s.cfg.RefreshCadence).Dur("retention", s.cfg.Retention).Msg("Scheduler started")
}

// Stop halts the scheduler and waits for running jobs up to ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		log.Warn().Msg("Scheduler stop timed out with jobs still running")
	}
}

// Refresh activates due sessions, closes ended ones, rotates the epoch of
// every Active session and publishes the new tokens.
func (s *Scheduler) Refresh(ctx context.Context) error {
	if err := s.Maintain(ctx); err != nil {
		return err
	}

	refreshed, err := s.registry.RefreshActive(ctx)
	if err != nil {
		return err
	}

	now := s.registry.Now()
	for _, session := range refreshed {
		t, err := s.issuer.IssueToken(session, now)
		if err != nil {
			log.Err(err).Str("session_id", session.ID).Msg("Failed to issue refreshed token")
			continue
		}
		if s.publisher != nil {
			s.publisher.Publish(t)
		}
	}
	if len(refreshed) > 0 {
		log.Debug().Int("sessions", len(refreshed)).Msg("Token epochs rotated")
	}
	return nil
}

// Maintain persists the transitions implied by session windows.
func (s *Scheduler) Maintain(ctx context.Context) error {
	if _, err := s.registry.ActivateDue(ctx); err != nil {
		return err
	}
	_, err := s.registry.CloseExpired(ctx)
	return err
}

func (s *Scheduler) Purge(ctx context.Context) error {
	_, err := s.registry.PurgeArchived(ctx, s.cfg.Retention)
	return err
}

func (s *Scheduler) runJob(job func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
	defer cancel()
	if err := job(ctx); err != nil {
		log.Err(err).Msg("Scheduled job failed")
	}
}
