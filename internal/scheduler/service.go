// Package scheduler fires rotation trigger invocations on a cron schedule.
// Each tick becomes one signed trigger request, so the scheduled path and
// an external webhook path go through the identical coordinator pipeline.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"rotabot/internal/state"
	"rotabot/internal/trigger"
	logx "rotabot/pkg/logx"
)

type Config struct {
	TriggerSpec string
	EveSpec     string
	Location    *time.Location
	// TickTimeout bounds one invocation end to end.
	TickTimeout time.Duration
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	coord    *trigger.Coordinator
	machine  *state.Machine
	auth     *trigger.Auth
	notifier state.Notifier
	log      logx.Logger

	c *cron.Cron
}

func New(cfg Config, coord *trigger.Coordinator, machine *state.Machine, auth *trigger.Auth, notifier state.Notifier, log logx.Logger) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = 2 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, coord: coord, machine: machine, auth: auth, notifier: notifier, log: log}
}

func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	c := cron.New(cron.WithLocation(s.cfg.Location))
	if _, err := c.AddFunc(s.cfg.TriggerSpec, s.fireTrigger); err != nil {
		return fmt.Errorf("trigger cron spec %q: %w", s.cfg.TriggerSpec, err)
	}
	if _, err := c.AddFunc(s.cfg.EveSpec, s.fireEveCheck); err != nil {
		return fmt.Errorf("eve cron spec %q: %w", s.cfg.EveSpec, err)
	}
	c.Start()
	s.c = c
	s.log.Info("scheduler started",
		logx.String("trigger", s.cfg.TriggerSpec),
		logx.String("eve", s.cfg.EveSpec),
		logx.String("tz", s.cfg.Location.String()))
	return nil
}

// Stop halts the cron loop and waits for a running tick until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
}

func (s *Service) fireTrigger() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TickTimeout)
	defer cancel()

	req := trigger.Request{
		TriggerID:   uuid.NewString(),
		ScheduledAt: time.Now(),
	}
	if s.auth != nil {
		req.Signature = s.auth.Sign(req.TriggerID, req.ScheduledAt)
	}

	res, err := s.coord.Handle(ctx, req)
	if err != nil {
		s.log.Error("scheduled trigger rejected", logx.String("trigger_id", req.TriggerID), logx.Err(err))
		return
	}
	s.log.Info("scheduled trigger finished",
		logx.String("trigger_id", req.TriggerID),
		logx.String("result", string(res.Result)),
		logx.Int("notifications", res.NotificationsSent))
}

func (s *Service) fireEveCheck() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TickTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.report(ctx, fmt.Sprintf("eve-of-transition check panic: %v", r))
		}
	}()

	if err := s.machine.EveCheck(ctx, time.Now()); err != nil {
		s.report(ctx, "eve-of-transition check failed: "+err.Error())
	}
}

func (s *Service) report(ctx context.Context, msg string) {
	s.log.Error(msg)
	if s.notifier == nil {
		return
	}
	if err := s.notifier.SendAdminSummary(ctx, msg); err != nil {
		s.log.Warn("admin report failed", logx.Err(err))
	}
}
