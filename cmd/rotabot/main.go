package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"rotabot/internal/calendar"
	"rotabot/internal/config"
	"rotabot/internal/eventbus"
	"rotabot/internal/notify"
	"rotabot/internal/rota"
	"rotabot/internal/scheduler"
	"rotabot/internal/snapshot"
	"rotabot/internal/state"
	"rotabot/internal/storage"
	"rotabot/internal/telegram"
	"rotabot/internal/trigger"
	logx "rotabot/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml/json")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	mgr := config.NewManager(cfgPath, logx.NewConsole("info"))
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	defer logSvc.Close()

	loc, err := cfg.Rotation.Location()
	if err != nil {
		return err
	}
	epoch, err := cfg.Rotation.EpochDate()
	if err != nil {
		return err
	}
	cal, err := calendar.NewCalendar(epoch, cfg.Rotation.PeriodDays, loc)
	if err != nil {
		return err
	}
	policy := calendar.NewWeekdayPolicy(loc)

	store, err := storage.Open(cfg.Storage.ToStorage(), log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	tg, err := telegram.New(telegram.Config{
		Token:         cfg.Telegram.Token,
		AdminChatID:   cfg.Telegram.AdminChatID,
		AdminThreadID: cfg.Telegram.AdminThreadID,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	bus := eventbus.New()
	notifySvc := notify.New(cfg.Notifier.ToNotify(), tg, bus, log.With(logx.String("comp", "notify")))
	notifySvc.Start(ctx)
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		notifySvc.Stop(stopCtx)
		stop()
	}()

	go logDeliveryEvents(ctx, bus, log)

	calc := rota.NewCalculator(cfg.Rotation.FallbackUserID, log.With(logx.String("comp", "calculator")))
	snaps := snapshot.NewService(cal, calc, mgr, store, store, log.With(logx.String("comp", "snapshot")))
	machine := state.NewMachine(cal, snaps, store, notifySvc, tg, log.With(logx.String("comp", "state")))
	auth := trigger.NewAuth(cfg.Trigger.Secret)
	coord := trigger.NewCoordinator(snaps, machine, policy, store, notifySvc, auth, log.With(logx.String("comp", "trigger")))

	sched := scheduler.New(scheduler.Config{
		TriggerSpec: cfg.Trigger.TriggerCron(),
		EveSpec:     cfg.Trigger.EveCronSpec(),
		Location:    loc,
	}, coord, machine, auth, notifySvc, log.With(logx.String("comp", "scheduler")))
	if err := sched.Start(); err != nil {
		return err
	}
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		sched.Stop(stopCtx)
		stop()
	}()

	// Roster edits take effect on the next tick; nothing needs restarting.
	go func() {
		if err := mgr.Watch(ctx, nil); err != nil {
			log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	log.Info("rotabot started", logx.String("config", cfgPath))

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("shutting down")
	return nil
}

func logDeliveryEvents(ctx context.Context, bus eventbus.Bus, log logx.Logger) {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Outcome {
			case eventbus.OutcomeSent:
				log.Debug("notification sent", logx.Int64("user", ev.UserID), logx.Bool("admin", ev.Admin))
			case eventbus.OutcomeFailed, eventbus.OutcomeDropped:
				log.Warn("notification not delivered",
					logx.String("outcome", string(ev.Outcome)),
					logx.Int64("user", ev.UserID),
					logx.String("err", ev.Err))
			}
		}
	}
}
