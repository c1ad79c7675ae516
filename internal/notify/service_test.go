package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rotabot/internal/eventbus"
	logx "rotabot/pkg/logx"
)

type fakeSender struct {
	mu       sync.Mutex
	direct   map[int64][]string
	admin    []string
	failures int // fail this many sends before succeeding
}

func newFakeSender() *fakeSender {
	return &fakeSender{direct: map[int64][]string{}}
}

func (f *fakeSender) SendDirect(_ context.Context, userID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("transport down")
	}
	f.direct[userID] = append(f.direct[userID], text)
	return nil
}

func (f *fakeSender) SendAdmin(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("transport down")
	}
	f.admin = append(f.admin, text)
	return nil
}

func (f *fakeSender) directCount(userID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.direct[userID])
}

func (f *fakeSender) adminCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.admin)
}

func fastConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       2,
		QueueSize:     32,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}
}

func TestPipelineDelivers(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	svc := New(fastConfig(), sender, nil, logx.Nop())
	ctx := context.Background()
	svc.Start(ctx)

	if err := svc.SendDirect(ctx, 7, "hello"); err != nil {
		t.Fatalf("SendDirect: %v", err)
	}
	if err := svc.SendAdminSummary(ctx, "summary"); err != nil {
		t.Fatalf("SendAdminSummary: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	svc.Stop(stopCtx)

	if sender.directCount(7) != 1 || sender.adminCount() != 1 {
		t.Fatalf("direct=%v admin=%v", sender.direct, sender.admin)
	}
}

func TestPipelineRetriesTransientFailure(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	sender.failures = 2 // two failures, then success within RetryMax=2
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	svc := New(fastConfig(), sender, bus, logx.Nop())
	ctx := context.Background()
	svc.Start(ctx)
	if err := svc.SendDirect(ctx, 7, "retry me"); err != nil {
		t.Fatalf("SendDirect: %v", err)
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	svc.Stop(stopCtx)

	if sender.directCount(7) != 1 {
		t.Fatalf("deliveries = %v", sender.direct)
	}
	select {
	case ev := <-events:
		if ev.Outcome != eventbus.OutcomeSent {
			t.Fatalf("outcome = %q", ev.Outcome)
		}
	default:
		t.Fatal("expected a sent event")
	}
}

func TestPipelineAbandonsAfterRetryBudget(t *testing.T) {
	t.Parallel()
	sender := newFakeSender()
	sender.failures = 10 // more than 1 + RetryMax attempts
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	svc := New(fastConfig(), sender, bus, logx.Nop())
	ctx := context.Background()
	svc.Start(ctx)
	if err := svc.SendDirect(ctx, 7, "doomed"); err != nil {
		t.Fatalf("SendDirect: %v", err)
	}
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	svc.Stop(stopCtx)

	if sender.directCount(7) != 0 {
		t.Fatalf("deliveries = %v", sender.direct)
	}
	select {
	case ev := <-events:
		if ev.Outcome != eventbus.OutcomeFailed || ev.Err == "" {
			t.Fatalf("event = %+v", ev)
		}
	default:
		t.Fatal("expected a failed event")
	}
}

func TestNotifyWhenDisabledOrStopped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	disabled := New(Config{Enabled: false}, newFakeSender(), nil, logx.Nop())
	disabled.Start(ctx)
	if err := disabled.SendDirect(ctx, 1, "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}

	svc := New(fastConfig(), newFakeSender(), nil, logx.Nop())
	if err := svc.SendDirect(ctx, 1, "x"); !errors.Is(err, ErrStopped) {
		t.Fatalf("before Start err = %v, want ErrStopped", err)
	}
	svc.Start(ctx)
	svc.Stop(ctx)
	if err := svc.SendDirect(ctx, 1, "x"); !errors.Is(err, ErrStopped) {
		t.Fatalf("after Stop err = %v, want ErrStopped", err)
	}
}

func TestNotifyDropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	cfg.RatePerSec = 1 // slow the worker so the queue backs up

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	svc := New(cfg, newFakeSender(), bus, logx.Nop())
	ctx := context.Background()
	svc.Start(ctx)
	defer svc.Stop(ctx)

	var dropped bool
	for i := 0; i < 20; i++ {
		if errors.Is(svc.SendDirect(ctx, 1, "flood"), ErrQueueFull) {
			dropped = true
			break
		}
	}
	if !dropped {
		t.Fatal("flooding a tiny queue must eventually drop")
	}

	for {
		select {
		case ev := <-events:
			if ev.Outcome == eventbus.OutcomeDropped {
				return
			}
		default:
			t.Fatal("expected a dropped event")
		}
	}
}
