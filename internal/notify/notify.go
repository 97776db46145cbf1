// Package notify pushes operator alerts to a Telegram chat.
//
// Delivery is best-effort: messages queue into a bounded buffer and a single
// worker drains it under a rate limit. When the buffer is full the newest
// message is dropped; the coordinator must never block on the notifier.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"nightshift/internal/eventbus"
	"nightshift/internal/nightrun"
	logx "nightshift/pkg/logx"
)

type Config struct {
	Token      string
	ChatID     int64
	RatePerSec int
}

// Sender is the transport seam; *tele.Bot satisfies it.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Service struct {
	sender Sender
	chat   tele.ChatID
	lim    *rate.Limiter
	queue  chan string
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) (*Service, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("notify: token is required")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("notify: chat_id is required")
	}
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	return newWithSender(cfg, bot, log), nil
}

func newWithSender(cfg Config, s Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps < 1 {
		rps = 1
	}
	return &Service{
		sender: s,
		chat:   tele.ChatID(cfg.ChatID),
		lim:    rate.NewLimiter(rate.Limit(rps), rps),
		queue:  make(chan string, 64),
		log:    log.With(logx.String("component", "notify")),
	}
}

// Push enqueues a message. Never blocks; drops when the buffer is full.
func (s *Service) Push(text string) {
	select {
	case s.queue <- text:
	default:
		s.log.Warn("notify queue full, dropping message")
	}
}

// Run drains the queue until ctx is done. Intended for a supervisor goroutine.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-s.queue:
			if err := s.lim.Wait(ctx); err != nil {
				return err
			}
			if _, err := s.sender.Send(s.chat, msg); err != nil {
				s.log.Warn("send failed", logx.Err(err))
			}
		}
	}
}

// Observe subscribes to the event stream and pushes the operator-relevant
// subset: permanent failures, stalls, WIP changes, and the morning window
// report.
func (s *Service) Observe(ctx context.Context, bus eventbus.Bus, lastReport func() *nightrun.Report) error {
	ch, unsub := bus.Subscribe(32)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			switch ev.Type {
			case eventbus.TypeWorkPermanent:
				s.Push(fmt.Sprintf("❌ work %v permanently failed (retries exhausted)", ev.Data))
			case eventbus.TypeWorkStalled:
				s.Push(fmt.Sprintf("⚠️ work %v looks stalled", ev.Data))
			case eventbus.TypeWIPChanged:
				s.Push(fmt.Sprintf("concurrency limit changed: %v", ev.Data))
			case eventbus.TypeWindowClosed:
				rep := lastReport()
				if rep == nil {
					if r, ok := ev.Data.(*nightrun.Report); ok {
						rep = r
					}
				}
				if rep != nil {
					s.Push(FormatReport(rep))
				}
			}
		}
	}
}

// FormatReport renders the overnight summary read over morning coffee.
func FormatReport(rep *nightrun.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🌙 overnight window %s - %s\n",
		rep.OpenedAt.Format("15:04"), rep.ClosedAt.Format("15:04"))
	fmt.Fprintf(&b, "completed: %d, failed: %d, skipped: %d, interrupted: %d\n",
		len(rep.Completed), len(rep.Failed), len(rep.Skipped), len(rep.Interrupted))
	for _, it := range rep.Completed {
		fmt.Fprintf(&b, "  ✅ %s (%s)\n", it.ID, it.Elapsed.Round(time.Second))
	}
	for _, it := range rep.Failed {
		fmt.Fprintf(&b, "  ❌ %s: %s\n", it.ID, it.Reason)
	}
	for _, it := range rep.Skipped {
		fmt.Fprintf(&b, "  ⏭ %s: %s\n", it.ID, it.Reason)
	}
	for _, id := range rep.Interrupted {
		fmt.Fprintf(&b, "  ↩ %s requeued at close\n", id)
	}
	return strings.TrimRight(b.String(), "\n")
}
