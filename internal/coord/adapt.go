package coord

import (
	"context"
	"fmt"
	"time"

	"nightshift/internal/eventbus"
	"nightshift/internal/work"
	logx "nightshift/pkg/logx"
)

// recordOutcomeLocked appends to the trailing outcome record and prunes
// entries older than the metrics window. Caller holds c.mu.
func (c *Coordinator) recordOutcomeLocked(completed bool) {
	now := c.now()
	c.outcomes = append(c.outcomes, outcome{at: now, completed: completed})
	c.pruneOutcomesLocked(now)
}

func (c *Coordinator) pruneOutcomesLocked(now time.Time) {
	cutoff := now.Add(-c.pol.MetricsWindow)
	i := 0
	for i < len(c.outcomes) && c.outcomes[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.outcomes = append([]outcome(nil), c.outcomes[i:]...)
	}
}

// FindStalled returns the Active items that have been running longer than the
// stall threshold. Detection is advisory: stalled items stay Active and keep
// their WIP slot; the operator (or the WIP controller) reacts, the
// coordinator never kills work on its own.
//
// An event is published once per stall episode; re-admission after a retry
// re-arms it.
func (c *Coordinator) FindStalled(ctx context.Context) []*work.Item {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var stalled []*work.Item
	for _, it := range c.q.ByStatus(work.StatusActive) {
		if it.StartedAt == nil {
			continue
		}
		age := now.Sub(*it.StartedAt)
		if age <= c.pol.StallThreshold {
			continue
		}
		stalled = append(stalled, it)
		if !c.stallNotified[it.ID] {
			c.stallNotified[it.ID] = true
			c.log.Warn("work stalled",
				logx.String("id", it.ID),
				logx.Duration("age", age),
				logx.Duration("threshold", c.pol.StallThreshold),
			)
			c.publish(eventbus.TypeWorkStalled, it.ID)
		}
	}
	return stalled
}

// Metrics are the trailing-window signals feeding WIP adaptation.
type Metrics struct {
	CompletionsPerHour float64
	StallRate          float64
	Active             int
	Stalled            int
}

// metricsLocked computes the adaptation signals. StallRate is the share of
// currently Active items past the stall threshold; the completion rate comes
// from the trailing outcome record.
func (c *Coordinator) metricsLocked() Metrics {
	now := c.now()
	c.pruneOutcomesLocked(now)

	var m Metrics
	completions := 0
	for _, o := range c.outcomes {
		if o.completed {
			completions++
		}
	}
	hours := c.pol.MetricsWindow.Hours()
	if hours > 0 {
		m.CompletionsPerHour = float64(completions) / hours
	}

	for _, it := range c.q.ByStatus(work.StatusActive) {
		m.Active++
		if it.StartedAt != nil && now.Sub(*it.StartedAt) > c.pol.StallThreshold {
			m.Stalled++
		}
	}
	if m.Active > 0 {
		m.StallRate = float64(m.Stalled) / float64(m.Active)
	}
	return m
}

// RecomputeWIP adapts the admission limit to the trailing metrics:
//
//   - stall rate above the focus cutoff: drop to FocusWIP; too much is wedged,
//     so narrow the front until things move again
//   - high completion rate with a low stall rate: raise to ThroughputWIP
//   - otherwise: DefaultWIP
//
// The result is clamped to [MinWIP, MaxWIP]. Lowering the limit never
// preempts running items; admissions just pause until the count drains.
func (c *Coordinator) RecomputeWIP(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkFailClosedLocked(); err != nil {
		return 0, err
	}

	m := c.metricsLocked()
	target := c.pol.DefaultWIP
	switch {
	case m.StallRate > c.pol.StallRateFocus:
		target = c.pol.FocusWIP
	case m.CompletionsPerHour > c.pol.CompletionsPerHour && m.StallRate < c.pol.StallRateLow:
		target = c.pol.ThroughputWIP
	}
	target = c.pol.Clamp(target)

	if target == c.wipLimit {
		return target, nil
	}
	old := c.wipLimit
	c.wipLimit = target
	c.log.Info("wip limit adapted",
		logx.Int("old", old),
		logx.Int("new", target),
		logx.Float64("stall_rate", m.StallRate),
		logx.Float64("completions_per_hour", m.CompletionsPerHour),
	)
	c.publish(eventbus.TypeWIPChanged, map[string]int{"old": old, "new": target})

	if err := c.persistLocked(ctx, "recompute_wip", "", fmt.Sprintf("%d -> %d", old, target)); err != nil {
		return target, err
	}
	if target > old {
		// A raised limit may have freed slots.
		if _, err := c.scheduleLocked(ctx); err != nil {
			return target, err
		}
	}
	return target, nil
}

// ResetQuota forces a renewal on every tier and persists it. Wired to the
// daily cron trigger so the renewal is durable immediately rather than on the
// next lazy access.
func (c *Coordinator) ResetQuota(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ledger.Reset()
	c.log.Info("quota reset", logx.Any("tiers", c.ledger.Tiers()))
	c.publish(eventbus.TypeQuotaReset, nil)
	return c.persistLocked(ctx, "quota_reset", "", "")
}
