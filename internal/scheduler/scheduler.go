// Package scheduler runs the daemon's periodic tasks: the counter-sync-
// and-decide tick, the inactivity sweep folded into it, and a low-frequency
// background liveness probe. Each task observes ctx.Done() at its next
// safe point and exits; nothing retries in a tight loop, everything is
// paced by the tick.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/brightgate-gw/gwd/internal/authclient"
	"github.com/brightgate-gw/gwd/internal/firewall"
	"github.com/brightgate-gw/gwd/internal/gwconfig"
	"github.com/brightgate-gw/gwd/internal/gwlog"
	"github.com/brightgate-gw/gwd/internal/lifecycle"
	"github.com/brightgate-gw/gwd/internal/metrics"
	"github.com/brightgate-gw/gwd/internal/session"
)

// authCounters is the subset of *authclient.Client the tick needs.
type authCounters interface {
	Counters(ctx context.Context, ip, mac, token string, incoming, outgoing uint64) (authclient.Verdict, error)
}

// pinger is the subset of *authclient.Client the liveness probe needs.
type pinger interface {
	Ping(ctx context.Context, sysUptime, sysMemFree, wifidogUptime uint64) error
}

// Scheduler drives the tick (with its inactivity sweep) and the ping probe
// from the single loop in Run.
type Scheduler struct {
	cfg   *gwconfig.Config
	table *session.Table
	fw    firewall.Backend
	auth  authCounters
	ping  pinger
	glue  *lifecycle.Glue
	mtr   *metrics.Metrics
	slog  *zap.SugaredLogger

	startedAt time.Time
}

// New builds a Scheduler. startedAt is recorded for the ping probe's
// uptime field.
func New(cfg *gwconfig.Config, table *session.Table, fw firewall.Backend, auth *authclient.Client,
	glue *lifecycle.Glue, mtr *metrics.Metrics, slog *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		cfg: cfg, table: table, fw: fw, auth: auth, ping: auth,
		glue: glue, mtr: mtr, slog: slog, startedAt: time.Now(),
	}
}

// Run blocks, driving the tick and the background ping probe, until ctx is
// canceled.
func (s *Scheduler) Run(ctx context.Context) {
	tickPeriod := s.cfg.CheckInterval
	if tickPeriod <= 0 {
		tickPeriod = time.Minute
	}
	pingPeriod := 10 * tickPeriod

	tickTimer := time.NewTicker(tickPeriod)
	defer tickTimer.Stop()
	pingTimer := time.NewTicker(pingPeriod)
	defer pingTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickTimer.C:
			s.tick(ctx)
		case <-pingTimer.C:
			s.probe(ctx)
		}
	}
}

// tick implements the counter-and-decide cycle of SPEC_FULL.md §4.5: read
// counters, fold them in, ask the auth server for a verdict per client,
// apply it, then sweep anyone who has been inactive too long.
func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		if s.mtr != nil {
			s.mtr.TickDuration.Observe(time.Since(start).Seconds())
		}
	}()

	clients := s.table.Snapshot()

	counters, err := s.fw.ReadCounters()
	if err != nil && s.slog != nil {
		s.slog.Warnf("scheduler: reading firewall counters: %v (tick continues with stale counters)", err)
	}

	for _, c := range clients {
		sample := session.Counters{
			Incoming:  counters.Incoming[c.IP],
			Outgoing:  counters.Outgoing[c.IP],
			ToGateway: counters.ToGateway[c.IP],
		}
		s.table.UpdateCounters(c.IP, sample)
	}

	if s.mtr != nil {
		s.mtr.SetClientCounts(countsByMarkName(s.table.CountByMark()))
	}

	timeout := s.cfg.ClientTimeoutDuration()
	now := time.Now()

	for _, c := range clients {
		current, ok := s.table.FindByIP(c.IP)
		if !ok {
			continue
		}
		if timeout > 0 && now.Sub(current.LastUpdated) > timeout {
			s.glue.Evict(ctx, current.IP)
			continue
		}

		verdict, err := s.auth.Counters(ctx, current.IP, current.MAC, current.Token,
			current.Counters.Incoming, current.Counters.Outgoing)
		if err != nil {
			if s.slog != nil {
				gwlog.GetThrottled(s.slog, 5*time.Second, 5*time.Minute).
					Warnf("scheduler: counters check for %s errored: %v", current.IP, err)
			}
			continue
		}
		s.glue.ApplyVerdict(ctx, current.IP, verdict)
	}
}

// probe runs the low-frequency liveness check against the current
// preferred auth server. It never affects session state; it only keeps
// the resolved-IP cache warm. A failure is logged through a throttled
// warning; it neither demotes the server nor updates any metric.
func (s *Scheduler) probe(ctx context.Context) {
	uptime := uint64(time.Since(s.startedAt).Seconds())
	if err := s.ping.Ping(ctx, uptime, 0, uptime); err != nil && s.slog != nil {
		gwlog.GetThrottled(s.slog, 5*time.Second, 5*time.Minute).
			Warnf("scheduler: ping probe failed: %v", err)
	}
}

func countsByMarkName(counts map[session.Mark]int) map[string]int {
	out := make(map[string]int, len(counts))
	for mark, n := range counts {
		out[mark.String()] = n
	}
	return out
}
