// Package lifecycle couples the client table, the firewall backend, and
// the auth client together: it is the only place that applies an auth
// verdict to a session, so every transition goes through one state
// machine regardless of whether it was triggered by a login request or a
// periodic tick.
package lifecycle

import (
	"context"

	"go.uber.org/zap"

	"github.com/brightgate-gw/gwd/internal/authclient"
	"github.com/brightgate-gw/gwd/internal/firewall"
	"github.com/brightgate-gw/gwd/internal/metrics"
	"github.com/brightgate-gw/gwd/internal/session"
)

// AuthClient is the subset of *authclient.Client the lifecycle glue needs;
// an interface so tests can substitute a stub instead of dialing a real
// auth server.
type AuthClient interface {
	Logout(ctx context.Context, ip, mac, token string, incoming, outgoing uint64) error
}

// Glue binds the table, firewall backend, auth client, and metrics that
// verdict application touches.
type Glue struct {
	Table    *session.Table
	Firewall firewall.Backend
	Auth     AuthClient
	Metrics  *metrics.Metrics
	Slog     *zap.SugaredLogger
}

// ApplyVerdict transitions the session at ip according to the
// verdict-to-state mapping. It is the sole writer of fw_mark and the sole
// caller of firewall.Allow/Deny on behalf of an auth decision.
func (g *Glue) ApplyVerdict(ctx context.Context, ip string, v authclient.Verdict) {
	client, ok := g.Table.FindByIP(ip)
	if !ok {
		return
	}

	if g.Metrics != nil {
		g.Metrics.AuthRequestsTotal.WithLabelValues("verdict", v.String()).Inc()
	}

	switch v {
	case authclient.Allowed:
		if client.Mark == session.MarkKnown {
			return
		}
		if err := g.Firewall.Allow(client.IP, client.MAC, session.MarkKnown); err != nil {
			if g.Slog != nil {
				g.Slog.Warnf("lifecycle: firewall allow failed for %s, leaving unpromoted: %v", ip, err)
			}
			return
		}
		g.Table.Mutate(ip, func(c *session.Client) {
			c.Mark = session.MarkKnown
			c.Counters = session.Counters{}
		})

	case authclient.Denied, authclient.ValidationFailed:
		g.evict(ctx, client, "denied")

	case authclient.Validation:
		// Still inside the probation window; no state change.

	case authclient.Locked:
		if client.Mark != session.MarkLocked {
			if err := g.Firewall.Deny(client.IP, client.MAC, client.Mark); err != nil && g.Slog != nil {
				g.Slog.Warnf("lifecycle: removing pre-lock rules for %s: %v", ip, err)
			}
			if err := g.Firewall.Allow(client.IP, client.MAC, session.MarkLocked); err != nil && g.Slog != nil {
				g.Slog.Warnf("lifecycle: installing locked rules for %s: %v", ip, err)
			}
			g.Table.SetMark(ip, session.MarkLocked)
		}

	case authclient.Error:
		// No-op; retried next tick.
	}
}

// Evict forces removal of the session at ip: deny firewall rules, delete
// from the table, best-effort logout. Used both by verdict application
// (DENIED/VALIDATION_FAILED), the inactivity sweep, and gwctl kill.
func (g *Glue) Evict(ctx context.Context, ip string) bool {
	client, ok := g.Table.FindByIP(ip)
	if !ok {
		return false
	}
	g.evict(ctx, client, "inactivity-or-command")
	return true
}

func (g *Glue) evict(ctx context.Context, client session.Client, reason string) {
	if err := g.Firewall.Deny(client.IP, client.MAC, client.Mark); err != nil && g.Slog != nil {
		g.Slog.Warnf("lifecycle: deny failed evicting %s (%s): %v", client.IP, reason, err)
	}
	g.Table.Delete(client.IP)
	if err := g.Auth.Logout(ctx, client.IP, client.MAC, client.Token, client.Counters.Incoming, client.Counters.Outgoing); err != nil && g.Slog != nil {
		g.Slog.Debugf("lifecycle: best-effort logout failed for %s: %v", client.IP, err)
	}
}
