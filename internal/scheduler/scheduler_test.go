package scheduler

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/brightgate-gw/gwd/internal/authclient"
	"github.com/brightgate-gw/gwd/internal/firewall"
	"github.com/brightgate-gw/gwd/internal/gwconfig"
	"github.com/brightgate-gw/gwd/internal/lifecycle"
	"github.com/brightgate-gw/gwd/internal/session"
)

type fakeFirewall struct {
	counters firewall.Counters
	allowed  map[string]session.Mark
	denied   []string
}

func (f *fakeFirewall) Init() error { return nil }
func (f *fakeFirewall) Destroy()    {}
func (f *fakeFirewall) Allow(ip, mac string, mark session.Mark) error {
	if f.allowed == nil {
		f.allowed = make(map[string]session.Mark)
	}
	f.allowed[ip] = mark
	return nil
}
func (f *fakeFirewall) Deny(ip, mac string, mark session.Mark) error {
	delete(f.allowed, ip)
	f.denied = append(f.denied, ip)
	return nil
}
func (f *fakeFirewall) ReadCounters() (firewall.Counters, error) { return f.counters, nil }

type fakeAuthCounters struct {
	verdict authclient.Verdict
}

func (f *fakeAuthCounters) Counters(ctx context.Context, ip, mac, token string, incoming, outgoing uint64) (authclient.Verdict, error) {
	return f.verdict, nil
}
func (f *fakeAuthCounters) Logout(ctx context.Context, ip, mac, token string, incoming, outgoing uint64) error {
	return nil
}

func TestTickPromotesOnAllowedVerdict(t *testing.T) {
	tbl := session.NewTable(nil)
	tbl.Append("10.0.0.5", "aa:bb:cc:dd:ee:ff", "tok1")

	fw := &fakeFirewall{counters: firewall.Counters{
		Incoming:  firewall.CounterSample{"10.0.0.5": 10},
		Outgoing:  firewall.CounterSample{"10.0.0.5": 20},
		ToGateway: firewall.CounterSample{"10.0.0.5": 30},
	}}
	auth := &fakeAuthCounters{verdict: authclient.Allowed}
	glue := &lifecycle.Glue{Table: tbl, Firewall: fw, Auth: auth}

	cfg := gwconfig.Default()
	cfg.CheckInterval = time.Hour
	cfg.ClientTimeout = 5

	s := &Scheduler{cfg: cfg, table: tbl, fw: fw, auth: auth, glue: glue, slog: zap.NewNop().Sugar(), startedAt: time.Now()}
	s.tick(context.Background())

	c, _ := tbl.FindByIP("10.0.0.5")
	if c.Mark != session.MarkKnown {
		t.Fatalf("expected promotion to KNOWN, got %v", c.Mark)
	}
	if c.Counters.Incoming != 0 {
		t.Fatalf("expected counters reset on promotion, got %+v", c.Counters)
	}
}

func TestTickEvictsOnInactivityTimeout(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	tbl := session.NewTable(func() time.Time { return past })
	tbl.Append("10.0.0.5", "aa:bb:cc:dd:ee:ff", "tok1")

	fw := &fakeFirewall{counters: firewall.Counters{
		Incoming: firewall.CounterSample{}, Outgoing: firewall.CounterSample{}, ToGateway: firewall.CounterSample{},
	}}
	auth := &fakeAuthCounters{verdict: authclient.Error}
	glue := &lifecycle.Glue{Table: tbl, Firewall: fw, Auth: auth}

	cfg := gwconfig.Default()
	cfg.CheckInterval = time.Second
	cfg.ClientTimeout = 1

	s := &Scheduler{cfg: cfg, table: tbl, fw: fw, auth: auth, glue: glue, slog: zap.NewNop().Sugar(), startedAt: time.Now()}
	s.tick(context.Background())

	if _, ok := tbl.FindByIP("10.0.0.5"); ok {
		t.Fatalf("expected eviction after timeout")
	}
}
