package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/brightgate-gw/gwd/internal/authclient"
	"github.com/brightgate-gw/gwd/internal/firewall"
	"github.com/brightgate-gw/gwd/internal/session"
)

type fakeBackend struct {
	allowed   map[string]session.Mark
	denied    []string
	failAllow bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{allowed: make(map[string]session.Mark)}
}

func (f *fakeBackend) Init() error { return nil }
func (f *fakeBackend) Destroy()    {}

func (f *fakeBackend) Allow(ip, mac string, mark session.Mark) error {
	if f.failAllow {
		return errMock
	}
	f.allowed[ip] = mark
	return nil
}

func (f *fakeBackend) Deny(ip, mac string, mark session.Mark) error {
	delete(f.allowed, ip)
	f.denied = append(f.denied, ip)
	return nil
}

func (f *fakeBackend) ReadCounters() (firewall.Counters, error) { return firewall.Counters{}, nil }

type fakeAuth struct {
	loggedOut []string
}

func (f *fakeAuth) Logout(ctx context.Context, ip, mac, token string, incoming, outgoing uint64) error {
	f.loggedOut = append(f.loggedOut, ip)
	return nil
}

type mockErr struct{}

func (mockErr) Error() string { return "mock" }

var errMock = mockErr{}

func newGlue() (*Glue, *fakeBackend, *fakeAuth, *session.Table) {
	tbl := session.NewTable(func() time.Time { return time.Unix(1000, 0) })
	fb := newFakeBackend()
	fa := &fakeAuth{}
	g := &Glue{Table: tbl, Firewall: fb, Auth: fa}
	return g, fb, fa, tbl
}

func TestApplyVerdictAllowedPromotes(t *testing.T) {
	g, fb, _, tbl := newGlue()
	tbl.Append("10.0.0.5", "aa:bb:cc:dd:ee:ff", "tok1")

	g.ApplyVerdict(context.Background(), "10.0.0.5", authclient.Allowed)

	c, _ := tbl.FindByIP("10.0.0.5")
	if c.Mark != session.MarkKnown {
		t.Fatalf("expected KNOWN, got %v", c.Mark)
	}
	if fb.allowed["10.0.0.5"] != session.MarkKnown {
		t.Fatalf("expected firewall allow installed with KNOWN mark")
	}
}

func TestApplyVerdictAllowedNoOpWhenAlreadyKnown(t *testing.T) {
	g, fb, _, tbl := newGlue()
	tbl.Append("10.0.0.5", "aa:bb:cc:dd:ee:ff", "tok1")
	tbl.SetMark("10.0.0.5", session.MarkKnown)

	g.ApplyVerdict(context.Background(), "10.0.0.5", authclient.Allowed)

	if len(fb.allowed) != 0 {
		t.Fatalf("expected no additional firewall calls, got %+v", fb.allowed)
	}
}

func TestApplyVerdictDeniedEvicts(t *testing.T) {
	g, fb, fa, tbl := newGlue()
	tbl.Append("10.0.0.5", "aa:bb:cc:dd:ee:ff", "tok1")
	tbl.SetMark("10.0.0.5", session.MarkKnown)
	fb.allowed["10.0.0.5"] = session.MarkKnown

	g.ApplyVerdict(context.Background(), "10.0.0.5", authclient.Denied)

	if _, ok := tbl.FindByIP("10.0.0.5"); ok {
		t.Fatalf("expected client removed from table")
	}
	if _, ok := fb.allowed["10.0.0.5"]; ok {
		t.Fatalf("expected firewall rules removed")
	}
	if len(fa.loggedOut) != 1 || fa.loggedOut[0] != "10.0.0.5" {
		t.Fatalf("expected best-effort logout, got %+v", fa.loggedOut)
	}
}

func TestApplyVerdictValidationIsNoOp(t *testing.T) {
	g, fb, _, tbl := newGlue()
	tbl.Append("10.0.0.5", "aa:bb:cc:dd:ee:ff", "tok1")

	g.ApplyVerdict(context.Background(), "10.0.0.5", authclient.Validation)

	c, _ := tbl.FindByIP("10.0.0.5")
	if c.Mark != session.MarkUnknown {
		t.Fatalf("expected mark unchanged, got %v", c.Mark)
	}
	if len(fb.allowed) != 0 {
		t.Fatalf("expected no firewall calls")
	}
}

func TestApplyVerdictLockedChangesMarkAndRules(t *testing.T) {
	g, fb, _, tbl := newGlue()
	tbl.Append("10.0.0.5", "aa:bb:cc:dd:ee:ff", "tok1")
	tbl.SetMark("10.0.0.5", session.MarkKnown)
	fb.allowed["10.0.0.5"] = session.MarkKnown

	g.ApplyVerdict(context.Background(), "10.0.0.5", authclient.Locked)

	c, _ := tbl.FindByIP("10.0.0.5")
	if c.Mark != session.MarkLocked {
		t.Fatalf("expected LOCKED, got %v", c.Mark)
	}
	if fb.allowed["10.0.0.5"] != session.MarkLocked {
		t.Fatalf("expected firewall rule reinstalled with LOCKED mark, got %+v", fb.allowed)
	}
}

func TestEvictForcesRemoval(t *testing.T) {
	g, fb, fa, tbl := newGlue()
	tbl.Append("10.0.0.5", "aa:bb:cc:dd:ee:ff", "tok1")
	fb.allowed["10.0.0.5"] = session.MarkUnknown

	if !g.Evict(context.Background(), "10.0.0.5") {
		t.Fatalf("expected Evict to report the client existed")
	}
	if _, ok := tbl.FindByIP("10.0.0.5"); ok {
		t.Fatalf("expected removal")
	}
	if len(fa.loggedOut) != 1 {
		t.Fatalf("expected best-effort logout")
	}

	if g.Evict(context.Background(), "10.0.0.5") {
		t.Fatalf("expected Evict on an absent client to report false")
	}
}
