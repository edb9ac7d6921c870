package httpfront

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/brightgate-gw/gwd/internal/authclient"
	"github.com/brightgate-gw/gwd/internal/firewall"
	"github.com/brightgate-gw/gwd/internal/gwconfig"
	"github.com/brightgate-gw/gwd/internal/lifecycle"
	"github.com/brightgate-gw/gwd/internal/session"
)

type fakeArp struct {
	mac string
	err error
}

func (f *fakeArp) Resolve(ip string) (string, error) { return f.mac, f.err }

type fakeLogin struct {
	verdict authclient.Verdict
}

func (f *fakeLogin) Login(ctx context.Context, ip, mac, token string) (authclient.Verdict, error) {
	return f.verdict, nil
}

type noopFirewall struct{}

func (noopFirewall) Init() error                                { return nil }
func (noopFirewall) Destroy()                                   {}
func (noopFirewall) Allow(ip, mac string, mark session.Mark) error { return nil }
func (noopFirewall) Deny(ip, mac string, mark session.Mark) error  { return nil }
func (noopFirewall) ReadCounters() (firewall.Counters, error)      { return firewall.Counters{}, nil }

func testConfig() *gwconfig.Config {
	cfg := gwconfig.Default()
	cfg.GatewayID = "gw1"
	cfg.GatewayAddress = "192.168.1.1"
	cfg.GatewayPort = 2060
	cfg.AuthServers = gwconfig.NewAuthServerList([]gwconfig.AuthServer{
		{Host: "auth.example.com", HTTPPort: 80, BasePath: "/wifidog"},
	})
	return cfg
}

func TestCaptiveRedirect(t *testing.T) {
	tbl := session.NewTable(nil)
	front := New(testConfig(), tbl, &fakeArp{}, &fakeLogin{}, &lifecycle.Glue{Table: tbl, Firewall: noopFirewall{}}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "http://gateway.local/foo?x=1", nil)
	w := httptest.NewRecorder()
	front.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", w.Code)
	}
	loc := w.Header().Get("Location")
	if !strings.HasPrefix(loc, "http://auth.example.com:80/wifidog/login?") {
		t.Fatalf("unexpected Location: %s", loc)
	}
	if !strings.Contains(loc, "gw_id=gw1") {
		t.Fatalf("expected gw_id param in %s", loc)
	}
}

func TestAuthHandlerMissingMAC(t *testing.T) {
	tbl := session.NewTable(nil)
	front := New(testConfig(), tbl, &fakeArp{err: errNotFound{}}, &fakeLogin{}, &lifecycle.Glue{Table: tbl, Firewall: noopFirewall{}}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "http://gateway.local/wifidog/auth?token=tok1", nil)
	w := httptest.NewRecorder()
	front.Handler.ServeHTTP(w, req)

	if !strings.Contains(w.Body.String(), "Failed to retrieve your MAC address") {
		t.Fatalf("expected MAC-not-found message, got %q", w.Body.String())
	}
}

func TestAuthHandlerAllowedPromotes(t *testing.T) {
	tbl := session.NewTable(nil)
	glue := &lifecycle.Glue{Table: tbl, Firewall: noopFirewall{}}
	front := New(testConfig(), tbl, &fakeArp{mac: "aa:bb:cc:dd:ee:ff"}, &fakeLogin{verdict: authclient.Allowed}, glue, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "http://gateway.local/wifidog/auth?token=tok1", nil)
	req.RemoteAddr = "10.0.0.5:54321"
	w := httptest.NewRecorder()
	front.Handler.ServeHTTP(w, req)

	if !strings.Contains(w.Body.String(), "logged in") {
		t.Fatalf("expected success page, got %q", w.Body.String())
	}
	c, ok := tbl.FindByIP("10.0.0.5")
	if !ok || c.Mark != session.MarkKnown {
		t.Fatalf("expected client promoted to KNOWN, got %+v ok=%v", c, ok)
	}
}

func TestStatusDumpListsClients(t *testing.T) {
	tbl := session.NewTable(nil)
	tbl.Append("10.0.0.5", "aa:bb:cc:dd:ee:ff", "tok1")
	front := New(testConfig(), tbl, &fakeArp{}, &fakeLogin{}, &lifecycle.Glue{Table: tbl, Firewall: noopFirewall{}}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "http://gateway.local/wifidog/status", nil)
	w := httptest.NewRecorder()
	front.Handler.ServeHTTP(w, req)

	if !strings.Contains(w.Body.String(), "10.0.0.5") {
		t.Fatalf("expected status dump to list the client, got %q", w.Body.String())
	}
}

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }
