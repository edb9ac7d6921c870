package authclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/brightgate-gw/gwd/internal/gwconfig"
	"github.com/brightgate-gw/gwd/internal/gwerrors"
	"github.com/brightgate-gw/gwd/internal/gwlog"
	"github.com/brightgate-gw/gwd/internal/metrics"
)

// dialDeadline bounds every individual HTTP attempt, connect through read
// (SPEC_FULL.md §5: "every network call has a bounded deadline").
const dialDeadline = 30 * time.Second

// Client issues login/counters/logout/ping calls against the configured
// auth-server list, applying the destructive failover policy on transport
// or parse failure and a bounded per-attempt retry underneath it.
type Client struct {
	cfg  *gwconfig.Config
	slog *zap.SugaredLogger

	http *retryablehttp.Client

	// resolved pins requests against DNS flapping: hostname -> last good
	// dotted-quad, purged whenever that server is demoted.
	resolved *lru.Cache

	resolve func(ctx context.Context, host string) (string, error)

	mtr *metrics.Metrics
}

// New returns a Client bound to cfg's auth-server list. mtr may be nil in
// tests that don't care about failover counting.
func New(cfg *gwconfig.Config, slog *zap.SugaredLogger, mtr *metrics.Metrics) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = dialDeadline
	rc.Logger = nil // the daemon's own zap logger covers this, not retryablehttp's leveled.Logger

	cache, _ := lru.New(8)
	c := &Client{cfg: cfg, slog: slog, http: rc, resolved: cache, mtr: mtr}
	c.resolve = c.lookupHost
	return c
}

func (c *Client) lookupHost(ctx context.Context, host string) (string, error) {
	var resolver net.Resolver
	addrs, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("authclient: no addresses for %s", host)
	}
	return addrs[0], nil
}

// Login performs stage=login and returns the remote verdict.
func (c *Client) Login(ctx context.Context, ip, mac, token string) (Verdict, error) {
	return c.attempt(ctx, "login", url.Values{
		"ip": {ip}, "mac": {mac}, "token": {token},
	})
}

// Counters performs stage=counters, reporting the currently observed byte
// totals and returning the remote verdict.
func (c *Client) Counters(ctx context.Context, ip, mac, token string, incoming, outgoing uint64) (Verdict, error) {
	return c.attempt(ctx, "counters", url.Values{
		"ip": {ip}, "mac": {mac}, "token": {token},
		"incoming": {strconv.FormatUint(incoming, 10)},
		"outgoing": {strconv.FormatUint(outgoing, 10)},
	})
}

// Logout performs stage=logout. It is best-effort: the response verdict is
// discarded, and only transport errors after exhausting failover are
// returned, purely for logging purposes by the caller.
func (c *Client) Logout(ctx context.Context, ip, mac, token string, incoming, outgoing uint64) error {
	_, err := c.attempt(ctx, "logout", url.Values{
		"ip": {ip}, "mac": {mac}, "token": {token},
		"incoming": {strconv.FormatUint(incoming, 10)},
		"outgoing": {strconv.FormatUint(outgoing, 10)},
	})
	return err
}

// Ping performs a liveness probe against the current preferred server. It
// never triggers failover and never touches session state; its only
// purpose is to keep that server's resolved-IP cache entry warm and report
// reachability to the caller through the returned error.
func (c *Client) Ping(ctx context.Context, sysUptime, sysMemFree, wifidogUptime uint64) error {
	servers := c.cfg.AuthServers.Snapshot()
	if len(servers) == 0 {
		return gwerrors.New(gwerrors.ConfigInvalid, "no auth servers configured", nil)
	}
	values := url.Values{
		"sys_uptime":     {strconv.FormatUint(sysUptime, 10)},
		"sys_memfree":    {strconv.FormatUint(sysMemFree, 10)},
		"wifidog_uptime": {strconv.FormatUint(wifidogUptime, 10)},
	}
	_, err := c.doOne(ctx, servers[0], "ping", values)
	return err
}

// attempt runs the failover loop: try the current head of the server list,
// demoting on transport or parse failure, until a verdict other than Error
// comes back or auth_max_tries distinct servers have been tried.
func (c *Client) attempt(ctx context.Context, stage string, values url.Values) (Verdict, error) {
	tries := c.cfg.AuthMaxTries
	if tries <= 0 {
		tries = 1
	}
	if n := c.cfg.AuthServers.Len(); n < tries {
		tries = n
	}
	if tries == 0 {
		return Error, gwerrors.New(gwerrors.ConfigInvalid, "no auth servers configured", nil)
	}

	var lastErr error
	for i := 0; i < tries; i++ {
		servers := c.cfg.AuthServers.Snapshot()
		if len(servers) == 0 {
			return Error, gwerrors.New(gwerrors.ConfigInvalid, "no auth servers configured", nil)
		}
		srv := servers[0]
		verdict, err := c.doOne(ctx, srv, stage, values)
		if err == nil && verdict != Error {
			return verdict, nil
		}
		lastErr = err
		c.resolved.Remove(srv.Host)
		c.cfg.AuthServers.DemoteCurrent()
		if c.mtr != nil {
			c.mtr.AuthFailoverTotal.Inc()
		}
		if c.slog != nil {
			gwlog.GetThrottled(c.slog, 5*time.Second, 5*time.Minute).
				Warnf("authclient: %s attempt against %s failed, demoting: %v", stage, srv.Host, err)
		}
	}
	if lastErr == nil {
		lastErr = gwerrors.New(gwerrors.NetworkTransient, "auth server returned an unparseable verdict", nil)
	}
	return Error, lastErr
}

// doOne issues a single HTTP GET against srv and parses its verdict. A
// network error or unparseable body both surface as a non-nil error here;
// the caller (attempt) treats them identically for failover purposes, per
// the wire protocol's "transport failure (connect/timeout/parse error)"
// rule.
func (c *Client) doOne(parent context.Context, srv gwconfig.AuthServer, stage string, values url.Values) (Verdict, error) {
	ctx, cancel := context.WithTimeout(parent, dialDeadline)
	defer cancel()

	host := srv.LastResolvedIP
	if host == "" {
		if cached, ok := c.resolved.Get(srv.Host); ok {
			host = cached.(string)
		}
	}
	if host == "" {
		resolved, err := c.resolve(ctx, srv.Host)
		if err != nil {
			return Error, err
		}
		host = resolved
	}

	port := srv.HTTPPort
	scheme := "http"
	if srv.UseSSL {
		scheme = "https"
		port = srv.SSLPort
	}

	values = cloneValues(values)
	values.Set("stage", stage)
	values.Set("gw_id", c.cfg.GatewayID)

	u := url.URL{
		Scheme:   scheme,
		Host:     fmt.Sprintf("%s:%d", host, port),
		Path:     srv.BasePath + "/auth/",
		RawQuery: values.Encode(),
	}

	stdReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Error, err
	}
	stdReq.Host = srv.Host

	req, err := retryablehttp.FromRequest(stdReq)
	if err != nil {
		return Error, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Error, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Error, err
	}

	c.resolved.Add(srv.Host, host)
	c.cfg.AuthServers.SetResolvedIP(srv.Host, host)

	return parseVerdict(body), nil
}

func cloneValues(v url.Values) url.Values {
	cp := make(url.Values, len(v))
	for k, vals := range v {
		cp[k] = append([]string{}, vals...)
	}
	return cp
}
