// Package httpfront serves the captive-portal daemon's local endpoints:
// the redirect-to-portal dance for unauthenticated clients, the auth
// callback, a status dump, and the Prometheus metrics handler, mounted on
// the same router with no source-address restriction of its own.
package httpfront

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/securecookie"
	apachelog "github.com/lestrrat-go/apache-logformat"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/negroni"
	"go.uber.org/zap"

	"github.com/brightgate-gw/gwd/internal/authclient"
	"github.com/brightgate-gw/gwd/internal/gwconfig"
	"github.com/brightgate-gw/gwd/internal/lifecycle"
	"github.com/brightgate-gw/gwd/internal/session"
)

const version = "1.0"

// ArpResolver is the subset of *arp.Resolver the auth handler needs.
type ArpResolver interface {
	Resolve(ip string) (string, error)
}

// VendorLookup annotates a MAC with its hardware vendor for the status
// dump; returns "" when unknown.
type VendorLookup func(mac string) string

// Login is the subset of *authclient.Client the auth handler needs.
type Login interface {
	Login(ctx context.Context, ip, mac, token string) (authclient.Verdict, error)
}

// Front wires the captive-portal routes onto a gorilla/mux router wrapped
// in negroni's panic-recovery and an apache-combined-log-format access
// logger, the way the rest of the daemon family fronts its embedded
// servers.
type Front struct {
	cfg    *gwconfig.Config
	table  *session.Table
	arp    ArpResolver
	auth   Login
	glue   *lifecycle.Glue
	vendor VendorLookup
	slog   *zap.SugaredLogger

	nonceCodec *securecookie.SecureCookie

	Handler http.Handler
}

// New builds a Front and its handler chain.
func New(cfg *gwconfig.Config, table *session.Table, arp ArpResolver, auth Login,
	glue *lifecycle.Glue, vendor VendorLookup, slog *zap.SugaredLogger) *Front {

	f := &Front{
		cfg: cfg, table: table, arp: arp, auth: auth, glue: glue, vendor: vendor, slog: slog,
		nonceCodec: securecookie.New(securecookie.GenerateRandomKey(64), nil),
	}

	router := mux.NewRouter()
	router.HandleFunc("/wifidog/about", f.handleAbout).Methods(http.MethodGet)
	router.HandleFunc("/wifidog/auth", f.handleAuth).Methods(http.MethodGet)
	router.HandleFunc("/wifidog/status", f.handleStatus).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.PathPrefix("/").HandlerFunc(f.handleCaptiveRedirect)

	n := negroni.New(negroni.NewRecovery())
	n.UseHandler(apachelog.CombinedLog.Wrap(router, f))
	f.Handler = n

	return f
}

// Write implements io.Writer so the apache-logformat wrapper can pipe
// formatted access-log lines through the structured logger instead of
// stdout.
func (f *Front) Write(p []byte) (int, error) {
	if f.slog != nil {
		f.slog.Info(strings.TrimRight(string(p), "\n"))
	}
	return len(p), nil
}

func (f *Front) preferredServer() (gwconfig.AuthServer, bool) {
	servers := f.cfg.AuthServers.Snapshot()
	if len(servers) == 0 {
		return gwconfig.AuthServer{}, false
	}
	return servers[0], true
}

// handleCaptiveRedirect implements the redirect-to-portal dance for `/`
// and any unmatched path: the client has not yet authenticated, so send
// them to the configured auth server's login page with enough query
// parameters to find their way back.
func (f *Front) handleCaptiveRedirect(w http.ResponseWriter, r *http.Request) {
	srv, ok := f.preferredServer()
	if !ok {
		http.Error(w, "no auth server configured", http.StatusServiceUnavailable)
		return
	}

	scheme := "http"
	port := srv.HTTPPort
	if srv.UseSSL {
		scheme = "https"
		port = srv.SSLPort
	}

	originalURL := r.URL.String()
	if !r.URL.IsAbs() {
		originalURL = "http://" + r.Host + r.URL.RequestURI()
	}

	loginURL := url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", srv.Host, port),
		Path:   strings.TrimSuffix(srv.BasePath, "/") + "/login",
	}
	q := url.Values{
		"gw_address": {f.cfg.GatewayAddress},
		"gw_port":    {fmt.Sprintf("%d", f.cfg.GatewayPort)},
		"gw_id":      {f.cfg.GatewayID},
		"url":        {originalURL},
	}
	if nonce, err := f.nonceCodec.Encode("state", originalURL); err == nil {
		q.Set("state", nonce)
	}
	loginURL.RawQuery = q.Encode()

	w.Header().Set("Location", loginURL.String())
	w.WriteHeader(http.StatusTemporaryRedirect)
	fmt.Fprintf(w, "<html><body>Please <a href=\"%s\">authenticate yourself here</a>.</body></html>",
		htmlEscape(loginURL.String()))
}

func (f *Front) handleAbout(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "<html><body>%s gateway daemon, version %s</body></html>", f.cfg.HTTPDName, version)
}

// handleAuth implements the per-request auth task of SPEC_FULL.md §4.4/4.5.
func (f *Front) handleAuth(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}

	remoteIP := clientIP(r)

	mac, err := f.arp.Resolve(remoteIP)
	if err != nil {
		if f.slog != nil {
			f.slog.Debugf("httpfront: arp lookup failed for %s: %v", remoteIP, err)
		}
		http.Error(w, "Failed to retrieve your MAC address", http.StatusOK)
		return
	}

	if f.slog != nil {
		f.slog.Debugf("httpfront: auth request ip=%s mac=%s token=%s", remoteIP, mac, token)
	}

	if _, _, err := f.table.Append(remoteIP, mac, token); err != nil {
		if dup, ok := err.(*session.DuplicateError); ok {
			if f.slog != nil {
				f.slog.Debugf("httpfront: duplicate session append ignored: %v", dup)
			}
		}
	}

	verdict, err := f.auth.Login(r.Context(), remoteIP, mac, token)
	if err != nil && f.slog != nil {
		f.slog.Warnf("httpfront: login call for %s failed: %v", remoteIP, err)
	}
	f.glue.ApplyVerdict(r.Context(), remoteIP, verdict)

	if verdict == authclient.Allowed {
		fmt.Fprint(w, "<html><body>You are now logged in. Enjoy!</body></html>")
		return
	}

	f.handleCaptiveRedirect(w, r)
}

// handleStatus dumps the live client table, annotating each MAC with its
// OUI vendor string when the lookup is available.
func (f *Front) handleStatus(w http.ResponseWriter, r *http.Request) {
	clients := f.table.Snapshot()
	sort.Slice(clients, func(i, j int) bool { return clients[i].IP < clients[j].IP })

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%s status\n", f.cfg.HTTPDName)
	fmt.Fprintf(w, "%d clients\n\n", len(clients))
	for _, c := range clients {
		vendor := ""
		if f.vendor != nil {
			vendor = f.vendor(c.MAC)
		}
		if vendor != "" {
			fmt.Fprintf(w, "%-15s %-17s (%s) %-9s in=%d out=%d gw=%d\n",
				c.IP, c.MAC, vendor, c.Mark, c.Counters.Incoming, c.Counters.Outgoing, c.Counters.ToGateway)
		} else {
			fmt.Fprintf(w, "%-15s %-17s %-9s in=%d out=%d gw=%d\n",
				c.IP, c.MAC, c.Mark, c.Counters.Incoming, c.Counters.Outgoing, c.Counters.ToGateway)
		}
	}
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	return host
}

func htmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}
