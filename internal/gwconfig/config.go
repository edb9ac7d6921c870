// Package gwconfig holds the immutable gateway configuration and the one
// small mutable exception to that rule: the auth-server preference order,
// which lives behind its own guarded type rather than inside a global.
package gwconfig

import (
	"sync"
	"time"
)

// FirewallAction is the verdict a FirewallRule applies to matching traffic.
type FirewallAction int

// The two actions a FirewallRule may specify.
const (
	Block FirewallAction = iota
	Allow
)

// FirewallRule is one line of a named ruleset.
type FirewallRule struct {
	Action      FirewallAction
	Protocol    string // "tcp", "udp", "icmp", or "" for any
	Port        int    // 0 means unspecified
	Destination string // CIDR, or "" for any
}

// AuthServer describes one remote authentication endpoint.
type AuthServer struct {
	Host           string
	HTTPPort       int
	SSLPort        int
	UseSSL         bool
	BasePath       string
	LastResolvedIP string
}

// AuthServerList is the one piece of Config that mutates after startup: the
// preference order used for failover. All access goes through its lock.
type AuthServerList struct {
	mu      sync.Mutex
	servers []AuthServer
}

// NewAuthServerList builds a guarded list from an initial ordering. The
// slice is copied; the caller's copy is never aliased.
func NewAuthServerList(servers []AuthServer) *AuthServerList {
	cp := make([]AuthServer, len(servers))
	copy(cp, servers)
	return &AuthServerList{servers: cp}
}

// Snapshot returns a copy of the current ordering, safe to range over
// without holding the lock.
func (l *AuthServerList) Snapshot() []AuthServer {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make([]AuthServer, len(l.servers))
	copy(cp, l.servers)
	return cp
}

// Len reports how many servers are configured.
func (l *AuthServerList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.servers)
}

// DemoteCurrent moves the head of the list to the tail, so a server that
// just failed a transport attempt is naturally deprioritized on the next
// call. It also blanks that server's cached resolved IP, forcing a fresh
// resolution once it's retried.
func (l *AuthServerList) DemoteCurrent() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.servers) == 0 {
		return
	}
	head := l.servers[0]
	head.LastResolvedIP = ""
	l.servers = append(l.servers[1:], head)
}

// SetResolvedIP records the resolved address for the first server whose
// Host equals host, used to pin subsequent requests against DNS flapping.
func (l *AuthServerList) SetResolvedIP(host, ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.servers {
		if l.servers[i].Host == host {
			l.servers[i].LastResolvedIP = ip
			return
		}
	}
}

// Ruleset names, in the fixed order the filter chains are built in.
const (
	RulesetLockedUsers     = "locked-users"
	RulesetGlobal          = "global"
	RulesetValidatingUsers = "validating-users"
	RulesetKnownUsers      = "known-users"
	RulesetUnknownUsers    = "unknown-users"
)

// RulesetOrder is the fixed build order of the filter-table chains.
var RulesetOrder = []string{
	RulesetLockedUsers,
	RulesetGlobal,
	RulesetValidatingUsers,
	RulesetKnownUsers,
	RulesetUnknownUsers,
}

// Config is the immutable configuration shared by every component. The only
// field that mutates post-construction is AuthServers, and that mutation is
// confined to AuthServerList's own lock.
type Config struct {
	GatewayID          string
	GatewayInterface   string
	GatewayAddress     string
	GatewayPort        int
	ExternalInterface  string

	CheckInterval time.Duration
	ClientTimeout int // multiplier on CheckInterval
	AuthMaxTries  int

	HTTPDMaxConn int
	HTTPDName    string

	SyslogFacility string
	WdctlSocket    string
	Daemon         bool
	DebugLevel     int

	AuthServers *AuthServerList
	Rulesets    map[string][]FirewallRule
}

// ClientTimeoutDuration is CheckInterval * ClientTimeout, the inactivity
// window after which a session is evicted.
func (c *Config) ClientTimeoutDuration() time.Duration {
	return c.CheckInterval * time.Duration(c.ClientTimeout)
}

// Default returns a Config populated with the documented defaults; the
// parser starts from this and overrides fields it finds in the file.
func Default() *Config {
	return &Config{
		GatewayPort:    2060,
		CheckInterval:  60 * time.Second,
		ClientTimeout:  5,
		AuthMaxTries:   3,
		HTTPDMaxConn:   25,
		HTTPDName:      "gwd",
		SyslogFacility: "LOG_DAEMON",
		WdctlSocket:    "/var/run/gwd.sock",
		DebugLevel:     3,
		AuthServers:    NewAuthServerList(nil),
		Rulesets:       make(map[string][]FirewallRule),
	}
}
