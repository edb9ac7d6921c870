package firewall

import (
	"bufio"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/brightgate-gw/gwd/internal/gwconfig"
	"github.com/brightgate-gw/gwd/internal/gwerrors"
	"github.com/brightgate-gw/gwd/internal/metrics"
	"github.com/brightgate-gw/gwd/internal/session"
)

// iptablesCmd is the binary invoked for every rule change; overridable in
// tests via runner.
const iptablesCmd = "iptables"

// runner abstracts process execution so tests can substitute a recording
// fake instead of shelling out for real.
type runner interface {
	Run(args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(args ...string) (string, error) {
	out, err := exec.Command(iptablesCmd, args...).CombinedOutput()
	return string(out), err
}

// IPTables is the reference FirewallBackend, driving iptables(8) through a
// shell the way the gateway-daemon family's own packet-filter controller
// does, generalized from per-ring forwarding rules to per-client captive
// portal rules.
type IPTables struct {
	cfg  *gwconfig.Config
	slog *zap.SugaredLogger
	run  runner
	mtr  *metrics.Metrics

	mu    sync.Mutex // serializes rule changes; §5 "firewall backend — serialized"
	quiet bool
}

// New returns an IPTables backend bound to cfg, logging through slog. mtr
// may be nil in tests that don't care about command-duration observations.
func New(cfg *gwconfig.Config, slog *zap.SugaredLogger, mtr *metrics.Metrics) *IPTables {
	return &IPTables{cfg: cfg, slog: slog, run: execRunner{}, mtr: mtr}
}

// observe starts a duration measurement for op, registered by the returned
// closure when called at the end of the operation it times.
func (b *IPTables) observe(op string) func() {
	if b.mtr == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		b.mtr.FirewallCommandDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (b *IPTables) cmd(format string, args ...interface{}) (string, error) {
	line := fmt.Sprintf(format, args...)
	fields := strings.Fields(line)
	out, err := b.run.Run(fields...)
	if err != nil && !b.quiet {
		b.slog.Debugf("iptables %s: %v (%s)", line, err, strings.TrimSpace(out))
	}
	return out, err
}

// Init implements Backend.
func (b *IPTables) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.observe("init")()

	// Idempotent with respect to stale chains from a prior crashed
	// instance: tear everything down quietly first (supplemented
	// destroy-mention reconciliation, SPEC_FULL.md §4.2).
	b.destroyLocked()

	gwIface := b.cfg.GatewayInterface
	extIface := b.cfg.ExternalInterface

	// mangle table
	b.cmd("-t mangle -N %s", chainOutgoing)
	b.cmd("-t mangle -N %s", chainIncoming)
	b.cmd("-t mangle -I PREROUTING 1 -i %s -j %s", gwIface, chainOutgoing)
	if extIface != "" {
		b.cmd("-t mangle -I FORWARD 1 -i %s -j %s", extIface, chainIncoming)
	} else {
		b.cmd("-t mangle -I FORWARD 1 -j %s", chainIncoming)
	}

	// nat table
	b.cmd("-t nat -N %s", chainNatWifiToNet)
	b.cmd("-t nat -N %s", chainNatUnknown)
	if extIface != "" {
		b.cmd("-t nat -I PREROUTING 1 -i %s -j %s", gwIface, chainNatWifiToNet)
	} else {
		b.cmd("-t nat -I PREROUTING 1 -j %s", chainNatWifiToNet)
	}
	b.cmd("-t nat -A %s -m mark --mark 0x%x -j RETURN", chainNatWifiToNet, int(session.MarkKnown))
	b.cmd("-t nat -A %s -m mark --mark 0x%x -j RETURN", chainNatWifiToNet, int(session.MarkProbation))
	b.cmd("-t nat -A %s -j %s", chainNatWifiToNet, chainNatUnknown)
	b.cmd("-t nat -A %s -p tcp --dport 80 -j REDIRECT --to-ports %d", chainNatUnknown, b.cfg.GatewayPort)

	// filter table
	for _, c := range []string{chainWifiToGW, chainWifiToInternet, chainAuthServers,
		chainLocked, chainGlobal, chainValidate, chainKnown, chainUnknown} {
		b.cmd("-t filter -N %s", c)
	}
	b.cmd("-t filter -I INPUT 1 -i %s -j %s", gwIface, chainWifiToGW)
	if extIface != "" {
		b.cmd("-t filter -I FORWARD 1 -i %s -j %s", gwIface, chainWifiToInternet)
	} else {
		b.cmd("-t filter -I FORWARD 1 -j %s", chainWifiToInternet)
	}

	b.cmd("-t filter -A %s -j %s", chainWifiToInternet, chainAuthServers)
	if err := b.loadAuthServersLocked(); err != nil {
		return err
	}

	b.cmd("-t filter -A %s -m mark --mark 0x%x -j %s", chainWifiToInternet, int(session.MarkLocked), chainLocked)
	b.loadRulesetLocked("locked-users", chainLocked)

	b.cmd("-t filter -A %s -j %s", chainWifiToInternet, chainGlobal)
	b.loadRulesetLocked("global", chainGlobal)

	b.cmd("-t filter -A %s -m mark --mark 0x%x -j %s", chainWifiToInternet, int(session.MarkProbation), chainValidate)
	b.loadRulesetLocked("validating-users", chainValidate)

	b.cmd("-t filter -A %s -m mark --mark 0x%x -j %s", chainWifiToInternet, int(session.MarkKnown), chainKnown)
	b.loadRulesetLocked("known-users", chainKnown)

	b.cmd("-t filter -A %s -j %s", chainWifiToInternet, chainUnknown)
	b.loadRulesetLocked("unknown-users", chainUnknown)
	b.cmd("-t filter -A %s -j REJECT --reject-with icmp-port-unreachable", chainUnknown)

	return nil
}

func (b *IPTables) loadAuthServersLocked() error {
	b.cmd("-t filter -F %s", chainAuthServers)
	for _, srv := range b.cfg.AuthServers.Snapshot() {
		dest := srv.LastResolvedIP
		if dest == "" {
			dest = srv.Host
		}
		if _, err := b.cmd("-t filter -A %s -d %s -j ACCEPT", chainAuthServers, dest); err != nil {
			return gwerrors.New(gwerrors.FirewallFatal, "installing auth-server allow rule", err)
		}
	}
	return nil
}

func (b *IPTables) loadRulesetLocked(name, chain string) {
	for _, rule := range b.cfg.Rulesets[name] {
		target := "REJECT"
		if rule.Action == gwconfig.Allow {
			target = "ACCEPT"
		}
		line := fmt.Sprintf("-t filter -A %s -p %s", chain, rule.Protocol)
		if rule.Destination != "" {
			line += " -d " + rule.Destination
		}
		if rule.Port != 0 {
			line += fmt.Sprintf(" --dport %d", rule.Port)
		}
		line += " -j " + target
		fields := strings.Fields(line)
		b.run.Run(fields...)
	}
}

// Destroy implements Backend.
func (b *IPTables) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.observe("destroy")()
	b.destroyLocked()
}

func (b *IPTables) destroyLocked() {
	b.quiet = true
	defer func() { b.quiet = false }()

	b.destroyMention("mangle", "PREROUTING", chainOutgoing)
	b.destroyMention("mangle", "FORWARD", chainIncoming)
	b.cmd("-t mangle -F %s", chainOutgoing)
	b.cmd("-t mangle -F %s", chainIncoming)
	b.cmd("-t mangle -X %s", chainOutgoing)
	b.cmd("-t mangle -X %s", chainIncoming)

	b.destroyMention("nat", "PREROUTING", chainNatWifiToNet)
	b.cmd("-t nat -F %s", chainNatWifiToNet)
	b.cmd("-t nat -F %s", chainNatUnknown)
	b.cmd("-t nat -X %s", chainNatWifiToNet)
	b.cmd("-t nat -X %s", chainNatUnknown)

	b.destroyMention("filter", "INPUT", chainWifiToGW)
	b.destroyMention("filter", "FORWARD", chainWifiToInternet)
	for _, c := range []string{chainWifiToGW, chainWifiToInternet, chainAuthServers,
		chainLocked, chainGlobal, chainValidate, chainKnown, chainUnknown} {
		b.cmd("-t filter -F %s", c)
	}
	for _, c := range []string{chainWifiToGW, chainWifiToInternet, chainAuthServers,
		chainLocked, chainGlobal, chainValidate, chainKnown, chainUnknown} {
		b.cmd("-t filter -X %s", c)
	}
}

// destroyMention finds and deletes, one at a time, any rule in table/chain
// whose text mentions the given chain name — the reconciliation sweep
// supplemented from the original implementation's iptables_fw_destroy_mention,
// so jump rules left over from a crashed prior instance don't accumulate.
func (b *IPTables) destroyMention(table, chain, mention string) {
	for {
		out, err := b.run.Run("-t", table, "-L", chain, "-n", "--line-numbers")
		if err != nil {
			return
		}
		lines := strings.Split(out, "\n")
		if len(lines) <= 2 {
			return
		}
		found := false
		for _, line := range lines[2:] {
			if !strings.Contains(line, mention) {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			if _, err := strconv.Atoi(fields[0]); err != nil {
				continue
			}
			b.run.Run("-t", table, "-D", chain, fields[0])
			found = true
			break // rule numbers below this shift; restart the scan
		}
		if !found {
			return
		}
	}
}

// Allow implements Backend.
func (b *IPTables) Allow(ip, mac string, mark session.Mark) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.observe("allow")()

	if _, err := b.cmd("-t filter -A %s -s %s -j ACCEPT", chainWifiToGW, ip); err != nil {
		return gwerrors.New(gwerrors.FirewallTransient, "installing WIFI_TO_GW accept", err)
	}
	if _, err := b.cmd("-t mangle -A %s -s %s -m mac --mac-source %s -j MARK --set-mark %d",
		chainOutgoing, ip, mac, mark); err != nil {
		b.cmd("-t filter -D %s -s %s -j ACCEPT", chainWifiToGW, ip)
		return gwerrors.New(gwerrors.FirewallTransient, "installing OUTGOING mark", err)
	}
	if _, err := b.cmd("-t mangle -A %s -d %s -j ACCEPT", chainIncoming, ip); err != nil {
		b.cmd("-t filter -D %s -s %s -j ACCEPT", chainWifiToGW, ip)
		b.cmd("-t mangle -D %s -s %s -m mac --mac-source %s -j MARK --set-mark %d", chainOutgoing, ip, mac, mark)
		return gwerrors.New(gwerrors.FirewallTransient, "installing INCOMING accept", err)
	}
	return nil
}

// Deny implements Backend.
func (b *IPTables) Deny(ip, mac string, mark session.Mark) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.observe("deny")()

	_, err1 := b.cmd("-t filter -D %s -s %s -j ACCEPT", chainWifiToGW, ip)
	_, err2 := b.cmd("-t mangle -D %s -s %s -m mac --mac-source %s -j MARK --set-mark %d", chainOutgoing, ip, mac, mark)
	_, err3 := b.cmd("-t mangle -D %s -d %s -j ACCEPT", chainIncoming, ip)

	if err1 != nil || err2 != nil || err3 != nil {
		return gwerrors.New(gwerrors.FirewallTransient, "removing client rules", errors.New("one or more deletes failed"))
	}
	return nil
}

// ReadCounters implements Backend.
func (b *IPTables) ReadCounters() (Counters, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.observe("read_counters")()

	result := Counters{
		Outgoing:  make(CounterSample),
		Incoming:  make(CounterSample),
		ToGateway: make(CounterSample),
	}

	outgoing, err := b.run.Run("-v", "-n", "-x", "-t", "mangle", "-L", chainOutgoing)
	if err != nil {
		return result, gwerrors.New(gwerrors.FirewallTransient, "reading OUTGOING counters", err)
	}
	parseCounterRows(outgoing, result.Outgoing, b.slog, columnSource)

	togw, err := b.run.Run("-v", "-n", "-x", "-t", "filter", "-L", chainWifiToGW)
	if err != nil {
		return result, gwerrors.New(gwerrors.FirewallTransient, "reading WIFI_TO_GW counters", err)
	}
	parseCounterRows(togw, result.ToGateway, b.slog, columnSource)

	incoming, err := b.run.Run("-v", "-n", "-x", "-t", "mangle", "-L", chainIncoming)
	if err != nil {
		return result, gwerrors.New(gwerrors.FirewallTransient, "reading INCOMING counters", err)
	}
	parseCounterRows(incoming, result.Incoming, b.slog, columnDestination)

	return result, nil
}

// Column indices into `iptables -v -n -x -L` output:
//
//	pkts bytes target prot opt in out source destination [extra...]
//
// Which column holds the client IP depends on how the chain's rule matches:
// OUTGOING and WIFI_TO_GW key on "-s <ip>" (source), INCOMING keys on
// "-d <ip>" (destination, since its rule has no source restriction and
// would otherwise always read back as 0.0.0.0/0).
const (
	columnSource      = 7
	columnDestination = 8
)

// parseCounterRows extracts (ip, bytes) pairs from `iptables -v -n -x -L`
// output, reading the client IP out of ipColumn. Lines that don't parse
// into at least the fixed column count are dropped with a warning, not
// treated as fatal (SPEC_FULL.md §4.2 numeric semantics).
func parseCounterRows(output string, into CounterSample, slog *zap.SugaredLogger, ipColumn int) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo <= 2 {
			continue // header lines: "Chain X ..." and the column header
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) <= ipColumn {
			if slog != nil {
				slog.Warnf("firewall: dropping counter row with too few columns: %q", scanner.Text())
			}
			continue
		}
		bytes, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			if slog != nil {
				slog.Warnf("firewall: unparseable byte count in row %q", scanner.Text())
			}
			continue
		}
		ip := extractIP(fields[ipColumn])
		if ip == "" {
			continue
		}
		if existing, ok := into[ip]; !ok || bytes > existing {
			into[ip] = bytes
		}
	}
}

func extractIP(field string) string {
	host := field
	if idx := strings.IndexByte(host, '/'); idx >= 0 {
		host = host[:idx]
	}
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return ""
	}
	for _, p := range parts {
		if _, err := strconv.Atoi(p); err != nil {
			return ""
		}
	}
	return host
}
