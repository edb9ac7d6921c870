package firewall

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/brightgate-gw/gwd/internal/gwconfig"
	"github.com/brightgate-gw/gwd/internal/metrics"
	"github.com/brightgate-gw/gwd/internal/session"
)

// fakeRunner records every invocation instead of shelling out, and lets
// tests script canned output/errors per command prefix.
type fakeRunner struct {
	calls   [][]string
	outputs map[string]string
	errs    map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{outputs: make(map[string]string), errs: make(map[string]error)}
}

func (f *fakeRunner) Run(args ...string) (string, error) {
	f.calls = append(f.calls, append([]string{}, args...))
	key := strings.Join(args, " ")
	for prefix, err := range f.errs {
		if strings.HasPrefix(key, prefix) {
			return f.outputs[prefix], err
		}
	}
	for prefix, out := range f.outputs {
		if strings.HasPrefix(key, prefix) {
			return out, f.errs[prefix]
		}
	}
	return "", nil
}

func (f *fakeRunner) has(substr string) bool {
	for _, c := range f.calls {
		if strings.Contains(strings.Join(c, " "), substr) {
			return true
		}
	}
	return false
}

func testConfig() *gwconfig.Config {
	cfg := gwconfig.Default()
	cfg.GatewayInterface = "br-lan"
	cfg.ExternalInterface = "eth0"
	cfg.Rulesets[gwconfig.RulesetGlobal] = []gwconfig.FirewallRule{
		{Action: gwconfig.Allow, Protocol: "udp", Port: 53},
	}
	return cfg
}

func newTestBackend(r runner) *IPTables {
	b := New(testConfig(), zap.NewNop().Sugar(), nil)
	b.run = r
	return b
}

func TestInitBuildsScaffoldingAndDestroysFirst(t *testing.T) {
	fr := newFakeRunner()
	b := newTestBackend(fr)

	if err := b.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if !fr.has("-t mangle -N " + chainOutgoing) {
		t.Fatalf("expected mangle chain creation, calls: %v", fr.calls)
	}
	if !fr.has("-t filter -N " + chainUnknown) {
		t.Fatalf("expected filter chain creation, calls: %v", fr.calls)
	}
	if !fr.has("REJECT --reject-with icmp-port-unreachable") {
		t.Fatalf("expected terminal reject rule in UNKNOWN chain")
	}
	if !fr.has("-p udp") || !fr.has("--dport 53") {
		t.Fatalf("expected global ruleset rule to be loaded, calls: %v", fr.calls)
	}

	firstIndex := func(substr string) int {
		for i, c := range fr.calls {
			if strings.Contains(strings.Join(c, " "), substr) {
				return i
			}
		}
		return -1
	}
	teardown, create := firstIndex("-t mangle -X "+chainOutgoing), firstIndex("-t mangle -N "+chainOutgoing)
	if teardown < 0 || teardown > create {
		t.Fatalf("expected stale chain teardown before chain creation, calls: %v", fr.calls)
	}
}

// listingAfterDelete wraps fakeRunner so that, as with real iptables, a
// delete-by-line-number call replaces the chain listing with what remains.
type listingAfterDelete struct {
	*fakeRunner
	key, after string
}

func (r *listingAfterDelete) Run(args ...string) (string, error) {
	out, err := r.fakeRunner.Run(args...)
	if len(args) >= 3 && args[2] == "-D" {
		r.outputs[r.key] = r.after
	}
	return out, err
}

func TestDestroyMentionStopsWhenNoMoreMatches(t *testing.T) {
	fr := newFakeRunner()
	listKey := "-t mangle -L PREROUTING -n --line-numbers"
	fr.outputs[listKey] = "Chain PREROUTING (policy ACCEPT)\nnum target prot opt source destination\n1 GWD_OUTGOING all -- 0.0.0.0/0 0.0.0.0/0\n2 ACCEPT all -- 0.0.0.0/0 0.0.0.0/0\n"
	b := newTestBackend(&listingAfterDelete{
		fakeRunner: fr,
		key:        listKey,
		after:      "Chain PREROUTING (policy ACCEPT)\nnum target prot opt source destination\n1 ACCEPT all -- 0.0.0.0/0 0.0.0.0/0\n",
	})

	b.destroyMention("mangle", "PREROUTING", chainOutgoing)

	deletions := 0
	for _, c := range fr.calls {
		if len(c) >= 3 && c[2] == "-D" {
			deletions++
		}
	}
	if deletions != 1 {
		t.Fatalf("expected exactly one delete-by-line-number call, got calls: %v", fr.calls)
	}
}

func TestAllowRollsBackOnPartialFailure(t *testing.T) {
	fr := newFakeRunner()
	fr.errs["-t mangle -A "+chainOutgoing] = errMock
	b := newTestBackend(fr)

	err := b.Allow("10.0.0.5", "aa:bb:cc:dd:ee:ff", session.MarkKnown)
	if err == nil {
		t.Fatalf("expected error from Allow")
	}

	deleteCount := 0
	for _, c := range fr.calls {
		if len(c) >= 3 && c[2] == "-D" {
			deleteCount++
		}
	}
	if deleteCount == 0 {
		t.Fatalf("expected rollback delete of the WIFI_TO_GW accept rule, calls: %v", fr.calls)
	}
}

func TestReadCountersParsesColumns(t *testing.T) {
	fr := newFakeRunner()
	fr.outputs["-v -n -x -t mangle -L "+chainOutgoing] = "Chain GWD_OUTGOING (1 references)\n" +
		"pkts bytes target prot opt in out source destination\n" +
		"10 1000 MARK all -- * * 10.0.0.5 0.0.0.0/0 MARK set 0x2\n" +
		"garbage line with too few fields\n"
	fr.outputs["-v -n -x -t filter -L "+chainWifiToGW] = "Chain GWD_WIFI_TO_GW (1 references)\n" +
		"pkts bytes target prot opt in out source destination\n" +
		"3 300 ACCEPT all -- * * 10.0.0.5 0.0.0.0/0\n"
	fr.outputs["-v -n -x -t mangle -L "+chainIncoming] = "Chain GWD_INCOMING (1 references)\n" +
		"pkts bytes target prot opt in out source destination\n" +
		"7 700 ACCEPT all -- * * 0.0.0.0/0 10.0.0.5\n"

	b := newTestBackend(fr)
	counters, err := b.ReadCounters()
	if err != nil {
		t.Fatalf("ReadCounters: %v", err)
	}
	if counters.Outgoing["10.0.0.5"] != 1000 {
		t.Fatalf("expected outgoing=1000, got %+v", counters.Outgoing)
	}
	if counters.ToGateway["10.0.0.5"] != 300 {
		t.Fatalf("expected to-gateway=300, got %+v", counters.ToGateway)
	}
	if counters.Incoming["10.0.0.5"] != 700 {
		t.Fatalf("expected incoming=700, got %+v", counters.Incoming)
	}
}

func TestAllowRecordsCommandDuration(t *testing.T) {
	fr := newFakeRunner()
	mtr := metrics.New(prometheus.NewRegistry())
	b := New(testConfig(), zap.NewNop().Sugar(), mtr)
	b.run = fr

	if err := b.Allow("10.0.0.5", "aa:bb:cc:dd:ee:ff", session.MarkKnown); err != nil {
		t.Fatalf("Allow: %v", err)
	}

	var m dto.Metric
	if err := mtr.FirewallCommandDuration.WithLabelValues("allow").Write(&m); err != nil {
		t.Fatalf("reading summary: %v", err)
	}
	if m.GetSummary().GetSampleCount() != 1 {
		t.Fatalf("expected one observation recorded for op=allow, got %+v", m.GetSummary())
	}
}

type mockError struct{ msg string }

func (e *mockError) Error() string { return e.msg }

var errMock = &mockError{"mock failure"}
