// Package firewall translates client session state into kernel packet
// filter rules. Backend is the abstract capability the rest of the daemon
// depends on; IPTables is the reference implementation, driving the
// iptables(8) binary through a shell the way the gateway-daemon family's
// own filter controller does.
package firewall

import "github.com/brightgate-gw/gwd/internal/session"

// CounterSample is the per-ip byte counts read back from the kernel for one
// chain.
type CounterSample map[string]uint64

// Counters is the full read-back of all three counter chains in one pass.
type Counters struct {
	Outgoing  CounterSample
	Incoming  CounterSample
	ToGateway CounterSample
}

// Backend is the capability the session lifecycle glue and scheduler use to
// program the packet filter. A recording fake satisfying this interface is
// used in tests instead of a real iptables binary.
type Backend interface {
	// Init creates the chain scaffolding and loads the configured
	// rulesets. It must be idempotent: if stale chains from a prior
	// crashed instance exist, it tears them down first.
	Init() error

	// Destroy unlinks and removes every chain this backend created.
	// Errors are suppressed internally (quiet mode); Destroy itself
	// never fails observably, since it runs during shutdown and crash
	// recovery where there is no good recovery action left.
	Destroy()

	// Allow installs the three rules that let (ip, mac) pass with the
	// given mark. All three must succeed or none are left behind.
	Allow(ip, mac string, mark session.Mark) error

	// Deny removes the three rules Allow installed for (ip, mac, mark).
	// Failures are logged by the caller but never block table removal.
	Deny(ip, mac string, mark session.Mark) error

	// ReadCounters parses the current byte counts out of the three
	// counting chains. A parse failure is non-fatal; implementations
	// should return a partial or empty result rather than an error
	// where individual rows are malformed, and only return an error if
	// the backend could not be queried at all.
	ReadCounters() (Counters, error)
}
