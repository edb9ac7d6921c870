package firewall

// Chain and table names for the scaffolding this backend installs. Prefixed
// with GWD_ the way the original implementation prefixed its chains with
// WIFIDOG_, so `iptables -L` output is self-describing and collisions with
// an operator's own chains are unlikely.
const (
	chainOutgoing       = "GWD_OUTGOING"
	chainIncoming       = "GWD_INCOMING"
	chainNatWifiToNet   = "GWD_NAT_WIFI_TO_INTERNET"
	chainNatUnknown     = "GWD_NAT_UNKNOWN"
	chainWifiToGW       = "GWD_WIFI_TO_GW"
	chainWifiToInternet = "GWD_WIFI_TO_INTERNET"
	chainAuthServers    = "GWD_AUTHSERVERS"
	chainLocked         = "GWD_LOCKED"
	chainGlobal         = "GWD_GLOBAL"
	chainValidate       = "GWD_VALIDATE"
	chainKnown          = "GWD_KNOWN"
	chainUnknown        = "GWD_UNKNOWN"
)

// rulesetChains maps a configured ruleset name to the filter chain it's
// loaded into, in the fixed dispatch order WIFI_TO_INTERNET jumps through.
var rulesetChains = map[string]string{
	"locked-users":     chainLocked,
	"global":           chainGlobal,
	"validating-users": chainValidate,
	"known-users":      chainKnown,
	"unknown-users":    chainUnknown,
}
