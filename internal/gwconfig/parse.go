package gwconfig

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brightgate-gw/gwd/internal/gwerrors"
)

// reader tokenizes the config file the way the gateway-daemon family's own
// rule-file reader does: strip comments, join backslash-continued lines,
// split on whitespace, and dispatch on the first token. Extended here to
// recognize the two nested block forms the grammar needs: "AuthServer { }"
// and "Ruleset <name> { }".
type reader struct {
	scan *bufio.Scanner
	line int
}

func newReader(r io.Reader) *reader {
	return &reader{scan: bufio.NewScanner(r)}
}

// next returns the next non-empty, comment-stripped, continuation-joined
// logical line, or "", false at EOF.
func (r *reader) next() (string, bool) {
	var acc strings.Builder
	for r.scan.Scan() {
		r.line++
		line := r.scan.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimRight(line, " \t\r")
		cont := strings.HasSuffix(line, "\\")
		if cont {
			line = strings.TrimSuffix(line, "\\")
		}
		acc.WriteString(line)
		acc.WriteByte(' ')
		if cont {
			continue
		}
		text := strings.TrimSpace(acc.String())
		if text == "" {
			acc.Reset()
			continue
		}
		return text, true
	}
	return "", false
}

func fields(line string) []string {
	return strings.Fields(line)
}

// Parse reads a config file from path and returns a fully populated Config,
// starting from Default() and overriding whatever the file specifies.
func Parse(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, gwerrors.New(gwerrors.ConfigInvalid, "opening config file", err)
	}
	defer f.Close()

	cfg := Default()
	var servers []AuthServer

	r := newReader(f)
	for {
		line, ok := r.next()
		if !ok {
			break
		}
		toks := fields(line)
		if len(toks) == 0 {
			continue
		}
		key := strings.ToLower(toks[0])

		switch key {
		case "authserver":
			if len(toks) < 2 || toks[1] != "{" {
				return nil, gwerrors.New(gwerrors.ConfigInvalid,
					fmt.Sprintf("line %d: expected 'AuthServer {'", r.line), nil)
			}
			srv, err := parseAuthServerBlock(r)
			if err != nil {
				return nil, err
			}
			servers = append(servers, srv)

		case "ruleset":
			if len(toks) < 3 || toks[2] != "{" {
				return nil, gwerrors.New(gwerrors.ConfigInvalid,
					fmt.Sprintf("line %d: expected 'Ruleset <name> {'", r.line), nil)
			}
			name := strings.ToLower(toks[1])
			rules, err := parseRulesetBlock(r)
			if err != nil {
				return nil, err
			}
			cfg.Rulesets[name] = rules

		default:
			if err := applyScalar(cfg, key, toks[1:], r.line); err != nil {
				return nil, err
			}
		}
	}

	if cfg.GatewayID == "" {
		return nil, gwerrors.New(gwerrors.ConfigInvalid, "GatewayID is required", nil)
	}
	if cfg.GatewayInterface == "" {
		return nil, gwerrors.New(gwerrors.ConfigInvalid, "GatewayInterface is required", nil)
	}
	if len(servers) == 0 {
		return nil, gwerrors.New(gwerrors.ConfigInvalid, "at least one AuthServer is required", nil)
	}
	cfg.AuthServers = NewAuthServerList(servers)

	return cfg, nil
}

func applyScalar(cfg *Config, key string, rest []string, line int) error {
	val := strings.Join(rest, " ")
	badInt := func(field string, err error) error {
		return gwerrors.New(gwerrors.ConfigInvalid,
			fmt.Sprintf("line %d: bad integer for %s: %q", line, field, val), err)
	}

	switch key {
	case "gatewayid":
		cfg.GatewayID = val
	case "gatewayinterface":
		cfg.GatewayInterface = val
	case "gatewayaddress":
		cfg.GatewayAddress = val
	case "gatewayport":
		n, err := strconv.Atoi(val)
		if err != nil {
			return badInt("GatewayPort", err)
		}
		cfg.GatewayPort = n
	case "externalinterface":
		cfg.ExternalInterface = val
	case "checkinterval":
		n, err := strconv.Atoi(val)
		if err != nil {
			return badInt("CheckInterval", err)
		}
		cfg.CheckInterval = time.Duration(n) * time.Second
	case "clienttimeout":
		n, err := strconv.Atoi(val)
		if err != nil {
			return badInt("ClientTimeout", err)
		}
		cfg.ClientTimeout = n
	case "authservmaxtries":
		n, err := strconv.Atoi(val)
		if err != nil {
			return badInt("AuthServMaxTries", err)
		}
		cfg.AuthMaxTries = n
	case "httpdmaxconn":
		n, err := strconv.Atoi(val)
		if err != nil {
			return badInt("HTTPDMaxConn", err)
		}
		cfg.HTTPDMaxConn = n
	case "httpdname":
		cfg.HTTPDName = val
	case "syslogfacility":
		cfg.SyslogFacility = val
	case "wdctlsocket":
		cfg.WdctlSocket = val
	case "daemon":
		cfg.Daemon = parseBool(val)
	case "debuglevel":
		n, err := strconv.Atoi(val)
		if err != nil {
			return badInt("DebugLevel", err)
		}
		cfg.DebugLevel = n
	default:
		return gwerrors.New(gwerrors.ConfigInvalid,
			fmt.Sprintf("line %d: unknown directive %q", line, key), nil)
	}
	return nil
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "yes", "true", "1":
		return true
	default:
		return false
	}
}

func parseAuthServerBlock(r *reader) (AuthServer, error) {
	srv := AuthServer{
		HTTPPort: 80,
		SSLPort:  443,
		BasePath: "/wifidog",
	}
	for {
		line, ok := r.next()
		if !ok {
			return srv, gwerrors.New(gwerrors.ConfigInvalid, "unterminated AuthServer block", nil)
		}
		if line == "}" {
			break
		}
		toks := fields(line)
		if len(toks) == 0 {
			continue
		}
		if toks[0] == "}" {
			break
		}
		key := strings.ToLower(toks[0])
		val := strings.Join(toks[1:], " ")
		switch key {
		case "hostname":
			srv.Host = val
		case "sslavailable":
			srv.UseSSL = parseBool(val)
		case "sslport":
			n, err := strconv.Atoi(val)
			if err != nil {
				return srv, gwerrors.New(gwerrors.ConfigInvalid, "bad SSLPort", err)
			}
			srv.SSLPort = n
		case "httpport":
			n, err := strconv.Atoi(val)
			if err != nil {
				return srv, gwerrors.New(gwerrors.ConfigInvalid, "bad HTTPPort", err)
			}
			srv.HTTPPort = n
		case "path":
			srv.BasePath = val
		default:
			return srv, gwerrors.New(gwerrors.ConfigInvalid,
				fmt.Sprintf("unknown AuthServer directive %q", key), nil)
		}
	}
	if srv.Host == "" {
		return srv, gwerrors.New(gwerrors.ConfigInvalid, "AuthServer block missing Hostname", nil)
	}
	return srv, nil
}

func parseRulesetBlock(r *reader) ([]FirewallRule, error) {
	var rules []FirewallRule
	for {
		line, ok := r.next()
		if !ok {
			return nil, gwerrors.New(gwerrors.ConfigInvalid, "unterminated Ruleset block", nil)
		}
		if line == "}" {
			break
		}
		toks := fields(line)
		if len(toks) == 0 {
			continue
		}
		if toks[0] == "}" {
			break
		}
		if strings.ToLower(toks[0]) != "firewallrule" {
			return nil, gwerrors.New(gwerrors.ConfigInvalid,
				fmt.Sprintf("expected FirewallRule, got %q", toks[0]), nil)
		}
		rule, err := parseFirewallRule(toks[1:])
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func parseFirewallRule(toks []string) (FirewallRule, error) {
	var rule FirewallRule
	if len(toks) < 3 {
		return rule, gwerrors.New(gwerrors.ConfigInvalid,
			"FirewallRule needs at least (block|allow) (tcp|udp|icmp) port <n>", nil)
	}

	switch strings.ToLower(toks[0]) {
	case "block":
		rule.Action = Block
	case "allow":
		rule.Action = Allow
	default:
		return rule, gwerrors.New(gwerrors.ConfigInvalid,
			fmt.Sprintf("invalid rule type %q, expected block or allow", toks[0]), nil)
	}

	proto := strings.ToLower(toks[1])
	if proto != "tcp" && proto != "udp" && proto != "icmp" {
		return rule, gwerrors.New(gwerrors.ConfigInvalid,
			fmt.Sprintf("invalid protocol %q", toks[1]), nil)
	}
	rule.Protocol = proto

	if strings.ToLower(toks[2]) != "port" {
		return rule, gwerrors.New(gwerrors.ConfigInvalid,
			fmt.Sprintf("expected keyword 'port', got %q", toks[2]), nil)
	}
	if len(toks) < 4 {
		return rule, gwerrors.New(gwerrors.ConfigInvalid, "FirewallRule missing port number", nil)
	}
	port, err := strconv.Atoi(toks[3])
	if err != nil {
		return rule, gwerrors.New(gwerrors.ConfigInvalid, fmt.Sprintf("invalid port %q", toks[3]), err)
	}
	rule.Port = port

	if len(toks) > 4 {
		if len(toks) < 6 || strings.ToLower(toks[4]) != "to" {
			return rule, gwerrors.New(gwerrors.ConfigInvalid,
				"expected 'to <cidr>' after port", nil)
		}
		rule.Destination = toks[5]
	}

	return rule, nil
}
