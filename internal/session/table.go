package session

import (
	"sync"
	"time"
)

// Table is the keyed store of live sessions, indexed by ip with secondary
// lookup by mac and token. All mutation goes through a single lock; long
// operations (anything that then touches the network or the firewall) must
// take a Snapshot and release the lock before acting on it.
type Table struct {
	mu      sync.Mutex
	byIP    map[string]*Client
	byMAC   map[string]*Client
	byToken map[string]*Client
	now     func() time.Time
}

// NewTable returns an empty table. now defaults to time.Now if nil; tests
// may override it to control clocks deterministically.
func NewTable(now func() time.Time) *Table {
	if now == nil {
		now = time.Now
	}
	return &Table{
		byIP:    make(map[string]*Client),
		byMAC:   make(map[string]*Client),
		byToken: make(map[string]*Client),
		now:     now,
	}
}

// Append inserts a new client, or returns the existing entry if (ip, mac)
// already matches it exactly. It rejects the insert if ip, mac, or token
// individually collides with a different existing client (Invariant P1:
// uniqueness of each key).
func (t *Table) Append(ip, mac, token string) (client Client, existed bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.byIP[ip]; ok {
		if c.MAC == mac {
			return *c, true, nil
		}
		return Client{}, false, &DuplicateError{Field: "ip", Value: ip}
	}
	if c, ok := t.byMAC[mac]; ok {
		return *c, false, &DuplicateError{Field: "mac", Value: mac, Existing: c}
	}
	if c, ok := t.byToken[token]; ok {
		return *c, false, &DuplicateError{Field: "token", Value: token, Existing: c}
	}

	now := t.now()
	c := &Client{
		IP:          ip,
		MAC:         mac,
		Token:       token,
		Mark:        MarkUnknown,
		AddedAt:     now,
		LastUpdated: now,
	}
	t.byIP[ip] = c
	t.byMAC[mac] = c
	t.byToken[token] = c
	return *c, false, nil
}

// FindByIP returns a copy of the client keyed by ip, if any.
func (t *Table) FindByIP(ip string) (Client, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byIP[ip]
	if !ok {
		return Client{}, false
	}
	return *c, true
}

// FindByMAC returns a copy of the client keyed by mac, if any.
func (t *Table) FindByMAC(mac string) (Client, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byMAC[mac]
	if !ok {
		return Client{}, false
	}
	return *c, true
}

// FindByToken returns a copy of the client keyed by token, if any.
func (t *Table) FindByToken(token string) (Client, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byToken[token]
	if !ok {
		return Client{}, false
	}
	return *c, true
}

// Delete removes the client keyed by ip, returning the removed value for
// caller-side firewall teardown.
func (t *Table) Delete(ip string) (Client, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byIP[ip]
	if !ok {
		return Client{}, false
	}
	delete(t.byIP, c.IP)
	delete(t.byMAC, c.MAC)
	delete(t.byToken, c.Token)
	return *c, true
}

// Snapshot returns copies of every current client, safe to range over
// without holding the table lock — the only sanctioned way to iterate
// while doing network or firewall I/O.
func (t *Table) Snapshot() []Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Client, 0, len(t.byIP))
	for _, c := range t.byIP {
		out = append(out, *c)
	}
	return out
}

// Len reports the current number of live sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byIP)
}

// CountByMark reports the number of live sessions in each Mark.
func (t *Table) CountByMark() map[Mark]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := make(map[Mark]int)
	for _, c := range t.byIP {
		counts[c.Mark]++
	}
	return counts
}

// Mutate looks the client up by ip (its stable key is its token, but ip is
// the table's primary index; callers that re-find after network I/O should
// prefer re-finding by token and passing the current ip) and, if it still
// exists, applies fn to the stored entry in place under the table lock,
// re-indexing its mac and token if fn changed them. It reports whether the
// client still existed. fn must not block.
func (t *Table) Mutate(ip string, fn func(*Client)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.byIP[ip]
	if !ok {
		return false
	}
	oldMAC, oldToken := c.MAC, c.Token
	fn(c)
	if c.MAC != oldMAC {
		delete(t.byMAC, oldMAC)
		t.byMAC[c.MAC] = c
	}
	if c.Token != oldToken {
		delete(t.byToken, oldToken)
		t.byToken[c.Token] = c
	}
	return true
}

// UpdateCounters folds a freshly-read sample into the client at ip,
// advancing LastUpdated only if some counter strictly increased
// (Invariants P2/P4, and the resolved open question in SPEC_FULL.md §9:
// any of the three counters growing counts as activity).
func (t *Table) UpdateCounters(ip string, sample Counters) bool {
	return t.Mutate(ip, func(c *Client) {
		if c.Counters.Grew(sample) {
			c.LastUpdated = t.now()
		}
		c.Counters = c.Counters.Max(sample)
	})
}

// SetMark changes the client's fw_mark, used on verdict transitions.
func (t *Table) SetMark(ip string, mark Mark) bool {
	return t.Mutate(ip, func(c *Client) { c.Mark = mark })
}

// DuplicateError reports an Append that collided with an existing entry on
// a key other than (ip, mac).
type DuplicateError struct {
	Field    string
	Value    string
	Existing *Client
}

func (e *DuplicateError) Error() string {
	return "session: duplicate " + e.Field + " " + e.Value
}
