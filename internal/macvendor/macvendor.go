// Package macvendor resolves a MAC address's OUI prefix to the hardware
// vendor name, purely for the display annotation on /wifidog/status; a
// lookup miss or an unopened database both degrade to "", never an error
// the caller has to handle.
package macvendor

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/klauspost/oui"
)

// ouiDB is the subset of *oui.StaticDB this package calls, so tests can
// substitute a fixed table instead of loading a real IEEE OUI file.
type ouiDB interface {
	Query(mac string) (oui.Entry, error)
}

// Lookup caches OUI-prefix-to-vendor resolutions, since the same handful
// of client vendors tend to repeat across a status dump.
type Lookup struct {
	db    ouiDB
	cache *lru.Cache
}

// Open loads the IEEE OUI database at path. A missing or unparseable file
// is not fatal: Open returns a Lookup whose queries always report unknown,
// since vendor annotation is a display nicety, not a protocol requirement.
func Open(path string) *Lookup {
	cache, _ := lru.New(256)
	l := &Lookup{cache: cache}
	if path == "" {
		return l
	}
	db, err := oui.OpenFile(path)
	if err != nil {
		return l
	}
	l.db = db
	return l
}

// Vendor returns the organization string for mac's OUI prefix, or "" if
// unknown or the database wasn't loaded.
func (l *Lookup) Vendor(mac string) string {
	if l.db == nil {
		return ""
	}
	key := mac
	if len(mac) >= 8 {
		key = mac[:8] // "aa:bb:cc", the OUI prefix of a colon-separated MAC
	}
	if cached, ok := l.cache.Get(key); ok {
		return cached.(string)
	}
	entry, err := l.db.Query(mac)
	name := ""
	if err == nil {
		name = entry.Organization
	}
	l.cache.Add(key, name)
	return name
}
