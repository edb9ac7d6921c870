package macvendor

import (
	"testing"

	lru "github.com/hashicorp/golang-lru"
	"github.com/klauspost/oui"
)

type fakeDB struct {
	entries map[string]string
	calls   int
}

func (f *fakeDB) Query(mac string) (oui.Entry, error) {
	f.calls++
	if org, ok := f.entries[mac]; ok {
		return oui.Entry{Organization: org}, nil
	}
	return oui.Entry{}, errUnknown{}
}

type errUnknown struct{}

func (errUnknown) Error() string { return "unknown oui" }

func TestVendorCachesLookups(t *testing.T) {
	fake := &fakeDB{entries: map[string]string{"aa:bb:cc:dd:ee:ff": "Acme Corp"}}
	cache, _ := lru.New(8)
	l := &Lookup{db: fake, cache: cache}

	if got := l.Vendor("aa:bb:cc:dd:ee:ff"); got != "Acme Corp" {
		t.Fatalf("got %q", got)
	}
	if got := l.Vendor("aa:bb:cc:dd:ee:ff"); got != "Acme Corp" {
		t.Fatalf("got %q", got)
	}
	if fake.calls != 1 {
		t.Fatalf("expected one underlying query due to caching, got %d", fake.calls)
	}
}

func TestVendorUnknownReturnsEmpty(t *testing.T) {
	fake := &fakeDB{entries: map[string]string{}}
	cache, _ := lru.New(8)
	l := &Lookup{db: fake, cache: cache}

	if got := l.Vendor("11:22:33:44:55:66"); got != "" {
		t.Fatalf("expected empty string for unknown vendor, got %q", got)
	}
}

func TestUnopenedLookupNeverErrors(t *testing.T) {
	l := Open("")
	if got := l.Vendor("aa:bb:cc:dd:ee:ff"); got != "" {
		t.Fatalf("expected empty string when no database is loaded, got %q", got)
	}
}
