package arp

import (
	"net"
	"testing"

	"github.com/vishvananda/netlink"
)

func mustMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	mac, err := net.ParseMAC(s)
	if err != nil {
		t.Fatalf("parsing test mac: %v", err)
	}
	return mac
}

func TestResolveFindsReachableEntry(t *testing.T) {
	r := &Resolver{
		neighList: func(linkIndex, family int) ([]netlink.Neigh, error) {
			return []netlink.Neigh{
				{IP: net.ParseIP("10.0.0.5"), HardwareAddr: mustMAC(t, "aa:bb:cc:dd:ee:ff"), State: netlink.NUD_REACHABLE},
			}, nil
		},
	}
	mac, err := r.Resolve("10.0.0.5")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if mac != "aa:bb:cc:dd:ee:ff" {
		t.Fatalf("got %q", mac)
	}
}

func TestResolveSkipsFailedEntries(t *testing.T) {
	r := &Resolver{
		neighList: func(linkIndex, family int) ([]netlink.Neigh, error) {
			return []netlink.Neigh{
				{IP: net.ParseIP("10.0.0.5"), HardwareAddr: mustMAC(t, "aa:bb:cc:dd:ee:ff"), State: netlink.NUD_FAILED},
			}, nil
		},
	}
	if _, err := r.Resolve("10.0.0.5"); err == nil {
		t.Fatalf("expected not-found error for a FAILED entry")
	}
}

func TestResolveNotFound(t *testing.T) {
	r := &Resolver{
		neighList: func(linkIndex, family int) ([]netlink.Neigh, error) {
			return nil, nil
		},
	}
	if _, err := r.Resolve("10.0.0.9"); err == nil {
		t.Fatalf("expected not-found error for empty table")
	}
}

func TestResolveInvalidIP(t *testing.T) {
	r := &Resolver{neighList: func(int, int) ([]netlink.Neigh, error) { return nil, nil }}
	if _, err := r.Resolve("not-an-ip"); err == nil {
		t.Fatalf("expected error for invalid ip")
	}
}
