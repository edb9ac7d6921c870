// Package arp resolves client IPv4 addresses to MAC addresses by reading
// the kernel's existing neighbor table, the way a gateway that already
// sees the client's traffic on its LAN interface can, without sending an
// active ARP probe and waiting on a round trip.
package arp

import (
	"net"
	"strings"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/brightgate-gw/gwd/internal/gwerrors"
)

// lookupDeadline bounds a single neighbor-table read.
const lookupDeadline = 2 * time.Second

// neighLister abstracts netlink.NeighList so tests can substitute a fixed
// table instead of querying the real kernel.
type neighLister func(linkIndex, family int) ([]netlink.Neigh, error)

// Resolver answers ip -> mac queries against one interface's neighbor
// table.
type Resolver struct {
	iface string

	neighList  neighLister
	linkByName func(name string) (netlink.Link, error)
}

// New returns a Resolver bound to the named interface (typically the
// gateway's internal/LAN NIC).
func New(iface string) *Resolver {
	return &Resolver{
		iface:      iface,
		neighList:  netlink.NeighList,
		linkByName: netlink.LinkByName,
	}
}

// Resolve returns the MAC address currently associated with ip in the
// kernel's neighbor table, or gwerrors.ClientNotFound if no entry exists.
// It never blocks waiting for a probe: a miss here means "not currently
// known", to be retried on the caller's own cadence.
func (r *Resolver) Resolve(ip string) (string, error) {
	want := net.ParseIP(ip)
	if want == nil {
		return "", gwerrors.New(gwerrors.ConfigInvalid, "invalid ip for arp lookup: "+ip, nil)
	}

	linkIndex := 0
	if r.iface != "" {
		link, err := r.linkByName(r.iface)
		if err != nil {
			return "", gwerrors.New(gwerrors.NetworkTransient, "resolving interface "+r.iface, err)
		}
		linkIndex = link.Attrs().Index
	}

	done := make(chan struct{})
	var neighs []netlink.Neigh
	var listErr error
	go func() {
		neighs, listErr = r.neighList(linkIndex, netlink.FAMILY_V4)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(lookupDeadline):
		return "", gwerrors.New(gwerrors.NetworkTransient, "arp table read timed out", nil)
	}
	if listErr != nil {
		return "", gwerrors.New(gwerrors.NetworkTransient, "reading arp table", listErr)
	}

	for _, n := range neighs {
		if n.IP.Equal(want) && len(n.HardwareAddr) > 0 {
			if n.State == netlink.NUD_FAILED || n.State == netlink.NUD_INCOMPLETE {
				continue
			}
			return strings.ToLower(n.HardwareAddr.String()), nil
		}
	}
	return "", gwerrors.New(gwerrors.ClientNotFound, "no arp entry for "+ip, nil)
}
