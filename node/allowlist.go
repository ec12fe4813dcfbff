package node

import (
	"net/netip"
	"sort"
	"strings"
)

// AllowList is the set of caller addresses a node serves. The zero value and
// nil both allow everyone. A list built from entries that were all invalid
// admits nobody.
type AllowList struct {
	addrs   map[netip.Addr]struct{}
	denyAll bool
}

// ParseAllowList parses a comma-separated list of IP addresses. Entries that
// are not addresses are skipped and returned in invalid.
func ParseAllowList(csv string) (list *AllowList, invalid []string) {
	return NewAllowList(strings.Split(csv, ","))
}

// NewAllowList builds an allow-list from individual entries; blank entries are ignored.
// If every non-blank entry is invalid the list refuses all callers.
func NewAllowList(entries []string) (list *AllowList, invalid []string) {
	list = &AllowList{addrs: make(map[netip.Addr]struct{}, len(entries))}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			invalid = append(invalid, e)
			continue
		}
		list.addrs[normalize(a)] = struct{}{}
	}
	list.denyAll = len(list.addrs) == 0 && len(invalid) > 0
	return list, invalid
}

// Len returns the number of valid addresses in the list.
func (l *AllowList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.addrs)
}

// Entries returns the addresses in sorted order.
func (l *AllowList) Entries() []string {
	if l == nil {
		return nil
	}
	out := make([]string, 0, len(l.addrs))
	for a := range l.addrs {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}

// Allows reports whether remote may use the node. remote is "ip:port" (as in
// http.Request.RemoteAddr) or a bare IP. An empty list allows everyone; an
// unparseable remote is refused by a non-empty list.
func (l *AllowList) Allows(remote string) bool {
	if l.Len() == 0 {
		return l == nil || !l.denyAll
	}
	a, ok := remoteAddr(remote)
	if !ok {
		return false
	}
	_, ok = l.addrs[a]
	return ok
}

func remoteAddr(remote string) (netip.Addr, bool) {
	remote = strings.TrimSpace(remote)
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return normalize(ap.Addr()), true
	}
	if a, err := netip.ParseAddr(remote); err == nil {
		return normalize(a), true
	}
	return netip.Addr{}, false
}

// normalize maps IPv4-in-IPv6 to IPv4 and drops zones.
func normalize(a netip.Addr) netip.Addr {
	return a.Unmap().WithZone("")
}
