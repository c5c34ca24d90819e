package servercfg

import (
	"net/netip"

	"github.com/Control-D-Inc/tunneld/internal/upstream"
)

// Placeholder networks for dummy DNS server addresses. They are never routed,
// the tunnel answers anything sent to them.
var (
	dummyBaseV4 = netip.MustParseAddr("203.0.113.0")
	dummyBaseV6 = netip.MustParseAddr("fd00:d15c:1::")
)

// dummyOffsets keeps the groups in disjoint host ranges.
var dummyOffsets = map[upstream.Kind]int{
	upstream.KindHTTPS: 100,
	upstream.KindTLS:   1,
	upstream.KindQUIC:  200,
}

// DummyIP returns the placeholder address for the index-th server of a group.
// ok is false when the host part would leave the 1-254 range.
func DummyIP(kind upstream.Kind, index int, v6 bool) (ip netip.Addr, ok bool) {
	offset, known := dummyOffsets[kind]
	host := index + offset
	if !known || index < 0 || host > 254 {
		return netip.Addr{}, false
	}
	base := dummyBaseV4
	if v6 {
		base = dummyBaseV6
	}
	b := base.AsSlice()
	b[len(b)-1] = byte(host)
	ip, _ = netip.AddrFromSlice(b)
	return ip, true
}
