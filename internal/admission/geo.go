package admission

import (
	"fmt"
	"net"
	"strings"
)

// GeoResolver maps addresses to ISO country codes from a static CIDR table.
type GeoResolver struct {
	networks  []geoNet
	allowlist map[string]struct{}
}

type geoNet struct {
	net     *net.IPNet
	country string
}

// NewGeoResolver parses networks (CIDR -> country). An empty allowlist
// disables the geo gate.
func NewGeoResolver(networks map[string]string, allowlist []string) (*GeoResolver, error) {
	g := &GeoResolver{allowlist: make(map[string]struct{}, len(allowlist))}
	for cidr, country := range networks {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid geo network %q: %w", cidr, err)
		}
		g.networks = append(g.networks, geoNet{net: n, country: strings.ToUpper(country)})
	}
	for _, c := range allowlist {
		g.allowlist[strings.ToUpper(c)] = struct{}{}
	}
	return g, nil
}

// Country returns the country code of ip, or "" if unknown. The most
// specific matching network wins.
func (g *GeoResolver) Country(ip string) string {
	addr := net.ParseIP(ip)
	if addr == nil {
		return ""
	}
	best, bestOnes := "", -1
	for _, n := range g.networks {
		if !n.net.Contains(addr) {
			continue
		}
		if ones, _ := n.net.Mask.Size(); ones > bestOnes {
			best, bestOnes = n.country, ones
		}
	}
	return best
}

// Allowed reports whether ip may connect. Unknown countries are rejected
// once an allowlist is configured.
func (g *GeoResolver) Allowed(ip string) bool {
	if g == nil || len(g.allowlist) == 0 {
		return true
	}
	_, ok := g.allowlist[g.Country(ip)]
	return ok
}
