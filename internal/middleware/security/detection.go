package security

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Detector classifies requests that a JSON-only ledger API should never
// receive, and resolves client IPs through trusted proxies so the rate
// limiter keys on the real caller.
type Detector struct {
	trustedProxies []*net.IPNet
}

// NewDetector trusts loopback and RFC 1918 proxies, which covers the
// reverse-proxy setups this service runs behind.
func NewDetector() *Detector {
	return &Detector{
		trustedProxies: []*net.IPNet{
			mustCIDR("127.0.0.0/8"),
			mustCIDR("10.0.0.0/8"),
			mustCIDR("172.16.0.0/12"),
			mustCIDR("192.168.0.0/16"),
		},
	}
}

func mustCIDR(cidr string) *net.IPNet {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		panic(fmt.Sprintf("bad trusted proxy CIDR %s: %v", cidr, err))
	}
	return network
}

// AddTrustedProxy extends the trusted proxy list, for deployments with a
// load balancer on a public address.
func (d *Detector) AddTrustedProxy(cidr string) error {
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		return fmt.Errorf("invalid CIDR %s: %w", cidr, err)
	}
	d.trustedProxies = append(d.trustedProxies, network)
	return nil
}

// scannerPaths are fragments this API has no legitimate route for; seeing one
// means a scanner is walking the host.
var scannerPaths = []string{
	"../", "..\\", ".env", ".git", ".ssh",
	"wp-admin", "phpmyadmin", "admin.php", "config.php",
	"etc/passwd", "cmd.exe",
}

// injectionMarkers are payload fragments that never occur in ym keys,
// member ids, or the other values this API accepts in URLs.
var injectionMarkers = []string{
	"<script", "javascript:", "eval(", "union select", "base64,",
}

var scannerAgents = []string{
	"sqlmap", "nmap", "nikto", "gobuster", "dirb", "scanner",
}

// DetectSuspiciousRequest reports whether a request looks like probing
// rather than a ledger client. The verdict is log-only; handlers still run.
func (d *Detector) DetectSuspiciousRequest(r *http.Request) bool {
	path := strings.ToLower(r.URL.Path)
	query := strings.ToLower(r.URL.RawQuery)

	for _, p := range scannerPaths {
		if strings.Contains(path, p) || strings.Contains(query, p) {
			return true
		}
	}
	for _, m := range injectionMarkers {
		if strings.Contains(path, m) || strings.Contains(query, m) {
			return true
		}
	}

	agent := strings.ToLower(r.Header.Get("User-Agent"))
	for _, a := range scannerAgents {
		if strings.Contains(agent, a) {
			return true
		}
	}

	switch r.Method {
	case "TRACE", "TRACK", "CONNECT":
		return true
	}

	// Longest legitimate URL here is a bills query with a ym filter.
	if len(r.URL.String()) > 2048 {
		return true
	}

	// A forwarding chain deeper than a handful of hops is header spoofing,
	// not real infrastructure.
	if xff := r.Header.Get("X-Forwarded-For"); strings.Count(xff, ",") > 5 {
		return true
	}

	return false
}

// ExtractClientIP returns the caller's IP. Forwarded headers are honored
// only when the direct peer is a trusted proxy, otherwise anyone could
// spoof their way past per-IP rate limits.
func (d *Detector) ExtractClientIP(r *http.Request) string {
	directIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		directIP = r.RemoteAddr
	}

	parsed := net.ParseIP(directIP)
	if parsed == nil || !d.isTrustedProxy(parsed) {
		return directIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if net.ParseIP(xri) != nil {
			return xri
		}
	}

	return directIP
}

func (d *Detector) isTrustedProxy(ip net.IP) bool {
	for _, network := range d.trustedProxies {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
