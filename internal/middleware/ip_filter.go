package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// IPFilter creates a middleware that validates source IP against an allowlist
// of addresses and CIDR ranges. An empty allowlist admits everyone.
func IPFilter(allowedIPs []string) func(http.Handler) http.Handler {
	allow := parseAllowlist(allowedIPs)

	return func(next http.Handler) http.Handler {
		if len(allowedIPs) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := getRealIP(r)

			if !allow.contains(clientIP) {
				log.Warn().Str("client_ip", clientIP).Str("path", r.URL.Path).Msg("Rejected request from IP outside allowlist")
				writeError(w, http.StatusForbidden, "Forbidden: Source IP not allowed")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

type allowlist struct {
	ips  []net.IP
	nets []*net.IPNet
}

func parseAllowlist(entries []string) allowlist {
	var a allowlist
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			if _, ipNet, err := net.ParseCIDR(entry); err == nil {
				a.nets = append(a.nets, ipNet)
				continue
			}
		} else if ip := net.ParseIP(entry); ip != nil {
			a.ips = append(a.ips, ip)
			continue
		}
		log.Warn().Str("entry", entry).Msg("Ignoring invalid IP allowlist entry")
	}
	return a
}

func (a allowlist) contains(clientIP string) bool {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, ipNet := range a.nets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	for _, allowed := range a.ips {
		if ip.Equal(allowed) {
			return true
		}
	}
	return false
}

// getRealIP extracts the client IP from RemoteAddr. Forwarding headers only
// count when chi's RealIP middleware ran first, behind a trusted proxy.
func getRealIP(r *http.Request) string {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}
