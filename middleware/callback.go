package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"storefront-payment-api/models"
	"storefront-payment-api/utils"
)

// CallbackGuard authenticates gateway callbacks. The gateway cannot sign its
// requests, so the callback URL carries a shared token and, optionally, the
// source address must be one of the gateway's published ranges.
type CallbackGuard struct {
	secret  []byte
	allowed addrSet
	proxies addrSet
	logger  *zap.SugaredLogger
}

// addrSet matches plain addresses and CIDR ranges.
type addrSet struct {
	ips     map[string]bool
	subnets []*net.IPNet
}

func parseAddrSet(entries []string, logger *zap.SugaredLogger) addrSet {
	set := addrSet{ips: make(map[string]bool)}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if _, subnet, err := net.ParseCIDR(entry); err == nil {
			set.subnets = append(set.subnets, subnet)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			set.ips[ip.String()] = true
			continue
		}
		logger.Warnw("ignoring invalid address entry", "entry", entry)
	}
	return set
}

func (s addrSet) empty() bool {
	return len(s.ips) == 0 && len(s.subnets) == 0
}

func (s addrSet) contains(raw string) bool {
	ip := net.ParseIP(raw)
	if ip == nil {
		return false
	}
	if s.ips[ip.String()] {
		return true
	}
	for _, subnet := range s.subnets {
		if subnet.Contains(ip) {
			return true
		}
	}
	return false
}

// NewCallbackGuard accepts plain addresses and CIDR ranges; an empty allowlist
// allows any source. Forwarding headers are only believed when the peer is
// one of the trusted proxies.
func NewCallbackGuard(secret string, allowed, trustedProxies []string, logger *zap.SugaredLogger) *CallbackGuard {
	return &CallbackGuard{
		secret:  []byte(secret),
		allowed: parseAddrSet(allowed, logger),
		proxies: parseAddrSet(trustedProxies, logger),
		logger:  logger,
	}
}

func (g *CallbackGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := g.sourceIP(r)
		if !g.allowed.empty() && !g.allowed.contains(ip) {
			g.logger.Warnw("callback from disallowed address", "remote_ip", ip, "remote_addr", r.RemoteAddr)
			utils.SendJSON(w, http.StatusForbidden, models.GatewayAck{ResultCode: 1, ResultDesc: "Forbidden"})
			return
		}

		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("X-Callback-Token")
		}
		if len(g.secret) == 0 || subtle.ConstantTimeCompare([]byte(token), g.secret) != 1 {
			g.logger.Warnw("callback with invalid token", "remote_ip", ip)
			utils.SendJSON(w, http.StatusUnauthorized, models.GatewayAck{ResultCode: 1, ResultDesc: "Unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// sourceIP walks X-Forwarded-For from the right, skipping trusted proxies,
// and returns the first hop a proxy of ours did not add.
func (g *CallbackGuard) sourceIP(r *http.Request) string {
	peer := remoteHost(r)
	if !g.proxies.contains(peer) {
		return peer
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !g.proxies.contains(hop) {
			return hop
		}
	}
	return peer
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ClientIP is the address reported by the load balancer in front of the
// service. Headers can be forged, so it is for logs and rate-limit keys only.
func ClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		first, _, _ := strings.Cut(ip, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	return remoteHost(r)
}
